package radio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

const (
	urcCreg = "+CREG:"
	urcCpin = "+CPIN:"
)

// CellDriver attaches the cellular radio to the packet network. SIM state is
// tracked from +CPIN URCs; a known-bad SIM fails the attach up front instead
// of waiting out the timeout.
type CellDriver struct {
	dev atcmd.Device

	mux    sync.Mutex
	handle *device.Handle
	apn    string
	simBad bool
}

func NewCell(dev atcmd.Device, apn string) *CellDriver {
	d := &CellDriver{dev: dev, apn: apn}
	dev.RegisterURC(urcCreg, d.onCreg)
	dev.RegisterURC(urcCpin, d.onCpin)
	return d
}

func (d *CellDriver) Bind(h *device.Handle) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.handle = h
}

func (d *CellDriver) boundHandle() *device.Handle {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.handle
}

func (d *CellDriver) PowerOn() error {
	if err := d.dev.Send("AT+CFUN=1"); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	return nil
}

func (d *CellDriver) PowerOff() error {
	return d.dev.Send("AT+CFUN=0")
}

func (d *CellDriver) Open() error {
	for _, cmd := range []string{"ATE0", "AT+CMEE=1", "AT+CREG=1", "AT+CPIN?"} {
		if err := d.dev.Send(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (d *CellDriver) Connect() (bool, error) {
	d.mux.Lock()
	apn, simBad := d.apn, d.simBad
	d.mux.Unlock()
	if simBad {
		return false, fmt.Errorf("%w: SIM is not OK", result.ErrInvalidState)
	}
	if len(apn) > 0 {
		if err := d.dev.Send(fmt.Sprintf("AT+CGDCONT=1,\"IP\",%q", apn)); err != nil {
			return false, err
		}
	}
	if err := d.dev.Send("AT+CGATT=1"); err != nil {
		return false, err
	}
	return false, nil
}

func (d *CellDriver) Disconnect() error {
	return d.dev.Send("AT+CGATT=0")
}

func (d *CellDriver) Close() error {
	return d.dev.Send("AT+CGACT=0,1")
}

func (d *CellDriver) Request(kind string) error {
	return fmt.Errorf("%w: cell request %q", result.ErrInvalidParameter, kind)
}

func (d *CellDriver) Cancel(string) error { return nil }

// onCreg completes the attach on registration to home (1) or roaming (5).
func (d *CellDriver) onCreg(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	value := strings.TrimSpace(strings.TrimPrefix(line, urcCreg))
	switch value {
	case "1", "5":
		h.Notify(line)
	case "3":
		h.Fail(fmt.Errorf("%w: registration denied", result.ErrTransportFailure))
	}
}

func (d *CellDriver) onCpin(line string) {
	ready := strings.Contains(line, "READY")
	d.mux.Lock()
	d.simBad = !ready
	d.mux.Unlock()
	if !ready {
		logs.LogWarn.Printf("SIM is not OK: %q", line)
	}
}
