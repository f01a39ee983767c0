// Package gnss drives the GNSS receiver over the AT command channel.
// Position requests are asynchronous: the request command starts the fix
// engine and NMEA sentences come back as unsolicited lines; the first
// sentence that survives validation completes the outstanding request.
package gnss

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

const (
	cmdPowerOn  = "AT+GPSPWR=1"
	cmdPowerOff = "AT+GPSPWR=0"
	cmdInit     = "AT+GPSINIT"
	cmdDeinit   = "AT+GPSDEINIT"
	cmdRun      = "AT+GPSRUN=1"
	cmdStop     = "AT+GPSRUN=0"
	cmdFixOn    = "AT+GPSFIX=1"
	cmdFixOff   = "AT+GPSFIX=0"
)

type Driver struct {
	dev      atcmd.Device
	pipeline *Pipeline

	mux    sync.Mutex
	handle *device.Handle

	countInvalid int
}

func NewDriver(dev atcmd.Device) *Driver {
	d := &Driver{
		dev:      dev,
		pipeline: NewPipeline(),
	}
	dev.RegisterURC("$", d.onFrame)
	return d
}

func (d *Driver) Bind(h *device.Handle) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.handle = h
}

func (d *Driver) boundHandle() *device.Handle {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.handle
}

func (d *Driver) PowerOn() error  { return d.dev.Send(cmdPowerOn) }
func (d *Driver) PowerOff() error { return d.dev.Send(cmdPowerOff) }
func (d *Driver) Open() error     { return d.dev.Send(cmdInit) }

// Connect starts the NMEA stream. The receiver begins emitting sentences
// on its own; there is no confirmation to wait for.
func (d *Driver) Connect() (bool, error) {
	if err := d.dev.Send(cmdRun); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) Disconnect() error { return d.dev.Send(cmdStop) }
func (d *Driver) Close() error      { return d.dev.Send(cmdDeinit) }

func (d *Driver) Request(kind string) error {
	if kind != device.OpPosition {
		return fmt.Errorf("%w: gnss request %q", result.ErrInvalidParameter, kind)
	}
	return d.dev.Send(cmdFixOn)
}

// Cancel stops the fix engine so the channel is free for the next request.
func (d *Driver) Cancel(kind string) error {
	if kind != device.OpPosition {
		return nil
	}
	return d.dev.Send(cmdFixOff)
}

func (d *Driver) onFrame(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	if !strings.HasPrefix(line, "$") {
		return
	}
	fix, err := d.pipeline.Accept(line)
	if err != nil {
		d.mux.Lock()
		d.countInvalid++
		n := d.countInvalid
		d.mux.Unlock()
		if n%5 == 0 {
			logs.LogWarn.Printf("gnss: %s", err)
		}
		return
	}
	if fix == nil {
		return
	}
	h.Notify(fix.Raw)
}
