// Package radio drives the Wi-Fi and cellular radios over the AT command
// channel. Joining a network is asynchronous: the join command returns
// immediately and the radio reports the result later as a URC, which
// completes the outstanding connect request on the module handle.
package radio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

// settleDelay is the pause after power transitions before the radio accepts
// commands. Tests shorten it.
var settleDelay = 2 * time.Second

const urcWifi = "+WIFI:"

type WifiDriver struct {
	dev atcmd.Device

	mux    sync.Mutex
	handle *device.Handle
	ssid   string
	psk    string
}

func NewWifi(dev atcmd.Device, ssid, psk string) *WifiDriver {
	d := &WifiDriver{dev: dev, ssid: ssid, psk: psk}
	dev.RegisterURC(urcWifi, d.onURC)
	return d
}

func (d *WifiDriver) Bind(h *device.Handle) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.handle = h
}

func (d *WifiDriver) boundHandle() *device.Handle {
	d.mux.Lock()
	defer d.mux.Unlock()
	return d.handle
}

func (d *WifiDriver) PowerOn() error {
	if err := d.dev.Send("AT+WIFIPWR=1"); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	return nil
}

func (d *WifiDriver) PowerOff() error {
	return d.dev.Send("AT+WIFIPWR=0")
}

func (d *WifiDriver) Open() error {
	if err := d.dev.Send("ATE0"); err != nil {
		return err
	}
	return d.dev.Send("AT+WIFIINIT")
}

func (d *WifiDriver) Connect() (bool, error) {
	d.mux.Lock()
	ssid, psk := d.ssid, d.psk
	d.mux.Unlock()
	if len(ssid) == 0 {
		return false, fmt.Errorf("%w: empty ssid", result.ErrInvalidParameter)
	}
	if err := d.dev.Send(fmt.Sprintf("AT+WIFIJOIN=%q,%q", ssid, psk)); err != nil {
		return false, err
	}
	return false, nil
}

func (d *WifiDriver) Disconnect() error {
	return d.dev.Send("AT+WIFIQUIT")
}

func (d *WifiDriver) Close() error {
	return d.dev.Send("AT+WIFIDEINIT")
}

func (d *WifiDriver) Request(kind string) error {
	return fmt.Errorf("%w: wifi request %q", result.ErrInvalidParameter, kind)
}

func (d *WifiDriver) Cancel(string) error { return nil }

func (d *WifiDriver) onURC(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	switch {
	case strings.Contains(line, "CONNECTED"):
		h.Notify(line)
	case strings.Contains(line, "FAIL"), strings.Contains(line, "DISCONNECT"):
		h.Fail(fmt.Errorf("%w: %s", result.ErrTransportFailure, line))
	}
}
