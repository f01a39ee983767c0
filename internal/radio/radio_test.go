package radio

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

func TestMain(m *testing.M) {
	logs.LogInfo = logs.New(os.Stderr, "", 0)
	logs.LogBuild = logs.New(os.Stderr, "", 0)
	logs.LogWarn = logs.New(os.Stderr, "", 0)
	logs.LogError = logs.New(os.Stderr, "", 0)
	settleDelay = time.Millisecond
	os.Exit(m.Run())
}

func mustRegister(t *testing.T, reg *device.Registry, kind device.Kind, drv device.Driver) *device.Handle {
	t.Helper()
	h, err := reg.Register(kind, drv, 10*time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("register %s: %s", kind, err)
	}
	return h
}

func TestWifiJoinConfirmedByURC(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewWifi(dev, "net", "psk")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Wifi, drv)

	dev.Script(fmt.Sprintf("AT+WIFIJOIN=%q,%q", "net", "psk"), "+WIFI: CONNECTED")
	if err := h.Connect(""); err != nil {
		t.Fatalf("connect: %s", err)
	}
	if h.State() != device.Connected {
		t.Errorf("state = %s, want %s", h.State(), device.Connected)
	}
}

func TestWifiJoinRefusedByURC(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewWifi(dev, "net", "psk")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Wifi, drv)

	dev.Script(fmt.Sprintf("AT+WIFIJOIN=%q,%q", "net", "psk"), "+WIFI: FAIL")
	err := h.Connect("")
	if err == nil {
		t.Fatal("connect succeeded, want join failure")
	}
	if h.State() != device.Open {
		t.Errorf("state = %s, want %s", h.State(), device.Open)
	}
}

func TestWifiJoinWithoutSSID(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewWifi(dev, "", "")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Wifi, drv)

	err := h.Connect("")
	if !errors.Is(err, result.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidParameter)
	}
}

func TestCellAttachConfirmedByCreg(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewCell(dev, "internet.apn")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Cell, drv)

	dev.Script("AT+CGATT=1", "+CREG: 1")
	if err := h.Connect(""); err != nil {
		t.Fatalf("connect: %s", err)
	}
	if h.State() != device.Connected {
		t.Errorf("state = %s, want %s", h.State(), device.Connected)
	}
	found := false
	for _, cmd := range dev.Sent() {
		if cmd == fmt.Sprintf("AT+CGDCONT=1,\"IP\",%q", "internet.apn") {
			found = true
		}
	}
	if !found {
		t.Errorf("APN never configured, sent = %v", dev.Sent())
	}
}

func TestCellAttachDeniedByCreg(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewCell(dev, "")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Cell, drv)

	dev.Script("AT+CGATT=1", "+CREG: 3")
	err := h.Connect("")
	if !errors.Is(err, result.ErrTransportFailure) {
		t.Errorf("error = %v, want %v", err, result.ErrTransportFailure)
	}
	if h.State() != device.Open {
		t.Errorf("state = %s, want %s", h.State(), device.Open)
	}
}

func TestCellAttachRefusedOnBadSIM(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewCell(dev, "")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, device.Cell, drv)

	if err := h.Open(""); err != nil {
		t.Fatalf("open: %s", err)
	}
	dev.Deliver("+CPIN: SIM PIN")
	err := h.Connect("")
	if !errors.Is(err, result.ErrInvalidState) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidState)
	}
	for _, cmd := range dev.Sent() {
		if cmd == "AT+CGATT=1" {
			t.Error("attach was sent despite bad SIM")
		}
	}
}
