package mqttsn

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
	os.Exit(m.Run())
}

func mustRegister(t *testing.T, reg *device.Registry, drv device.Driver) *device.Handle {
	t.Helper()
	h, err := reg.Register(device.MQTTSN, drv, 10*time.Second, 3*time.Second)
	if err != nil {
		t.Fatalf("register: %s", err)
	}
	return h
}

func connectedClient(t *testing.T) (*Driver, *atcmd.Loopback, *device.Handle) {
	t.Helper()
	dev := atcmd.NewLoopback()
	drv := NewDriver(dev, "10.0.0.1:1883", "unit-1")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, drv)
	dev.Script(fmt.Sprintf("AT+MQTTSNCONN=%q", "unit-1"), "+MQTTSNCONN: 0")
	if err := h.Connect(""); err != nil {
		t.Fatalf("connect: %s", err)
	}
	return drv, dev, h
}

func TestConnectConfirmedByURC(t *testing.T) {
	_, dev, h := connectedClient(t)
	if h.State() != device.Connected {
		t.Fatalf("state = %s, want %s", h.State(), device.Connected)
	}
	sent := dev.Sent()
	if sent[0] != fmt.Sprintf("AT+MQTTSNGW=%q", "10.0.0.1:1883") {
		t.Errorf("gateway config not sent first, sent = %v", sent)
	}
}

func TestConnectRefusedByURC(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewDriver(dev, "10.0.0.1:1883", "unit-1")
	reg := device.NewRegistry()
	h := mustRegister(t, reg, drv)
	dev.Script(fmt.Sprintf("AT+MQTTSNCONN=%q", "unit-1"), "+MQTTSNCONN: 3")
	err := h.Connect("")
	if !errors.Is(err, result.ErrTransportFailure) {
		t.Errorf("error = %v, want %v", err, result.ErrTransportFailure)
	}
	if h.State() != device.Open {
		t.Errorf("state = %s, want %s", h.State(), device.Open)
	}
}

func TestRegisterTopicOnce(t *testing.T) {
	drv, dev, _ := connectedClient(t)
	dev.Script(fmt.Sprintf("AT+MQTTSNREG=%q", "EVENTS/gps"), "+MQTTSNREG: 3")

	id, err := drv.RegisterTopic("EVENTS/gps")
	if err != nil {
		t.Fatalf("register: %s", err)
	}
	if id != 3 {
		t.Fatalf("id = %d, want 3", id)
	}
	before := len(dev.Sent())
	id, err = drv.RegisterTopic("EVENTS/gps")
	if err != nil || id != 3 {
		t.Fatalf("second register = %d, %v, want cached 3", id, err)
	}
	if got := len(dev.Sent()); got != before {
		t.Errorf("second register sent %d commands, want 0", got-before)
	}
}

func TestPublishQoS0IsFireAndForget(t *testing.T) {
	drv, dev, _ := connectedClient(t)
	dev.Script(fmt.Sprintf("AT+MQTTSNREG=%q", "EVENTS/aggregate"), "+MQTTSNREG: 7")

	if err := drv.Publish("EVENTS/aggregate", 0, false, []byte("{}")); err != nil {
		t.Fatalf("publish: %s", err)
	}
	want := fmt.Sprintf("AT+MQTTSNPUB=%d,%d,%d,%q", 7, 0, 0, []byte("{}"))
	found := false
	for _, cmd := range dev.Sent() {
		if cmd == want {
			found = true
		}
	}
	if !found {
		t.Errorf("publish command missing, sent = %v", dev.Sent())
	}
}

func TestPublishQoS1WaitsForAck(t *testing.T) {
	drv, dev, _ := connectedClient(t)
	dev.Script(fmt.Sprintf("AT+MQTTSNREG=%q", "EVENTS/gps"), "+MQTTSNREG: 4")
	cmd := fmt.Sprintf("AT+MQTTSNPUB=%d,%d,%d,%q", 4, 1, 0, []byte("fix"))
	dev.Script(cmd, "+MQTTSNPUB: 0")

	if err := drv.Publish("EVENTS/gps", 1, false, []byte("fix")); err != nil {
		t.Fatalf("publish: %s", err)
	}
}

func TestPublishQoS1GatewayError(t *testing.T) {
	drv, dev, _ := connectedClient(t)
	dev.Script(fmt.Sprintf("AT+MQTTSNREG=%q", "EVENTS/gps"), "+MQTTSNREG: 4")
	cmd := fmt.Sprintf("AT+MQTTSNPUB=%d,%d,%d,%q", 4, 1, 0, []byte("fix"))
	dev.Script(cmd, "+MQTTSNPUB: 2")

	err := drv.Publish("EVENTS/gps", 1, false, []byte("fix"))
	if err == nil {
		t.Fatal("publish succeeded, want gateway error")
	}
}

func TestPublishNeedsConnectedClient(t *testing.T) {
	dev := atcmd.NewLoopback()
	drv := NewDriver(dev, "10.0.0.1:1883", "unit-1")
	reg := device.NewRegistry()
	mustRegister(t, reg, drv)
	err := drv.Publish("EVENTS/gps", 1, false, []byte("fix"))
	if !errors.Is(err, result.ErrInvalidState) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidState)
	}
}
