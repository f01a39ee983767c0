package mqttclient

import (
	"errors"
	"testing"
	"time"

	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

func TestConnectWithoutOpen(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "unit"})
	_, err := drv.Connect()
	if !errors.Is(err, result.ErrInvalidState) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidState)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "unit"})
	if err := drv.Open(); err != nil {
		t.Fatalf("open: %s", err)
	}
	first := drv.client
	if err := drv.Open(); err != nil {
		t.Fatalf("second open: %s", err)
	}
	if drv.client != first {
		t.Error("second open rebuilt the client")
	}
}

func TestCloseDropsClient(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "unit"})
	if err := drv.Open(); err != nil {
		t.Fatalf("open: %s", err)
	}
	if err := drv.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}
	if drv.client != nil {
		t.Error("client survived close")
	}
}

func TestPublishNeedsConnectedModule(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "unit"})
	reg := device.NewRegistry()
	h, err := reg.Register(device.MQTT, drv, 10*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("register: %s", err)
	}
	if err := h.Open(""); err != nil {
		t.Fatalf("open: %s", err)
	}
	err = drv.Publish("EVENTS/gps", 0, false, []byte("{}"))
	if !errors.Is(err, result.ErrInvalidState) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidState)
	}
}

func TestRequestUnsupported(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883", ClientID: "unit"})
	if err := drv.Request(device.OpPosition); !errors.Is(err, result.ErrInvalidParameter) {
		t.Errorf("error = %v, want %v", err, result.ErrInvalidParameter)
	}
}

func TestConfigDefaults(t *testing.T) {
	drv := NewDriver(Config{BrokerURL: "tcp://127.0.0.1:1883"})
	if drv.cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("connect timeout = %v", drv.cfg.ConnectTimeout)
	}
	if drv.cfg.PublishTimeout != 3*time.Second {
		t.Errorf("publish timeout = %v", drv.cfg.PublishTimeout)
	}
}
