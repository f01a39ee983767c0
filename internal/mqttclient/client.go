// Package mqttclient is the MQTT client module for the Wi-Fi path, built on
// paho. Connect completes synchronously (token wait); the connected client
// doubles as the publish sink for the aggregation session.
package mqttclient

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

type Driver struct {
	cfg Config

	mux    sync.Mutex
	handle *device.Handle
	client mqtt.Client
}

func NewDriver(cfg Config) *Driver {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Bind(h *device.Handle) {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.handle = h
}

func (d *Driver) PowerOn() error  { return nil }
func (d *Driver) PowerOff() error { return nil }

func (d *Driver) Open() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	if d.client != nil {
		return nil
	}
	opt := mqtt.NewClientOptions().AddBroker(d.cfg.BrokerURL)
	opt.SetClientID(fmt.Sprintf("%s-%d", d.cfg.ClientID, time.Now().Unix()))
	if len(d.cfg.Username) > 0 {
		opt.SetUsername(d.cfg.Username)
		opt.SetPassword(d.cfg.Password)
	}
	opt.SetKeepAlive(30 * time.Second)
	opt.SetAutoReconnect(true)
	opt.SetConnectRetryInterval(10 * time.Second)
	d.client = mqtt.NewClient(opt)
	return nil
}

// Connect blocks up to the configured timeout. A missing broker answer is a
// hard failure for this one-shot operation.
func (d *Driver) Connect() (bool, error) {
	d.mux.Lock()
	client := d.client
	d.mux.Unlock()
	if client == nil {
		return false, fmt.Errorf("%w: mqtt client not open", result.ErrInvalidState)
	}
	tk := client.Connect()
	if !tk.WaitTimeout(d.cfg.ConnectTimeout) {
		return false, fmt.Errorf("%w: mqtt connect", result.ErrTimedOut)
	}
	if err := tk.Error(); err != nil {
		return false, fmt.Errorf("%w: mqtt connect: %s", result.ErrTransportFailure, err)
	}
	return true, nil
}

func (d *Driver) Disconnect() error {
	d.mux.Lock()
	client := d.client
	d.mux.Unlock()
	if client == nil || !client.IsConnected() {
		return nil
	}
	client.Disconnect(600)
	return nil
}

func (d *Driver) Close() error {
	d.mux.Lock()
	defer d.mux.Unlock()
	d.client = nil
	return nil
}

func (d *Driver) Request(kind string) error {
	return fmt.Errorf("%w: mqtt request %q", result.ErrInvalidParameter, kind)
}

func (d *Driver) Cancel(string) error { return nil }

// Publish sends one message through the connected client.
func (d *Driver) Publish(topic string, qos byte, retain bool, payload []byte) error {
	d.mux.Lock()
	h := d.handle
	client := d.client
	d.mux.Unlock()
	if h == nil || h.State() != device.Connected || client == nil {
		return fmt.Errorf("%w: mqtt publish needs connected client", result.ErrInvalidState)
	}
	tk := client.Publish(topic, qos, retain, payload)
	if !tk.WaitTimeout(d.cfg.PublishTimeout) {
		return fmt.Errorf("%w: mqtt publish %q", result.ErrTimedOut, topic)
	}
	if err := tk.Error(); err != nil {
		return fmt.Errorf("%w: mqtt publish %q: %s", result.ErrTransportFailure, topic, err)
	}
	return nil
}
