// Package mqttsn is the MQTT-SN client module for the cellular path. The
// client itself lives on the modem; this driver issues its AT commands and
// correlates the URC completions through the module's request slot. Topic
// registration is the extra MQTT-SN step: publishes address topics by the
// numeric id the gateway assigned, so unknown topics are registered first.
package mqttsn

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dumacp/go-aggregator/internal/atcmd"
	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/result"
)

const (
	urcConn = "+MQTTSNCONN:"
	urcReg  = "+MQTTSNREG:"
	urcPub  = "+MQTTSNPUB:"
)

type Driver struct {
	dev      atcmd.Device
	gateway  string
	clientID string

	mux          sync.Mutex
	handle       *device.Handle
	topics       map[string]int
	pendingTopic string
	pendingPub   string
}

func NewDriver(dev atcmd.Device, gateway, clientID string) *Driver {
	d := &Driver{
		dev:      dev,
		gateway:  gateway,
		clientID: clientID,
		topics:   make(map[string]int),
	}
	dev.RegisterURC(urcConn, d.onConn)
	dev.RegisterURC(urcReg, d.onReg)
	dev.RegisterURC(urcPub, d.onPub)
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

func (d *Driver) PowerOn() error  { return nil }
func (d *Driver) PowerOff() error { return nil }

func (d *Driver) Open() error {
	return d.dev.Send(fmt.Sprintf("AT+MQTTSNGW=%q", d.gateway))
}

func (d *Driver) Connect() (bool, error) {
	if err := d.dev.Send(fmt.Sprintf("AT+MQTTSNCONN=%q", d.clientID)); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Driver) Disconnect() error {
	return d.dev.Send("AT+MQTTSNDISC")
}

func (d *Driver) Close() error {
	d.mux.Lock()
	d.topics = make(map[string]int)
	d.mux.Unlock()
	return d.dev.Send("AT+MQTTSNDEINIT")
}

func (d *Driver) Request(kind string) error {
	d.mux.Lock()
	var cmd string
	switch kind {
	case device.OpRegister:
		if len(d.pendingTopic) > 0 {
			cmd = fmt.Sprintf("AT+MQTTSNREG=%q", d.pendingTopic)
		}
	case device.OpPublish:
		cmd = d.pendingPub
	}
	d.mux.Unlock()
	if len(cmd) == 0 {
		return fmt.Errorf("%w: mqttsn request %q", result.ErrInvalidParameter, kind)
	}
	return d.dev.Send(cmd)
}

func (d *Driver) Cancel(string) error { return nil }

// RegisterTopic obtains the gateway topic id for name, registering it when
// it is not known yet.
func (d *Driver) RegisterTopic(name string) (int, error) {
	h := d.boundHandle()
	if h == nil || h.State() != device.Connected {
		return 0, fmt.Errorf("%w: mqttsn register needs connected client", result.ErrInvalidState)
	}
	d.mux.Lock()
	if id, ok := d.topics[name]; ok {
		d.mux.Unlock()
		return id, nil
	}
	d.pendingTopic = name
	d.mux.Unlock()

	slot, err := h.StartRequest(device.OpRegister)
	if err != nil {
		return 0, err
	}
	out := h.WaitRequest(slot.ID, h.Timeout()+time.Second)
	if err := out.Err(); err != nil {
		return 0, fmt.Errorf("%w: register %q", err, name)
	}
	if out != result.Success {
		return 0, fmt.Errorf("%w: register %q", result.ErrTransportFailure, name)
	}
	d.mux.Lock()
	id, ok := d.topics[name]
	d.mux.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: no topic id for %q", result.ErrUnknown, name)
	}
	return id, nil
}

// Publish sends one message. QoS 0 is fire-and-forget; QoS 1 waits for the
// gateway acknowledgment through the request slot.
func (d *Driver) Publish(topic string, qos byte, retain bool, payload []byte) error {
	h := d.boundHandle()
	if h == nil || h.State() != device.Connected {
		return fmt.Errorf("%w: mqttsn publish needs connected client", result.ErrInvalidState)
	}
	id, err := d.RegisterTopic(topic)
	if err != nil {
		return err
	}
	retainFlag := 0
	if retain {
		retainFlag = 1
	}
	cmd := fmt.Sprintf("AT+MQTTSNPUB=%d,%d,%d,%q", id, qos, retainFlag, payload)
	if qos == 0 {
		return d.dev.Send(cmd)
	}
	d.mux.Lock()
	d.pendingPub = cmd
	d.mux.Unlock()
	slot, err := h.StartRequest(device.OpPublish)
	if err != nil {
		return err
	}
	out := h.WaitRequest(slot.ID, h.Timeout()+time.Second)
	if err := out.Err(); err != nil {
		return fmt.Errorf("%w: publish %q", err, topic)
	}
	if out != result.Success {
		return fmt.Errorf("%w: publish %q", result.ErrTransportFailure, topic)
	}
	return nil
}

func (d *Driver) onConn(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	if urcValue(line, urcConn) == "0" {
		h.Notify(line)
		return
	}
	h.Fail(fmt.Errorf("%w: %s", result.ErrTransportFailure, line))
}

func (d *Driver) onReg(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	id, err := strconv.Atoi(urcValue(line, urcReg))
	if err != nil || id <= 0 {
		h.Fail(fmt.Errorf("%w: %s", result.ErrTransportFailure, line))
		return
	}
	d.mux.Lock()
	if len(d.pendingTopic) > 0 {
		d.topics[d.pendingTopic] = id
		d.pendingTopic = ""
	}
	d.mux.Unlock()
	h.Notify(line)
}

func (d *Driver) onPub(line string) {
	h := d.boundHandle()
	if h == nil {
		return
	}
	if urcValue(line, urcPub) == "0" {
		h.Notify(line)
		return
	}
	h.Fail(fmt.Errorf("%w: %s", result.ErrTransportFailure, line))
}

func urcValue(line, prefix string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}
