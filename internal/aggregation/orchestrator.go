// Package aggregation runs the sample-and-publish session. One session at a
// time owns the aggregation lock, brings the chosen transport's module chain
// up through the dependency resolver, fans sampling out to the sensors and
// flushes aggregated readings to the transport's publish sink each period.
package aggregation

import (
	"fmt"
	"sync"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/dumacp/go-logs/pkg/logs"
	"github.com/dumacp/gpsnmea"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/dumacp/go-aggregator/internal/device"
	"github.com/dumacp/go-aggregator/internal/gnss"
	"github.com/dumacp/go-aggregator/internal/result"
	"github.com/dumacp/go-aggregator/internal/sensors"
	"github.com/dumacp/go-aggregator/pkg/messages"
)

const (
	topicGPS       = "EVENTS/gps"
	topicAggregate = "EVENTS/aggregate"
)

// teardownWait bounds the poll for the other transport's chain to come down
// before the new one starts. Both radios can share transport resources, so
// the chains must never overlap.
var (
	teardownWait = 10 * time.Second
	teardownPoll = 100 * time.Millisecond
)

// Sink publishes aggregated payloads over the active transport.
type Sink interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
}

// Transport couples a radio module, its protocol client and the publish
// sink the session uses while that transport is active.
type Transport struct {
	Name   string
	Radio  device.Kind
	Client device.Kind
	Sink   Sink
}

type startDone struct {
	transport string
	err       error
}

type stopDone struct {
	transport string
	err       error
}

type flushTick struct{}

type Orchestrator struct {
	reg         *device.Registry
	resolver    *device.Resolver
	sensorList  []sensors.Sensor
	transports  map[string]Transport
	minDistance float64

	context     actor.Context
	rootctx     *actor.RootContext
	fsmx        *fsm.FSM
	busy        bool
	lastErr     error
	buffer      map[string][]float64
	lastFix     *gnss.Fix
	lastFixSent time.Time
	quitFlush   chan int

	mux     sync.Mutex
	token   string
	period  time.Duration
	modPIDs map[string]*actor.PID
}

func NewOrchestrator(reg *device.Registry, resolver *device.Resolver,
	sensorList []sensors.Sensor, transports []Transport, period time.Duration) *Orchestrator {
	o := &Orchestrator{
		reg:         reg,
		resolver:    resolver,
		sensorList:  sensorList,
		transports:  make(map[string]Transport),
		minDistance: 30,
		fsmx:        newSessionFSM(),
		buffer:      make(map[string][]float64),
		period:      period,
		modPIDs:     make(map[string]*actor.PID),
	}
	for _, tr := range transports {
		o.transports[tr.Name] = tr
	}
	return o
}

// SetMinDistance changes the minimum traveled distance, in meters, before a
// position is published. Call before the actor is spawned.
func (o *Orchestrator) SetMinDistance(meters float64) {
	o.minDistance = meters
}

func (o *Orchestrator) Receive(ctx actor.Context) {
	o.context = ctx
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		logs.LogInfo.Printf("actor started \"%s\"", ctx.Self().Id)
		o.rootctx = ctx.ActorSystem().Root
	case *actor.Stopping:
		logs.LogInfo.Printf("actor stopping \"%s\"", ctx.Self().Id)
		o.stopFlush()
	case *messages.RegisterModule:
		if ctx.Sender() == nil {
			break
		}
		o.mux.Lock()
		o.modPIDs[msg.Module] = ctx.Sender()
		o.mux.Unlock()
		if msg.Module == device.GNSS.String() {
			ctx.Request(ctx.Sender(), &messages.Subscribe{})
		}
	case *messages.AggStart:
		if o.busy {
			o.respond("start", fmt.Errorf("%w: aggregation busy", result.ErrInvalidState))
			break
		}
		tr, ok := o.transports[msg.Transport]
		if !ok {
			o.respond("start", fmt.Errorf("%w: transport %q", result.ErrInvalidParameter, msg.Transport))
			break
		}
		current := modeOf(o.fsmx.Current())
		o.busy = true
		self := ctx.Self()
		go func() {
			err := o.doStart(tr, current)
			o.rootctx.Send(self, &startDone{transport: tr.Name, err: err})
		}()
		o.respond("start "+tr.Name, nil)
	case *startDone:
		o.busy = false
		o.lastErr = msg.err
		if msg.err != nil {
			logs.LogWarn.Printf("aggregation start %q failed: %s", msg.transport, msg.err)
			o.stopFlush()
			if o.fsmx.Current() != sDisabled {
				o.fsmx.Event(stopEvent)
			}
			break
		}
		if o.fsmx.Current() != sDisabled {
			o.fsmx.Event(stopEvent)
		}
		if msg.transport == TransportWifi {
			o.fsmx.Event(startWifiEvent)
		} else {
			o.fsmx.Event(startCellEvent)
		}
		o.buffer = make(map[string][]float64)
		o.lastFix = nil
		o.startFlush()
		logs.LogInfo.Printf("aggregation active on %q", msg.transport)
	case *messages.AggStop:
		if o.busy {
			o.respond("stop", fmt.Errorf("%w: aggregation busy", result.ErrInvalidState))
			break
		}
		tr, ok := o.transports[msg.Transport]
		if !ok {
			o.respond("stop", fmt.Errorf("%w: transport %q", result.ErrInvalidParameter, msg.Transport))
			break
		}
		current := modeOf(o.fsmx.Current())
		if current != ModeDisabled && current != tr.Name {
			logs.LogWarn.Printf("stop %q refused, active transport is %q", tr.Name, current)
			o.respond("stop "+tr.Name, nil)
			break
		}
		o.busy = true
		self := ctx.Self()
		go func() {
			err := o.doStop(tr)
			o.rootctx.Send(self, &stopDone{transport: tr.Name, err: err})
		}()
		o.respond("stop "+tr.Name, nil)
	case *stopDone:
		o.busy = false
		o.lastErr = msg.err
		o.stopFlush()
		if o.fsmx.Current() != sDisabled {
			o.fsmx.Event(stopEvent)
		}
		o.buffer = make(map[string][]float64)
		logs.LogInfo.Printf("aggregation disabled (stop %q)", msg.transport)
	case *messages.AggSetPeriod:
		if o.busy {
			o.respond("set_period", fmt.Errorf("%w: aggregation busy", result.ErrInvalidState))
			break
		}
		o.respond("set_period", o.setPeriod(msg.Millis))
	case *messages.AggStatusRequest:
		if ctx.Sender() != nil {
			ctx.Respond(&messages.AggStatus{
				Mode:       modeOf(o.fsmx.Current()),
				PeriodMs:   int(o.Period() / time.Millisecond),
				Locked:     o.reg.Locked(),
				LastResult: result.CodeOf(o.lastErr).String(),
			})
		}
	case *messages.SensorReading:
		if modeOf(o.fsmx.Current()) == ModeDisabled {
			break
		}
		o.buffer[msg.Sensor] = append(o.buffer[msg.Sensor], msg.Value)
	case *messages.RequestCompleted:
		if msg.Module != device.GNSS.String() ||
			msg.Outcome != result.Success.String() || len(msg.Payload) == 0 {
			break
		}
		fix, err := gnss.ParseFix(msg.Payload)
		if err != nil || fix == nil {
			break
		}
		o.onFix(fix)
	case *flushTick:
		o.flush()
	case *actor.Terminated:
		logs.LogError.Printf("actor terminated: %s", msg.Who.GetId())
	}
}

func (o *Orchestrator) respond(op string, err error) {
	if err != nil {
		logs.LogWarn.Printf("aggregation %s: %s", op, err)
		o.lastErr = err
	}
	if o.context.Sender() != nil {
		o.context.Respond(&messages.Done{Op: op, Err: err})
	}
}

func (o *Orchestrator) Period() time.Duration {
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.period
}

func (o *Orchestrator) Token() string {
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.token
}

func (o *Orchestrator) setToken(token string) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.token = token
}

// doStart runs outside the actor goroutine; it only touches thread-safe
// state (registry, resolver, sensors, its own guarded fields).
func (o *Orchestrator) doStart(tr Transport, current string) error {
	if current != ModeDisabled && current != tr.Name {
		other, ok := o.transports[current]
		if ok {
			if err := o.doStop(other); err != nil {
				logs.LogWarn.Printf("stop of %q before start of %q: %s", other.Name, tr.Name, err)
			}
			if !o.waitTornDown(other) {
				return fmt.Errorf("%w: %s chain still up", result.ErrTimedOut, other.Name)
			}
		}
	} else if current == tr.Name {
		// restart: tear the same transport down first
		if err := o.doStop(tr); err != nil {
			logs.LogWarn.Printf("stop of %q before restart: %s", tr.Name, err)
		}
	}
	token := uuid.NewString()
	if !o.reg.TryLockForAggregation(token) {
		return fmt.Errorf("%w: aggregation lock held", result.ErrInvalidState)
	}
	o.setToken(token)
	if err := o.bringUp(tr, token); err != nil {
		// unwind partial configuration, best effort
		if errStop := o.doStop(tr); errStop != nil {
			logs.LogWarn.Printf("unwind of %q: %s", tr.Name, errStop)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) bringUp(tr Transport, token string) error {
	period := o.Period()
	for _, s := range o.sensorList {
		s.Disable()
		s.EnablePublish(false)
	}
	for _, s := range o.sensorList {
		if err := s.SetPeriod(period); err != nil {
			return err
		}
	}
	gnssH := o.reg.Get(device.GNSS)
	if gnssH != nil {
		if err := gnssH.SetPeriod(period, token); err != nil {
			return err
		}
	}
	radioH := o.reg.Get(tr.Radio)
	clientH := o.reg.Get(tr.Client)
	if radioH == nil || clientH == nil {
		return fmt.Errorf("%w: transport %q modules missing", result.ErrInvalidState, tr.Name)
	}
	if err := o.resolver.EnsureReady(radioH, device.Connected, token); err != nil {
		return err
	}
	if err := o.resolver.EnsureReady(clientH, device.Connected, token); err != nil {
		return err
	}
	if gnssH != nil {
		if err := o.resolver.EnsureReady(gnssH, device.Connected, token); err != nil {
			return err
		}
		o.sendToModule(device.GNSS.String(),
			&messages.StartSampling{Kind: device.OpPosition, Token: token})
	}
	for _, s := range o.sensorList {
		s.EnablePublish(true)
		s.Enable()
	}
	return nil
}

// doStop tears the transport chain down. Every step is best effort: a stop
// always ends in Disabled, so sub-errors are logged, never propagated.
func (o *Orchestrator) doStop(tr Transport) error {
	token := o.Token()
	for _, s := range o.sensorList {
		s.Disable()
		s.EnablePublish(false)
	}
	o.sendToModule(device.GNSS.String(), &messages.StopSampling{Token: token})
	if gnssH := o.reg.Get(device.GNSS); gnssH != nil {
		if err := gnssH.PowerOff(token); err != nil {
			logs.LogWarn.Printf("gnss power off: %s", err)
		}
	}
	if clientH := o.reg.Get(tr.Client); clientH != nil {
		if err := clientH.PowerOff(token); err != nil {
			logs.LogWarn.Printf("%s power off: %s", tr.Client, err)
		}
	}
	if radioH := o.reg.Get(tr.Radio); radioH != nil {
		if err := radioH.PowerOff(token); err != nil {
			logs.LogWarn.Printf("%s power off: %s", tr.Radio, err)
		}
	}
	o.reg.Unlock(token)
	o.setToken("")
	return nil
}

// waitTornDown polls until the transport's modules are closed and
// unpowered.
func (o *Orchestrator) waitTornDown(tr Transport) bool {
	deadline := time.Now().Add(teardownWait)
	for {
		radioH := o.reg.Get(tr.Radio)
		clientH := o.reg.Get(tr.Client)
		down := (radioH == nil || (radioH.State() == device.Closed && !radioH.Powered())) &&
			(clientH == nil || clientH.State() == device.Closed)
		if down {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(teardownPoll)
	}
}

// setPeriod always stores the new target; with a session active it also
// propagates live to every sensor and the GNSS module, failing the whole
// call on the first rejection.
func (o *Orchestrator) setPeriod(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("%w: period %dms", result.ErrInvalidParameter, ms)
	}
	d := time.Duration(ms) * time.Millisecond
	o.mux.Lock()
	o.period = d
	token := o.token
	o.mux.Unlock()
	if modeOf(o.fsmx.Current()) == ModeDisabled {
		return nil
	}
	for _, s := range o.sensorList {
		if err := s.SetPeriod(d); err != nil {
			return err
		}
	}
	gnssH := o.reg.Get(device.GNSS)
	if gnssH != nil {
		if err := gnssH.SetPeriod(d, token); err != nil {
			return err
		}
		o.sendToModule(device.GNSS.String(),
			&messages.StartSampling{Kind: device.OpPosition, Token: token})
	}
	o.restartFlush()
	return nil
}

func (o *Orchestrator) sendToModule(name string, msg interface{}) {
	o.mux.Lock()
	pid := o.modPIDs[name]
	o.mux.Unlock()
	if pid == nil {
		logs.LogWarn.Printf("module %q is not registered", name)
		return
	}
	o.rootctx.Send(pid, msg)
}

func (o *Orchestrator) activeSink() Sink {
	tr, ok := o.transports[modeOf(o.fsmx.Current())]
	if !ok {
		return nil
	}
	return tr.Sink
}

func (o *Orchestrator) onFix(fix *gnss.Fix) {
	sink := o.activeSink()
	if sink == nil {
		return
	}
	publish := o.lastFix == nil
	if !publish {
		distance := gpsnmea.Distance(o.lastFix.Lat, o.lastFix.Lng, fix.Lat, fix.Lng, "K")
		if distance*1000 > o.minDistance {
			publish = true
		} else if time.Since(o.lastFixSent) >= o.Period() {
			publish = true
		}
	}
	if !publish {
		return
	}
	tn := time.Now()
	timeStamp := float64(tn.UnixNano()) / 1000000000
	event := []byte(fmt.Sprintf("{\"timeStamp\": %f, \"value\": %q, \"type\": %q}",
		timeStamp, fix.Raw, fix.Type[1:]))
	if err := sink.Publish(topicGPS, 1, false, event); err != nil {
		logs.LogWarn.Printf("publish position: %s", err)
		return
	}
	o.lastFix = fix
	o.lastFixSent = tn
}

func (o *Orchestrator) flush() {
	sink := o.activeSink()
	if sink == nil {
		return
	}
	for name, values := range o.buffer {
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		avg := sum / float64(len(values))
		payload := fmt.Sprintf("{\"timeStamp\": %d, \"sensor\": %q, \"value\": %.2f, \"count\": %d}",
			time.Now().Unix(), name, avg, len(values))
		if err := sink.Publish(topicAggregate+"/"+name, 1, false, []byte(payload)); err != nil {
			logs.LogWarn.Printf("publish aggregate %q: %s", name, err)
		}
		o.buffer[name] = values[:0]
	}
}

func (o *Orchestrator) startFlush() {
	o.stopFlush()
	o.quitFlush = make(chan int)
	go flushLoop(o.rootctx, o.context.Self(), o.Period(), o.quitFlush)
}

func (o *Orchestrator) restartFlush() {
	if o.quitFlush == nil {
		return
	}
	o.startFlush()
}

func (o *Orchestrator) stopFlush() {
	if o.quitFlush == nil {
		return
	}
	select {
	case <-o.quitFlush:
	default:
		close(o.quitFlush)
	}
	o.quitFlush = nil
}

func flushLoop(rootctx *actor.RootContext, self *actor.PID, period time.Duration, quit <-chan int) {
	t1 := time.NewTicker(period)
	defer t1.Stop()
	for {
		select {
		case <-t1.C:
			rootctx.Send(self, &flushTick{})
		case <-quit:
			return
		}
	}
}
