package device

import (
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/dumacp/go-logs/pkg/logs"

	"github.com/dumacp/go-aggregator/pkg/messages"
)

type requestDone struct{ slot Slot }
type sampleTick struct{}

// ModuleActor is the command surface of one module. Front-ends and the
// orchestrator send messages and never block on the slow transport; the
// actor performs each operation to completion before taking the next.
type ModuleActor struct {
	handle     *Handle
	context    actor.Context
	subscriber *actor.PID
	sampling   string
	quitTick   chan int
}

func NewModuleActor(h *Handle) *ModuleActor {
	return &ModuleActor{handle: h}
}

func (act *ModuleActor) Receive(ctx actor.Context) {
	act.context = ctx
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		logs.LogInfo.Printf("actor started \"%s\"", ctx.Self().Id)
		root := ctx.ActorSystem().Root
		self := ctx.Self()
		act.handle.SetDoneFunc(func(s Slot) {
			root.Send(self, &requestDone{slot: s})
		})
	case *actor.Stopping:
		logs.LogInfo.Printf("actor stopping \"%s\"", ctx.Self().Id)
		act.stopTick()
	case *actor.Restarting:
		act.stopTick()
	case *messages.ModulePowerOn:
		act.respond("power_on", act.handle.PowerOn(msg.Token))
	case *messages.ModulePowerOff:
		act.respond("power_off", act.handle.PowerOff(msg.Token))
	case *messages.ModuleOpen:
		act.respond("open", act.handle.Open(msg.Token))
	case *messages.ModuleConnect:
		act.respond("connect", act.handle.Connect(msg.Token))
	case *messages.ModuleDisconnect:
		act.respond("disconnect", act.handle.Disconnect(msg.Token))
	case *messages.ModuleClose:
		act.respond("close", act.handle.Close(msg.Token))
	case *messages.ModuleSetPeriod:
		act.respond("set_period",
			act.handle.SetPeriod(time.Duration(msg.Millis)*time.Millisecond, msg.Token))
	case *messages.ModuleSetTimeout:
		act.respond("set_timeout",
			act.handle.SetTimeout(time.Duration(msg.Millis)*time.Millisecond, msg.Token))
	case *messages.ModuleStatusRequest:
		if ctx.Sender() != nil {
			ctx.Respond(act.status())
		}
	case *messages.Subscribe:
		if ctx.Sender() != nil {
			act.subscriber = ctx.Sender()
		}
	case *messages.StartSampling:
		act.stopTick()
		act.sampling = msg.Kind
		act.quitTick = make(chan int)
		go tick(ctx, act.handle.Period(), act.quitTick)
		ctx.Send(ctx.Self(), &sampleTick{})
		act.respond("start_sampling", nil)
	case *messages.StopSampling:
		act.stopTick()
		act.respond("stop_sampling", nil)
	case *sampleTick:
		if act.quitTick == nil {
			break
		}
		if _, err := act.handle.StartRequest(act.sampling); err != nil {
			logs.LogWarn.Printf("%s: periodic %s request: %s", act.handle.Kind(), act.sampling, err)
		}
	case *requestDone:
		logs.LogBuild.Printf("%s: request %s done: %s",
			act.handle.Kind(), msg.slot.Kind, msg.slot.Outcome)
		if act.subscriber != nil {
			ctx.Send(act.subscriber, &messages.RequestCompleted{
				Module:    act.handle.Kind().String(),
				Kind:      msg.slot.Kind,
				Outcome:   msg.slot.Outcome.String(),
				Payload:   msg.slot.Payload,
				Timestamp: time.Now(),
			})
		}
	case *actor.Terminated:
		logs.LogError.Printf("actor terminated: %s", msg.Who.GetId())
	}
}

func (act *ModuleActor) respond(op string, err error) {
	if err != nil {
		logs.LogWarn.Printf("%s %s: %s", act.handle.Kind(), op, err)
	}
	if act.context.Sender() != nil {
		act.context.Respond(&messages.Done{Op: op, Err: err})
	}
}

func (act *ModuleActor) status() *messages.ModuleStatus {
	h := act.handle
	st := &messages.ModuleStatus{
		Module:     h.Kind().String(),
		State:      h.State().String(),
		LastResult: h.LastResult().String(),
		PeriodMs:   int(h.Period() / time.Millisecond),
		TimeoutMs:  int(h.Timeout() / time.Millisecond),
	}
	if s := h.Request(); s != nil {
		st.Request = &messages.RequestStatus{
			ID:        s.ID,
			Kind:      s.Kind,
			Outcome:   s.Outcome.String(),
			StartedAt: s.StartedAt,
		}
	}
	return st
}

func (act *ModuleActor) stopTick() {
	if act.quitTick == nil {
		return
	}
	select {
	case <-act.quitTick:
	default:
		close(act.quitTick)
	}
	act.quitTick = nil
}

func tick(ctx actor.Context, period time.Duration, quit <-chan int) {
	rootctx := ctx.ActorSystem().Root
	self := ctx.Self()
	t1 := time.NewTicker(period)
	defer t1.Stop()
	for {
		select {
		case <-t1.C:
			rootctx.Send(self, &sampleTick{})
		case <-quit:
			return
		}
	}
}
