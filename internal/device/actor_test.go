package device

import (
	"testing"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"

	"github.com/dumacp/go-aggregator/internal/result"
	"github.com/dumacp/go-aggregator/pkg/messages"
)

func spawnModule(t *testing.T, sys *actor.ActorSystem, h *Handle, name string) *actor.PID {
	t.Helper()
	props := actor.PropsFromFunc(NewModuleActor(h).Receive)
	pid, err := sys.Root.SpawnNamed(props, name)
	if err != nil {
		t.Fatalf("spawn %s: %s", name, err)
	}
	return pid
}

func askDone(t *testing.T, sys *actor.ActorSystem, pid *actor.PID, msg interface{}) *messages.Done {
	t.Helper()
	res, err := sys.Root.RequestFuture(pid, msg, 3*time.Second).Result()
	if err != nil {
		t.Fatalf("request %T: %s", msg, err)
	}
	done, ok := res.(*messages.Done)
	if !ok {
		t.Fatalf("response = %T, want *messages.Done", res)
	}
	return done
}

func TestModuleActorLifecycle(t *testing.T) {
	h, _ := newTestHandle(t, true, 10*time.Second, 5*time.Second)
	sys := actor.NewActorSystem()
	pid := spawnModule(t, sys, h, "gnss-lifecycle")

	if done := askDone(t, sys, pid, &messages.ModuleConnect{}); done.Err != nil {
		t.Fatalf("connect: %s", done.Err)
	}
	res, err := sys.Root.RequestFuture(pid, &messages.ModuleStatusRequest{}, 3*time.Second).Result()
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	st, ok := res.(*messages.ModuleStatus)
	if !ok {
		t.Fatalf("response = %T, want *messages.ModuleStatus", res)
	}
	if st.State != "connected" || st.LastResult != "OK" {
		t.Errorf("status = %s %s, want connected OK", st.State, st.LastResult)
	}
	if done := askDone(t, sys, pid, &messages.ModuleClose{}); done.Err != nil {
		t.Fatalf("close: %s", done.Err)
	}
	if h.State() != Closed {
		t.Errorf("state = %s, want %s", h.State(), Closed)
	}
}

func TestModuleActorSetPeriodRejected(t *testing.T) {
	h, _ := newTestHandle(t, true, 10*time.Second, 5*time.Second)
	sys := actor.NewActorSystem()
	pid := spawnModule(t, sys, h, "gnss-period")

	done := askDone(t, sys, pid, &messages.ModuleSetPeriod{Millis: 1000})
	if done.Err == nil {
		t.Fatal("period below timeout accepted")
	}
	if h.Period() != 10*time.Second {
		t.Errorf("period = %v, want unchanged", h.Period())
	}
}

func TestSamplingRetriesOnlyOnNextTick(t *testing.T) {
	shortPoll(t)
	h, drv := newTestHandle(t, true, 300*time.Millisecond, 100*time.Millisecond)
	sys := actor.NewActorSystem()
	pid := spawnModule(t, sys, h, "gnss-retry")

	if done := askDone(t, sys, pid, &messages.ModuleConnect{}); done.Err != nil {
		t.Fatalf("connect: %s", done.Err)
	}
	start := time.Now()
	if done := askDone(t, sys, pid, &messages.StartSampling{Kind: OpPosition}); done.Err != nil {
		t.Fatalf("start sampling: %s", done.Err)
	}

	countRequests := func() int {
		n := 0
		for _, c := range drv.snapshot() {
			if c == "request:"+OpPosition {
				n++
			}
		}
		return n
	}

	// nothing confirms the request, so it times out at 100ms; between the
	// timeout and the next period tick no new request is armed
	time.Sleep(200*time.Millisecond - time.Since(start))
	if got := countRequests(); got != 1 {
		t.Fatalf("requests before the period tick = %d, want 1", got)
	}
	if s := h.Request(); s == nil || s.Outcome != result.OutcomeTimedOut {
		t.Fatalf("slot = %+v, want TIMED_OUT", s)
	}

	// the tick at 300ms retries
	time.Sleep(400*time.Millisecond - time.Since(start))
	if got := countRequests(); got < 2 {
		t.Errorf("requests after the period tick = %d, want a retry", got)
	}

	if done := askDone(t, sys, pid, &messages.StopSampling{}); done.Err != nil {
		t.Fatalf("stop sampling: %s", done.Err)
	}
}

func TestModuleActorSamplingNotifiesSubscriber(t *testing.T) {
	shortPoll(t)
	h, drv := newTestHandle(t, true, 300*time.Millisecond, 200*time.Millisecond)
	sys := actor.NewActorSystem()
	pid := spawnModule(t, sys, h, "gnss-sampling")

	completed := make(chan *messages.RequestCompleted, 16)
	subProps := actor.PropsFromFunc(func(c actor.Context) {
		if m, ok := c.Message().(*messages.RequestCompleted); ok {
			completed <- m
		}
	})
	sub, err := sys.Root.SpawnNamed(subProps, "gnss-subscriber")
	if err != nil {
		t.Fatalf("spawn subscriber: %s", err)
	}

	if done := askDone(t, sys, pid, &messages.ModuleConnect{}); done.Err != nil {
		t.Fatalf("connect: %s", done.Err)
	}
	sys.Root.RequestWithCustomSender(pid, &messages.Subscribe{}, sub)
	if done := askDone(t, sys, pid, &messages.StartSampling{Kind: OpPosition}); done.Err != nil {
		t.Fatalf("start sampling: %s", done.Err)
	}

	// let the first tick arm a request, then confirm it
	time.Sleep(20 * time.Millisecond)
	h.Notify("payload-1")

	select {
	case m := <-completed:
		if m.Module != "gnss" || m.Kind != OpPosition {
			t.Errorf("completed = %s %s, want gnss %s", m.Module, m.Kind, OpPosition)
		}
		if m.Outcome != "SUCCESS" || m.Payload != "payload-1" {
			t.Errorf("completed = %s %q, want SUCCESS payload-1", m.Outcome, m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion reached the subscriber")
	}

	if done := askDone(t, sys, pid, &messages.StopSampling{}); done.Err != nil {
		t.Fatalf("stop sampling: %s", done.Err)
	}
	reqs := 0
	for _, c := range drv.snapshot() {
		if c == "request:"+OpPosition {
			reqs++
		}
	}
	if reqs == 0 {
		t.Error("sampling never issued a position request")
	}
}
