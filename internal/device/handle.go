package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/dumacp/go-logs/pkg/logs"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/dumacp/go-aggregator/internal/result"
)

// pollInterval is the bounded-wait recheck interval. Tests shorten it.
var pollInterval = 100 * time.Millisecond

// Handle owns the lifecycle state, configuration snapshot and the single
// request slot of one module. All mutation goes through its methods; the
// aggregation lock in the registry gates every mutating call that does not
// carry the lock owner's token.
type Handle struct {
	kind Kind
	drv  Driver
	reg  *Registry

	mux        sync.Mutex
	fsm        *fsm.FSM
	powered    bool
	period     time.Duration
	timeout    time.Duration
	lastResult result.Code
	slot       *Slot
	onDone     func(Slot)
}

func newHandle(kind Kind, drv Driver, reg *Registry, period, timeout time.Duration) *Handle {
	h := &Handle{
		kind:    kind,
		drv:     drv,
		reg:     reg,
		fsm:     newLifecycleFSM(kind),
		period:  period,
		timeout: timeout,
	}
	drv.Bind(h)
	return h
}

func (h *Handle) Kind() Kind { return h.kind }

func (h *Handle) State() State {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.stateLocked()
}

func (h *Handle) stateLocked() State {
	return stateOf(h.fsm.Current())
}

func (h *Handle) LastResult() result.Code {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.lastResult
}

func (h *Handle) Period() time.Duration {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.period
}

func (h *Handle) Timeout() time.Duration {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.timeout
}

// Request returns a snapshot of the current slot, or nil when no request
// was ever started.
func (h *Handle) Request() *Slot {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.slot == nil {
		return nil
	}
	snap := *h.slot
	return &snap
}

// SetDoneFunc registers the callback invoked (outside the handle lock) each
// time a request slot reaches a terminal outcome.
func (h *Handle) SetDoneFunc(fn func(Slot)) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.onDone = fn
}

func (h *Handle) fireDone(s Slot) {
	h.mux.Lock()
	fn := h.onDone
	h.mux.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (h *Handle) authorizeLocked(token string) error {
	if h.reg == nil || h.reg.allowMutate(token) {
		return nil
	}
	return fmt.Errorf("%w: %s locked by aggregation", result.ErrInvalidState, h.kind)
}

func (h *Handle) setResultLocked(err error) {
	h.lastResult = result.CodeOf(err)
}

// SetPeriod stores the re-trigger period. The period must stay strictly
// greater than the request timeout so two requests of the same class can
// never be in flight together.
func (h *Handle) SetPeriod(d time.Duration, token string) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if err := h.authorizeLocked(token); err != nil {
		return err
	}
	if d <= 0 || d <= h.timeout {
		return fmt.Errorf("%w: period %v must exceed timeout %v",
			result.ErrInvalidParameter, d, h.timeout)
	}
	h.period = d
	return nil
}

func (h *Handle) SetTimeout(d time.Duration, token string) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if err := h.authorizeLocked(token); err != nil {
		return err
	}
	if d <= 0 || d >= h.period {
		return fmt.Errorf("%w: timeout %v must be below period %v",
			result.ErrInvalidParameter, d, h.period)
	}
	h.timeout = d
	return nil
}

// PowerOn energizes the module without opening it.
func (h *Handle) PowerOn(token string) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if err := h.authorizeLocked(token); err != nil {
		return err
	}
	return h.powerOnLocked()
}

func (h *Handle) powerOnLocked() error {
	if h.powered {
		return nil
	}
	if err := h.drv.PowerOn(); err != nil {
		h.setResultLocked(err)
		return err
	}
	h.powered = true
	h.setResultLocked(nil)
	return nil
}

// PowerOff closes the module best-effort and cuts power.
func (h *Handle) PowerOff(token string) error {
	h.mux.Lock()
	if err := h.authorizeLocked(token); err != nil {
		h.mux.Unlock()
		return err
	}
	old, errClose := h.closeLocked()
	if errClose != nil {
		logs.LogWarn.Printf("%s: close before power off suppressed: %s", h.kind, errClose)
	}
	var err error
	if h.powered {
		err = h.drv.PowerOff()
		h.powered = false
	}
	h.setResultLocked(err)
	h.mux.Unlock()
	h.finishSuperseded(old)
	return err
}

func (h *Handle) Powered() bool {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.powered
}

// Open powers the module if needed and initializes it. Opening an already
// open or connected module succeeds without side effects.
func (h *Handle) Open(token string) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if err := h.authorizeLocked(token); err != nil {
		return err
	}
	return h.openLocked()
}

func (h *Handle) openLocked() error {
	if h.stateLocked() >= Open {
		return nil
	}
	if err := h.powerOnLocked(); err != nil {
		return err
	}
	if err := h.drv.Open(); err != nil {
		h.setResultLocked(err)
		return err
	}
	h.fsm.Event(openEvent)
	h.setResultLocked(nil)
	return nil
}

// Connect brings the module to Connected, opening it first when it is still
// closed. Drivers that confirm the connect asynchronously complete it through
// the request slot; Connect then waits, bounded by the module timeout, and a
// missing confirmation is a hard error.
func (h *Handle) Connect(token string) error {
	h.mux.Lock()
	if err := h.authorizeLocked(token); err != nil {
		h.mux.Unlock()
		return err
	}
	if h.stateLocked() == Connected {
		h.mux.Unlock()
		return nil
	}
	if h.stateLocked() == Closed {
		if err := h.openLocked(); err != nil {
			h.mux.Unlock()
			return err
		}
	}
	old := h.forceCompleteLocked()
	slot := h.armSlotLocked(OpConnect)
	id := slot.ID
	timeout := h.timeout
	h.mux.Unlock()
	h.finishSuperseded(old)

	// Driver connects can block for seconds; the handle lock is not held
	// across them, so status readers stay responsive.
	done, err := h.drv.Connect()
	if err != nil {
		h.completeSlot(id, result.Failed, "", err)
		return err
	}
	if done {
		h.completeSlot(id, result.Success, "", nil)
	}
	out := h.WaitRequest(id, timeout+2*pollInterval)
	h.mux.Lock()
	defer h.mux.Unlock()
	if out == result.Success {
		h.fsm.Event(connectEvent)
		h.setResultLocked(nil)
		return nil
	}
	err = out.Err()
	if h.slot != nil && h.slot.ID == id && h.slot.Err != nil {
		err = h.slot.Err
	}
	if err == nil {
		err = result.ErrUnknown
	}
	err = fmt.Errorf("%w: %s connect", err, h.kind)
	h.setResultLocked(err)
	return err
}

// Disconnect steps a connected module back to Open. Below Connected it is a
// no-op returning success.
func (h *Handle) Disconnect(token string) error {
	h.mux.Lock()
	defer h.mux.Unlock()
	if err := h.authorizeLocked(token); err != nil {
		return err
	}
	if h.stateLocked() < Connected {
		return nil
	}
	if err := h.drv.Disconnect(); err != nil {
		h.setResultLocked(err)
		return err
	}
	h.fsm.Event(disconnectEvent)
	h.setResultLocked(nil)
	return nil
}

// Close tears the module down to Closed. A connected module is disconnected
// first, best effort: a disconnect failure is logged and never blocks the
// close.
func (h *Handle) Close(token string) error {
	h.mux.Lock()
	if err := h.authorizeLocked(token); err != nil {
		h.mux.Unlock()
		return err
	}
	old, err := h.closeLocked()
	h.mux.Unlock()
	h.finishSuperseded(old)
	return err
}

func (h *Handle) closeLocked() (*Slot, error) {
	if h.stateLocked() == Closed {
		return nil, nil
	}
	if h.stateLocked() == Connected {
		if err := h.drv.Disconnect(); err != nil {
			logs.LogWarn.Printf("%s: disconnect before close suppressed: %s", h.kind, err)
		} else {
			h.fsm.Event(disconnectEvent)
		}
	}
	old := h.forceCompleteLocked()
	if err := h.drv.Close(); err != nil {
		h.setResultLocked(err)
		return old, err
	}
	h.fsm.Event(closeEvent)
	h.setResultLocked(nil)
	return old, nil
}

// StartRequest begins one asynchronous operation. A still pending request on
// the same module is force-completed as superseded, and its cleanup runs,
// before the new slot is armed.
func (h *Handle) StartRequest(kind string) (Slot, error) {
	for {
		h.mux.Lock()
		if h.stateLocked() == Closed {
			h.mux.Unlock()
			return Slot{}, fmt.Errorf("%w: %s is closed", result.ErrInvalidState, h.kind)
		}
		old := h.forceCompleteLocked()
		if old == nil {
			break
		}
		h.mux.Unlock()
		logs.LogWarn.Printf("%s: request %s superseded by new %s request", h.kind, old.Kind, kind)
		h.finishSuperseded(old)
	}
	slot := h.armSlotLocked(kind)
	if err := h.drv.Request(kind); err != nil {
		slot.Outcome = result.Failed
		slot.Err = err
		slot.stop()
		h.setResultLocked(err)
		snap := *slot
		h.mux.Unlock()
		h.fireDone(snap)
		return snap, err
	}
	snap := *slot
	h.mux.Unlock()
	return snap, nil
}

// armSlotLocked allocates the new pending slot and starts its countdown.
func (h *Handle) armSlotLocked(kind string) *Slot {
	s := &Slot{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now(),
		Outcome:   result.Pending,
	}
	id := s.ID
	s.timer = time.AfterFunc(h.timeout, func() {
		h.completeSlot(id, result.OutcomeTimedOut, "", nil)
	})
	h.slot = s
	return s
}

// forceCompleteLocked marks a pending slot superseded and detaches it. The
// caller must run finishSuperseded on the returned snapshot after releasing
// the lock.
func (h *Handle) forceCompleteLocked() *Slot {
	if h.slot == nil || h.slot.Outcome.Terminal() {
		return nil
	}
	h.slot.Outcome = result.OutcomeSuperseded
	h.slot.Err = result.ErrSuperseded
	h.slot.stop()
	snap := *h.slot
	return &snap
}

// finishSuperseded runs the cleanup for a superseded slot. The slot is
// already terminal at this point, so the cleanup call yielding control
// cannot race a new request against a nominally pending old one.
func (h *Handle) finishSuperseded(s *Slot) {
	if s == nil {
		return
	}
	if err := h.drv.Cancel(s.Kind); err != nil {
		logs.LogWarn.Printf("%s: cleanup of superseded %s: %s", h.kind, s.Kind, err)
	}
	h.fireDone(*s)
}

// Notify completes the outstanding request with the correlated payload.
// With at most one request in flight per module, matching by module
// identity alone is sufficient.
func (h *Handle) Notify(payload string) {
	h.completeSlot("", result.Success, payload, nil)
}

// Fail completes the outstanding request as failed.
func (h *Handle) Fail(err error) {
	h.completeSlot("", result.Failed, "", err)
}

// Complete force-completes the outstanding request with the given outcome.
func (h *Handle) Complete(out result.Outcome) {
	h.completeSlot("", out, "", nil)
}

func (h *Handle) completeSlot(id string, out result.Outcome, payload string, err error) {
	h.mux.Lock()
	s := h.slot
	if s == nil || s.Outcome.Terminal() || (id != "" && s.ID != id) {
		h.mux.Unlock()
		return
	}
	// Terminal outcome is recorded before any cleanup call below may yield.
	s.Outcome = out
	s.Payload = payload
	if err != nil {
		s.Err = err
	} else {
		s.Err = out.Err()
	}
	s.stop()
	switch {
	case out == result.Success:
		h.setResultLocked(nil)
	case err != nil:
		h.setResultLocked(err)
	default:
		h.setResultLocked(out.Err())
	}
	snap := *s
	h.mux.Unlock()

	if out == result.OutcomeTimedOut {
		if errc := h.drv.Cancel(snap.Kind); errc != nil {
			logs.LogWarn.Printf("%s: cleanup of timed out %s: %s", h.kind, snap.Kind, errc)
		}
	}
	h.fireDone(snap)
}

// WaitRequest polls until the request with the given id reaches a terminal
// outcome or maxWait elapses. A slot replaced underneath the wait reports
// superseded.
func (h *Handle) WaitRequest(id string, maxWait time.Duration) result.Outcome {
	deadline := time.Now().Add(maxWait)
	for {
		h.mux.Lock()
		out := result.OutcomeSuperseded
		if h.slot != nil && h.slot.ID == id {
			out = h.slot.Outcome
		}
		h.mux.Unlock()
		if out.Terminal() {
			return out
		}
		if time.Now().After(deadline) {
			return result.OutcomeTimedOut
		}
		time.Sleep(pollInterval)
	}
}
