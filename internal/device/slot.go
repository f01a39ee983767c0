package device

import (
	"time"

	"github.com/dumacp/go-aggregator/internal/result"
)

// Request kinds.
const (
	OpConnect  = "connect"
	OpPosition = "position"
	OpRegister = "register"
	OpPublish  = "publish"
)

// Slot is the single in-flight asynchronous operation of a module. A module
// has at most one non-terminal slot at a time; starting a new request first
// force-completes the previous one as superseded.
type Slot struct {
	ID        string
	Kind      string
	StartedAt time.Time
	Outcome   result.Outcome
	Payload   string
	Err       error

	timer *time.Timer
}

func (s Slot) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
