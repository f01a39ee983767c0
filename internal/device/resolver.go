package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dumacp/go-aggregator/internal/result"
)

// Resolver walks a module up its prerequisite chain (power, open, connect),
// performing the missing steps transparently. Power and open steps are
// retried with backoff; a connect failure surfaces immediately. A failed
// step leaves the partial progress visible, so the next attempt does not
// redo what already succeeded.
type Resolver struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

func NewResolver() *Resolver {
	return &Resolver{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
	}
}

// EnsureReady performs zero operations when the module is already at or
// above target.
func (rv *Resolver) EnsureReady(h *Handle, target State, token string) error {
	for {
		current := h.State()
		if current >= target {
			return nil
		}
		var err error
		switch current {
		case Closed:
			err = rv.retry(func() error { return h.Open(token) })
		case Open:
			err = h.Connect(token)
		}
		if err != nil {
			return fmt.Errorf("ensure %s at %s: %w", h.Kind(), target, err)
		}
		if h.State() <= current {
			return fmt.Errorf("%w: %s did not advance past %s",
				result.ErrUnknown, h.Kind(), current)
		}
	}
}

func (rv *Resolver) retry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rv.InitialInterval
	bo.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, result.ErrInvalidState) || errors.Is(err, result.ErrInvalidParameter) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, rv.MaxRetries))
}
