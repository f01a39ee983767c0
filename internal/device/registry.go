package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/dumacp/go-aggregator/internal/result"
)

// Registry is the fixed arena of module handles plus the process-wide
// aggregation lock. Handles are created once at firmware init and live for
// the process lifetime.
type Registry struct {
	mux       sync.Mutex
	handles   map[Kind]*Handle
	lockOwner string
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[Kind]*Handle)}
}

// Register creates the handle for a module. The timings obey the same rule
// SetPeriod and SetTimeout enforce later: both positive, timeout below the
// period. Registering the same kind twice replaces the handle; that only
// happens in tests.
func (r *Registry) Register(kind Kind, drv Driver, period, timeout time.Duration) (*Handle, error) {
	if period <= 0 || timeout <= 0 || timeout >= period {
		return nil, fmt.Errorf("%w: %s timeout %s must stay below period %s",
			result.ErrInvalidParameter, kind, timeout, period)
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	h := newHandle(kind, drv, r, period, timeout)
	r.handles[kind] = h
	return h, nil
}

func (r *Registry) Get(kind Kind) *Handle {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.handles[kind]
}

// TryLockForAggregation acquires the process-wide lock for owner. Acquiring
// again with the same owner token is a no-op returning true; a different
// owner is refused while the lock is held.
func (r *Registry) TryLockForAggregation(owner string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	if len(owner) == 0 {
		return false
	}
	if len(r.lockOwner) == 0 || r.lockOwner == owner {
		r.lockOwner = owner
		return true
	}
	return false
}

// Unlock releases the lock when owner holds it.
func (r *Registry) Unlock(owner string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.lockOwner == owner {
		r.lockOwner = ""
	}
}

func (r *Registry) Locked() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.lockOwner) > 0
}

// allowMutate reports whether a mutating call carrying token may proceed.
func (r *Registry) allowMutate(token string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.lockOwner) == 0 || r.lockOwner == token
}
