package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is the process state shared by the relay handlers. Once draining,
// readiness fails and new relay sessions are refused.
type Lifecycle struct {
	draining      atomic.Bool
	drainingSince atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		if l.draining.CompareAndSwap(false, true) {
			l.drainingSince.Store(time.Now().UnixNano())
		}
		return
	}
	l.draining.Store(false)
	l.drainingSince.Store(0)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince is zero when the relay is not draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
