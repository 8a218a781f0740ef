package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundLimiter caps client events per second with a burst of twice the
// rate. A nil limiter allows everything.
type inboundLimiter struct {
	now func() time.Time
	lim *rate.Limiter
}

func newInboundLimiter(now func() time.Time, eventsPerSecond int) *inboundLimiter {
	if eventsPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &inboundLimiter{
		now: now,
		lim: rate.NewLimiter(rate.Limit(eventsPerSecond), 2*eventsPerSecond),
	}
}

func (l *inboundLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(l.now(), 1)
}
