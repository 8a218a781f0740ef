package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// ConnectRPS and ConnectBurst bound relay connection attempts per
	// principal. Zero RPS disables the bucket.
	ConnectRPS   float64
	ConnectBurst int

	// MaxConcurrentSessions caps live relay sessions per principal. Zero
	// disables the cap.
	MaxConcurrentSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	connect    *rate.Limiter
	sessionSem chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + ip
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	// Reason is "connect_rate" or "max_sessions" when denied.
	Reason string
	Permit *Permit
}

// AcquireSession admits one relay session for principal. The permit must be
// released when the session ends.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)
	pl.touch(now)

	if pl.connect != nil {
		res := pl.connect.ReserveN(now, 1)
		if !res.OK() {
			return Decision{Allowed: false, RetryAfter: 1, Reason: "connect_rate"}
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			retryAfter := int(math.Ceil(delay.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			return Decision{Allowed: false, RetryAfter: retryAfter, Reason: "connect_rate"}
		}
	}

	if pl.sessionSem != nil {
		select {
		case pl.sessionSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-pl.sessionSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1, Reason: "max_sessions"}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{}}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if v.sessionSem == nil || len(v.sessionSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		return pl
	}
	pl := &principalLimiter{lastSeen: now}
	if l.cfg.ConnectRPS > 0 && l.cfg.ConnectBurst > 0 {
		pl.connect = rate.NewLimiter(rate.Limit(l.cfg.ConnectRPS), l.cfg.ConnectBurst)
	}
	if l.cfg.MaxConcurrentSessions > 0 {
		pl.sessionSem = make(chan struct{}, l.cfg.MaxConcurrentSessions)
	}
	l.m[principal] = pl
	return pl
}

// gcLocked drops idle entries. Entries holding session permits are kept so
// releases never land on a fresh semaphore.
func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if v.sessionSem != nil && len(v.sessionSem) > 0 {
			continue
		}
		if now.Sub(v.seen()) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.mu.Lock()
	pl.lastSeen = now
	pl.mu.Unlock()
}

func (pl *principalLimiter) seen() time.Time {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lastSeen
}
