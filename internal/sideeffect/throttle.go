package sideeffect

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

// Throttle implements the rolling-window rate limit side effect (spec
// §4.2). The window is a fixed bucket keyed by (rule scope, window start)
// rather than a true sliding log — a deliberate simplification recorded
// in the grounding ledger. A local token-bucket limiter per scope fast-
// paths the common case of a scope already well past its budget, saving
// a distributed lock round trip before falling through to the
// authoritative counter.
type Throttle struct {
	l lock.Lock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle constructs a Throttle engine backed by l for the
// read-modify-write critical section of the window counter.
func NewThrottle(l lock.Lock) *Throttle {
	return &Throttle{l: l, limiters: make(map[string]*rate.Limiter)}
}

func (t *Throttle) localLimiter(scope string, max int, window time.Duration) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[scope]
	if !ok {
		perSecond := rate.Limit(float64(max) / window.Seconds())
		lim = rate.NewLimiter(perSecond, max)
		t.limiters[scope] = lim
	}
	return lim
}

// Apply increments the counter for scope's current window bucket and
// reports whether the action is throttled. retryAfter is the time
// remaining until the window edge, populated only when throttled.
func (t *Throttle) Apply(ctx context.Context, store state.Store, namespace, tenant, scope string, max int, window time.Duration) (count int, throttled bool, retryAfter time.Duration, err error) {
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()
	windowStart := now.Truncate(window)
	bucket := scope + "@" + strconv.FormatInt(windowStart.Unix(), 10)
	key := state.Key(namespace, tenant, state.KindThrottle, bucket)
	ttl := windowStart.Add(window).Sub(now)

	if max > 0 && !t.localLimiter(scope, max, window).Allow() {
		return max + 1, true, windowStart.Add(window).Sub(now), nil
	}

	lockErr := lock.WithLock(ctx, t.l, "throttle:"+key, 5*time.Second, func(uint64) error {
		raw, getErr := store.Get(ctx, key)
		n := 0
		if getErr == nil {
			n, _ = strconv.Atoi(string(raw))
		}
		n++
		count = n
		return store.Set(ctx, key, []byte(strconv.Itoa(n)), ttl)
	})
	if lockErr != nil {
		return 0, false, 0, lockErr
	}

	if count > max {
		return count, true, windowStart.Add(window).Sub(now), nil
	}
	return count, false, 0, nil
}
