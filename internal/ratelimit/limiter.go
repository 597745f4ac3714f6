// Package ratelimit implements the short-window request-rate gate that
// shapes traffic per principal and operation category, independent of the
// monthly quota.
//
// The algorithm is a fixed window: requests are counted against the window
// containing their arrival time, and the counter resets at each window
// boundary. Fixed windows admit a burst of up to 2x across a boundary,
// which is acceptable for traffic shaping.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Result reports the outcome of one rate limit check.
type Result struct {
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is the time until the window resets. Set on denial.
	RetryAfter time.Duration
}

// Limiter tracks fixed-window counters per (principal, category, window).
// Window state is ephemeral: entries expire from the LRU shortly after
// their window closes, so no explicit cleanup is needed.
type Limiter struct {
	mu      sync.Mutex
	windows *expirable.LRU[string, *counter]
	now     func() time.Time
}

type counter struct {
	count int
}

// New creates a Limiter. size bounds the number of live windows tracked;
// ttl should exceed the longest configured window.
func New(size int, ttl time.Duration) *Limiter {
	return &Limiter{
		windows: expirable.NewLRU[string, *counter](size, nil, ttl),
		now:     time.Now,
	}
}

// Check counts one request against the (principalID, category) window and
// reports whether it is within maxPerWindow. Denied requests are not
// counted toward the window.
func (l *Limiter) Check(principalID, category string, window time.Duration, maxPerWindow int) Result {
	now := l.now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("%s|%s|%d", principalID, category, windowStart.UnixNano())

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.windows.Get(key)
	if !ok {
		c = &counter{}
		l.windows.Add(key, c)
	}

	if c.count >= maxPerWindow {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowStart.Add(window).Sub(now),
		}
	}

	c.count++
	return Result{
		Allowed:   true,
		Remaining: maxPerWindow - c.count,
	}
}
