// Package ratelimit bounds command throughput per device token with a fixed
// window counter.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start    time.Time
	count    int
	rejected uint64
}

// Limiter admits at most limit commands per token in each window of length
// period. Windows reset lazily on the first attempt after they elapse.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	nowFn   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.nowFn = now }
}

// New creates a limiter.
func New(limit int, period time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		nowFn:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the per-window ceiling.
func (l *Limiter) Limit() int { return l.limit }

// Period returns the window length.
func (l *Limiter) Period() time.Duration { return l.period }

func (l *Limiter) current(token string, now time.Time) *window {
	w := l.windows[token]
	if w == nil {
		w = &window{start: now}
		l.windows[token] = w
	} else if now.Sub(w.start) >= l.period {
		w.start = now
		w.count = 0
		w.rejected = 0
	}
	return w
}

// TryAdmit counts one command for token and reports whether it is within the
// ceiling. A rejection only bumps the window's rejected counter.
func (l *Limiter) TryAdmit(token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(token, l.nowFn())
	if w.count >= l.limit {
		w.rejected++
		return false
	}
	w.count++
	return true
}

// Release returns one admitted slot to token's current window. A window
// that has already rolled over is left alone.
func (l *Limiter) Release(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[token]
	if w == nil || l.nowFn().Sub(w.start) >= l.period || w.count == 0 {
		return
	}
	w.count--
}

// Usage describes a token's current window.
type Usage struct {
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Rejected  uint64    `json:"rejected"`
}

// Usage returns the state of token's current window without admitting anything.
func (l *Limiter) Usage(token string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	w := l.windows[token]
	if w == nil || now.Sub(w.start) >= l.period {
		return Usage{Remaining: l.limit, ResetAt: now.Add(l.period)}
	}
	return Usage{
		Used:      w.count,
		Remaining: l.limit - w.count,
		ResetAt:   w.start.Add(l.period),
		Rejected:  w.rejected,
	}
}

// Reset forgets token's window.
func (l *Limiter) Reset(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, token)
}

// Sweep drops windows that have been idle for more than one period and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	n := 0
	for token, w := range l.windows {
		if now.Sub(w.start) >= 2*l.period {
			delete(l.windows, token)
			n++
		}
	}
	return n
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
