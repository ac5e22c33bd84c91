// Package liveness runs the periodic heartbeat sweep that demotes stale
// sessions, asks them to reconnect and evicts the ones that never come back.
package liveness

import (
	"context"
	"log/slog"
	"time"

	"device-bridge/internal/protocol"
)

// Sessions is the registry surface the monitor drives.
type Sessions interface {
	Stale(cutoff time.Time) []string
	Demote(token string, cutoff time.Time, limit int) (attempts int, ok bool)
	Evict(token string, cutoff time.Time) (connID string, ok bool)
	Notify(token string, msg any) error
}

// Invalidator fails the pending commands dispatched on an evicted connection.
type Invalidator interface {
	InvalidateConnection(token, connID string) int
}

// Config holds the monitor timings.
type Config struct {
	Interval             time.Duration
	Timeout              time.Duration
	MaxReconnectAttempts int
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Stale       int
	Demoted     int
	Evicted     int
	Invalidated int
}

// Monitor is the sole writer of reconnect attempt increments and the sole
// trigger of eviction.
type Monitor struct {
	cfg         Config
	sessions    Sessions
	invalidator Invalidator
	onEvict     func(token string)
	nowFn       func() time.Time
	logger      *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.nowFn = now } }

// OnEvict registers a hook run after each eviction.
func OnEvict(fn func(token string)) Option { return func(m *Monitor) { m.onEvict = fn } }

// New creates a monitor.
func New(cfg Config, sessions Sessions, inv Invalidator, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		sessions:    sessions,
		invalidator: inv,
		nowFn:       time.Now,
		logger:      logger.With("component", "liveness"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.nowFn())
		}
	}
}

// Sweep checks every Connected or Idle session once. Each sweep that finds a
// session stale counts as one missed window for it.
func (m *Monitor) Sweep(now time.Time) SweepStats {
	cutoff := now.Add(-m.cfg.Timeout)
	var st SweepStats

	for _, token := range m.sessions.Stale(cutoff) {
		st.Stale++
		attempts, ok := m.sessions.Demote(token, cutoff, m.cfg.MaxReconnectAttempts)
		if !ok {
			continue
		}

		if attempts < m.cfg.MaxReconnectAttempts {
			st.Demoted++
			m.logger.Info("missed heartbeat", "token", token, "attempt", attempts+1, "max", m.cfg.MaxReconnectAttempts)
			if err := m.sessions.Notify(token, protocol.NewReconnect()); err != nil {
				m.logger.Debug("reconnect notice not sent", "token", token, "err", err)
			}
			continue
		}

		connID, ok := m.sessions.Evict(token, cutoff)
		if !ok {
			continue
		}
		st.Evicted++
		if m.invalidator != nil {
			st.Invalidated += m.invalidator.InvalidateConnection(token, connID)
		}
		if m.onEvict != nil {
			m.onEvict(token)
		}
	}

	if st.Stale > 0 {
		m.logger.Debug("liveness sweep", "stale", st.Stale, "demoted", st.Demoted, "evicted", st.Evicted, "invalidated", st.Invalidated)
	}
	return st
}
