package session

import (
	"time"

	"device-bridge/internal/events"
)

// The methods in this file are driven by the liveness monitor. It is the only
// caller that increments reconnect attempts or evicts sessions.

// Stale returns the tokens of Connected or Idle sessions whose last heartbeat
// is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var tokens []string
	for _, s := range all {
		s.mu.Lock()
		if s.status != Disconnected && s.lastHeartbeatAt.Before(cutoff) {
			tokens = append(tokens, s.token)
		}
		s.mu.Unlock()
	}
	return tokens
}

// Demote moves a still-stale session to Idle and counts one reconnect attempt.
// It returns the attempt count before the increment so the caller can decide
// between demotion and eviction; ok is false if the session recovered or went
// away in the meantime. When attempts has already reached limit the session
// is left untouched.
func (r *Registry) Demote(token string, cutoff time.Time, limit int) (attempts int, ok bool) {
	s := r.lookup(token)
	if s == nil {
		return 0, false
	}

	s.mu.Lock()
	if s.status == Disconnected || !s.lastHeartbeatAt.Before(cutoff) {
		s.mu.Unlock()
		return 0, false
	}
	attempts = s.reconnectAttempts
	if attempts >= limit {
		s.mu.Unlock()
		return attempts, true
	}
	s.reconnectAttempts++
	wasConnected := s.status == Connected
	s.status = Idle
	s.mu.Unlock()

	if wasConnected {
		r.logger.Info("session idle", "token", token)
		r.bus.Emit(events.Event{Type: events.SessionIdle, Token: token, Data: map[string]any{
			"reconnectAttempts": attempts + 1,
		}})
	}
	return attempts, true
}

// Evict disconnects and purges a still-stale session immediately, with no
// grace period. It returns the evicted connection id.
func (r *Registry) Evict(token string, cutoff time.Time) (connID string, ok bool) {
	r.mu.Lock()
	s := r.sessions[token]
	if s == nil {
		r.mu.Unlock()
		return "", false
	}
	s.mu.Lock()
	if s.status == Disconnected || !s.lastHeartbeatAt.Before(cutoff) {
		s.mu.Unlock()
		r.mu.Unlock()
		return "", false
	}
	s.status = Disconnected
	t := s.transport
	s.transport = nil
	delete(r.sessions, token)
	snap := s.snapshot()
	firstSeen := s.firstSeen
	s.mu.Unlock()
	r.mu.Unlock()

	if t != nil {
		t.Close(events.ReasonEvicted)
	}
	r.persist(snap, firstSeen)

	r.logger.Warn("session evicted", "token", token, "conn", snap.ConnID, "attempts", snap.ReconnectAttempts)
	data := map[string]any{"connId": snap.ConnID, "reason": events.ReasonEvicted}
	r.bus.Emit(events.Event{Type: events.SessionDisconnected, Token: token, Data: data})
	r.bus.Emit(events.Event{Type: events.SessionPurged, Token: token, Data: data})
	return snap.ConnID, true
}
