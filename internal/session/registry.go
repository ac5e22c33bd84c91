package session

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-bridge/internal/events"
	"device-bridge/internal/store"
)

type session struct {
	mu sync.Mutex

	token     string
	connID    string
	transport Transport
	status    Status

	connectedAt       time.Time
	lastHeartbeatAt   time.Time
	reconnectAttempts int

	deviceInfo *store.DeviceInfo
	state      State
	metrics    store.Metrics
	firstSeen  time.Time

	purge *time.Timer
}

// snapshot must be called with s.mu held.
func (s *session) snapshot() Snapshot {
	return Snapshot{
		Token:             s.token,
		ConnID:            s.connID,
		Status:            s.status,
		ConnectedAt:       s.connectedAt,
		LastHeartbeatAt:   s.lastHeartbeatAt,
		ReconnectAttempts: s.reconnectAttempts,
		DeviceInfo:        s.deviceInfo.Clone(),
		State:             s.state.clone(),
		Metrics:           s.metrics,
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowFn = now }
}

// WithConnIDs overrides the connection id generator.
func WithConnIDs(gen func() string) Option {
	return func(r *Registry) { r.newConnID = gen }
}

// Registry tracks one session per token. Lock order is always the registry
// map lock before a session lock; events are emitted with no lock held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	bus    *events.Bus
	store  store.Store
	logger *slog.Logger
	grace  time.Duration

	nowFn     func() time.Time
	newConnID func() string
}

// NewRegistry creates a registry. grace is how long a Disconnected session is
// kept before it is purged. st may be nil.
func NewRegistry(grace time.Duration, bus *events.Bus, st store.Store, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*session),
		bus:       bus,
		store:     st,
		logger:    logger.With("component", "registry"),
		grace:     grace,
		nowFn:     time.Now,
		newConnID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lookup(token string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[token]
}

// Register creates or replaces the session for token. A prior Connected or
// Idle session is marked Disconnected before the new one is installed, and
// its transport is closed.
func (r *Registry) Register(token string, t Transport, info *store.DeviceInfo) Snapshot {
	now := r.nowFn()

	var saved *store.Device
	if r.store != nil {
		dev, err := r.store.GetDevice(token)
		if err == nil {
			saved = dev
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("load device record", "token", token, "err", err)
		}
	}

	s := &session{
		token:           token,
		connID:          r.newConnID(),
		transport:       t,
		status:          Connected,
		connectedAt:     now,
		lastHeartbeatAt: now,
		deviceInfo:      info.Clone(),
		firstSeen:       now,
	}
	if saved != nil {
		s.metrics = saved.Metrics
		if !saved.FirstSeen.IsZero() {
			s.firstSeen = saved.FirstSeen
		}
		if s.deviceInfo == nil {
			s.deviceInfo = saved.DeviceInfo.Clone()
		}
	}

	var (
		replacedConn      string
		replacedTransport Transport
	)

	r.mu.Lock()
	if prev := r.sessions[token]; prev != nil {
		prev.mu.Lock()
		if prev.status != Disconnected {
			replacedConn = prev.connID
			replacedTransport = prev.transport
		}
		if prev.purge != nil {
			prev.purge.Stop()
			prev.purge = nil
		}
		prev.status = Disconnected
		prev.transport = nil
		s.metrics = prev.metrics
		s.firstSeen = prev.firstSeen
		if s.deviceInfo == nil {
			s.deviceInfo = prev.deviceInfo.Clone()
		}
		s.state = prev.state.clone()
		prev.mu.Unlock()
	}
	r.sessions[token] = s
	snap := s.snapshot()
	r.mu.Unlock()

	if replacedConn != "" {
		if replacedTransport != nil {
			replacedTransport.Close(events.ReasonReplaced)
		}
		r.logger.Info("session replaced", "token", token, "old_conn", replacedConn, "new_conn", snap.ConnID)
		r.bus.Emit(events.Event{Type: events.SessionReplaced, Token: token, Data: map[string]any{
			"connId":    replacedConn,
			"newConnId": snap.ConnID,
		}})
	}

	r.persist(snap, s.firstSeen)
	r.logger.Info("session connected", "token", token, "conn", snap.ConnID)
	r.bus.Emit(events.Event{Type: events.SessionConnected, Token: token, Data: map[string]any{
		"connId": snap.ConnID,
	}})
	return snap
}

// TouchHeartbeat records a heartbeat. An Idle session returns to Connected and
// reconnect attempts are reset. Unknown or Disconnected tokens are ignored.
func (r *Registry) TouchHeartbeat(token string) bool {
	s := r.lookup(token)
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return false
	}
	wasIdle := s.status == Idle
	s.status = Connected
	s.lastHeartbeatAt = r.nowFn()
	s.reconnectAttempts = 0
	s.mu.Unlock()

	if wasIdle {
		r.logger.Info("session reconnected", "token", token)
		r.bus.Emit(events.Event{Type: events.SessionReconnected, Token: token})
	}
	r.bus.Emit(events.Event{Type: events.SessionHeartbeat, Token: token})
	return true
}

// MergeState merges device-reported state into a live session.
func (r *Registry) MergeState(token string, u StateUpdate) bool {
	s := r.lookup(token)
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return false
	}
	s.state.merge(u)
	s.mu.Unlock()
	return true
}

// UpdateDeviceInfo overlays the non-empty fields of info onto the session's
// device info. A non-nil capability list replaces the current one.
func (r *Registry) UpdateDeviceInfo(token string, info store.DeviceInfo) bool {
	s := r.lookup(token)
	if s == nil {
		return false
	}
	s.mu.Lock()
	if s.status == Disconnected {
		s.mu.Unlock()
		return false
	}
	cur := s.deviceInfo.Clone()
	if cur == nil {
		cur = &store.DeviceInfo{}
	}
	if info.Manufacturer != "" {
		cur.Manufacturer = info.Manufacturer
	}
	if info.Model != "" {
		cur.Model = info.Model
	}
	if info.OSVersion != "" {
		cur.OSVersion = info.OSVersion
	}
	if info.AppVersion != "" {
		cur.AppVersion = info.AppVersion
	}
	if info.Capabilities != nil {
		cur.Capabilities = append([]string(nil), info.Capabilities...)
	}
	s.deviceInfo = cur
	snap := s.snapshot()
	firstSeen := s.firstSeen
	s.mu.Unlock()

	r.persist(snap, firstSeen)
	r.bus.Emit(events.Event{Type: events.SessionUpdated, Token: token})
	return true
}

// MarkDisconnected transitions the session to Disconnected and schedules its
// purge after the grace period. It returns the connection id it ended.
func (r *Registry) MarkDisconnected(token string) (connID string, ok bool) {
	return r.disconnect(token, "", events.ReasonExplicit)
}

// MarkConnectionLost is MarkDisconnected scoped to one connection: it does
// nothing if connID is no longer the token's current connection.
func (r *Registry) MarkConnectionLost(token, connID string) bool {
	_, ok := r.disconnect(token, connID, events.ReasonTransport)
	return ok
}

func (r *Registry) disconnect(token, connID, reason string) (string, bool) {
	s := r.lookup(token)
	if s == nil {
		return "", false
	}

	s.mu.Lock()
	if s.status == Disconnected || (connID != "" && s.connID != connID) {
		s.mu.Unlock()
		return "", false
	}
	s.status = Disconnected
	t := s.transport
	s.transport = nil
	gen := s.connID
	s.purge = time.AfterFunc(r.grace, func() { r.purgeExpired(token, gen) })
	snap := s.snapshot()
	firstSeen := s.firstSeen
	s.mu.Unlock()

	if t != nil {
		t.Close(reason)
	}
	r.persist(snap, firstSeen)
	r.logger.Info("session disconnected", "token", token, "conn", gen, "reason", reason)
	r.bus.Emit(events.Event{Type: events.SessionDisconnected, Token: token, Data: map[string]any{
		"connId": gen,
		"reason": reason,
	}})
	return gen, true
}

func (r *Registry) purgeExpired(token, connID string) {
	r.mu.Lock()
	s := r.sessions[token]
	if s == nil {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.connID != connID || s.status != Disconnected {
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	delete(r.sessions, token)
	s.purge = nil
	s.mu.Unlock()
	r.mu.Unlock()

	r.logger.Info("session purged", "token", token, "reason", events.ReasonGraceExpired)
	r.bus.Emit(events.Event{Type: events.SessionPurged, Token: token, Data: map[string]any{
		"connId": connID,
		"reason": events.ReasonGraceExpired,
	}})
}

// Get returns a snapshot of the session for token.
func (r *Registry) Get(token string) (Snapshot, bool) {
	s := r.lookup(token)
	if s == nil {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// List returns snapshots of all sessions ordered by token.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Token, b.Token) })
	return out
}

// Len returns the number of tracked sessions, including those in grace.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Do runs fn while holding the session lock, provided the session is
// Connected. Disconnects and monitor transitions for the same token wait for
// fn to return. fn must not call back into the Registry.
func (r *Registry) Do(token string, fn func(Conn) error) error {
	s := r.lookup(token)
	if s == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Connected {
		return ErrNotConnected
	}
	return fn(Conn{s: s})
}

// Notify sends msg down the transport of a Connected or Idle session.
func (r *Registry) Notify(token string, msg any) error {
	s := r.lookup(token)
	if s == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Disconnected || s.transport == nil {
		return ErrNotConnected
	}
	return s.transport.Send(msg)
}

// RecordResponse updates command metrics for a settled response.
func (r *Registry) RecordResponse(token string, success bool, latency time.Duration) {
	r.updateMetrics(token, func(m *store.Metrics) {
		if success {
			m.SuccessfulCommands++
		} else {
			m.FailedCommands++
		}
		m.LastResponseTimeMs = latency.Milliseconds()
	})
}

// RecordTimeout counts a command that got no response in time.
func (r *Registry) RecordTimeout(token string) {
	r.updateMetrics(token, func(m *store.Metrics) { m.FailedCommands++ })
}

// updateMetrics applies fn to the live session, or to the stored record when
// the session has already been purged.
func (r *Registry) updateMetrics(token string, fn func(*store.Metrics)) {
	if s := r.lookup(token); s != nil {
		s.mu.Lock()
		fn(&s.metrics)
		s.mu.Unlock()
		return
	}
	if r.store == nil {
		return
	}
	err := r.store.UpdateDevice(token, func(d *store.Device) error {
		fn(&d.Metrics)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("update stored metrics", "token", token, "err", err)
	}
}

// ResetMetrics zeroes the command counters for token. It reports whether the
// token was known to the registry or the store.
func (r *Registry) ResetMetrics(token string) bool {
	found := false
	if s := r.lookup(token); s != nil {
		s.mu.Lock()
		s.metrics = store.Metrics{}
		s.mu.Unlock()
		found = true
	}
	if r.store != nil {
		err := r.store.UpdateDevice(token, func(d *store.Device) error {
			d.Metrics = store.Metrics{}
			return nil
		})
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, store.ErrNotFound):
			r.logger.Warn("reset stored metrics", "token", token, "err", err)
		}
	}
	if found {
		r.bus.Emit(events.Event{Type: events.MetricsReset, Token: token})
	}
	return found
}

// CloseAll disconnects every live session and persists it. Used at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		if s.purge != nil {
			s.purge.Stop()
			s.purge = nil
		}
		t := s.transport
		s.transport = nil
		s.status = Disconnected
		snap := s.snapshot()
		firstSeen := s.firstSeen
		s.mu.Unlock()
		if t != nil {
			t.Close(reason)
		}
		r.persist(snap, firstSeen)
	}
}

func (r *Registry) persist(snap Snapshot, firstSeen time.Time) {
	if r.store == nil {
		return
	}
	apply := func(d *store.Device) {
		d.DeviceInfo = snap.DeviceInfo.Clone()
		d.Metrics = snap.Metrics
		d.LastSeen = snap.LastHeartbeatAt
		d.LastStatus = string(snap.Status)
		if d.FirstSeen.IsZero() {
			d.FirstSeen = firstSeen
		}
	}
	err := r.store.UpdateDevice(snap.Token, func(d *store.Device) error {
		apply(d)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		d := &store.Device{Token: snap.Token}
		apply(d)
		err = r.store.SaveDevice(d)
	}
	if err != nil {
		r.logger.Warn("persist session", "token", snap.Token, "err", err)
	}
}
