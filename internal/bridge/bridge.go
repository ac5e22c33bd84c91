// Package bridge is the public face of the device bridge. It composes the
// session registry, the command correlator, the rate limiter and the liveness
// monitor.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"device-bridge/internal/commands"
	"device-bridge/internal/correlator"
	"device-bridge/internal/events"
	"device-bridge/internal/liveness"
	"device-bridge/internal/protocol"
	"device-bridge/internal/ratelimit"
	"device-bridge/internal/session"
	"device-bridge/internal/store"
)

// Synchronous rejections.
var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrInvalidCommand     = errors.New("invalid command")
)

// Asynchronous outcomes carried in correlator.Result.Err.
var (
	ErrCommandTimeout = correlator.ErrCommandTimeout
	ErrSessionLost    = correlator.ErrSessionLost
	ErrDeviceFailure  = correlator.ErrDeviceFailure
)

// MaxTokenLength bounds device identity tokens.
const MaxTokenLength = 128

// ValidateToken checks a device identity token.
func ValidateToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: token is required", ErrAuthentication)
	}
	if len(token) > MaxTokenLength {
		return fmt.Errorf("%w: token exceeds %d bytes", ErrAuthentication, MaxTokenLength)
	}
	return nil
}

type options struct {
	now     func() time.Time
	connIDs func() string
	msgIDs  func() string
}

// Option configures a Bridge.
type Option func(*options)

// WithClock sets the time source of every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithIDs overrides the connection and message id generators.
func WithIDs(connIDs, msgIDs func() string) Option {
	return func(o *options) {
		o.connIDs = connIDs
		o.msgIDs = msgIDs
	}
}

// Bridge is constructed once per process.
type Bridge struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	nowFn  func() time.Time

	registry   *session.Registry
	correlator *correlator.Correlator
	limiter    *ratelimit.Limiter
	monitor    *liveness.Monitor

	unsubs []func()
}

// New builds the bridge. st may be nil for a memory-only bridge.
func New(cfg Config, bus *events.Bus, st store.Store, logger *slog.Logger, opts ...Option) *Bridge {
	cfg = cfg.WithDefaults()
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	b := &Bridge{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "bridge"),
		nowFn:  o.now,
	}

	regOpts := []session.Option{session.WithClock(o.now)}
	if o.connIDs != nil {
		regOpts = append(regOpts, session.WithConnIDs(o.connIDs))
	}
	b.registry = session.NewRegistry(cfg.ConnectionTimeout, bus, st, logger, regOpts...)

	corrOpts := []correlator.Option{
		correlator.WithMetrics(b.registry),
		correlator.WithEvents(bus),
		correlator.WithClock(o.now),
		correlator.WithTimeoutNotifier(b.notifyTimeout),
	}
	if o.msgIDs != nil {
		corrOpts = append(corrOpts, correlator.WithIDs(o.msgIDs))
	}
	b.correlator = correlator.New(cfg.CommandTimeout, logger, corrOpts...)

	b.limiter = ratelimit.New(cfg.MaxCommandsPerWindow, cfg.RateWindow, ratelimit.WithClock(o.now))

	b.monitor = liveness.New(liveness.Config{
		Interval:             cfg.HeartbeatInterval,
		Timeout:              cfg.ConnectionTimeout,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, b.registry, b.correlator, logger,
		liveness.WithClock(o.now),
		liveness.OnEvict(func(string) { b.limiter.Sweep() }),
	)

	b.unsubs = append(b.unsubs,
		bus.On(events.SessionReplaced, func(e events.Event) {
			if connID, _ := e.Data["connId"].(string); connID != "" {
				b.correlator.InvalidateConnection(e.Token, connID)
			}
		}),
		bus.On(events.SessionPurged, func(e events.Event) {
			if connID, _ := e.Data["connId"].(string); connID != "" && e.Reason() == events.ReasonGraceExpired {
				b.correlator.InvalidateConnection(e.Token, connID)
			}
			b.limiter.Reset(e.Token)
		}),
	)
	return b
}

func (b *Bridge) notifyTimeout(token, messageID, command string) {
	if err := b.registry.Notify(token, protocol.NewCommandTimeout(messageID, command)); err != nil {
		b.logger.Debug("timeout notice not sent", "token", token, "message_id", messageID, "err", err)
	}
}

// Run drives the liveness monitor until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	b.logger.Info("bridge running",
		"heartbeat_interval", b.cfg.HeartbeatInterval,
		"connection_timeout", b.cfg.ConnectionTimeout,
		"command_timeout", b.cfg.CommandTimeout,
	)
	b.monitor.Run(ctx)
}

// Sweep runs one liveness sweep now.
func (b *Bridge) Sweep() liveness.SweepStats {
	return b.monitor.Sweep(b.nowFn())
}

// Shutdown disconnects every device and fails all pending commands.
func (b *Bridge) Shutdown() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.registry.CloseAll("shutdown")
	if n := b.correlator.InvalidateAll(); n > 0 {
		b.logger.Info("pending commands failed at shutdown", "count", n)
	}
}

// Welcome is the result of a successful authentication.
type Welcome struct {
	Session    session.Snapshot
	Config     protocol.SessionConfig
	ServerTime time.Time
}

// Message renders the authenticated reply frame.
func (w Welcome) Message() protocol.Authenticated {
	return protocol.NewAuthenticated(w.ServerTime, w.Config)
}

// Authenticate sends the authenticated reply on t and registers t as the
// transport for token, replacing any prior session. The reply goes out first
// so it precedes any execute frame on the new session.
func (b *Bridge) Authenticate(token string, info *store.DeviceInfo, t session.Transport) (Welcome, error) {
	if err := ValidateToken(token); err != nil {
		return Welcome{}, err
	}
	if t == nil {
		return Welcome{}, fmt.Errorf("%w: no transport", ErrAuthentication)
	}

	w := Welcome{Config: b.cfg.SessionConfig(), ServerTime: b.nowFn()}
	if err := t.Send(w.Message()); err != nil {
		return Welcome{}, fmt.Errorf("send authenticated reply: %w", err)
	}
	w.Session = b.registry.Register(token, t, info)

	if b.cfg.RequestCapabilities {
		b.requestCapabilities(token)
	}
	return w, nil
}

func (b *Bridge) requestCapabilities(token string) {
	call, err := b.dispatch(token, "get_capabilities", nil, false)
	if err != nil {
		b.logger.Debug("capability request not sent", "token", token, "err", err)
		return
	}
	go func() {
		<-call.Done()
		res, _ := call.Result()
		if res.Err != nil {
			return
		}
		if caps, ok := parseCapabilities(res.Value); ok {
			b.IngestCapabilities(token, caps)
		}
	}()
}

// parseCapabilities accepts either a bare list or {"capabilities": [...]}.
func parseCapabilities(raw json.RawMessage) ([]string, bool) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && list != nil {
		return list, true
	}
	var obj struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Capabilities != nil {
		return obj.Capabilities, true
	}
	return nil, false
}

// DispatchCommand forwards command to the device and returns immediately.
// Rejections are checked in order: the session must be Connected, the command
// well formed, and the token within its rate ceiling. The outcome is delivered
// through the returned Call.
func (b *Bridge) DispatchCommand(token, command string, params json.RawMessage) (*correlator.Call, error) {
	return b.dispatch(token, command, params, true)
}

func (b *Bridge) dispatch(token, command string, params json.RawMessage, limited bool) (*correlator.Call, error) {
	var call *correlator.Call
	err := b.registry.Do(token, func(c session.Conn) error {
		prepared, err := commands.Prepare(command, params)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		if limited && !b.limiter.TryAdmit(token) {
			return ErrRateLimitExceeded
		}
		call, err = b.correlator.Dispatch(correlator.Target{
			Token:     c.Token(),
			ConnID:    c.ConnID(),
			Connected: true,
			Sender:    c.Transport(),
		}, command, prepared)
		if err != nil {
			// Nothing reached the device.
			if limited {
				b.limiter.Release(token)
			}
			return err
		}
		c.CountDispatch()
		return nil
	})
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, token)
	case errors.Is(err, correlator.ErrSessionUnavailable):
		return nil, fmt.Errorf("%w: %w", ErrDeviceNotConnected, err)
	case errors.Is(err, ErrRateLimitExceeded):
		b.logger.Warn("rate limit exceeded", "token", token, "command", command)
		return nil, err
	case err != nil:
		return nil, err
	}

	b.logger.Debug("command dispatched", "token", token, "command", command, "message_id", call.ID())
	b.bus.Emit(events.Event{Type: events.CommandDispatched, Token: token, Data: map[string]any{
		"messageId": call.ID(),
		"command":   command,
	}})
	return call, nil
}

// Await blocks until call completes or ctx is done.
func (b *Bridge) Await(ctx context.Context, call *correlator.Call) (correlator.Result, error) {
	return call.Wait(ctx)
}

// DispatchAndWait dispatches command and waits for its terminal outcome.
func (b *Bridge) DispatchAndWait(ctx context.Context, token, command string, params json.RawMessage) (correlator.Result, error) {
	call, err := b.DispatchCommand(token, command, params)
	if err != nil {
		return correlator.Result{Token: token, Command: command}, err
	}
	return call.Wait(ctx)
}

// IngestHeartbeat records a heartbeat and merges its optional payload.
func (b *Bridge) IngestHeartbeat(token string, hb *protocol.Heartbeat) bool {
	if !b.registry.TouchHeartbeat(token) {
		return false
	}
	if hb != nil {
		b.registry.MergeState(token, session.StateUpdate{
			BatteryLevel: hb.BatteryLevel,
			RunningApps:  hb.RunningApps,
			SystemStats:  hb.SystemStats,
			Metrics:      hb.Metrics,
		})
	}
	return true
}

// IngestResponse settles the pending command named by resp.MessageID. Token is
// the session the response arrived on and may be empty.
func (b *Bridge) IngestResponse(token string, resp *protocol.CommandResponse) bool {
	if resp == nil || resp.MessageID == "" {
		return false
	}
	return b.correlator.Resolve(resp.MessageID, correlator.Response{
		Token:         token,
		Value:         resp.Result,
		Error:         resp.ErrorText(),
		ExecutionTime: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	})
}

// IngestCapabilities replaces the session's capability list.
func (b *Bridge) IngestCapabilities(token string, caps []string) bool {
	if caps == nil {
		caps = []string{}
	}
	return b.registry.UpdateDeviceInfo(token, store.DeviceInfo{Capabilities: caps})
}

// UpdateDeviceInfo overlays descriptive device metadata.
func (b *Bridge) UpdateDeviceInfo(token string, info store.DeviceInfo) bool {
	return b.registry.UpdateDeviceInfo(token, info)
}

// IngestStatus merges a status update outside the heartbeat cadence.
func (b *Bridge) IngestStatus(token string, st *protocol.StatusUpdate) bool {
	if st == nil {
		return false
	}
	ok := b.registry.MergeState(token, session.StateUpdate{
		BatteryLevel: st.BatteryLevel,
		RunningApps:  st.RunningApps,
		SystemStats:  st.SystemStats,
	})
	if ok {
		b.bus.Emit(events.Event{Type: events.SessionUpdated, Token: token})
	}
	return ok
}

// IngestDeviceError handles a device-reported fault. The error is echoed back
// as a notification; offline codes end the session and a low battery report
// updates the battery level.
func (b *Bridge) IngestDeviceError(token string, de *protocol.DeviceError) {
	if de == nil {
		return
	}
	msg := de.Error
	if msg == "" {
		msg = "Unknown error"
	}
	code := de.Code
	if code == "" {
		code = "UNKNOWN"
	}
	b.logger.Warn("device error", "token", token, "code", code, "error", msg, "details", de.Details)
	b.bus.Emit(events.Event{Type: events.DeviceError, Token: token, Data: map[string]any{
		"error":   msg,
		"code":    code,
		"details": de.Details,
	}})

	echo := *de
	echo.Error, echo.Code = msg, code
	if err := b.registry.Notify(token, protocol.NewNotification(echo)); err != nil {
		b.logger.Debug("error notification not sent", "token", token, "err", err)
	}

	switch code {
	case protocol.CodeDeviceOffline, protocol.CodeConnectionLost:
		b.Disconnect(token)
	case protocol.CodeLowBattery:
		if level, ok := numberAsInt(de.Details["battery_level"]); ok {
			b.registry.MergeState(token, session.StateUpdate{BatteryLevel: &level})
		}
	}
}

func numberAsInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Disconnect ends the session now and fails its pending commands without
// waiting for the grace period.
func (b *Bridge) Disconnect(token string) bool {
	connID, ok := b.registry.MarkDisconnected(token)
	if !ok {
		return false
	}
	n := b.correlator.InvalidateConnection(token, connID)
	b.logger.Info("device disconnected", "token", token, "conn", connID, "invalidated", n)
	return true
}

// ConnectionLost reports that connID's transport went away. Commands stay
// pending through the grace period so a quick reconnect can still answer them.
func (b *Bridge) ConnectionLost(token, connID string) bool {
	return b.registry.MarkConnectionLost(token, connID)
}

// ResetMetrics zeroes a device's command counters.
func (b *Bridge) ResetMetrics(token string) bool {
	return b.registry.ResetMetrics(token)
}

// Session returns a snapshot of token's session.
func (b *Bridge) Session(token string) (session.Snapshot, bool) {
	return b.registry.Get(token)
}

// Sessions returns snapshots of every tracked session.
func (b *Bridge) Sessions() []session.Snapshot {
	return b.registry.List()
}

// Pending returns the number of in-flight commands for token.
func (b *Bridge) Pending(token string) int {
	return b.correlator.Pending(token)
}

// RateUsage reports token's current rate window.
func (b *Bridge) RateUsage(token string) ratelimit.Usage {
	return b.limiter.Usage(token)
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config { return b.cfg }

// Events returns the lifecycle event bus.
func (b *Bridge) Events() *events.Bus { return b.bus }
