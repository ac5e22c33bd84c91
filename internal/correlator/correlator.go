// Package correlator issues command ids, tracks in-flight commands with their
// timeouts and settles each one exactly once.
package correlator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"device-bridge/internal/events"
	"device-bridge/internal/protocol"
)

// Sender is the transport handle of the target session.
type Sender interface {
	Send(msg any) error
}

// Target identifies the session a command is dispatched against.
type Target struct {
	Token     string
	ConnID    string
	Connected bool
	Sender    Sender
}

// Response is a device answer to an execute frame. A non-empty Token must
// match the token the command was dispatched to.
type Response struct {
	Token         string
	Value         json.RawMessage
	Error         string
	ExecutionTime time.Duration
}

// Metrics receives per-session command accounting.
type Metrics interface {
	RecordResponse(token string, success bool, latency time.Duration)
	RecordTimeout(token string)
}

// TimeoutNotifier is told about every command that timed out.
type TimeoutNotifier func(token, messageID, command string)

// Option configures a Correlator.
type Option func(*Correlator)

func WithMetrics(m Metrics) Option { return func(c *Correlator) { c.metrics = m } }

func WithEvents(bus *events.Bus) Option { return func(c *Correlator) { c.bus = bus } }

func WithTimeoutNotifier(fn TimeoutNotifier) Option {
	return func(c *Correlator) { c.onTimeout = fn }
}

// WithClock overrides the time source used for latency measurement.
func WithClock(now func() time.Time) Option { return func(c *Correlator) { c.nowFn = now } }

// WithIDs overrides the message id generator. Ids must never repeat.
func WithIDs(gen func() string) Option { return func(c *Correlator) { c.newID = gen } }

// Correlator owns all pending commands.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Call

	timeout   time.Duration
	metrics   Metrics
	bus       *events.Bus
	onTimeout TimeoutNotifier
	nowFn     func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// New creates a correlator whose commands time out after timeout.
func New(timeout time.Duration, logger *slog.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*Call),
		timeout: timeout,
		nowFn:   time.Now,
		newID:   uuid.NewString,
		logger:  logger.With("component", "correlator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timeout returns the configured command timeout.
func (c *Correlator) Timeout() time.Duration { return c.timeout }

// Dispatch registers a pending command, arms its timeout and forwards the
// execute frame. It returns as soon as the frame is handed to the transport.
// Dispatch emits no events, so it is safe to call with a session lock held.
func (c *Correlator) Dispatch(t Target, command string, params json.RawMessage) (*Call, error) {
	if !t.Connected || t.Sender == nil {
		return nil, ErrSessionUnavailable
	}

	call := &Call{
		id:           c.newID(),
		token:        t.Token,
		connID:       t.ConnID,
		command:      command,
		dispatchedAt: c.nowFn(),
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	if _, dup := c.pending[call.id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("message id %s already pending", call.id)
	}
	c.pending[call.id] = call
	call.timer = time.AfterFunc(c.timeout, func() { c.expire(call.id) })
	c.mu.Unlock()

	if err := t.Sender.Send(protocol.NewExecute(call.id, command, params)); err != nil {
		c.mu.Lock()
		if c.pending[call.id] == call {
			delete(c.pending, call.id)
			call.timer.Stop()
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	return call, nil
}

// take removes a pending call. Only the caller that gets ok == true may
// complete it.
func (c *Correlator) take(id string) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	call.timer.Stop()
	return call, true
}

// Resolve settles a pending command with the device's response. It returns
// false when the id is unknown, which covers late responses after a timeout
// or invalidation.
func (c *Correlator) Resolve(messageID string, resp Response) bool {
	c.mu.Lock()
	call, ok := c.pending[messageID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("late or unknown response dropped", "message_id", messageID)
		return false
	}
	if resp.Token != "" && call.token != resp.Token {
		c.mu.Unlock()
		c.logger.Warn("response from wrong session dropped", "message_id", messageID, "from", resp.Token, "owner", call.token)
		return false
	}
	delete(c.pending, messageID)
	call.timer.Stop()
	c.mu.Unlock()

	res := Result{
		MessageID:     call.id,
		Token:         call.token,
		Command:       call.command,
		Value:         resp.Value,
		ExecutionTime: resp.ExecutionTime,
		Latency:       c.nowFn().Sub(call.dispatchedAt),
	}
	if resp.Error != "" {
		res.Outcome = OutcomeError
		res.Err = &DeviceError{Message: resp.Error}
	} else {
		res.Outcome = OutcomeSuccess
	}
	if c.metrics != nil {
		c.metrics.RecordResponse(call.token, res.Err == nil, res.Latency)
	}
	c.finish(call, res)
	return true
}

func (c *Correlator) expire(id string) {
	call, ok := c.take(id)
	if !ok {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordTimeout(call.token)
	}
	if c.onTimeout != nil {
		c.onTimeout(call.token, call.id, call.command)
	}
	c.logger.Warn("command timed out", "token", call.token, "message_id", call.id, "command", call.command)
	c.finish(call, Result{
		MessageID: call.id,
		Token:     call.token,
		Command:   call.command,
		Outcome:   OutcomeTimeout,
		Err:       ErrCommandTimeout,
		Latency:   c.nowFn().Sub(call.dispatchedAt),
	})
}

// InvalidateSession fails every pending command of token with ErrSessionLost
// and returns how many were pending.
func (c *Correlator) InvalidateSession(token string) int {
	return c.invalidate(func(call *Call) bool { return call.token == token })
}

// InvalidateConnection is InvalidateSession limited to commands dispatched on
// one connection of token.
func (c *Correlator) InvalidateConnection(token, connID string) int {
	return c.invalidate(func(call *Call) bool { return call.token == token && call.connID == connID })
}

// InvalidateAll fails every pending command. Used at shutdown.
func (c *Correlator) InvalidateAll() int {
	return c.invalidate(func(*Call) bool { return true })
}

func (c *Correlator) invalidate(match func(*Call) bool) int {
	c.mu.Lock()
	var lost []*Call
	for id, call := range c.pending {
		if match(call) {
			delete(c.pending, id)
			call.timer.Stop()
			lost = append(lost, call)
		}
	}
	c.mu.Unlock()

	for _, call := range lost {
		c.finish(call, Result{
			MessageID: call.id,
			Token:     call.token,
			Command:   call.command,
			Outcome:   OutcomeSessionLost,
			Err:       ErrSessionLost,
			Latency:   c.nowFn().Sub(call.dispatchedAt),
		})
	}
	if len(lost) > 0 {
		c.logger.Info("pending commands invalidated", "count", len(lost))
	}
	return len(lost)
}

func (c *Correlator) finish(call *Call, res Result) {
	call.complete(res)

	data := map[string]any{
		"messageId": res.MessageID,
		"command":   res.Command,
		"outcome":   string(res.Outcome),
		"latencyMs": res.Latency.Milliseconds(),
	}
	if len(res.Value) > 0 {
		data["result"] = res.Value
	}
	var devErr *DeviceError
	if errors.As(res.Err, &devErr) {
		data["error"] = devErr.Message
	} else if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	c.bus.Emit(events.Event{Type: events.CommandCompleted, Token: res.Token, Data: data})
}

// Pending returns the number of in-flight commands for token.
func (c *Correlator) Pending(token string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.pending {
		if call.token == token {
			n++
		}
	}
	return n
}

// Len returns the total number of in-flight commands.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
