// Package events carries session and command lifecycle notifications between
// the bridge components and the optional outer surfaces (MQTT, NATS, Lua, the
// operator event stream).
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	SessionConnected    = "session_connected"
	SessionReplaced     = "session_replaced"
	SessionIdle         = "session_idle"
	SessionReconnected  = "session_reconnected"
	SessionHeartbeat    = "session_heartbeat"
	SessionUpdated      = "session_updated"
	SessionDisconnected = "session_disconnected"
	SessionPurged       = "session_purged"
	MetricsReset        = "metrics_reset"
	CommandDispatched   = "command_dispatched"
	CommandCompleted    = "command_completed"
	DeviceError         = "device_error"
)

// Purge reasons carried in Data["reason"] of SessionPurged / SessionDisconnected.
const (
	ReasonGraceExpired = "grace_expired"
	ReasonEvicted      = "evicted"
	ReasonExplicit     = "explicit"
	ReasonTransport    = "transport_closed"
	ReasonReplaced     = "replaced"
)

// Event is a single lifecycle notification. Token is empty for bridge-wide events.
type Event struct {
	Type  string         `json:"type"`
	Token string         `json:"token,omitempty"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus provides pub/sub for lifecycle events.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers run synchronously on the caller's goroutine; a panicking handler is
// recovered so one subscriber cannot take down the emitter. Emit must never be
// called while holding a registry or correlator lock.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allHandlers))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", event.Type, "token", event.Token, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// Reason returns the Data["reason"] string of an event, if any.
func (e Event) Reason() string {
	r, _ := e.Data["reason"].(string)
	return r
}
