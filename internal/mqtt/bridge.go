//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"device-bridge/internal/correlator"
	"device-bridge/internal/events"
	"device-bridge/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Dispatcher is the part of the device bridge the MQTT bridge drives.
type Dispatcher interface {
	DispatchCommand(token, command string, params json.RawMessage) (*correlator.Call, error)
	Session(token string) (session.Snapshot, bool)
	Sessions() []session.Snapshot
	Events() *events.Bus
}

// mqttClient is the subset of pahomqtt.Client the bridge uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge mirrors device sessions to MQTT and accepts commands from it.
type Bridge struct {
	client mqttClient
	disp   Dispatcher
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	waitMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	mu         sync.Mutex
	discovered map[string]bool // tokens with published discovery
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(disp Dispatcher, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		disp:       disp,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]bool),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("device-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllSessions()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to bridge events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.disp.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, waits for in-flight commands and disconnects.
func (b *Bridge) Stop() {
	b.waitMu.Lock()
	if b.stopped {
		b.waitMu.Unlock()
		return
	}
	b.stopped = true
	b.waitMu.Unlock()

	if b.unsub != nil {
		b.unsub()
	}
	b.cancel()
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	if event.Token == "" {
		return
	}
	switch event.Type {
	case events.SessionConnected, events.SessionReconnected, events.SessionReplaced:
		b.publishState(event.Token)
		b.publishDiscovery(event.Token)
	case events.SessionIdle, events.SessionUpdated, events.SessionDisconnected, events.MetricsReset:
		b.publishState(event.Token)
	case events.CommandCompleted:
		// Counters moved.
		b.publishState(event.Token)
	case events.SessionPurged:
		b.handlePurged(event.Token)
	case events.DeviceError:
		b.publish(deviceTopic(b.prefix, event.Token, "error"), mustJSON(event.Data), false)
	}
}

func (b *Bridge) publishState(token string) {
	snap, ok := b.disp.Session(token)
	if !ok {
		return
	}
	b.publish(deviceTopic(b.prefix, token, "state"), mustJSON(snap), true)
}

func (b *Bridge) publishDiscovery(token string) {
	b.mu.Lock()
	if b.discovered[token] {
		b.mu.Unlock()
		return
	}
	b.discovered[token] = true
	b.mu.Unlock()

	snap, ok := b.disp.Session(token)
	if !ok {
		return
	}
	for _, msg := range buildDiscovery(snap, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "token", token, "name", deviceDisplayName(snap))
}

func (b *Bridge) handlePurged(token string) {
	// An empty retained payload clears the topic.
	b.publish(deviceTopic(b.prefix, token, "state"), nil, true)
	for _, msg := range buildRemoveDiscovery(token) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	delete(b.discovered, token)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(bridgeStateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) publishAllSessions() {
	for _, snap := range b.disp.Sessions() {
		b.publish(deviceTopic(b.prefix, snap.Token, "state"), mustJSON(snap), true)
		b.publishDiscovery(snap.Token)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/devices/+/command"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

// handleCommand dispatches a command message. The paho router must not block,
// so the wait for the outcome runs in its own goroutine.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	token, ok := parseCommandTopic(b.prefix, topic)
	if !ok {
		b.logger.Warn("command on unexpected topic", "topic", topic)
		return
	}
	req, err := decodeCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command payload", "token", token, "err", err)
		b.publish(deviceTopic(b.prefix, token, "result"), buildResult(req, correlator.Result{}, err), false)
		return
	}

	call, err := b.disp.DispatchCommand(token, req.Command, req.Params)
	if err != nil {
		b.logger.Debug("mqtt command rejected", "token", token, "command", req.Command, "err", err)
		b.publish(deviceTopic(b.prefix, token, "result"), buildResult(req, correlator.Result{Token: token, Command: req.Command}, err), false)
		return
	}

	tracked := b.track(func() {
		res, err := call.Wait(b.ctx)
		if err != nil {
			return
		}
		b.publish(deviceTopic(b.prefix, token, "result"), buildResult(req, res, res.Err), false)
	})
	if !tracked {
		b.logger.Debug("bridge stopping, command result not published", "token", token, "message_id", call.ID())
	}
}

// track runs fn on a goroutine Stop waits for. It refuses once Stop has begun.
func (b *Bridge) track(fn func()) bool {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
