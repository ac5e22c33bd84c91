//go:build !no_nats

// Package natsapi exposes device commands as NATS request/reply and mirrors
// bridge events onto NATS subjects.
package natsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"device-bridge/internal/correlator"
	"device-bridge/internal/events"
)

var (
	errMissingCommand = errors.New("command is required")
	errStopping       = errors.New("service stopping")
)

// Dispatcher is the part of the device bridge the service drives.
type Dispatcher interface {
	DispatchCommand(token, command string, params json.RawMessage) (*correlator.Call, error)
	Events() *events.Bus
}

// conn is the subset of *nats.Conn the service uses.
type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Service answers <prefix>.command.<token> requests and publishes every
// event to <prefix>.events.<token>.<type>.
type Service struct {
	nc     conn
	disp   Dispatcher
	prefix string
	logger *slog.Logger

	subs   []*nats.Subscription
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	waitMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewService(nc *nats.Conn, disp Dispatcher, prefix string, logger *slog.Logger) *Service {
	return newService(nc, disp, prefix, logger)
}

func newService(nc conn, disp Dispatcher, prefix string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		nc:     nc,
		disp:   disp,
		prefix: prefix,
		logger: logger.With("component", "nats"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to command requests and bridge events.
func (s *Service) Start() error {
	sub, err := s.nc.Subscribe(s.prefix+".command.*", s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	if sub != nil {
		s.subs = append(s.subs, sub)
	}
	s.unsub = s.disp.Events().OnAll(s.publishEvent)
	s.logger.Info("NATS service started", "prefix", s.prefix)
	return nil
}

// Stop unsubscribes and waits for in-flight requests to be answered or
// abandoned.
func (s *Service) Stop() {
	s.waitMu.Lock()
	if s.stopped {
		s.waitMu.Unlock()
		return
	}
	s.stopped = true
	s.waitMu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe", "subject", sub.Subject, "err", err)
		}
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("NATS service stopped")
}

type commandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type commandReply struct {
	MessageID string             `json:"messageId,omitempty"`
	Outcome   correlator.Outcome `json:"outcome,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	LatencyMs int64              `json:"latencyMs,omitempty"`
}

func (s *Service) handleCommand(msg *nats.Msg) {
	token, ok := tokenFromSubject(s.prefix, msg.Subject)
	if !ok {
		s.reply(msg, commandReply{Error: "invalid subject"})
		return
	}

	var req commandRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, commandReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if req.Command == "" {
		s.reply(msg, commandReply{Error: errMissingCommand.Error()})
		return
	}

	call, err := s.disp.DispatchCommand(token, req.Command, req.Params)
	if err != nil {
		s.logger.Debug("nats command rejected", "token", token, "command", req.Command, "err", err)
		s.reply(msg, commandReply{Error: err.Error()})
		return
	}

	tracked := s.track(func() {
		res, err := call.Wait(s.ctx)
		if err != nil {
			return
		}
		s.reply(msg, newReply(res))
	})
	if !tracked {
		s.reply(msg, commandReply{MessageID: call.ID(), Error: errStopping.Error()})
	}
}

// track runs fn on a goroutine Stop waits for. It refuses once Stop has begun.
func (s *Service) track(fn func()) bool {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func newReply(res correlator.Result) commandReply {
	out := commandReply{
		MessageID: res.MessageID,
		Outcome:   res.Outcome,
		Result:    res.Value,
		LatencyMs: res.Latency.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (s *Service) reply(msg *nats.Msg, r commandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("encode reply", "err", err)
		return
	}
	if err := s.nc.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("publish reply", "subject", msg.Reply, "err", err)
	}
}

func (s *Service) publishEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("encode event", "type", e.Type, "err", err)
		return
	}
	subj := eventSubject(s.prefix, e.Token, e.Type)
	if err := s.nc.Publish(subj, data); err != nil {
		s.logger.Warn("publish event", "subject", subj, "err", err)
	}
}

// tokenFromSubject extracts the token from <prefix>.command.<token>.
func tokenFromSubject(prefix, subject string) (string, bool) {
	token, ok := strings.CutPrefix(subject, prefix+".command.")
	if !ok || token == "" || strings.Contains(token, ".") {
		return "", false
	}
	return token, true
}

// eventSubject returns <prefix>.events.<token>.<type>. Bridge-wide events use
// the token "_bridge".
func eventSubject(prefix, token, typ string) string {
	if token == "" {
		token = "_bridge"
	}
	return prefix + ".events." + subjectToken(token) + "." + typ
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
