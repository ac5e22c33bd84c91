package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"device-bridge/internal/bridge"
	"device-bridge/internal/commands"
	"device-bridge/internal/correlator"
	"device-bridge/internal/ratelimit"
	"device-bridge/internal/session"
	"device-bridge/internal/store"
)

// deviceView is a live session plus its correlator and limiter state.
type deviceView struct {
	session.Snapshot
	PendingCommands int             `json:"pendingCommands"`
	RateLimit       ratelimit.Usage `json:"rateLimit"`
}

// offlineView is a persisted record for a token with no live session.
type offlineView struct {
	Token  string        `json:"token"`
	Status string        `json:"status"`
	Record *store.Device `json:"record"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	sessions := s.bridge.Sessions()
	views := make([]deviceView, 0, len(sessions))
	for _, snap := range sessions {
		views = append(views, s.viewOf(snap))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) viewOf(snap session.Snapshot) deviceView {
	return deviceView{
		Snapshot:        snap,
		PendingCommands: s.bridge.Pending(snap.Token),
		RateLimit:       s.bridge.RateUsage(snap.Token),
	}
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if snap, ok := s.bridge.Session(token); ok {
		s.writeJSON(w, http.StatusOK, s.viewOf(snap))
		return
	}
	if s.store != nil {
		dev, err := s.store.GetDevice(token)
		if err == nil {
			s.writeJSON(w, http.StatusOK, offlineView{Token: token, Status: "offline", Record: dev})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("get device record", "token", token, "err", err)
			s.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "device not found")
}

// waitMargin is the write time left after a waited command times out.
const waitMargin = 5 * time.Second

type sendCommandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Wait    bool            `json:"wait"`
}

// commandResult is the JSON form of a terminal command outcome.
type commandResult struct {
	MessageID       string             `json:"messageId"`
	Token           string             `json:"token"`
	Command         string             `json:"command"`
	Outcome         correlator.Outcome `json:"outcome"`
	Result          json.RawMessage    `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	LatencyMs       int64              `json:"latencyMs"`
	ExecutionTimeMs int64              `json:"executionTimeMs,omitempty"`
}

func newCommandResult(res correlator.Result) commandResult {
	out := commandResult{
		MessageID:       res.MessageID,
		Token:           res.Token,
		Command:         res.Command,
		Outcome:         res.Outcome,
		Result:          res.Value,
		LatencyMs:       res.Latency.Milliseconds(),
		ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	call, err := s.bridge.DispatchCommand(token, req.Command, req.Params)
	if err != nil {
		if errors.Is(err, bridge.ErrRateLimitExceeded) {
			usage := s.bridge.RateUsage(token)
			secs := int(time.Until(usage.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	if !req.Wait {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"messageId": call.ID()})
		return
	}

	// The wait may outlast the server's WriteTimeout.
	deadline := time.Now().Add(s.bridge.Config().CommandTimeout + waitMargin)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("extend write deadline", "token", token, "err", err)
	}

	res, err := call.Wait(r.Context())
	if err != nil {
		// Client went away; the command stays tracked by the correlator.
		s.logger.Debug("wait for command abandoned", "token", token, "message_id", call.ID(), "err", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusOK
	if res.Err != nil {
		status = statusFor(res.Err)
	}
	s.writeJSON(w, status, newCommandResult(res))
}

// statusFor maps bridge errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrDeviceNotConnected):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, bridge.ErrInvalidCommand), errors.Is(err, bridge.ErrAuthentication):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrSessionLost), errors.Is(err, bridge.ErrDeviceFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAPIDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.Disconnect(r.PathValue("token")) {
		s.writeError(w, http.StatusNotFound, "device not connected")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIResetMetrics(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if !s.bridge.ResetMetrics(token) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	snap, _ := s.bridge.Session(token)
	s.writeJSON(w, http.StatusOK, snap.Metrics)
}

func (s *Server) handleAPIListCommands(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, commands.All())
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.bridge.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"bridge":  cfg,
		"session": cfg.SessionConfig(),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
