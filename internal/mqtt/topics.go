//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"device-bridge/internal/correlator"
)

var errMissingCommand = errors.New("command is required")

func bridgeStateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

// deviceTopic returns <prefix>/devices/<token>/<leaf>.
func deviceTopic(prefix, token, leaf string) string {
	return prefix + "/devices/" + topicSegment(token) + "/" + leaf
}

// parseCommandTopic extracts the token from <prefix>/devices/<token>/command.
func parseCommandTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/devices/")
	if !ok {
		return "", false
	}
	token, ok := strings.CutSuffix(rest, "/command")
	if !ok || token == "" || strings.Contains(token, "/") {
		return "", false
	}
	return token, true
}

// commandRequest is the payload of a command message.
type commandRequest struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

func decodeCommand(payload []byte) (commandRequest, error) {
	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode command: %w", err)
	}
	if req.Command == "" {
		return req, errMissingCommand
	}
	return req, nil
}

// commandResult is published to <prefix>/devices/<token>/result.
type commandResult struct {
	RequestID string             `json:"requestId,omitempty"`
	MessageID string             `json:"messageId,omitempty"`
	Command   string             `json:"command,omitempty"`
	Outcome   correlator.Outcome `json:"outcome,omitempty"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	LatencyMs int64              `json:"latencyMs,omitempty"`
}

// buildResult encodes a command outcome. A non-nil err with an empty res is a
// rejection before dispatch.
func buildResult(req commandRequest, res correlator.Result, err error) []byte {
	out := commandResult{
		RequestID: req.RequestID,
		MessageID: res.MessageID,
		Command:   req.Command,
		Outcome:   res.Outcome,
		Result:    res.Value,
		LatencyMs: res.Latency.Milliseconds(),
	}
	if out.Command == "" {
		out.Command = res.Command
	}
	if err != nil {
		out.Error = err.Error()
	}
	return mustJSON(out)
}
