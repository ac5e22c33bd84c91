package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrSessionLost        = errors.New("session lost")
	ErrDeviceFailure      = errors.New("device reported failure")
)

// DeviceError is the terminal error of a command the device answered with an
// error payload. It matches ErrDeviceFailure under errors.Is.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string { return "device error: " + e.Message }

func (e *DeviceError) Unwrap() error { return ErrDeviceFailure }

// Outcome classifies a terminal Result.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeSessionLost Outcome = "session_lost"
)

// Result is the terminal completion of a command.
type Result struct {
	MessageID     string          `json:"messageId"`
	Token         string          `json:"token"`
	Command       string          `json:"command"`
	Outcome       Outcome         `json:"outcome"`
	Value         json.RawMessage `json:"result,omitempty"`
	Err           error           `json:"-"`
	ExecutionTime time.Duration   `json:"-"`
	Latency       time.Duration   `json:"-"`
}

// Call is a single-shot handle on one dispatched command. It completes exactly
// once with a success, a device error, ErrCommandTimeout or ErrSessionLost.
type Call struct {
	id           string
	token        string
	connID       string
	command      string
	dispatchedAt time.Time

	timer  *time.Timer
	done   chan struct{}
	result Result
}

func (c *Call) ID() string { return c.id }

func (c *Call) Token() string { return c.token }

func (c *Call) Command() string { return c.command }

func (c *Call) DispatchedAt() time.Time { return c.dispatchedAt }

// Done is closed when the call reaches its terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the terminal result if the call has completed.
func (c *Call) Result() (Result, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the call completes or ctx is done. On completion it
// returns the result together with its error, if any. A cancelled ctx does not
// cancel the command itself.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.result.Err
	case <-ctx.Done():
		return Result{MessageID: c.id, Token: c.token, Command: c.command}, ctx.Err()
	}
}

// complete is called only by the path that removed the call from the pending
// map, so it runs at most once per call.
func (c *Call) complete(r Result) {
	c.result = r
	close(c.done)
}
