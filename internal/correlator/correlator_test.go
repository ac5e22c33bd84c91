package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"device-bridge/internal/events"
	"device-bridge/internal/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Execute
	err  error
}

func (f *fakeSender) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg.(protocol.Execute))
	return nil
}

func (f *fakeSender) last() protocol.Execute {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeMetrics struct {
	mu       sync.Mutex
	success  int
	failed   int
	timeouts int
	latency  time.Duration
}

func (m *fakeMetrics) RecordResponse(token string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.success++
	} else {
		m.failed++
	}
	m.latency = latency
}

func (m *fakeMetrics) RecordTimeout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
	m.timeouts++
}

func (m *fakeMetrics) counts() (success, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.success, m.failed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCorrelator(timeout time.Duration, opts ...Option) (*Correlator, *fakeMetrics) {
	m := &fakeMetrics{}
	opts = append([]Option{WithMetrics(m)}, opts...)
	return New(timeout, testLogger(), opts...), m
}

func target(token string, s Sender) Target {
	return Target{Token: token, ConnID: "conn-" + token, Connected: true, Sender: s}
}

func waitResult(t *testing.T, call *Call) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := call.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call %s never completed", call.ID())
	}
	return res, err
}

func TestDispatchAndResolve(t *testing.T) {
	c, m := newTestCorrelator(time.Minute)
	s := &fakeSender{}

	call, err := c.Dispatch(target("dev1", s), "getBatteryLevel", nil)
	if err != nil {
		t.Fatal(err)
	}
	sent := s.last()
	if sent.Type != protocol.TypeExecute || sent.MessageID != call.ID() || sent.Command != "getBatteryLevel" {
		t.Fatalf("sent = %+v", sent)
	}
	if c.Pending("dev1") != 1 {
		t.Fatalf("pending = %d, want 1", c.Pending("dev1"))
	}

	if !c.Resolve(call.ID(), Response{Value: json.RawMessage(`{"level":73}`)}) {
		t.Fatal("Resolve should settle a pending call")
	}
	res, err := waitResult(t, call)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if string(res.Value) != `{"level":73}` || res.Outcome != OutcomeSuccess {
		t.Errorf("result = %+v", res)
	}
	if succ, _ := m.counts(); succ != 1 {
		t.Errorf("successful = %d, want 1", succ)
	}
	if c.Pending("dev1") != 0 {
		t.Errorf("pending = %d after resolve", c.Pending("dev1"))
	}
}

func TestDispatchRequiresConnected(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	_, err := c.Dispatch(Target{Token: "dev1", Sender: &fakeSender{}}, "x", nil)
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("err = %v, want ErrSessionUnavailable", err)
	}
	if c.Len() != 0 {
		t.Error("no command should be pending after a rejected dispatch")
	}
}

func TestDispatchSendFailureLeavesNothingPending(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	sendErr := errors.New("queue full")
	_, err := c.Dispatch(target("dev1", &fakeSender{err: sendErr}), "x", nil)
	if !errors.Is(err, ErrSessionUnavailable) || !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want both ErrSessionUnavailable and the send error", err)
	}
	if c.Len() != 0 {
		t.Errorf("pending = %d, want 0", c.Len())
	}
}

func TestResolveWithDeviceError(t *testing.T) {
	c, m := newTestCorrelator(time.Minute)
	call, _ := c.Dispatch(target("dev1", &fakeSender{}), "app_launch", nil)

	c.Resolve(call.ID(), Response{Error: "app not installed"})
	res, err := waitResult(t, call)
	if !errors.Is(err, ErrDeviceFailure) {
		t.Fatalf("err = %v, want ErrDeviceFailure", err)
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Message != "app not installed" {
		t.Errorf("device error = %v", err)
	}
	if res.Outcome != OutcomeError {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if _, failed := m.counts(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestTimeout(t *testing.T) {
	var notified atomic.Int32
	c, m := newTestCorrelator(20*time.Millisecond, WithTimeoutNotifier(func(token, id, command string) {
		if token == "dev2" && command == "takeScreenshot" {
			notified.Add(1)
		}
	}))

	call, err := c.Dispatch(target("dev2", &fakeSender{}), "takeScreenshot", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := waitResult(t, call)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %q", res.Outcome)
	}
	if _, failed := m.counts(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if notified.Load() != 1 {
		t.Errorf("timeout notifier calls = %d, want 1", notified.Load())
	}
}

func TestLateResponseAfterTimeoutIsDropped(t *testing.T) {
	c, m := newTestCorrelator(10 * time.Millisecond)
	call, _ := c.Dispatch(target("dev1", &fakeSender{}), "x", nil)
	_, _ = waitResult(t, call)

	if c.Resolve(call.ID(), Response{Value: json.RawMessage(`1`)}) {
		t.Fatal("late response must not settle an expired call")
	}
	res, _ := call.Result()
	if res.Outcome != OutcomeTimeout {
		t.Errorf("outcome changed to %q", res.Outcome)
	}
	if succ, failed := m.counts(); succ != 0 || failed != 1 {
		t.Errorf("metrics = %d/%d, want 0/1", succ, failed)
	}
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	if c.Resolve("never-issued", Response{}) {
		t.Fatal("unknown id should be ignored")
	}
}

func TestResolveFromWrongSessionIsDropped(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	call, _ := c.Dispatch(target("dev1", &fakeSender{}), "x", nil)

	if c.Resolve(call.ID(), Response{Token: "dev2"}) {
		t.Fatal("response from another device must not settle the call")
	}
	if _, done := call.Result(); done {
		t.Fatal("call should still be pending")
	}
	if !c.Resolve(call.ID(), Response{Token: "dev1"}) {
		t.Fatal("owner response should settle the call")
	}
}

func TestInvalidateSession(t *testing.T) {
	c, m := newTestCorrelator(time.Minute)
	s := &fakeSender{}

	var calls []*Call
	for i := 0; i < 3; i++ {
		call, err := c.Dispatch(target("dev1", s), fmt.Sprintf("cmd%d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		calls = append(calls, call)
	}
	other, _ := c.Dispatch(target("dev2", s), "keep", nil)

	if n := c.InvalidateSession("dev1"); n != 3 {
		t.Fatalf("invalidated = %d, want 3", n)
	}
	for _, call := range calls {
		if _, err := waitResult(t, call); !errors.Is(err, ErrSessionLost) {
			t.Errorf("call %s err = %v, want ErrSessionLost", call.ID(), err)
		}
	}
	if _, done := other.Result(); done {
		t.Error("another device's command must not be affected")
	}
	if succ, failed := m.counts(); succ != 0 || failed != 0 {
		t.Errorf("metrics = %d/%d, session loss is not a device answer", succ, failed)
	}
	if c.InvalidateSession("dev1") != 0 {
		t.Error("second invalidation should find nothing")
	}
}

func TestInvalidateConnection(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	s := &fakeSender{}

	oldCall, _ := c.Dispatch(Target{Token: "dev1", ConnID: "a", Connected: true, Sender: s}, "x", nil)
	newCall, _ := c.Dispatch(Target{Token: "dev1", ConnID: "b", Connected: true, Sender: s}, "y", nil)

	if n := c.InvalidateConnection("dev1", "a"); n != 1 {
		t.Fatalf("invalidated = %d, want 1", n)
	}
	if _, err := waitResult(t, oldCall); !errors.Is(err, ErrSessionLost) {
		t.Errorf("old call err = %v", err)
	}
	if _, done := newCall.Result(); done {
		t.Error("command on the new connection must stay pending")
	}
}

func TestExactlyOnceUnderRaces(t *testing.T) {
	const n = 200
	c, m := newTestCorrelator(5 * time.Millisecond)
	s := &fakeSender{}

	calls := make([]*Call, n)
	for i := range calls {
		call, err := c.Dispatch(target("dev1", s), "x", nil)
		if err != nil {
			t.Fatal(err)
		}
		calls[i] = call
	}

	var wg sync.WaitGroup
	var resolved atomic.Int32
	for _, call := range calls {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if c.Resolve(id, Response{}) {
				resolved.Add(1)
			}
		}(call.ID())
		go func(id string) {
			defer wg.Done()
			if c.Resolve(id, Response{}) {
				resolved.Add(1)
			}
		}(call.ID())
	}
	var lost atomic.Int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		lost.Add(int32(c.InvalidateSession("dev1")))
	}()
	wg.Wait()

	for _, call := range calls {
		_, _ = waitResult(t, call)
	}
	succ, failed := m.counts()
	timeouts := failed
	total := int(resolved.Load()) + int(lost.Load()) + timeouts
	if total != n {
		t.Fatalf("terminal transitions = %d (resolved %d, lost %d, timed out %d), want %d",
			total, resolved.Load(), lost.Load(), timeouts, n)
	}
	if succ != int(resolved.Load()) {
		t.Errorf("success metrics = %d, resolved = %d", succ, resolved.Load())
	}
	if c.Len() != 0 {
		t.Errorf("pending = %d, want 0", c.Len())
	}
}

func TestCompletionEvent(t *testing.T) {
	bus := events.NewBus(testLogger())
	var got []events.Event
	var mu sync.Mutex
	bus.On(events.CommandCompleted, func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	c, _ := newTestCorrelator(time.Minute, WithEvents(bus))

	call, _ := c.Dispatch(target("dev1", &fakeSender{}), "tap", nil)
	c.Resolve(call.ID(), Response{Value: json.RawMessage(`"ok"`)})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Data["outcome"] != string(OutcomeSuccess) || got[0].Data["messageId"] != call.ID() {
		t.Errorf("event data = %v", got[0].Data)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	call, _ := c.Dispatch(target("dev1", &fakeSender{}), "x", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.Pending("dev1") != 1 {
		t.Error("cancelling the wait must not cancel the command")
	}
}

func TestUniqueIDs(t *testing.T) {
	c, _ := newTestCorrelator(time.Minute)
	s := &fakeSender{}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		call, err := c.Dispatch(target("dev1", s), "x", nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[call.ID()] {
			t.Fatalf("duplicate id %s", call.ID())
		}
		seen[call.ID()] = true
	}
}
