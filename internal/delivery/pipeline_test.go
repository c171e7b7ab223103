package delivery

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

	"ticketbridge/internal/domain"
	"ticketbridge/internal/session"
	"ticketbridge/internal/session/sessiontest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubSessions struct {
	client domain.SessionClient
	err    error
	state  domain.SessionState
}

func (s *stubSessions) Client() (domain.SessionClient, error) {
	return s.client, s.err
}

func (s *stubSessions) State() domain.SessionState {
	return s.state
}

type stubReadiness struct {
	ready bool
	calls atomic.Int32
}

func (r *stubReadiness) WaitUntilReady(context.Context, session.Prober, time.Duration) bool {
	r.calls.Add(1)
	return r.ready
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type fixture struct {
	fake      *sessiontest.Fake
	sessions  *stubSessions
	readiness *stubReadiness
	sleeps    *sleepRecorder
	pipeline  *Pipeline
}

func newFixture(serialize bool) *fixture {
	f := &fixture{
		fake:      &sessiontest.Fake{},
		readiness: &stubReadiness{ready: true},
		sleeps:    &sleepRecorder{},
	}
	f.sessions = &stubSessions{client: f.fake, state: domain.StateConnected}
	f.pipeline = New(Config{
		Sessions:  f.sessions,
		Readiness: f.readiness,
		BaseDelay: time.Second,
		Serialize: serialize,
		Logger:    testLogger(),
	})
	f.pipeline.sleep = f.sleeps.sleep
	return f
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511999999999", "5511999999999@c.us"},
		{"5511999999999@c.us", "5511999999999@c.us"},
		{"120363025246125888@g.us", "120363025246125888@g.us"},
		{" 5511999999999 ", "5511999999999@c.us"},
		{"status@broadcast", "status@broadcast"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in, "@c.us"); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSend_FirstTrySuccess(t *testing.T) {
	f := newFixture(true)

	res, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	sends := f.fake.Sends()
	if len(sends) != 1 {
		t.Fatalf("expected 1 underlying call, got %d", len(sends))
	}
	if sends[0].Destination != "5511999999999@c.us" || sends[0].Text != "hello" {
		t.Errorf("unexpected send %+v", sends[0])
	}
	if string(res.Ack) != `{"id":"true_5511999999999@c.us_1"}` {
		t.Errorf("expected the client's native ack, got %s", res.Ack)
	}
	if len(f.sleeps.delays) != 0 {
		t.Errorf("expected no backoff waits, got %v", f.sleeps.delays)
	}
	if res.ReadyTimedOut {
		t.Error("readiness did not time out")
	}
}

func TestSend_QualifiedDestinationUnchanged(t *testing.T) {
	f := newFixture(true)
	if _, err := f.pipeline.Send(context.Background(), "5511999999999@c.us", "hi"); err != nil {
		t.Fatal(err)
	}
	if got := f.fake.Sends()[0].Destination; got != "5511999999999@c.us" {
		t.Errorf("expected destination unchanged, got %q", got)
	}
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(true)
	f.fake.SendFunc = func(call int, dest, _ string) (json.RawMessage, error) {
		if call < 3 {
			return nil, fmt.Errorf("transient failure %d", call)
		}
		return json.RawMessage(`{"ack":1}`), nil
	}

	res, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(res.Ack) != `{"ack":1}` {
		t.Errorf("unexpected ack %s", res.Ack)
	}
	if n := len(f.fake.Sends()); n != 3 {
		t.Fatalf("expected 3 underlying calls, got %d", n)
	}
	if len(res.Attempts) != 3 || res.Attempts[0].Err == nil || res.Attempts[2].Err != nil {
		t.Errorf("unexpected attempts %+v", res.Attempts)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	if len(f.sleeps.delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, f.sleeps.delays)
	}
	for i := range want {
		if f.sleeps.delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], f.sleeps.delays[i])
		}
	}
	if f.sleeps.delays[1] <= f.sleeps.delays[0] {
		t.Error("inter-attempt delays must strictly increase")
	}
}

func TestSend_AllAttemptsFail(t *testing.T) {
	f := newFixture(true)
	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}
	f.fake.SendFunc = func(call int, _, _ string) (json.RawMessage, error) {
		return nil, errs[call-1]
	}

	res, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if !errors.Is(err, errs[2]) {
		t.Errorf("expected the last underlying error to surface, got %v", err)
	}
	if errors.Is(err, errs[0]) {
		t.Error("earlier attempt errors must not surface")
	}

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if len(derr.Attempts) != 3 || derr.Destination != "5511999999999@c.us" {
		t.Errorf("unexpected error detail %+v", derr)
	}
	if n := len(f.fake.Sends()); n != 3 {
		t.Errorf("expected exactly 3 underlying calls, got %d", n)
	}
	if len(f.sleeps.delays) != 2 {
		t.Errorf("expected no wait after the final attempt, got delays %v", f.sleeps.delays)
	}
}

func TestSend_NotInitialized(t *testing.T) {
	f := newFixture(true)
	f.sessions.client = nil
	f.sessions.err = domain.ErrNotInitialized
	f.sessions.state = domain.StateConnecting

	_, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
	if !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if f.readiness.calls.Load() != 0 {
		t.Error("readiness must not run before guards pass")
	}
}

func TestSend_NotConnected(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"session disconnected", func(f *fixture) { f.sessions.state = domain.StateDisconnected }},
		{"client reports disconnected", func(f *fixture) { f.fake.Disconnected = true }},
		{"connection check fails", func(f *fixture) { f.fake.ConnectedErr = errors.New("page closed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(true)
			tt.setup(f)

			_, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
			if !errors.Is(err, domain.ErrNotConnected) {
				t.Fatalf("expected ErrNotConnected, got %v", err)
			}
			if n := len(f.fake.Sends()); n != 0 {
				t.Errorf("expected no underlying calls, got %d", n)
			}
			if f.readiness.calls.Load() != 0 {
				t.Error("readiness must not run for a disconnected session")
			}
		})
	}
}

func TestSend_ReadinessTimeoutProceeds(t *testing.T) {
	f := newFixture(true)
	f.readiness.ready = false

	res, err := f.pipeline.Send(context.Background(), "5511999999999", "hello")
	if err != nil {
		t.Fatalf("readiness timeout must not fail the send: %v", err)
	}
	if !res.ReadyTimedOut {
		t.Error("expected ReadyTimedOut")
	}
	if n := len(f.fake.Sends()); n != 1 {
		t.Errorf("expected 1 underlying call, got %d", n)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(true)
	for _, tc := range [][2]string{{"", "hello"}, {"5511999999999", ""}, {"  ", "  "}} {
		_, err := f.pipeline.Send(context.Background(), tc[0], tc[1])
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Send(%q, %q): expected ErrValidation, got %v", tc[0], tc[1], err)
		}
	}
	if n := len(f.fake.Sends()); n != 0 {
		t.Errorf("expected no underlying calls, got %d", n)
	}
}

func TestSend_BackoffInterruptedByContext(t *testing.T) {
	f := newFixture(true)
	f.pipeline.sleep = sleepCtx
	f.pipeline.baseDelay = time.Hour
	boom := errors.New("boom")
	f.fake.SendFunc = func(int, string, string) (json.RawMessage, error) { return nil, boom }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.pipeline.Send(ctx, "5511999999999", "hello")
	if !errors.Is(err, domain.ErrDeliveryFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected delivery failure wrapping boom, got %v", err)
	}
	if n := len(f.fake.Sends()); n != 1 {
		t.Errorf("expected 1 call before interruption, got %d", n)
	}
}

func concurrentPeak(t *testing.T, serialize bool) int32 {
	t.Helper()
	f := newFixture(serialize)

	var inFlight, peak atomic.Int32
	f.fake.SendFunc = func(int, string, string) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return json.RawMessage(`{}`), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.pipeline.Send(context.Background(), fmt.Sprintf("55119%08d", i), "hi"); err != nil {
				t.Errorf("send %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	return peak.Load()
}

func TestSend_SerializedSendsDoNotOverlap(t *testing.T) {
	if peak := concurrentPeak(t, true); peak != 1 {
		t.Errorf("expected one send in flight at a time, saw %d", peak)
	}
}

func TestSend_UnserializedSendsMayOverlap(t *testing.T) {
	if peak := concurrentPeak(t, false); peak < 2 {
		t.Errorf("expected overlapping sends without serialization, saw peak %d", peak)
	}
}

func TestSend_WaitForTurnHonorsContext(t *testing.T) {
	f := newFixture(true)
	f.pipeline.turn <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.pipeline.Send(ctx, "5511999999999", "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for turn, got %v", err)
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Destination: "1@c.us", Attempts: make([]Attempt, 3), Err: errors.New("timeout")}
	if got := err.Error(); got != "delivery to 1@c.us failed after 3 attempts: timeout" {
		t.Errorf("unexpected message %q", got)
	}
}
