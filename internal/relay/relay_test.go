package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"ticketbridge/internal/domain"
	"ticketbridge/internal/session/sessiontest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memLog struct {
	mu   sync.Mutex
	recs []domain.DeliveryRecord
}

func (l *memLog) Record(_ context.Context, rec domain.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func (l *memLog) Recent(context.Context, int) ([]domain.DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DeliveryRecord(nil), l.recs...), nil
}

func (l *memLog) statuses() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int)
	for _, r := range l.recs {
		out[r.Status]++
	}
	return out
}

type received struct {
	Body    map[string]string
	Auth    string
	Content string
}

type backend struct {
	mu     sync.Mutex
	got    []received
	status int
	srv    *httptest.Server
}

func newBackend(t *testing.T, status int) *backend {
	t.Helper()
	b := &backend{status: status}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]string
		json.Unmarshal(data, &body)
		b.mu.Lock()
		b.got = append(b.got, received{Body: body, Auth: r.Header.Get("Authorization"), Content: r.Header.Get("Content-Type")})
		b.mu.Unlock()
		w.WriteHeader(b.status)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) requests() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.got...)
}

func TestRelay_ForwardsDirectMessages(t *testing.T) {
	be := newBackend(t, http.StatusCreated)
	log := &memLog{}
	r := New(Config{IngestURL: be.srv.URL, AuthToken: "s3cret", Log: log, Logger: testLogger()})
	r.Start(context.Background())

	r.Handle(domain.InboundMessage{SenderID: "5511999999999@c.us", Body: "preciso de ajuda"})
	r.Stop()

	got := be.requests()
	if len(got) != 1 {
		t.Fatalf("expected 1 forward, got %d", len(got))
	}
	if got[0].Body["senderId"] != "5511999999999@c.us" || got[0].Body["body"] != "preciso de ajuda" {
		t.Errorf("unexpected payload %v", got[0].Body)
	}
	if got[0].Auth != "Bearer s3cret" {
		t.Errorf("expected bearer token, got %q", got[0].Auth)
	}
	if got[0].Content != "application/json" {
		t.Errorf("expected JSON content type, got %q", got[0].Content)
	}

	recs, _ := log.Recent(context.Background(), 10)
	if len(recs) != 1 || recs[0].Status != domain.StatusForwarded || recs[0].Direction != domain.DirectionInbound || recs[0].ID == "" {
		t.Errorf("unexpected records %+v", recs)
	}
}

func TestRelay_LegacyPayload(t *testing.T) {
	be := newBackend(t, http.StatusOK)
	r := New(Config{IngestURL: be.srv.URL, LegacyPayload: true, Logger: testLogger()})
	r.Start(context.Background())
	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "oi"})
	r.Stop()

	got := be.requests()
	if len(got) != 1 || got[0].Body["numero"] != "1@c.us" || got[0].Body["texto"] != "oi" {
		t.Fatalf("unexpected legacy payload %+v", got)
	}
	if got[0].Auth != "" {
		t.Errorf("no token configured, got Authorization %q", got[0].Auth)
	}
}

func TestRelay_FiltersGroupAndEmpty(t *testing.T) {
	be := newBackend(t, http.StatusOK)
	log := &memLog{}
	r := New(Config{IngestURL: be.srv.URL, Log: log, Logger: testLogger()})
	r.Start(context.Background())

	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: ""})
	r.Handle(domain.InboundMessage{SenderID: "123@g.us", Body: "hello team", IsGroup: true})
	r.Stop()

	if n := len(be.requests()); n != 0 {
		t.Errorf("expected no forwards, got %d", n)
	}
	if recs, _ := log.Recent(context.Background(), 10); len(recs) != 0 {
		t.Errorf("filtered messages are not recorded, got %+v", recs)
	}
}

func TestRelay_BackendErrorSwallowed(t *testing.T) {
	be := newBackend(t, http.StatusInternalServerError)
	log := &memLog{}
	r := New(Config{IngestURL: be.srv.URL, Log: log, Logger: testLogger()})
	r.Start(context.Background())

	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "a"})
	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "b"})
	r.Stop()

	if n := len(be.requests()); n != 2 {
		t.Errorf("expected each message posted once with no retry, got %d", n)
	}
	if s := log.statuses(); s[domain.StatusFailed] != 2 {
		t.Errorf("expected 2 failed records, got %v", s)
	}
}

func TestRelay_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	log := &memLog{}
	r := New(Config{IngestURL: url, Timeout: time.Second, Log: log, Logger: testLogger()})
	r.Start(context.Background())
	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "a"})
	r.Stop()

	recs, _ := log.Recent(context.Background(), 10)
	if len(recs) != 1 || recs[0].Status != domain.StatusFailed || recs[0].Error == "" {
		t.Errorf("expected a failed record with the error, got %+v", recs)
	}
}

func TestRelay_FullQueueDrops(t *testing.T) {
	be := newBackend(t, http.StatusOK)
	log := &memLog{}
	r := New(Config{IngestURL: be.srv.URL, QueueSize: 1, Log: log, Logger: testLogger()})

	// Workers are not running yet, so only one message fits.
	for _, body := range []string{"one", "two", "three"} {
		r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: body})
	}
	r.Start(context.Background())
	r.Stop()

	got := be.requests()
	if len(got) != 1 || got[0].Body["body"] != "one" {
		t.Fatalf("expected only the first message forwarded, got %+v", got)
	}
	s := log.statuses()
	if s[domain.StatusDropped] != 2 || s[domain.StatusForwarded] != 1 {
		t.Errorf("unexpected outcomes %v", s)
	}
}

func TestRelay_HandleNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	r := New(Config{IngestURL: srv.URL, Workers: 1, QueueSize: 2, Logger: testLogger()})
	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "spam"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on a slow backend")
	}
	close(release)
	r.Stop()
}

func TestRelay_AttachAndStopIdempotent(t *testing.T) {
	be := newBackend(t, http.StatusOK)
	fake := &sessiontest.Fake{}
	r := New(Config{IngestURL: be.srv.URL, Logger: testLogger()})
	r.Attach(fake)
	r.Start(context.Background())

	fake.EmitInbound(domain.InboundMessage{SenderID: "2@c.us", Body: "via session"})
	r.Stop()
	r.Stop()

	fake.EmitInbound(domain.InboundMessage{SenderID: "2@c.us", Body: "after stop"})

	got := be.requests()
	if len(got) != 1 || got[0].Body["body"] != "via session" {
		t.Errorf("unexpected forwards %+v", got)
	}
}

type slowLog struct {
	memLog
	delay time.Duration
}

func (l *slowLog) Record(ctx context.Context, rec domain.DeliveryRecord) error {
	time.Sleep(l.delay)
	return l.memLog.Record(ctx, rec)
}

func TestRelay_DropDoesNotWaitForDeliveryLog(t *testing.T) {
	be := newBackend(t, http.StatusOK)
	log := &slowLog{delay: 200 * time.Millisecond}
	r := New(Config{IngestURL: be.srv.URL, QueueSize: 1, Log: log, Logger: testLogger()})

	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "queued"})
	start := time.Now()
	for i := 0; i < 5; i++ {
		r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "overflow"})
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("dropping 5 messages held the caller for %v", elapsed)
	}

	r.Start(context.Background())
	r.Stop()

	start = time.Now()
	r.Handle(domain.InboundMessage{SenderID: "1@c.us", Body: "after stop"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Handle after Stop held the caller for %v", elapsed)
	}

	s := log.statuses()
	if s[domain.StatusDropped] != 5 || s[domain.StatusForwarded] != 1 {
		t.Errorf("unexpected outcomes %v", s)
	}
}
