package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProber records probe times and reports ready from probe number
// readyAt onward (never when readyAt is 0).
type scriptedProber struct {
	mu      sync.Mutex
	readyAt int
	err     error
	times   []time.Time
}

func (p *scriptedProber) ProbeReady(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.times = append(p.times, time.Now())
	if p.readyAt > 0 && len(p.times) >= p.readyAt {
		return true, nil
	}
	return false, p.err
}

func (p *scriptedProber) calls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.times...)
}

func TestWaitUntilReady_ImmediatelyReady(t *testing.T) {
	p := NewPoller(time.Hour, testLogger())
	prober := &scriptedProber{readyAt: 1}

	start := time.Now()
	if !p.WaitUntilReady(context.Background(), prober, time.Second) {
		t.Fatal("expected ready")
	}
	if len(prober.calls()) != 1 {
		t.Errorf("expected a single probe, got %d", len(prober.calls()))
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("first successful probe should return at once, took %v", time.Since(start))
	}
}

func TestWaitUntilReady_ReturnsOnFirstSuccess(t *testing.T) {
	interval := 10 * time.Millisecond
	p := NewPoller(interval, testLogger())
	prober := &scriptedProber{readyAt: 3, err: errors.New("WAPI undefined")}

	if !p.WaitUntilReady(context.Background(), prober, time.Second) {
		t.Fatal("expected ready on third probe")
	}
	calls := prober.calls()
	if len(calls) != 3 {
		t.Fatalf("expected exactly 3 probes, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < interval {
			t.Errorf("probe %d came %v after the previous, want >= %v", i+1, gap, interval)
		}
	}
}

func TestWaitUntilReady_Timeout(t *testing.T) {
	interval := 10 * time.Millisecond
	timeout := 55 * time.Millisecond
	p := NewPoller(interval, testLogger())
	prober := &scriptedProber{}

	start := time.Now()
	if p.WaitUntilReady(context.Background(), prober, timeout) {
		t.Fatal("expected timeout")
	}
	elapsed := time.Since(start)
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}

	calls := prober.calls()
	if len(calls) < 3 || len(calls) > 7 {
		t.Errorf("expected about timeout/interval probes, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < interval {
			t.Errorf("probe %d came %v after the previous, want >= %v", i+1, gap, interval)
		}
	}
}

func TestWaitUntilReady_ContextCancelled(t *testing.T) {
	p := NewPoller(10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if p.WaitUntilReady(ctx, &scriptedProber{}, time.Second) {
		t.Fatal("cancelled context should not report ready")
	}
}

func TestNewPoller_DefaultInterval(t *testing.T) {
	if p := NewPoller(0, testLogger()); p.interval != DefaultReadyInterval {
		t.Errorf("expected default interval, got %v", p.interval)
	}
}
