package session

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultReadyInterval = time.Second
	DefaultReadyTimeout  = 15 * time.Second
)

// Prober is the part of the session client the poller needs.
type Prober interface {
	ProbeReady(ctx context.Context) (bool, error)
}

// Poller waits for the engine's internal messaging API to become callable.
// Engines can report "connected" at the network level before sends work.
type Poller struct {
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	return &Poller{interval: interval, logger: logger}
}

// WaitUntilReady probes immediately and then once per interval until a probe
// succeeds or timeout elapses. Probe errors count as "not ready yet". It
// returns false on timeout or when ctx ends.
func (p *Poller) WaitUntilReady(ctx context.Context, client Prober, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for probes := 1; ; probes++ {
		ok, err := client.ProbeReady(ctx)
		if err == nil && ok {
			p.logger.Debug("session ready", "probes", probes)
			return true
		}
		if err != nil {
			p.logger.Debug("readiness probe failed", "probe", probes, "err", err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.interval):
		}
	}
}
