package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticketbridge/internal/domain"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/session"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelay     = time.Second
	DefaultContactSuffix = "@c.us"

	// identitySeparator marks a destination that is already fully qualified.
	identitySeparator = "@"
)

// Sessions is the view of the connection manager the pipeline needs.
type Sessions interface {
	Client() (domain.SessionClient, error)
	State() domain.SessionState
}

// Readiness gates sends on the engine's internal API being callable.
type Readiness interface {
	WaitUntilReady(ctx context.Context, client session.Prober, timeout time.Duration) bool
}

// Attempt is one underlying send call.
type Attempt struct {
	Number int
	Err    error
}

// Result describes a successful delivery.
type Result struct {
	Destination   string
	Ack           json.RawMessage
	Attempts      []Attempt
	ReadyTimedOut bool
}

// Error is returned when every attempt failed. It matches both
// domain.ErrDeliveryFailed and the last underlying error.
type Error struct {
	Destination string
	Attempts    []Attempt
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts: %v", e.Destination, len(e.Attempts), e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{domain.ErrDeliveryFailed, e.Err}
}

// Pipeline delivers outbound text through the single session: guards,
// destination normalization, readiness gate, then bounded retries with
// linear backoff.
//
// A failed attempt may still have reached the contact (a lost ack, for
// example). Retries are not de-duplicated, so the contact can occasionally
// see the same message twice.
type Pipeline struct {
	sessions     Sessions
	readiness    Readiness
	readyTimeout time.Duration
	suffix       string
	maxAttempts  int
	baseDelay    time.Duration
	logger       *slog.Logger

	// turn is nil when sends may interleave.
	turn  chan struct{}
	sleep func(ctx context.Context, d time.Duration) error
}

type Config struct {
	Sessions      Sessions
	Readiness     Readiness
	ReadyTimeout  time.Duration
	ContactSuffix string
	MaxAttempts   int
	BaseDelay     time.Duration
	// Serialize runs one send at a time against the shared session, in the
	// order callers reach the pipeline.
	Serialize bool
	Logger    *slog.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.ContactSuffix == "" {
		cfg.ContactSuffix = DefaultContactSuffix
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = session.DefaultReadyTimeout
	}

	p := &Pipeline{
		sessions:     cfg.Sessions,
		readiness:    cfg.Readiness,
		readyTimeout: cfg.ReadyTimeout,
		suffix:       cfg.ContactSuffix,
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		logger:       cfg.Logger,
		sleep:        sleepCtx,
	}
	if cfg.Serialize {
		p.turn = make(chan struct{}, 1)
	}
	return p
}

// Normalize appends suffix to a bare contact identifier. Identifiers that
// already carry a domain (anything with "@") pass through unchanged.
func Normalize(destination, suffix string) string {
	destination = strings.TrimSpace(destination)
	if strings.Contains(destination, identitySeparator) {
		return destination
	}
	return destination + suffix
}

// Send delivers text to destination. Guard failures (domain.ErrNotInitialized,
// domain.ErrNotConnected) return before any attempt; exhausting every attempt
// returns *Error.
func (p *Pipeline) Send(ctx context.Context, destination, text string) (*Result, error) {
	start := time.Now()
	defer metrics.SendLatency.ObserveSince(start)

	if strings.TrimSpace(destination) == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: destination and text are required", domain.ErrValidation)
	}

	if p.turn != nil {
		select {
		case p.turn <- struct{}{}:
			defer func() { <-p.turn }()
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for send turn: %w", ctx.Err())
		}
	}

	res, err := p.send(ctx, destination, text)
	if err != nil {
		metrics.SendFailed.Inc()
		return nil, err
	}
	metrics.SendDelivered.Inc()
	return res, nil
}

func (p *Pipeline) send(ctx context.Context, destination, text string) (*Result, error) {
	client, err := p.sessions.Client()
	if err != nil {
		return nil, err
	}
	if state := p.sessions.State(); state != domain.StateConnected {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrNotConnected, state)
	}
	connected, err := client.IsConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	if !connected {
		return nil, domain.ErrNotConnected
	}

	res := &Result{Destination: Normalize(destination, p.suffix)}

	if !p.readiness.WaitUntilReady(ctx, client, p.readyTimeout) {
		res.ReadyTimedOut = true
		metrics.ReadyTimeouts.Inc()
		p.logger.Warn("session not ready in time, sending anyway",
			"destination", res.Destination, "timeout", p.readyTimeout, "err", domain.ErrReadinessTimeout)
	}

	var lastErr error
	for n := 1; n <= p.maxAttempts; n++ {
		metrics.SendAttempts.Inc()
		ack, err := client.SendText(ctx, res.Destination, text)
		res.Attempts = append(res.Attempts, Attempt{Number: n, Err: err})
		if err == nil {
			res.Ack = ack
			p.logger.Info("message delivered", "destination", res.Destination, "attempts", n)
			return res, nil
		}

		lastErr = err
		p.logger.Warn("send attempt failed",
			"attempt", n, "of", p.maxAttempts, "destination", res.Destination, "err", err)

		if n == p.maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.baseDelay*time.Duration(n)); err != nil {
			lastErr = fmt.Errorf("%w (backoff interrupted: %v)", lastErr, err)
			break
		}
	}

	return nil, &Error{Destination: res.Destination, Attempts: res.Attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
