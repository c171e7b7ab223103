// Package relay forwards inbound chat messages to the ticketing backend.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketbridge/internal/domain"
	"ticketbridge/internal/metrics"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
	DefaultTimeout   = 10 * time.Second

	dropBacklog = 64
)

// Config configures the inbound relay.
type Config struct {
	IngestURL     string
	AuthToken     string // sent as a Bearer token when set
	LegacyPayload bool
	Timeout       time.Duration
	Workers       int
	QueueSize     int

	Log        domain.DeliveryLog    // optional
	Events     domain.EventPublisher // optional
	HTTPClient *http.Client          // optional, built from Timeout when nil
	Logger     *slog.Logger
}

// Relay filters inbound messages and posts the rest to the backend from a
// small worker pool. Forwarding is fire-and-forget: failures are logged,
// recorded and never retried.
type Relay struct {
	url       string
	token     string
	legacy    bool
	workers   int
	client    *http.Client
	log       domain.DeliveryLog
	events    domain.EventPublisher
	logger    *slog.Logger
	queue     chan domain.InboundMessage
	drops     chan droppedMessage
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
}

type droppedMessage struct {
	msg    domain.InboundMessage
	reason string
}

type payload struct {
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
}

type legacyPayload struct {
	Numero string `json:"numero"`
	Texto  string `json:"texto"`
}

func New(cfg Config) *Relay {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Relay{
		url:     cfg.IngestURL,
		token:   cfg.AuthToken,
		legacy:  cfg.LegacyPayload,
		workers: cfg.Workers,
		client:  cfg.HTTPClient,
		log:     cfg.Log,
		events:  cfg.Events,
		logger:  cfg.Logger,
		queue:   make(chan domain.InboundMessage, cfg.QueueSize),
		drops:   make(chan droppedMessage, dropBacklog),
	}
}

// Attach subscribes the relay to a session client's inbound stream.
func (r *Relay) Attach(client domain.SessionClient) {
	client.SubscribeInbound(r.Handle)
}

// Start launches the workers. They run until Stop; ctx only supplies values
// to outgoing requests so queued messages still drain during shutdown.
func (r *Relay) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work(ctx)
		}
		r.wg.Add(1)
		go r.recordDrops(ctx)
		r.logger.Info("inbound relay started", "workers", r.workers, "queue", cap(r.queue), "url", r.url)
	})
}

// Stop refuses new messages, waits for queued ones to be forwarded and
// returns. Safe to call more than once.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
		close(r.drops)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Handle is the inbound subscriber. It never blocks the caller: group
// messages and empty bodies are skipped, and a full queue drops the message.
func (r *Relay) Handle(msg domain.InboundMessage) {
	if msg.Body == "" || msg.IsGroup {
		metrics.InboundFilter.Inc()
		r.logger.Debug("inbound message skipped", "from", msg.SenderID, "group", msg.IsGroup)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(msg, "relay stopped")
		return
	}
	select {
	case r.queue <- msg:
		r.logger.Info("inbound message received", "from", msg.SenderID, "body_len", len(msg.Body))
	default:
		r.drop(msg, "queue full")
	}
}

// drop runs on the session's event callback, so the delivery log write is
// handed to recordDrops. Called with r.mu held for reading.
func (r *Relay) drop(msg domain.InboundMessage, reason string) {
	metrics.InboundDropped.Inc()
	r.logger.Warn("inbound message dropped", "from", msg.SenderID, "reason", reason)
	r.publish(msg, domain.StatusDropped, reason)
	if r.log == nil || r.closed {
		return
	}
	select {
	case r.drops <- droppedMessage{msg: msg, reason: reason}:
	default:
		r.logger.Debug("drop backlog full, outcome not recorded", "from", msg.SenderID)
	}
}

func (r *Relay) recordDrops(ctx context.Context) {
	defer r.wg.Done()
	for d := range r.drops {
		r.record(ctx, d.msg, domain.StatusDropped, d.reason)
	}
}

func (r *Relay) work(ctx context.Context) {
	defer r.wg.Done()
	for msg := range r.queue {
		start := time.Now()
		err := r.Forward(ctx, msg)
		metrics.ForwardLatency.ObserveSince(start)

		if err != nil {
			metrics.InboundFailed.Inc()
			r.logger.Error("forward to backend failed", "from", msg.SenderID, "err", err)
			r.finish(ctx, msg, domain.StatusFailed, err.Error())
			continue
		}
		metrics.InboundForward.Inc()
		r.logger.Debug("forwarded to backend", "from", msg.SenderID, "duration", time.Since(start))
		r.finish(ctx, msg, domain.StatusForwarded, "")
	}
}

// Forward posts one message to the backend. Any non-2xx response is an error.
func (r *Relay) Forward(ctx context.Context, msg domain.InboundMessage) error {
	var v any = payload{SenderID: msg.SenderID, Body: msg.Body}
	if r.legacy {
		v = legacyPayload{Numero: msg.SenderID, Texto: msg.Body}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (r *Relay) finish(ctx context.Context, msg domain.InboundMessage, status, detail string) {
	r.record(ctx, msg, status, detail)
	r.publish(msg, status, detail)
}

func (r *Relay) record(ctx context.Context, msg domain.InboundMessage, status, detail string) {
	if r.log == nil {
		return
	}
	rec := domain.DeliveryRecord{
		ID:        uuid.NewString(),
		Direction: domain.DirectionInbound,
		Contact:   msg.SenderID,
		Status:    status,
		Attempts:  1,
		Error:     detail,
		CreatedAt: time.Now(),
	}
	if status == domain.StatusDropped {
		rec.Attempts = 0
	}
	if err := r.log.Record(ctx, rec); err != nil {
		r.logger.Warn("failed to record inbound outcome", "err", err)
	}
}

func (r *Relay) publish(msg domain.InboundMessage, status, detail string) {
	if r.events != nil {
		data := map[string]string{"senderId": msg.SenderID, "status": status}
		if detail != "" {
			data["error"] = detail
		}
		r.events.Publish(domain.Event{Type: domain.EventInbound, Timestamp: time.Now(), Data: data})
	}
}
