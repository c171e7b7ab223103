// Package gateway serves the bridge's HTTP API: the /send endpoint the
// ticketing backend calls, plus status, metrics and a websocket event feed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ticketbridge/internal/delivery"
	"ticketbridge/internal/domain"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/session"
)

const (
	maxBodyBytes   = 1 << 20
	requestIDKey   = "X-Request-ID"
	eventWriteWait = 10 * time.Second
)

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, destination, text string) (*delivery.Result, error)
}

type StatusSource interface {
	Status() session.Status
}

// EventSource hands out event subscriptions for the /events stream.
type EventSource interface {
	Subscribe() (<-chan domain.Event, func())
}

type Config struct {
	Addr    string
	Sender  Sender
	Status  StatusSource
	Events  EventSource           // nil disables /events
	Publish domain.EventPublisher // optional
	Log     domain.DeliveryLog    // optional

	Metrics     http.Handler // nil disables the metrics endpoint
	MetricsPath string

	Logger *slog.Logger
}

type Server struct {
	addr    string
	sender  Sender
	status  StatusSource
	events  EventSource
	publish domain.EventPublisher
	log     domain.DeliveryLog
	logger  *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// sendRequest accepts the original bridge's field names as aliases.
type sendRequest struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
	Numero      string `json:"numero"`
	Texto       string `json:"texto"`
}

func (r sendRequest) resolve() domain.OutboundRequest {
	out := domain.OutboundRequest{Destination: r.Destination, Text: r.Text}
	if strings.TrimSpace(out.Destination) == "" {
		out.Destination = r.Numero
	}
	if strings.TrimSpace(out.Text) == "" {
		out.Text = r.Texto
	}
	return out
}

type sendResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func New(cfg Config) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		addr:    cfg.Addr,
		sender:  cfg.Sender,
		status:  cfg.Status,
		events:  cfg.Events,
		publish: cfg.Publish,
		log:     cfg.Log,
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /send", s.handleSend)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	if cfg.Metrics != nil {
		s.mux.Handle("GET "+cfg.MetricsPath, cfg.Metrics)
	}
	if cfg.Events != nil {
		s.mux.HandleFunc("GET /events", s.handleEvents)
	}
	return s
}

// Handler returns the routed handler with request IDs and permissive CORS
// applied. Preflight requests are answered without reaching the routes.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDKey)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDKey, id)
		}
		rw.Header().Set(requestIDKey, id)

		h := rw.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", requestIDKey)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDKey)
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(rw, r)
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	metrics.SendRequests.Inc()
	reqID := r.Header.Get(requestIDKey)

	var body sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		metrics.SendRejected.Inc()
		s.logger.Warn("send rejected", "request_id", reqID, "err", err)
		writeError(rw, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req := body.resolve()
	if strings.TrimSpace(req.Destination) == "" || strings.TrimSpace(req.Text) == "" {
		metrics.SendRejected.Inc()
		s.logger.Warn("send rejected", "request_id", reqID, "err", "missing destination or text")
		writeError(rw, http.StatusBadRequest, "destination and text are required")
		return
	}

	// The caller hanging up must not abort a delivery already under way.
	ctx := context.WithoutCancel(r.Context())

	s.logger.Info("send requested", "request_id", reqID, "destination", req.Destination, "text_len", len(req.Text))
	res, err := s.sender.Send(ctx, req.Destination, req.Text)
	s.recordOutbound(ctx, reqID, req.Destination, res, err)

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrValidation) {
			status = http.StatusBadRequest
		}
		s.logger.Error("send failed", "request_id", reqID, "destination", req.Destination, "err", err)
		writeError(rw, status, err.Error())
		return
	}

	writeJSON(rw, http.StatusOK, sendResponse{Status: "ok", Result: res.Ack})
}

func (s *Server) recordOutbound(ctx context.Context, reqID, destination string, res *delivery.Result, err error) {
	rec := domain.DeliveryRecord{
		ID:        uuid.NewString(),
		Direction: domain.DirectionOutbound,
		Contact:   destination,
		Status:    domain.StatusDelivered,
		CreatedAt: time.Now(),
	}
	if res != nil {
		rec.Contact = res.Destination
		rec.Attempts = len(res.Attempts)
	}
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.Error = err.Error()
		var derr *delivery.Error
		if errors.As(err, &derr) {
			rec.Contact = derr.Destination
			rec.Attempts = len(derr.Attempts)
		}
	}

	if s.log != nil {
		if err := s.log.Record(ctx, rec); err != nil {
			s.logger.Warn("failed to record delivery", "request_id", reqID, "err", err)
		}
	}
	if s.publish != nil {
		s.publish.Publish(domain.Event{Type: domain.EventDelivery, Timestamp: rec.CreatedAt, Data: rec})
	}
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.status.Status())
}

func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Debug("events upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, release := s.events.Subscribe()
	defer release()

	metrics.EventClients.Inc()
	defer metrics.EventClients.Dec()
	s.logger.Info("events client connected", "remote", r.RemoteAddr)
	defer s.logger.Info("events client disconnected", "remote", r.RemoteAddr)

	// Clients only listen; reading detects when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	current := domain.Event{Type: domain.EventState, Timestamp: time.Now(), Data: s.status.Status()}
	if err := s.writeEvent(conn, current); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev domain.Event) error {
	conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Warn("events write failed", "err", err)
		}
		return err
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
