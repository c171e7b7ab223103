// Package browser drives a WhatsApp Web session in Chrome via chromedp.
package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"ticketbridge/internal/domain"
)

const (
	inboundBinding = "ticketbridgeInbound"
	stateBinding   = "ticketbridgeState"

	// chatListSelector only exists once the QR code has been scanned.
	chatListSelector = "#pane-side"
	qrSelector       = "canvas[aria-label]"

	defaultURL          = "https://web.whatsapp.com"
	defaultLoginTimeout = 5 * time.Minute

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

//go:embed scripts/hooks.js
var hooksScript string

// errNoPage is returned by calls made before Connect or after Close.
var errNoPage = errors.New("whatsapp web page not open")

type WhatsAppWebConfig struct {
	SessionName  string
	URL          string
	ProfileDir   string // Chrome user data directory, keeps the login across restarts
	Headless     bool
	HelperScript string // path to the WAPI bundle injected into every page load
	LoginTimeout time.Duration
	Logger       *slog.Logger
}

// WhatsAppWeb is a domain.SessionClient backed by a WhatsApp Web tab.
// Inbound messages and native status changes reach Go through runtime
// bindings called from the injected hook script.
type WhatsAppWeb struct {
	cfg    WhatsAppWebConfig
	logger *slog.Logger

	mu      sync.RWMutex
	tab     context.Context
	cancel  context.CancelFunc
	inbound []func(domain.InboundMessage)
	states  []func(string)
}

var _ domain.SessionClient = (*WhatsAppWeb)(nil)

func NewWhatsAppWeb(cfg WhatsAppWebConfig) *WhatsAppWeb {
	if cfg.SessionName == "" {
		cfg.SessionName = "default"
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = defaultProfileDir(cfg.SessionName)
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	return &WhatsAppWeb{cfg: cfg, logger: cfg.Logger}
}

func defaultProfileDir(session string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ticketbridge", "profiles", session)
	}
	return filepath.Join(home, ".ticketbridge", "profiles", session)
}

func (w *WhatsAppWeb) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(w.cfg.ProfileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if w.cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// pageScripts returns the scripts injected on every document load: the WAPI
// bundle when configured, then the hooks that feed the bindings.
func (w *WhatsAppWeb) pageScripts() ([]string, error) {
	var scripts []string
	if w.cfg.HelperScript != "" {
		data, err := os.ReadFile(w.cfg.HelperScript)
		if err != nil {
			return nil, fmt.Errorf("read helper script: %w", err)
		}
		scripts = append(scripts, string(data))
	}
	return append(scripts, hooksScript), nil
}

// Connect launches Chrome, opens WhatsApp Web and waits until the chat list
// is visible, which requires a QR scan on first use of the profile. The
// browser lives until ctx ends or Close is called.
func (w *WhatsAppWeb) Connect(ctx context.Context) error {
	scripts, err := w.pageScripts()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, w.allocatorOptions()...)
	tab, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	chromedp.ListenTarget(tab, w.onTargetEvent)

	w.logger.Info("opening whatsapp web", "session", w.cfg.SessionName, "url", w.cfg.URL, "profile", w.cfg.ProfileDir)

	err = chromedp.Run(tab,
		runtime.AddBinding(inboundBinding),
		runtime.AddBinding(stateBinding),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, src := range scripts {
				if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx); err != nil {
					return err
				}
			}
			return nil
		}),
		chromedp.Navigate(w.cfg.URL),
		chromedp.WaitReady("body"),
	)
	if err != nil {
		cancel()
		return fmt.Errorf("open whatsapp web: %w", err)
	}

	if err := w.waitForLogin(tab); err != nil {
		cancel()
		return err
	}

	w.mu.Lock()
	w.tab, w.cancel = tab, cancel
	w.mu.Unlock()

	w.logger.Info("whatsapp web session ready", "session", w.cfg.SessionName)
	return nil
}

func (w *WhatsAppWeb) waitForLogin(tab context.Context) error {
	var needsScan bool
	if err := chromedp.Run(tab, chromedp.Evaluate(
		fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(qrSelector)), &needsScan)); err == nil && needsScan {
		w.logger.Warn("whatsapp web is showing a QR code; scan it from the phone to link this session",
			"timeout", w.cfg.LoginTimeout)
	}

	loginCtx, cancel := context.WithTimeout(tab, w.cfg.LoginTimeout)
	defer cancel()
	if err := chromedp.Run(loginCtx, chromedp.WaitVisible(chatListSelector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("whatsapp web login not completed within %s: %w", w.cfg.LoginTimeout, err)
	}
	return nil
}

// Close shuts the browser down.
func (w *WhatsAppWeb) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	w.tab, w.cancel = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (w *WhatsAppWeb) tabContext() (context.Context, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.tab == nil {
		return nil, errNoPage
	}
	return w.tab, nil
}

// evaluate runs expr in the page, awaiting promises, bounded by ctx.
func (w *WhatsAppWeb) evaluate(ctx context.Context, expr string, out any) error {
	tab, err := w.tabContext()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, chromedp.Evaluate(expr, out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
}

func (w *WhatsAppWeb) IsConnected(ctx context.Context) (bool, error) {
	var ok bool
	if err := w.evaluate(ctx, isConnectedExpr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (w *WhatsAppWeb) ProbeReady(ctx context.Context) (bool, error) {
	var ok bool
	if err := w.evaluate(ctx, probeReadyExpr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// SendText sends through WAPI.sendMessage and returns whatever the page
// resolved with, as JSON.
func (w *WhatsAppWeb) SendText(ctx context.Context, destination, text string) (json.RawMessage, error) {
	var ack string
	if err := w.evaluate(ctx, sendTextExpr(destination, text), &ack); err != nil {
		return nil, fmt.Errorf("send to %s: %w", destination, err)
	}
	return normalizeAck(ack), nil
}

func (w *WhatsAppWeb) SubscribeInbound(handler func(domain.InboundMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inbound = append(w.inbound, handler)
}

func (w *WhatsAppWeb) SubscribeState(handler func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states = append(w.states, handler)
}

func (w *WhatsAppWeb) onTargetEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		w.onBinding(e.Name, e.Payload)
	case *inspector.EventTargetCrashed:
		w.logger.Error("whatsapp web tab crashed", "session", w.cfg.SessionName)
		w.emitState("UNLAUNCHED")
	}
}

func (w *WhatsAppWeb) onBinding(name, payload string) {
	switch name {
	case inboundBinding:
		msg, err := parseInbound(payload)
		if err != nil {
			w.logger.Warn("unreadable inbound payload", "err", err)
			return
		}
		w.mu.RLock()
		handlers := append([]func(domain.InboundMessage){}, w.inbound...)
		w.mu.RUnlock()
		for _, h := range handlers {
			h(msg)
		}
	case stateBinding:
		w.emitState(payload)
	}
}

func (w *WhatsAppWeb) emitState(status string) {
	w.mu.RLock()
	handlers := append([]func(string){}, w.states...)
	w.mu.RUnlock()
	for _, h := range handlers {
		h(status)
	}
}

type inboundPayload struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	IsGroup   bool   `json:"isGroup"`
	Timestamp int64  `json:"timestamp"`
}

func parseInbound(payload string) (domain.InboundMessage, error) {
	var p inboundPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return domain.InboundMessage{}, fmt.Errorf("decode inbound: %w", err)
	}
	if p.From == "" {
		return domain.InboundMessage{}, errors.New("inbound message without sender")
	}
	ts := time.Now()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0)
	}
	return domain.InboundMessage{
		SenderID:  p.From,
		Body:      p.Body,
		IsGroup:   p.IsGroup || strings.HasSuffix(p.From, "@g.us"),
		Timestamp: ts,
	}, nil
}

const (
	probeReadyExpr = `!!(window.WAPI && (window.WAPI.getMaybeMeUser || window.WAPI.getMeUser))`

	isConnectedExpr = `(function () {
	if (window.WAPI && typeof window.WAPI.isConnected === 'function') {
		return !!window.WAPI.isConnected();
	}
	return navigator.onLine && document.querySelector('` + chatListSelector + `') !== null;
})()`
)

func sendTextExpr(destination, text string) string {
	return fmt.Sprintf(`(async function () {
	if (!window.WAPI || typeof window.WAPI.sendMessage !== 'function') {
		throw new Error('WAPI.sendMessage unavailable');
	}
	const ack = await window.WAPI.sendMessage(%s, %s);
	return JSON.stringify(ack === undefined ? null : ack);
})()`, jsString(destination), jsString(text))
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func normalizeAck(ack string) json.RawMessage {
	if ack == "" || !json.Valid([]byte(ack)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(ack)
}
