package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketbridge/internal/browser"
	"ticketbridge/internal/bus"
	"ticketbridge/internal/delivery"
	"ticketbridge/internal/domain"
	"ticketbridge/internal/gateway"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/relay"
	"ticketbridge/internal/session"
	"ticketbridge/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge (WhatsApp session + relay + HTTP gateway)",
		Long:  "Opens the WhatsApp Web session, relays inbound messages to the backend and serves POST /send. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	log, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.New(64, logger)
	defer events.Close()

	// Delivery log (optional)
	var deliveries domain.DeliveryLog
	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("delivery log: %w", err)
		}
		defer st.Close()
		deliveries = st
	}

	engine := browser.NewWhatsAppWeb(browser.WhatsAppWebConfig{
		SessionName:  cfg.Session.Name,
		URL:          cfg.Session.URL,
		ProfileDir:   cfg.Session.ProfileDir,
		Headless:     cfg.Session.Headless,
		HelperScript: cfg.Session.HelperScript,
		LoginTimeout: cfg.Session.LoginTimeout(),
		Logger:       logger,
	})
	defer engine.Close()

	manager := session.NewManager(session.ManagerConfig{
		Engine: engine,
		Events: events,
		Logger: logger,
	})

	inbound := relay.New(relay.Config{
		IngestURL:     cfg.Backend.IngestURL,
		AuthToken:     cfg.Backend.AuthToken,
		LegacyPayload: cfg.Backend.LegacyPayload,
		Timeout:       cfg.Backend.Timeout(),
		Workers:       cfg.Relay.Workers,
		QueueSize:     cfg.Relay.QueueSize,
		Log:           deliveries,
		Events:        events,
		Logger:        logger,
	})
	inbound.Attach(engine)
	inbound.Start(ctx)

	pipeline := delivery.New(delivery.Config{
		Sessions:      manager,
		Readiness:     session.NewPoller(cfg.Session.ReadyInterval(), logger),
		ReadyTimeout:  cfg.Session.ReadyTimeout(),
		ContactSuffix: cfg.Session.ContactSuffix,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		BaseDelay:     cfg.Delivery.BaseDelay(),
		Serialize:     cfg.Delivery.Serialize,
		Logger:        logger,
	})

	gwCfg := gateway.Config{
		Addr:    cfg.Gateway.Addr(),
		Sender:  pipeline,
		Status:  manager,
		Publish: events,
		Log:     deliveries,
		Logger:  logger,
	}
	if cfg.Gateway.Events {
		gwCfg.Events = events
	}
	if cfg.Metrics.Enabled {
		gwCfg.Metrics = metrics.Collector.Handler()
		gwCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	server := gateway.New(gwCfg)

	// The gateway answers /send with 500 until the session connects.
	manager.Initialize(ctx)

	logger.Info("ticketbridge started", "version", version, "config", cfgPath, "addr", cfg.Gateway.Addr())

	gwErr := make(chan error, 1)
	go func() { gwErr <- server.Start(ctx) }()

	gatewayStopped := false
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err = <-gwErr:
		gatewayStopped = true
		if err != nil {
			logger.Error("gateway stopped", "err", err)
		}
		stop()
	}

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if !gatewayStopped {
			if gerr := <-gwErr; gerr != nil {
				logger.Warn("gateway shutdown", "err", gerr)
			}
		}
		inbound.Stop()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
	return err
}
