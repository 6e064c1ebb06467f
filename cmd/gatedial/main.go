package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatedial/gatedial/internal/api"
	"github.com/gatedial/gatedial/internal/config"
	"github.com/gatedial/gatedial/internal/metrics"
	"github.com/gatedial/gatedial/internal/sipcall"
	"github.com/gatedial/gatedial/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()

	slog.Info("starting gatedial",
		"http_port", cfg.HTTPPort,
		"sip_server", cfg.SIPServer,
		"gate_number", cfg.GateNumber,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	attempts := store.NewAttemptRepo(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	account := sipcall.AccountConfig{
		Server:         cfg.SIPServer,
		Port:           cfg.SIPPort,
		Transport:      cfg.SIPTransport,
		Username:       cfg.SIPUsername,
		Password:       cfg.SIPPassword,
		AuthUsername:   cfg.SIPAuthUser,
		CallerID:       cfg.CallerID,
		Register:       cfg.Register,
		RegisterExpiry: cfg.RegisterExpiry,
		LocalIP:        cfg.LocalAddr(),
		LocalPort:      cfg.LocalSIPPort,
	}
	target := sipcall.GateTarget{
		Number:      cfg.GateNumber,
		MaxRings:    cfg.MaxRings,
		CallTimeout: cfg.CallDeadline(),
	}
	if err := target.Validate(); err != nil {
		slog.Error("invalid gate target", "error", err)
		os.Exit(1)
	}

	// SIP endpoint.
	sipClient, err := sipcall.NewClient(account, logger)
	if err != nil {
		slog.Error("failed to create sip client", "error", err)
		os.Exit(1)
	}
	if err := sipClient.Start(appCtx); err != nil {
		slog.Error("failed to start sip client", "error", err)
		os.Exit(1)
	}

	registrar := sipcall.NewRegistrar(account, sipClient, logger)
	controller := sipcall.NewController(sipClient, registrar, attempts, account, target, logger)

	// Register eagerly so the first trigger doesn't pay the round-trip.
	if cfg.Register {
		regCtx, regCancel := context.WithTimeout(appCtx, 15*time.Second)
		if err := registrar.EnsureRegistered(regCtx); err != nil {
			slog.Warn("initial registration failed, will retry on first call", "error", err)
		}
		regCancel()
	}

	// Prometheus registry with process/go collectors plus our own.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(attempts, registrar, controller.Notifier(), controller, startTime),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(controller, attempts, cfg, jwtSecret,
		promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
		// The trigger endpoint blocks for the full call, so the write
		// timeout must exceed the call deadline.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.CallDeadline() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")

	if cfg.Register {
		if err := registrar.Unregister(ctx); err != nil {
			slog.Warn("unregister on shutdown failed", "error", err)
		}
	}
	sipClient.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("gatedial stopped")
}
