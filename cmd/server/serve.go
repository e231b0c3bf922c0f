package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/lelo-bot/internal/agent"
	"github.com/ashureev/lelo-bot/internal/api"
	"github.com/ashureev/lelo-bot/internal/backoff"
	"github.com/ashureev/lelo-bot/internal/browser"
	"github.com/ashureev/lelo-bot/internal/chat"
	"github.com/ashureev/lelo-bot/internal/config"
	"github.com/ashureev/lelo-bot/internal/console"
	"github.com/ashureev/lelo-bot/internal/events"
	"github.com/ashureev/lelo-bot/internal/middleware"
	"github.com/ashureev/lelo-bot/internal/probe"
	"github.com/ashureev/lelo-bot/internal/session"
	"github.com/ashureev/lelo-bot/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session supervisor and the operator API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// serveDeps holds the collaborators runServe builds from config when unset.
type serveDeps struct {
	factory session.Factory
}

func runServe(parent context.Context) error {
	return serve(parent, serveDeps{})
}

// serve runs until a signal, a session failure or a server error. A failed
// release step during shutdown turns a clean stop into an error.
//
//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(parent context.Context, deps serveDeps) (err error) {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	slog.Info("Starting server", "port", cfg.Port, "provider", cfg.Generator.Provider)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credential store. Unreachable at startup is fatal.
	kv, err := store.NewSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		slog.Error("Failed to initialize credential store", "error", err)
		return err
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close credential store", "error", closeErr)
			if err == nil {
				err = fmt.Errorf("close credential store: %w", closeErr)
			}
		}
	}()
	slog.Info("Credential store connected", "path", cfg.DBPath)

	creds := store.NewCredentialAdapter(kv, cfg.SessionKey, logger)

	// Text generation.
	gen, err := agent.NewEinoGenerator(ctx, agent.ProviderConfig{
		Provider: cfg.Generator.Provider,
		APIKey:   cfg.Generator.APIKey,
		Model:    cfg.Generator.Model,
		BaseURL:  cfg.Generator.BaseURL,
	})
	if err != nil {
		slog.Error("Failed to initialize generator", "error", err)
		return err
	}
	slog.Info("Generator initialized", "provider", cfg.Generator.Provider, "model", gen.Model())

	policy := backoff.Policy{
		Base:      cfg.Session.BackoffBase,
		Cap:       cfg.Session.BackoffCap,
		JitterMax: cfg.Session.BackoffJitter,
	}
	client := agent.NewClient(gen, agent.ClientConfig{
		Timeout:    cfg.Generator.Timeout,
		MaxRetries: cfg.Generator.MaxRetries,
		Backoff:    policy,
	}, logger)

	hub := events.NewHub(logger)
	defer func() {
		if closeErr := hub.Close(); closeErr != nil {
			slog.Debug("Failed to close event hub", "error", closeErr)
		}
	}()

	rebuildPolicy := session.ResumeStored
	if cfg.Session.RebuildPolicy == config.RebuildRepair {
		rebuildPolicy = session.RepairOnRebuild
	}

	factory := deps.factory
	if factory == nil {
		factory = browser.NewFactory(browser.Config{
			Bin:      cfg.Browser.Bin,
			Headless: cfg.Browser.Headless,
			URL:      cfg.Browser.URL,
		}, logger)
	}

	sup, err := session.New(session.Options{
		Factory:         factory,
		Credentials:     creds,
		ReconnectBudget: cfg.Session.ReconnectBudget,
		Backoff:         policy,
		RebuildPolicy:   rebuildPolicy,
		Publisher:       hub,
		PairingDisplay:  console.NewQRPrinter(os.Stdout, logger).Show,
		Logger:          logger,
	})
	if err != nil {
		slog.Error("Failed to initialize supervisor", "error", err)
		return err
	}
	sup.SetMessageHandler(chat.NewDispatcher(sup, client, logger))

	// Periodic workers. The watchdog pauses the heartbeat around rebuilds.
	var heartbeat session.Worker
	if cfg.HeartbeatEnabled() {
		heartbeat = session.NewHeartbeat(sup, session.HeartbeatConfig{
			Interval: cfg.Session.HeartbeatInterval,
			Address:  cfg.Session.HeartbeatAddress,
			Message:  cfg.Session.HeartbeatMessage,
		}, logger)
	} else {
		slog.Info("Heartbeat disabled (HEARTBEAT_ADDRESS not set)")
	}
	watchdog := session.NewWatchdog(sup, sup, heartbeat, cfg.Session.WatchdogInterval, hub, logger)
	sup.AttachWorkers(watchdog)
	if heartbeat != nil {
		sup.AttachWorkers(heartbeat)
	}

	// Operator API.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	api.NewHandler(sup, kv, hub, cfg.CORSOrigins, logger).RegisterRoutes(r)

	// WriteTimeout stays 0 for the websocket event stream.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var health *probe.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "addr", cfg.GRPCHealthAddr, "error", err)
			return err
		}
		health = probe.NewServer(logger)
		if err := health.Follow(ctx, hub); err != nil {
			_ = lis.Close()
			return err
		}
		go func() {
			if err := health.Serve(lis); err != nil {
				serveErr <- err
			}
		}()
	}

	var once sync.Once
	shutdown := func() error {
		var errs []error
		once.Do(func() {
			slog.Info("Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := sup.Shutdown(shutdownCtx); err != nil {
				slog.Error("Session shutdown failed", "error", err)
				errs = append(errs, fmt.Errorf("session shutdown: %w", err))
			}
			if health != nil {
				health.Stop()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("Server forced to shutdown", "error", err)
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
			slog.Info("Server stopped")
		})
		return errors.Join(errs...)
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in run loop", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		if shutdownErr := shutdown(); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	if err := sup.Start(ctx); err != nil {
		slog.Error("Failed to start session", "error", err)
		return err
	}
	slog.Info("Session supervisor started")

	select {
	case <-ctx.Done():
		stop()
		slog.Info("Shutdown signal received")
		return nil
	case <-sup.Done():
		err := sup.Err()
		slog.Error("Session failed, exiting", "error", err)
		return err
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		return err
	}
}
