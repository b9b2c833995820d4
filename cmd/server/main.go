package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/warden/internal/cleanup"
	"github.com/HyphaGroup/warden/internal/config"
	"github.com/HyphaGroup/warden/internal/httpapi"
	"github.com/HyphaGroup/warden/internal/logger"
	"github.com/HyphaGroup/warden/internal/mcpserver"
	"github.com/HyphaGroup/warden/internal/sandbox/docker"
	"github.com/HyphaGroup/warden/internal/session"
	"github.com/HyphaGroup/warden/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config", ".", "Directory containing warden.jsonc")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden %s\n", Version)
		return
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.LogDir, cfg.LogJSON); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	slog := logger.Slog()
	slog.Info("warden starting", "version", Version, "address", cfg.Server.Address)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()
	slog.Info("session store ready", "path", cfg.Store.Path)

	runtime, err := docker.NewRuntime(docker.Options{
		Image:  cfg.Sandbox.Image,
		Memory: cfg.Sandbox.Memory,
		CPUs:   cfg.Sandbox.CPUs,
	})
	if err != nil {
		slog.Error("failed to initialize sandbox runtime", "error", err)
		os.Exit(1)
	}
	defer func() { _ = runtime.Close() }()

	ctx := context.Background()
	if err := runtime.Ping(ctx); err != nil {
		slog.Error("sandbox runtime unreachable", "error", err)
		os.Exit(1)
	}
	slog.Info("sandbox runtime connected", "runtime", runtime.Name(), "image", cfg.Sandbox.Image)

	svc := session.NewService(st, runtime, session.Config{
		ExecutionTimeout: cfg.ExecutionTimeout(),
		InterruptGrace:   cfg.InterruptGrace(),
		ShallowClone:     cfg.Session.ShallowClone,
		GitToken:         cfg.Session.GitToken,
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.Session.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			Factor:      2,
		},
	})

	sweeper := cleanup.New(st, cleanup.Config{
		Schedule:       cfg.Cleanup.Schedule,
		StaleHeartbeat: cfg.StaleHeartbeatCutoff(),
		Retention:      time.Duration(cfg.Cleanup.RetentionDays) * 24 * time.Hour,
	})
	if err := sweeper.Start(); err != nil {
		slog.Error("failed to start cleanup sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	limiter := httpapi.NewRateLimiter(cfg.Server.RatePerMinute, cfg.Server.RateBurst)
	api := httpapi.NewServer(svc, st, runtime, limiter)
	mcpSrv := mcpserver.New(svc)

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv.Handler())
	mux.Handle("/mcp/", mcpSrv.Handler())
	mux.Handle("/", api.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	slog.Info("warden listening",
		"address", cfg.Server.Address,
		"api", "/v1/sessions",
		"mcp", "/mcp",
		"metrics", "/metrics")

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-shutdownChan:
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("forced shutdown", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
