package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/smartobjectoriented/soo/database"
	"github.com/smartobjectoriented/soo/internal/config"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/repository"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/router"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/service"
	"github.com/smartobjectoriented/soo/internal/microservices/tcp"
	"github.com/smartobjectoriented/soo/internal/microservices/websocket"
)

const (
	shutdownTimeout   = 10 * time.Second
	observerQueueSize = 4096
)

func main() {
	// Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Setup structured logging
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// background workers started below; waited on during shutdown
	var workers sync.WaitGroup
	goWorker := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	var observers []tcp.Observer

	// Redis presence, optional
	var (
		presence      *tcp.PresenceRedisRepo
		presenceQueue *tcp.AsyncObserver
	)
	if cfg.RedisURL != "" {
		presence, err = tcp.NewPresenceRedisRepo(cfg.RedisURL, cfg.RedisPassword, tcp.PresenceTTL(cfg.IdleTimeout))
		if err != nil {
			logger.Error("redis_unavailable", "error", err.Error())
			os.Exit(1)
		}
		presenceQueue = tcp.NewAsyncObserver("presence", presence, observerQueueSize)
		goWorker(func() { presenceQueue.Run(ctx) })
		observers = append(observers, presenceQueue)
		logger.Info("presence_enabled")
	}

	// Postgres session audit, optional
	var (
		sessions repository.SessionRepository
		auditor  *tcp.SessionAuditor
		pgRepo   *tcp.SessionPostgresRepo
	)
	if cfg.DatabaseURL != "" {
		db, err := database.ConnectDB(cfg, logger)
		if err != nil {
			logger.Error("database_unavailable", "error", err.Error())
			os.Exit(1)
		}
		defer database.CloseDB(db)

		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database_unavailable", "error", err.Error())
			os.Exit(1)
		}
		pgRepo = tcp.NewSessionPostgresRepo(pool)

		sessions = repository.NewSessionRepository(db)
		auditor = tcp.NewSessionAuditor(pgRepo, cfg.AuditBatchSize, cfg.AuditFlushInterval)
		observers = append(observers, auditor)
		logger.Info("session_audit_enabled",
			"batch_size", cfg.AuditBatchSize,
			"flush_interval", cfg.AuditFlushInterval.String(),
		)
	}

	// Monitor hub, only useful behind the admin API
	var hub *websocket.Hub
	if cfg.AdminEnabled {
		hub = websocket.NewHub(logger)
		goWorker(func() { hub.Run(ctx) })
		observers = append(observers, hub)
	}

	server := tcp.NewServer(cfg.RelayAddr(), tcp.ServerOptions{
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxPayload:   uint32(cfg.MaxPayloadSize),
		AcceptRate:   cfg.AcceptRate,
		AcceptBurst:  cfg.AcceptBurst,
		Logger:       logger,
	}, observers...)
	if presenceQueue != nil {
		server.Stats.TrackDrops("presence", presenceQueue)
	}
	if auditor != nil {
		server.Stats.TrackDrops("session_audit", auditor)
	}
	if hub != nil {
		server.Stats.TrackDrops("monitor", hub)
	}

	if err := server.Listen(); err != nil {
		logger.Error("relay_listen_failed", "error", err.Error())
		os.Exit(1)
	}
	server.Stats.StartReporter(ctx, cfg.StatsInterval, logger)

	// the auditor flushes its last batch once ctx is cancelled
	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()
	if auditor != nil {
		goWorker(func() { auditor.StartBatchWriter(auditCtx) })
	}

	errChan := make(chan error, 2)
	go func() {
		if err := server.Serve(ctx); err != nil && !errors.Is(err, tcp.ErrServerClosed) {
			errChan <- err
		}
	}()

	var admin *router.Server
	if cfg.AdminEnabled {
		var presenceSource service.PresenceSource
		if presence != nil {
			presenceSource = presence
		}
		admin = router.NewServer(cfg.AdminAddr(), router.Deps{
			Auth:   service.NewAuthService(cfg),
			Relay:  service.NewRelayService(server.Manager, server.Stats, presenceSource, sessions),
			Hub:    hub,
			Logger: logger,
		})
		go func() {
			if err := admin.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	logger.Info("relay_started",
		"relay_addr", server.ListenAddr().String(),
		"idle_timeout_ms", cfg.IdleTimeout.Milliseconds(),
		"admin_enabled", cfg.AdminEnabled,
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("received_shutdown_signal", "signal", sig.String())
	case err := <-errChan:
		logger.Error("server_error", "error", err.Error())
		exitCode = 1
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin_shutdown_failed", "error", err.Error())
		}
	}
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("relay_shutdown_incomplete", "error", err.Error())
	}

	// disconnect events from Stop are queued by now
	cancel()
	stopAudit()
	workers.Wait()

	if pgRepo != nil {
		pgRepo.Close()
	}
	if presence != nil {
		presence.Close()
	}

	logger.Info("server_stopped_gracefully")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
