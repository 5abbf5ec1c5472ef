// Package main is the entry point for the chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coachhub/chat-realtime/internal/config"
	"github.com/coachhub/chat-realtime/internal/handler"
	natsclient "github.com/coachhub/chat-realtime/internal/nats"
	"github.com/coachhub/chat-realtime/internal/presence"
	"github.com/coachhub/chat-realtime/internal/realtime"
	"github.com/coachhub/chat-realtime/internal/service"
	"github.com/coachhub/chat-realtime/internal/store"
	"github.com/coachhub/chat-realtime/pkg/logger"
	"github.com/coachhub/chat-realtime/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting chat server")

	// Initialize tracing if enabled
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-realtime", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	checks := map[string]handler.Pinger{}
	var hubOpts []realtime.HubOption
	var auditor service.Auditor
	var auditReader handler.AuditReader

	// Connect to NATS when running more than one instance
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "chat-realtime",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		hubOpts = append(hubOpts, realtime.WithBroker(natsclient.NewBus(natsClient, log)))
		checks["nats"] = handler.PingFunc(func(ctx context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		if cfg.AuditEnabled {
			audit := natsclient.NewAuditStream(natsClient)
			if err := audit.EnsureStream(ctx); err != nil {
				log.Error("failed to ensure audit stream", zap.Error(err))
				os.Exit(1)
			}
			auditor = audit
			auditReader = audit
		}
	} else {
		log.Info("NATS_URL not set, running as a single instance")
	}

	// Shared presence counts
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		mirror := presence.NewRedisStore(rdb, "")
		if err := mirror.Ping(ctx); err != nil {
			log.Warn("redis unavailable at startup, presence falls back to local counts", zap.Error(err))
		}
		hubOpts = append(hubOpts, realtime.WithPresenceMirror(mirror))
		checks["redis"] = mirror
	}

	// Realtime hub and services
	st := store.NewMemory()

	var conversationSvc *service.ConversationService
	hub := realtime.NewHub(realtime.HubConfig{
		SendBufferSize:    cfg.SendBufferSize,
		InboundRatePerSec: cfg.InboundRatePerSec,
		InboundBurst:      cfg.InboundBurst,
	}, realtime.CheckerFunc(func(ctx context.Context, conversationID, userID string) (bool, error) {
		return conversationSvc.IsParticipant(ctx, conversationID, userID)
	}), log, hubOpts...)

	dispatcher := realtime.NewDispatcher(hub)
	conversationSvc = service.NewConversationService(st, dispatcher, log)
	messageSvc := service.NewMessageService(st, conversationSvc, dispatcher, auditor, cfg.DeletedPlaceholder, log)

	if err := hub.Start(ctx); err != nil {
		log.Error("failed to start realtime hub", zap.Error(err))
		os.Exit(1)
	}

	gateway := realtime.NewGateway(hub, realtime.GatewayConfig{
		WriteWait:      cfg.WSWriteWait,
		PongWait:       cfg.WSPongWait,
		MaxMessageSize: cfg.WSMaxMessageSize,
		PollTimeout:    cfg.PollTimeout,
		PollIdle:       cfg.PollSessionIdle,
		CheckOrigin:    func(r *http.Request) bool { return true },
	}, log)
	go gateway.RunJanitor(ctx)

	// Initialize handlers
	routes := handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(checks),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		Presence:          handler.NewPresenceHandler(hub),
		Realtime:          handler.NewRealtimeHandler(gateway, log),
	}
	if auditReader != nil {
		routes.Audit = handler.NewAuditHandler(auditReader, log)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(routes, log),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	stop()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("realtime hub shutdown failed", zap.Error(err))
	}

	log.Info("server stopped")
}
