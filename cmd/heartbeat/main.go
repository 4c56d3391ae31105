// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command heartbeat starts the HeartBeat query orchestrator API server.
//
// The orchestrator answers natural-language hockey questions by routing
// each query across the knowledge index (Weaviate) and the processed stats
// tables (parquet via DuckDB), then synthesizing one citable response
// scoped to the caller's role.
//
// Usage:
//
//	go run ./cmd/heartbeat serve
//	go run ./cmd/heartbeat serve --config config.yaml --sessions sessions.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/health
//
//	# Ask a question
//	curl -X POST http://localhost:8080/v1/query \
//	  -H "Authorization: Bearer tok-coach" \
//	  -H "Content-Type: application/json" \
//	  -d '{"text": "How are our zone entries trending over the last 10 games?"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/heartbeat/services/orchestrator"
	"github.com/AleutianAI/heartbeat/services/orchestrator/auth"
	"github.com/AleutianAI/heartbeat/services/orchestrator/cache"
	"github.com/AleutianAI/heartbeat/services/orchestrator/config"
	"github.com/AleutianAI/heartbeat/services/orchestrator/conversation"
	"github.com/AleutianAI/heartbeat/services/orchestrator/datatypes"
	"github.com/AleutianAI/heartbeat/services/orchestrator/executor"
	"github.com/AleutianAI/heartbeat/services/orchestrator/intent"
	"github.com/AleutianAI/heartbeat/services/orchestrator/router"
	"github.com/AleutianAI/heartbeat/services/orchestrator/synthesizer"
	"github.com/AleutianAI/heartbeat/services/orchestrator/tools"
	"github.com/AleutianAI/heartbeat/services/orchestrator/tools/analytics"
	"github.com/AleutianAI/heartbeat/services/orchestrator/tools/knowledge"
)

var (
	configPath   string
	sessionsPath string
	debugMode    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "HeartBeat query orchestrator",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator API server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (optional, embedded defaults apply)")
	serveCmd.Flags().StringVar(&sessionsPath, "sessions", "", "Path to a YAML sessions file for local deployments")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging and request logging")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(debugMode)
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, err := loadSessions(logger)
	if err != nil {
		return err
	}
	guard := auth.NewGuard(sessions, cfg.Sessions.Timeout(), nil, logger)

	cacheStore, err := cache.Open(cfg.Cache.Dir, cfg.Cache.TTL(), logger)
	if err != nil {
		return fmt.Errorf("open result cache: %w", err)
	}
	defer func() { _ = cacheStore.Close() }()

	statsStore, err := analytics.OpenDuckStore(ctx, cfg.Data.ParquetDir, logger)
	if err != nil {
		return fmt.Errorf("open stats store: %w", err)
	}
	defer func() { _ = statsStore.Close() }()

	weaviateClient := weaviate.New(weaviate.Config{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
	})

	registry, err := tools.NewRegistry(
		analytics.NewTool(statsStore, analytics.Config{
			Timeout: cfg.Tools.Metrics.Timeout(),
			MaxRows: cfg.Tools.Metrics.MaxRowsPerQuery,
		}, logger),
		knowledge.NewTool(
			knowledge.NewWeaviateSearcher(weaviateClient, cfg.Tools.Knowledge.ClassName, logger),
			knowledge.Config{
				Timeout:        cfg.Tools.Knowledge.Timeout(),
				TopK:           cfg.Tools.Knowledge.TopK,
				ScoreThreshold: cfg.Tools.Knowledge.ScoreThreshold,
			}, logger),
	)
	if err != nil {
		return err
	}

	convs := conversation.NewStore(cfg.Conversation.MaxTurns, cfg.Conversation.TTL(), logger)
	go convs.StartJanitor(ctx, time.Minute)

	svc := orchestrator.NewService(
		guard,
		intent.NewClassifier(cfg.Pipeline.HistoryWindow, logger),
		router.NewPlanner(cfg.Pipeline.RequiredToolsPerCategory, logger),
		executor.New(registry, cacheStore, executor.Options{
			MaxConcurrent: cfg.Pipeline.MaxConcurrentTools,
			RetryCount:    cfg.Pipeline.RetryCount,
			RetryBackoff:  cfg.Pipeline.RetryBackoff(),
			RateLimits: map[string]float64{
				datatypes.ToolKnowledgeSearch: cfg.Tools.Knowledge.RateLimitPerSec,
				datatypes.ToolMetricQuery:     cfg.Tools.Metrics.RateLimitPerSec,
			},
		}, logger),
		synthesizer.New(logger),
		convs,
		cfg.Pipeline,
		logger,
	)

	handlers := orchestrator.NewHandlers(svc, map[string]orchestrator.ReadyCheck{
		"stats_store": statsStore.Ping,
		"knowledge_index": func(ctx context.Context) error {
			ready, err := weaviateClient.Misc().ReadyChecker().Do(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return errors.New("weaviate reports not ready")
			}
			return nil
		},
	})

	// W3C TraceContext propagation so trace ids flow in from callers and
	// through every pipeline span.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("heartbeat-orchestrator"))
	if debugMode {
		engine.Use(gin.Logger())
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	orchestrator.RegisterRoutes(engine.Group("/v1"), handlers)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HeartBeat orchestrator",
			slog.String("address", cfg.ListenAddr),
			slog.String("parquet_dir", cfg.Data.ParquetDir),
			slog.String("weaviate", cfg.Weaviate.Scheme+"://"+cfg.Weaviate.Host),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadSessions builds the session provider. With no sessions file the
// registry starts empty and every request is rejected until the external
// auth service is wired in; that is the safe default.
func loadSessions(logger *slog.Logger) (*auth.Registry, error) {
	if sessionsPath == "" {
		logger.Warn("no sessions file given; starting with an empty session registry")
		return auth.NewRegistry(), nil
	}
	registry, err := auth.LoadSessionsFile(sessionsPath)
	if err != nil {
		return nil, err
	}
	logger.Info("sessions loaded", slog.String("path", sessionsPath))
	return registry, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if v := os.Getenv("HEARTBEAT_LOG_LEVEL"); v != "" {
		switch strings.ToLower(v) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
