// Command bidflow runs the document analysis engine as an MCP stdio
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bidflow/bidflow/internal/chunker"
	"github.com/bidflow/bidflow/internal/embedding"
	"github.com/bidflow/bidflow/internal/engine"
	"github.com/bidflow/bidflow/internal/index"
	"github.com/bidflow/bidflow/internal/ingest"
	"github.com/bidflow/bidflow/internal/llm"
	"github.com/bidflow/bidflow/internal/logging"
	"github.com/bidflow/bidflow/internal/resilience"
	"github.com/bidflow/bidflow/internal/retrieval"
	"github.com/bidflow/bidflow/internal/scheduler"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/internal/tasks"
	"github.com/bidflow/bidflow/internal/validation"
	"github.com/bidflow/bidflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bidflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if cfg.GenAIAPIKey == "" {
		return errors.New("no API key configured (set BIDFLOW_GENAI_API_KEY or GEMINI_API_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	ix := index.New(st.DB(), logger)
	if err := ix.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure vector index: %w", err)
	}

	wrapper := resilience.NewWrapper(resilience.DefaultConfig(), logger)

	embedEngine, err := embedding.NewEngine(embedding.Config{
		GenAIAPIKey: cfg.GenAIAPIKey,
		GenAIModel:  cfg.EmbeddingModel,
	})
	if err != nil {
		return fmt.Errorf("embedding engine: %w", err)
	}
	embedder := embedding.NewCache(
		embedding.NewResilient(embedEngine, wrapper),
		time.Duration(cfg.CacheTTLHours)*time.Hour,
		10000,
		logger,
	)

	gen, err := llm.NewGenAIGenerator(cfg.GenAIAPIKey, cfg.GenerationModel)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	generator := llm.NewResilient(gen, wrapper)

	retriever := retrieval.New(st, ix, embedder, generator, retrieval.Config{
		LexicalWeight:  cfg.LexicalWeight,
		SemanticWeight: cfg.SemanticWeight,
	}, logger)

	checker, err := validation.New()
	if err != nil {
		return fmt.Errorf("output schemas: %w", err)
	}

	registry, err := tasks.NewRegistry(generator, retriever, checker, logger)
	if err != nil {
		return fmt.Errorf("task registry: %w", err)
	}

	execCfg := engine.DefaultConfig()
	execCfg.MaxWorkers = cfg.MaxWorkers
	exec := engine.New(st, registry, execCfg, logger)
	defer exec.Shutdown()

	ingestor := ingest.New(st, embedder, ix, chunker.Params{
		ChunkSize: cfg.ChunkSize,
		Overlap:   cfg.ChunkOverlap,
	}, logger)

	sched := scheduler.New(logger)
	maint := scheduler.NewMaintenance(st, embedder, embedder, ix, logger)
	if err := maint.Register(sched); err != nil {
		return fmt.Errorf("register maintenance jobs: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewBidflowServer(mcp.BidflowServerDeps{
		Engine:    exec,
		Store:     st,
		Retriever: retriever,
		Ingestor:  ingestor,
		Checker:   checker,
		Logger:    logger,
	})

	logger.Info("bidflow engine ready",
		"db", cfg.DBPath,
		"generation_model", cfg.GenerationModel,
		"embedding_model", cfg.EmbeddingModel,
	)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
