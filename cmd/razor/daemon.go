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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/audit"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/config"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/controlplane"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/duplicate"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/llm/ollama"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/lock"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/logging"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/queue"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/runner"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/store"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/undo"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vault"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/vector"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/watch"
	"github.com/zxmengde/obsidian-cognitive-razor-sub001/internal/workflow"
)

var (
	listenAddr string
	vaultDir   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the razor daemon",
	Long: `Starts the razor daemon: the HTTP API, the task runner and the vault
watcher. Queue, snapshots, vectors and duplicate pairs live in SQLite under
data_dir.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides server.addr)")
	daemonCmd.Flags().StringVar(&vaultDir, "vault", "", "Vault directory (overrides vault_dir)")
}

const shutdownTimeout = 30 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if vaultDir != "" {
		cfg.VaultDir = vaultDir
	}
	if !cmd.Flags().Changed("log-level") && !verbose && cfg.LogLevel != "" {
		if l, err := logging.New(cfg.LogLevel, false); err == nil {
			logger = l
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting razor daemon",
		zap.String("version", Version),
		zap.String("vault", cfg.VaultDir),
		zap.String("db", cfg.DBPath()))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.New(cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("closing database connection")
		if err := s.Close(); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}()

	v, err := vault.New(cfg.VaultDir)
	if err != nil {
		return err
	}

	q := queue.New(cfg.Queue, lock.NewManager(), s, logger.Named("queue"))
	if err := q.Initialize(ctx); err != nil {
		return err
	}
	snapshots := undo.New(s, v, cfg.Undo.MaxSnapshots, logger.Named("undo"))
	index := vector.NewIndex(s)
	if err := index.Load(ctx); err != nil {
		return err
	}
	registry := duplicate.NewRegistry(s)
	if err := registry.Load(ctx); err != nil {
		return err
	}

	model, err := ollama.New(cfg.LLM.Host, cfg.LLM.ChatModel, cfg.LLM.EmbedModel)
	if err != nil {
		return err
	}
	if err := model.Heartbeat(ctx); err != nil {
		logger.Warn("ollama unreachable, tasks will retry until it is up", zap.Error(err))
	}

	r := runner.New(q, cfg.Retry, runner.Config{
		PollInterval:  cfg.Runner.PollInterval,
		TaskTimeout:   cfg.Runner.TaskTimeout,
		LockWarnAfter: cfg.Runner.LockWarnAfter,
	}, logger.Named("runner"))
	wf, err := workflow.New(workflow.Deps{
		Generator: model,
		Embedder:  model,
		Files:     v,
		Undo:      snapshots,
		Index:     index,
		Registry:  registry,
		Threshold: cfg.Duplicates.Threshold,
		TopK:      cfg.Duplicates.TopK,
		Logger:    logger.Named("workflow"),
	})
	if err != nil {
		return err
	}
	if err := wf.Register(r); err != nil {
		return err
	}

	service := controlplane.NewService(q, snapshots, index, registry, audit.NewPDRWriter(s), logger.Named("api"))
	server := controlplane.NewServer(service, s, cfg.Server.Addr, logger.Named("http"))
	server.SetVersion(Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API listening", zap.String("addr", cfg.Server.Addr))
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.Run(gctx)
	})
	if cfg.Watch.Enabled {
		w := watch.New(cfg.Watch, v, index, registry, logger.Named("watch"))
		g.Go(func() error {
			// Losing the watcher only delays index cleanup.
			if err := w.Run(gctx); err != nil {
				logger.Warn("vault watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("daemon stopped with error", zap.Error(runErr))
	}

	// The signal context is done; state is flushed on a fresh one.
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := q.Close(flushCtx); err != nil {
		logger.Error("flush queue", zap.Error(err))
	}
	if err := index.Persist(flushCtx); err != nil {
		logger.Error("flush vector index", zap.Error(err))
	}
	if err := registry.Persist(flushCtx); err != nil {
		logger.Error("flush duplicate registry", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return runErr
}
