package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentic-research/citefold/internal/breakdown"
	"github.com/agentic-research/citefold/internal/config"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/store"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:           "citefold",
	Short:         "citefold: citation breakdown trees over a citation graph",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger = newLogger(cmd.ErrOrStderr(), cfg.Log.Format, cfg.LogLevel())
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openService wires the SQLite graph, its baselines and the tree stores into
// a breakdown service. close releases all of them.
func openService(ctx context.Context) (svc *breakdown.Service, closeFn func() error, err error) {
	g, err := graph.OpenSQLiteGraph(cfg.Graph.Path)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{g.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = closeAll()
		}
	}()

	base, err := g.LoadBaselines(ctx)
	if err != nil {
		return nil, nil, err
	}
	if base.Len() == 0 {
		logger.Warn("graph has no baselines; pruning ranks by link count only", "graph", cfg.Graph.Path)
	}

	stores, err := store.Open(ctx, cfg.Store(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open tree stores: %w", err)
	}
	closers = append(closers, stores.Close)

	registry, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	svc, err = breakdown.New(breakdown.Deps{
		Registry:  registry,
		Graph:     g,
		Labels:    g,
		Baselines: base,
		Full:      stores.Full,
		Pruned:    stores.Pruned,
		Logger:    logger,
	}, cfg.Breakdown())
	if err != nil {
		return nil, nil, err
	}
	return svc, closeAll, nil
}

// Execute runs the root command. An interrupt cancels the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
