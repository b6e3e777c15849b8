package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/leadflow/internal/ai"
	"github.com/nextlevelbuilder/leadflow/internal/bridge"
	"github.com/nextlevelbuilder/leadflow/internal/bus"
	"github.com/nextlevelbuilder/leadflow/internal/config"
	"github.com/nextlevelbuilder/leadflow/internal/gateway"
	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/platform/graph"
	"github.com/nextlevelbuilder/leadflow/internal/store"
	"github.com/nextlevelbuilder/leadflow/internal/store/pg"
	"github.com/nextlevelbuilder/leadflow/internal/store/sqlite"
	"github.com/nextlevelbuilder/leadflow/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway and conversation bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	mb := bus.NewMessageBus()
	resolver := platform.NewResolver(stores.Accounts)

	graphClient := graph.NewClient(graph.Config{
		BaseURL:           cfg.Graph.BaseURL,
		InstagramBaseURL:  cfg.Graph.InstagramBaseURL,
		APIVersion:        cfg.Graph.APIVersion,
		Timeout:           time.Duration(cfg.Graph.TimeoutSec) * time.Second,
		RequestsPerSecond: cfg.Graph.RequestsPerSecond,
		Burst:             cfg.Graph.Burst,
	})

	aiClient := ai.NewOpenAIClient(ai.Config{
		APIKey:      cfg.AI.APIKey,
		APIBase:     cfg.AI.APIBase,
		AssistantID: cfg.AI.AssistantID,
		RatingModel: cfg.AI.RatingModel,
	})

	br := bridge.New(bridge.Config{
		MaxBatch:             cfg.Bot.MaxBatch,
		StaleAge:             cfg.Bot.StaleAge(),
		SweepInterval:        cfg.Bot.SweepInterval(),
		CompletionTimeout:    cfg.Bot.CompletionDeadline(),
		FallbackFirstMessage: cfg.Bot.FallbackFirstMessage,
		FallbackEndMessage:   cfg.Bot.FallbackEndMessage,
		DefaultMaxMessages:   cfg.Bot.DefaultMaxMessages,
	}, resolver, graphClient, aiClient, aiClient, stores, mb)

	gw := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		VerifyToken:  cfg.Gateway.VerifyToken,
		AppSecret:    cfg.Gateway.AppSecret,
		RateLimitRPM: cfg.Gateway.RateLimitRPM,
	}, mb, mb)

	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		br.ApplyRuntimeConfig(next.Bot.FallbackFirstMessage,
			next.Bot.FallbackEndMessage, next.Bot.DefaultMaxMessages)
	}); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	slog.Info("starting leadflow", "version", Version,
		"storage", storageMode(cfg), "addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(ctx) })
	g.Go(func() error { return br.Start(ctx, mb) })
	return g.Wait()
}

// openStores picks the backend: Postgres when a DSN is present, the
// embedded SQLite file otherwise.
func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.Database.SQLitePath,
	}
	if sc.PostgresDSN != "" {
		return pg.NewPGStores(sc)
	}
	return sqlite.NewSQLiteStores(sc)
}

func storageMode(cfg *config.Config) string {
	if cfg.Database.PostgresDSN != "" {
		return "postgres"
	}
	return "sqlite"
}
