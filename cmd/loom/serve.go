package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	httpserver "github.com/loomchat/loom/internal/adapters/http"
	"github.com/loomchat/loom/internal/adapters/id"
	"github.com/loomchat/loom/internal/adapters/inmem"
	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/adapters/metrics"
	"github.com/loomchat/loom/internal/adapters/postgres"
	"github.com/loomchat/loom/internal/auth"
	"github.com/loomchat/loom/internal/config"
	"github.com/loomchat/loom/internal/history"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/presence"
	"github.com/loomchat/loom/internal/ratelimit"
	"github.com/loomchat/loom/internal/registry"
	"github.com/loomchat/loom/internal/session"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	var telemetry ports.TelemetrySink = metrics.NoopSink{}
	if cfg.Telemetry.Enabled {
		telemetry = metrics.NewPrometheusSink()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	store := kv.NewRedisStore(redisClient)

	verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret, cfg.Auth.TokenAlgorithm)
	if err != nil {
		return err
	}

	var users ports.UserRepository
	var messages ports.MessageRepository
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		users = postgres.NewUserRepository(pool)
		messages = postgres.NewMessageRepository(pool)
	} else {
		slog.Warn("no postgres configured; using permissive in-memory repositories")
		admins := strings.Split(os.Getenv("LOOM_ADMIN_USERS"), ",")
		users = inmem.NewUserRepository(admins)
		messages = inmem.NewMessageRepository()
	}

	validator := auth.NewValidator(verifier, users)
	limiter := ratelimit.New(store, cfg.RateLimit, telemetry)
	hist := history.New(store, cfg.History.MaxLength)

	reg := registry.New(telemetry)
	reg.OnRelease(func(userID, ip string) {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		limiter.ReleaseConnection(releaseCtx, userID, ip)
	})

	pres := presence.NewStore(store)
	reg.OnEvent(func(ev registry.Event) {
		evCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		switch ev.Kind {
		case registry.EventUnregistered:
			pres.Remove(evCtx, ev.ConnectionID)
		default:
			if snap, err := reg.Snapshot(ev.ConnectionID); err == nil {
				pres.Write(evCtx, snap)
			}
		}
	})

	provider := llm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey)
	cache := llm.NewResponseCache(store, cfg.LLM.CacheEnabled, cfg.LLM.CacheTTL)
	bridge := llm.NewBridge(provider, cache, telemetry, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens)

	drain := make(chan struct{})
	deps := session.Deps{
		Registry:  reg,
		Limiter:   limiter,
		History:   hist,
		Bridge:    bridge,
		Validator: validator,
		Messages:  messages,
		IDs:       id.New(),
		Telemetry: telemetry,
		Shutdown:  drain,
	}

	server := httpserver.NewServer(cfg, deps, store, validator, reg, limiter, pres, telemetry)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	slog.Info("shutdown signal received")
	close(drain) // sessions close 1000 before the listener stops
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for len(reg.List()) > 0 && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	return server.Stop(shutdownCtx)
}
