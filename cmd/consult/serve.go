package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Consult/internal/adapters/bus/membus"
	"github.com/dkeye/Consult/internal/adapters/bus/redisbus"
	router "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/realtime"
	"github.com/dkeye/Consult/internal/adapters/store/memstore"
	"github.com/dkeye/Consult/internal/adapters/store/pgstore"
	"github.com/dkeye/Consult/internal/auth"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
)

const tokenIssuer = "consult"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(ctx, cfg)
		},
	}
}

func buildBus(ctx context.Context, cfg *config.Config) (core.EventBus, func(), error) {
	if cfg.Bus != config.BusRedis {
		return membus.New(), func() {}, nil
	}
	rdb, err := redisbus.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return redisbus.New(rdb, cfg.PresenceTTL), func() { _ = rdb.Close() }, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (core.SessionRepository, func(), error) {
	if cfg.Store != config.StorePostgres {
		return memstore.New(), func() {}, nil
	}
	pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	return pgstore.New(pool), pool.Close, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	authn, err := auth.NewAuthenticator(cfg.Secret, tokenIssuer, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("secret must be configured: %w", err)
	}
	bus, closeBus, err := buildBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub(bus, store, realtime.HubOptions{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		Limiter:    realtime.NewRateLimiter(cfg.BroadcastLimit, time.Second),
	})
	r := router.SetupRouter(ctx, cfg, router.Deps{Store: store, Bus: bus, Hub: hub, Auth: authn})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("bus", cfg.Bus).Str("store", cfg.Store).Msg("Consult server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
