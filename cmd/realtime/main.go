package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	httpAdapter "github.com/dattmumas/lnked-realtime/internal/adapters/primary/http"
	mw "github.com/dattmumas/lnked-realtime/internal/adapters/primary/http/middleware"
	"github.com/dattmumas/lnked-realtime/internal/adapters/primary/websocket"
	"github.com/dattmumas/lnked-realtime/internal/adapters/secondary/phoenix"
	"github.com/dattmumas/lnked-realtime/internal/adapters/secondary/postgres"
	"github.com/dattmumas/lnked-realtime/internal/auth"
	"github.com/dattmumas/lnked-realtime/internal/config"
	"github.com/dattmumas/lnked-realtime/internal/core/services"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/logging"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.ServiceName = cfg.App.Name
	logCfg.Environment = cfg.App.Environment
	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Database Pool
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return err
		}
		logger.Info("database migrations applied", "dir", cfg.Database.MigrationsDir)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	logger.Info("database connection established")

	// 4. Initialize Security Components
	clk := clock.Real()
	clientTokens := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL, cfg.JWT.Issuer, clk)
	backendTokens := auth.NewTokenManager(cfg.Backend.JWTSecret, cfg.Backend.TokenTTL, "", clk)

	credentials, err := auth.NewCredentialManager(backendTokens, auth.CredentialConfig{
		Subject:       cfg.Backend.ServiceSubject,
		Role:          cfg.Backend.ServiceRole,
		RefreshBefore: cfg.Backend.RefreshBefore,
	}, clk, logger)
	if err != nil {
		return err
	}
	defer credentials.Close()

	// 5. Realtime core (Wiring the Hexagon)
	transport := phoenix.NewTransport(phoenix.Config{
		URL:               cfg.Backend.URL,
		APIKey:            cfg.Backend.APIKey,
		HeartbeatInterval: cfg.Backend.HeartbeatInterval,
	}, logger)
	defer transport.Close()

	accessRepo := postgres.NewAccessRepository(pool)
	manager := services.NewManager(transport, accessRepo, credentials, clk, managerConfig(cfg), logger)
	manager.Start(ctx)

	hub := websocket.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// 6. Initialize Rate Limiters
	var generalRateLimiter, adminRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		general := mw.DefaultRateLimiterConfig()
		general.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		general.BurstSize = cfg.RateLimit.BurstSize
		generalRateLimiter = mw.NewRateLimiter(general)

		admin := mw.AdminRateLimiterConfig()
		admin.RequestsPerSecond = cfg.RateLimit.AdminRPS
		admin.BurstSize = cfg.RateLimit.AdminBurst
		adminRateLimiter = mw.NewRateLimiter(admin)
	}

	// 7. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	router := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Logger:         logger,
		TokenManager:   clientTokens,
		AdminRole:      cfg.JWT.AdminRole,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		GeneralLimiter: generalRateLimiter,
		AdminLimiter:   adminRateLimiter,
		Health:         httpAdapter.NewHealthHandler(accessRepo, manager, cfg.App.Version),
		WebSocket:      httpAdapter.NewWebSocketHandler(hub, clientTokens, manager, cfg, logger),
		Realtime:       httpAdapter.NewRealtimeHandler(manager, hub, errorHandler, logger),
		Admin:          httpAdapter.NewAdminHandler(credentials, manager, errorHandler, logger),
	})

	// 8. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests, then close gateway sessions so their
		// subscriptions are released before the manager tears down.
		srvErr := srv.Shutdown(shutdownCtx)
		stopHub()
		select {
		case <-hub.Done():
		case <-shutdownCtx.Done():
		}
		return errors.Join(srvErr, manager.ShutdownAll(shutdownCtx))
	})
	return g.Wait()
}

func managerConfig(cfg *config.Config) services.ManagerConfig {
	rt := cfg.Realtime
	mc := services.DefaultManagerConfig()
	mc.Registry.Backoff = services.Backoff{
		Base:              rt.BackoffBase,
		Max:               rt.BackoffMax,
		MinRejoinInterval: rt.MinRejoinInterval,
	}
	mc.Registry.JoinTimeout = rt.JoinTimeout
	mc.Registry.LeaveTimeout = rt.LeaveTimeout
	mc.Registry.Presence = rt.Presence
	mc.Registry.PresenceKey = rt.PresenceKey
	mc.Typing.Expiry = rt.TypingExpiry
	mc.Typing.AutoStop = rt.TypingAutoStop
	mc.Typing.ResendInterval = rt.TypingResendInterval
	mc.FlushInterval = rt.FlushInterval
	mc.ResyncSettle = rt.ResyncSettle
	return mc
}
