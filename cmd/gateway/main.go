package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/database"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/config"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/events"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/gateway"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/logger"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/mailer"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/metrics"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/registry"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/session"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/shutdown"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/pkg/clock"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Console:    cfg.Server.Environment != "production",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("Gateway failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.NewManager(zl)
	bus := events.NewBus()
	m := metrics.New()
	tokens := token.NewService([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)

	store, err := buildSessionStore(cfg.Session)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	sd.Register("session store", func(context.Context) error { return store.Close() })

	users, err := database.NewSQLiteDB(cfg.Auth.DatabasePath)
	if err != nil {
		return fmt.Errorf("user database: %w", err)
	}
	sd.Register("user database", func(context.Context) error { return users.Close() })

	sender, err := mailer.NewSender(cfg.Mail, zl)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	if cfg.Mail.Enabled && len(cfg.Mail.AlertTo) > 0 {
		mailer.WatchHealth(ctx, bus, sender, cfg.Mail.AlertTo, zl)
	}

	authSvc := auth.NewService(users, store, tokens, sender, bus, zl, auth.Config{
		AccessTTL:            cfg.Auth.AccessTTL,
		RefreshTTL:           cfg.Auth.RefreshTTL,
		MaxLoginAttempts:     cfg.Auth.MaxLoginAttempts,
		LockDuration:         cfg.Auth.LockDuration,
		PasswordHistoryLimit: cfg.Auth.PasswordHistoryLimit,
		BaseURL:              cfg.Auth.BaseURL,
	})

	reg := registry.New(zl, bus, m, clock.New())
	for _, svc := range cfg.Services {
		err := reg.Register(svc.Name, svc.URL, registry.Options{
			Timeout:          svc.Timeout,
			RetryCount:       svc.RetryCount,
			FailureThreshold: svc.FailureThreshold,
			ResetTimeout:     svc.ResetTimeout,
			HealthPath:       svc.HealthPath,
			WebSocket:        svc.WebSocket,
		})
		if err != nil {
			return fmt.Errorf("register service %s: %w", svc.Name, err)
		}
	}
	reg.StartHealthChecks(ctx, cfg.Health.Interval)
	sd.Register("health prober", func(context.Context) error {
		reg.StopHealthChecks()
		return nil
	})

	pipeline := gateway.NewPipeline(tokens, store, zl, m)
	router := gateway.NewRouter(pipeline, reg, m, zl)
	for _, svc := range cfg.Services {
		err := router.AddRoute(gateway.Route{
			Prefix:      svc.Prefix,
			Service:     svc.Name,
			Roles:       svc.Roles,
			Permissions: svc.Permissions,
		})
		if err != nil {
			return err
		}
	}

	limiter := gateway.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	authMux := http.NewServeMux()
	auth.NewHandler(authSvc, zl).Register(authMux,
		pipeline.Authenticate,
		pipeline.RequireAccess([]string{"admin", gateway.RoleSuper}, nil),
		limiter.Middleware,
	)
	router.Mount("/auth/", authMux)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	sd.Register("http server", srv.Shutdown)

	errChan := make(chan error, 1)
	go func() {
		zl.Info("Gateway listening",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Server.Environment),
			zap.Int("services", len(cfg.Services)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		zl.Warn("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errChan:
		return err
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := sd.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	zl.Info("Gateway shutdown completed")
	return nil
}

// buildSessionStore selects the configured backend, defaulting to the
// in-memory store with its expiry sweeper.

func buildSessionStore(cfg config.Session) (session.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return session.NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		ms := session.NewMemoryStore()
		ms.StartSweeper(cfg.SweepInterval)
		return ms, nil
	}
}
