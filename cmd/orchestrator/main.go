// Command orchestrator runs the browser-automation workflow orchestrator:
// the execution engine, its SQL store, the event bus and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stackbrowse/orchestrator/internal/agent"
	"github.com/stackbrowse/orchestrator/internal/auth"
	"github.com/stackbrowse/orchestrator/internal/browser"
	"github.com/stackbrowse/orchestrator/internal/browser/pool"
	"github.com/stackbrowse/orchestrator/internal/config"
	"github.com/stackbrowse/orchestrator/internal/engine"
	"github.com/stackbrowse/orchestrator/internal/eventbus"
	"github.com/stackbrowse/orchestrator/internal/httpapi"
	"github.com/stackbrowse/orchestrator/internal/service"
	"github.com/stackbrowse/orchestrator/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxConnections:  cfg.Store.MaxConnections,
		IdleConnections: cfg.Store.IdleConnections,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := eventbus.New(st, cfg.Events.SubscriberQueueDepth, logger)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		bus.AttachMirror(eventbus.NewRedisMirror(redisClient, eventbus.RedisMirrorConfig{}, logger))
		logger.Info("Redis event mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// The stub driver stands in until a real driver (CDP, Playwright
	// sidecar) is plugged in through the browser.Driver capability.
	driver := browser.NewStubDriver()
	pages := pool.New(driver, pool.Config{
		MaxPages:    cfg.PagePool.Max,
		MaxIdle:     cfg.PagePool.MaxIdle,
		ResetPolicy: pool.ResetPolicy(cfg.PagePool.ResetPolicy),
	}, logger)

	registry := agent.NewRegistry()
	registry.Register(agent.TypeBrowser, agent.NewBrowserAgent(pages, driver, logger))

	eng := engine.New(st, bus, registry, cfg.Engine, logger)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Start(startCtx)
	cancelStart()
	if err != nil {
		return err
	}

	svc := service.New(st, eng, bus, registry, cfg.Engine, logger)
	if err := svc.RegisterBuiltinTemplates(context.Background()); err != nil {
		logger.Warn("Template registration failed", zap.Error(err))
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, logger)
	if !verifier.Enabled() {
		logger.Warn("Authentication disabled: no JWT secret configured")
	}
	srv := httpapi.New(svc, verifier, cfg.Server, cfg.Events, logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger)
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			watcher.OnChange(func(next *config.Config) {
				eng.UpdateConfig(next.Engine)
			})
			watcher.Start(context.Background())
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("Engine shutdown incomplete", zap.Error(err))
	}
	pages.CloseAll()
	driver.Shutdown()
	logger.Info("Shutdown complete")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
