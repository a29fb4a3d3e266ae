// Package main - точка входа HTTP API Study Companion.
//
// Сервер принимает подключения календарей, ставит задачи ретроактивного
// анализа в очередь, отдаёт прогресс, свободные окна и напоминания о целях.
// Фоновая обработка очереди живёт в cmd/worker.
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

	"github.com/studyquest/study-companion/config"
	"github.com/studyquest/study-companion/internal/bootstrap"
	httpserver "github.com/studyquest/study-companion/internal/interface/http"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := bootstrap.NewLogger(cfg).With(logger.Component("server"))
	log.Info("starting Study Companion API",
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Timezone),
		logger.Bool("debug", cfg.App.Debug),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩА, REDIS, EVENT BUS, АДАПТЕРЫ
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP СЕРВЕР
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpserver.DefaultConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverCfg.RateLimitRPS = cfg.HTTP.RateLimitRPS
	serverCfg.RateLimitBurst = cfg.HTTP.RateLimitBurst
	serverCfg.EnableMetrics = cfg.Observability.MetricsEnabled
	serverCfg.Version = cfg.App.Version

	server := httpserver.NewServer(serverCfg, httpserver.Dependencies{
		Analysis:        app.Analysis,
		SubmitAnalysis:  app.SubmitAnalysis,
		ConnectCalendar: app.ConnectCalendar,
		CreateGoal:      app.CreateGoal,
		GetProgress:     app.GetProgress,
		FindFreeSlots:   app.FindFreeSlots,
		ListReminders:   app.ListReminders,
		HealthChecker:   app.HealthChecker(),
		Logger:          log,
	})

	errCh := server.StartAsync(ctx)
	log.Info("Study Companion API is running", logger.String("address", serverCfg.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", logger.Err(err))
			return err
		}
	}

	timeout := shutdownTimeout(cfg)
	log.Info("starting graceful shutdown", logger.Duration("timeout", timeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", logger.Err(err))
		return err
	}

	log.Info("shutdown completed successfully")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.App.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.App.ShutdownTimeout
}
