// Package main - точка входа фоновых процессов (Worker) Study Companion.
//
// Worker отвечает за периодические задачи:
// - Обработка очереди ретроактивного анализа
// - Рассылка напоминаний о целях (J-14 ... J-0)
// - Доставка уведомлений о завершённом анализе и новых уровнях
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studyquest/study-companion/config"
	"github.com/studyquest/study-companion/internal/application/eventhandler"
	"github.com/studyquest/study-companion/internal/bootstrap"
	"github.com/studyquest/study-companion/internal/infrastructure/external/webhook"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/redis"
	"github.com/studyquest/study-companion/internal/infrastructure/scheduler"
	"github.com/studyquest/study-companion/internal/infrastructure/scheduler/jobs"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// reminderLockTTL покрывает один проход рассылки; при падении процесса
// блокировка истекает сама.
const reminderLockTTL = 10 * time.Minute

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
	log := bootstrap.NewLogger(cfg).With(logger.Component("worker"))
	log.Info("starting Study Companion worker",
		logger.String("version", cfg.App.Version),
		logger.Duration("poll_interval", cfg.Worker.PollInterval),
		logger.String("reminder_schedule", cfg.Reminder.Schedule),
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
	// 4. УВЕДОМЛЕНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	notifier := eventhandler.MultiNotifier{eventhandler.NewLogNotifier(log)}
	if url := cfg.Notifications.WebhookURL; url != "" {
		hookCfg := webhook.DefaultConfig(url)
		hookCfg.Secret = cfg.Notifications.WebhookSecret
		hookCfg.Timeout = cfg.Notifications.WebhookTimeout
		notifier = append(notifier, webhook.NewNotifier(hookCfg, log))
		log.Info("webhook notifications enabled")
	}
	notifications := eventhandler.NewNotificationHandler(notifier, log)
	if err := notifications.Register(app.Bus); err != nil {
		return fmt.Errorf("failed to register notification handler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   log,
		Timezone: timeutil.Location(),
	})
	sched.OnJobError(func(jobName string, err error) {
		log.Error("job failed", logger.String("job", jobName), logger.Err(err))
	})

	processJob := jobs.NewProcessAnalysisTasksJob(app.ProcessTasks, 0, log)
	pollSpec := fmt.Sprintf("@every %s", pollInterval(cfg))
	if err := sched.Register(processJob, pollSpec); err != nil {
		return fmt.Errorf("failed to register %s: %w", processJob.Name(), err)
	}

	remindersEnabled := func() bool { return cfg.Features.Enabled(config.FeatureRemindersDispatch) }
	reminderJob := jobs.NewDispatchRemindersJob(app.DispatchReminders, remindersEnabled, log)
	var reminderOpts []scheduler.JobOption
	if app.Redis != nil {
		reminderOpts = append(reminderOpts, scheduler.WithLock(redis.NewLocker(app.Redis, ""), reminderLockTTL))
	}
	if err := sched.Register(reminderJob, cfg.Reminder.Schedule, reminderOpts...); err != nil {
		return fmt.Errorf("failed to register %s: %w", reminderJob.Name(), err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	for _, job := range sched.ListJobs() {
		log.Info("job registered", logger.String("job", job.Name), logger.String("schedule", job.Schedule))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal, waiting for running jobs")

	done := make(chan error, 1)
	go func() { done <- sched.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("scheduler stop returned error", logger.Err(err))
		}
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timeout reached, abandoning running jobs")
	}

	var runs int64
	for _, job := range sched.ListJobs() {
		runs += job.RunCount
	}
	log.Info("worker stopped", logger.Int64("job_runs", runs))
	return nil
}

func pollInterval(cfg *config.Config) time.Duration {
	if cfg.Worker.PollInterval < time.Second {
		return time.Second
	}
	return cfg.Worker.PollInterval
}
