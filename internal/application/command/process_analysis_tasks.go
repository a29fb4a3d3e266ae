package command

import (
	"context"
	"errors"
	"time"

	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS ANALYSIS TASKS COMMAND
// Leases due tasks and runs the retroactive analysis for each. Retries are
// safe because the analysis claims its award atomically.
// ══════════════════════════════════════════════════════════════════════════════

// AnalysisRunner runs one analysis.
type AnalysisRunner interface {
	Execute(ctx context.Context, input saga.RetroactiveAnalysisInput) (*saga.RetroactiveAnalysisResult, error)
}

// ProcessTasksConfig contains queue consumer settings.
type ProcessTasksConfig struct {
	BatchSize      int
	LeaseDuration  time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultProcessTasksConfig returns default settings.
func DefaultProcessTasksConfig() ProcessTasksConfig {
	return ProcessTasksConfig{
		BatchSize:      10,
		LeaseDuration:  5 * time.Minute,
		MaxAttempts:    5,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  30 * time.Minute,
	}
}

// ProcessTasksResult summarizes one pass.
type ProcessTasksResult struct {
	Leased      int
	Succeeded   int
	Blocked     int
	Rescheduled int
	Failed      int
}

// ProcessAnalysisTasksHandler consumes the analysis task queue.
type ProcessAnalysisTasksHandler struct {
	queue  progression.TaskQueue
	runner AnalysisRunner
	config ProcessTasksConfig
	logger *logger.Logger
	now    func() time.Time
}

// NewProcessAnalysisTasksHandler creates a new handler.
func NewProcessAnalysisTasksHandler(queue progression.TaskQueue, runner AnalysisRunner, config ProcessTasksConfig, log *logger.Logger) *ProcessAnalysisTasksHandler {
	def := DefaultProcessTasksConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = def.LeaseDuration
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		config.RetryMaxDelay = config.RetryBaseDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ProcessAnalysisTasksHandler{
		queue:  queue,
		runner: runner,
		config: config,
		logger: log.With(logger.Component("analysis_tasks")),
		now:    time.Now,
	}
}

// Handle processes one batch of due tasks.
func (h *ProcessAnalysisTasksHandler) Handle(ctx context.Context) (*ProcessTasksResult, error) {
	tasks, err := h.queue.Lease(ctx, h.config.BatchSize, h.config.LeaseDuration)
	if err != nil {
		return nil, err
	}

	res := &ProcessTasksResult{Leased: len(tasks)}
	for _, task := range tasks {
		if ctx.Err() != nil {
			// Unprocessed leases expire and are picked up again.
			break
		}
		h.process(ctx, task, res)
	}
	return res, nil
}

func (h *ProcessAnalysisTasksHandler) process(ctx context.Context, task *progression.AnalysisTask, res *ProcessTasksResult) {
	log := h.logger.With(logger.TaskID(task.ID), logger.UserID(task.UserID), logger.Int("attempt", task.Attempts))

	_, err := h.runner.Execute(ctx, saga.RetroactiveAnalysisInput{UserID: task.UserID, Explicit: task.Explicit})

	var outcome string
	var qErr error
	switch {
	case err == nil:
		outcome = "succeeded"
		res.Succeeded++
		qErr = h.queue.Complete(ctx, task.ID)

	case errors.Is(err, shared.ErrAnalysisBlocked):
		// Waits for an explicit submission after reconnection.
		outcome = "blocked"
		res.Blocked++
		qErr = h.queue.Complete(ctx, task.ID)

	case shared.IsValidation(err) || task.Attempts >= h.config.MaxAttempts:
		outcome = "failed"
		res.Failed++
		log.Error("analysis task failed permanently", logger.Err(err))
		qErr = h.queue.Fail(ctx, task.ID, err.Error())

	default:
		outcome = "rescheduled"
		res.Rescheduled++
		delay := retry.DelayFor(task.Attempts, h.config.RetryBaseDelay, h.config.RetryMaxDelay)
		log.Warn("analysis task rescheduled", logger.Err(err), logger.Duration("delay", delay))
		qErr = h.queue.Reschedule(ctx, task.ID, h.now().Add(delay), err.Error())
	}

	metrics.TaskOutcomes.WithLabelValues(outcome).Inc()
	if qErr != nil {
		log.Error("failed to update analysis task", logger.String("outcome", outcome), logger.Err(qErr))
	}
}
