// Package jobs contains the scheduled jobs of the worker.
package jobs

import (
	"context"

	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH REMINDERS JOB
// ══════════════════════════════════════════════════════════════════════════════

// ReminderDispatcher is the command the job drives.
type ReminderDispatcher interface {
	Handle(ctx context.Context, cmd command.DispatchRemindersCommand) (*command.DispatchRemindersResult, error)
}

// DispatchRemindersJob publishes due goal reminders.
type DispatchRemindersJob struct {
	dispatcher ReminderDispatcher
	enabled    func() bool
	logger     *logger.Logger
}

// NewDispatchRemindersJob creates the job. enabled is checked on every run;
// nil means always enabled.
func NewDispatchRemindersJob(dispatcher ReminderDispatcher, enabled func() bool, log *logger.Logger) *DispatchRemindersJob {
	if log == nil {
		log = logger.Nop()
	}
	return &DispatchRemindersJob{dispatcher: dispatcher, enabled: enabled, logger: log}
}

// Name implements scheduler.Job.
func (j *DispatchRemindersJob) Name() string { return "dispatch_reminders" }

// Description implements scheduler.Job.
func (j *DispatchRemindersJob) Description() string {
	return "Publishes goal reminders due today or missed yesterday"
}

// Run implements scheduler.Job.
func (j *DispatchRemindersJob) Run(ctx context.Context) error {
	if j.enabled != nil && !j.enabled() {
		return nil
	}
	_, err := j.dispatcher.Handle(ctx, command.DispatchRemindersCommand{})
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS ANALYSIS TASKS JOB
// ══════════════════════════════════════════════════════════════════════════════

// TaskProcessor is the command the job drives.
type TaskProcessor interface {
	Handle(ctx context.Context) (*command.ProcessTasksResult, error)
}

// ProcessAnalysisTasksJob drains due analysis tasks.
type ProcessAnalysisTasksJob struct {
	processor TaskProcessor
	maxRounds int
	logger    *logger.Logger
}

// NewProcessAnalysisTasksJob creates the job. Each run leases batches until
// the queue is empty or maxRounds batches were processed.
func NewProcessAnalysisTasksJob(processor TaskProcessor, maxRounds int, log *logger.Logger) *ProcessAnalysisTasksJob {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ProcessAnalysisTasksJob{processor: processor, maxRounds: maxRounds, logger: log}
}

// Name implements scheduler.Job.
func (j *ProcessAnalysisTasksJob) Name() string { return "process_analysis_tasks" }

// Description implements scheduler.Job.
func (j *ProcessAnalysisTasksJob) Description() string {
	return "Runs queued retroactive analyses"
}

// Run implements scheduler.Job.
func (j *ProcessAnalysisTasksJob) Run(ctx context.Context) error {
	var total command.ProcessTasksResult
	for round := 0; round < j.maxRounds; round++ {
		res, err := j.processor.Handle(ctx)
		if err != nil {
			return err
		}
		if res.Leased == 0 {
			break
		}
		total.Leased += res.Leased
		total.Succeeded += res.Succeeded
		total.Blocked += res.Blocked
		total.Rescheduled += res.Rescheduled
		total.Failed += res.Failed

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if total.Leased > 0 {
		j.logger.Info("analysis tasks processed",
			logger.Int("leased", total.Leased),
			logger.Int("succeeded", total.Succeeded),
			logger.Int("blocked", total.Blocked),
			logger.Int("rescheduled", total.Rescheduled),
			logger.Int("failed", total.Failed),
		)
	}
	return nil
}
