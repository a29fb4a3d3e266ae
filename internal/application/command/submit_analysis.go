// Package command contains write operations (CQRS - Commands).
// Commands are responsible for changing the state of the system.
package command

import (
	"context"
	"errors"

	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT ANALYSIS COMMAND
// Queues a retroactive analysis for the worker. Submissions are keyed by
// user, so repeated triggers never create a second task.
// ══════════════════════════════════════════════════════════════════════════════

// ErrAutoTriggerDisabled is returned when automatic submissions are switched off.
var ErrAutoTriggerDisabled = errors.New("automatic analysis trigger is disabled")

// SubmitAnalysisCommand contains the data needed to queue an analysis.
type SubmitAnalysisCommand struct {
	UserID string

	// Explicit marks a user request. It requeues a finished task and lets
	// the run clear a blocked state.
	Explicit bool

	// Automatic marks a submission the system made on the user's behalf.
	// Automatic and non-explicit submissions are subject to the auto-trigger gate.
	Automatic bool
}

func (c SubmitAnalysisCommand) gated() bool {
	return c.Automatic || !c.Explicit
}

// Validate validates the command.
func (c SubmitAnalysisCommand) Validate() error {
	return shared.ValidateUserID("command", "SubmitAnalysis", c.UserID)
}

// SubmitAnalysisResult describes the queued task.
type SubmitAnalysisResult struct {
	TaskID  string                 `json:"task_id"`
	Status  progression.TaskStatus `json:"status"`
	Created bool                   `json:"created"`
}

// SubmitAnalysisHandler handles SubmitAnalysisCommand.
type SubmitAnalysisHandler struct {
	queue       progression.TaskQueue
	autoTrigger func(userID string) bool
	logger      *logger.Logger
}

// NewSubmitAnalysisHandler creates a new handler. autoTrigger decides per
// user whether automatic or non-explicit submissions are accepted; nil
// accepts all.
func NewSubmitAnalysisHandler(queue progression.TaskQueue, autoTrigger func(userID string) bool, log *logger.Logger) *SubmitAnalysisHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SubmitAnalysisHandler{
		queue:       queue,
		autoTrigger: autoTrigger,
		logger:      log.With(logger.Component("submit_analysis")),
	}
}

// Handle queues the task.
func (h *SubmitAnalysisHandler) Handle(ctx context.Context, cmd SubmitAnalysisCommand) (*SubmitAnalysisResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.gated() && h.autoTrigger != nil && !h.autoTrigger(cmd.UserID) {
		return nil, ErrAutoTriggerDisabled
	}

	task, created, err := h.queue.Submit(ctx, &progression.AnalysisTask{
		UserID:         cmd.UserID,
		IdempotencyKey: progression.IdempotencyKey(cmd.UserID),
		Explicit:       cmd.Explicit,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("analysis task submitted",
		logger.UserID(cmd.UserID),
		logger.TaskID(task.ID),
		logger.Bool("created", created),
		logger.String("status", string(task.Status)),
	)

	return &SubmitAnalysisResult{TaskID: task.ID, Status: task.Status, Created: created}, nil
}
