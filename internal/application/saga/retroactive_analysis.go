// Package saga contains multi-step business processes that orchestrate
// several domain ports and must leave a consistent state on failure.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RETROACTIVE ANALYSIS SAGA
// One-shot process: scan the calendar history of a user and award points
// Flow: Guard → Fetch Events → Classify → Calculate → Claim & Score → Publish
// ══════════════════════════════════════════════════════════════════════════════

// Phase - фаза анализа, сообщаемая через ProgressFunc.
type Phase string

const (
	PhaseFetching    Phase = "fetching"
	PhaseClassifying Phase = "classifying"
	PhaseCalculating Phase = "calculating"
	PhaseSaving      Phase = "saving"
	PhaseCompleted   Phase = "completed"
	PhaseError       Phase = "error"
)

// ProgressFunc получает уведомления о ходе анализа. Вызывается синхронно;
// паника внутри обратного вызова не прерывает анализ.
type ProgressFunc func(phase Phase, current, total int, message string)

// AuthFailurePolicy - реакция на отказ в доступе к календарю или классификатору.
type AuthFailurePolicy string

const (
	// AuthFailureBlock сохраняет состояние "нужно переподключение", анализ не помечается выполненным.
	AuthFailureBlock AuthFailurePolicy = "block"
	// AuthFailureComplete помечает анализ выполненным с нулевым итогом.
	AuthFailureComplete AuthFailurePolicy = "complete"
)

// RetroactiveAnalysisInput - параметры запуска.
type RetroactiveAnalysisInput struct {
	UserID string

	// Explicit - запуск инициирован пользователем. Только явный запуск
	// снимает блокировку после переподключения календаря.
	Explicit bool

	// Progress - необязательный обратный вызов.
	Progress ProgressFunc
}

// Validate проверяет входные данные.
func (i RetroactiveAnalysisInput) Validate() error {
	return shared.ValidateUserID("progression", "Analyze", i.UserID)
}

// RetroactiveAnalysisResult - итог анализа. Для уже выполненного анализа
// содержит сохранённый результат.
type RetroactiveAnalysisResult struct {
	UserID           string                                             `json:"user_id"`
	TotalPoints      int                                                `json:"total_points"`
	AwardedPoints    int                                                `json:"awarded_points"`
	EventCount       int                                                `json:"event_count"`
	PointsByCategory map[string]int                                     `json:"points_by_category"`
	ByCategory       map[progression.Category]progression.CategoryTally `json:"by_category,omitempty"`
	Level            progression.LevelInfo                              `json:"level"`
	AlreadyCompleted bool                                               `json:"already_completed"`
	Blocked          bool                                               `json:"blocked"`
	BlockedReason    string                                             `json:"blocked_reason,omitempty"`
	CompletedAt      *time.Time                                         `json:"completed_at,omitempty"`
}

// RetroactiveAnalysisConfig contains configuration for the saga.
type RetroactiveAnalysisConfig struct {
	// MonthsBack - число предыдущих месяцев в окне, помимо текущего.
	MonthsBack int

	MaxEvents int

	// RunTimeout ограничивает один запуск; 0 - без ограничения.
	RunTimeout time.Duration

	AuthFailurePolicy AuthFailurePolicy
}

// DefaultRetroactiveAnalysisConfig returns default configuration.
func DefaultRetroactiveAnalysisConfig() RetroactiveAnalysisConfig {
	return RetroactiveAnalysisConfig{
		MonthsBack:        3,
		MaxEvents:         2500,
		RunTimeout:        2 * time.Minute,
		AuthFailurePolicy: AuthFailureBlock,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SAGA IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// RetroactiveAnalysisSaga converts a user's past calendar into points.
// The award is claimed with one atomic write, so concurrent or repeated
// runs give points at most once.
type RetroactiveAnalysisSaga struct {
	calendar   calendar.Source
	classifier progression.Classifier
	store      progression.Store
	eventBus   shared.EventPublisher
	rules      progression.Rules
	ladder     *progression.Ladder
	logger     *logger.Logger
	now        func() time.Time

	config RetroactiveAnalysisConfig
}

// SagaOption customizes the saga.
type SagaOption func(*RetroactiveAnalysisSaga)

// WithRules overrides the scoring rules.
func WithRules(r progression.Rules) SagaOption {
	return func(s *RetroactiveAnalysisSaga) { s.rules = r }
}

// WithLadder overrides the tier ladder.
func WithLadder(l *progression.Ladder) SagaOption {
	return func(s *RetroactiveAnalysisSaga) {
		if l != nil {
			s.ladder = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) SagaOption {
	return func(s *RetroactiveAnalysisSaga) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) SagaOption {
	return func(s *RetroactiveAnalysisSaga) { s.now = now }
}

// NewRetroactiveAnalysisSaga creates the saga. eventBus may be nil.
func NewRetroactiveAnalysisSaga(
	source calendar.Source,
	classifier progression.Classifier,
	store progression.Store,
	eventBus shared.EventPublisher,
	config RetroactiveAnalysisConfig,
	opts ...SagaOption,
) *RetroactiveAnalysisSaga {
	if config.MaxEvents <= 0 {
		config.MaxEvents = 2500
	}
	if config.AuthFailurePolicy == "" {
		config.AuthFailurePolicy = AuthFailureBlock
	}

	s := &RetroactiveAnalysisSaga{
		calendar:   source,
		classifier: classifier,
		store:      store,
		eventBus:   eventBus,
		rules:      progression.DefaultRules(),
		ladder:     progression.DefaultLadder(),
		logger:     logger.Nop(),
		now:        time.Now,
		config:     config,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("retroactive_analysis"))
	return s
}

// run carries per-invocation state between steps.
type run struct {
	input   RetroactiveAnalysisInput
	log     *logger.Logger
	state   *progression.State
	events  []calendar.EventSnapshot
	results map[string]progression.ClassificationResult
	totals  progression.Totals
	phase   Phase
	started time.Time
}

// Execute runs the analysis for one user.
func (s *RetroactiveAnalysisSaga) Execute(ctx context.Context, input RetroactiveAnalysisInput) (*RetroactiveAnalysisResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	r := &run{
		input:   input,
		log:     s.logger.With(logger.UserID(input.UserID), logger.Bool("explicit", input.Explicit)),
		phase:   PhaseFetching,
		started: s.now(),
	}

	// Step 1: Guard
	state, err := s.store.GetOrCreate(ctx, input.UserID)
	if err != nil {
		return nil, s.fail(r, err)
	}
	r.state = state

	if state.RetroactiveDone {
		r.log.Debug("analysis already completed")
		metrics.AnalysisRuns.WithLabelValues("already_completed").Inc()
		return s.resultFromState(state, true), nil
	}

	if state.IsBlocked() {
		if !input.Explicit {
			r.log.Debug("skipping blocked user")
			metrics.AnalysisRuns.WithLabelValues("blocked").Inc()
			return s.blockedResult(input.UserID, state.BlockedReason),
				shared.WrapError("progression", "Analyze", shared.ErrAnalysisBlocked, "waiting for calendar reconnection", nil)
		}
		if err := s.store.ClearBlocked(ctx, input.UserID); err != nil {
			return nil, s.fail(r, err)
		}
		r.log.Info("cleared blocked state on explicit run")
	}

	// Step 2: Fetch events
	if err := s.stepFetch(ctx, r); err != nil {
		return s.handleStepError(ctx, r, err)
	}

	// Step 3: Classify
	r.phase = PhaseClassifying
	if err := s.stepClassify(ctx, r); err != nil {
		return s.handleStepError(ctx, r, err)
	}

	// Step 4: Calculate
	r.phase = PhaseCalculating
	if err := ctx.Err(); err != nil {
		return nil, s.fail(r, err)
	}
	s.stepCalculate(r)

	// Step 5: Claim and score
	r.phase = PhaseSaving
	if err := ctx.Err(); err != nil {
		return nil, s.fail(r, err)
	}
	return s.stepSave(ctx, r)
}

// ══════════════════════════════════════════════════════════════════════════════
// SAGA STEPS
// ══════════════════════════════════════════════════════════════════════════════

func (s *RetroactiveAnalysisSaga) stepFetch(ctx context.Context, r *run) error {
	defer s.observePhase(PhaseFetching, time.Now())

	if err := ctx.Err(); err != nil {
		return err
	}
	s.report(r, PhaseFetching, 0, 0, "Lecture de l'historique du calendrier")

	now := s.now()
	window := shared.HistoricalWindow(now, s.config.MonthsBack)
	events, err := s.calendar.ListEvents(ctx, r.input.UserID, window.From, window.To, s.config.MaxEvents)
	if err != nil {
		return err
	}

	past := make([]calendar.EventSnapshot, 0, len(events))
	for _, e := range events {
		if e.EndedBefore(now) {
			past = append(past, e)
		}
	}
	if len(past) > s.config.MaxEvents {
		past = past[:s.config.MaxEvents]
	}
	r.events = past

	r.log.Debug("calendar events fetched", logger.EventCount(len(past)))
	s.report(r, PhaseFetching, len(past), len(past), fmt.Sprintf("%d événements trouvés", len(past)))
	return nil
}

func (s *RetroactiveAnalysisSaga) stepClassify(ctx context.Context, r *run) error {
	defer s.observePhase(PhaseClassifying, time.Now())

	if err := ctx.Err(); err != nil {
		return err
	}
	total := len(r.events)
	s.report(r, PhaseClassifying, 0, total, "Classification des événements")

	r.results = map[string]progression.ClassificationResult{}
	if total == 0 {
		return nil
	}

	inputs := make([]progression.ClassificationInput, 0, total)
	for _, e := range r.events {
		inputs = append(inputs, progression.ClassificationInput{
			ID:              e.ID,
			Title:           e.Title,
			Description:     e.Description,
			Date:            e.Start,
			DurationMinutes: e.DurationMinutes(),
		})
	}

	results, err := s.classifier.ClassifyBatch(ctx, inputs)
	if err != nil {
		if shared.IsAuthorization(err) || ctx.Err() != nil {
			return err
		}
		// Everything else degrades to unknown.
		r.log.Warn("classification failed, scoring events as unknown", logger.Err(err))
	} else if results != nil {
		r.results = results
	}

	s.report(r, PhaseClassifying, total, total, "Classification terminée")
	return nil
}

func (s *RetroactiveAnalysisSaga) stepCalculate(r *run) {
	defer s.observePhase(PhaseCalculating, time.Now())

	total := len(r.events)
	s.report(r, PhaseCalculating, 0, total, "Calcul des points")

	scored := make([]progression.ScoredEvent, 0, total)
	for _, e := range r.events {
		res, ok := r.results[e.ID]
		if !ok {
			res = progression.Unknown()
		}
		res = res.Normalize()
		scored = append(scored, progression.ScoredEvent{
			EventID:  e.ID,
			Category: res.Category,
			Points:   s.rules.ScoreEvent(res.Category, e.DurationMinutes(), e.IsRecurring, res.Confidence),
		})
	}
	r.totals = progression.Aggregate(scored)

	s.report(r, PhaseCalculating, total, total, fmt.Sprintf("%d points calculés", r.totals.TotalPoints))
}

func (s *RetroactiveAnalysisSaga) stepSave(ctx context.Context, r *run) (*RetroactiveAnalysisResult, error) {
	defer s.observePhase(PhaseSaving, time.Now())

	s.report(r, PhaseSaving, 0, 1, "Enregistrement du résultat")

	claim, err := s.store.ClaimAndScore(ctx, r.input.UserID, r.totals)
	if err != nil {
		return nil, s.fail(r, err)
	}
	if !claim.Claimed {
		// Another run won the claim; report its stored result.
		stored, err := s.store.GetOrCreate(ctx, r.input.UserID)
		if err != nil {
			return nil, s.fail(r, err)
		}
		r.log.Info("analysis claimed by a concurrent run")
		metrics.AnalysisRuns.WithLabelValues("already_completed").Inc()
		s.report(r, PhaseCompleted, 1, 1, "Analyse déjà effectuée")
		return s.resultFromState(stored, true), nil
	}

	return s.completed(r, claim), nil
}

// completed builds the result of a won claim and publishes events. Totals
// come from the store; the snapshot read at the guard may be stale.
func (s *RetroactiveAnalysisSaga) completed(r *run, claim progression.Claim) *RetroactiveAnalysisResult {
	after := claim.TotalPoints
	before := after - r.totals.TotalPoints
	byCategory := claim.PointsByCategory
	if byCategory == nil {
		byCategory = r.totals.PointsByCategory()
	}

	oldLevel := s.ladder.LevelFor(before)
	newLevel := s.ladder.LevelFor(after)
	completedAt := s.now()

	s.publish(r, shared.NewAnalysisCompletedEvent(r.input.UserID, after, r.totals.EventCount, newLevel.Level, byCategory))
	if newLevel.Level > oldLevel.Level {
		s.publish(r, shared.NewLevelReachedEvent(r.input.UserID, oldLevel.Level, newLevel.Level, newLevel.Name, after))
	}

	metrics.AnalysisRuns.WithLabelValues("completed").Inc()
	metrics.AnalysisPointsAwarded.Add(float64(r.totals.TotalPoints))
	r.log.Info("retroactive analysis completed",
		logger.Points(r.totals.TotalPoints),
		logger.EventCount(r.totals.EventCount),
		logger.Int("level", newLevel.Level),
		logger.Latency(completedAt.Sub(r.started)),
	)
	s.report(r, PhaseCompleted, 1, 1, fmt.Sprintf("+%d points", r.totals.TotalPoints))

	return &RetroactiveAnalysisResult{
		UserID:           r.input.UserID,
		TotalPoints:      after,
		AwardedPoints:    r.totals.TotalPoints,
		EventCount:       r.totals.EventCount,
		PointsByCategory: byCategory,
		ByCategory:       r.totals.ByCategory,
		Level:            newLevel,
		CompletedAt:      &completedAt,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// FAILURE HANDLING
// ══════════════════════════════════════════════════════════════════════════════

// handleStepError routes authorization failures through the configured
// policy and fails the run for everything else.
func (s *RetroactiveAnalysisSaga) handleStepError(ctx context.Context, r *run, err error) (*RetroactiveAnalysisResult, error) {
	if !shared.IsAuthorization(err) || ctx.Err() != nil {
		return nil, s.fail(r, err)
	}

	switch s.config.AuthFailurePolicy {
	case AuthFailureComplete:
		r.log.Warn("access denied, completing analysis with zero totals",
			logger.Phase(string(r.phase)), logger.Err(err))
		r.events = nil
		r.totals = progression.Aggregate(nil)
		r.phase = PhaseSaving
		return s.stepSave(ctx, r)

	default:
		reason := err.Error()
		if mErr := s.store.MarkBlocked(ctx, r.input.UserID, reason); mErr != nil {
			return nil, s.fail(r, mErr)
		}
		r.log.Warn("access denied, analysis blocked until reconnection",
			logger.Phase(string(r.phase)), logger.Err(err))
		s.publish(r, shared.NewAnalysisBlockedEvent(r.input.UserID, string(r.phase), reason))
		metrics.AnalysisRuns.WithLabelValues("blocked").Inc()
		s.report(r, PhaseError, 0, 0, "Reconnexion du calendrier nécessaire")

		return s.blockedResult(r.input.UserID, reason),
			shared.WrapError("progression", "Analyze", shared.ErrAnalysisBlocked, "calendar reconnection required", err)
	}
}

// fail reports the error phase and returns err annotated with the phase.
// Nothing is marked done.
func (s *RetroactiveAnalysisSaga) fail(r *run, err error) error {
	r.log.Error("retroactive analysis failed", logger.Phase(string(r.phase)), logger.Err(err))
	metrics.AnalysisRuns.WithLabelValues("failed").Inc()
	s.publish(r, shared.NewAnalysisFailedEvent(r.input.UserID, string(r.phase), err))
	s.report(r, PhaseError, 0, 0, "L'analyse a échoué")
	return fmt.Errorf("retroactive analysis (%s): %w", r.phase, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// report invokes the progress callback, containing panics.
func (s *RetroactiveAnalysisSaga) report(r *run, phase Phase, current, total int, message string) {
	if r.input.Progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("progress callback panicked",
				logger.Phase(string(phase)), logger.Any("panic", rec))
		}
	}()
	r.input.Progress(phase, current, total, message)
}

func (s *RetroactiveAnalysisSaga) publish(r *run, event shared.Event) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(event); err != nil {
		r.log.Warn("failed to publish event",
			logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
}

func (s *RetroactiveAnalysisSaga) observePhase(phase Phase, start time.Time) {
	metrics.AnalysisPhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
}

func (s *RetroactiveAnalysisSaga) resultFromState(state *progression.State, already bool) *RetroactiveAnalysisResult {
	byCategory := make(map[string]int, len(state.PointsByCategory))
	for k, v := range state.PointsByCategory {
		byCategory[k] = v
	}
	return &RetroactiveAnalysisResult{
		UserID:           state.UserID,
		TotalPoints:      state.TotalPoints,
		EventCount:       state.EventCount,
		PointsByCategory: byCategory,
		Level:            s.ladder.LevelFor(state.TotalPoints),
		AlreadyCompleted: already,
		CompletedAt:      state.CompletedAt,
	}
}

func (s *RetroactiveAnalysisSaga) blockedResult(userID, reason string) *RetroactiveAnalysisResult {
	return &RetroactiveAnalysisResult{
		UserID:           userID,
		PointsByCategory: map[string]int{},
		Level:            s.ladder.LevelFor(0),
		Blocked:          true,
		BlockedReason:    reason,
	}
}
