// Package bootstrap assembles the application graph shared by the server,
// the worker and studyctl from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/studyquest/study-companion/config"
	"github.com/studyquest/study-companion/internal/application/command"
	"github.com/studyquest/study-companion/internal/application/query"
	"github.com/studyquest/study-companion/internal/application/saga"
	"github.com/studyquest/study-companion/internal/domain/calendar"
	"github.com/studyquest/study-companion/internal/domain/progression"
	"github.com/studyquest/study-companion/internal/domain/reminder"
	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/external/classifier"
	"github.com/studyquest/study-companion/internal/infrastructure/external/ics"
	"github.com/studyquest/study-companion/internal/infrastructure/messaging"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/memory"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/postgres"
	"github.com/studyquest/study-companion/internal/infrastructure/persistence/redis"
	"github.com/studyquest/study-companion/internal/interface/http/handlers"
	"github.com/studyquest/study-companion/pkg/logger"
	"github.com/studyquest/study-companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// APP CONTAINER
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore is the full progress persistence surface.
type ProgressStore interface {
	progression.Store
	progression.Reader
}

// EventBus is a bus that can be closed on shutdown.
type EventBus interface {
	shared.EventBus
	Close() error
}

// App holds every wired component. DB and Redis are nil when the
// corresponding backend is not configured.
type App struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *postgres.Connection
	Redis *redis.Cache
	Bus   EventBus

	// Stores
	Progress    ProgressStore
	Tasks       progression.TaskQueue
	Connections calendar.ConnectionRepository
	Goals       reminder.GoalRepository
	SentLog     reminder.SentLog

	// Adapters
	Calendar   *ics.Client
	Classifier *classifier.Client

	// Application
	Analysis          *saga.RetroactiveAnalysisSaga
	SubmitAnalysis    *command.SubmitAnalysisHandler
	ProcessTasks      *command.ProcessAnalysisTasksHandler
	DispatchReminders *command.DispatchRemindersHandler
	ConnectCalendar   *command.ConnectCalendarHandler
	CreateGoal        *command.CreateGoalHandler
	GetProgress       *query.GetProgressHandler
	FindFreeSlots     *query.FindFreeSlotsHandler
	ListReminders     *query.ListRemindersHandler

	closers []func()
}

// NewLogger builds the process logger from observability settings.
func NewLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	opts.Console = strings.EqualFold(cfg.Observability.LogFormat, "console")
	opts.Output = os.Stdout

	return logger.New(opts).With(
		logger.String("app", cfg.App.Name),
		logger.String("env", string(cfg.App.Environment)),
	)
}

// New connects the configured backends and wires the application graph.
// On error every backend opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	app := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if err := timeutil.SetLocation(cfg.App.Timezone); err != nil {
		log.Warn("unknown timezone, keeping default",
			logger.String("timezone", cfg.App.Timezone),
			logger.Err(err),
		)
	}

	if err := app.openStores(ctx); err != nil {
		return nil, err
	}
	if err := app.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := app.openBus(); err != nil {
		return nil, err
	}
	if err := app.wire(); err != nil {
		return nil, err
	}
	return app, nil
}

// openStores selects PostgreSQL when DATABASE_URL is set and the in-memory
// stores otherwise.
func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.URL == "" {
		a.Logger.Warn("DATABASE_URL not set, using in-memory stores")
		a.Progress = memory.NewProgressStore()
		a.Tasks = memory.NewTaskQueue()
		a.Connections = memory.NewCalendarConnections()
		a.Goals = memory.NewGoalRepository()
		a.SentLog = memory.NewReminderLog()
		return nil
	}

	opts := postgres.DefaultPoolOptions()
	opts.MaxConns = cfg.Database.MaxConns
	opts.MinConns = cfg.Database.MinConns
	opts.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	opts.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	a.Logger.Info("connecting to database")
	conn, err := postgres.NewConnection(ctx, cfg.Database.URL, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, func() {
		a.Logger.Info("closing database connection")
		conn.Close()
	})

	if cfg.Database.AutoMigrate {
		if _, err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	a.Progress = postgres.NewProgressRepository(conn)
	a.Tasks = postgres.NewTaskQueue(conn)
	a.Connections = postgres.NewCalendarConnectionRepository(conn)
	a.Goals = postgres.NewGoalRepository(conn)
	a.SentLog = postgres.NewReminderLog(conn)
	return nil
}

// Migrate applies pending migrations. It is a no-op in memory mode.
func (a *App) Migrate(ctx context.Context) (int, error) {
	if a.DB == nil {
		return 0, nil
	}
	applied, err := postgres.NewMigrator(a.DB).Migrate(ctx)
	if err != nil {
		return applied, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.Logger.Info("migrations completed", logger.Int("applied", applied))
	return applied, nil
}

func (a *App) openRedis(ctx context.Context) error {
	rc := a.Config.Redis
	if !rc.Enabled {
		return nil
	}

	redisCfg := redis.DefaultConfig()
	redisCfg.Host = rc.Host
	redisCfg.Port = rc.Port
	redisCfg.Password = rc.Password
	redisCfg.DB = rc.DB
	redisCfg.PoolSize = rc.PoolSize
	redisCfg.MinIdleConns = rc.MinIdleConns
	redisCfg.DialTimeout = rc.DialTimeout
	redisCfg.ReadTimeout = rc.ReadTimeout
	redisCfg.WriteTimeout = rc.WriteTimeout

	a.Logger.Info("connecting to Redis", logger.String("addr", redisCfg.Addr()))
	cache, err := redis.NewCache(redisCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.Redis = cache
	a.closers = append(a.closers, func() {
		a.Logger.Info("closing redis connection")
		_ = cache.Close()
	})
	return nil
}

// openBus uses Redis Pub/Sub when Redis is available so events published by
// the worker reach subscribers in other processes.
func (a *App) openBus() error {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = a.Logger

	if a.Redis == nil {
		bus := messaging.NewInMemoryEventBus(local)
		a.Bus = bus
		a.closers = append(a.closers, func() { _ = bus.Close() })
		return nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client: messaging.NewGoRedisClient(a.Redis.Client()),
		Local:  local,
		Logger: a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start redis event bus: %w", err)
	}
	a.Bus = bus
	a.closers = append(a.closers, func() { _ = bus.Close() })
	return nil
}

func (a *App) wire() error {
	cfg := a.Config
	log := a.Logger
	loc := timeutil.Location()

	// Calendar feeds
	icsCfg := ics.DefaultConfig()
	icsCfg.Timeout = cfg.Calendar.RequestTimeout
	icsCfg.MaxFeedBytes = cfg.Calendar.MaxFeedBytes
	icsCfg.UserAgent = cfg.Calendar.UserAgent
	icsCfg.Location = loc
	a.Calendar = ics.NewClient(icsCfg, a.Connections, log)

	// Classifier
	cc := cfg.Classifier
	clsCfg := classifier.DefaultConfig(cc.BaseURL)
	clsCfg.APIKey = cc.APIKey
	clsCfg.Timeout = cc.RequestTimeout
	clsCfg.BatchSize = cc.BatchSize
	clsCfg.Concurrency = cc.Concurrency
	clsCfg.RateLimit = cc.RateLimit
	clsCfg.Burst = cc.RateLimitBurst
	clsCfg.MaxAttempts = cc.MaxRetries
	clsCfg.RetryBaseDelay = cc.RetryBaseDelay
	clsCfg.RetryMaxDelay = cc.RetryMaxDelay
	clsCfg.BreakerThreshold = cc.CircuitBreakerThreshold
	clsCfg.BreakerTimeout = cc.CircuitBreakerTimeout

	clsOpts := []classifier.Option{classifier.WithLogger(log)}
	if cache := a.classificationCache(); cache != nil {
		clsOpts = append(clsOpts, classifier.WithCache(cache))
	}
	a.Classifier = classifier.NewClient(clsCfg, clsOpts...)

	// Retroactive analysis
	rules, ladder, err := config.LoadRules(cfg.Analysis.RulesFile)
	if err != nil {
		return err
	}
	a.Analysis = saga.NewRetroactiveAnalysisSaga(
		a.Calendar,
		a.Classifier,
		a.Progress,
		a.Bus,
		saga.RetroactiveAnalysisConfig{
			MonthsBack:        cfg.Analysis.MonthsBack,
			MaxEvents:         cfg.Analysis.MaxEvents,
			RunTimeout:        cfg.Analysis.RunTimeout,
			AuthFailurePolicy: saga.AuthFailurePolicy(cfg.Analysis.AuthFailurePolicy),
		},
		saga.WithRules(rules),
		saga.WithLadder(ladder),
		saga.WithLogger(log),
	)

	// Commands
	features := cfg.Features
	autoTrigger := func(userID string) bool {
		return features.IsEnabled(config.FeatureAnalysisAutoTrigger, &config.FeatureContext{UserID: userID})
	}
	a.SubmitAnalysis = command.NewSubmitAnalysisHandler(a.Tasks, autoTrigger, log)
	a.ProcessTasks = command.NewProcessAnalysisTasksHandler(a.Tasks, a.Analysis, command.ProcessTasksConfig{
		BatchSize:      cfg.Worker.BatchSize,
		LeaseDuration:  cfg.Worker.LeaseDuration,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
	}, log)
	a.DispatchReminders = command.NewDispatchRemindersHandler(a.Goals, a.SentLog, a.Bus, loc, log)
	a.ConnectCalendar = command.NewConnectCalendarHandler(a.Connections, a.SubmitAnalysis, log)
	a.CreateGoal = command.NewCreateGoalHandler(a.Goals)

	// Queries
	slots := query.DefaultSlotDefaults()
	slots.WindowDays = cfg.Scheduling.WindowDays
	slots.WorkingHoursStart = cfg.Scheduling.WorkingHoursStart
	slots.WorkingHoursEnd = cfg.Scheduling.WorkingHoursEnd
	slots.ExcludeWeekends = cfg.Scheduling.ExcludeWeekends
	slots.MaxSlots = cfg.Scheduling.MaxSlots
	slots.CandidatePool = cfg.Scheduling.CandidatePool
	slots.Location = loc
	slots.Labels = features.Enabled(config.FeatureSlotLabels)

	a.GetProgress = query.NewGetProgressHandler(a.Progress, ladder)
	a.FindFreeSlots = query.NewFindFreeSlotsHandler(a.Calendar, slots, log)
	a.ListReminders = query.NewListRemindersHandler(a.Goals, loc)
	return nil
}

// classificationCache picks the configured result cache, or nil when caching
// is off.
func (a *App) classificationCache() classifier.ResultCache {
	cc := a.Config.Classifier
	if !a.Config.Features.Enabled(config.FeatureClassifierCache) {
		return nil
	}
	switch cc.CacheBackend {
	case "redis":
		if a.Redis != nil {
			return redis.NewClassificationCache(a.Redis, cc.CacheTTL)
		}
		a.Logger.Warn("redis cache requested but redis is disabled, using memory cache")
		return classifier.NewMemoryCache(cc.CacheSize, cc.CacheTTL)
	case "memory":
		return classifier.NewMemoryCache(cc.CacheSize, cc.CacheTTL)
	default:
		return nil
	}
}

// HealthChecker returns readiness checks for the opened backends. The
// database is required, Redis is optional.
func (a *App) HealthChecker() *handlers.CompositeHealthChecker {
	hc := handlers.NewCompositeHealthChecker(a.Config.App.Version)
	hc.SetTimeout(3 * time.Second)
	if a.DB != nil {
		hc.AddCheck("database", handlers.NewPingCheck(a.DB))
	}
	if a.Redis != nil {
		hc.AddOptionalCheck("redis", handlers.NewPingCheck(a.Redis))
	}
	return hc
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
