// Package postgres implements PostgreSQL persistence layer for Study Companion.
package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_progress_states",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_calendar_connections",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_analysis_tasks",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
		{
			Version: 4,
			Name:    "create_goals_and_reminder_log",
			UpSQL:   migration004Up,
			DownSQL: migration004Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE PROGRESS STATES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- One row per user. retroactive_done is a one-way latch.
CREATE TABLE IF NOT EXISTS progress_states (
    user_id UUID PRIMARY KEY,
    total_points INTEGER NOT NULL DEFAULT 0,
    points_by_category JSONB NOT NULL DEFAULT '{}'::jsonb,
    event_count INTEGER NOT NULL DEFAULT 0,
    retroactive_done BOOLEAN NOT NULL DEFAULT FALSE,
    analysis_status VARCHAR(32) NOT NULL DEFAULT 'pending',
    blocked_reason TEXT NOT NULL DEFAULT '',
    completed_at TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_points CHECK (total_points >= 0),
    CONSTRAINT valid_event_count CHECK (event_count >= 0),
    CONSTRAINT valid_analysis_status CHECK (analysis_status IN ('pending', 'completed', 'blocked_needs_reconnect')),
    CONSTRAINT done_means_completed CHECK (NOT retroactive_done OR analysis_status = 'completed')
);

CREATE INDEX IF NOT EXISTS idx_progress_states_status ON progress_states(analysis_status);

CREATE OR REPLACE FUNCTION progress_states_guard()
RETURNS TRIGGER AS $$
BEGIN
    IF OLD.retroactive_done AND NOT NEW.retroactive_done THEN
        RAISE EXCEPTION 'retroactive_done cannot be reverted for user %', OLD.user_id;
    END IF;
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_progress_states_guard ON progress_states;
CREATE TRIGGER trg_progress_states_guard
    BEFORE UPDATE ON progress_states
    FOR EACH ROW
    EXECUTE FUNCTION progress_states_guard();
`

const migration001Down = `
DROP TRIGGER IF EXISTS trg_progress_states_guard ON progress_states;
DROP FUNCTION IF EXISTS progress_states_guard();
DROP TABLE IF EXISTS progress_states;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: CREATE CALENDAR CONNECTIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS calendar_connections (
    user_id UUID PRIMARY KEY,
    feed_url TEXT NOT NULL,
    connected_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_feed_url CHECK (feed_url ~* '^(https?|webcal)://')
);
`

const migration002Down = `
DROP TABLE IF EXISTS calendar_connections;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: CREATE ANALYSIS TASKS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Idempotent task submissions consumed by the worker.
CREATE TABLE IF NOT EXISTS analysis_tasks (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    idempotency_key VARCHAR(200) NOT NULL UNIQUE,
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    explicit BOOLEAN NOT NULL DEFAULT FALSE,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    lease_until TIMESTAMP WITH TIME ZONE,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP WITH TIME ZONE,

    CONSTRAINT valid_task_status CHECK (status IN ('pending', 'running', 'succeeded', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_analysis_tasks_due ON analysis_tasks(next_attempt_at)
    WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_analysis_tasks_user ON analysis_tasks(user_id);
`

const migration003Down = `
DROP TABLE IF EXISTS analysis_tasks;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: CREATE GOALS AND REMINDER LOG
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE TABLE IF NOT EXISTS goals (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL,
    title VARCHAR(200) NOT NULL,
    due_date DATE NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_goals_due_date ON goals(due_date);
CREATE INDEX IF NOT EXISTS idx_goals_user_due ON goals(user_id, due_date);

-- (goal_id, offset_days) is dispatched at most once.
CREATE TABLE IF NOT EXISTS reminder_log (
    goal_id UUID NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    offset_days SMALLINT NOT NULL,
    sent_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (goal_id, offset_days)
);
`

const migration004Down = `
DROP TABLE IF EXISTS reminder_log;
DROP TABLE IF EXISTS goals;
`
