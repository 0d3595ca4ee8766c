package usagestore

// Times are stored as unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS user_usage (
    user_id TEXT PRIMARY KEY,
    concurrent_tasks INTEGER NOT NULL DEFAULT 0,
    tasks_this_hour INTEGER NOT NULL DEFAULT 0,
    hour_started_at INTEGER NOT NULL,
    cost_today REAL NOT NULL DEFAULT 0,
    day_started_at INTEGER NOT NULL,
    cost_this_month REAL NOT NULL DEFAULT 0,
    month_started_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS log_chunks (
    task_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    content TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (task_id, sequence)
);

CREATE TABLE IF NOT EXISTS dispatches (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    worker TEXT NOT NULL,
    estimated_cost REAL NOT NULL DEFAULT 0,
    webhook_secret TEXT NOT NULL,
    day_started_at INTEGER NOT NULL,
    month_started_at INTEGER NOT NULL,
    dispatched_at INTEGER NOT NULL,
    finalized_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dispatches_user_id ON dispatches(user_id);
`
