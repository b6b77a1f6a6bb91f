package store

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS metrics_reports (
    id            TEXT PRIMARY KEY,
    report_type   TEXT NOT NULL,
    period_start  TIMESTAMPTZ NOT NULL,
    period_end    TIMESTAMPTZ NOT NULL,
    generated_at  TIMESTAMPTZ NOT NULL,
    payload       JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metrics_reports_generated ON metrics_reports(generated_at DESC);

CREATE TABLE IF NOT EXISTS lp_sessions (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lp_session_metrics (
    session_id   TEXT NOT NULL REFERENCES lp_sessions(id) ON DELETE CASCADE,
    metric_date  DATE NOT NULL,
    sessions     BIGINT NOT NULL DEFAULT 0,
    conversions  BIGINT NOT NULL DEFAULT 0,
    revenue      DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
    clicks       BIGINT NOT NULL DEFAULT 0,
    impressions  BIGINT NOT NULL DEFAULT 0,
    recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (session_id, metric_date)
);

CREATE INDEX IF NOT EXISTS idx_lp_session_metrics_date ON lp_session_metrics(metric_date);
`

const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS metrics_reports (
    id            TEXT PRIMARY KEY,
    report_type   TEXT NOT NULL,
    generated_at  INTEGER NOT NULL,
    payload       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lp_sessions (
    id      TEXT PRIMARY KEY,
    name    TEXT NOT NULL DEFAULT '',
    status  TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS lp_session_metrics (
    session_id   TEXT NOT NULL REFERENCES lp_sessions(id) ON DELETE CASCADE,
    metric_date  TEXT NOT NULL,
    sessions     INTEGER NOT NULL DEFAULT 0,
    conversions  INTEGER NOT NULL DEFAULT 0,
    revenue      REAL NOT NULL DEFAULT 0,
    cost         REAL NOT NULL DEFAULT 0,
    clicks       INTEGER NOT NULL DEFAULT 0,
    impressions  INTEGER NOT NULL DEFAULT 0,
    recorded_at  INTEGER NOT NULL,
    PRIMARY KEY (session_id, metric_date)
);

CREATE INDEX IF NOT EXISTS idx_reports_generated ON metrics_reports(generated_at);
CREATE INDEX IF NOT EXISTS idx_metrics_date ON lp_session_metrics(metric_date);
`
