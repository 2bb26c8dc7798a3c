package store

// Schema is the complete analysis schema. Timestamps are unix millis.
const Schema = `
-- One row per submitted analysis run
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    input_json       TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'CREATED',
    progress         INTEGER NOT NULL DEFAULT 0,
    current_stage    TEXT NOT NULL DEFAULT '',
    result_json      TEXT NOT NULL DEFAULT '{}',
    error_code       TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    error_remedy     TEXT NOT NULL DEFAULT '',
    fallback_used    INTEGER NOT NULL DEFAULT 0,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    started_at       INTEGER,
    finished_at      INTEGER,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- Unconfirmed candidate findings awaiting human confirmation
CREATE TABLE IF NOT EXISTS findings (
    id          TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    value       TEXT NOT NULL,
    score       REAL NOT NULL DEFAULT 0,
    confirmed   INTEGER NOT NULL DEFAULT 0,
    detail_json TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_job ON findings(job_id, kind);

-- Validation rejections and job lifecycle events
CREATE TABLE IF NOT EXISTS audit_log (
    id         TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    entity_id  TEXT NOT NULL DEFAULT '',
    owner_id   TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at DESC);
`
