package jobstore

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    org_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    repo TEXT,
    issue_number INTEGER,
    thread_ref TEXT,
    result TEXT,
    error TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CHECK (result IS NULL OR error IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_repo_issue ON jobs(type, repo, issue_number);

CREATE TABLE IF NOT EXISTS org_settings (
    org_id TEXT NOT NULL,
    job_type TEXT NOT NULL,
    mode TEXT NOT NULL,
    PRIMARY KEY (org_id, job_type)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id BIGSERIAL PRIMARY KEY,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    org_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    repo TEXT,
    issue_number INTEGER,
    thread_ref TEXT,
    result TEXT,
    error TEXT,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CHECK (result IS NULL OR error IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_type_repo_issue ON jobs(type, repo, issue_number);

CREATE TABLE IF NOT EXISTS org_settings (
    org_id TEXT NOT NULL,
    job_type TEXT NOT NULL,
    mode TEXT NOT NULL,
    PRIMARY KEY (org_id, job_type)
);
`
