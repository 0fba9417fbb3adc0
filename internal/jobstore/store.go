// Package jobstore persists jobs and per-organization settings. SQLite is
// used for local runs and tests, Postgres (through pgx) in production.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const jobColumns = `id, type, payload, status, org_id, user_id, repo, issue_number, thread_ref, result, error, started_at, completed_at, created_at, updated_at`

// Store provides job persistence
type Store struct {
	db *sqlx.DB
}

// NewJob holds the fields supplied at job creation
type NewJob struct {
	Type    domain.JobType
	Payload json.RawMessage
	OrgID   string
	UserID  string
}

// New opens the database for driver ("sqlite" or "pgx") and applies the schema
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	schema := postgresSchema
	if driver == "sqlite" {
		// A single connection keeps :memory: databases coherent and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, err
		}
		schema = sqliteSchema
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a pending job and returns it
func (s *Store) CreateJob(ctx context.Context, nj NewJob) (*domain.Job, error) {
	if !nj.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidInput, nj.Type)
	}
	if nj.OrgID == "" {
		return nil, &domain.ValidationError{Field: "org_id", Message: "required"}
	}
	if nj.UserID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Message: "required"}
	}

	repo, issue := domain.RepoAndIssue(nj.Type, nj.Payload)
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO jobs (type, payload, status, org_id, user_id, repo, issue_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		string(nj.Type),
		string(nj.Payload),
		string(domain.StatusPending),
		nj.OrgID,
		nj.UserID,
		nullIfEmpty(repo),
		nullIfZero(issue),
		now,
		now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return &domain.Job{
		ID:        id,
		Type:      nj.Type,
		Payload:   nj.Payload,
		Status:    domain.StatusPending,
		OrgID:     nj.OrgID,
		UserID:    nj.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// UpdateJobStatus applies a forward status transition. Fields already set
// are never cleared: started_at, completed_at and thread_ref keep their
// first value. Terminal jobs reject every further transition with
// domain.ErrInvalidTransition.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, status domain.JobStatus, upd domain.StatusUpdate) error {
	now := time.Now().UTC()

	var query string
	var args []interface{}

	switch status {
	case domain.StatusProcessing:
		query = `UPDATE jobs SET
				status = ?,
				started_at = COALESCE(started_at, ?),
				thread_ref = COALESCE(thread_ref, ?),
				updated_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')`
		args = []interface{}{string(status), now, nullString(upd.ThreadRef), now, id}

	case domain.StatusCompleted, domain.StatusFailed:
		var result, errMsg interface{}
		if status == domain.StatusCompleted {
			result = "{}"
			if len(upd.Result) > 0 {
				result = string(upd.Result)
			}
		} else {
			errMsg = "unknown error"
			if upd.Error != nil && *upd.Error != "" {
				errMsg = *upd.Error
			}
		}
		query = `UPDATE jobs SET
				status = ?,
				completed_at = COALESCE(completed_at, ?),
				result = ?,
				error = ?,
				thread_ref = COALESCE(thread_ref, ?),
				updated_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')`
		args = []interface{}{string(status), now, result, errMsg, nullString(upd.ThreadRef), now, id}

	default:
		return fmt.Errorf("%w: cannot move job %d to %q", domain.ErrInvalidTransition, id, status)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if n == 0 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	return nil
}

// FindJobs returns jobs matching the filter, oldest first
func (s *Store) FindJobs(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}

	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.OrgID != "" {
		query += " AND org_id = ?"
		args = append(args, f.OrgID)
	}
	if f.Repo != "" {
		query += " AND repo = ?"
		args = append(args, f.Repo)
	}
	if f.IssueNumber > 0 {
		query += " AND issue_number = ?"
		args = append(args, f.IssueNumber)
	}

	query += " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs, nil
}

// FindIssueFixJob returns the oldest issue-fix job for repo and issue
func (s *Store) FindIssueFixJob(ctx context.Context, repo string, issue int) (*domain.Job, error) {
	jobs, err := s.FindJobs(ctx, domain.JobFilter{
		Type:        domain.JobIssueFix,
		Repo:        repo,
		IssueNumber: issue,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, domain.ErrNotFound
	}
	return jobs[0], nil
}

// OrgModes returns the mode overrides configured for an organization
func (s *Store) OrgModes(ctx context.Context, orgID string) (map[domain.JobType]string, error) {
	var rows []struct {
		JobType string `db:"job_type"`
		Mode    string `db:"mode"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT job_type, mode FROM org_settings WHERE org_id = ?`), orgID)
	if err != nil {
		return nil, fmt.Errorf("org modes %s: %w", orgID, err)
	}

	modes := make(map[domain.JobType]string, len(rows))
	for _, r := range rows {
		modes[domain.JobType(r.JobType)] = r.Mode
	}
	return modes, nil
}

// SetOrgMode stores a mode override for one job type of an organization
func (s *Store) SetOrgMode(ctx context.Context, orgID string, jobType domain.JobType, mode string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO org_settings (org_id, job_type, mode)
		VALUES (?, ?, ?)
		ON CONFLICT (org_id, job_type) DO UPDATE SET mode = excluded.mode`),
		orgID, string(jobType), mode)
	if err != nil {
		return fmt.Errorf("set org mode %s/%s: %w", orgID, jobType, err)
	}
	return nil
}

type jobRow struct {
	ID          int64          `db:"id"`
	Type        string         `db:"type"`
	Payload     string         `db:"payload"`
	Status      string         `db:"status"`
	OrgID       string         `db:"org_id"`
	UserID      string         `db:"user_id"`
	Repo        sql.NullString `db:"repo"`
	IssueNumber sql.NullInt64  `db:"issue_number"`
	ThreadRef   sql.NullString `db:"thread_ref"`
	Result      sql.NullString `db:"result"`
	Error       sql.NullString `db:"error"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:        r.ID,
		Type:      domain.JobType(r.Type),
		Payload:   json.RawMessage(r.Payload),
		Status:    domain.JobStatus(r.Status),
		OrgID:     r.OrgID,
		UserID:    r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.ThreadRef.Valid {
		v := r.ThreadRef.String
		job.ThreadRef = &v
	}
	if r.Result.Valid {
		job.Result = json.RawMessage(r.Result.String)
	}
	if r.Error.Valid {
		v := r.Error.String
		job.Error = &v
	}
	if r.StartedAt.Valid {
		v := r.StartedAt.Time
		job.StartedAt = &v
	}
	if r.CompletedAt.Valid {
		v := r.CompletedAt.Time
		job.CompletedAt = &v
	}
	return job
}

func nullString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
