// Coworker is a sandboxed workspace agent service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed control-plane store: sessions,
// jobs, results, and approvals, plus schema migrations and the atomic
// leasing primitive the worker scheduler is built on.
//
// Every write is a single committed transaction; a failure surfaces as an
// error from the primitive, never as a half-applied update. The store
// tolerates crash-restart between any two primitives: jobs that were
// RUNNING stay RUNNING with their lease, and expired leases are reclaimed
// by the next ClaimJobLease.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"coworker/pkg/coworker"
	"coworker/pkg/crypto"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
)

// Store wraps a SQLite database connection and provides typed accessors.
// When an Encryptor is configured, session bearer tokens are sealed
// before they reach disk.
type Store struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. enc may be nil,
// in which case session tokens are stored in plaintext.
func Open(ctx context.Context, path string, enc *crypto.Encryptor) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: concurrent reads during writes
	// - foreign_keys=ON: results follow their jobs on delete
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, enc: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
  session_id    TEXT PRIMARY KEY,
  token         TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS jobs (
  job_id              TEXT PRIMARY KEY,
  dedupe_key          TEXT NOT NULL,
  type                INTEGER NOT NULL,
  status              INTEGER NOT NULL,
  created_at_ms       INTEGER NOT NULL,
  started_at_ms       INTEGER NULL,
  finished_at_ms      INTEGER NULL,
  error_message       TEXT NULL,
  params_json         TEXT NOT NULL,
  allowed_roots_json  TEXT NOT NULL,
  lease_owner         TEXT NULL,
  lease_expires_at_ms INTEGER NULL,
  approval_token      TEXT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key, type);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,

		`CREATE TABLE IF NOT EXISTS results (
  job_id        TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
  result_bytes  BLOB NOT NULL,
  content_type  TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS approvals (
  token         TEXT PRIMARY KEY,
  plan_job_id   TEXT NOT NULL,
  plan_hash     TEXT NOT NULL,
  expires_at_ms INTEGER NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approvals(expires_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Sessions ---------------

// CreateSession inserts or replaces a session row. Overwrite-safe.
func (s *Store) CreateSession(ctx context.Context, sessionID, token string, nowMS int64) error {
	stored := token
	if s.enc != nil {
		sealed, err := s.enc.Seal(token)
		if err != nil {
			return fmt.Errorf("seal session token: %w", err)
		}
		stored = sealed
	}
	const upsert = `INSERT OR REPLACE INTO sessions(session_id, token, created_at_ms) VALUES(?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, upsert, sessionID, stored, nowMS); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionToken returns the bearer token for a session or ErrNotFound.
func (s *Store) GetSessionToken(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT token FROM sessions WHERE session_id=?`
	var stored string
	if err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get session token: %w", err)
	}
	if s.enc != nil {
		token, err := s.enc.Open(stored)
		if err != nil {
			return "", fmt.Errorf("open session token: %w", err)
		}
		return token, nil
	}
	return stored, nil
}

// --------------- Jobs ---------------

// UpsertJobIfNew atomically inserts a QUEUED job unless a row with the
// same (dedupe_key, type) already exists. Returns (true, jobID) when a
// new row was created and (false, existingID) otherwise.
func (s *Store) UpsertJobIfNew(ctx context.Context, job *coworker.Job) (bool, string, error) {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return false, "", fmt.Errorf("encode params: %w", err)
	}
	rootsJSON, err := json.Marshal(job.AllowedRoots)
	if err != nil {
		return false, "", fmt.Errorf("encode roots: %w", err)
	}

	created := false
	effectiveID := ""
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT job_id FROM jobs WHERE dedupe_key=? AND type=?`
		var existing string
		err := tx.QueryRowContext(ctx, sel, job.DedupeKey, int(job.Type)).Scan(&existing)
		if err == nil {
			effectiveID = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select dedupe: %w", err)
		}

		const ins = `
INSERT INTO jobs(job_id, dedupe_key, type, status, created_at_ms, params_json, allowed_roots_json, approval_token)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, ins,
			job.ID, job.DedupeKey, int(job.Type), int(coworker.StatusQueued), job.CreatedAtMS,
			string(paramsJSON), string(rootsJSON), nullIfEmpty(job.ApprovalToken)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		created = true
		effectiveID = job.ID
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return created, effectiveID, nil
}

const jobColumns = `job_id, dedupe_key, type, status, created_at_ms, started_at_ms, finished_at_ms, error_message, params_json, allowed_roots_json, lease_owner, lease_expires_at_ms, approval_token`

// GetJob retrieves a job by id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*coworker.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FetchNextQueuedJob returns the oldest runnable job: QUEUED, or RUNNING
// with a lapsed lease (so orphaned jobs are ever observed by a worker).
// Order is created_at_ms with job_id as the stable tie-break. Pure read;
// ClaimJobLease is the only gate. Returns ErrNotFound when the queue is
// empty.
func (s *Store) FetchNextQueuedJob(ctx context.Context, nowMS int64) (*coworker.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE status=?
   OR (status=? AND lease_expires_at_ms IS NOT NULL AND lease_expires_at_ms < ?)
ORDER BY created_at_ms ASC, job_id ASC LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, q,
		int(coworker.StatusQueued), int(coworker.StatusRunning), nowMS))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch next queued job: %w", err)
	}
	return job, nil
}

// ClaimJobLease is the scheduler primitive: a single atomic update that
// transitions the job to RUNNING and assigns (lease_owner,
// lease_expires_at_ms) iff the row is currently QUEUED or RUNNING with an
// expired lease. started_at_ms is set only on the first transition.
// Returns true iff exactly one row updated.
func (s *Store) ClaimJobLease(ctx context.Context, jobID, workerID string, leaseMS, nowMS int64) (bool, error) {
	const upd = `UPDATE jobs
SET status=?,
    started_at_ms=COALESCE(started_at_ms, ?),
    lease_owner=?,
    lease_expires_at_ms=?
WHERE job_id=?
  AND (
    status=?
    OR (status=? AND lease_expires_at_ms IS NOT NULL AND lease_expires_at_ms < ?)
  )`
	res, err := s.db.ExecContext(ctx, upd,
		int(coworker.StatusRunning), nowMS, workerID, nowMS+leaseMS, jobID,
		int(coworker.StatusQueued), int(coworker.StatusRunning), nowMS)
	if err != nil {
		return false, fmt.Errorf("claim job lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteJob transitions a job to SUCCEEDED or FAILED, stamps
// finished_at_ms, and clears the lease. Rows already terminal are left
// untouched so finished_at_ms is set exactly once.
func (s *Store) CompleteJob(ctx context.Context, jobID string, ok bool, errorMessage string, nowMS int64) error {
	status := coworker.StatusSucceeded
	if !ok {
		status = coworker.StatusFailed
	}
	const upd = `UPDATE jobs
SET status=?,
    finished_at_ms=?,
    error_message=?,
    lease_owner=NULL,
    lease_expires_at_ms=NULL
WHERE job_id=? AND status NOT IN (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, upd,
		int(status), nowMS, nullIfEmpty(errorMessage), jobID,
		int(coworker.StatusSucceeded), int(coworker.StatusFailed), int(coworker.StatusCanceled))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// --------------- Results ---------------

// PutResult upserts the result payload for a job. Called by the worker
// after handler success and before CompleteJob.
func (s *Store) PutResult(ctx context.Context, jobID string, data []byte, contentType string, nowMS int64) error {
	const upsert = `INSERT OR REPLACE INTO results(job_id, result_bytes, content_type, created_at_ms) VALUES(?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, upsert, jobID, data, contentType, nowMS); err != nil {
		return fmt.Errorf("put result: %w", err)
	}
	return nil
}

// GetResult retrieves the stored result for a job or ErrNotFound.
func (s *Store) GetResult(ctx context.Context, jobID string) (*coworker.Result, error) {
	const q = `SELECT result_bytes, content_type, created_at_ms FROM results WHERE job_id=?`
	res := &coworker.Result{JobID: jobID}
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&res.Bytes, &res.ContentType, &res.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return res, nil
}

// --------------- Approvals ---------------

// CreateApproval persists a minted approval row.
func (s *Store) CreateApproval(ctx context.Context, a coworker.Approval) error {
	const ins = `INSERT INTO approvals(token, plan_job_id, plan_hash, expires_at_ms, created_at_ms) VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, a.Token, a.PlanJobID, a.PlanHash, a.ExpiresAtMS, a.CreatedAtMS); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// ValidateApproval reports whether a live approval row matches all of
// (token, plan_job_id, plan_hash).
func (s *Store) ValidateApproval(ctx context.Context, token, planJobID, planHash string, nowMS int64) (bool, error) {
	const q = `SELECT token FROM approvals WHERE token=? AND plan_job_id=? AND plan_hash=? AND expires_at_ms>?`
	var found string
	err := s.db.QueryRowContext(ctx, q, token, planJobID, planHash, nowMS).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate approval: %w", err)
	}
	return true, nil
}

// PurgeExpiredApprovals deletes every approval at or past its expiry.
func (s *Store) PurgeExpiredApprovals(ctx context.Context, nowMS int64) error {
	const del = `DELETE FROM approvals WHERE expires_at_ms<=?`
	if _, err := s.db.ExecContext(ctx, del, nowMS); err != nil {
		return fmt.Errorf("purge expired approvals: %w", err)
	}
	return nil
}

// --------------- Internal helpers ---------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*coworker.Job, error) {
	var row struct {
		id, dedupeKey         string
		jtype, status         int
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
		errorMessage          sql.NullString
		paramsJSON, rootsJSON string
		leaseOwner            sql.NullString
		leaseExpires          sql.NullInt64
		approvalToken         sql.NullString
	}
	if err := r.Scan(
		&row.id, &row.dedupeKey, &row.jtype, &row.status, &row.createdAt,
		&row.startedAt, &row.finishedAt, &row.errorMessage,
		&row.paramsJSON, &row.rootsJSON,
		&row.leaseOwner, &row.leaseExpires, &row.approvalToken); err != nil {
		return nil, err
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(row.paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	var roots []string
	if err := json.Unmarshal([]byte(row.rootsJSON), &roots); err != nil {
		return nil, fmt.Errorf("decode roots: %w", err)
	}

	return &coworker.Job{
		ID:             row.id,
		DedupeKey:      row.dedupeKey,
		Type:           coworker.JobType(row.jtype),
		Status:         coworker.JobStatus(row.status),
		CreatedAtMS:    row.createdAt,
		StartedAtMS:    fromNullInt64Ptr(row.startedAt),
		FinishedAtMS:   fromNullInt64Ptr(row.finishedAt),
		ErrorMessage:   fromNullStringPtr(row.errorMessage),
		Params:         params,
		AllowedRoots:   roots,
		LeaseOwner:     fromNullStringPtr(row.leaseOwner),
		LeaseExpiresMS: fromNullInt64Ptr(row.leaseExpires),
		ApprovalToken:  fromNullString(row.approvalToken),
	}, nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}
