package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/cuemby/forge/pkg/types"
)

const (
	// Per-write transaction deadlines. Single-row writes get 5s, bulk
	// log insertion gets 10s.
	writeTimeout = 5 * time.Second
	bulkTimeout  = 10 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id                TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	status            TEXT NOT NULL,
	worker_id         TEXT NOT NULL DEFAULT '',
	source_path       TEXT NOT NULL DEFAULT '',
	certs_path        TEXT NOT NULL DEFAULT '',
	result_path       TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	access_token      TEXT NOT NULL,
	last_heartbeat_at DATETIME NOT NULL,
	submitted_at      DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_status_submitted ON builds(status, submitted_at);
CREATE INDEX IF NOT EXISTS idx_builds_worker ON builds(worker_id);

CREATE TABLE IF NOT EXISTS workers (
	id                      TEXT PRIMARY KEY,
	name                    TEXT NOT NULL DEFAULT '',
	capabilities            TEXT NOT NULL DEFAULT '{}',
	status                  TEXT NOT NULL,
	access_token            TEXT NOT NULL,
	access_token_expires_at DATETIME NOT NULL,
	builds_completed        INTEGER NOT NULL DEFAULT 0,
	builds_failed           INTEGER NOT NULL DEFAULT 0,
	last_seen_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS build_logs (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id  TEXT NOT NULL REFERENCES builds(id),
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_logs_build ON build_logs(build_id, seq);
`

// SQLiteStore implements Store on a single SQLite database file.
//
// SQLite has one writer at a time, so the relational SKIP LOCKED pattern
// degenerates cleanly: claim transactions are opened with BEGIN IMMEDIATE
// and serialize on the write lock (bounded by busy_timeout) instead of
// skipping locked rows. The exactly-once assignment contract is identical.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and bootstraps the
// schema.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on&loc=UTC", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable (used by /healthz).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Build operations

func (s *SQLiteStore) InsertBuild(ctx context.Context, b *types.Build) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO builds (id, platform, status, worker_id, source_path, certs_path,
			result_path, error_message, access_token, last_heartbeat_at, submitted_at, updated_at)
		VALUES (:id, :platform, :status, :worker_id, :source_path, :certs_path,
			:result_path, :error_message, :access_token, :last_heartbeat_at, :submitted_at, :updated_at)`, b)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("build %s: %w", b.ID, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert build %s: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	var b types.Build
	err := s.db.GetContext(ctx, &b, `SELECT * FROM builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLiteStore) UpdateBuild(ctx context.Context, b *types.Build) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := s.db.NamedExecContext(ctx, updateBuildSQL, b)
	if err != nil {
		return fmt.Errorf("failed to update build %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("build %s: %w", b.ID, types.ErrNotFound)
	}
	return nil
}

const updateBuildSQL = `
	UPDATE builds SET
		platform = :platform,
		status = :status,
		worker_id = :worker_id,
		source_path = :source_path,
		certs_path = :certs_path,
		result_path = :result_path,
		error_message = :error_message,
		last_heartbeat_at = :last_heartbeat_at,
		updated_at = :updated_at
	WHERE id = :id`

// UpdateBuildIf is the compare-and-swap variant of UpdateBuild: the row is
// written only while its status still equals expected. Zero rows affected
// means another writer transitioned the build first; the caller gets
// ErrConflict and must re-read before deciding anything.
func (s *SQLiteStore) UpdateBuildIf(ctx context.Context, b *types.Build, expected types.BuildStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := s.db.NamedExecContext(ctx, updateBuildSQL+` AND status = :expected_status`,
		&guardedBuild{Build: b, ExpectedStatus: expected})
	if err != nil {
		return fmt.Errorf("failed to update build %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("build %s is no longer %s: %w", b.ID, expected, types.ErrConflict)
	}
	return nil
}

type guardedBuild struct {
	*types.Build
	ExpectedStatus types.BuildStatus `db:"expected_status"`
}

func (s *SQLiteStore) ListBuildsByStatus(ctx context.Context, status types.BuildStatus) ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.SelectContext(ctx, &builds, `
		SELECT * FROM builds WHERE status = ? ORDER BY submitted_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds by status %s: %w", status, err)
	}
	return builds, nil
}

// Worker operations

func (s *SQLiteStore) InsertWorker(ctx context.Context, w *types.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workers (id, name, capabilities, status, access_token,
			access_token_expires_at, builds_completed, builds_failed, last_seen_at)
		VALUES (:id, :name, :capabilities, :status, :access_token,
			:access_token_expires_at, :builds_completed, :builds_failed, :last_seen_at)`, w)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("worker %s: %w", w.ID, types.ErrConflict)
		}
		return fmt.Errorf("failed to insert worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *types.Worker) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	res, err := s.db.NamedExecContext(ctx, updateWorkerSQL, w)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", w.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s: %w", w.ID, types.ErrNotFound)
	}
	return nil
}

const updateWorkerSQL = `
	UPDATE workers SET
		name = :name,
		capabilities = :capabilities,
		status = :status,
		access_token = :access_token,
		access_token_expires_at = :access_token_expires_at,
		builds_completed = :builds_completed,
		builds_failed = :builds_failed,
		last_seen_at = :last_seen_at
	WHERE id = :id`

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.GetContext(ctx, &w, `SELECT * FROM workers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	return &w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.SelectContext(ctx, &workers, `SELECT * FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

func (s *SQLiteStore) ReleaseWorker(ctx context.Context, workerID string, outcome ReleaseOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var counter string
	switch outcome {
	case ReleaseCompleted:
		counter = "builds_completed = builds_completed + 1,"
	case ReleaseFailed:
		counter = "builds_failed = builds_failed + 1,"
	}

	// The counter records the build's outcome and moves regardless of the
	// worker's current state. Only a building worker goes back to idle; an
	// offline worker stays offline until it re-registers.
	q := fmt.Sprintf(`
		UPDATE workers SET %s status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ?`, counter)
	_, err := s.db.ExecContext(ctx, q, types.WorkerStatusBuilding, types.WorkerStatusIdle, workerID)
	if err != nil {
		return fmt.Errorf("failed to release worker %s: %w", workerID, err)
	}
	return nil
}

// Log operations

func (s *SQLiteStore) AppendLogs(ctx context.Context, buildID string, entries []*types.BuildLog) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_logs (build_id, level, message, timestamp) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, buildID, e.Level, e.Message, ts); err != nil {
			return fmt.Errorf("failed to append log for build %s: %w", buildID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit logs for build %s: %w", buildID, err)
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, buildID string, sinceSeq int64) ([]*types.BuildLog, error) {
	var logs []*types.BuildLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT * FROM build_logs WHERE build_id = ? AND seq > ? ORDER BY seq ASC`, buildID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for build %s: %w", buildID, err)
	}
	return logs, nil
}

// Sweeps

// MarkStuckBuildsFailed fails every assigned or building build whose last
// heartbeat is older than timeout and returns the affected builds so the
// caller can settle their workers.
func (s *SQLiteStore) MarkStuckBuildsFailed(ctx context.Context, timeout time.Duration) ([]*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	now := time.Now().UTC()
	cutoff := now.Add(-timeout)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}
	defer tx.Rollback()

	var stuck []*types.Build
	err = tx.SelectContext(ctx, &stuck, `
		SELECT * FROM builds
		WHERE status IN (?, ?) AND last_heartbeat_at < ?
		ORDER BY submitted_at ASC`,
		types.BuildStatusAssigned, types.BuildStatusBuilding, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stuck builds: %w", err)
	}
	if len(stuck) == 0 {
		return nil, tx.Commit()
	}

	for _, b := range stuck {
		_, err := tx.ExecContext(ctx, `
			UPDATE builds SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			types.BuildStatusFailed, "heartbeat timeout", now, b.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fail stuck build %s: %w", b.ID, err)
		}
		b.Status = types.BuildStatusFailed
		b.ErrorMessage = "heartbeat timeout"
		b.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stuck-build sweep: %w", err)
	}
	return stuck, nil
}

// MarkOfflineIfStale flips every non-offline worker whose last_seen_at is
// older than timeout to offline. Returns the number of workers affected.
func (s *SQLiteStore) MarkOfflineIfStale(ctx context.Context, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ? WHERE status != ? AND last_seen_at < ?`,
		types.WorkerStatusOffline, types.WorkerStatusOffline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale workers offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Aggregates

func (s *SQLiteStore) Stats(ctx context.Context) (*types.FarmStats, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats := &types.FarmStats{Timestamp: now}

	queries := []struct {
		dst   *int64
		query string
		args  []interface{}
	}{
		{&stats.NodesOnline, `SELECT COUNT(*) FROM workers WHERE status != ?`,
			[]interface{}{types.WorkerStatusOffline}},
		{&stats.BuildsQueued, `SELECT COUNT(*) FROM builds WHERE status = ?`,
			[]interface{}{types.BuildStatusPending}},
		{&stats.ActiveBuilds, `SELECT COUNT(*) FROM builds WHERE status IN (?, ?)`,
			[]interface{}{types.BuildStatusAssigned, types.BuildStatusBuilding}},
		{&stats.BuildsToday, `SELECT COUNT(*) FROM builds WHERE submitted_at >= ?`,
			[]interface{}{midnight}},
		{&stats.TotalBuilds, `SELECT COUNT(*) FROM builds`, nil},
	}
	for _, q := range queries {
		if err := s.db.GetContext(ctx, q.dst, q.query, q.args...); err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}
	}
	return stats, nil
}

// Transactions

// Begin opens an immediate (write-locked) transaction with the single-row
// write deadline. The returned Tx must be committed or rolled back.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx, cancel: cancel}, nil
}

type sqliteTx struct {
	tx     *sqlx.Tx
	cancel context.CancelFunc
}

func (t *sqliteTx) NextPendingForUpdate(platforms []types.Platform) (*types.Build, error) {
	query := `SELECT * FROM builds WHERE status = ?`
	args := []interface{}{types.BuildStatusPending}

	if len(platforms) > 0 {
		query += ` AND platform IN (?` + repeatPlaceholder(len(platforms)-1) + `)`
		for _, p := range platforms {
			args = append(args, p)
		}
	}
	query += ` ORDER BY submitted_at ASC, id ASC LIMIT 1`

	var b types.Build
	err := t.tx.Get(&b, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending build: %w", err)
	}
	return &b, nil
}

func (t *sqliteTx) UpdateBuild(b *types.Build) error {
	res, err := t.tx.NamedExec(updateBuildSQL, b)
	if err != nil {
		return fmt.Errorf("failed to update build %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("build %s: %w", b.ID, types.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) UpdateWorker(w *types.Worker) error {
	res, err := t.tx.NamedExec(updateWorkerSQL, w)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", w.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s: %w", w.ID, types.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	defer t.cancel()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	defer t.cancel()
	return t.tx.Rollback()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
