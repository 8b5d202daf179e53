package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flatlinehq/flatline/internal/ferrors"
)

// timeFormat is the RFC 3339 layout every timestamp column is stored in.
const timeFormat = time.RFC3339

// Store is the SQLite-backed state store. Opened once per process; callers
// share a single *Store rather than opening their own connection pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tool_stats (
		tool_name TEXT NOT NULL,
		window_start TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		avg_duration_ms INTEGER,
		PRIMARY KEY (tool_name, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS fixes (
		id TEXT PRIMARY KEY,
		detected_at TEXT NOT NULL,
		pattern TEXT,
		diagnosis TEXT,
		action TEXT,
		applied_at TEXT,
		verified INTEGER,
		user_notified INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS suppressions (
		pattern TEXT PRIMARY KEY,
		suppressed_until TEXT,
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checked_at TEXT NOT NULL,
		from_version TEXT NOT NULL,
		to_version TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		rollback_reason TEXT,
		migration_log TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fixes_detected_at ON fixes (detected_at)`,
	`CREATE INDEX IF NOT EXISTS idx_updates_status ON updates (status)`,
}

// Open creates or opens the state database at path, applying the schema
// migration once, with write-ahead journaling and foreign keys on.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create state db directory %s: %s", ferrors.ErrStorageFailure, dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open state db at %s: %s", ferrors.ErrStorageFailure, path, err)
	}
	db.SetMaxOpenConns(2)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("%w: set WAL journal mode: %s", ferrors.ErrStorageFailure, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("%w: enable foreign keys: %s", ferrors.ErrStorageFailure, err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s", ferrors.ErrStorageFailure, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			preview := stmt
			if len(preview) > 40 {
				preview = preview[:40]
			}
			return fmt.Errorf("migrate %q: %w", preview, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordToolStat upserts an hourly bucket: on conflict on (tool, window),
// counters are incremented and the running average recomputed. When this is
// the first sample for a bucket, avg_duration_ms is adopted directly rather
// than applying the incremental formula against a zero prior count.
func (s *Store) RecordToolStat(ctx context.Context, tool string, windowStart time.Time, success bool, durationMS *int64) error {
	successInc, failureInc := int64(0), int64(0)
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_stats (tool_name, window_start, success_count, failure_count, avg_duration_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tool_name, window_start) DO UPDATE SET
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			avg_duration_ms = CASE
				WHEN ? IS NOT NULL AND avg_duration_ms IS NOT NULL
					THEN (avg_duration_ms * (success_count + failure_count) + ?) /
					     (success_count + failure_count + 1)
				WHEN ? IS NOT NULL THEN ?
				ELSE avg_duration_ms
			END`,
		tool, windowStart.Format(timeFormat), successInc, failureInc, durationMS,
		successInc, failureInc,
		durationMS, durationMS,
		durationMS, durationMS,
	)
	if err != nil {
		return fmt.Errorf("record tool stat for tool=%s bucket=%s: %w", tool, windowStart.Format(timeFormat), err)
	}
	return nil
}

// ToolStats returns every bucket for tool at or after since, ascending by
// window start.
func (s *Store) ToolStats(ctx context.Context, tool string, since time.Time) ([]ToolStatBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, window_start, success_count, failure_count, avg_duration_ms
		FROM tool_stats
		WHERE tool_name = ? AND window_start >= ?
		ORDER BY window_start ASC`,
		tool, since.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	var out []ToolStatBucket
	for rows.Next() {
		var b ToolStatBucket
		var windowStr string
		if err := rows.Scan(&b.ToolName, &windowStr, &b.SuccessCount, &b.FailureCount, &b.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan tool stat row: %w", err)
		}
		ts, err := time.Parse(timeFormat, windowStr)
		if err != nil {
			return nil, fmt.Errorf("parse window_start %q: %w", windowStr, err)
		}
		b.WindowStart = ts
		out = append(out, b)
	}
	return out, rows.Err()
}

// DistinctToolNames lists tools with at least one bucket at or after since.
func (s *Store) DistinctToolNames(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT tool_name FROM tool_stats WHERE window_start >= ?`,
		since.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query distinct tool names: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tool name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// InsertFix inserts a new fix record.
func (s *Store) InsertFix(ctx context.Context, f FixRecord) error {
	var appliedAt, verified any
	if f.AppliedAt != nil {
		appliedAt = f.AppliedAt.Format(timeFormat)
	}
	if f.Verified != nil {
		verified = boolToInt(*f.Verified)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixes (id, detected_at, pattern, diagnosis, action, applied_at, verified, user_notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.DetectedAt.Format(timeFormat), f.Pattern, f.Diagnosis, f.Action,
		appliedAt, verified, boolToInt(f.UserNotified),
	)
	if err != nil {
		return fmt.Errorf("insert fix record %s: %w", f.ID, err)
	}
	return nil
}

// UpdateFix applies field-wise "keep previous if new is nil" updates.
func (s *Store) UpdateFix(ctx context.Context, id string, appliedAt *time.Time, verified *bool, userNotified *bool) error {
	var appliedAtStr, verifiedInt, notifiedInt any
	if appliedAt != nil {
		appliedAtStr = appliedAt.Format(timeFormat)
	}
	if verified != nil {
		verifiedInt = boolToInt(*verified)
	}
	if userNotified != nil {
		notifiedInt = boolToInt(*userNotified)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE fixes SET
			applied_at = COALESCE(?, applied_at),
			verified = COALESCE(?, verified),
			user_notified = COALESCE(?, user_notified)
		WHERE id = ?`,
		appliedAtStr, verifiedInt, notifiedInt, id,
	)
	if err != nil {
		return fmt.Errorf("update fix record %s: %w", id, err)
	}
	return nil
}

// RecentFixes returns the most recent fix records, newest first.
func (s *Store) RecentFixes(ctx context.Context, limit int) ([]FixRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, detected_at, pattern, diagnosis, action, applied_at, verified, user_notified
		FROM fixes
		ORDER BY detected_at DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent fixes: %w", err)
	}
	defer rows.Close()

	var out []FixRecord
	for rows.Next() {
		var f FixRecord
		var detectedAtStr string
		var appliedAtStr sql.NullString
		var verifiedInt sql.NullInt64
		var notifiedInt int64

		if err := rows.Scan(&f.ID, &detectedAtStr, &f.Pattern, &f.Diagnosis, &f.Action, &appliedAtStr, &verifiedInt, &notifiedInt); err != nil {
			return nil, fmt.Errorf("scan fix row: %w", err)
		}
		detectedAt, err := time.Parse(timeFormat, detectedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parse detected_at %q: %w", detectedAtStr, err)
		}
		f.DetectedAt = detectedAt
		if appliedAtStr.Valid {
			t, err := time.Parse(timeFormat, appliedAtStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse applied_at %q: %w", appliedAtStr.String, err)
			}
			f.AppliedAt = &t
		}
		if verifiedInt.Valid {
			v := verifiedInt.Int64 != 0
			f.Verified = &v
		}
		f.UserNotified = notifiedInt != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// IsSuppressed reports whether pattern has a suppression row whose expiry is
// either absent or in the future.
func (s *Store) IsSuppressed(ctx context.Context, pattern string) (bool, error) {
	now := time.Now().UTC().Format(timeFormat)
	var found string
	err := s.db.QueryRowContext(ctx, `
		SELECT pattern FROM suppressions
		WHERE pattern = ? AND (suppressed_until IS NULL OR suppressed_until > ?)`,
		pattern, now,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check suppression for %s: %w", pattern, err)
	}
	return true, nil
}

// Suppress upserts a suppression row for pattern.
func (s *Store) Suppress(ctx context.Context, pattern string, until *time.Time, reason *string) error {
	var untilStr any
	if until != nil {
		untilStr = until.Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (pattern, suppressed_until, reason)
		VALUES (?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			suppressed_until = ?,
			reason = ?`,
		pattern, untilStr, reason, untilStr, reason,
	)
	if err != nil {
		return fmt.Errorf("suppress pattern %s: %w", pattern, err)
	}
	return nil
}

// InsertUpdate inserts a new update record, returning its assigned id.
func (s *Store) InsertUpdate(ctx context.Context, u UpdateRecord) (int64, error) {
	var startedAt, completedAt any
	if u.StartedAt != nil {
		startedAt = u.StartedAt.Format(timeFormat)
	}
	if u.CompletedAt != nil {
		completedAt = u.CompletedAt.Format(timeFormat)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO updates (checked_at, from_version, to_version, status, started_at, completed_at, rollback_reason, migration_log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.CheckedAt.Format(timeFormat), u.FromVersion, u.ToVersion, string(u.Status),
		startedAt, completedAt, u.RollbackReason, u.MigrationLog,
	)
	if err != nil {
		return 0, fmt.Errorf("insert update record: %w", err)
	}
	return res.LastInsertId()
}

// SetUpdateStatus transitions an update row's status, field-wise merging any
// other provided values.
func (s *Store) SetUpdateStatus(ctx context.Context, id int64, status UpdateStatus, startedAt, completedAt *time.Time, rollbackReason, migrationLog *string) error {
	var startedAtStr, completedAtStr any
	if startedAt != nil {
		startedAtStr = startedAt.Format(timeFormat)
	}
	if completedAt != nil {
		completedAtStr = completedAt.Format(timeFormat)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE updates SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			rollback_reason = COALESCE(?, rollback_reason),
			migration_log = COALESCE(?, migration_log)
		WHERE id = ?`,
		string(status), startedAtStr, completedAtStr, rollbackReason, migrationLog, id,
	)
	if err != nil {
		return fmt.Errorf("set update status for id=%d: %w", id, err)
	}
	return nil
}

// LatestUpdate returns the most recently inserted update record, if any.
func (s *Store) LatestUpdate(ctx context.Context) (*UpdateRecord, error) {
	return s.queryOneUpdate(ctx, `
		SELECT id, checked_at, from_version, to_version, status, started_at, completed_at, rollback_reason, migration_log
		FROM updates ORDER BY id DESC LIMIT 1`)
}

// PendingUpdate returns the in-flight pending/downloading update row, if any.
func (s *Store) PendingUpdate(ctx context.Context) (*UpdateRecord, error) {
	return s.queryOneUpdate(ctx, `
		SELECT id, checked_at, from_version, to_version, status, started_at, completed_at, rollback_reason, migration_log
		FROM updates WHERE status IN ('pending', 'downloading') ORDER BY id DESC LIMIT 1`)
}

func (s *Store) queryOneUpdate(ctx context.Context, query string) (*UpdateRecord, error) {
	var u UpdateRecord
	var checkedAtStr, statusStr string
	var startedAt, completedAt, rollbackReason, migrationLog sql.NullString

	err := s.db.QueryRowContext(ctx, query).Scan(
		&u.ID, &checkedAtStr, &u.FromVersion, &u.ToVersion, &statusStr,
		&startedAt, &completedAt, &rollbackReason, &migrationLog,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query update record: %w", err)
	}

	checkedAt, err := time.Parse(timeFormat, checkedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse checked_at %q: %w", checkedAtStr, err)
	}
	u.CheckedAt = checkedAt
	u.Status = UpdateStatus(statusStr)
	if startedAt.Valid {
		t, err := time.Parse(timeFormat, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt.String, err)
		}
		u.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(timeFormat, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedAt.String, err)
		}
		u.CompletedAt = &t
	}
	if rollbackReason.Valid {
		v := rollbackReason.String
		u.RollbackReason = &v
	}
	if migrationLog.Valid {
		v := migrationLog.String
		u.MigrationLog = &v
	}
	return &u, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
