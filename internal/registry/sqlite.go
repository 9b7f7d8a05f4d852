package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the registry database at dbPath and runs
// migrations. Use ":memory:" for an ephemeral registry in tests.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection serializes racing writers; a losing transition then
	// sees the rejected precondition instead of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Workers on the same host may share one registry file; WAL keeps
	// readers unblocked while a transition commits.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id          TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			input_file_name TEXT NOT NULL,
			input_bucket    TEXT NOT NULL,
			input_key       TEXT NOT NULL,
			status          TEXT NOT NULL,
			submit_time     INTEGER NOT NULL,
			complete_time   INTEGER,
			result_bucket   TEXT NOT NULL DEFAULT '',
			result_key      TEXT NOT NULL DEFAULT '',
			log_key         TEXT NOT NULL DEFAULT '',
			archive_id      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
	`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, rec JobRecord) error {
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(job_id, user_id, input_file_name, input_bucket, input_key, status, submit_time)
		VALUES
			(?, ?, ?, ?, ?, ?, ?)
	`,
		rec.JobID,
		rec.UserID,
		rec.InputFileName,
		rec.InputBucket,
		rec.InputKey,
		string(status),
		rec.SubmitTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	return nil
}

const selectColumns = `job_id, user_id, input_file_name, input_bucket, input_key,
		       status, submit_time, complete_time, result_bucket, result_key, log_key, archive_id`

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM jobs WHERE job_id = ?
	`, jobID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM jobs WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job for user %s: %w", userID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, jobID string, from, to Status, upd Update) error {
	query := `UPDATE jobs SET status = ?`
	args := []any{string(to)}
	if upd.ResultBucket != "" {
		query += ", result_bucket = ?"
		args = append(args, upd.ResultBucket)
	}
	if upd.ResultKey != "" {
		query += ", result_key = ?"
		args = append(args, upd.ResultKey)
	}
	if upd.LogKey != "" {
		query += ", log_key = ?"
		args = append(args, upd.LogKey)
	}
	if upd.CompleteTime != nil {
		query += ", complete_time = ?"
		args = append(args, upd.CompleteTime.Unix())
	}
	query += " WHERE job_id = ? AND status = ?"
	args = append(args, jobID, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job %s %s->%s: %w", jobID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s %s->%s: %w", jobID, from, to, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, jobID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrPreconditionFailed
	}
	return nil
}

func (s *SQLiteStore) MarkArchived(ctx context.Context, jobID, resultBucket, archiveID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET archive_id = ?, result_bucket = ?
		WHERE job_id = ? AND status = ? AND archive_id IS NULL
	`, archiveID, resultBucket, jobID, string(StatusCompleted))
	if err != nil {
		return fmt.Errorf("mark archived job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark archived job %s: %w", jobID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, jobID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrPreconditionFailed
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (JobRecord, error) {
	var (
		rec          JobRecord
		status       string
		submitUnix   int64
		completeUnix sql.NullInt64
		archiveID    sql.NullString
	)
	err := scan(
		&rec.JobID, &rec.UserID, &rec.InputFileName, &rec.InputBucket, &rec.InputKey,
		&status, &submitUnix, &completeUnix, &rec.ResultBucket, &rec.ResultKey, &rec.LogKey, &archiveID,
	)
	if err != nil {
		return JobRecord{}, err
	}
	rec.Status = Status(status)
	rec.SubmitTime = time.Unix(submitUnix, 0).UTC()
	if completeUnix.Valid {
		t := time.Unix(completeUnix.Int64, 0).UTC()
		rec.CompleteTime = &t
	}
	if archiveID.Valid {
		rec.ArchiveID = archiveID.String
	}
	return rec, nil
}
