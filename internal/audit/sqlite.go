package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foxzi/carecast/internal/campaign"
)

// Log is the SQLite backed Recorder
type Log struct {
	db *sql.DB
}

// Open opens the audit database and applies migrations
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	l := &Log{db: db}
	if err := l.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Migrate creates tables and indexes
func (l *Log) Migrate() error {
	for _, m := range []string{migrationAuditLog, migrationJobHistory} {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database
func (l *Log) Close() error {
	return l.db.Close()
}

const migrationAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    actor_id TEXT,
    recipient_id TEXT,
    account_id TEXT,
    job_id TEXT,
    details JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_log_job ON audit_log(job_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
`

const migrationJobHistory = `
CREATE TABLE IF NOT EXISTS job_history (
    job_id TEXT PRIMARY KEY,
    action_type TEXT NOT NULL,
    account_id TEXT,
    recipients JSON NOT NULL DEFAULT '[]',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Record appends entries in one transaction
func (l *Log) Record(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_log (action, actor_id, recipient_id, account_id, job_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx, e.Action, e.ActorID, e.RecipientID, e.AccountID, e.JobID, e.Details, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		e.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

// List returns audit entries, newest first, and the total count
func (l *Log) List(ctx context.Context, filter Filter) ([]Entry, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.JobID != "" {
		where += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.ActorID != "" {
		where += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.Action != "" {
		where += " AND action = ?"
		args = append(args, filter.Action)
	}

	var total int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, action, COALESCE(actor_id, ''), COALESCE(recipient_id, ''),
			COALESCE(account_id, ''), COALESCE(job_id, ''), COALESCE(details, ''), created_at
		FROM audit_log` + where + " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.RecipientID, &e.AccountID, &e.JobID, &e.Details, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}

// AppendHistory adds an executed recipient to the job history, creating
// the history record on first use
func (l *Log) AppendHistory(ctx context.Context, jobID, actionType, accountID string, rec HistoryRecipient) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT recipients FROM job_history WHERE job_id = ?", jobID).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to load history: %w", err)
	}

	var recipients []HistoryRecipient
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &recipients); err != nil {
			return fmt.Errorf("failed to decode history: %w", err)
		}
	}
	recipients = append(recipients, rec)

	data, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_history (job_id, action_type, account_id, recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET recipients = excluded.recipients, updated_at = excluded.updated_at`,
		jobID, actionType, accountID, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert history: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns the execution history of a job
func (l *Log) GetHistory(ctx context.Context, jobID string) (*History, error) {
	h := &History{}
	var raw string

	err := l.db.QueryRowContext(ctx, `
		SELECT job_id, action_type, COALESCE(account_id, ''), recipients, created_at, updated_at
		FROM job_history WHERE job_id = ?`, jobID,
	).Scan(&h.JobID, &h.ActionType, &h.AccountID, &raw, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("history %s: %w", jobID, campaign.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(raw), &h.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return h, nil
}
