// Package taskstore provides Repository implementations for warpq: a
// durable one backed by SQLite and an in-memory one for tests and
// ephemeral embedders.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warpdl/warpq/pkg/warpq"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	canonical_url    TEXT NOT NULL,
	url_fingerprint  TEXT NOT NULL,
	target_path      TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	file_size        INTEGER,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	file_hash        TEXT,
	last_verified_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_identity
	ON tasks(url_fingerprint, target_path)
	WHERE status IN ('Waiting','Downloading','Paused');

CREATE TABLE IF NOT EXISTS progress (
	task_id     TEXT PRIMARY KEY,
	downloaded  INTEGER NOT NULL,
	total       INTEGER,
	speed       INTEGER NOT NULL,
	eta_seconds INTEGER
);
`

// SQLite is a warpq.Repository over a local SQLite database. The partial
// unique index on (url_fingerprint, target_path) enforces non-terminal
// identity uniqueness against racing writers; violations surface as
// warpq.ErrIdentityConflict.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize task schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const taskColumns = `id, url, canonical_url, url_fingerprint, target_path, status,
	created_at, updated_at, file_size, downloaded_bytes, file_hash, last_verified_at`

// SaveTask upserts the task by id.
func (s *SQLite) SaveTask(ctx context.Context, t *warpq.Task) error {
	var fileSize, lastVerified sql.NullInt64
	if t.FileSize >= 0 {
		fileSize = sql.NullInt64{Int64: t.FileSize, Valid: true}
	}
	if !t.LastVerifiedAt.IsZero() {
		lastVerified = sql.NullInt64{Int64: t.LastVerifiedAt.UnixMilli(), Valid: true}
	}
	var fileHash sql.NullString
	if t.FileHash != "" {
		fileHash = sql.NullString{String: t.FileHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			canonical_url = excluded.canonical_url,
			url_fingerprint = excluded.url_fingerprint,
			target_path = excluded.target_path,
			status = excluded.status,
			updated_at = excluded.updated_at,
			file_size = excluded.file_size,
			downloaded_bytes = excluded.downloaded_bytes,
			file_hash = excluded.file_hash,
			last_verified_at = excluded.last_verified_at`,
		string(t.ID), t.URL, t.CanonicalURL, t.Fingerprint, t.TargetPath,
		t.Status.String(), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
		fileSize, t.Downloaded, fileHash, lastVerified,
	)
	if err != nil {
		if isIdentityConflict(err) {
			return fmt.Errorf("%w: %v", warpq.ErrIdentityConflict, err)
		}
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// isIdentityConflict detects a violation of the partial identity index.
func isIdentityConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") &&
		strings.Contains(msg, "url_fingerprint")
}

// GetTask returns the task, or (nil, nil) when the id is unknown.
func (s *SQLite) GetTask(ctx context.Context, id warpq.TaskID) (*warpq.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// DeleteTask removes the task row; unknown ids are a no-op.
func (s *SQLite) DeleteTask(ctx context.Context, id warpq.TaskID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks returns every persisted task, oldest first.
func (s *SQLite) ListTasks(ctx context.Context) ([]*warpq.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*warpq.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of persisted tasks.
func (s *SQLite) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// FindByIdentity returns the most relevant task with the given identity:
// a non-terminal one if present, otherwise the newest sibling.
func (s *SQLite) FindByIdentity(ctx context.Context, key warpq.FileIdentifier) (*warpq.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE url_fingerprint = ? AND target_path = ?
		ORDER BY CASE WHEN status IN ('Waiting','Downloading','Paused') THEN 0 ELSE 1 END,
			created_at DESC
		LIMIT 1`,
		key.Fingerprint, key.TargetPath)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by identity: %w", err)
	}
	return t, nil
}

// SaveProgress upserts the task's progress snapshot.
func (s *SQLite) SaveProgress(ctx context.Context, id warpq.TaskID, p warpq.Progress) error {
	var total, eta sql.NullInt64
	if p.Total >= 0 {
		total = sql.NullInt64{Int64: p.Total, Valid: true}
	}
	if p.ETASeconds >= 0 {
		eta = sql.NullInt64{Int64: p.ETASeconds, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress (task_id, downloaded, total, speed, eta_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			downloaded = excluded.downloaded,
			total = excluded.total,
			speed = excluded.speed,
			eta_seconds = excluded.eta_seconds`,
		string(id), p.Downloaded, total, p.Speed, eta)
	if err != nil {
		return fmt.Errorf("save progress for task %s: %w", id, err)
	}
	return nil
}

// GetProgress returns the stored snapshot; ok is false when none exists.
func (s *SQLite) GetProgress(ctx context.Context, id warpq.TaskID) (warpq.Progress, bool, error) {
	var p warpq.Progress
	var total, eta sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT downloaded, total, speed, eta_seconds FROM progress WHERE task_id = ?`,
		string(id)).Scan(&p.Downloaded, &total, &p.Speed, &eta)
	if err == sql.ErrNoRows {
		return warpq.Progress{}, false, nil
	}
	if err != nil {
		return warpq.Progress{}, false, fmt.Errorf("get progress for task %s: %w", id, err)
	}
	p.Total = warpq.SizeUnknown
	if total.Valid {
		p.Total = total.Int64
	}
	p.ETASeconds = warpq.SizeUnknown
	if eta.Valid {
		p.ETASeconds = eta.Int64
	}
	return p, true, nil
}

// DeleteProgress removes the snapshot; unknown ids are a no-op.
func (s *SQLite) DeleteProgress(ctx context.Context, id warpq.TaskID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE task_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete progress for task %s: %w", id, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*warpq.Task, error) {
	var (
		t                   warpq.Task
		id, status          string
		created, updated    int64
		fileSize, verified  sql.NullInt64
		fileHash            sql.NullString
	)
	err := row.Scan(&id, &t.URL, &t.CanonicalURL, &t.Fingerprint, &t.TargetPath,
		&status, &created, &updated, &fileSize, &t.Downloaded, &fileHash, &verified)
	if err != nil {
		return nil, err
	}
	t.ID = warpq.TaskID(id)
	t.Status = warpq.ParseStatus(status)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	t.FileSize = warpq.SizeUnknown
	if fileSize.Valid {
		t.FileSize = fileSize.Int64
	}
	if fileHash.Valid {
		t.FileHash = fileHash.String
	}
	if verified.Valid {
		t.LastVerifiedAt = time.UnixMilli(verified.Int64)
	}
	return &t, nil
}

var _ warpq.Repository = (*SQLite)(nil)
