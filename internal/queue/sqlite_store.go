package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore はジョブレコードを SQLite に保存します。単一ノード構成と forgectl で使います。
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite はデータベースを開き、未適用のマイグレーションを適用します。
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path はデータベースファイルのパスを返します。
func (s *SQLiteStore) Path() string {
	return s.path
}

// Create は新しいジョブレコードを挿入します。IDが使用済みなら ErrStaleRecord を返します。
func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, owner_id, state, priority, output_format, file_count, attempts_made, created_at, updated_at, available_at, revision, payload)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM job_tombstones WHERE id = ?)
ON CONFLICT(id) DO NOTHING`,
		job.ID,
		job.OwnerID,
		string(job.State),
		job.Priority,
		string(job.OutputFormat),
		len(job.Files),
		job.AttemptsMade,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		formatTime(job.AvailableAt),
		job.Revision,
		payload,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return expectOneRow(res, job.ID)
}

// Update は revision が一致する行だけを書き換えます。
func (s *SQLiteStore) Update(ctx context.Context, job *Job, revision int64) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
    state = ?,
    priority = ?,
    attempts_made = ?,
    updated_at = ?,
    available_at = ?,
    revision = ?,
    payload = ?
WHERE id = ? AND revision = ?`,
		string(job.State),
		job.Priority,
		job.AttemptsMade,
		formatTime(job.UpdatedAt),
		formatTime(job.AvailableAt),
		job.Revision,
		payload,
		job.ID,
		revision,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return expectOneRow(res, job.ID)
}

func encodeJob(job *Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func expectOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrStaleRecord, jobID)
	}
	return nil
}

// Get はジョブを取得します。
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM jobs WHERE id = ?", jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, "SELECT payload FROM job_tombstones WHERE id = ?", jobID).Scan(&payload)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return decodeJob(payload)
}

// List は指定した状態のジョブを作成日時順に返します。
func (s *SQLiteStore) List(ctx context.Context, states ...State) ([]*Job, error) {
	query := "SELECT payload FROM jobs"
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		query += " WHERE state IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Count は指定した状態のジョブ件数を返します。
func (s *SQLiteStore) Count(ctx context.Context, state State) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM jobs WHERE state = ?", string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// PurgeTerminal は before より前に更新された終端状態のレコードを削除し、件数を返します。
// 削除したIDは job_tombstones に残し、同じIDでの再投入を防ぎます。
func (s *SQLiteStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{string(StateCompleted), string(StateFailed), formatTime(before)}
	rows, err := tx.QueryContext(ctx, "SELECT payload FROM jobs WHERE state IN (?, ?) AND updated_at < ?", args...)
	if err != nil {
		return 0, fmt.Errorf("select purgeable jobs: %w", err)
	}
	var buried []*Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeJob(payload)
		if err != nil {
			rows.Close()
			return 0, err
		}
		buried = append(buried, tombstoneOf(job))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purgedAt := formatTime(time.Now())
	for _, job := range buried {
		payload, err := encodeJob(job)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO job_tombstones (id, owner_id, payload, purged_at) VALUES (?, ?, ?, ?)",
			job.ID, job.OwnerID, payload, purgedAt,
		); err != nil {
			return 0, fmt.Errorf("record tombstone %s: %w", job.ID, err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?", args...)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return n, nil
}

// Close はデータベースを閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func decodeJob(payload string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// sqliteTimeLayout は文字列比較で時刻順になるよう桁数を固定しています。
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
