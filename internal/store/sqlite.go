package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbekkel/taskmill/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workers (
	    id           TEXT PRIMARY KEY,
	    project_ref  TEXT NOT NULL,
	    environment  TEXT NOT NULL,
	    version      TEXT NOT NULL,
	    content_hash TEXT NOT NULL,
	    sdk_version  TEXT NOT NULL,
	    cli_version  TEXT,
	    created_at   DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	    slug        TEXT NOT NULL,
	    worker_id   TEXT NOT NULL,
	    environment TEXT NOT NULL,
	    file_path   TEXT NOT NULL,
	    export_name TEXT NOT NULL,
	    queue_name  TEXT NOT NULL,
	    retry       TEXT,
	    created_at  DATETIME NOT NULL,
	    PRIMARY KEY (worker_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS queues (
	    environment       TEXT NOT NULL,
	    name              TEXT NOT NULL,
	    type              TEXT NOT NULL,
	    concurrency_limit INTEGER,
	    rate_limit        INTEGER,
	    rate_window_ms    INTEGER,
	    created_at        DATETIME NOT NULL,
	    updated_at        DATETIME NOT NULL,
	    PRIMARY KEY (environment, name)
	)`,
	`CREATE TABLE IF NOT EXISTS env_vars (
	    environment TEXT NOT NULL,
	    name        TEXT NOT NULL,
	    value       TEXT NOT NULL,
	    updated_at  DATETIME NOT NULL,
	    PRIMARY KEY (environment, name)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
	    id            TEXT PRIMARY KEY,
	    project_ref   TEXT NOT NULL,
	    environment   TEXT NOT NULL,
	    status        TEXT NOT NULL,
	    content_hash  TEXT NOT NULL,
	    image_ref     TEXT,
	    version_label TEXT NOT NULL,
	    error_message TEXT,
	    created_at    DATETIME NOT NULL,
	    updated_at    DATETIME NOT NULL
	)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorker inserts a new worker version record.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.BackgroundWorker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (
			id, project_ref, environment, version, content_hash,
			sdk_version, cli_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectRef, w.Environment, w.Version, w.ContentHash,
		w.SDKVersion, w.CLIVersion, w.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker version by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.BackgroundWorker, error) {
	return s.scanWorker(s.db.QueryRowContext(ctx,
		`SELECT id, project_ref, environment, version, content_hash,
			sdk_version, cli_version, created_at
		FROM workers WHERE id = ?`, id,
	))
}

// LatestWorker returns the most recently created worker version for the
// environment. Rowid breaks created_at ties so back-to-back registrations
// within one clock tick still resolve to the newest row.
func (s *SQLiteStore) LatestWorker(ctx context.Context, environment string) (*model.BackgroundWorker, error) {
	return s.scanWorker(s.db.QueryRowContext(ctx,
		`SELECT id, project_ref, environment, version, content_hash,
			sdk_version, cli_version, created_at
		FROM workers WHERE environment = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, environment,
	))
}

func (s *SQLiteStore) scanWorker(row *sql.Row) (*model.BackgroundWorker, error) {
	w := &model.BackgroundWorker{}
	var cliVersion sql.NullString
	err := row.Scan(
		&w.ID, &w.ProjectRef, &w.Environment, &w.Version, &w.ContentHash,
		&w.SDKVersion, &cliVersion, &w.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.CLIVersion = cliVersion.String
	return w, nil
}

// CreateTask inserts a task row belonging to a worker version.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	var retry any
	if t.Retry != nil {
		data, err := json.Marshal(t.Retry)
		if err != nil {
			return fmt.Errorf("marshal retry config: %w", err)
		}
		retry = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (
			slug, worker_id, environment, file_path, export_name,
			queue_name, retry, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Slug, t.WorkerID, t.Environment, t.FilePath, t.ExportName,
		t.QueueName, retry, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ListTasks returns all tasks belonging to a worker version, ordered by slug.
func (s *SQLiteStore) ListTasks(ctx context.Context, workerID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, worker_id, environment, file_path, export_name,
			queue_name, retry, created_at
		FROM tasks WHERE worker_id = ? ORDER BY slug`, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t := &model.Task{}
		var retry sql.NullString
		if err := rows.Scan(
			&t.Slug, &t.WorkerID, &t.Environment, &t.FilePath, &t.ExportName,
			&t.QueueName, &retry, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if retry.Valid {
			t.Retry = &model.RetryConfig{}
			if err := json.Unmarshal([]byte(retry.String), t.Retry); err != nil {
				return nil, fmt.Errorf("unmarshal retry config: %w", err)
			}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, nil
}

// UpsertQueue inserts the queue or updates its limits in place on
// (environment, name) conflict. The queue's type and created_at are fixed at
// first insert; only limits and updated_at change afterwards.
func (s *SQLiteStore) UpsertQueue(ctx context.Context, q *model.Queue) (*model.Queue, error) {
	var rateLimit, rateWindow any
	if q.RateLimit != nil {
		rateLimit = q.RateLimit.Limit
		rateWindow = q.RateLimit.WindowMS
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (
			environment, name, type, concurrency_limit,
			rate_limit, rate_window_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (environment, name) DO UPDATE SET
			concurrency_limit = excluded.concurrency_limit,
			rate_limit        = excluded.rate_limit,
			rate_window_ms    = excluded.rate_window_ms,
			updated_at        = excluded.updated_at`,
		q.Environment, q.Name, q.Type, q.ConcurrencyLimit,
		rateLimit, rateWindow, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert queue: %w", err)
	}

	return s.GetQueue(ctx, q.Environment, q.Name)
}

// GetQueue retrieves a queue by its (environment, name) identity.
func (s *SQLiteStore) GetQueue(ctx context.Context, environment, name string) (*model.Queue, error) {
	q := &model.Queue{}
	var limit, rateLimit, rateWindow sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT environment, name, type, concurrency_limit,
			rate_limit, rate_window_ms, created_at, updated_at
		FROM queues WHERE environment = ? AND name = ?`, environment, name,
	).Scan(
		&q.Environment, &q.Name, &q.Type, &limit,
		&rateLimit, &rateWindow, &q.CreatedAt, &q.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	applyQueueLimits(q, limit, rateLimit, rateWindow)
	return q, nil
}

// ListQueues returns all queues in the environment, ordered by name.
func (s *SQLiteStore) ListQueues(ctx context.Context, environment string) ([]*model.Queue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment, name, type, concurrency_limit,
			rate_limit, rate_window_ms, created_at, updated_at
		FROM queues WHERE environment = ? ORDER BY name`, environment,
	)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*model.Queue
	for rows.Next() {
		q := &model.Queue{}
		var limit, rateLimit, rateWindow sql.NullInt64
		if err := rows.Scan(
			&q.Environment, &q.Name, &q.Type, &limit,
			&rateLimit, &rateWindow, &q.CreatedAt, &q.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		applyQueueLimits(q, limit, rateLimit, rateWindow)
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queues: %w", err)
	}

	return queues, nil
}

func applyQueueLimits(q *model.Queue, limit, rateLimit, rateWindow sql.NullInt64) {
	if limit.Valid {
		v := int(limit.Int64)
		q.ConcurrencyLimit = &v
	}
	if rateLimit.Valid && rateWindow.Valid {
		q.RateLimit = &model.RateLimit{
			Limit:    int(rateLimit.Int64),
			WindowMS: int(rateWindow.Int64),
		}
	}
}

// SetEnvVar registers or overwrites an environment variable.
func (s *SQLiteStore) SetEnvVar(ctx context.Context, environment, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO env_vars (environment, name, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (environment, name) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at`,
		environment, name, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set env var: %w", err)
	}
	return nil
}

// ListEnvVars returns all registered variables for the environment.
func (s *SQLiteStore) ListEnvVars(ctx context.Context, environment string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM env_vars WHERE environment = ?`, environment,
	)
	if err != nil {
		return nil, fmt.Errorf("list env vars: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan env var: %w", err)
		}
		vars[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate env vars: %w", err)
	}

	return vars, nil
}

// CreateDeployment inserts a new deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (
			id, project_ref, environment, status, content_hash,
			image_ref, version_label, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectRef, d.Environment, d.Status, d.ContentHash,
		d.ImageRef, d.VersionLabel, d.ErrorMessage, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	d := &model.Deployment{}
	var imageRef, errorMessage sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_ref, environment, status, content_hash,
			image_ref, version_label, error_message, created_at, updated_at
		FROM deployments WHERE id = ?`, id,
	).Scan(
		&d.ID, &d.ProjectRef, &d.Environment, &d.Status, &d.ContentHash,
		&imageRef, &d.VersionLabel, &errorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	d.ImageRef = imageRef.String
	d.ErrorMessage = errorMessage.String
	return d, nil
}

// UpdateDeploymentStatus moves a deployment to status, enforcing the
// transition table. errorMessage is only persisted for ERROR.
func (s *SQLiteStore) UpdateDeploymentStatus(ctx context.Context, id, status, errorMessage string) error {
	current, err := s.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidDeployTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	var msg any
	if status == model.DeployError {
		msg = errorMessage
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, msg, time.Now().UTC(), id, current.Status,
	)
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Lost a race with a concurrent transition.
		return ErrInvalidTransition
	}

	return nil
}

// SetDeploymentImage records the image reference produced by the build.
func (s *SQLiteStore) SetDeploymentImage(ctx context.Context, id, imageRef string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET image_ref = ?, updated_at = ? WHERE id = ?`,
		imageRef, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set deployment image: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
