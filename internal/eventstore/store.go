package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

// TaskRecord is one journaled synthesis request.
type TaskRecord struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Sink        string    `json:"sink"`
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	Samples     int       `json:"samples"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Store is a SQLite-backed journal of synthesis tasks.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is opened and every call is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "task-journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
			db.Close()
			return nil, fmt.Errorf("reset session journal: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    sink TEXT NOT NULL,
    mode TEXT NOT NULL,
    state TEXT NOT NULL,
    error TEXT,
    samples INTEGER NOT NULL DEFAULT 0,
    submitted_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_submitted ON tasks(submitted_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSubmitted inserts a task in the running state.
func (s *Store) RecordSubmitted(ctx context.Context, rec TaskRecord) error {
	if !s.enabled() {
		return nil
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = s.clock()
	}
	if rec.State == "" {
		rec.State = "running"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(task_id, model, sink, mode, state, submitted_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Model, rec.Sink, rec.Mode, rec.State, rec.SubmittedAt.UnixNano())
	return err
}

// RecordFinished stores the terminal state of a task.
func (s *Store) RecordFinished(ctx context.Context, id, state string, taskErr error, samples int) error {
	if !s.enabled() {
		return nil
	}
	var msg sql.NullString
	if taskErr != nil {
		msg = sql.NullString{String: taskErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, error = ?, samples = ?, finished_at = ? WHERE task_id = ?`,
		state, msg, samples, s.clock().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not journaled", id)
	}
	return nil
}

// ListRecent returns up to limit tasks, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]TaskRecord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, model, sink, mode, state, error, samples, submitted_at, finished_at
		 FROM tasks ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var (
			r         TaskRecord
			errMsg    sql.NullString
			submitted int64
			finished  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Model, &r.Sink, &r.Mode, &r.State, &errMsg, &r.Samples, &submitted, &finished); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		r.SubmittedAt = time.Unix(0, submitted).UTC()
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64).UTC()
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE submitted_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxTasks > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id IN (
			SELECT task_id FROM tasks ORDER BY submitted_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTasks)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
