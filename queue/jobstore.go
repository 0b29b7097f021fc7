package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// StoredJob is one persisted queue entry, replayed after a restart.
type StoredJob struct {
	ID      string
	GroupID string
	TypeTag string
	Params  []byte
	Retries int
}

// JobStore is the durable backing of the queue. Rows are inserted when a
// persistent job is added, updated as its retry count advances, and removed
// when it reaches any terminal state. The autoincrement sequence preserves
// submission order across restarts.
type JobStore struct {
	db *sql.DB
}

// OpenJobStore opens (or creates) the job database. An empty path opens an
// in-memory database.
func OpenJobStore(ctx context.Context, path string) (*JobStore, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" || trimmed == ":memory:" {
		trimmed = ":memory:"
		inMemory = true
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS jobs (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        group_id TEXT NOT NULL,
        type_tag TEXT NOT NULL,
        params BLOB NOT NULL,
        retries INTEGER NOT NULL
    );`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply job schema: %w", err)
	}

	return &JobStore{db: db}, nil
}

// Close releases the database handle.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Insert records a persistent job.
func (s *JobStore) Insert(ctx context.Context, job StoredJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, group_id, type_tag, params, retries) VALUES (?, ?, ?, ?, ?);`,
		job.ID, job.GroupID, job.TypeTag, job.Params, job.Retries)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateRetries advances the persisted retry count.
func (s *JobStore) UpdateRetries(ctx context.Context, id string, retries int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET retries = ? WHERE id = ?;`, retries, id)
	if err != nil {
		return fmt.Errorf("update job retries: %w", err)
	}
	return nil
}

// Delete removes a job that reached a terminal state. Removing an absent id
// is not an error.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Load returns every persisted job in original submission order.
func (s *JobStore) Load(ctx context.Context) ([]StoredJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, type_tag, params, retries FROM jobs ORDER BY seq;`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []StoredJob
	for rows.Next() {
		var job StoredJob
		if err := rows.Scan(&job.ID, &job.GroupID, &job.TypeTag, &job.Params, &job.Retries); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return jobs, nil
}
