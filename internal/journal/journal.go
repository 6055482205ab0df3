// Package journal persists one row per orchestration run to a local SQLite
// database. The journal is an observability aid: writes are best-effort and
// a broken journal must never fail a run.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"testshard/internal/logging"
)

// Record is one completed (or failed) orchestration run.
type Record struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time

	AdapterName    string
	AdapterVersion string
	AdapterPath    string
	ProjectRoot    string

	ShardIndex int
	ShardTotal int
	Strategy   string

	DiscoveredCount int
	ShardCount      int

	// Command is the filtered argv. Environment overrides are not recorded;
	// they may carry credentials.
	Command []string

	// ExitCode is the orchestrator's own exit code for the run.
	ExitCode int

	// ChildExitCode is the test command's raw exit status, -1 when no
	// command ran.
	ChildExitCode int

	DurationMs  int64
	Interrupted bool

	// Failure is a short reason for runs that never reached execution.
	Failure string

	// Platform is GOOS/GOARCH of the orchestrator.
	Platform string
}

// NewRunID mints a short run identifier for logs and the journal.
func NewRunID() string {
	return fmt.Sprintf("run_%s", uuid.New().String()[:8])
}

// Store provides SQLite-backed run history.
type Store struct {
	mu sync.RWMutex

	db     *sql.DB
	dbPath string
}

// Open initializes the journal database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the database schema.
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			adapter_name TEXT NOT NULL,
			adapter_version TEXT,
			adapter_path TEXT,
			project_root TEXT,
			shard_index INTEGER NOT NULL,
			shard_total INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			discovered_count INTEGER DEFAULT 0,
			shard_count INTEGER DEFAULT 0,
			command TEXT,
			exit_code INTEGER DEFAULT -1,
			child_exit_code INTEGER DEFAULT -1,
			duration_ms INTEGER DEFAULT 0,
			interrupted INTEGER DEFAULT 0,
			failure TEXT,
			platform TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_adapter ON runs(adapter_name)`)

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one run record. Re-appending the same run id overwrites the
// earlier row so a run can be journaled once more after late failures.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Platform == "" {
		rec.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	commandJSON, _ := json.Marshal(rec.Command)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, started_at, finished_at, adapter_name, adapter_version,
			adapter_path, project_root, shard_index, shard_total, strategy,
			discovered_count, shard_count, command, exit_code, child_exit_code,
			duration_ms, interrupted, failure, platform
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			discovered_count = excluded.discovered_count,
			shard_count = excluded.shard_count,
			command = excluded.command,
			exit_code = excluded.exit_code,
			child_exit_code = excluded.child_exit_code,
			duration_ms = excluded.duration_ms,
			interrupted = excluded.interrupted,
			failure = excluded.failure
	`,
		rec.RunID, rec.StartedAt, rec.FinishedAt, rec.AdapterName, rec.AdapterVersion,
		rec.AdapterPath, rec.ProjectRoot, rec.ShardIndex, rec.ShardTotal, rec.Strategy,
		rec.DiscoveredCount, rec.ShardCount, string(commandJSON), rec.ExitCode, rec.ChildExitCode,
		rec.DurationMs, rec.Interrupted, rec.Failure, rec.Platform,
	)
	if err != nil {
		return fmt.Errorf("failed to append run %s: %w", rec.RunID, err)
	}

	logging.Journal("appended %s (exit=%d, %d tests)", rec.RunID, rec.ExitCode, rec.ShardCount)
	return nil
}

// Recent returns the newest runs, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, adapter_name, adapter_version,
			adapter_path, project_root, shard_index, shard_total, strategy,
			discovered_count, shard_count, command, exit_code, child_exit_code,
			duration_ms, interrupted, failure, platform
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var finishedAt sql.NullTime
		var commandJSON, failure, platform sql.NullString

		if err := rows.Scan(
			&rec.RunID, &rec.StartedAt, &finishedAt, &rec.AdapterName, &rec.AdapterVersion,
			&rec.AdapterPath, &rec.ProjectRoot, &rec.ShardIndex, &rec.ShardTotal, &rec.Strategy,
			&rec.DiscoveredCount, &rec.ShardCount, &commandJSON, &rec.ExitCode, &rec.ChildExitCode,
			&rec.DurationMs, &rec.Interrupted, &failure, &platform,
		); err != nil {
			return nil, err
		}

		if finishedAt.Valid {
			rec.FinishedAt = finishedAt.Time
		}
		if commandJSON.Valid && commandJSON.String != "" {
			_ = json.Unmarshal([]byte(commandJSON.String), &rec.Command)
		}
		if failure.Valid {
			rec.Failure = failure.String
		}
		if platform.Valid {
			rec.Platform = platform.String
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Get returns one run by id, or nil when unknown.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec Record
	var finishedAt sql.NullTime
	var commandJSON, failure, platform sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, adapter_name, adapter_version,
			adapter_path, project_root, shard_index, shard_total, strategy,
			discovered_count, shard_count, command, exit_code, child_exit_code,
			duration_ms, interrupted, failure, platform
		FROM runs WHERE run_id = ?
	`, runID).Scan(
		&rec.RunID, &rec.StartedAt, &finishedAt, &rec.AdapterName, &rec.AdapterVersion,
		&rec.AdapterPath, &rec.ProjectRoot, &rec.ShardIndex, &rec.ShardTotal, &rec.Strategy,
		&rec.DiscoveredCount, &rec.ShardCount, &commandJSON, &rec.ExitCode, &rec.ChildExitCode,
		&rec.DurationMs, &rec.Interrupted, &failure, &platform,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		rec.FinishedAt = finishedAt.Time
	}
	if commandJSON.Valid && commandJSON.String != "" {
		_ = json.Unmarshal([]byte(commandJSON.String), &rec.Command)
	}
	if failure.Valid {
		rec.Failure = failure.String
	}
	if platform.Valid {
		rec.Platform = platform.String
	}

	return &rec, nil
}
