package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID            string
	Pipeline      string
	ScheduledTime time.Time
	Status        string
	StartedAt     time.Time
	FinishedAt    time.Time
	FailedTask    string
	Error         string
}

// InstanceRecord is the persisted state of one task within a run.
type InstanceRecord struct {
	RunID     string
	TaskID    string
	Status    scheduler.InstanceStatus
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
	Error     string
}

// Store defines the persistence interface for run history.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, pipeline string, limit int) ([]RunRecord, error)
	HasRunBefore(ctx context.Context, pipeline string, scheduled time.Time) (bool, error)

	// Task instances
	SaveInstance(ctx context.Context, inst InstanceRecord) error
	ListInstances(ctx context.Context, runID string) ([]InstanceRecord, error)
	// InstanceStatus returns the task's status in the most recently started
	// run scheduled at the given time.
	InstanceStatus(ctx context.Context, pipeline, taskID string, scheduled time.Time) (scheduler.InstanceStatus, bool, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database so stores never share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection: runner goroutines write concurrently and a shared-cache
	// database reports SQLITE_LOCKED instead of waiting. No query nests another.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
