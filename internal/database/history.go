package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// DatabaseFileName is the SQLite file created inside the database directory.
const DatabaseFileName = "onionhost.db"

// HistoryDB provides SQLite-based storage for bootstrap run records.
type HistoryDB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string
}

// Options configures HistoryDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so readers do not block a
	// running daemon's writes.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a HistoryDB in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*HistoryDB, error) {
	dbPath := filepath.Join(dbDir, DatabaseFileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// modernc.org/sqlite: mode=rw refuses to create the file, mode=rwc allows it.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	hdb := &HistoryDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := hdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return hdb, nil
}

// Path returns the database file path.
func (hdb *HistoryDB) Path() string {
	return hdb.dbPath
}

// Close closes the database connection.
func (hdb *HistoryDB) Close() error {
	return hdb.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (hdb *HistoryDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		onion_address TEXT NOT NULL DEFAULT '',
		socks_addr TEXT NOT NULL DEFAULT '',
		control_addr TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		failed_step TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_onion ON runs(onion_address);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := hdb.db.ExecContext(context.Background(), schema)
	return err
}

// RunStatus summarizes how a run ended.
type RunStatus string

const (
	// RunStatusRunning means the run has not been finished.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded means the service was provisioned.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed means a bootstrap step failed.
	RunStatusFailed RunStatus = "failed"
)

// RunRecord is one bootstrap run.
type RunRecord struct {
	ID           uuid.UUID
	OnionAddress string
	SocksAddr    string
	ControlAddr  string
	PID          int
	StartedAt    time.Time
	FinishedAt   time.Time

	// FailedStep and Error are set when the run failed.
	FailedStep string
	Error      string

	// Steps lists the bootstrap steps that completed.
	Steps []string
}

// NewRunRecord returns a record with a fresh id, started now.
func NewRunRecord(onionAddress string) *RunRecord {
	return &RunRecord{
		ID:           uuid.New(),
		OnionAddress: onionAddress,
		StartedAt:    time.Now().UTC(),
	}
}

// Status reports whether the run is still going, succeeded or failed.
func (r *RunRecord) Status() RunStatus {
	switch {
	case r.FailedStep != "" || r.Error != "":
		return RunStatusFailed
	case r.FinishedAt.IsZero():
		return RunStatusRunning
	default:
		return RunStatusSucceeded
	}
}

// Duration returns how long the run took, or zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// timeLayout stores timestamps with fixed width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// InsertRun stores a new run record.
func (hdb *HistoryDB) InsertRun(ctx context.Context, record *RunRecord) error {
	if record.ID == uuid.Nil {
		return errors.New("run record has no id")
	}
	steps, err := json.Marshal(stepsOrEmpty(record.Steps))
	if err != nil {
		return fmt.Errorf("failed to serialize steps: %w", err)
	}

	query := `
	INSERT INTO runs (id, onion_address, socks_addr, control_addr, pid, started_at, finished_at, failed_step, error, steps)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = hdb.db.ExecContext(ctx, query,
		record.ID.String(),
		record.OnionAddress,
		record.SocksAddr,
		record.ControlAddr,
		record.PID,
		formatTimestamp(record.StartedAt),
		formatTimestamp(record.FinishedAt),
		record.FailedStep,
		record.Error,
		string(steps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of an existing record.
func (hdb *HistoryDB) UpdateRun(ctx context.Context, record *RunRecord) error {
	steps, err := json.Marshal(stepsOrEmpty(record.Steps))
	if err != nil {
		return fmt.Errorf("failed to serialize steps: %w", err)
	}

	query := `
	UPDATE runs SET
		onion_address = ?,
		socks_addr = ?,
		control_addr = ?,
		pid = ?,
		finished_at = ?,
		failed_step = ?,
		error = ?,
		steps = ?
	WHERE id = ?
	`
	result, err := hdb.db.ExecContext(ctx, query,
		record.OnionAddress,
		record.SocksAddr,
		record.ControlAddr,
		record.PID,
		formatTimestamp(record.FinishedAt),
		record.FailedStep,
		record.Error,
		string(steps),
		record.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run record %s not found", record.ID)
	}
	return nil
}

// FinishRun marks the record finished now and stores it.
func (hdb *HistoryDB) FinishRun(ctx context.Context, record *RunRecord) error {
	record.FinishedAt = time.Now().UTC()
	return hdb.UpdateRun(ctx, record)
}

// GetRun retrieves a run by id. It returns nil, nil when there is none.
func (hdb *HistoryDB) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	query := `
	SELECT id, onion_address, socks_addr, control_addr, pid, started_at, finished_at, failed_step, error, steps
	FROM runs
	WHERE id = ?
	`
	record, err := scanRun(hdb.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}
	return record, nil
}

// ListRuns returns runs newest first. An empty onionAddress lists every
// service; limit <= 0 means no limit.
func (hdb *HistoryDB) ListRuns(ctx context.Context, onionAddress string, limit int) ([]*RunRecord, error) {
	query := `
	SELECT id, onion_address, socks_addr, control_addr, pid, started_at, finished_at, failed_step, error, steps
	FROM runs
	WHERE 1=1
	`
	args := make([]any, 0, 2)

	if onionAddress != "" {
		query += " AND onion_address = ?"
		args = append(args, onionAddress)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := hdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListServices returns the distinct onion addresses that have runs.
func (hdb *HistoryDB) ListServices(ctx context.Context) ([]string, error) {
	query := `
	SELECT DISTINCT onion_address FROM runs
	WHERE onion_address != ''
	ORDER BY onion_address
	`

	rows, err := hdb.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var service string
		if err := rows.Scan(&service); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		record                RunRecord
		id, started, finished string
		steps                 string
	)
	err := row.Scan(
		&id,
		&record.OnionAddress,
		&record.SocksAddr,
		&record.ControlAddr,
		&record.PID,
		&started,
		&finished,
		&record.FailedStep,
		&record.Error,
		&steps,
	)
	if err != nil {
		return nil, err
	}

	record.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	record.StartedAt = parseTimestamp(started)
	record.FinishedAt = parseTimestamp(finished)
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &record.Steps); err != nil {
			return nil, fmt.Errorf("failed to parse steps: %w", err)
		}
	}
	return &record, nil
}

func stepsOrEmpty(steps []string) []string {
	if steps == nil {
		return []string{}
	}
	return steps
}

// timestampFormats contains the timestamp formats that may be stored.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05", // SQLite default datetime format
}

// parseTimestamp tries each known format and returns the zero time when
// none matches, including for the empty string of an unfinished run.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
