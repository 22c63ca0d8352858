package database

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

const (
	testOnion1 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"
	testOnion2 = "aaaqeayeaudaocajbifqydiob4ibceqtcqkrmfyydenbwha5dyp3kead.onion"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *HistoryDB {
	t.Helper()

	db, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// TestOpen tests database opening and creation.
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "newdir", "subdir")
		db, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if _, err := os.Stat(filepath.Join(dbDir, DatabaseFileName)); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
		if db.Path() != filepath.Join(dbDir, DatabaseFileName) {
			t.Errorf("Path() = %q", db.Path())
		}
	})

	t.Run("CreateIfNotExists=false returns error when database does not exist", func(t *testing.T) {
		t.Parallel()

		_, err := Open(filepath.Join(t.TempDir(), "missing"), Options{CreateIfNotExists: false})
		if err == nil {
			t.Error("expected error for missing database")
		}
	})

	t.Run("CreateIfNotExists=false opens existing database", func(t *testing.T) {
		t.Parallel()

		dbDir := t.TempDir()
		db, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to create database: %v", err)
		}
		record := NewRunRecord(testOnion1)
		if err := db.InsertRun(context.Background(), record); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
		_ = db.Close()

		reopened, err := Open(dbDir, Options{CreateIfNotExists: false, EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to reopen database: %v", err)
		}
		defer reopened.Close()

		got, err := reopened.GetRun(context.Background(), record.ID)
		if err != nil || got == nil {
			t.Fatalf("GetRun() = %v, %v after reopen", got, err)
		}
	})
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	record := NewRunRecord(testOnion1)
	if record.ID == uuid.Nil {
		t.Fatal("NewRunRecord() did not assign an id")
	}
	if record.Status() != RunStatusRunning {
		t.Errorf("Status() = %q, expected running", record.Status())
	}
	if err := db.InsertRun(ctx, record); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}

	got, err := db.GetRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status() != RunStatusRunning || !got.FinishedAt.IsZero() {
		t.Errorf("stored run status = %q, finished at %v", got.Status(), got.FinishedAt)
	}
	if !got.StartedAt.Equal(record.StartedAt) {
		t.Errorf("StartedAt = %v, expected %v", got.StartedAt, record.StartedAt)
	}

	record.SocksAddr = "127.0.0.1:9050"
	record.ControlAddr = "127.0.0.1:39211"
	record.PID = 4242
	record.Steps = []string{"launch", "locate", "connect", "authenticate", "provision"}
	if err := db.FinishRun(ctx, record); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err = db.GetRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status() != RunStatusSucceeded {
		t.Errorf("Status() = %q, expected succeeded", got.Status())
	}
	if got.SocksAddr != "127.0.0.1:9050" || got.ControlAddr != "127.0.0.1:39211" || got.PID != 4242 {
		t.Errorf("stored run = %+v", got)
	}
	if !slices.Equal(got.Steps, record.Steps) {
		t.Errorf("Steps = %v, expected %v", got.Steps, record.Steps)
	}
	if got.Duration() < 0 {
		t.Errorf("Duration() = %v", got.Duration())
	}
}

func TestFailedRun(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	record := NewRunRecord(testOnion1)
	if err := db.InsertRun(ctx, record); err != nil {
		t.Fatalf("InsertRun() error = %v", err)
	}

	record.FailedStep = "authenticate"
	record.Error = "control authentication failed: tor replied 515"
	if err := db.FinishRun(ctx, record); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err := db.GetRun(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status() != RunStatusFailed {
		t.Errorf("Status() = %q, expected failed", got.Status())
	}
	if got.FailedStep != "authenticate" || got.Error != record.Error {
		t.Errorf("stored failure = %q / %q", got.FailedStep, got.Error)
	}
	if got.Steps == nil || len(got.Steps) != 0 {
		t.Errorf("Steps = %#v, expected empty", got.Steps)
	}
}

func TestUpdateMissingRun(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	if err := db.UpdateRun(context.Background(), NewRunRecord(testOnion1)); err == nil {
		t.Error("expected error updating a run that was never inserted")
	}
}

func TestInsertRunWithoutID(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	if err := db.InsertRun(context.Background(), &RunRecord{StartedAt: time.Now()}); err == nil {
		t.Error("expected error for a record without id")
	}
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	got, err := db.GetRun(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetRun() = %+v, expected nil", got)
	}
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i, onion := range []string{testOnion1, testOnion2, testOnion1, testOnion1} {
		record := NewRunRecord(onion)
		record.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if err := db.InsertRun(ctx, record); err != nil {
			t.Fatalf("InsertRun() error = %v", err)
		}
		ids = append(ids, record.ID)
	}

	tests := []struct {
		name  string
		onion string
		limit int
		want  []uuid.UUID
	}{
		{name: "all runs newest first", want: []uuid.UUID{ids[3], ids[2], ids[1], ids[0]}},
		{name: "filtered by service", onion: testOnion1, want: []uuid.UUID{ids[3], ids[2], ids[0]}},
		{name: "limited", limit: 2, want: []uuid.UUID{ids[3], ids[2]}},
		{name: "unknown service", onion: "unknown.onion", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			records, err := db.ListRuns(ctx, tt.onion, tt.limit)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			got := make([]uuid.UUID, 0, len(records))
			for _, r := range records {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListRuns() returned %d runs, expected %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("run %d = %s, expected %s", i, got[i], tt.want[i])
				}
			}
		})
	}

	services, err := db.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices() error = %v", err)
	}
	if !slices.Equal(services, []string{testOnion1, testOnion2}) {
		t.Errorf("ListServices() = %v", services)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{name: "stored layout", input: "2026-10-15T08:30:00.123456789Z", want: time.Date(2026, 10, 15, 8, 30, 0, 123456789, time.UTC)},
		{name: "RFC3339", input: "2026-10-15T08:30:00Z", want: time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)},
		{name: "SQLite default", input: "2026-10-15 08:30:00", want: time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)},
		{name: "empty", input: "", want: time.Time{}},
		{name: "garbage", input: "yesterday", want: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := parseTimestamp(tt.input); !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%q) = %v, expected %v", tt.input, got, tt.want)
			}
		})
	}
}
