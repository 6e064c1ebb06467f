package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatedial/gatedial/internal/sipcall"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "gatedial.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	for _, table := range []string{"schema_migrations", "gate_attempts"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestOpenIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db.Close()

	// Re-opening must not try to re-run applied migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db.Close()
}

func testRepo(t *testing.T) *AttemptRepo {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAttemptRepo(db)
}

func sampleResult(id string, outcome sipcall.Outcome, startedAt time.Time) sipcall.CallResult {
	return sipcall.CallResult{
		AttemptID: id,
		CallID:    "cid-" + id,
		Outcome:   outcome,
		Detail:    "test",
		SIPStatus: 180,
		RingCount: 1,
		StartedAt: startedAt,
		Duration:  1500 * time.Millisecond,
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, outcome := range []sipcall.Outcome{sipcall.OutcomeOpened, sipcall.OutcomeBusy, sipcall.OutcomeTimeout} {
		result := sampleResult(string(rune('a'+i)), outcome, base.Add(time.Duration(i)*time.Minute))
		if err := repo.RecordAttempt(ctx, "+4912345678", result); err != nil {
			t.Fatalf("RecordAttempt() error: %v", err)
		}
	}

	attempts, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(attempts))
	}

	// Newest first.
	if attempts[0].Outcome != sipcall.OutcomeTimeout {
		t.Errorf("first attempt outcome = %q, want newest (timeout)", attempts[0].Outcome)
	}
	if attempts[2].Outcome != sipcall.OutcomeOpened {
		t.Errorf("last attempt outcome = %q, want oldest (opened)", attempts[2].Outcome)
	}

	got := attempts[2]
	if got.Number != "+4912345678" {
		t.Errorf("Number = %q", got.Number)
	}
	if got.RingCount != 1 || got.SIPStatus != 180 || got.Detail != "test" {
		t.Errorf("attempt fields lost on round-trip: %+v", got)
	}
	if got.Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got.Duration)
	}
}

func TestListRecentLimit(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		result := sampleResult(string(rune('a'+i)), sipcall.OutcomeOpened, base.Add(time.Duration(i)*time.Second))
		if err := repo.RecordAttempt(ctx, "123", result); err != nil {
			t.Fatalf("RecordAttempt() error: %v", err)
		}
	}

	attempts, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent() error: %v", err)
	}
	if len(attempts) != 2 {
		t.Errorf("got %d attempts, want 2", len(attempts))
	}
}

func TestLastAttempt(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	last, err := repo.LastAttempt(ctx)
	if err != nil {
		t.Fatalf("LastAttempt() error: %v", err)
	}
	if last != nil {
		t.Errorf("LastAttempt() = %+v, want nil on empty table", last)
	}

	base := time.Now().UTC()
	if err := repo.RecordAttempt(ctx, "123", sampleResult("a", sipcall.OutcomeBusy, base)); err != nil {
		t.Fatalf("RecordAttempt() error: %v", err)
	}
	if err := repo.RecordAttempt(ctx, "123", sampleResult("b", sipcall.OutcomeOpened, base.Add(time.Minute))); err != nil {
		t.Fatalf("RecordAttempt() error: %v", err)
	}

	last, err = repo.LastAttempt(ctx)
	if err != nil {
		t.Fatalf("LastAttempt() error: %v", err)
	}
	if last == nil || last.AttemptID != "b" {
		t.Errorf("LastAttempt() = %+v, want attempt b", last)
	}
}

func TestCountByOutcome(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	base := time.Now().UTC()

	outcomes := []sipcall.Outcome{
		sipcall.OutcomeOpened, sipcall.OutcomeOpened, sipcall.OutcomeBusy,
	}
	for i, outcome := range outcomes {
		result := sampleResult(string(rune('a'+i)), outcome, base.Add(time.Duration(i)*time.Second))
		if err := repo.RecordAttempt(ctx, "123", result); err != nil {
			t.Fatalf("RecordAttempt() error: %v", err)
		}
	}

	counts, err := repo.CountByOutcome(ctx)
	if err != nil {
		t.Fatalf("CountByOutcome() error: %v", err)
	}
	if counts[sipcall.OutcomeOpened] != 2 {
		t.Errorf("opened = %d, want 2", counts[sipcall.OutcomeOpened])
	}
	if counts[sipcall.OutcomeBusy] != 1 {
		t.Errorf("busy = %d, want 1", counts[sipcall.OutcomeBusy])
	}
	if counts[sipcall.OutcomeTimeout] != 0 {
		t.Errorf("timeout = %d, want 0", counts[sipcall.OutcomeTimeout])
	}
}

func TestDuplicateAttemptIDRejected(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	result := sampleResult("dup", sipcall.OutcomeOpened, time.Now().UTC())
	if err := repo.RecordAttempt(ctx, "123", result); err != nil {
		t.Fatalf("RecordAttempt() error: %v", err)
	}
	if err := repo.RecordAttempt(ctx, "123", result); err == nil {
		t.Error("expected unique constraint error for duplicate attempt_id")
	}
}
