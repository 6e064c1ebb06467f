package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gatedial/gatedial/internal/sipcall"
)

// Attempt is one persisted gate call attempt.
type Attempt struct {
	ID        int64           `json:"id"`
	AttemptID string          `json:"attempt_id"`
	CallID    string          `json:"call_id,omitempty"`
	Number    string          `json:"number"`
	Outcome   sipcall.Outcome `json:"outcome"`
	Detail    string          `json:"detail,omitempty"`
	SIPStatus int             `json:"sip_status,omitempty"`
	RingCount int             `json:"ring_count"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// AttemptRepo persists and queries gate call attempts.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates the attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// RecordAttempt inserts one finished attempt.
func (r *AttemptRepo) RecordAttempt(ctx context.Context, number string, result sipcall.CallResult) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gate_attempts (attempt_id, call_id, number, outcome, detail,
		 sip_status, ring_count, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.AttemptID, result.CallID, number, string(result.Outcome), result.Detail,
		result.SIPStatus, result.RingCount, result.StartedAt.UTC(),
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting gate attempt: %w", err)
	}
	return nil
}

// ListRecent returns the newest attempts, most recent first.
func (r *AttemptRepo) ListRecent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, attempt_id, call_id, number, outcome, detail, sip_status,
		 ring_count, started_at, duration_ms
		 FROM gate_attempts ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing gate attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// LastAttempt returns the most recent attempt, or nil when none exist.
func (r *AttemptRepo) LastAttempt(ctx context.Context) (*Attempt, error) {
	attempts, err := r.ListRecent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return &attempts[0], nil
}

// CountByOutcome returns attempt totals grouped by outcome.
func (r *AttemptRepo) CountByOutcome(ctx context.Context) (map[sipcall.Outcome]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM gate_attempts GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting gate attempts: %w", err)
	}
	defer rows.Close()

	counts := make(map[sipcall.Outcome]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning attempt count: %w", err)
		}
		counts[sipcall.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var a Attempt
	var outcome string
	var durationMs int64
	err := row.Scan(&a.ID, &a.AttemptID, &a.CallID, &a.Number, &outcome,
		&a.Detail, &a.SIPStatus, &a.RingCount, &a.StartedAt, &durationMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return a, err
		}
		return a, fmt.Errorf("scanning gate attempt: %w", err)
	}
	a.Outcome = sipcall.Outcome(outcome)
	a.Duration = time.Duration(durationMs) * time.Millisecond
	return a, nil
}
