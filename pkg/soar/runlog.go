package soar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunStatus is the outcome of one playbook action.
type RunStatus string

const (
	RunStatusOK      RunStatus = "ok"
	RunStatusSkipped RunStatus = "skipped"
	RunStatusError   RunStatus = "error"
	RunStatusTimeout RunStatus = "timeout"
)

// RunRecord is one row of the append-only action audit log.
type RunRecord struct {
	PlaybookID string
	AlertID    string
	ActionName string
	Status     RunStatus
	Duration   time.Duration
	Error      string
	At         time.Time
}

// RunRecorder persists run records.
type RunRecorder interface {
	Record(ctx context.Context, rec RunRecord) error
}

// PostgresRunLog stores records in the playbook_runs table.
type PostgresRunLog struct {
	pool *pgxpool.Pool
}

// NewPostgresRunLog wraps a pgx pool.
func NewPostgresRunLog(pool *pgxpool.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool}
}

// Record implements RunRecorder.
func (l *PostgresRunLog) Record(ctx context.Context, rec RunRecord) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO playbook_runs (id, playbook_id, alert_id, action_name, status, duration_ms, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), rec.PlaybookID, rec.AlertID, rec.ActionName,
		string(rec.Status), rec.Duration.Milliseconds(), rec.Error, rec.At)
	if err != nil {
		return fmt.Errorf("recording playbook run: %w", err)
	}
	return nil
}

// Recent returns the latest run records, newest first.
func (l *PostgresRunLog) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT playbook_id, alert_id, action_name, status, duration_ms, error, created_at
		 FROM playbook_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying playbook runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status string
		var durationMs int64
		if err := rows.Scan(&rec.PlaybookID, &rec.AlertID, &rec.ActionName,
			&status, &durationMs, &rec.Error, &rec.At); err != nil {
			return nil, fmt.Errorf("scanning playbook run: %w", err)
		}
		rec.Status = RunStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MemoryRunLog is an in-memory RunRecorder for tests.
type MemoryRunLog struct {
	mu      sync.Mutex
	records []RunRecord
}

// NewMemoryRunLog creates an empty log.
func NewMemoryRunLog() *MemoryRunLog {
	return &MemoryRunLog{}
}

// Record implements RunRecorder.
func (l *MemoryRunLog) Record(_ context.Context, rec RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (l *MemoryRunLog) Records() []RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunRecord, len(l.records))
	copy(out, l.records)
	return out
}
