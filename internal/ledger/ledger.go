// Package ledger tracks LLM spend. Records accumulate in memory and are
// flushed to sqlite opportunistically; losing un-flushed records only
// loosens budget enforcement, it never blocks a turn.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/keel-agent/keel/internal/storage"
)

// Record is one completed LLM call.
type Record struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	TaskType     string    `json:"task_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger is the process-scoped spend tracker. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	recent  []Record // rolling window kept in memory for daily sums
	pending []Record // not yet flushed to storage
	task    float64  // spend since the last user turn began

	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

const flushBatchSize = 10

// New builds a ledger. The store may be nil, in which case records are
// memory-only.
func New(store *storage.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Add appends a record and flushes when the pending batch is large
// enough. Flush failures are logged and the batch retried next time.
func (l *Ledger) Add(ctx context.Context, r Record) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}

	l.mu.Lock()
	l.recent = append(l.recent, r)
	l.pending = append(l.pending, r)
	l.task += r.CostUSD
	l.prune()
	shouldFlush := len(l.pending) >= flushBatchSize
	l.mu.Unlock()

	if shouldFlush {
		l.Flush(ctx)
	}
}

// prune drops in-memory records older than the 24h window. Caller holds
// the lock.
func (l *Ledger) prune() {
	cutoff := l.now().Add(-24 * time.Hour)
	i := 0
	for i < len(l.recent) && !l.recent[i].CreatedAt.After(cutoff) {
		i++
	}
	if i > 0 {
		l.recent = append([]Record(nil), l.recent[i:]...)
	}
}

// DailyTotal returns the spend over the rolling 24h window.
func (l *Ledger) DailyTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	var total float64
	for _, r := range l.recent {
		total += r.CostUSD
	}
	return total
}

// TaskTotal returns the spend since the current user turn began.
func (l *Ledger) TaskTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task
}

// ResetTask zeroes the per-task sum. Called at the start of each new
// user turn.
func (l *Ledger) ResetTask() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.task = 0
}

// Flush writes pending records to storage. Partial failure keeps the
// unwritten tail pending.
func (l *Ledger) Flush(ctx context.Context) {
	if l.store == nil {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	const q = `INSERT INTO cost_ledger
		(provider, model, input_tokens, output_tokens, cost_usd, task_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	for i, r := range batch {
		_, err := l.store.DB().ExecContext(ctx, q,
			r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.TaskType, r.CreatedAt)
		if err != nil {
			l.logger.Warn("flush failed, re-queueing remainder", "error", err, "records", len(batch)-i)
			l.mu.Lock()
			l.pending = append(batch[i:], l.pending...)
			l.mu.Unlock()
			return
		}
	}
}

// LoadRecent rehydrates the 24h window from storage at startup so budget
// enforcement survives restarts.
func (l *Ledger) LoadRecent(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	const q = `SELECT provider, model, input_tokens, output_tokens, cost_usd, task_type, created_at
		FROM cost_ledger WHERE created_at > ? ORDER BY created_at`
	rows, err := l.store.DB().QueryContext(ctx, q, l.now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	defer rows.Close()

	var loaded []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.TaskType, &r.CreatedAt); err != nil {
			return err
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.recent = append(loaded, l.recent...)
	l.mu.Unlock()
	return nil
}
