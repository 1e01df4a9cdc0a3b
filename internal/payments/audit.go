// Package payments enforces spending limits and keeps the payment audit
// trail. Every payment is recorded as pending before execution and
// transitioned to executed or failed afterwards; limit queries only ever
// count executed records.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keel-agent/keel/internal/storage"
)

// Status is the lifecycle state of an audit record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// AuditRecord is one row of the payment audit trail.
type AuditRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ToolName  string    `json:"tool_name"`
	AmountUSD float64   `json:"amount_usd"`
	Currency  string    `json:"currency"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Provider  string    `json:"provider"`
	Chain     string    `json:"chain,omitempty"`
	Status    Status    `json:"status"`
	Refs      string    `json:"refs,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Auditor writes and queries the audit trail.
type Auditor struct {
	store *storage.Store
	now   func() time.Time
}

// NewAuditor builds an auditor over the shared store.
func NewAuditor(store *storage.Store) *Auditor {
	return &Auditor{store: store, now: time.Now}
}

// RecordPending writes the pending record that must precede every
// payment execution. Returns the generated record id.
func (a *Auditor) RecordPending(ctx context.Context, r AuditRecord) (string, error) {
	r.ID = uuid.NewString()
	r.CreatedAt = a.now()
	r.Status = StatusPending

	const q = `INSERT INTO payment_audit
		(id, created_at, tool_name, amount_usd, currency, recipient, type, provider, chain, status, refs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := a.store.DB().ExecContext(ctx, q,
		r.ID, r.CreatedAt, r.ToolName, r.AmountUSD, r.Currency, r.Recipient,
		r.Type, r.Provider, r.Chain, r.Status, r.Refs, r.Error)
	if err != nil {
		return "", fmt.Errorf("payments: record pending: %w", err)
	}
	return r.ID, nil
}

// MarkExecuted transitions a pending record to executed with the
// transaction reference.
func (a *Auditor) MarkExecuted(ctx context.Context, id, refs string) error {
	return a.transition(ctx, id, StatusExecuted, refs, "")
}

// MarkFailed transitions a pending record to failed with the error text.
func (a *Auditor) MarkFailed(ctx context.Context, id, errText string) error {
	return a.transition(ctx, id, StatusFailed, "", errText)
}

func (a *Auditor) transition(ctx context.Context, id string, to Status, refs, errText string) error {
	const q = `UPDATE payment_audit SET status = ?, refs = ?, error = ?
		WHERE id = ? AND status = 'pending'`
	res, err := a.store.DB().ExecContext(ctx, q, to, refs, errText, id)
	if err != nil {
		return fmt.Errorf("payments: transition %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payments: record %s is not pending", id)
	}
	return nil
}

// executedSum returns the sum of executed amounts since a cutoff,
// optionally restricted to one recipient.
func (a *Auditor) executedSum(ctx context.Context, since time.Time, recipient string) (float64, error) {
	q := `SELECT COALESCE(SUM(amount_usd), 0) FROM payment_audit
		WHERE status = 'executed' AND created_at > ?`
	args := []any{since}
	if recipient != "" {
		q += ` AND recipient = ?`
		args = append(args, recipient)
	}
	var sum float64
	err := a.store.DB().QueryRowContext(ctx, q, args...).Scan(&sum)
	return sum, err
}

// executedCount returns the number of executed payments since a cutoff.
func (a *Auditor) executedCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := a.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_audit WHERE status = 'executed' AND created_at > ?`,
		since).Scan(&n)
	return n, err
}

// hasDuplicate reports whether an executed payment with the same amount
// and recipient exists in the last hour.
func (a *Auditor) hasDuplicate(ctx context.Context, amount float64, recipient string) (bool, error) {
	var n int
	err := a.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_audit
		 WHERE status = 'executed' AND amount_usd = ? AND recipient = ? AND created_at > ?`,
		amount, recipient, a.now().Add(-time.Hour)).Scan(&n)
	return n > 0, err
}

// Recent returns the newest audit records, newest first.
func (a *Auditor) Recent(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := a.store.DB().QueryContext(ctx,
		`SELECT id, created_at, tool_name, amount_usd, currency, recipient, type, provider,
		        COALESCE(chain,''), status, COALESCE(refs,''), COALESCE(error,'')
		 FROM payment_audit ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.ToolName, &r.AmountUSD, &r.Currency,
			&r.Recipient, &r.Type, &r.Provider, &r.Chain, &r.Status, &r.Refs, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
