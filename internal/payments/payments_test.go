package payments

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/keel-agent/keel/internal/config"
	"github.com/keel-agent/keel/internal/storage"
)

func testLimiter(t *testing.T) (*Limiter, *Auditor) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auditor := NewAuditor(store)
	limiter := NewLimiter(config.PaymentsConfig{
		Limits: config.PaymentLimits{
			PerTransactionUSD:  50,
			DailyUSD:           200,
			MonthlyUSD:         1000,
			PerRecipient24hUSD: 100,
			HourlyRateCap:      10,
		},
		Approval: config.PaymentApproval{
			AlwaysAskUSD:    10,
			ConfirmUSD:      25,
			CooldownUSD:     50,
			CooldownSeconds: 300,
		},
	}, auditor)
	return limiter, auditor
}

// execute records a payment through the full pending->executed protocol
// at a given timestamp.
func execute(t *testing.T, a *Auditor, amount float64, recipient string, at time.Time) {
	t.Helper()
	a.now = func() time.Time { return at }
	id, err := a.RecordPending(context.Background(), AuditRecord{
		ToolName: "payment_send", AmountUSD: amount, Currency: "USD", Recipient: recipient,
		Type: "transfer", Provider: "test",
	})
	if err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	if err := a.MarkExecuted(context.Background(), id, "tx-ref"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	a.now = time.Now
}

func TestPerTransactionBoundary(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := t.Context()

	// Exactly at the cap is allowed.
	if err := l.Check(ctx, 50.00, "alice"); err != nil {
		t.Errorf("amount == cap rejected: %v", err)
	}
	// One cent above is rejected.
	if err := l.Check(ctx, 50.01, "alice"); err == nil {
		t.Error("amount one cent over cap accepted")
	}
	if err := l.Check(ctx, 0, "alice"); err == nil {
		t.Error("zero amount accepted")
	}
}

func TestDailyLimitRolling24h(t *testing.T) {
	l, a := testLimiter(t)
	ctx := t.Context()
	now := time.Now()

	// 180 inside the window, 50 just outside it.
	execute(t, a, 45, "r1", now.Add(-2*time.Hour))
	execute(t, a, 45, "r2", now.Add(-4*time.Hour))
	execute(t, a, 45, "r3", now.Add(-6*time.Hour))
	execute(t, a, 45, "r4", now.Add(-8*time.Hour))
	execute(t, a, 50, "r5", now.Add(-24*time.Hour-time.Second))

	// 180 + 20 == 200 cap: allowed.
	if err := l.Check(ctx, 20, "bob"); err != nil {
		t.Errorf("amount reaching daily cap rejected: %v", err)
	}
	// 180 + 21 > 200: rejected.
	if err := l.Check(ctx, 21, "bob"); err == nil {
		t.Error("amount over daily cap accepted")
	}
}

func TestPerRecipientLimit(t *testing.T) {
	l, a := testLimiter(t)
	ctx := t.Context()

	execute(t, a, 40, "alice", time.Now().Add(-2*time.Hour))
	execute(t, a, 40, "alice", time.Now().Add(-3*time.Hour))

	if err := l.Check(ctx, 20, "alice"); err != nil {
		t.Errorf("amount reaching recipient cap rejected: %v", err)
	}
	if err := l.Check(ctx, 21, "alice"); err == nil {
		t.Error("amount over recipient cap accepted")
	}
	// A different recipient is unaffected.
	if err := l.Check(ctx, 21, "bob"); err != nil {
		t.Errorf("other recipient rejected: %v", err)
	}
}

func TestHourlyRateCap(t *testing.T) {
	l, a := testLimiter(t)
	ctx := t.Context()

	for i := 0; i < 10; i++ {
		execute(t, a, 1, "r", time.Now().Add(-time.Duration(i+1)*time.Minute))
	}
	err := l.Check(ctx, 5, "fresh")
	if err == nil || !strings.Contains(err.Error(), "rate cap") {
		t.Errorf("11th payment in an hour accepted: %v", err)
	}
}

func TestDuplicateDetection(t *testing.T) {
	l, a := testLimiter(t)
	ctx := t.Context()

	execute(t, a, 25, "alice", time.Now().Add(-30*time.Minute))
	if err := l.Check(ctx, 25, "alice"); err == nil {
		t.Error("duplicate within the hour accepted")
	}
	// Same amount to someone else is fine.
	if err := l.Check(ctx, 25, "bob"); err != nil {
		t.Errorf("same amount to other recipient rejected: %v", err)
	}
	// Same pair older than an hour is fine.
	l2, a2 := testLimiter(t)
	execute(t, a2, 25, "alice", time.Now().Add(-2*time.Hour))
	if err := l2.Check(ctx, 25, "alice"); err != nil {
		t.Errorf("stale duplicate rejected: %v", err)
	}
}

func TestPendingNeverCounts(t *testing.T) {
	l, a := testLimiter(t)
	ctx := t.Context()

	// A pending record near the daily cap must not block new payments.
	if _, err := a.RecordPending(ctx, AuditRecord{
		ToolName: "payment_send", AmountUSD: 199, Currency: "USD", Recipient: "x",
		Type: "transfer", Provider: "test",
	}); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	if err := l.Check(ctx, 50, "alice"); err != nil {
		t.Errorf("pending record counted toward limits: %v", err)
	}
}

func TestAuditProtocol(t *testing.T) {
	_, a := testLimiter(t)
	ctx := t.Context()

	id, err := a.RecordPending(ctx, AuditRecord{
		ToolName: "payment_send", AmountUSD: 5, Currency: "USD", Recipient: "alice",
		Type: "transfer", Provider: "test",
	})
	if err != nil {
		t.Fatalf("RecordPending: %v", err)
	}

	if err := a.MarkExecuted(ctx, id, "0xabc"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	// A second transition on the same record must fail.
	if err := a.MarkFailed(ctx, id, "late failure"); err == nil {
		t.Error("double transition accepted")
	}

	recs, err := a.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != StatusExecuted || recs[0].Refs != "0xabc" {
		t.Errorf("audit record = %+v", recs)
	}
}

func TestApprovalTier(t *testing.T) {
	l, _ := testLimiter(t)
	tests := []struct {
		amount float64
		want   ApprovalTier
	}{
		{5, TierStandard},
		{10, TierAlwaysAsk},
		{24.99, TierAlwaysAsk},
		{25, TierConfirm},
		{49.99, TierConfirm},
		{50, TierCooldown},
	}
	for _, tt := range tests {
		if got := l.Tier(tt.amount); got != tt.want {
			t.Errorf("Tier(%v) = %s, want %s", tt.amount, got, tt.want)
		}
	}
	if l.CooldownDelay() != 5*time.Minute {
		t.Errorf("CooldownDelay = %v", l.CooldownDelay())
	}
}
