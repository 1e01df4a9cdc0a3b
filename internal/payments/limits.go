package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/keel-agent/keel/internal/config"
)

// ApprovalTier is the extra confirmation a payment requires, selected by
// amount against the configured thresholds in descending strictness.
type ApprovalTier string

const (
	TierStandard  ApprovalTier = "standard"
	TierAlwaysAsk ApprovalTier = "always_ask"
	TierConfirm   ApprovalTier = "confirm"
	TierCooldown  ApprovalTier = "cooldown"
)

// Limiter runs the spending-limit checks against the audit trail.
type Limiter struct {
	cfg     config.PaymentsConfig
	auditor *Auditor
	now     func() time.Time
}

// NewLimiter builds a limiter over the auditor's audit trail.
func NewLimiter(cfg config.PaymentsConfig, auditor *Auditor) *Limiter {
	return &Limiter{cfg: cfg, auditor: auditor, now: time.Now}
}

// Check runs every limit against the proposed payment. An amount exactly
// equal to a cap is allowed; one cent above is rejected. The daily and
// per-recipient windows are rolling 24h; the monthly cap is calendar
// month.
func (l *Limiter) Check(ctx context.Context, amountUSD float64, recipient string) error {
	lim := l.cfg.Limits
	if amountUSD <= 0 {
		return fmt.Errorf("payment amount must be positive, got %.2f", amountUSD)
	}
	if lim.PerTransactionUSD > 0 && amountUSD > lim.PerTransactionUSD {
		return fmt.Errorf("amount $%.2f exceeds per-transaction limit $%.2f", amountUSD, lim.PerTransactionUSD)
	}

	now := l.now()

	if lim.DailyUSD > 0 {
		daily, err := l.auditor.executedSum(ctx, now.Add(-24*time.Hour), "")
		if err != nil {
			return fmt.Errorf("payments: daily sum: %w", err)
		}
		if daily+amountUSD > lim.DailyUSD {
			return fmt.Errorf("amount $%.2f would exceed daily limit $%.2f (spent $%.2f in last 24h)", amountUSD, lim.DailyUSD, daily)
		}
	}

	if lim.MonthlyUSD > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		monthly, err := l.auditor.executedSum(ctx, monthStart, "")
		if err != nil {
			return fmt.Errorf("payments: monthly sum: %w", err)
		}
		if monthly+amountUSD > lim.MonthlyUSD {
			return fmt.Errorf("amount $%.2f would exceed monthly limit $%.2f (spent $%.2f this month)", amountUSD, lim.MonthlyUSD, monthly)
		}
	}

	if lim.PerRecipient24hUSD > 0 && recipient != "" {
		perRecipient, err := l.auditor.executedSum(ctx, now.Add(-24*time.Hour), recipient)
		if err != nil {
			return fmt.Errorf("payments: recipient sum: %w", err)
		}
		if perRecipient+amountUSD > lim.PerRecipient24hUSD {
			return fmt.Errorf("amount $%.2f would exceed per-recipient 24h limit $%.2f for %s", amountUSD, lim.PerRecipient24hUSD, recipient)
		}
	}

	if lim.HourlyRateCap > 0 {
		count, err := l.auditor.executedCount(ctx, now.Add(-time.Hour))
		if err != nil {
			return fmt.Errorf("payments: hourly count: %w", err)
		}
		if count >= lim.HourlyRateCap {
			return fmt.Errorf("hourly payment rate cap reached (%d in last hour)", count)
		}
	}

	dup, err := l.auditor.hasDuplicate(ctx, amountUSD, recipient)
	if err != nil {
		return fmt.Errorf("payments: duplicate check: %w", err)
	}
	if dup {
		return fmt.Errorf("duplicate payment: $%.2f to %s already executed within the last hour", amountUSD, recipient)
	}

	return nil
}

// Tier selects the approval tier for an amount. Thresholds are checked
// from strictest down so misordered config still yields the strictest
// applicable tier.
func (l *Limiter) Tier(amountUSD float64) ApprovalTier {
	ap := l.cfg.Approval
	switch {
	case ap.CooldownUSD > 0 && amountUSD >= ap.CooldownUSD:
		return TierCooldown
	case ap.ConfirmUSD > 0 && amountUSD >= ap.ConfirmUSD:
		return TierConfirm
	case ap.AlwaysAskUSD > 0 && amountUSD >= ap.AlwaysAskUSD:
		return TierAlwaysAsk
	default:
		return TierStandard
	}
}

// CooldownDelay returns the configured preview-to-execute delay for the
// cooldown tier.
func (l *Limiter) CooldownDelay() time.Duration {
	return time.Duration(l.cfg.Approval.CooldownSeconds) * time.Second
}
