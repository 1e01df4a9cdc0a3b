package router

import "errors"

var (
	// ErrNoProviderAvailable means selection found no enabled healthy
	// provider. Terminal for the turn; triggers the recovery-mode check.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrBudgetExceeded means the daily or per-task spend cap is
	// reached. Checked before any provider call.
	ErrBudgetExceeded = errors.New("budget exceeded")
)
