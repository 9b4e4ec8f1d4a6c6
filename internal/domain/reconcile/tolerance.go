package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/account"
)

// Tolerance holds the thresholds for one account class.
type Tolerance struct {
	// Absolute is the discrepancy below which balances are considered equal.
	Absolute decimal.Decimal
	// Relative is the discrepancy share of the external balance accepted without investigation.
	Relative decimal.Decimal
	// Staleness is how old the last sync may be before the bank balance wins outright.
	Staleness time.Duration
	// Window is how far back unresolved transactions count as recent.
	Window time.Duration
}

// DefaultTolerance is one cent, 0.1%, 24 hours, 72 hours.
func DefaultTolerance() Tolerance {
	return Tolerance{
		Absolute:  decimal.New(1, -2),
		Relative:  decimal.New(1, -3),
		Staleness: 24 * time.Hour,
		Window:    72 * time.Hour,
	}
}

// Tolerances resolves the tolerance for an account class.
type Tolerances struct {
	Default Tolerance
	ByClass map[account.Type]Tolerance
}

// DefaultTolerances widens the relative tolerance for investment accounts,
// whose valuations drift between reads.
func DefaultTolerances() Tolerances {
	investment := DefaultTolerance()
	investment.Relative = decimal.New(5, -3)
	investment.Staleness = 72 * time.Hour
	return Tolerances{
		Default: DefaultTolerance(),
		ByClass: map[account.Type]Tolerance{account.TypeInvestment: investment},
	}
}

// For returns the tolerance for class.
func (t Tolerances) For(class account.Type) Tolerance {
	if tol, ok := t.ByClass[class]; ok {
		return tol
	}
	return t.Default
}
