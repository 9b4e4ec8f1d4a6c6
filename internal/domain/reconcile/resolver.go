package reconcile

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/account"
)

// Input is everything the resolver needs about one account.
type Input struct {
	AccountID string
	Class     account.Type
	// Initial is set when the account has never had a resolved balance.
	Initial  bool
	Prior    decimal.Decimal
	External decimal.Decimal
	LastSync *time.Time
	// UnresolvedRecent counts pending or flagged transactions inside the tolerance window.
	UnresolvedRecent int
	// OpenReview blocks automatic acceptance until the review is actioned.
	OpenReview bool
}

// Outcome is the resolver's decision.
type Outcome struct {
	State       State
	Method      Method
	Confidence  float64
	Discrepancy decimal.Decimal
	Resulting   decimal.Decimal
	// Mutates is true when Resulting must be written to the account.
	Mutates bool
	// Resync asks the caller to re-fetch transactions for the tolerance window.
	Resync bool
	// Review asks the caller to open a review record.
	Review bool
}

// Resolver is the balance reconciliation state machine.
type Resolver struct {
	tolerances Tolerances
	now        func() time.Time
}

// NewResolver creates a resolver with per-class tolerances.
func NewResolver(tolerances Tolerances) *Resolver {
	return &Resolver{tolerances: tolerances, now: time.Now}
}

// Tolerance exposes the thresholds the resolver applies to class.
func (r *Resolver) Tolerance(class account.Type) Tolerance {
	return r.tolerances.For(class)
}

// Resolve walks the rules in order and returns the first that applies.
func (r *Resolver) Resolve(in Input) Outcome {
	tol := r.tolerances.For(in.Class)
	discrepancy := in.Prior.Sub(in.External).Abs()

	out := Outcome{Discrepancy: discrepancy, Resulting: in.Prior}

	if in.Initial {
		out.State, out.Method, out.Confidence = StateUpdated, MethodInitialBalance, 1.0
		out.Discrepancy = decimal.Zero
		out.Resulting, out.Mutates = in.External, true
		return out
	}

	if discrepancy.LessThan(tol.Absolute) {
		out.State, out.Method, out.Confidence = StateSynchronized, MethodNone, 1.0
		return out
	}

	if !in.OpenReview && !in.External.IsZero() &&
		discrepancy.Div(in.External.Abs()).LessThan(tol.Relative) {
		out.State, out.Method, out.Confidence = StateUpdated, MethodAcceptExternal, 0.95
		out.Resulting, out.Mutates = in.External, true
		return out
	}

	if in.UnresolvedRecent > 0 {
		out.State, out.Method, out.Confidence = StateConflictResolved, MethodInvestigate, 0.7
		out.Resync = true
		return out
	}

	if !in.OpenReview && r.stale(in.LastSync, tol.Staleness) {
		out.State, out.Method, out.Confidence = StateConflictResolved, MethodAcceptBankBalance, 0.8
		out.Resulting, out.Mutates = in.External, true
		return out
	}

	out.State, out.Method, out.Confidence = StateManualReview, MethodManualReview, 0.3
	out.Review = !in.OpenReview
	return out
}

func (r *Resolver) stale(lastSync *time.Time, threshold time.Duration) bool {
	if lastSync == nil {
		return true
	}
	return r.now().Sub(*lastSync) > threshold
}

// Event builds the audit record for an outcome.
func (o Outcome) Event(in Input, runID string, at time.Time) *BalanceSyncEvent {
	return &BalanceSyncEvent{
		ID:          uuid.NewString(),
		AccountID:   in.AccountID,
		RunID:       runID,
		Prior:       in.Prior,
		External:    in.External,
		Resulting:   o.Resulting,
		Discrepancy: o.Discrepancy,
		State:       o.State,
		Method:      o.Method,
		Confidence:  o.Confidence,
		CreatedAt:   at,
	}
}

// Settles reports whether the account's balance is confirmed current after this outcome.
func (o Outcome) Settles() bool {
	switch o.State {
	case StateSynchronized, StateUpdated:
		return true
	case StateConflictResolved:
		return o.Method == MethodAcceptBankBalance
	default:
		return false
	}
}
