package reconcile

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrConflictRequiresReview = errors.New("balance conflict requires manual review")
	ErrReviewNotFound         = errors.New("review not found")
	ErrReviewClosed           = errors.New("review already resolved")
	ErrInvalidDecision        = errors.New("invalid review decision")
)

// State is the outcome of one reconciliation.
type State string

const (
	StateSynchronized     State = "synchronized"
	StateUpdated          State = "updated"
	StateConflictResolved State = "conflict_resolved"
	StateManualReview     State = "manual_review_required"
)

// Method names the resolution action taken.
type Method string

const (
	MethodNone              Method = "none"
	MethodInitialBalance    Method = "initial_balance"
	MethodAcceptExternal    Method = "accept_external_balance"
	MethodInvestigate       Method = "investigate_transactions"
	MethodAcceptBankBalance Method = "accept_bank_balance"
	MethodManualReview      Method = "manual_review"
	MethodReviewAccepted    Method = "review_accepted_external"
	MethodReviewKeptLocal   Method = "review_kept_local"
)

// BalanceSyncEvent is the append-only audit record of one reconciliation.
type BalanceSyncEvent struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	RunID       string          `json:"runId,omitempty"`
	Prior       decimal.Decimal `json:"priorBalance"`
	External    decimal.Decimal `json:"externalBalance"`
	Resulting   decimal.Decimal `json:"resultingBalance"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
	State       State           `json:"state"`
	Method      Method          `json:"method"`
	Confidence  float64         `json:"confidence"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ReviewStatus tracks a manual review record.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewResolved ReviewStatus = "resolved"
)

// Decision is how an operator closes a review.
type Decision string

const (
	DecisionAcceptExternal Decision = "accept_external"
	DecisionKeepLocal      Decision = "keep_local"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionAcceptExternal || d == DecisionKeepLocal
}

// ReviewRecord blocks automatic acceptance on an account until it is actioned.
type ReviewRecord struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId"`
	ConnectionID string          `json:"connectionId"`
	EventID      string          `json:"eventId"`
	Prior        decimal.Decimal `json:"priorBalance"`
	External     decimal.Decimal `json:"externalBalance"`
	Status       ReviewStatus    `json:"status"`
	Decision     *Decision       `json:"decision,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}
