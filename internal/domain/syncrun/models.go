package syncrun

import (
	"errors"
	"time"
)

var (
	ErrRunNotFound = errors.New("sync run not found")
	ErrRunFinished = errors.New("sync run already finalized")
)

// Type is what triggered a run.
type Type string

const (
	TypeInitial     Type = "initial"
	TypeIncremental Type = "incremental"
	TypeWebhook     Type = "webhook"
	TypeManual      Type = "manual"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunError is one recorded failure. Message is sanitized before it is stored.
type RunError struct {
	AccountID string    `json:"accountId,omitempty"`
	Class     string    `json:"class"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Run brackets one sync execution for a connection.
type Run struct {
	ID                   string     `json:"id"`
	ConnectionID         string     `json:"connectionId"`
	Type                 Type       `json:"type"`
	Status               Status     `json:"status"`
	StartedAt            time.Time  `json:"startedAt"`
	FinishedAt           *time.Time `json:"finishedAt,omitempty"`
	AccountsProcessed    int        `json:"accountsProcessed"`
	AccountsFailed       int        `json:"accountsFailed"`
	TransactionsImported int        `json:"transactionsImported"`
	DuplicatesSkipped    int        `json:"duplicatesSkipped"`
	PossibleDuplicates   int        `json:"possibleDuplicates"`
	StatusUpdates        int        `json:"statusUpdates"`
	Refreshes            int        `json:"refreshes"`
	ReviewsOpened        int        `json:"reviewsOpened"`
	Errors               []RunError `json:"errors"`
}

// New starts a run.
func New(id, connectionID string, typ Type, now time.Time) *Run {
	return &Run{
		ID:           id,
		ConnectionID: connectionID,
		Type:         typ,
		Status:       StatusRunning,
		StartedAt:    now,
		Errors:       []RunError{},
	}
}

// Finished reports whether the run has been finalized.
func (r *Run) Finished() bool {
	return r.Status != StatusRunning
}

// Degraded reports whether the run completed with open reviews.
func (r *Run) Degraded() bool {
	return r.ReviewsOpened > 0
}

// RecordError appends a failure. An empty accountID marks a connection-level failure.
func (r *Run) RecordError(accountID, class, message string, at time.Time) {
	r.Errors = append(r.Errors, RunError{AccountID: accountID, Class: class, Message: message, At: at})
}

// Finish derives the terminal status. A connection-level failure fails the run;
// account failures only make it partial.
func (r *Run) Finish(now time.Time, cancelled, failed bool) {
	switch {
	case cancelled:
		r.Status = StatusCancelled
	case failed:
		r.Status = StatusFailed
	case r.AccountsFailed > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusCompleted
	}
	r.FinishedAt = &now
}
