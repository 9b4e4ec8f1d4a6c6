// Package orchestrator drives initial, webhook and polling sync for connections,
// composing adapters, normalization, dedup, reconciliation and resilience.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/normalize"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/syncrun"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/shared/messages"
)

// Settings are the sync windows and webhook callback base.
type Settings struct {
	InitialWindow time.Duration
	PollWindow    time.Duration
	ManualWindow  time.Duration
	WebhookWindow time.Duration
	// CallbackBaseURL prefixes /webhooks/{institution} when registering webhooks.
	CallbackBaseURL string
}

// DefaultSettings returns 90 days of history on connect and 24 hours on poll.
func DefaultSettings() Settings {
	return Settings{
		InitialWindow: 90 * 24 * time.Hour,
		PollWindow:    24 * time.Hour,
		ManualWindow:  7 * 24 * time.Hour,
		WebhookWindow: 72 * time.Hour,
	}
}

// Deps wires the orchestrator.
type Deps struct {
	Registry     *adapter.Registry
	Profiles     map[string]normalize.Profile
	Executor     *resilience.Executor
	Resolver     *reconcile.Resolver
	Detector     *transaction.DuplicateDetector
	Connections  connection.Repository
	Secrets      connection.SecretStore
	Accounts     account.Repository
	Transactions transaction.Repository
	Reviews      reconcile.Repository
	Runs         syncrun.Repository
	Store        Store
	Locker       Locker
	Publisher    events.Publisher
	Messages     *messages.Messages
	Settings     Settings
	// DisableThreshold is how many repeated terminal failures disable a connection.
	DisableThreshold int
}

// Orchestrator owns the breaker registry's lifetime through its executor and
// serializes all work per connection.
type Orchestrator struct {
	registry     *adapter.Registry
	profiles     map[string]normalize.Profile
	normalizer   normalize.Normalizer
	executor     *resilience.Executor
	resolver     *reconcile.Resolver
	detector     *transaction.DuplicateDetector
	connections  connection.Repository
	connService  *connection.Service
	secrets      connection.SecretStore
	accounts     account.Repository
	accountSvc   *account.Service
	transactions transaction.Repository
	reviews      reconcile.Repository
	runs         syncrun.Repository
	store        Store
	locker       Locker
	publisher    events.Publisher
	messages     *messages.Messages
	settings     Settings
	dispatcher   *Dispatcher
	now          func() time.Time
}

// New creates an orchestrator that submits its work to submitter.
func New(deps Deps, submitter Submitter) *Orchestrator {
	if deps.Locker == nil {
		deps.Locker = NopLocker{}
	}
	if deps.Messages == nil {
		deps.Messages = messages.Default()
	}
	if deps.Detector == nil {
		deps.Detector = transaction.NewDuplicateDetector()
	}
	if deps.Profiles == nil {
		deps.Profiles = map[string]normalize.Profile{}
	}
	def := DefaultSettings()
	if deps.Settings.InitialWindow <= 0 {
		deps.Settings.InitialWindow = def.InitialWindow
	}
	if deps.Settings.PollWindow <= 0 {
		deps.Settings.PollWindow = def.PollWindow
	}
	if deps.Settings.ManualWindow <= 0 {
		deps.Settings.ManualWindow = def.ManualWindow
	}
	if deps.Settings.WebhookWindow <= 0 {
		deps.Settings.WebhookWindow = def.WebhookWindow
	}

	o := &Orchestrator{
		registry:     deps.Registry,
		profiles:     deps.Profiles,
		executor:     deps.Executor,
		resolver:     deps.Resolver,
		detector:     deps.Detector,
		connections:  deps.Connections,
		connService:  connection.NewService(deps.Connections, deps.DisableThreshold),
		secrets:      deps.Secrets,
		accounts:     deps.Accounts,
		accountSvc:   account.NewService(deps.Accounts),
		transactions: deps.Transactions,
		reviews:      deps.Reviews,
		runs:         deps.Runs,
		store:        deps.Store,
		locker:       deps.Locker,
		publisher:    deps.Publisher,
		messages:     deps.Messages,
		settings:     deps.Settings,
		now:          time.Now,
	}
	o.dispatcher = NewDispatcher(submitter, func(ctx context.Context, task Task) error {
		if task.review != nil {
			return o.applyReview(ctx, task.review)
		}
		_, err := o.Run(ctx, task)
		return err
	})
	return o
}

// Breakers exposes breaker states for health reporting.
func (o *Orchestrator) Breakers() map[string]resilience.State {
	return o.executor.Breakers().Snapshot()
}

// ConnectRequest is a user's request to link an institution.
type ConnectRequest struct {
	UserID        string
	InstitutionID string
	Credentials   adapter.Credentials
	Consent       adapter.Consent
}

// Connect establishes a connection, seals the submitted credentials and queues
// the initial sync.
func (o *Orchestrator) Connect(ctx context.Context, req ConnectRequest) (*connection.Connection, error) {
	if req.UserID == "" || req.InstitutionID == "" {
		return nil, connection.ErrInvalidInput
	}
	a, err := o.registry.Get(req.InstitutionID)
	if err != nil {
		return nil, err
	}

	var established *connection.Connection
	_, err = o.executor.Run(ctx, resilience.Call{
		Institution: req.InstitutionID,
		Op:          "establish_connection",
		Do: func(ctx context.Context) error {
			c, err := a.EstablishConnection(ctx, req.Credentials, req.Consent)
			if err != nil {
				return err
			}
			established = c
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to establish connection: %w", err)
	}

	ref, err := o.secrets.Put(ctx, req.UserID, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	consentExpiry := established.ConsentExpiresAt
	if consentExpiry == nil {
		consentExpiry = req.Consent.ExpiresAt
	}
	conn, err := o.connections.Create(ctx, connection.CreateParams{
		UserID:           req.UserID,
		InstitutionID:    req.InstitutionID,
		ExternalID:       established.ExternalID,
		AuthType:         established.AuthType,
		CredentialRef:    ref,
		AccessToken:      established.AccessToken,
		RefreshToken:     established.RefreshToken,
		TokenExpiry:      established.TokenExpiry,
		ConsentExpiresAt: consentExpiry,
	})
	if err != nil {
		if derr := o.secrets.Delete(ctx, ref); derr != nil {
			log.WithError(derr).Warn("Failed to remove orphaned credentials")
		}
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	log.WithFields(log.Fields{
		"connection_id": conn.ID,
		"institution":   conn.InstitutionID,
		"user_id":       conn.UserID,
	}).Info("Connection established")

	if err := o.dispatcher.Enqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeInitial}); err != nil {
		return conn, err
	}
	return conn, nil
}

// Disconnect soft-deletes the connection and discards its sealed credentials.
// History is kept.
func (o *Orchestrator) Disconnect(ctx context.Context, userID, connectionID string) error {
	conn, err := o.connService.Disconnect(ctx, connectionID, userID)
	if err != nil {
		return err
	}
	if conn.CredentialRef != "" {
		if err := o.secrets.Delete(ctx, conn.CredentialRef); err != nil {
			log.WithError(err).WithField("connection_id", conn.ID).Warn("Failed to delete connection credentials")
		}
	}
	log.WithField("connection_id", conn.ID).Info("Connection removed")
	return nil
}

// RequestSync queues a manual sync on behalf of the owning user.
func (o *Orchestrator) RequestSync(ctx context.Context, userID, connectionID string) error {
	conn, err := o.connService.GetOwned(ctx, connectionID, userID)
	if err != nil {
		return err
	}
	if !conn.Syncable(o.now()) {
		return connection.ErrNotSyncable
	}
	return o.dispatcher.Enqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
}

// ListRuns returns a user's recent runs for a connection.
func (o *Orchestrator) ListRuns(ctx context.Context, userID, connectionID string, limit int) ([]*syncrun.Run, error) {
	if _, err := o.connService.GetOwned(ctx, connectionID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return o.runs.ListByConnection(ctx, connectionID, limit)
}

// Poll queues an incremental sync for every polling connection that is idle.
// Busy connections are skipped. It returns how many syncs were queued.
func (o *Orchestrator) Poll(ctx context.Context) (int, error) {
	conns, err := o.connections.ListPollable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pollable connections: %w", err)
	}

	now := o.now()
	queued := 0
	for _, conn := range conns {
		if !conn.Syncable(now) {
			continue
		}
		ok, err := o.dispatcher.TryEnqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
		if err != nil {
			log.WithError(err).WithField("connection_id", conn.ID).Warn("Failed to queue poll")
			continue
		}
		if ok {
			queued++
		}
	}
	log.WithFields(log.Fields{
		"connections": len(conns),
		"queued":      queued,
	}).Info("Polling cycle queued")
	return queued, nil
}

// HandleWebhook routes a verified, decoded webhook to its connection's queue.
func (o *Orchestrator) HandleWebhook(ctx context.Context, institutionID string, event WebhookEvent) error {
	if unknown, ok := event.(UnknownEvent); ok {
		log.WithFields(log.Fields{
			"institution": institutionID,
			"event_type":  unknown.Type,
		}).Warn("Ignoring unknown webhook event")
		return nil
	}

	conn, err := o.connections.GetByExternalID(ctx, institutionID, event.ConnectionRef())
	if err != nil {
		return err
	}
	return o.dispatcher.Enqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeWebhook, Webhook: event})
}

// ReconcileAfterReview queues a re-reconcile of the account's connection once a
// review has been actioned elsewhere.
func (o *Orchestrator) ReconcileAfterReview(ctx context.Context, accountID string) error {
	acc, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	_, err = o.dispatcher.TryEnqueue(Task{
		ConnectionID: acc.ConnectionID,
		Type:         syncrun.TypeWebhook,
		Webhook:      balanceRecheck{accountExternalID: acc.ExternalID},
	})
	return err
}

// balanceRecheck is an internal balance-only task raised by review resolution.
type balanceRecheck struct {
	accountExternalID string
}

func (balanceRecheck) ConnectionRef() string { return "" }
func (balanceRecheck) webhookEvent()         {}

// reviewTask carries an operator decision through the connection's queue so it
// never interleaves with a sync run on the same connection.
type reviewTask struct {
	ctx      context.Context
	conn     *connection.Connection
	record   *reconcile.ReviewRecord
	decision reconcile.Decision
	done     chan reviewResult
}

type reviewResult struct {
	event *reconcile.BalanceSyncEvent
	err   error
}

func (r *reviewTask) finish(event *reconcile.BalanceSyncEvent, err error) {
	select {
	case r.done <- reviewResult{event: event, err: err}:
	default:
	}
}

// ResolveReview applies an operator's decision to an open balance review. The
// decision is queued behind any work already running for the connection.
func (o *Orchestrator) ResolveReview(ctx context.Context, userID, reviewID string, decision reconcile.Decision) (*reconcile.BalanceSyncEvent, error) {
	if !decision.Valid() {
		return nil, reconcile.ErrInvalidDecision
	}

	review, err := o.reviews.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.Status != reconcile.ReviewOpen {
		return nil, reconcile.ErrReviewClosed
	}
	conn, err := o.connService.GetOwned(ctx, review.ConnectionID, userID)
	if err != nil {
		return nil, err
	}

	task := &reviewTask{
		ctx:      ctx,
		conn:     conn,
		record:   review,
		decision: decision,
		done:     make(chan reviewResult, 1),
	}
	if err := o.dispatcher.Enqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeManual, review: task}); err != nil {
		return nil, err
	}

	select {
	case res := <-task.done:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyReview runs on the connection's queue and reports back to the waiting caller.
func (o *Orchestrator) applyReview(ctx context.Context, task *reviewTask) error {
	if err := task.ctx.Err(); err != nil {
		task.finish(nil, err)
		return nil
	}
	event, err := o.commitReview(ctx, task.conn, task.record, task.decision)
	task.finish(event, err)
	return err
}

func (o *Orchestrator) commitReview(ctx context.Context, conn *connection.Connection, review *reconcile.ReviewRecord, decision reconcile.Decision) (*reconcile.BalanceSyncEvent, error) {
	release, err := o.locker.Acquire(ctx, conn.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to lock connection: %w", err)
	}
	defer release()

	acc, err := o.accounts.GetByID(ctx, review.AccountID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	resulting, method := acc.Balance, reconcile.MethodReviewKeptLocal
	if decision == reconcile.DecisionAcceptExternal {
		resulting, method = review.External, reconcile.MethodReviewAccepted
	}

	event := &reconcile.BalanceSyncEvent{
		ID:          uuid.NewString(),
		AccountID:   acc.ID,
		Prior:       acc.Balance,
		External:    review.External,
		Resulting:   resulting,
		Discrepancy: acc.Balance.Sub(review.External).Abs(),
		State:       reconcile.StateConflictResolved,
		Method:      method,
		Confidence:  1.0,
		CreatedAt:   now,
	}

	changed := !acc.Balance.Equal(resulting)
	acc.Balance = resulting
	acc.BalanceResolved = true
	acc.LastSyncedAt = &now

	if _, err := o.store.CommitAccount(ctx, AccountCommit{
		Account:       acc,
		Event:         event,
		ResolveReview: &ReviewResolution{ReviewID: review.ID, Decision: decision, At: now},
	}); err != nil {
		return nil, fmt.Errorf("failed to apply review decision: %w", err)
	}

	log.WithFields(log.Fields{
		"review_id":  review.ID,
		"account_id": acc.ID,
		"decision":   string(decision),
	}).Info("Balance review resolved")

	if changed {
		o.publish(ctx, events.KindBalanceUpdated, conn, acc.ID, map[string]string{
			"balance":  resulting.String(),
			"currency": acc.Currency,
		})
	}
	return event, nil
}

func (o *Orchestrator) profile(institutionID string) normalize.Profile {
	if p, ok := o.profiles[institutionID]; ok {
		return p
	}
	return normalize.Profile{InstitutionID: institutionID}
}

func (o *Orchestrator) publish(ctx context.Context, kind events.Kind, conn *connection.Connection, accountID string, payload map[string]string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(ctx, events.New(kind, conn.UserID, conn.ID, accountID, o.now(), payload))
}

func isNotFound(err error) bool {
	return errors.Is(err, account.ErrAccountNotFound)
}
