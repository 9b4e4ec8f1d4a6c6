package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/normalize"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/syncrun"
	"ledgersync/internal/shared/logging"
)

var (
	runTracer      = otel.Tracer("ledgersync/orchestrator")
	runMeter       = otel.Meter("ledgersync/orchestrator")
	runTotal, _    = runMeter.Int64Counter("sync.run.total", metric.WithDescription("Sync runs by type and status"))
	runDuration, _ = runMeter.Float64Histogram("sync.run.duration", metric.WithDescription("Sync run duration in seconds"), metric.WithUnit("s"))
)

// runContext is the state shared by one run's account iterations.
type runContext struct {
	conn    *connection.Connection
	adapter adapter.Adapter
	profile normalize.Profile
	run     *syncrun.Run
	log     *log.Entry

	// fatal stops the account loop; the run is marked failed.
	fatal bool
}

// Run executes one task for a connection inside a SyncRun. It is called by the
// dispatcher, which guarantees no other task for the connection is running.
func (o *Orchestrator) Run(ctx context.Context, task Task) (*syncrun.Run, error) {
	conn, err := o.connections.GetByID(ctx, task.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	now := o.now()
	if !conn.Syncable(now) {
		if conn.Status == connection.StatusActive && conn.ConsentExpired(now) {
			if err := o.connService.MarkExpired(ctx, conn); err != nil {
				log.WithError(err).WithField("connection_id", conn.ID).Warn("Failed to expire connection")
			}
		}
		log.WithFields(log.Fields{
			"connection_id": conn.ID,
			"status":        string(conn.Status),
			"type":          string(task.Type),
		}).Info("Connection not syncable, skipping")
		return nil, connection.ErrNotSyncable
	}

	poll := task.Type == syncrun.TypeIncremental
	release, err := o.locker.Acquire(ctx, conn.ID, !poll)
	if poll && errors.Is(err, ErrLocked) {
		log.WithField("connection_id", conn.ID).Info("Connection locked by another instance, skipping poll")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock connection: %w", err)
	}
	defer release()

	a, err := o.registry.Get(conn.InstitutionID)
	if err != nil {
		return nil, err
	}

	run := syncrun.New(uuid.NewString(), conn.ID, task.Type, now)
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	ctx, span := runTracer.Start(ctx, "sync.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.type", string(run.Type)),
			attribute.String("connection.id", conn.ID),
			attribute.String("institution", conn.InstitutionID),
		),
	)
	defer span.End()

	rc := &runContext{
		conn:    conn,
		adapter: a,
		profile: o.profile(conn.InstitutionID),
		run:     run,
		log: log.WithFields(log.Fields{
			"run_id":        run.ID,
			"connection_id": conn.ID,
			"institution":   conn.InstitutionID,
		}),
	}
	rc.log.WithField("type", string(run.Type)).Info("Sync run started")

	var cancelled bool
	switch task.Type {
	case syncrun.TypeInitial:
		cancelled = o.syncListedAccounts(ctx, rc, o.settings.InitialWindow)
		if !rc.fatal && !cancelled {
			o.chooseDeliveryMode(ctx, rc)
		}
	case syncrun.TypeManual:
		cancelled = o.syncListedAccounts(ctx, rc, o.settings.ManualWindow)
	case syncrun.TypeIncremental:
		cancelled = o.syncKnownAccounts(ctx, rc, o.settings.PollWindow)
	case syncrun.TypeWebhook:
		cancelled = o.syncWebhook(ctx, rc, task.Webhook)
	default:
		rc.fatal = true
		run.RecordError("", "invalid_request", fmt.Sprintf("unknown sync type %q", task.Type), o.now())
	}

	run.Finish(o.now(), cancelled, rc.fatal)
	if err := o.runs.Finalize(context.WithoutCancel(ctx), run); err != nil {
		rc.log.WithError(err).Error("Failed to finalize sync run")
	}

	if !rc.fatal && run.AccountsProcessed > 0 {
		if err := o.connService.RecordSuccess(context.WithoutCancel(ctx), conn); err != nil {
			rc.log.WithError(err).Warn("Failed to record connection success")
		}
	}

	o.reportRun(ctx, rc, span)
	return run, nil
}

func (o *Orchestrator) reportRun(ctx context.Context, rc *runContext, span trace.Span) {
	run := rc.run
	attrs := metric.WithAttributes(
		attribute.String("type", string(run.Type)),
		attribute.String("status", string(run.Status)),
	)
	runTotal.Add(ctx, 1, attrs)
	if run.FinishedAt != nil {
		runDuration.Record(ctx, run.FinishedAt.Sub(run.StartedAt).Seconds(), attrs)
	}

	span.SetAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.Int("run.accounts_processed", run.AccountsProcessed),
		attribute.Int("run.accounts_failed", run.AccountsFailed),
		attribute.Int("run.transactions_imported", run.TransactionsImported),
	)
	if run.Status == syncrun.StatusFailed {
		span.SetStatus(codes.Error, "sync run failed")
	}

	rc.log.WithFields(log.Fields{
		"status":                string(run.Status),
		"accounts_processed":    run.AccountsProcessed,
		"accounts_failed":       run.AccountsFailed,
		"transactions_imported": run.TransactionsImported,
		"duplicates_skipped":    run.DuplicatesSkipped,
		"possible_duplicates":   run.PossibleDuplicates,
		"refreshes":             run.Refreshes,
		"reviews_opened":        run.ReviewsOpened,
	}).Info("Sync run finished")

	payload := map[string]string{
		"run_id":                run.ID,
		"type":                  string(run.Type),
		"status":                string(run.Status),
		"transactions_imported": strconv.Itoa(run.TransactionsImported),
	}
	switch {
	case rc.conn.Status == connection.StatusError:
		payload["message"] = o.messages.ReauthRequired.Body
	case rc.conn.Status == connection.StatusDisabled:
		payload["message"] = o.messages.ConnectionDisabled.Body
	case run.Status == syncrun.StatusFailed:
		payload["message"] = o.messages.ConnectionSyncFailed.Body
	case run.Status == syncrun.StatusPartial:
		payload["message"] = o.messages.AccountSyncFailed.Body
	case run.Degraded():
		payload["message"] = o.messages.BalanceReviewRequired.Body
	}
	o.publish(ctx, events.KindSyncStatus, rc.conn, "", payload)
}

// syncListedAccounts lists the institution's accounts, syncs each and archives the
// ones no longer listed. It reports whether the run was cancelled.
func (o *Orchestrator) syncListedAccounts(ctx context.Context, rc *runContext, window time.Duration) bool {
	raws, err := callAdapter(ctx, o, rc, "list_accounts", func(ctx context.Context, a adapter.Adapter) ([]adapter.RawAccount, error) {
		return a.ListAccounts(ctx, rc.conn)
	})
	if err != nil {
		o.connectionFailure(ctx, rc, err)
		return false
	}

	to := o.now()
	span := &adapter.Window{From: to.Add(-window), To: to}
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if ctx.Err() != nil {
			return true
		}
		if rc.fatal {
			break
		}
		seen[raw.ExternalID] = struct{}{}

		acc, created, err := o.prepareAccount(ctx, rc, raw)
		if err != nil {
			o.accountFailure(ctx, rc, raw.ExternalID, err)
			continue
		}
		if err := o.syncAccount(ctx, rc, acc, created, span); err != nil {
			if ctx.Err() != nil {
				return true
			}
			o.accountFailure(ctx, rc, acc.ID, err)
		}
	}

	if rc.fatal || ctx.Err() != nil {
		return ctx.Err() != nil
	}
	if _, err := o.accountSvc.ArchiveMissing(ctx, rc.conn.ID, seen); err != nil {
		rc.log.WithError(err).Warn("Failed to archive missing accounts")
	}
	return false
}

// syncKnownAccounts refreshes the balance and recent transactions of the
// connection's stored accounts.
func (o *Orchestrator) syncKnownAccounts(ctx context.Context, rc *runContext, window time.Duration) bool {
	accounts, err := o.accountSvc.ListActive(ctx, rc.conn.ID)
	if err != nil {
		o.connectionFailure(ctx, rc, err)
		return false
	}

	to := o.now()
	span := &adapter.Window{From: to.Add(-window), To: to}
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return true
		}
		if rc.fatal {
			break
		}
		if err := o.syncAccount(ctx, rc, acc, false, span); err != nil {
			if ctx.Err() != nil {
				return true
			}
			o.accountFailure(ctx, rc, acc.ID, err)
		}
	}
	return ctx.Err() != nil
}

// syncWebhook routes a decoded callback into the shared pipeline.
func (o *Orchestrator) syncWebhook(ctx context.Context, rc *runContext, event WebhookEvent) bool {
	to := o.now()
	switch ev := event.(type) {
	case BalanceUpdated:
		o.syncOneAccount(ctx, rc, ev.AccountExternalID, nil)
	case balanceRecheck:
		o.syncOneAccount(ctx, rc, ev.accountExternalID, nil)
	case TransactionCreated:
		o.syncOneAccount(ctx, rc, ev.AccountExternalID, &adapter.Window{From: to.Add(-o.settings.WebhookWindow), To: to})
	case StatusChanged:
		return o.applyRemoteStatus(ctx, rc, ev)
	case UnknownEvent:
		rc.log.WithField("event_type", ev.Type).Warn("Ignoring unknown webhook event")
	default:
		rc.log.Errorf("Unhandled webhook event %T", event)
	}
	return ctx.Err() != nil
}

func (o *Orchestrator) syncOneAccount(ctx context.Context, rc *runContext, externalID string, window *adapter.Window) {
	acc, err := o.accounts.GetByExternalID(ctx, rc.conn.ID, externalID)
	if err != nil {
		if isNotFound(err) {
			// an account opened since the last listing
			o.syncListedAccounts(ctx, rc, o.settings.WebhookWindow)
			return
		}
		o.accountFailure(ctx, rc, "", err)
		return
	}
	if err := o.syncAccount(ctx, rc, acc, false, window); err != nil {
		o.accountFailure(ctx, rc, acc.ID, err)
	}
}

// applyRemoteStatus mirrors an institution-side connection state change.
func (o *Orchestrator) applyRemoteStatus(ctx context.Context, rc *runContext, ev StatusChanged) bool {
	status := strings.ToLower(strings.TrimSpace(ev.Status))
	rc.log.WithField("remote_status", status).Info("Institution reported connection status")

	switch status {
	case RemoteStatusExpired, RemoteStatusConsentRevoke:
		if err := o.connService.MarkExpired(ctx, rc.conn); err != nil {
			rc.log.WithError(err).Error("Failed to expire connection")
		}
		rc.fatal = true
		rc.run.RecordError("", string(adapter.ClassAuthExpired), o.messages.ReauthRequired.Body, o.now())
		return false
	case RemoteStatusLoginError, RemoteStatusWaitingInput:
		if err := o.connService.RequireReauthentication(ctx, rc.conn); err != nil {
			rc.log.WithError(err).Error("Failed to flag connection for reauthentication")
		}
		rc.fatal = true
		rc.run.RecordError("", string(adapter.ClassInvalidCredentials), o.messages.ReauthRequired.Body, o.now())
		return false
	default:
		// active, updated, outdated: the institution has fresh data
		return o.syncKnownAccounts(ctx, rc, o.settings.WebhookWindow)
	}
}

// chooseDeliveryMode registers a webhook when the adapter supports it and falls
// back to polling otherwise.
func (o *Orchestrator) chooseDeliveryMode(ctx context.Context, rc *runContext) {
	mode := connection.SyncModePolling

	_, canRegister := rc.adapter.(adapter.WebhookRegistrar)
	if rc.adapter.Capabilities().SupportsWebhooks && canRegister && o.settings.CallbackBaseURL != "" {
		callback := strings.TrimRight(o.settings.CallbackBaseURL, "/") + "/webhooks/" + rc.conn.InstitutionID
		_, err := callAdapter(ctx, o, rc, "register_webhook", func(ctx context.Context, a adapter.Adapter) (struct{}, error) {
			r, ok := a.(adapter.WebhookRegistrar)
			if !ok {
				return struct{}{}, adapter.NewError(adapter.ClassInvalidRequest, rc.conn.InstitutionID, "register_webhook", adapter.ErrUnsupported)
			}
			return struct{}{}, r.RegisterWebhook(ctx, rc.conn, callback)
		})
		if err == nil {
			mode = connection.SyncModeWebhook
		} else {
			rc.log.WithError(err).Warn("Webhook registration failed, falling back to polling")
		}
	}

	if err := o.connections.UpdateSyncMode(ctx, rc.conn.ID, mode); err != nil {
		rc.log.WithError(err).Warn("Failed to record sync mode")
		return
	}
	rc.conn.SyncMode = mode
	rc.log.WithField("sync_mode", string(mode)).Info("Connection delivery mode chosen")
}

// connectionFailure records a failure that prevents the run from reaching any account.
func (o *Orchestrator) connectionFailure(ctx context.Context, rc *runContext, err error) {
	rc.fatal = true
	class := o.applyFailurePolicy(ctx, rc, err)
	rc.run.RecordError("", class, o.messages.ConnectionSyncFailed.Body, o.now())
}

// accountFailure records a per-account failure. The run continues unless the
// failure policy made the connection unusable.
func (o *Orchestrator) accountFailure(ctx context.Context, rc *runContext, accountID string, err error) {
	class := o.applyFailurePolicy(ctx, rc, err)
	rc.run.AccountsFailed++
	rc.run.RecordError(accountID, class, o.messages.AccountSyncFailed.Body, o.now())
}

// applyFailurePolicy logs err with sanitized context, applies connection state
// changes and returns the error class to record.
func (o *Orchestrator) applyFailurePolicy(ctx context.Context, rc *runContext, err error) string {
	class := failureClass(err)
	rc.log.WithFields(log.Fields{
		"error_class": class,
		"error":       logging.SanitizeError(err),
	}).Warn("Sync failure")

	switch {
	case errors.Is(err, resilience.ErrReauthRequired):
		if perr := o.connService.RequireReauthentication(ctx, rc.conn); perr != nil {
			rc.log.WithError(perr).Error("Failed to flag connection for reauthentication")
		}
		rc.fatal = true
	case class == string(adapter.ClassInvalidCredentials) || class == string(adapter.ClassInvalidRequest):
		disabled, perr := o.connService.RecordRepeatableFailure(ctx, rc.conn)
		if perr != nil {
			rc.log.WithError(perr).Error("Failed to record connection failure")
		}
		if disabled {
			rc.fatal = true
		}
	}
	return class
}

// failureClass names err for the run's error list.
func failureClass(err error) string {
	switch {
	case errors.Is(err, resilience.ErrReauthRequired):
		return string(adapter.ClassAuthExpired)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, normalize.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, account.ErrStale):
		return "stale_account"
	}
	var aerr *adapter.Error
	if errors.As(err, &aerr) {
		return string(aerr.Class)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(adapter.ClassNetworkTimeout)
	}
	return "internal"
}
