package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/transaction"
)

// callAdapter runs one adapter operation through the resilience layer, with the
// connection's token refresh and the institution's fallback adapter attached.
func callAdapter[T any](ctx context.Context, o *Orchestrator, rc *runContext, op string, fn func(ctx context.Context, a adapter.Adapter) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	invoke := func(a adapter.Adapter) func(context.Context) error {
		return func(ctx context.Context) error {
			v, err := fn(ctx, a)
			if err != nil {
				return err
			}
			mu.Lock()
			out = v
			mu.Unlock()
			return nil
		}
	}

	call := resilience.Call{
		Institution: rc.conn.InstitutionID,
		Op:          op,
		Do:          invoke(rc.adapter),
		Refresh: func(ctx context.Context) error {
			return o.refresh(ctx, rc)
		},
	}
	if id, fallback, ok := o.registry.Fallback(rc.conn.InstitutionID); ok {
		call.FallbackInstitution = id
		call.Fallback = invoke(fallback)
	}

	res, err := o.executor.Run(ctx, call)
	if res.UsedFallback && err == nil {
		rc.log.WithFields(log.Fields{"op": op, "fallback": call.FallbackInstitution}).Info("Served by fallback adapter")
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// refresh renews the connection's tokens and persists them.
func (o *Orchestrator) refresh(ctx context.Context, rc *runContext) error {
	refreshed, err := rc.adapter.Refresh(ctx, rc.conn)
	if err != nil {
		return err
	}

	update := connection.TokenUpdate{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		TokenExpiry:  refreshed.TokenExpiry,
	}
	if update.RefreshToken == "" {
		update.RefreshToken = rc.conn.RefreshToken
	}
	if err := o.connections.UpdateTokens(ctx, rc.conn.ID, update); err != nil {
		return fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	rc.conn.AccessToken = update.AccessToken
	rc.conn.RefreshToken = update.RefreshToken
	rc.conn.TokenExpiry = update.TokenExpiry
	rc.run.Refreshes++
	rc.log.Info("Connection tokens refreshed")
	return nil
}

// prepareAccount maps a listed account onto its stored counterpart, or a new one.
// Identity, balance and sync history always come from storage.
func (o *Orchestrator) prepareAccount(ctx context.Context, rc *runContext, raw adapter.RawAccount) (*account.Account, bool, error) {
	normalized, err := o.normalizer.Account(rc.profile, rc.conn.ID, raw)
	if err != nil {
		return nil, false, err
	}

	existing, err := o.accounts.GetByExternalID(ctx, rc.conn.ID, raw.ExternalID)
	if err != nil && !isNotFound(err) {
		return nil, false, fmt.Errorf("failed to load account: %w", err)
	}
	if existing == nil {
		normalized.ID = uuid.NewString()
		normalized.CreatedAt = o.now()
		return normalized, true, nil
	}

	existing.Name = normalized.Name
	existing.Type = normalized.Type
	existing.Currency = normalized.Currency
	existing.Metadata = normalized.Metadata
	existing.ArchivedAt = nil
	return existing, false, nil
}

// batch accumulates one account's pending writes.
type batch struct {
	seen       map[string]struct{}
	inserts    []*transaction.Transaction
	updates    []transaction.StatusUpdate
	updated    map[string]transaction.Status
	duplicates int
	possible   int
}

func newBatch() *batch {
	return &batch{
		seen:    make(map[string]struct{}),
		updated: make(map[string]transaction.Status),
	}
}

// syncAccount runs normalize, dedup and reconcile for one account and commits the
// result atomically. A nil window skips the transaction listing.
func (o *Orchestrator) syncAccount(ctx context.Context, rc *runContext, acc *account.Account, created bool, window *adapter.Window) error {
	entry := rc.log.WithField("account_id", acc.ID)

	rawBalance, err := callAdapter(ctx, o, rc, "get_balance", func(ctx context.Context, a adapter.Adapter) (*adapter.RawBalance, error) {
		return a.GetBalance(ctx, rc.conn, acc.ExternalID)
	})
	if err != nil {
		return err
	}
	external, available, err := o.normalizer.Balance(*rawBalance)
	if err != nil {
		return err
	}

	b := newBatch()
	if window != nil {
		if err := o.fetchAndImport(ctx, rc, acc, created, *window, b); err != nil {
			return err
		}
	}

	var openReview *reconcile.ReviewRecord
	if !created {
		openReview, err = o.reviews.GetOpenReview(ctx, acc.ID)
		if err != nil {
			return fmt.Errorf("failed to load open review: %w", err)
		}
	}

	tol := o.resolver.Tolerance(acc.Type)
	unresolved, err := o.countUnresolved(ctx, acc, created, tol.Window, b)
	if err != nil {
		return err
	}

	in := reconcile.Input{
		AccountID:        acc.ID,
		Class:            acc.Type,
		Initial:          !acc.BalanceResolved,
		Prior:            acc.Balance,
		External:         external,
		LastSync:         acc.LastSyncedAt,
		UnresolvedRecent: unresolved,
		OpenReview:       openReview != nil,
	}
	outcome := o.resolver.Resolve(in)

	if outcome.Resync {
		// pick up postings that explain the gap; the balance stays as it was
		to := o.now()
		resync := adapter.Window{From: to.Add(-tol.Window), To: to}
		if err := o.fetchAndImport(ctx, rc, acc, created, resync, b); err != nil {
			return err
		}
	}

	now := o.now()
	event := outcome.Event(in, rc.run.ID, now)
	if outcome.Mutates {
		acc.Balance = outcome.Resulting
		acc.BalanceResolved = true
	}
	if outcome.Settles() {
		acc.AvailableBalance = available
		acc.LastSyncedAt = &now
	}

	commit := AccountCommit{
		RunID:           rc.run.ID,
		Account:         acc,
		Created:         created,
		NewTransactions: b.inserts,
		StatusUpdates:   b.updates,
		Event:           event,
	}
	if outcome.Review {
		commit.OpenReview = &reconcile.ReviewRecord{
			ID:           uuid.NewString(),
			AccountID:    acc.ID,
			ConnectionID: rc.conn.ID,
			EventID:      event.ID,
			Prior:        in.Prior,
			External:     in.External,
			Status:       reconcile.ReviewOpen,
			CreatedAt:    now,
		}
	}

	result, err := o.store.CommitAccount(ctx, commit)
	if err != nil {
		return fmt.Errorf("failed to commit account: %w", err)
	}

	rc.run.AccountsProcessed++
	rc.run.TransactionsImported += result.Inserted
	rc.run.DuplicatesSkipped += b.duplicates + len(b.inserts) - result.Inserted
	rc.run.PossibleDuplicates += b.possible
	rc.run.StatusUpdates += len(b.updates)
	if commit.OpenReview != nil {
		rc.run.ReviewsOpened++
		entry.WithFields(log.Fields{
			"review_id":   commit.OpenReview.ID,
			"discrepancy": outcome.Discrepancy.String(),
		}).Warn("Balance conflict requires review")
	}

	entry.WithFields(log.Fields{
		"state":       string(outcome.State),
		"method":      string(outcome.Method),
		"discrepancy": outcome.Discrepancy.String(),
		"imported":    result.Inserted,
	}).Debug("Account reconciled")

	if outcome.Mutates {
		o.publish(ctx, events.KindBalanceUpdated, rc.conn, acc.ID, map[string]string{
			"balance":  acc.Balance.String(),
			"currency": acc.Currency,
			"method":   string(outcome.Method),
		})
	}
	if result.Inserted > 0 || len(b.updates) > 0 {
		o.publish(ctx, events.KindTransactionsUpdated, rc.conn, acc.ID, map[string]string{
			"imported": fmt.Sprint(result.Inserted),
			"updated":  fmt.Sprint(len(b.updates)),
		})
	}
	return nil
}

// fetchAndImport lists transactions for window and classifies them into b.
func (o *Orchestrator) fetchAndImport(ctx context.Context, rc *runContext, acc *account.Account, created bool, window adapter.Window, b *batch) error {
	raws, err := callAdapter(ctx, o, rc, "list_transactions", func(ctx context.Context, a adapter.Adapter) ([]adapter.RawTransaction, error) {
		return a.ListTransactions(ctx, rc.conn, acc.ExternalID, window)
	})
	if err != nil {
		return err
	}
	return o.importTransactions(ctx, rc, acc, created, raws, b)
}

// importTransactions normalizes raws and sorts them into inserts, status updates
// and duplicates. Candidates are scored against stored transactions only: distinct
// external ids within one listing are the institution's own distinct records.
func (o *Orchestrator) importTransactions(ctx context.Context, rc *runContext, acc *account.Account, created bool, raws []adapter.RawTransaction, b *batch) error {
	candidates := make([]*transaction.Transaction, 0, len(raws))
	ids := make([]string, 0, len(raws))
	listed := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if raw.ExternalID != "" {
			if _, dup := listed[raw.ExternalID]; dup {
				b.duplicates++
				continue
			}
			listed[raw.ExternalID] = struct{}{}
			// already handled by an earlier listing of this batch
			if _, done := b.seen[raw.ExternalID]; done {
				continue
			}
		}
		txn, err := o.normalizer.Transaction(rc.profile, rc.conn.ID, acc.ID, raw)
		if err != nil {
			rc.log.WithError(err).WithField("account_id", acc.ID).Warn("Skipping malformed transaction")
			rc.run.RecordError(acc.ID, "invalid_payload", o.messages.AccountSyncFailed.Body, o.now())
			continue
		}
		b.seen[raw.ExternalID] = struct{}{}
		candidates = append(candidates, txn)
		ids = append(ids, txn.ExternalID)
	}
	if len(candidates) == 0 {
		return nil
	}

	var (
		known    map[string]*transaction.Transaction
		existing []*transaction.Transaction
	)
	if !created {
		var err error
		known, err = o.transactions.FindByExternalIDs(ctx, acc.ID, ids)
		if err != nil {
			return fmt.Errorf("failed to look up transactions: %w", err)
		}

		from, to := dateRange(candidates)
		existing, err = o.transactions.ListInWindow(ctx, acc.ID, from.Add(-o.detector.Window()), to.Add(o.detector.Window()))
		if err != nil {
			return fmt.Errorf("failed to list transactions for dedup: %w", err)
		}
	}

	now := o.now()
	for _, c := range candidates {
		if prev, ok := known[c.ExternalID]; ok {
			if update, changed := enrichment(prev, c); changed {
				b.updates = append(b.updates, update)
				b.updated[prev.ID] = update.Status
			} else {
				b.duplicates++
			}
			continue
		}

		match := o.detector.Classify(c, existing)
		switch match.Classification {
		case transaction.ClassificationDuplicate:
			b.duplicates++
			continue
		case transaction.ClassificationPossibleDuplicate:
			c.Status = transaction.StatusPossibleDuplicate
			b.possible++
			rc.log.WithFields(log.Fields{
				"account_id":  acc.ID,
				"external_id": c.ExternalID,
				"matches":     match.Existing.ID,
				"score":       fmt.Sprintf("%.3f", match.Score),
			}).Info("Possible duplicate flagged")
		}

		c.ID = uuid.NewString()
		c.CreatedAt = now
		c.UpdatedAt = now
		b.inserts = append(b.inserts, c)
	}
	return nil
}

// enrichment returns the status/category change a re-fetched transaction carries.
// Amount, date and description of an imported transaction never change.
func enrichment(prev, incoming *transaction.Transaction) (transaction.StatusUpdate, bool) {
	update := transaction.StatusUpdate{ID: prev.ID, Status: prev.Status, Category: prev.Category}
	changed := false

	if prev.Status == transaction.StatusPending && incoming.Status == transaction.StatusPosted {
		update.Status = transaction.StatusPosted
		changed = true
	}
	if prev.Category == nil && incoming.Category != nil {
		update.Category = incoming.Category
		changed = true
	}
	return update, changed
}

// countUnresolved counts pending or flagged transactions dated within window of now,
// including the batch's pending writes.
func (o *Orchestrator) countUnresolved(ctx context.Context, acc *account.Account, created bool, window time.Duration, b *batch) (int, error) {
	now := o.now()
	since := now.Add(-window)
	count := 0

	if !created {
		recent, err := o.transactions.ListInWindow(ctx, acc.ID, since, now)
		if err != nil {
			return 0, fmt.Errorf("failed to list recent transactions: %w", err)
		}
		for _, t := range recent {
			status := t.Status
			if s, ok := b.updated[t.ID]; ok {
				status = s
			}
			if status.Unresolved() {
				count++
			}
		}
	}
	for _, t := range b.inserts {
		if t.Status.Unresolved() && !t.Date.Before(since) {
			count++
		}
	}
	return count, nil
}

func dateRange(txns []*transaction.Transaction) (time.Time, time.Time) {
	from, to := txns[0].Date, txns[0].Date
	for _, t := range txns[1:] {
		if t.Date.Before(from) {
			from = t.Date
		}
		if t.Date.After(to) {
			to = t.Date
		}
	}
	return from, to
}
