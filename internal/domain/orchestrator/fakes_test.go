package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/syncrun"
	"ledgersync/internal/domain/transaction"
)

// memDB backs every in-memory repository used by the orchestrator tests.
type memDB struct {
	mu       sync.Mutex
	conns    map[string]*connection.Connection
	accounts map[string]*account.Account
	txns     map[string]*transaction.Transaction
	reviews  map[string]*reconcile.ReviewRecord
	events   []*reconcile.BalanceSyncEvent
	runs     map[string]*syncrun.Run
	secrets  map[string]map[string]string
}

func newMemDB() *memDB {
	return &memDB{
		conns:    make(map[string]*connection.Connection),
		accounts: make(map[string]*account.Account),
		txns:     make(map[string]*transaction.Transaction),
		reviews:  make(map[string]*reconcile.ReviewRecord),
		runs:     make(map[string]*syncrun.Run),
		secrets:  make(map[string]map[string]string),
	}
}

func (db *memDB) conn(id string) *connection.Connection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := *db.conns[id]
	return &c
}

func (db *memDB) account(connectionID, externalID string) *account.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, a := range db.accounts {
		if a.ConnectionID == connectionID && a.ExternalID == externalID {
			c := *a
			return &c
		}
	}
	return nil
}

func (db *memDB) transactionsFor(accountID string) []*transaction.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range db.txns {
		if t.AccountID == accountID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func (db *memDB) openReviews() []*reconcile.ReviewRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*reconcile.ReviewRecord
	for _, r := range db.reviews {
		if r.Status == reconcile.ReviewOpen {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

// connection.Repository

type memConnections struct{ db *memDB }

func (m memConnections) Create(_ context.Context, p connection.CreateParams) (*connection.Connection, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	now := time.Now()
	c := &connection.Connection{
		ID:               uuid.NewString(),
		UserID:           p.UserID,
		InstitutionID:    p.InstitutionID,
		ExternalID:       p.ExternalID,
		AuthType:         p.AuthType,
		CredentialRef:    p.CredentialRef,
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenExpiry:      p.TokenExpiry,
		ConsentExpiresAt: p.ConsentExpiresAt,
		Status:           connection.StatusActive,
		SyncMode:         connection.SyncModePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.db.conns[c.ID] = c
	out := *c
	return &out, nil
}

func (m memConnections) GetByID(_ context.Context, id string) (*connection.Connection, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.conns[id]
	if !ok || c.DeletedAt != nil {
		return nil, connection.ErrConnectionNotFound
	}
	out := *c
	return &out, nil
}

func (m memConnections) GetByExternalID(_ context.Context, institutionID, externalID string) (*connection.Connection, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, c := range m.db.conns {
		if c.InstitutionID == institutionID && c.ExternalID == externalID && c.DeletedAt == nil {
			out := *c
			return &out, nil
		}
	}
	return nil, connection.ErrConnectionNotFound
}

func (m memConnections) ListByUserID(_ context.Context, userID string) ([]*connection.Connection, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*connection.Connection
	for _, c := range m.db.conns {
		if c.UserID == userID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memConnections) ListPollable(_ context.Context) ([]*connection.Connection, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*connection.Connection
	for _, c := range m.db.conns {
		if c.DeletedAt == nil && c.Status == connection.StatusActive && c.SyncMode == connection.SyncModePolling {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memConnections) with(id string, fn func(c *connection.Connection)) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	c, ok := m.db.conns[id]
	if !ok {
		return connection.ErrConnectionNotFound
	}
	fn(c)
	return nil
}

func (m memConnections) UpdateTokens(_ context.Context, id string, u connection.TokenUpdate) error {
	return m.with(id, func(c *connection.Connection) {
		c.AccessToken, c.RefreshToken, c.TokenExpiry = u.AccessToken, u.RefreshToken, u.TokenExpiry
	})
}

func (m memConnections) UpdateStatus(_ context.Context, id string, status connection.Status) error {
	return m.with(id, func(c *connection.Connection) { c.Status = status })
}

func (m memConnections) UpdateSyncMode(_ context.Context, id string, mode connection.SyncMode) error {
	return m.with(id, func(c *connection.Connection) { c.SyncMode = mode })
}

func (m memConnections) IncrementFailures(_ context.Context, id string) (int, error) {
	var n int
	err := m.with(id, func(c *connection.Connection) {
		c.ConsecutiveFailures++
		n = c.ConsecutiveFailures
	})
	return n, err
}

func (m memConnections) RecordSuccess(_ context.Context, id string, at time.Time) error {
	return m.with(id, func(c *connection.Connection) {
		c.ConsecutiveFailures = 0
		c.LastSuccessAt = &at
	})
}

func (m memConnections) SoftDelete(_ context.Context, id string, at time.Time) error {
	return m.with(id, func(c *connection.Connection) { c.DeletedAt = &at })
}

// connection.SecretStore

type memSecrets struct{ db *memDB }

func (m memSecrets) Put(_ context.Context, _ string, creds map[string]string) (string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	ref := uuid.NewString()
	m.db.secrets[ref] = creds
	return ref, nil
}

func (m memSecrets) Get(_ context.Context, ref string) (map[string]string, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	creds, ok := m.db.secrets[ref]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return creds, nil
}

func (m memSecrets) Delete(_ context.Context, ref string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	delete(m.db.secrets, ref)
	return nil
}

// account.Repository

type memAccounts struct{ db *memDB }

func (m memAccounts) GetByID(_ context.Context, id string) (*account.Account, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a, ok := m.db.accounts[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

func (m memAccounts) GetByExternalID(_ context.Context, connectionID, externalID string) (*account.Account, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, a := range m.db.accounts {
		if a.ConnectionID == connectionID && a.ExternalID == externalID {
			out := *a
			return &out, nil
		}
	}
	return nil, account.ErrAccountNotFound
}

func (m memAccounts) ListByConnection(_ context.Context, connectionID string) ([]*account.Account, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*account.Account
	for _, a := range m.db.accounts {
		if a.ConnectionID == connectionID && a.ArchivedAt == nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (m memAccounts) Archive(_ context.Context, id string, at time.Time) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	a, ok := m.db.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	a.ArchivedAt = &at
	a.Version++
	return nil
}

// transaction.Repository

type memTransactions struct{ db *memDB }

func (m memTransactions) GetByID(_ context.Context, id string) (*transaction.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	t, ok := m.db.txns[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	out := *t
	return &out, nil
}

func (m memTransactions) FindByExternalIDs(_ context.Context, accountID string, ids []string) (map[string]*transaction.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]*transaction.Transaction)
	for _, t := range m.db.txns {
		if t.AccountID == accountID && want[t.ExternalID] {
			cp := *t
			out[t.ExternalID] = &cp
		}
	}
	return out, nil
}

func (m memTransactions) ListInWindow(_ context.Context, accountID string, from, to time.Time) ([]*transaction.Transaction, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range m.db.txns {
		if t.AccountID == accountID && !t.Date.Before(from) && !t.Date.After(to) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m memTransactions) ListByAccountID(ctx context.Context, accountID string, _, _ int) ([]*transaction.Transaction, error) {
	return m.db.transactionsFor(accountID), nil
}

// reconcile.Repository

type memReviews struct{ db *memDB }

func (m memReviews) GetOpenReview(_ context.Context, accountID string) (*reconcile.ReviewRecord, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, r := range m.db.reviews {
		if r.AccountID == accountID && r.Status == reconcile.ReviewOpen {
			out := *r
			return &out, nil
		}
	}
	return nil, nil
}

func (m memReviews) GetReview(_ context.Context, id string) (*reconcile.ReviewRecord, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.reviews[id]
	if !ok {
		return nil, reconcile.ErrReviewNotFound
	}
	out := *r
	return &out, nil
}

func (m memReviews) ListEvents(_ context.Context, accountID string, _ time.Time, _ int) ([]*reconcile.BalanceSyncEvent, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*reconcile.BalanceSyncEvent
	for _, e := range m.db.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

// syncrun.Repository

type memRuns struct{ db *memDB }

func (m memRuns) Create(_ context.Context, run *syncrun.Run) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cp := *run
	m.db.runs[run.ID] = &cp
	return nil
}

func (m memRuns) Finalize(_ context.Context, run *syncrun.Run) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if stored, ok := m.db.runs[run.ID]; !ok || stored.Finished() {
		return syncrun.ErrRunFinished
	}
	cp := *run
	m.db.runs[run.ID] = &cp
	return nil
}

func (m memRuns) GetByID(_ context.Context, id string) (*syncrun.Run, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	r, ok := m.db.runs[id]
	if !ok {
		return nil, syncrun.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m memRuns) ListByConnection(_ context.Context, connectionID string, limit int) ([]*syncrun.Run, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []*syncrun.Run
	for _, r := range m.db.runs {
		if r.ConnectionID == connectionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Store

type memStore struct {
	db      *memDB
	failFor string
}

func (m *memStore) CommitAccount(_ context.Context, c AccountCommit) (CommitResult, error) {
	if m.failFor != "" && c.Account.ExternalID == m.failFor {
		return CommitResult{}, errors.New("commit failed")
	}

	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	if c.ResolveReview != nil {
		r, ok := m.db.reviews[c.ResolveReview.ReviewID]
		if !ok {
			return CommitResult{}, reconcile.ErrReviewNotFound
		}
		if r.Status != reconcile.ReviewOpen {
			return CommitResult{}, reconcile.ErrReviewClosed
		}
	}

	if c.Created {
		for _, a := range m.db.accounts {
			if a.ConnectionID == c.Account.ConnectionID && a.ExternalID == c.Account.ExternalID {
				return CommitResult{}, account.ErrStale
			}
		}
	} else if stored, ok := m.db.accounts[c.Account.ID]; !ok || stored.Version != c.Account.Version {
		return CommitResult{}, account.ErrStale
	}

	acc := *c.Account
	acc.Version++
	m.db.accounts[acc.ID] = &acc
	c.Account.Version = acc.Version

	inserted := 0
	for _, t := range c.NewTransactions {
		exists := false
		for _, prev := range m.db.txns {
			if prev.AccountID == t.AccountID && prev.ExternalID == t.ExternalID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		cp := *t
		m.db.txns[t.ID] = &cp
		inserted++
	}
	for _, u := range c.StatusUpdates {
		if t, ok := m.db.txns[u.ID]; ok {
			t.Status = u.Status
			t.Category = u.Category
		}
	}
	if c.Event != nil {
		m.db.events = append(m.db.events, c.Event)
	}
	if c.OpenReview != nil {
		cp := *c.OpenReview
		m.db.reviews[cp.ID] = &cp
	}
	if c.ResolveReview != nil {
		r := m.db.reviews[c.ResolveReview.ReviewID]
		d := c.ResolveReview.Decision
		at := c.ResolveReview.At
		r.Status, r.Decision, r.ResolvedAt = reconcile.ReviewResolved, &d, &at
	}
	return CommitResult{Inserted: inserted}, nil
}

// fakeAdapter serves canned institution data with per-operation error injection.
type fakeAdapter struct {
	mu           sync.Mutex
	caps         adapter.Capabilities
	accounts     []adapter.RawAccount
	balances     map[string]adapter.RawBalance
	transactions map[string][]adapter.RawTransaction
	errs         map[string][]error
	refreshErr   error
	calls        map[string]int
	webhooks     []string
	onBalance    func(accountID string)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		balances:     make(map[string]adapter.RawBalance),
		transactions: make(map[string][]adapter.RawTransaction),
		errs:         make(map[string][]error),
		calls:        make(map[string]int),
	}
}

// failNext queues err for the next call of op.
func (f *fakeAdapter) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], err)
}

func (f *fakeAdapter) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if queued := f.errs[op]; len(queued) > 0 {
		f.errs[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeAdapter) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAdapter) Kind() adapter.Kind                 { return adapter.KindDirectAPI }
func (f *fakeAdapter) Capabilities() adapter.Capabilities { return f.caps }

func (f *fakeAdapter) EstablishConnection(_ context.Context, _ adapter.Credentials, consent adapter.Consent) (*connection.Connection, error) {
	if err := f.enter("establish_connection"); err != nil {
		return nil, err
	}
	expiry := time.Now().Add(time.Hour)
	return &connection.Connection{
		ExternalID:       "item-1",
		AuthType:         connection.AuthOAuth2,
		AccessToken:      "access-1",
		RefreshToken:     "refresh-1",
		TokenExpiry:      &expiry,
		ConsentExpiresAt: consent.ExpiresAt,
	}, nil
}

func (f *fakeAdapter) ListAccounts(context.Context, *connection.Connection) ([]adapter.RawAccount, error) {
	if err := f.enter("list_accounts"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.RawAccount(nil), f.accounts...), nil
}

func (f *fakeAdapter) ListTransactions(_ context.Context, _ *connection.Connection, accountID string, _ adapter.Window) ([]adapter.RawTransaction, error) {
	if err := f.enter("list_transactions:" + accountID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.RawTransaction(nil), f.transactions[accountID]...), nil
}

func (f *fakeAdapter) GetBalance(_ context.Context, _ *connection.Connection, accountID string) (*adapter.RawBalance, error) {
	if err := f.enter("get_balance:" + accountID); err != nil {
		return nil, err
	}
	if f.onBalance != nil {
		f.onBalance(accountID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[accountID]
	if !ok {
		return nil, adapter.NewError(adapter.ClassInvalidRequest, "acme", "get_balance", errors.New("unknown account"))
	}
	return &b, nil
}

func (f *fakeAdapter) Refresh(_ context.Context, conn *connection.Connection) (*connection.Connection, error) {
	if err := f.enter("refresh"); err != nil {
		return nil, err
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	out := *conn
	out.AccessToken = "access-2"
	return &out, nil
}

func (f *fakeAdapter) RegisterWebhook(_ context.Context, _ *connection.Connection, callbackURL string) error {
	if err := f.enter("register_webhook"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks = append(f.webhooks, callbackURL)
	return nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func (p *recordingPublisher) last(kind events.Kind) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			return p.events[i], true
		}
	}
	return events.Event{}, false
}

// inlineSubmitter runs jobs on the caller's goroutine.
type inlineSubmitter struct{}

func (inlineSubmitter) Submit(job Job) error {
	_ = job.Execute(context.Background())
	return nil
}

// heldSubmitter keeps jobs until the test runs them.
type heldSubmitter struct {
	mu   sync.Mutex
	jobs []Job
	full bool
}

func (h *heldSubmitter) Submit(job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return errors.New("queue full")
	}
	h.jobs = append(h.jobs, job)
	return nil
}
