package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/syncrun"
	"ledgersync/internal/domain/transaction"
)

const institution = "acme"

type harness struct {
	db        *memDB
	adapter   *fakeAdapter
	store     *memStore
	publisher *recordingPublisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, submitter Submitter, settings Settings) *harness {
	t.Helper()

	db := newMemDB()
	fa := newFakeAdapter()
	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register(institution, fa))

	executor := resilience.NewExecutor(
		resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings()),
		resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, CallTimeout: time.Second},
	)
	store := &memStore{db: db}
	pub := &recordingPublisher{}

	orch := New(Deps{
		Registry:         registry,
		Executor:         executor,
		Resolver:         reconcile.NewResolver(reconcile.DefaultTolerances()),
		Connections:      memConnections{db},
		Secrets:          memSecrets{db},
		Accounts:         memAccounts{db},
		Transactions:     memTransactions{db},
		Reviews:          memReviews{db},
		Runs:             memRuns{db},
		Store:            store,
		Publisher:        pub,
		Settings:         settings,
		DisableThreshold: 3,
	}, submitter)

	return &harness{db: db, adapter: fa, store: store, publisher: pub, orch: orch}
}

func (h *harness) seedConnection(t *testing.T, mutate func(c *connection.Connection)) *connection.Connection {
	t.Helper()
	conn, err := memConnections{h.db}.Create(context.Background(), connection.CreateParams{
		UserID:        "user-1",
		InstitutionID: institution,
		ExternalID:    "item-1",
		AuthType:      connection.AuthOAuth2,
		CredentialRef: "ref-1",
		AccessToken:   "access-1",
		RefreshToken:  "refresh-1",
	})
	require.NoError(t, err)
	h.db.mu.Lock()
	stored := h.db.conns[conn.ID]
	stored.SyncMode = connection.SyncModePolling
	if mutate != nil {
		mutate(stored)
	}
	h.db.mu.Unlock()
	return h.db.conn(conn.ID)
}

func (h *harness) seedAccount(connID, externalID string, balance string, lastSync time.Time) *account.Account {
	acc := &account.Account{
		ID:              uuid.NewString(),
		ConnectionID:    connID,
		ExternalID:      externalID,
		Name:            "Everyday",
		Type:            account.TypeChecking,
		Currency:        "USD",
		Balance:         decimal.RequireFromString(balance),
		BalanceResolved: true,
		LastSyncedAt:    &lastSync,
		CreatedAt:       lastSync,
	}
	h.db.mu.Lock()
	h.db.accounts[acc.ID] = acc
	h.db.mu.Unlock()
	return acc
}

func (h *harness) seedTransaction(accountID, externalID string, minor int64, date time.Time, desc string, status transaction.Status) *transaction.Transaction {
	amount := transaction.Money{Minor: minor, Currency: "USD"}
	t := &transaction.Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		ExternalID:  externalID,
		Amount:      amount,
		Direction:   transaction.DirectionDebit,
		Description: desc,
		Date:        date,
		Status:      status,
		Fingerprint: transaction.Fingerprint(accountID, amount, date, desc),
	}
	h.db.mu.Lock()
	h.db.txns[t.ID] = t
	h.db.mu.Unlock()
	return t
}

func (h *harness) listAccount(externalID, balance string) {
	h.adapter.accounts = append(h.adapter.accounts, adapter.RawAccount{
		ExternalID: externalID,
		Name:       "Account " + externalID,
		Type:       "CHECKING",
		Currency:   "USD",
	})
	h.adapter.balances[externalID] = adapter.RawBalance{AccountID: externalID, Currency: "USD", Current: balance}
}

func day(offset int) string {
	return time.Now().UTC().AddDate(0, 0, offset).Format("2006-01-02")
}

func TestConnect_RunsInitialSync(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	h.listAccount("ext-1", "1250.75")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "t1", Amount: "-12.40", Currency: "USD", Description: "POS COFFEE HOUSE 8812", Date: day(-3)},
		{ExternalID: "t2", Amount: "2500.00", Currency: "USD", Description: "PAYROLL ACME INC", Date: day(-10)},
	}

	conn, err := h.orch.Connect(context.Background(), ConnectRequest{
		UserID:        "user-1",
		InstitutionID: institution,
		Credentials:   adapter.Credentials{"username": "jdoe", "password": "pw"},
	})
	require.NoError(t, err)

	stored := h.db.conn(conn.ID)
	assert.Equal(t, connection.SyncModePolling, stored.SyncMode)
	assert.NotEmpty(t, stored.CredentialRef)
	assert.NotNil(t, stored.LastSuccessAt)

	acc := h.db.account(conn.ID, "ext-1")
	require.NotNil(t, acc)
	assert.True(t, acc.Balance.Equal(decimal.RequireFromString("1250.75")))
	assert.True(t, acc.BalanceResolved)

	txns := h.db.transactionsFor(acc.ID)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(-1240), txns[0].Amount.Minor)
	assert.Equal(t, transaction.DirectionCredit, txns[1].Direction)

	runs, err := h.orch.ListRuns(context.Background(), "user-1", conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, syncrun.TypeInitial, runs[0].Type)
	assert.Equal(t, syncrun.StatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].TransactionsImported)

	kinds := h.publisher.kinds()
	assert.Contains(t, kinds, events.KindBalanceUpdated)
	assert.Contains(t, kinds, events.KindTransactionsUpdated)
	assert.Contains(t, kinds, events.KindSyncStatus)
}

func TestConnect_RegistersWebhookWhenSupported(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{CallbackBaseURL: "https://sync.example.com/"})
	h.adapter.caps.SupportsWebhooks = true
	h.listAccount("ext-1", "10.00")

	conn, err := h.orch.Connect(context.Background(), ConnectRequest{UserID: "user-1", InstitutionID: institution})
	require.NoError(t, err)

	assert.Equal(t, connection.SyncModeWebhook, h.db.conn(conn.ID).SyncMode)
	assert.Equal(t, []string{"https://sync.example.com/webhooks/acme"}, h.adapter.webhooks)
}

func TestConnect_UnknownInstitution(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	_, err := h.orch.Connect(context.Background(), ConnectRequest{UserID: "user-1", InstitutionID: "nope"})
	assert.ErrorIs(t, err, adapter.ErrUnknownInstitution)
}

func TestRun_ReimportIsIdempotent(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "t1", Amount: "-5.00", Description: "BAKERY", Date: day(-2)},
		{ExternalID: "t2", Amount: "-7.25", Description: "BOOKSHOP", Date: day(-4)},
		{ExternalID: "t2", Amount: "-7.25", Description: "BOOKSHOP", Date: day(-4)},
	}

	first, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)
	second, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	acc := h.db.account(conn.ID, "ext-1")
	assert.Len(t, h.db.transactionsFor(acc.ID), 2)
	assert.Equal(t, 2, first.TransactionsImported)
	assert.Equal(t, 1, first.DuplicatesSkipped)
	assert.Equal(t, 0, second.TransactionsImported)
	assert.Equal(t, 3, second.DuplicatesSkipped)
}

func TestRun_AuthExpiredRefreshThenRetrySucceeds(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")
	h.adapter.failNext("list_accounts", adapter.NewError(adapter.ClassAuthExpired, institution, "list_accounts", errors.New("token expired")))

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusCompleted, run.Status)
	assert.Empty(t, run.Errors)
	assert.Equal(t, 1, run.Refreshes)
	assert.Equal(t, 1, h.adapter.callCount("refresh"))
	assert.Equal(t, "access-2", h.db.conn(conn.ID).AccessToken)
}

func TestRun_FailedRefreshRequiresReauthentication(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")
	h.adapter.failNext("list_accounts", adapter.NewError(adapter.ClassAuthExpired, institution, "list_accounts", nil))
	h.adapter.refreshErr = adapter.NewError(adapter.ClassInvalidCredentials, institution, "refresh", errors.New("refresh token revoked"))

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusFailed, run.Status)
	assert.Equal(t, connection.StatusError, h.db.conn(conn.ID).Status)
	require.Len(t, run.Errors, 1)
	assert.NotContains(t, run.Errors[0].Message, "revoked")

	_, err = h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
	assert.ErrorIs(t, err, connection.ErrNotSyncable)
}

func TestRun_AccountFailureMakesRunPartial(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")
	h.listAccount("ext-2", "200.00")
	h.adapter.failNext("get_balance:ext-2", adapter.NewError(adapter.ClassMaintenance, institution, "get_balance", errors.New("ORA-00942 internal detail")))

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusPartial, run.Status)
	assert.Equal(t, 1, run.AccountsProcessed)
	assert.Equal(t, 1, run.AccountsFailed)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "maintenance", run.Errors[0].Class)
	assert.Equal(t, "This account could not be synchronized.", run.Errors[0].Message)
	assert.Equal(t, 1, h.adapter.callCount("get_balance:ext-2"), "maintenance is not retried")
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")
	h.adapter.failNext("get_balance:ext-1", adapter.NewError(adapter.ClassServerError, institution, "get_balance", nil))

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusCompleted, run.Status)
	assert.Equal(t, 2, h.adapter.callCount("get_balance:ext-1"))
}

func TestRun_InvalidCredentialsDisableAfterThreshold(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "100.00")

	for i := 0; i < 3; i++ {
		h.adapter.failNext("list_accounts", adapter.NewError(adapter.ClassInvalidCredentials, institution, "list_accounts", nil))
		run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
		require.NoError(t, err)
		assert.Equal(t, syncrun.StatusFailed, run.Status)
	}

	stored := h.db.conn(conn.ID)
	assert.Equal(t, connection.StatusDisabled, stored.Status)
	assert.Equal(t, 3, stored.ConsecutiveFailures)
}

func TestRun_UnexplainedDiscrepancyOpensReview(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "1500.00")

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusCompleted, run.Status)
	assert.True(t, run.Degraded())
	assert.Equal(t, 1, run.ReviewsOpened)

	stored := h.db.account(conn.ID, "ext-1")
	assert.True(t, stored.Balance.Equal(decimal.RequireFromString("1000.00")), "balance must not move without a decision")

	reviews := h.db.openReviews()
	require.Len(t, reviews, 1)
	assert.Equal(t, acc.ID, reviews[0].AccountID)

	// a second run keeps the single open review
	_, err = h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)
	assert.Len(t, h.db.openReviews(), 1)
}

func TestRun_SubCentDiscrepancyIsSynchronized(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.seedAccount(conn.ID, "ext-1", "1000.005", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "1000.00")

	_, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	stored := h.db.account(conn.ID, "ext-1")
	assert.True(t, stored.Balance.Equal(decimal.RequireFromString("1000.005")))
	require.NotEmpty(t, h.db.events)
	assert.Equal(t, reconcile.StateSynchronized, h.db.events[len(h.db.events)-1].State)
}

func TestRun_PendingTransactionsTriggerInvestigation(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	h.seedTransaction(acc.ID, "p1", -6000, time.Now().Add(-2*time.Hour), "HARDWARE STORE", transaction.StatusPending)
	h.listAccount("ext-1", "940.00")
	// 940 vs 1000 is over the relative tolerance; the pending row explains it

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusCompleted, run.Status)
	assert.Zero(t, run.ReviewsOpened)
	last := h.db.events[len(h.db.events)-1]
	assert.Equal(t, reconcile.MethodInvestigate, last.Method)
	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("1000.00")))
	assert.GreaterOrEqual(t, h.adapter.callCount("list_transactions:ext-1"), 2, "window is re-fetched")
}

func TestRun_RefetchedWindowDoesNotCountDuplicates(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	h.seedTransaction(acc.ID, "p1", -6000, time.Now().Add(-2*time.Hour), "HARDWARE STORE", transaction.StatusPending)
	h.listAccount("ext-1", "940.00")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "n1", Amount: "-4.75", Description: "CORNER CAFE", Date: day(0), Status: "POSTED"},
		{ExternalID: "n2", Amount: "-12.10", Description: "BOOKSHOP", Date: day(0), Status: "POSTED"},
	}

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
	require.NoError(t, err)

	assert.Equal(t, 2, h.adapter.callCount("list_transactions:ext-1"))
	assert.Equal(t, reconcile.MethodInvestigate, h.db.events[len(h.db.events)-1].Method)
	assert.Equal(t, 2, run.TransactionsImported)
	assert.Zero(t, run.DuplicatesSkipped)
	assert.Len(t, h.db.transactionsFor(acc.ID), 3)
}

func TestRun_RepeatedIDWithinListingIsDuplicate(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.seedAccount(conn.ID, "ext-1", "100.00", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "100.00")
	raw := adapter.RawTransaction{ExternalID: "n1", Amount: "-4.75", Description: "CORNER CAFE", Date: day(0), Status: "POSTED"}
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{raw, raw}

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, 1, run.TransactionsImported)
	assert.Equal(t, 1, run.DuplicatesSkipped)
}

func TestRun_PossibleDuplicateIsFlagged(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "100.00", time.Now().Add(-time.Hour))
	h.seedTransaction(acc.ID, "orig", -4250, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "STARBUCKS #1234", transaction.StatusPosted)
	h.listAccount("ext-1", "100.00")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "dupe", Amount: "42.50", Description: "STARBUCKS 1234 POS", Date: "2024-03-02"},
	}

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, 1, run.PossibleDuplicates)
	assert.Equal(t, 1, run.TransactionsImported)
	for _, txn := range h.db.transactionsFor(acc.ID) {
		if txn.ExternalID == "dupe" {
			assert.Equal(t, transaction.StatusPossibleDuplicate, txn.Status)
		}
	}
}

func TestRun_StatusChangeOnlyUpdatesStatus(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "100.00", time.Now().Add(-time.Hour))
	when := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	h.seedTransaction(acc.ID, "t1", -1999, when, "GROCER", transaction.StatusPending)
	h.listAccount("ext-1", "100.00")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "t1", Amount: "-25.00", Description: "GROCER FINAL", Date: when.Format("2006-01-02"), Status: "POSTED"},
	}

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
	require.NoError(t, err)

	assert.Equal(t, 1, run.StatusUpdates)
	txns := h.db.transactionsFor(acc.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, transaction.StatusPosted, txns[0].Status)
	assert.Equal(t, int64(-1999), txns[0].Amount.Minor)
	assert.Equal(t, "GROCER", txns[0].Description)
}

func TestRun_ArchivesAccountsNoLongerListed(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.seedAccount(conn.ID, "ext-1", "10.00", time.Now())
	h.seedAccount(conn.ID, "ext-gone", "20.00", time.Now())
	h.listAccount("ext-1", "10.00")

	_, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.NotNil(t, h.db.account(conn.ID, "ext-gone").ArchivedAt)
	assert.Nil(t, h.db.account(conn.ID, "ext-1").ArchivedAt)
}

func TestRun_CancellationAtAccountBoundary(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "10.00")
	h.listAccount("ext-2", "20.00")

	ctx, cancel := context.WithCancel(context.Background())
	h.adapter.onBalance = func(string) { cancel() }

	run, err := h.orch.Run(ctx, Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusCancelled, run.Status)
	assert.Equal(t, 1, run.AccountsProcessed)
	assert.Nil(t, h.db.account(conn.ID, "ext-2"))
}

func TestRun_CommitFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "10.00")
	h.adapter.transactions["ext-1"] = []adapter.RawTransaction{
		{ExternalID: "t1", Amount: "-1.00", Description: "X", Date: day(-1)},
	}
	h.store.failFor = "ext-1"

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, syncrun.StatusPartial, run.Status)
	assert.Nil(t, h.db.account(conn.ID, "ext-1"))
	assert.Empty(t, h.db.txns)
}

func TestRun_ExpiredConsentIsNotSynced(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	past := time.Now().Add(-time.Minute)
	conn := h.seedConnection(t, func(c *connection.Connection) { c.ConsentExpiresAt = &past })

	_, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeIncremental})
	assert.ErrorIs(t, err, connection.ErrNotSyncable)
	assert.Equal(t, connection.StatusExpired, h.db.conn(conn.ID).Status)
}

func TestHandleWebhook_BalanceUpdated(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, func(c *connection.Connection) { c.SyncMode = connection.SyncModeWebhook })
	h.seedAccount(conn.ID, "ext-1", "100.00", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "100.05")

	err := h.orch.HandleWebhook(context.Background(), institution, BalanceUpdated{ConnectionExternalID: "item-1", AccountExternalID: "ext-1"})
	require.NoError(t, err)

	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("100.05")))
	assert.Zero(t, h.adapter.callCount("list_transactions:ext-1"))

	runs, _ := memRuns{h.db}.ListByConnection(context.Background(), conn.ID, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, syncrun.TypeWebhook, runs[0].Type)
}

func TestHandleWebhook_StatusChangedExpires(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)

	err := h.orch.HandleWebhook(context.Background(), institution, StatusChanged{ConnectionExternalID: "item-1", Status: "EXPIRED"})
	require.NoError(t, err)
	assert.Equal(t, connection.StatusExpired, h.db.conn(conn.ID).Status)
}

func TestHandleWebhook_UnknownEventIsIgnored(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	h.seedConnection(t, nil)

	err := h.orch.HandleWebhook(context.Background(), institution, UnknownEvent{ConnectionExternalID: "item-1", Type: "item.mystery"})
	require.NoError(t, err)
	assert.Empty(t, h.db.runs)
}

func TestHandleWebhook_UnknownConnection(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	err := h.orch.HandleWebhook(context.Background(), institution, BalanceUpdated{ConnectionExternalID: "nope"})
	assert.ErrorIs(t, err, connection.ErrConnectionNotFound)
}

func TestPoll_SkipsBusyConnectionsAndQueuesWebhooks(t *testing.T) {
	held := &heldSubmitter{}
	h := newHarness(t, held, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "10.00")
	h.seedAccount(conn.ID, "ext-1", "10.00", time.Now())

	queued, err := h.orch.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	queued, err = h.orch.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, queued, "busy connection is skipped")

	require.NoError(t, h.orch.HandleWebhook(context.Background(), institution, BalanceUpdated{ConnectionExternalID: "item-1", AccountExternalID: "ext-1"}))
	require.Len(t, held.jobs, 1, "webhook waits behind the running job")

	require.NoError(t, held.jobs[0].Execute(context.Background()))
	runs, _ := memRuns{h.db}.ListByConnection(context.Background(), conn.ID, 10)
	assert.Len(t, runs, 2)
	assert.False(t, h.orch.dispatcher.Busy(conn.ID))
}

func TestRequestSync(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	h.listAccount("ext-1", "10.00")

	assert.ErrorIs(t, h.orch.RequestSync(context.Background(), "someone-else", conn.ID), connection.ErrForbidden)
	require.NoError(t, h.orch.RequestSync(context.Background(), "user-1", conn.ID))

	runs, _ := memRuns{h.db}.ListByConnection(context.Background(), conn.ID, 10)
	require.Len(t, runs, 1)
	assert.Equal(t, syncrun.TypeManual, runs[0].Type)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn, err := h.orch.Connect(context.Background(), ConnectRequest{
		UserID:        "user-1",
		InstitutionID: institution,
		Credentials:   adapter.Credentials{"password": "pw"},
	})
	require.NoError(t, err)
	ref := h.db.conn(conn.ID).CredentialRef

	require.NoError(t, h.orch.Disconnect(context.Background(), "user-1", conn.ID))

	_, err = memConnections{h.db}.GetByID(context.Background(), conn.ID)
	assert.ErrorIs(t, err, connection.ErrConnectionNotFound)
	assert.NotContains(t, h.db.secrets, ref)
}

func TestResolveReview(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	review := &reconcile.ReviewRecord{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		ConnectionID: conn.ID,
		Prior:        decimal.RequireFromString("1000.00"),
		External:     decimal.RequireFromString("1500.00"),
		Status:       reconcile.ReviewOpen,
		CreatedAt:    time.Now(),
	}
	h.db.reviews[review.ID] = review

	_, err := h.orch.ResolveReview(context.Background(), "user-1", review.ID, "bogus")
	assert.ErrorIs(t, err, reconcile.ErrInvalidDecision)

	_, err = h.orch.ResolveReview(context.Background(), "intruder", review.ID, reconcile.DecisionAcceptExternal)
	assert.ErrorIs(t, err, connection.ErrForbidden)

	event, err := h.orch.ResolveReview(context.Background(), "user-1", review.ID, reconcile.DecisionAcceptExternal)
	require.NoError(t, err)
	assert.Equal(t, reconcile.MethodReviewAccepted, event.Method)
	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("1500.00")))
	assert.Empty(t, h.db.openReviews())

	_, err = h.orch.ResolveReview(context.Background(), "user-1", review.ID, reconcile.DecisionKeepLocal)
	assert.ErrorIs(t, err, reconcile.ErrReviewClosed)

	evt, ok := h.publisher.last(events.KindBalanceUpdated)
	require.True(t, ok)
	assert.Equal(t, "1500", evt.Payload["balance"])
}

func TestResolveReview_WaitsForRunningSync(t *testing.T) {
	held := &heldSubmitter{}
	h := newHarness(t, held, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "1500.00")
	review := &reconcile.ReviewRecord{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		ConnectionID: conn.ID,
		Prior:        decimal.RequireFromString("1000.00"),
		External:     decimal.RequireFromString("1500.00"),
		Status:       reconcile.ReviewOpen,
		CreatedAt:    time.Now(),
	}
	h.db.reviews[review.ID] = review

	type resolved struct {
		event *reconcile.BalanceSyncEvent
		err   error
	}
	results := make(chan resolved, 1)
	var once sync.Once
	h.adapter.onBalance = func(string) {
		// the operator decides while the sync holds the account in memory
		once.Do(func() {
			go func() {
				event, err := h.orch.ResolveReview(context.Background(), "user-1", review.ID, reconcile.DecisionAcceptExternal)
				results <- resolved{event, err}
			}()
			assert.Eventually(t, func() bool { return h.orch.dispatcher.queued(conn.ID) == 1 }, time.Second, time.Millisecond)
		})
	}

	require.NoError(t, h.orch.dispatcher.Enqueue(Task{ConnectionID: conn.ID, Type: syncrun.TypeManual}))
	require.Len(t, held.jobs, 1)
	require.NoError(t, held.jobs[0].Execute(context.Background()))

	var res resolved
	select {
	case res = <-results:
	case <-time.After(time.Second):
		t.Fatal("review decision never completed")
	}
	require.NoError(t, res.err)
	assert.Equal(t, reconcile.MethodReviewAccepted, res.event.Method)
	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("1500.00")))
	assert.Empty(t, h.db.openReviews())
	assert.False(t, h.orch.dispatcher.Busy(conn.ID))

	// the next sync agrees with the accepted balance
	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)
	assert.Zero(t, run.ReviewsOpened)
	assert.Empty(t, h.db.openReviews())
	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("1500.00")))
}

func TestResolveReview_AbandonedOnShutdown(t *testing.T) {
	held := &heldSubmitter{}
	h := newHarness(t, held, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	review := &reconcile.ReviewRecord{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		ConnectionID: conn.ID,
		External:     decimal.RequireFromString("1500.00"),
		Status:       reconcile.ReviewOpen,
	}
	h.db.reviews[review.ID] = review

	results := make(chan error, 1)
	go func() {
		_, err := h.orch.ResolveReview(context.Background(), "user-1", review.ID, reconcile.DecisionAcceptExternal)
		results <- err
	}()
	require.Eventually(t, func() bool {
		held.mu.Lock()
		defer held.mu.Unlock()
		return len(held.jobs) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, held.jobs[0].Execute(ctx), context.Canceled)

	select {
	case err := <-results:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dropped review decision was never answered")
	}
	assert.Len(t, h.db.openReviews(), 1)
}

func TestRun_StaleAccountCommitFailsAccount(t *testing.T) {
	h := newHarness(t, inlineSubmitter{}, Settings{})
	conn := h.seedConnection(t, nil)
	acc := h.seedAccount(conn.ID, "ext-1", "1000.00", time.Now().Add(-time.Hour))
	h.listAccount("ext-1", "1001.00")
	h.adapter.onBalance = func(string) {
		h.db.mu.Lock()
		defer h.db.mu.Unlock()
		stored := h.db.accounts[acc.ID]
		stored.Balance = decimal.RequireFromString("1500.00")
		stored.Version++
	}

	run, err := h.orch.Run(context.Background(), Task{ConnectionID: conn.ID, Type: syncrun.TypeManual})
	require.NoError(t, err)

	assert.Equal(t, 1, run.AccountsFailed)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "stale_account", run.Errors[0].Class)
	assert.True(t, h.db.account(conn.ID, "ext-1").Balance.Equal(decimal.RequireFromString("1500.00")), "concurrent write survives")
}

func TestDispatcher_SubmitFailureReleasesConnection(t *testing.T) {
	held := &heldSubmitter{full: true}
	d := NewDispatcher(held, func(context.Context, Task) error { return nil })

	err := d.Enqueue(Task{ConnectionID: "c1", Type: syncrun.TypeWebhook})
	assert.Error(t, err)
	assert.False(t, d.Busy("c1"))
}

func TestDispatcher_RunsQueuedTasksInOrder(t *testing.T) {
	held := &heldSubmitter{}
	var order []syncrun.Type
	d := NewDispatcher(held, func(_ context.Context, task Task) error {
		order = append(order, task.Type)
		return nil
	})

	require.NoError(t, d.Enqueue(Task{ConnectionID: "c1", Type: syncrun.TypeInitial}))
	require.NoError(t, d.Enqueue(Task{ConnectionID: "c1", Type: syncrun.TypeWebhook}))
	ok, err := d.TryEnqueue(Task{ConnectionID: "c1", Type: syncrun.TypeIncremental})
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, held.jobs, 1)
	assert.Equal(t, "c1", held.jobs[0].Key())
	require.NoError(t, held.jobs[0].Execute(context.Background()))

	assert.Equal(t, []syncrun.Type{syncrun.TypeInitial, syncrun.TypeWebhook}, order)
	assert.False(t, d.Busy("c1"))
}
