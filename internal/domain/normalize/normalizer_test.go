package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/transaction"
)

func TestInferDirection_Precedence(t *testing.T) {
	tests := []struct {
		name string
		raw  adapter.RawTransaction
		want transaction.Direction
	}{
		{"sign beats type", adapter.RawTransaction{Sign: "+", Type: "DEBIT", Amount: "10"}, transaction.DirectionCredit},
		{"sign beats keywords", adapter.RawTransaction{Sign: "-", Description: "REFUND", Amount: "10"}, transaction.DirectionDebit},
		{"amount sign is explicit", adapter.RawTransaction{Amount: "-10", Type: "CREDIT"}, transaction.DirectionDebit},
		{"type beats keywords", adapter.RawTransaction{Type: "DEBIT", Description: "REFUND FROM STORE", Amount: "10"}, transaction.DirectionDebit},
		{"credit keyword", adapter.RawTransaction{Description: "PAYROLL ACME INC", Amount: "10"}, transaction.DirectionCredit},
		{"credit keyword before debit keyword", adapter.RawTransaction{Description: "POS REFUND", Amount: "10"}, transaction.DirectionCredit},
		{"debit keyword", adapter.RawTransaction{Description: "ATM WITHDRAWAL", Amount: "10"}, transaction.DirectionDebit},
		{"default debit", adapter.RawTransaction{Description: "MYSTERY", Amount: "10"}, transaction.DirectionDebit},
		{"unknown sign falls through", adapter.RawTransaction{Sign: "?", Type: "CR", Amount: "10"}, transaction.DirectionCredit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferDirection(tt.raw))
		})
	}
}

func TestCleanMerchant(t *testing.T) {
	tests := map[string]string{
		"POS STARBUCKS #1234":                  "Starbucks",
		"STARBUCKS 1234 POS":                   "Starbucks",
		"*** PREAUTH SHELL OIL 57444 REF 8832": "Shell Oil",
		"AMAZON MKTPLACE PMTS":                 "Amazon Mktplace Pmts",
		"  ## whole foods market 0042":         "Whole Foods Market",
		"POSTMATES":                            "Postmates",
		"":                                     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanMerchant(in), "input %q", in)
	}
}

func TestProfile_AccountType(t *testing.T) {
	p := Profile{
		InstitutionID: "acme",
		AccountTypes:  map[string]account.Type{"BANK": account.TypeSavings, "PORTFOLIO": account.TypeInvestment},
	}

	assert.Equal(t, account.TypeSavings, p.AccountType("BANK", ""), "institution table overrides builtin")
	assert.Equal(t, account.TypeCredit, p.AccountType("CHECKING", "CREDIT_CARD"), "subtype wins over type")
	assert.Equal(t, account.TypeSavings, p.AccountType("BANK", "CREDIT_CARD"), "institution type beats builtin subtype")
	assert.Equal(t, account.TypeInvestment, p.AccountType("CHECKING", "portfolio"), "institution subtype beats builtin type")
	assert.Equal(t, account.TypeInvestment, p.AccountType("portfolio", ""))
	assert.Equal(t, account.DefaultType, p.AccountType("WEIRD", ""))

	p.DefaultAccountType = account.TypeSavings
	assert.Equal(t, account.TypeSavings, p.AccountType("WEIRD", ""))
}

func TestNormalizer_Transaction(t *testing.T) {
	n := Normalizer{}
	p := Profile{InstitutionID: "acme", DefaultCurrency: "usd"}

	txn, err := n.Transaction(p, "c1", "a1", adapter.RawTransaction{
		ExternalID:  "tx-9",
		Amount:      "42.50",
		Description: "POS  STARBUCKS   #1234",
		Date:        "2024-03-02",
		Status:      "PENDING",
		Category:    "coffee",
	})
	require.NoError(t, err)

	assert.Equal(t, transaction.DirectionDebit, txn.Direction)
	assert.Equal(t, transaction.Money{Minor: -4250, Currency: "USD"}, txn.Amount)
	assert.Equal(t, "POS STARBUCKS #1234", txn.Description)
	assert.Equal(t, "Starbucks", txn.Merchant)
	assert.Equal(t, transaction.StatusPending, txn.Status)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), txn.Date)
	require.NotNil(t, txn.Category)
	assert.Equal(t, "coffee", *txn.Category)
	assert.NotEmpty(t, txn.Fingerprint)
}

func TestNormalizer_Transaction_Deterministic(t *testing.T) {
	n := Normalizer{}
	raw := adapter.RawTransaction{ExternalID: "x", Amount: "+12.34", Currency: "EUR", Date: "2024-01-05T10:00:00Z", Description: "SALARY"}

	a, err := n.Transaction(Profile{}, "c1", "a1", raw)
	require.NoError(t, err)
	b, err := n.Transaction(Profile{}, "c1", "a1", raw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizer_Transaction_SerializationPreservesAmount(t *testing.T) {
	n := Normalizer{}
	for _, raw := range []adapter.RawTransaction{
		{ExternalID: "1", Amount: "-0.01", Currency: "USD", Date: "2024-01-01"},
		{ExternalID: "2", Amount: "123456789.99", Currency: "USD", Type: "CREDIT", Date: "2024-01-01"},
		{ExternalID: "3", Amount: "-1500", Currency: "JPY", Date: "2024-01-01"},
	} {
		txn, err := n.Transaction(Profile{}, "c1", "a1", raw)
		require.NoError(t, err)

		data, err := json.Marshal(txn)
		require.NoError(t, err)

		var back transaction.Transaction
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, txn.Amount, back.Amount, raw.Amount)
		assert.Equal(t, txn.Direction, back.Direction)
	}
}

func TestNormalizer_Transaction_Invalid(t *testing.T) {
	n := Normalizer{}
	tests := []adapter.RawTransaction{
		{Amount: "1", Date: "2024-01-01"},
		{ExternalID: "x", Amount: "abc", Date: "2024-01-01"},
		{ExternalID: "x", Amount: "1.001", Currency: "USD", Date: "2024-01-01"},
		{ExternalID: "x", Amount: "1", Date: "yesterday"},
	}
	for _, raw := range tests {
		_, err := n.Transaction(Profile{}, "c1", "a1", raw)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
}

func TestNormalizer_Account(t *testing.T) {
	n := Normalizer{}
	acc, err := n.Account(Profile{DefaultCurrency: "BRL"}, "c1", adapter.RawAccount{
		ExternalID: "acc-1",
		Name:       " Main ",
		Type:       "BANK",
		Subtype:    "SAVINGS_ACCOUNT",
	})
	require.NoError(t, err)
	assert.Equal(t, account.TypeSavings, acc.Type)
	assert.Equal(t, "BRL", acc.Currency)
	assert.Equal(t, "Main", acc.Name)
	assert.Equal(t, "SAVINGS_ACCOUNT", acc.Metadata["institution_subtype"])
	assert.False(t, acc.BalanceResolved)

	_, err = n.Account(Profile{}, "c1", adapter.RawAccount{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizer_Balance(t *testing.T) {
	n := Normalizer{}
	cur, avail, err := n.Balance(adapter.RawBalance{Current: "1000.005", Available: "990"})
	require.NoError(t, err)
	assert.Equal(t, "1000.005", cur.String())
	require.NotNil(t, avail)
	assert.Equal(t, "990", avail.String())

	_, avail, err = n.Balance(adapter.RawBalance{Current: "5"})
	require.NoError(t, err)
	assert.Nil(t, avail)

	_, _, err = n.Balance(adapter.RawBalance{Current: "n/a"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
