package normalize

import (
	"strings"

	"ledgersync/internal/domain/account"
)

// builtinAccountTypes covers the vocabulary most institutions share.
// Institution profiles override or extend it.
var builtinAccountTypes = map[string]account.Type{
	"CHECKING":         account.TypeChecking,
	"CHECKING_ACCOUNT": account.TypeChecking,
	"CURRENT":          account.TypeChecking,
	"DEPOSITORY":       account.TypeChecking,
	"BANK":             account.TypeChecking,
	"SAVINGS":          account.TypeSavings,
	"SAVINGS_ACCOUNT":  account.TypeSavings,
	"MONEY_MARKET":     account.TypeSavings,
	"CREDIT":           account.TypeCredit,
	"CREDIT_CARD":      account.TypeCredit,
	"LOAN":             account.TypeCredit,
	"INVESTMENT":       account.TypeInvestment,
	"BROKERAGE":        account.TypeInvestment,
	"RETIREMENT":       account.TypeInvestment,
}

// Profile is the per-institution mapping data the normalizer consults.
type Profile struct {
	InstitutionID string
	// AccountTypes maps the institution's type or subtype codes to canonical types.
	AccountTypes map[string]account.Type
	// DefaultAccountType applies when nothing matches. Falls back to account.DefaultType.
	DefaultAccountType account.Type
	// DefaultCurrency applies when a payload omits its currency.
	DefaultCurrency string
}

// AccountType resolves raw type codes. The institution table wins over the
// built-in table; within each table the subtype is more specific and wins over type.
func (p Profile) AccountType(rawType, rawSubtype string) account.Type {
	codes := make([]string, 0, 2)
	for _, code := range []string{rawSubtype, rawType} {
		if key := strings.ToUpper(strings.TrimSpace(code)); key != "" {
			codes = append(codes, key)
		}
	}
	for _, table := range []map[string]account.Type{p.AccountTypes, builtinAccountTypes} {
		for _, key := range codes {
			if t, ok := table[key]; ok {
				return t
			}
		}
	}
	if p.DefaultAccountType.Valid() {
		return p.DefaultAccountType
	}
	return account.DefaultType
}

func (p Profile) currency(raw string) string {
	if c := strings.ToUpper(strings.TrimSpace(raw)); c != "" {
		return c
	}
	if p.DefaultCurrency != "" {
		return strings.ToUpper(p.DefaultCurrency)
	}
	return "USD"
}
