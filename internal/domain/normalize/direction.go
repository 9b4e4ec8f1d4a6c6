package normalize

import (
	"regexp"
	"strings"

	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/transaction"
)

var (
	creditKeywords = regexp.MustCompile(`\b(REFUND|DEPOSIT|SALARY|PAYROLL|CREDIT|REVERSAL|CASHBACK|INTEREST PAID|TRANSFER FROM|DIVIDEND)\b`)
	debitKeywords  = regexp.MustCompile(`\b(PURCHASE|POS|PREAUTH|WITHDRAWAL|ATM|DEBIT|FEE|CHARGE|PAYMENT TO|TRANSFER TO)\b`)
)

// InferDirection applies the fixed precedence: explicit sign field, explicit type
// field, credit keyword, debit keyword, then debit.
func InferDirection(raw adapter.RawTransaction) transaction.Direction {
	if d, ok := directionFromSign(raw.Sign); ok {
		return d
	}
	if d, ok := directionFromAmountSign(raw.Amount); ok {
		return d
	}
	if d, ok := directionFromType(raw.Type); ok {
		return d
	}
	desc := strings.ToUpper(raw.Description)
	if creditKeywords.MatchString(desc) {
		return transaction.DirectionCredit
	}
	if debitKeywords.MatchString(desc) {
		return transaction.DirectionDebit
	}
	return transaction.DirectionDebit
}

func directionFromSign(sign string) (transaction.Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(sign)) {
	case "+", "1", "positive", "pos", "in", "c":
		return transaction.DirectionCredit, true
	case "-", "-1", "negative", "neg", "out", "d":
		return transaction.DirectionDebit, true
	default:
		return "", false
	}
}

// A leading sign on the amount is an explicit sign field.
func directionFromAmountSign(amount string) (transaction.Direction, bool) {
	amount = strings.TrimSpace(amount)
	switch {
	case strings.HasPrefix(amount, "-"):
		return transaction.DirectionDebit, true
	case strings.HasPrefix(amount, "+"):
		return transaction.DirectionCredit, true
	default:
		return "", false
	}
}

func directionFromType(typ string) (transaction.Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(typ)) {
	case "CREDIT", "CR", "DEPOSIT", "INFLOW", "INCOME":
		return transaction.DirectionCredit, true
	case "DEBIT", "DR", "WITHDRAWAL", "OUTFLOW", "PAYMENT", "PURCHASE":
		return transaction.DirectionDebit, true
	default:
		return "", false
	}
}
