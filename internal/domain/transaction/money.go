package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrPrecisionLoss   = errors.New("amount has more decimals than the currency allows")
)

// Money is a signed amount held in the currency's minor units.
type Money struct {
	Minor    int64
	Currency string
}

func currencyFraction(code string) (int32, error) {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return int32(cur.Fraction), nil
}

// FromDecimal converts a decimal amount into minor units without rounding.
func FromDecimal(d decimal.Decimal, currency string) (Money, error) {
	frac, err := currencyFraction(currency)
	if err != nil {
		return Money{}, err
	}
	shifted := d.Shift(frac)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s %s", ErrPrecisionLoss, d.String(), currency)
	}
	return Money{Minor: shifted.IntPart(), Currency: strings.ToUpper(currency)}, nil
}

// ParseMoney parses a decimal string such as "-42.50".
func ParseMoney(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d, currency)
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	frac, err := currencyFraction(m.Currency)
	if err != nil {
		frac = 2
	}
	return decimal.New(m.Minor, -frac)
}

// Abs drops the sign.
func (m Money) Abs() Money {
	if m.Minor < 0 {
		return Money{Minor: -m.Minor, Currency: m.Currency}
	}
	return m
}

// Neg flips the sign.
func (m Money) Neg() Money {
	return Money{Minor: -m.Minor, Currency: m.Currency}
}

func (m Money) String() string {
	return money.New(m.Minor, m.Currency).Display()
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes the amount as a fixed-point string so no float ever touches it.
func (m Money) MarshalJSON() ([]byte, error) {
	frac, err := currencyFraction(m.Currency)
	if err != nil {
		return nil, err
	}
	return json.Marshal(moneyJSON{Amount: m.Decimal().StringFixed(frac), Currency: m.Currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseMoney(raw.Amount, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
