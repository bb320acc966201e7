// Package domain holds the core value types shared by every layer: money in
// integer base units, accounts, the ledger journal, rounds and bets.
package domain

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of the settlement token.  All internal
// arithmetic happens in integer base units (10^-18 token); decimals exist
// only at the parse/format boundary.
const TokenDecimals = 18

// BaseUnits is a non-negative token amount in base units.  The zero value is
// usable and equals 0.  All operations are checked: nothing in the money path
// can underflow, and nothing here is a float.
type BaseUnits struct {
	v *big.Int
}

// Zero returns the zero amount.
func Zero() BaseUnits { return BaseUnits{} }

// NewBaseUnits builds an amount from a non-negative int64.
func NewBaseUnits(n int64) BaseUnits {
	if n < 0 {
		n = 0
	}
	return BaseUnits{v: big.NewInt(n)}
}

// FromBigInt copies a non-negative big.Int into an amount.
func FromBigInt(n *big.Int) (BaseUnits, error) {
	if n == nil {
		return BaseUnits{}, nil
	}
	if n.Sign() < 0 {
		return BaseUnits{}, fmt.Errorf("%w: negative base units %s", ErrInvalidAmount, n)
	}
	return BaseUnits{v: new(big.Int).Set(n)}, nil
}

// ParseBaseUnits parses a decimal integer string of base units.
func ParseBaseUnits(s string) (BaseUnits, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return BaseUnits{}, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, s)
	}
	return FromBigInt(n)
}

// ParseToken parses a decimal token string ("1.5") into base units.  Rejects
// negative amounts and precision finer than TokenDecimals.
func ParseToken(s string) (BaseUnits, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return BaseUnits{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return BaseUnits{}, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -TokenDecimals {
		return BaseUnits{}, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, s, TokenDecimals)
	}
	return BaseUnits{v: d.Shift(TokenDecimals).BigInt()}, nil
}

// MustParseToken is ParseToken for constants in tests and config defaults.
func MustParseToken(s string) BaseUnits {
	b, err := ParseToken(s)
	if err != nil {
		panic(err)
	}
	return b
}

func (b BaseUnits) bigint() *big.Int {
	if b.v == nil {
		return new(big.Int)
	}
	return b.v
}

// BigInt returns a copy of the amount as a big.Int.
func (b BaseUnits) BigInt() *big.Int { return new(big.Int).Set(b.bigint()) }

// IsZero reports whether the amount is 0.
func (b BaseUnits) IsZero() bool { return b.bigint().Sign() == 0 }

// IsPositive reports whether the amount is > 0.
func (b BaseUnits) IsPositive() bool { return b.bigint().Sign() > 0 }

// Equal reports a == o.
func (b BaseUnits) Equal(o BaseUnits) bool { return b.bigint().Cmp(o.bigint()) == 0 }

// LessThan reports a < o.
func (b BaseUnits) LessThan(o BaseUnits) bool { return b.bigint().Cmp(o.bigint()) < 0 }

// GreaterThan reports a > o.
func (b BaseUnits) GreaterThan(o BaseUnits) bool { return b.bigint().Cmp(o.bigint()) > 0 }

// Add returns a + o.
func (b BaseUnits) Add(o BaseUnits) BaseUnits {
	return BaseUnits{v: new(big.Int).Add(b.bigint(), o.bigint())}
}

// Sub returns a − o, failing on underflow so balances can never go negative.
func (b BaseUnits) Sub(o BaseUnits) (BaseUnits, error) {
	r := new(big.Int).Sub(b.bigint(), o.bigint())
	if r.Sign() < 0 {
		return BaseUnits{}, fmt.Errorf("%w: %s − %s is negative", ErrInsufficientFunds, b, o)
	}
	return BaseUnits{v: r}, nil
}

// MulRatio returns floor(a · num / den).  This is the only multiplication in
// the money path; payouts round down so the house never overpays by dust.
func (b BaseUnits) MulRatio(num, den uint64) (BaseUnits, error) {
	if den == 0 {
		return BaseUnits{}, fmt.Errorf("%w: zero denominator", ErrInvalidAmount)
	}
	r := new(big.Int).Mul(b.bigint(), new(big.Int).SetUint64(num))
	r.Quo(r, new(big.Int).SetUint64(den))
	return BaseUnits{v: r}, nil
}

// Token renders the amount as a decimal token string ("1.5").
func (b BaseUnits) Token() string {
	return decimal.NewFromBigInt(b.bigint(), -TokenDecimals).String()
}

// String returns the raw base-unit integer, for logs and errors.
func (b BaseUnits) String() string { return b.bigint().String() }

// MarshalJSON encodes the amount as a decimal token string.
func (b BaseUnits) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.Token() + `"`), nil
}

// UnmarshalJSON decodes a decimal token string.
func (b *BaseUnits) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseToken(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Value implements driver.Valuer; stored as NUMERIC base units.
func (b BaseUnits) Value() (driver.Value, error) {
	return b.bigint().String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (b *BaseUnits) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = BaseUnits{}
		return nil
	case int64:
		*b = NewBaseUnits(v)
		return nil
	case []byte:
		parsed, err := ParseBaseUnits(string(v))
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	case string:
		parsed, err := ParseBaseUnits(v)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into BaseUnits", src)
	}
}
