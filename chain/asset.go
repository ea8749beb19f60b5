package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrSymbolMismatch indicates arithmetic between assets carrying different
// symbols. Such operations are always a programming error and are never
// retried.
var ErrSymbolMismatch = errors.New("chain: symbol mismatch")

// ParseError reports a malformed asset or symbol string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("chain: cannot parse %q: %s", e.Input, e.Reason)
}

// Symbol identifies a token: a short uppercase code plus a fixed decimal
// precision. Two symbols are compatible only when both fields match.
type Symbol struct {
	Code      string
	Precision uint8
}

// NewSymbol builds a symbol from a code and precision. The code is
// upper-cased; validation mirrors ParseSymbolCode.
func NewSymbol(code string, precision uint8) (Symbol, error) {
	normalized, err := ParseSymbolCode(code)
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{Code: normalized, Precision: precision}, nil
}

// MustSymbol is NewSymbol for static symbols known to be well formed.
func MustSymbol(code string, precision uint8) Symbol {
	sym, err := NewSymbol(code, precision)
	if err != nil {
		panic(err)
	}
	return sym
}

// ParseSymbolCode validates and normalizes a bare symbol code such as "wood".
func ParseSymbolCode(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) == 0 || len(trimmed) > 7 {
		return "", &ParseError{Input: code, Reason: "symbol code must be 1-7 characters"}
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return "", &ParseError{Input: code, Reason: "symbol code must be A-Z only"}
		}
	}
	return trimmed, nil
}

// String renders the symbol in the canonical "precision,CODE" form.
func (s Symbol) String() string {
	return fmt.Sprintf("%d,%s", s.Precision, s.Code)
}

// Equal reports whether both code and precision match.
func (s Symbol) Equal(other Symbol) bool {
	return s.Code == other.Code && s.Precision == other.Precision
}

// Asset is a fixed-point token amount: an integer count of minor units plus
// the symbol describing how to scale it. Assets are value types; arithmetic
// returns fresh instances and never mutates the receiver.
type Asset struct {
	amount *big.Int
	Symbol Symbol
}

// NewAsset constructs an asset from minor units. The amount is copied.
func NewAsset(amount *big.Int, sym Symbol) Asset {
	a := Asset{Symbol: sym, amount: new(big.Int)}
	if amount != nil {
		a.amount.Set(amount)
	}
	return a
}

// NewAssetUnits is NewAsset for amounts that fit an int64.
func NewAssetUnits(amount int64, sym Symbol) Asset {
	return Asset{Symbol: sym, amount: big.NewInt(amount)}
}

// ParseAsset parses a canonical asset string such as "16.6540 WOOD". The
// precision is inferred from the number of fractional digits, so parsing and
// String round-trip exactly.
func ParseAsset(input string) (Asset, error) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) != 2 {
		return Asset{}, &ParseError{Input: input, Reason: "expected \"<amount> <symbol>\""}
	}

	code, err := ParseSymbolCode(fields[1])
	if err != nil {
		return Asset{}, &ParseError{Input: input, Reason: "invalid symbol"}
	}

	amountStr := fields[0]
	negative := false
	if strings.HasPrefix(amountStr, "-") {
		negative = true
		amountStr = amountStr[1:]
	}

	var whole, frac string
	switch parts := strings.Split(amountStr, "."); len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole, frac = parts[0], parts[1]
	default:
		return Asset{}, &ParseError{Input: input, Reason: "multiple decimal points"}
	}
	if whole == "" {
		return Asset{}, &ParseError{Input: input, Reason: "missing integer part"}
	}
	if len(frac) > 18 {
		return Asset{}, &ParseError{Input: input, Reason: "precision exceeds 18"}
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return Asset{}, &ParseError{Input: input, Reason: "amount must be numeric"}
		}
	}

	amount, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Asset{}, &ParseError{Input: input, Reason: "amount must be numeric"}
	}
	if negative {
		amount.Neg(amount)
	}

	return Asset{amount: amount, Symbol: Symbol{Code: code, Precision: uint8(len(frac))}}, nil
}

// MustParseAsset is ParseAsset for literals known to be well formed.
func MustParseAsset(input string) Asset {
	a, err := ParseAsset(input)
	if err != nil {
		panic(err)
	}
	return a
}

// Amount returns a copy of the amount in minor units.
func (a Asset) Amount() *big.Int {
	if a.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.amount)
}

// Sign reports the sign of the amount (-1, 0 or +1).
func (a Asset) Sign() int {
	if a.amount == nil {
		return 0
	}
	return a.amount.Sign()
}

// String renders the asset in the canonical "<amount> <code>" form, always
// emitting exactly Precision fractional digits.
func (a Asset) String() string {
	amount := a.Amount()
	negative := amount.Sign() < 0
	if negative {
		amount.Neg(amount)
	}

	digits := amount.String()
	precision := int(a.Symbol.Precision)
	if len(digits) <= precision {
		digits = strings.Repeat("0", precision-len(digits)+1) + digits
	}

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	if precision == 0 {
		b.WriteString(digits)
	} else {
		b.WriteString(digits[:len(digits)-precision])
		b.WriteByte('.')
		b.WriteString(digits[len(digits)-precision:])
	}
	b.WriteByte(' ')
	b.WriteString(a.Symbol.Code)
	return b.String()
}

// Add returns a + b. Both assets must share an identical symbol.
func (a Asset) Add(b Asset) (Asset, error) {
	if !a.Symbol.Equal(b.Symbol) {
		return Asset{}, fmt.Errorf("%w: %s vs %s", ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	return NewAsset(new(big.Int).Add(a.Amount(), b.Amount()), a.Symbol), nil
}

// Sub returns a - b. Both assets must share an identical symbol.
func (a Asset) Sub(b Asset) (Asset, error) {
	if !a.Symbol.Equal(b.Symbol) {
		return Asset{}, fmt.Errorf("%w: %s vs %s", ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	return NewAsset(new(big.Int).Sub(a.Amount(), b.Amount()), a.Symbol), nil
}

// Cmp compares a against b (-1, 0, +1). Both assets must share an identical
// symbol.
func (a Asset) Cmp(b Asset) (int, error) {
	if !a.Symbol.Equal(b.Symbol) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrSymbolMismatch, a.Symbol, b.Symbol)
	}
	return a.Amount().Cmp(b.Amount()), nil
}

// Rescale converts the asset to a different precision. Raising the precision
// is exact; lowering it truncates toward zero, never rounding up.
func (a Asset) Rescale(precision uint8) Asset {
	if precision == a.Symbol.Precision {
		return NewAsset(a.amount, a.Symbol)
	}

	amount := a.Amount()
	if precision > a.Symbol.Precision {
		scale := pow10(int(precision - a.Symbol.Precision))
		amount.Mul(amount, scale)
	} else {
		scale := pow10(int(a.Symbol.Precision - precision))
		amount.Quo(amount, scale)
	}
	return Asset{amount: amount, Symbol: Symbol{Code: a.Symbol.Code, Precision: precision}}
}

// Equal reports whether both symbol and amount match exactly.
func (a Asset) Equal(b Asset) bool {
	if !a.Symbol.Equal(b.Symbol) {
		return false
	}
	return a.Amount().Cmp(b.Amount()) == 0
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ExtendedAsset pairs an asset with the contract account that issued it.
// Game currencies share codes with unrelated tokens, so balances must carry
// the issuing contract to stay unambiguous.
type ExtendedAsset struct {
	Quantity Asset
	Contract string
}

// String renders the extended asset as "<amount> <code>@<contract>".
func (e ExtendedAsset) String() string {
	return e.Quantity.String() + "@" + e.Contract
}
