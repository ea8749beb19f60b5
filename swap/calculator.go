package swap

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"farmhand/chain"
)

// ErrNoPairFound reports that the pair set has no pool for the requested
// token combination.
var ErrNoPairFound = errors.New("swap: no pair found")

// ErrInvalidSpec reports a quote request where neither or both sides carry a
// concrete amount.
var ErrInvalidSpec = errors.New("swap: exactly one side must carry an amount")

const (
	feeDenominator = 10000
	// slippageNum/slippageDen shave 5% off the nominal output to form the
	// minimum acceptable output.
	slippageNum = 50
	slippageDen = 1000
)

// Spec names one side of a quote: a bare symbol code, optionally pinned to a
// concrete amount. Exactly one side of a quote carries the amount.
type Spec struct {
	Code   string
	Amount *chain.Asset
}

// Code builds a spec for a bare symbol code.
func Code(code string) Spec {
	return Spec{Code: strings.ToUpper(code)}
}

// Exact builds a spec pinned to a concrete asset amount.
func Exact(amount chain.Asset) Spec {
	return Spec{Code: amount.Symbol.Code, Amount: &amount}
}

// Side is one leg of a computed quote.
type Side struct {
	Quantity chain.Asset
	Contract string
}

// Quote is a priced swap between two pool reserves. MinOutput is the nominal
// output less the slippage allowance and is what the transfer memo should
// demand.
type Quote struct {
	Pair      Pair
	Input     Side
	Output    Side
	MinOutput chain.Asset
}

// Calculator prices swaps against a fixed pair snapshot.
type Calculator struct {
	pairs PairSet
}

// NewCalculator wraps a pair snapshot.
func NewCalculator(pairs PairSet) *Calculator {
	return &Calculator{pairs: pairs}
}

// Pair returns the pool trading the two symbol codes, in either order.
func (c *Calculator) Pair(in, out string) (Pair, bool) {
	pair, ok := c.pairs[pairKey(strings.ToUpper(in), strings.ToUpper(out))]
	return pair, ok
}

// Quote prices a swap between the two specs. When the input side carries the
// amount the output is what the pool would pay; when the output side carries
// the amount the input is what the pool would charge for it.
func (c *Calculator) Quote(input, output Spec) (Quote, error) {
	if (input.Amount == nil) == (output.Amount == nil) {
		return Quote{}, ErrInvalidSpec
	}

	pair, ok := c.Pair(input.Code, output.Code)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrNoPairFound, input.Code, output.Code)
	}

	poolIn, poolOut := pair.Pool1, pair.Pool2
	if poolIn.Quantity.Symbol.Code != strings.ToUpper(input.Code) {
		poolIn, poolOut = poolOut, poolIn
	}

	var inQty, outQty chain.Asset
	if input.Amount != nil {
		inQty = input.Amount.Rescale(poolIn.Quantity.Symbol.Precision)
		outQty = outputForInput(inQty, poolIn.Quantity, poolOut.Quantity, pair.Fee)
	} else {
		outQty = output.Amount.Rescale(poolOut.Quantity.Symbol.Precision)
		inQty = inputForOutput(outQty, poolIn.Quantity, poolOut.Quantity, pair.Fee)
	}

	return Quote{
		Pair:      pair,
		Input:     Side{Quantity: inQty, Contract: poolIn.Contract},
		Output:    Side{Quantity: outQty, Contract: poolOut.Contract},
		MinOutput: applySlippage(outQty),
	}, nil
}

// outputForInput solves the constant-product formula for the pool's payout,
// rounded down:
//
//	out = in*(10000-fee)*poolOut / (poolIn*10000 + in*(10000-fee))
func outputForInput(in, poolIn, poolOut chain.Asset, fee uint32) chain.Asset {
	afterFee := new(big.Int).Mul(in.Amount(), big.NewInt(feeDenominator-int64(fee)))

	numerator := new(big.Int).Mul(afterFee, poolOut.Amount())
	denominator := new(big.Int).Mul(poolIn.Amount(), big.NewInt(feeDenominator))
	denominator.Add(denominator, afterFee)

	units := new(big.Int).Quo(numerator, denominator)
	return chain.NewAsset(units, poolOut.Symbol)
}

// inputForOutput inverts outputForInput: the charge for receiving exactly out
// from the pool.
func inputForOutput(out, poolIn, poolOut chain.Asset, fee uint32) chain.Asset {
	afterFee := big.NewInt(feeDenominator - int64(fee))

	numerator := new(big.Int).Mul(poolIn.Amount(), big.NewInt(-feeDenominator))
	numerator.Mul(numerator, out.Amount())

	denominator := new(big.Int).Mul(out.Amount(), afterFee)
	denominator.Sub(denominator, new(big.Int).Mul(poolOut.Amount(), afterFee))

	units := new(big.Int).Quo(numerator, denominator)
	return chain.NewAsset(units, poolIn.Symbol)
}

// applySlippage returns the quantity reduced by the slippage allowance.
func applySlippage(qty chain.Asset) chain.Asset {
	cut := new(big.Int).Mul(qty.Amount(), big.NewInt(slippageNum))
	cut.Quo(cut, big.NewInt(slippageDen))
	units := new(big.Int).Sub(qty.Amount(), cut)
	return chain.NewAsset(units, qty.Symbol)
}
