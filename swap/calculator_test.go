package swap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"farmhand/chain"
)

func testPairSet(t *testing.T) PairSet {
	t.Helper()
	pair := Pair{
		ID:     1,
		Supply: chain.MustParseAsset("1000.0000 LP"),
		Pool1: PoolSide{
			Quantity: chain.MustParseAsset("1000.00000000 WAX"),
			Contract: "eosio.token",
		},
		Pool2: PoolSide{
			Quantity: chain.MustParseAsset("2000.0000 WOOD"),
			Contract: "farmerstoken",
		},
		Fee: 30,
	}
	return PairSet{
		pairKey("WAX", "WOOD"): pair,
		pairKey("WOOD", "WAX"): pair,
	}
}

func TestQuoteGivenInput(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	quote, err := calc.Quote(Exact(chain.MustParseAsset("10.00000000 WAX")), Code("WOOD"))
	require.NoError(t, err)

	// floor(10e8*9970*2000e4 / (1000e8*10000 + 10e8*9970)) at unit scale.
	require.Equal(t, "19.7431 WOOD", quote.Output.Quantity.String())
	require.Equal(t, "farmerstoken", quote.Output.Contract)
	require.Equal(t, "eosio.token", quote.Input.Contract)
}

func TestQuoteMinOutputIsFivePercentUnderNominal(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	quote, err := calc.Quote(Exact(chain.MustParseAsset("10.00000000 WAX")), Code("WOOD"))
	require.NoError(t, err)

	// 197431 units less floor(197431*50/1000) = 197431 - 9871 = 187560.
	require.Equal(t, "18.7560 WOOD", quote.MinOutput.String())
}

func TestQuoteGivenOutputRoundTrips(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	target := chain.MustParseAsset("19.7431 WOOD")
	quote, err := calc.Quote(Code("WAX"), Exact(target))
	require.NoError(t, err)
	require.Equal(t, "WAX", quote.Input.Quantity.Symbol.Code)

	// Feeding the computed input back through the forward formula lands
	// within one smallest unit of the requested output; integer division
	// truncates once in each direction.
	forward, err := calc.Quote(Exact(quote.Input.Quantity), Code("WOOD"))
	require.NoError(t, err)
	diff, err := target.Sub(forward.Output.Quantity)
	require.NoError(t, err)
	require.LessOrEqual(t, diff.Amount().Int64(), int64(1))
	require.GreaterOrEqual(t, diff.Amount().Int64(), int64(-1))
}

func TestQuoteReverseDirection(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	quote, err := calc.Quote(Exact(chain.MustParseAsset("20.0000 WOOD")), Code("WAX"))
	require.NoError(t, err)
	require.Equal(t, "WAX", quote.Output.Quantity.Symbol.Code)
	require.Equal(t, "eosio.token", quote.Output.Contract)
	require.Equal(t, 1, quote.Output.Quantity.Sign())
}

func TestQuoteUnknownPair(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	_, err := calc.Quote(Exact(chain.MustParseAsset("1.0000 GOLD")), Code("WOOD"))
	require.ErrorIs(t, err, ErrNoPairFound)
}

func TestQuoteSpecValidation(t *testing.T) {
	calc := NewCalculator(testPairSet(t))

	_, err := calc.Quote(Code("WAX"), Code("WOOD"))
	require.ErrorIs(t, err, ErrInvalidSpec)

	_, err = calc.Quote(
		Exact(chain.MustParseAsset("1.00000000 WAX")),
		Exact(chain.MustParseAsset("1.0000 WOOD")),
	)
	require.ErrorIs(t, err, ErrInvalidSpec)
}
