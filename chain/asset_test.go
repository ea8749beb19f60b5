package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAssetRoundTrip(t *testing.T) {
	cases := []string{
		"16.6540 WOOD",
		"0.0001 GOLD",
		"-3.2000 FOOD",
		"123456789.12345678 WAX",
		"0 RAW",
	}
	for _, input := range cases {
		asset, err := ParseAsset(input)
		require.NoError(t, err, input)
		require.Equal(t, input, asset.String())
	}
}

func TestParseAssetPrecision(t *testing.T) {
	asset := MustParseAsset("1.2345 FWW")
	require.Equal(t, uint8(4), asset.Symbol.Precision)
	require.Equal(t, "FWW", asset.Symbol.Code)
	require.Equal(t, int64(12345), asset.Amount().Int64())
}

func TestParseAssetRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"WOOD",
		"1.0",
		"1.0.0 WOOD",
		"1,0 WOOD",
		"1.0 TOOLONGCODE",
		"1.0 w00d",
		". WOOD",
	}
	for _, input := range cases {
		_, err := ParseAsset(input)
		require.Error(t, err, input)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr, input)
	}
}

func TestAssetArithmetic(t *testing.T) {
	a := MustParseAsset("10.0000 GOLD")
	b := MustParseAsset("3.2500 GOLD")

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "13.2500 GOLD", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, "6.7500 GOLD", diff.String())

	cmp, err := a.Cmp(b)
	require.NoError(t, err)
	require.Equal(t, 1, cmp)

	// Arithmetic never mutates the operands.
	require.Equal(t, "10.0000 GOLD", a.String())
	require.Equal(t, "3.2500 GOLD", b.String())
}

func TestAssetSymbolMismatch(t *testing.T) {
	a := MustParseAsset("1.0000 GOLD")
	b := MustParseAsset("1.0000 FOOD")
	_, err := a.Add(b)
	require.ErrorIs(t, err, ErrSymbolMismatch)
	_, err = a.Sub(b)
	require.ErrorIs(t, err, ErrSymbolMismatch)
	_, err = a.Cmp(b)
	require.ErrorIs(t, err, ErrSymbolMismatch)

	// Same code at a different precision is still a mismatch.
	c := MustParseAsset("1.00 GOLD")
	_, err = a.Add(c)
	require.ErrorIs(t, err, ErrSymbolMismatch)
}

func TestAssetRescale(t *testing.T) {
	a := MustParseAsset("1.2345 FWW")

	up := a.Rescale(8)
	require.Equal(t, "1.23450000 FWW", up.String())

	down := a.Rescale(2)
	require.Equal(t, "1.23 FWW", down.String())

	// Truncation goes toward zero for negative amounts too.
	neg := MustParseAsset("-1.2399 FWW").Rescale(2)
	require.Equal(t, "-1.23 FWW", neg.String())
}

func TestAssetZeroValue(t *testing.T) {
	var zero Asset
	require.Equal(t, 0, zero.Sign())
	require.Equal(t, int64(0), zero.Amount().Int64())
}

func TestNewAssetCopiesAmount(t *testing.T) {
	amount := big.NewInt(100)
	asset := NewAsset(amount, MustSymbol("wax", 8))
	amount.SetInt64(999)
	require.Equal(t, int64(100), asset.Amount().Int64())
	require.Equal(t, "WAX", asset.Symbol.Code)
}

func TestExtendedAssetString(t *testing.T) {
	ext := ExtendedAsset{Quantity: MustParseAsset("5.0000 FWG"), Contract: "farmerstoken"}
	require.Equal(t, "5.0000 FWG@farmerstoken", ext.String())
}
