package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmhand/chain"
	"farmhand/swap"
)

type fakeSource struct {
	mu       sync.Mutex
	account  string
	tokens   []chain.TokenBalance
	tokenErr error
	balances map[string][]chain.Asset
	calls    int
}

func (f *fakeSource) Account() string { return f.account }

func (f *fakeSource) GetTokens(ctx context.Context, account string) ([]chain.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	out := make([]chain.TokenBalance, len(f.tokens))
	copy(out, f.tokens)
	return out, nil
}

func (f *fakeSource) GetCurrencyBalance(ctx context.Context, contract, account, symbol string) ([]chain.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[symbol], nil
}

func (f *fakeSource) setToken(symbol string, precision uint8, amount, contract string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tok := range f.tokens {
		if tok.Symbol == symbol {
			f.tokens[i].Amount = amount
			return
		}
	}
	f.tokens = append(f.tokens, chain.TokenBalance{
		Symbol: symbol, Precision: precision, Amount: amount, Contract: contract,
	})
}

func newTestLedger(t *testing.T, src *fakeSource) (*Ledger, *time.Time) {
	t.Helper()
	current := time.Unix(1700000000, 0)
	l := New(Options{
		Source:      src,
		Now:         func() time.Time { return current },
		SettleDelay: time.Millisecond,
	})
	return l, &current
}

func TestGetBalanceSubtractsReservations(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "100.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, ReserveSpec{Quantity: Amount(chain.MustParseAsset("30.0000 GOLD"))})
	require.NoError(t, err)
	require.Equal(t, "30.0000 GOLD", handle.Quantity.String())

	free, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "70.0000 GOLD", free.Quantity.String())

	raw, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1, IgnoreReservations: true})
	require.NoError(t, err)
	require.Equal(t, "100.0000 GOLD", raw.Quantity.String())
}

func TestReserveKeyedIdempotent(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "100.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	spec := ReserveSpec{Key: "k", Quantity: Amount(chain.MustParseAsset("5.0000 GOLD"))}
	first, err := l.Reserve(ctx, spec)
	require.NoError(t, err)
	second, err := l.Reserve(ctx, spec)
	require.NoError(t, err)
	require.Equal(t, first.Quantity.String(), second.Quantity.String())

	free, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "95.0000 GOLD", free.Quantity.String())
}

func TestReserveInsufficientBalance(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "3.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)

	_, err := l.Reserve(context.Background(), ReserveSpec{
		Quantity: Amount(chain.MustParseAsset("5.0000 GOLD")),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestReserveBareCodeTakesWhatIsFree(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "12.5000", "farmerstoken")
	l, _ := newTestLedger(t, src)

	handle, err := l.Reserve(context.Background(), ReserveSpec{Quantity: Free("GOLD")})
	require.NoError(t, err)
	require.Equal(t, "12.5000 GOLD", handle.Quantity.String())
}

func TestReleaseIsIdempotentAndFreesBalance(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "10.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	handle, err := l.Reserve(ctx, ReserveSpec{Quantity: Amount(chain.MustParseAsset("10.0000 GOLD"))})
	require.NoError(t, err)

	free, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, 0, free.Quantity.Sign())

	handle.Release()
	handle.Release()

	free, err = l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "10.0000 GOLD", free.Quantity.String())
}

func TestScheduledFillOrder(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "15.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	need := chain.MustParseAsset("10.0000 GOLD")

	first, err := l.Reserve(ctx, ReserveSpec{Key: "k1", Schedule: true, Quantity: Amount(need)})
	require.NoError(t, err)
	require.Equal(t, "10.0000 GOLD", first.Quantity.String())

	_, err = l.Reserve(ctx, ReserveSpec{Key: "k2", Schedule: true, Quantity: Amount(need)})
	var nf *NotFulfilledError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "5.0000 GOLD", nf.Missing.String())
	require.Equal(t, "k2", nf.Key)
}

func TestScheduledRequiresKeyAndExactQuantity(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "15.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	_, err := l.Reserve(ctx, ReserveSpec{Schedule: true, Quantity: Amount(chain.MustParseAsset("1.0000 GOLD"))})
	require.ErrorIs(t, err, ErrInvalidReserve)

	_, err = l.Reserve(ctx, ReserveSpec{Key: "k", Schedule: true, Quantity: Free("GOLD")})
	require.ErrorIs(t, err, ErrInvalidReserve)
}

func TestReservationExpiresLazily(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "10.0000", "farmerstoken")
	l, current := newTestLedger(t, src)
	ctx := context.Background()

	_, err := l.Reserve(ctx, ReserveSpec{
		Quantity: Amount(chain.MustParseAsset("10.0000 GOLD")),
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	free, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, 0, free.Quantity.Sign())

	*current = current.Add(2 * time.Minute)
	free, err = l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "10.0000 GOLD", free.Quantity.String())
}

func TestWithReservedReleasesOnError(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "10.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := l.WithReserved(ctx, ReserveSpec{Quantity: Free("GOLD")}, func(ctx context.Context, reserved chain.Asset, contract string) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	free, err := l.GetBalance(ctx, "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "10.0000 GOLD", free.Quantity.String())
}

func TestFallbackToCurrencyQueries(t *testing.T) {
	src := &fakeSource{
		account:  "alice",
		tokenErr: errors.New("history down"),
		balances: map[string][]chain.Asset{
			"GOLD": {chain.MustParseAsset("7.0000 GOLD")},
		},
	}
	current := time.Unix(1700000000, 0)
	l := New(Options{
		Source: src,
		Known:  []Token{{Code: "GOLD", Precision: 4, Contract: "farmerstoken"}},
		Now:    func() time.Time { return current },
	})

	bal, err := l.GetBalance(context.Background(), "GOLD", BalanceQuery{Freshness: -1})
	require.NoError(t, err)
	require.Equal(t, "7.0000 GOLD", bal.Quantity.String())
	require.Equal(t, "farmerstoken", bal.Contract)
}

type fakeQuoter struct {
	// rate maps "IN/OUT" to output units per input unit.
	rate map[string]int64
}

func (f *fakeQuoter) GetQuote(ctx context.Context, input, output swap.Spec, freshness time.Duration) (swap.Quote, error) {
	key := input.Code + "/" + output.Code
	rate, ok := f.rate[key]
	if !ok {
		return swap.Quote{}, swap.ErrNoPairFound
	}
	if input.Amount != nil {
		out := chain.NewAsset(
			newBig(input.Amount.Amount().Int64()*rate),
			chain.MustSymbol(output.Code, input.Amount.Symbol.Precision),
		)
		return swap.Quote{
			Input:     swap.Side{Quantity: *input.Amount},
			Output:    swap.Side{Quantity: out},
			MinOutput: out,
		}, nil
	}
	in := chain.NewAsset(
		newBig(output.Amount.Amount().Int64()/rate),
		chain.MustSymbol(input.Code, output.Amount.Symbol.Precision),
	)
	return swap.Quote{
		Input:     swap.Side{Quantity: in},
		Output:    swap.Side{Quantity: *output.Amount},
		MinOutput: *output.Amount,
	}, nil
}

type fakeSwapper struct {
	mu    sync.Mutex
	src   *fakeSource
	swaps []swap.Quote
}

func (f *fakeSwapper) Swap(ctx context.Context, quote swap.Quote) (chain.Asset, error) {
	f.mu.Lock()
	f.swaps = append(f.swaps, quote)
	f.mu.Unlock()
	// Settle the trade in the fake chain state.
	f.src.setToken(quote.Output.Quantity.Symbol.Code, quote.Output.Quantity.Symbol.Precision,
		formatUnits(quote.Output.Quantity), "farmerstoken")
	return quote.Output.Quantity, nil
}

func TestReserveEscalatesViaSwap(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "0.0000", "farmerstoken")
	src.setToken("WOOD", 4, "100.0000", "farmerstoken")

	current := time.Unix(1700000000, 0)
	quoter := &fakeQuoter{rate: map[string]int64{"WOOD/GOLD": 2, "GOLD/WOOD": 1}}
	swapper := &fakeSwapper{src: src}
	l := New(Options{
		Source:      src,
		Quoter:      quoter,
		Swapper:     swapper,
		Now:         func() time.Time { return current },
		SettleDelay: time.Millisecond,
	})

	handle, err := l.Reserve(context.Background(), ReserveSpec{
		Key:      "claim",
		Schedule: true,
		Swap:     true,
		Quantity: Amount(chain.MustParseAsset("10.0000 GOLD")),
	})
	require.NoError(t, err)
	require.Equal(t, "10.0000 GOLD", handle.Quantity.String())
	require.Len(t, swapper.swaps, 1)

	// The swap input was sized to the padded gap, not the full holding.
	input := swapper.swaps[0].Input.Quantity
	require.Equal(t, "WOOD", input.Symbol.Code)
	require.Less(t, input.Amount().Int64(), int64(1000000))
}

func TestReserveSwapDisabledPropagatesNotFulfilled(t *testing.T) {
	src := &fakeSource{account: "alice"}
	src.setToken("GOLD", 4, "1.0000", "farmerstoken")
	l, _ := newTestLedger(t, src)

	_, err := l.Reserve(context.Background(), ReserveSpec{
		Key:      "claim",
		Schedule: true,
		Quantity: Amount(chain.MustParseAsset("10.0000 GOLD")),
	})
	var nf *NotFulfilledError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "9.0000 GOLD", nf.Missing.String())
}

func newBig(v int64) *big.Int { return big.NewInt(v) }

// formatUnits renders an asset's numeric part the way the history backend
// reports amounts.
func formatUnits(a chain.Asset) string {
	return strings.Fields(a.String())[0]
}
