// Package ledger tracks one account's token balances and manages logical
// reservations against them: exclusive holds, keyed-renewable holds and
// scheduled holds filled in strict registration order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"farmhand/chain"
	"farmhand/internal/coalesce"
	"farmhand/swap"
)

// ErrInsufficientBalance reports that a reservation's minimum could not be
// covered by the token's free balance.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// ErrInvalidReserve reports a reservation spec the ledger cannot resolve,
// such as a scheduled reservation without a key or an exact quantity.
var ErrInvalidReserve = errors.New("ledger: invalid reservation spec")

// NotFulfilledError reports a scheduled reservation that the fill pass could
// not top up completely. Missing carries the outstanding amount.
type NotFulfilledError struct {
	Key     string
	Missing chain.Asset
}

func (e *NotFulfilledError) Error() string {
	return fmt.Sprintf("ledger: reservation %q not fulfilled, missing %s", e.Key, e.Missing)
}

// Token describes one recognized token: its symbol code, display precision
// and issuing contract. The ledger falls back to per-token balance queries
// over this registry when the history backend is unavailable.
type Token struct {
	Code      string
	Precision uint8
	Contract  string
}

// BalanceSource is the chain capability the ledger reads balances through.
type BalanceSource interface {
	Account() string
	GetTokens(ctx context.Context, account string) ([]chain.TokenBalance, error)
	GetCurrencyBalance(ctx context.Context, contract, account, symbol string) ([]chain.Asset, error)
}

// Quoter prices one token in another. Implemented by swap.Cache via Trader.
type Quoter interface {
	GetQuote(ctx context.Context, input, output swap.Spec, freshness time.Duration) (swap.Quote, error)
}

// Swapper executes a priced swap on chain and reports the received amount.
type Swapper interface {
	Swap(ctx context.Context, quote swap.Quote) (chain.Asset, error)
}

// DefaultReservationTTL bounds how long an unreleased reservation keeps
// occupying balance before lazy expiry drops it.
const DefaultReservationTTL = 2 * time.Minute

// swapSettleDelay is how long the ledger waits after executing swaps before
// re-reading balances, so the chain read path reflects the trade.
const swapSettleDelay = 10 * time.Second

// swapPadNum/swapPadDen pad the swap target by 3% to absorb price movement
// between quoting and execution.
const (
	swapPadNum = 103
	swapPadDen = 100
)

type reservation struct {
	key       string
	order     uint64
	amount    chain.Asset
	scheduled bool
	need      chain.Asset
	expireAt  time.Time
	expired   bool
}

func (r *reservation) active(now time.Time) bool {
	return !r.expired && now.Before(r.expireAt)
}

type record struct {
	balance      chain.Asset
	contract     string
	reservations []*reservation
}

// Balance is one token position: the quantity and its issuing contract.
type Balance struct {
	Quantity chain.Asset
	Contract string
}

// Options configures a Ledger.
type Options struct {
	Source  BalanceSource
	Quoter  Quoter
	Swapper Swapper
	// Known lists the recognized tokens used for the history-less balance
	// fallback and for precision defaults.
	Known  []Token
	Logger *slog.Logger
	Now    func() time.Time
	// SettleDelay overrides the post-swap settle wait. Zero keeps the
	// default; tests inject a short delay.
	SettleDelay time.Duration
}

// Ledger is the per-account balance ledger. All balance and reservation
// state is mutated under one mutex; refreshes coalesce so concurrent readers
// share a single chain read.
type Ledger struct {
	source  BalanceSource
	quoter  Quoter
	swapper Swapper
	known   []Token
	logger  *slog.Logger
	now     func() time.Time
	settle  time.Duration

	refresh *coalesce.Cache[struct{}]

	mu      sync.Mutex
	records map[string]*record
	seq     uint64
}

// New constructs a ledger for the source's account.
func New(opts Options) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	settle := opts.SettleDelay
	if settle == 0 {
		settle = swapSettleDelay
	}
	return &Ledger{
		source:  opts.Source,
		quoter:  opts.Quoter,
		swapper: opts.Swapper,
		known:   opts.Known,
		logger:  logger,
		now:     now,
		settle:  settle,
		refresh: coalesce.New[struct{}](now),
		records: make(map[string]*record),
	}
}

// ensureFresh refreshes the balance records when they are older than
// freshness. Concurrent callers attach to a single in-flight refresh.
func (l *Ledger) ensureFresh(ctx context.Context, freshness time.Duration) error {
	_, err := l.refresh.Get(ctx, freshness, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, l.reload(ctx)
	})
	return err
}

// reload reads the full token listing and merges it into the records,
// carrying active reservations forward and dropping expired ones.
func (l *Ledger) reload(ctx context.Context) error {
	balances, err := l.fetchBalances(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	merged := make(map[string]*record, len(balances))
	for code, bal := range balances {
		rec := &record{balance: bal.Quantity, contract: bal.Contract}
		if prev, ok := l.records[code]; ok {
			for _, res := range prev.reservations {
				if !res.active(now) {
					continue
				}
				res.amount = res.amount.Rescale(bal.Quantity.Symbol.Precision)
				if res.scheduled {
					res.need = res.need.Rescale(bal.Quantity.Symbol.Precision)
				}
				rec.reservations = append(rec.reservations, res)
			}
		}
		merged[code] = rec
	}
	l.records = merged
	return nil
}

// fetchBalances prefers the history backend's token listing and falls back
// to per-token currency queries over the known registry.
func (l *Ledger) fetchBalances(ctx context.Context) (map[string]Balance, error) {
	account := l.source.Account()
	tokens, err := l.source.GetTokens(ctx, account)
	if err == nil {
		out := make(map[string]Balance, len(tokens))
		for _, tok := range tokens {
			asset, perr := chain.ParseAsset(tok.Amount + " " + tok.Symbol)
			if perr != nil {
				l.logger.Debug("skipping malformed token balance", "symbol", tok.Symbol, "error", perr)
				continue
			}
			out[asset.Symbol.Code] = Balance{
				Quantity: asset.Rescale(tok.Precision),
				Contract: tok.Contract,
			}
		}
		return out, nil
	}

	l.logger.Warn("token listing unavailable, falling back to currency queries", "error", err)
	out := make(map[string]Balance, len(l.known))
	for _, tok := range l.known {
		assets, berr := l.source.GetCurrencyBalance(ctx, tok.Contract, account, tok.Code)
		if berr != nil {
			return nil, fmt.Errorf("ledger: read %s balance: %w", tok.Code, berr)
		}
		for _, asset := range assets {
			if asset.Symbol.Code == tok.Code {
				out[tok.Code] = Balance{Quantity: asset, Contract: tok.Contract}
			}
		}
	}
	return out, nil
}

// BalanceQuery tunes a balance read.
type BalanceQuery struct {
	// Freshness bounds the age of the underlying chain read. Negative
	// selects the default window, zero forces a refresh.
	Freshness time.Duration
	// IgnoreReservations reports the raw balance instead of the free one.
	IgnoreReservations bool
	// ConvertTo prices the result in another symbol via the quoter.
	ConvertTo string
}

// GetBalance returns one token's balance: by default the free amount, the
// raw balance minus active reservations floored at zero.
func (l *Ledger) GetBalance(ctx context.Context, code string, q BalanceQuery) (Balance, error) {
	if err := l.ensureFresh(ctx, q.Freshness); err != nil {
		return Balance{}, err
	}

	l.mu.Lock()
	bal := l.balanceLocked(strings.ToUpper(code), q.IgnoreReservations)
	l.mu.Unlock()

	if q.ConvertTo == "" || strings.EqualFold(q.ConvertTo, code) {
		return bal, nil
	}
	return l.convert(ctx, bal, q.ConvertTo)
}

// GetBalances returns balances for the requested codes, or every held token
// when codes is nil. With ConvertTo set, tokens that cannot be priced are
// logged and skipped rather than failing the whole read.
func (l *Ledger) GetBalances(ctx context.Context, codes []string, q BalanceQuery) ([]Balance, error) {
	if err := l.ensureFresh(ctx, q.Freshness); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if codes == nil {
		for code := range l.records {
			codes = append(codes, code)
		}
	}
	balances := make([]Balance, 0, len(codes))
	for _, code := range codes {
		balances = append(balances, l.balanceLocked(strings.ToUpper(code), q.IgnoreReservations))
	}
	l.mu.Unlock()

	if q.ConvertTo == "" {
		return balances, nil
	}

	converted := make([]Balance, 0, len(balances))
	for _, bal := range balances {
		if strings.EqualFold(bal.Quantity.Symbol.Code, q.ConvertTo) {
			converted = append(converted, bal)
			continue
		}
		priced, err := l.convert(ctx, bal, q.ConvertTo)
		if err != nil {
			l.logger.Debug("skipping unpriceable token", "symbol", bal.Quantity.Symbol.Code, "error", err)
			continue
		}
		converted = append(converted, priced)
	}
	return converted, nil
}

// TotalValue prices every held token in convertTo and sums the results.
func (l *Ledger) TotalValue(ctx context.Context, convertTo string, q BalanceQuery) (chain.Asset, error) {
	q.ConvertTo = convertTo
	balances, err := l.GetBalances(ctx, nil, q)
	if err != nil {
		return chain.Asset{}, err
	}

	var total *chain.Asset
	for _, bal := range balances {
		if total == nil {
			sum := bal.Quantity
			total = &sum
			continue
		}
		sum, err := total.Add(bal.Quantity)
		if err != nil {
			return chain.Asset{}, err
		}
		total = &sum
	}
	if total == nil {
		sym, serr := chain.NewSymbol(strings.ToUpper(convertTo), l.knownPrecision(convertTo))
		if serr != nil {
			return chain.Asset{}, serr
		}
		return chain.NewAsset(big.NewInt(0), sym), nil
	}
	return *total, nil
}

func (l *Ledger) convert(ctx context.Context, bal Balance, target string) (Balance, error) {
	if l.quoter == nil {
		return Balance{}, fmt.Errorf("ledger: no quoter configured")
	}
	if bal.Quantity.Sign() == 0 {
		sym, err := chain.NewSymbol(strings.ToUpper(target), l.knownPrecision(target))
		if err != nil {
			return Balance{}, err
		}
		return Balance{Quantity: chain.NewAsset(big.NewInt(0), sym)}, nil
	}
	quote, err := l.quoter.GetQuote(ctx, swap.Exact(bal.Quantity), swap.Code(target), -1)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Quantity: quote.Output.Quantity, Contract: quote.Output.Contract}, nil
}

// balanceLocked computes one token's balance under l.mu.
func (l *Ledger) balanceLocked(code string, ignoreReservations bool) Balance {
	rec, ok := l.records[code]
	if !ok {
		sym := chain.MustSymbol(code, l.knownPrecision(code))
		return Balance{Quantity: chain.NewAsset(big.NewInt(0), sym), Contract: l.knownContract(code)}
	}
	if ignoreReservations {
		return Balance{Quantity: rec.balance, Contract: rec.contract}
	}
	return Balance{Quantity: l.freeLocked(rec, ""), Contract: rec.contract}
}

// freeLocked is the record's balance minus all active reservations other
// than excludeKey, floored at zero.
func (l *Ledger) freeLocked(rec *record, excludeKey string) chain.Asset {
	now := l.now()
	free := rec.balance.Amount()
	for _, res := range rec.reservations {
		if !res.active(now) {
			continue
		}
		if excludeKey != "" && res.key == excludeKey {
			continue
		}
		free = new(big.Int).Sub(free, res.amount.Amount())
	}
	if free.Sign() < 0 {
		free = big.NewInt(0)
	}
	return chain.NewAsset(free, rec.balance.Symbol)
}

func (l *Ledger) knownPrecision(code string) uint8 {
	code = strings.ToUpper(code)
	for _, tok := range l.known {
		if tok.Code == code {
			return tok.Precision
		}
	}
	return 0
}

func (l *Ledger) knownContract(code string) string {
	code = strings.ToUpper(code)
	for _, tok := range l.known {
		if tok.Code == code {
			return tok.Contract
		}
	}
	return ""
}

// Invalidate forces the next balance read to refetch from the chain.
func (l *Ledger) Invalidate() {
	l.refresh.Invalidate()
}
