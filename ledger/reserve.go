package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"farmhand/chain"
	"farmhand/swap"
)

// Quantity is the amount side of a reservation: a bare symbol code (reserve
// whatever is free), an exact amount (min equals max) or a bounded range.
type Quantity struct {
	Code string
	Min  *chain.Asset
	Max  *chain.Asset
}

// Amount builds an exact quantity.
func Amount(a chain.Asset) Quantity {
	return Quantity{Code: a.Symbol.Code, Min: &a, Max: &a}
}

// Free builds an unbounded quantity for a symbol code.
func Free(code string) Quantity {
	return Quantity{Code: strings.ToUpper(code)}
}

// AtLeast builds a quantity with a lower bound and no upper bound.
func AtLeast(min chain.Asset) Quantity {
	return Quantity{Code: min.Symbol.Code, Min: &min}
}

func (q Quantity) exact() (chain.Asset, bool) {
	if q.Min == nil || q.Max == nil {
		return chain.Asset{}, false
	}
	if !q.Min.Equal(*q.Max) {
		return chain.Asset{}, false
	}
	return *q.Min, true
}

// ReserveSpec describes one reservation request.
type ReserveSpec struct {
	Quantity Quantity
	// Key names a renewable slot: repeated calls with the same key adjust
	// the existing reservation instead of stacking a second one. Required
	// for scheduled reservations.
	Key string
	// Schedule registers a persistent slot filled in strict registration
	// order from the balance left over after exclusive reservations.
	Schedule bool
	// Swap escalates a NotFulfilled failure by swapping other held tokens
	// into the target before retrying once.
	Swap bool
	// TTL bounds the reservation's lifetime. Zero selects the default.
	TTL time.Duration
	// Freshness bounds the age of the balance snapshot the reservation is
	// computed against.
	Freshness time.Duration
}

// Handle is a live reservation. Release is idempotent.
type Handle struct {
	Quantity chain.Asset
	Contract string

	once sync.Once
	free func()
}

// Release marks the reservation expired so its balance becomes free again.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.free != nil {
			h.free()
		}
	})
}

// Reserve places a hold against the spec's token. Exclusive reservations
// fail with ErrInsufficientBalance when the free balance is under the
// minimum; scheduled reservations fail with NotFulfilledError carrying the
// outstanding amount when the fill pass leaves them short.
func (l *Ledger) Reserve(ctx context.Context, spec ReserveSpec) (*Handle, error) {
	if spec.Quantity.Code == "" {
		return nil, fmt.Errorf("%w: quantity has no symbol code", ErrInvalidReserve)
	}
	if err := l.ensureFresh(ctx, spec.Freshness); err != nil {
		return nil, err
	}

	handle, err := l.reserveLocked(spec)
	if err == nil {
		return handle, nil
	}

	var nf *NotFulfilledError
	if spec.Swap && errors.As(err, &nf) {
		return l.reserveViaSwap(ctx, spec, nf)
	}
	return nil, err
}

// WithReserved runs fn with a reservation held and guarantees release once
// fn returns, whatever its outcome.
func (l *Ledger) WithReserved(ctx context.Context, spec ReserveSpec, fn func(ctx context.Context, reserved chain.Asset, contract string) error) error {
	handle, err := l.Reserve(ctx, spec)
	if err != nil {
		return err
	}
	defer handle.Release()
	return fn(ctx, handle.Quantity, handle.Contract)
}

func (l *Ledger) reserveLocked(spec ReserveSpec) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	code := strings.ToUpper(spec.Quantity.Code)
	rec, ok := l.records[code]
	if !ok {
		sym := chain.MustSymbol(code, l.knownPrecision(code))
		rec = &record{balance: chain.NewAsset(big.NewInt(0), sym), contract: l.knownContract(code)}
		l.records[code] = rec
	}

	ttl := spec.TTL
	if ttl == 0 {
		ttl = DefaultReservationTTL
	}
	expireAt := l.now().Add(ttl)

	if spec.Schedule {
		return l.reserveScheduledLocked(spec, rec, expireAt)
	}
	return l.reserveExclusiveLocked(spec, rec, expireAt)
}

func (l *Ledger) reserveExclusiveLocked(spec ReserveSpec, rec *record, expireAt time.Time) (*Handle, error) {
	precision := rec.balance.Symbol.Precision
	free := l.freeLocked(rec, spec.Key)

	var min, max *big.Int
	if spec.Quantity.Min != nil {
		min = spec.Quantity.Min.Rescale(precision).Amount()
	}
	if spec.Quantity.Max != nil {
		max = spec.Quantity.Max.Rescale(precision).Amount()
	}

	if min != nil && free.Amount().Cmp(min) < 0 {
		return nil, fmt.Errorf("%w: %s free, need %s %s",
			ErrInsufficientBalance, free, spec.Quantity.Min, rec.balance.Symbol.Code)
	}

	reserved := free.Amount()
	if max != nil && reserved.Cmp(max) > 0 {
		reserved = max
	}
	amount := chain.NewAsset(reserved, rec.balance.Symbol)

	slot := l.slotForKeyLocked(rec, spec.Key, false)
	if slot == nil {
		l.seq++
		slot = &reservation{key: spec.Key, order: l.seq}
		rec.reservations = append(rec.reservations, slot)
	}
	slot.amount = amount
	slot.expireAt = expireAt
	slot.expired = false

	return l.handleLocked(slot, amount, rec.contract), nil
}

func (l *Ledger) reserveScheduledLocked(spec ReserveSpec, rec *record, expireAt time.Time) (*Handle, error) {
	if spec.Key == "" {
		return nil, fmt.Errorf("%w: scheduled reservation needs a key", ErrInvalidReserve)
	}
	need, ok := spec.Quantity.exact()
	if !ok {
		return nil, fmt.Errorf("%w: scheduled reservation needs an exact quantity", ErrInvalidReserve)
	}
	need = need.Rescale(rec.balance.Symbol.Precision)

	slot := l.slotForKeyLocked(rec, spec.Key, true)
	if slot == nil {
		l.seq++
		slot = &reservation{key: spec.Key, order: l.seq, scheduled: true}
		rec.reservations = append(rec.reservations, slot)
	}
	slot.need = need
	slot.expireAt = expireAt
	slot.expired = false

	l.fillScheduledLocked(rec)

	if slot.amount.Amount().Cmp(need.Amount()) < 0 {
		missing := new(big.Int).Sub(need.Amount(), slot.amount.Amount())
		return nil, &NotFulfilledError{
			Key:     spec.Key,
			Missing: chain.NewAsset(missing, rec.balance.Symbol),
		}
	}
	return l.handleLocked(slot, slot.amount, rec.contract), nil
}

// fillScheduledLocked distributes the balance left after exclusive
// reservations across scheduled slots in strict registration order.
func (l *Ledger) fillScheduledLocked(rec *record) {
	now := l.now()
	available := new(big.Int).Set(rec.balance.Amount())
	var scheduled []*reservation
	for _, res := range rec.reservations {
		if !res.active(now) {
			continue
		}
		if res.scheduled {
			scheduled = append(scheduled, res)
			continue
		}
		available.Sub(available, res.amount.Amount())
	}
	if available.Sign() < 0 {
		available.SetInt64(0)
	}

	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i].order < scheduled[j].order })
	for _, res := range scheduled {
		fill := new(big.Int).Set(res.need.Amount())
		if fill.Cmp(available) > 0 {
			fill.Set(available)
		}
		res.amount = chain.NewAsset(fill, rec.balance.Symbol)
		available.Sub(available, fill)
	}
}

func (l *Ledger) slotForKeyLocked(rec *record, key string, scheduled bool) *reservation {
	if key == "" {
		return nil
	}
	now := l.now()
	for _, res := range rec.reservations {
		if res.key == key && res.scheduled == scheduled && res.active(now) {
			return res
		}
	}
	return nil
}

func (l *Ledger) handleLocked(slot *reservation, amount chain.Asset, contract string) *Handle {
	return &Handle{
		Quantity: amount,
		Contract: contract,
		free: func() {
			l.mu.Lock()
			slot.expired = true
			l.mu.Unlock()
		},
	}
}

// reserveViaSwap closes a scheduled reservation's gap by swapping other held
// tokens into the target, then retries the reservation once with swapping
// disabled.
func (l *Ledger) reserveViaSwap(ctx context.Context, spec ReserveSpec, nf *NotFulfilledError) (*Handle, error) {
	if l.quoter == nil || l.swapper == nil {
		return nil, nf
	}

	target := strings.ToUpper(spec.Quantity.Code)

	// Pad the gap to absorb price movement between quote and execution.
	padded := new(big.Int).Mul(nf.Missing.Amount(), big.NewInt(swapPadNum))
	padded.Add(padded, big.NewInt(swapPadDen-1))
	padded.Quo(padded, big.NewInt(swapPadDen))
	remaining := chain.NewAsset(padded, nf.Missing.Symbol)

	sources, err := l.rankSwapSources(ctx, target)
	if err != nil {
		l.logger.Warn("ranking swap sources failed", "error", err)
		return nil, nf
	}

	plan, err := l.buildSwapPlan(ctx, sources, remaining)
	if err != nil {
		for _, step := range plan {
			step.handle.Release()
		}
		return nil, nf
	}

	l.executeSwaps(ctx, plan)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(l.settle):
	}

	l.refresh.Invalidate()
	retry := spec
	retry.Swap = false
	retry.Freshness = 0
	return l.Reserve(ctx, retry)
}

type swapSource struct {
	balance Balance
	yield   chain.Asset
}

type swapStep struct {
	quote  swap.Quote
	handle *Handle
}

// rankSwapSources prices every other held token in the target symbol and
// orders them by descending converted yield.
func (l *Ledger) rankSwapSources(ctx context.Context, target string) ([]swapSource, error) {
	balances, err := l.GetBalances(ctx, nil, BalanceQuery{Freshness: -1})
	if err != nil {
		return nil, err
	}

	var sources []swapSource
	for _, bal := range balances {
		if bal.Quantity.Symbol.Code == target || bal.Quantity.Sign() <= 0 {
			continue
		}
		quote, qerr := l.quoter.GetQuote(ctx, swap.Exact(bal.Quantity), swap.Code(target), -1)
		if qerr != nil {
			continue
		}
		sources = append(sources, swapSource{balance: bal, yield: quote.Output.Quantity})
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].yield.Amount().Cmp(sources[j].yield.Amount()) > 0
	})
	return sources, nil
}

// buildSwapPlan greedily reserves source tokens until their converted output
// covers the remaining gap, preferring the exact amount needed over the full
// holding. Fails when the held tokens cannot cover the gap.
func (l *Ledger) buildSwapPlan(ctx context.Context, sources []swapSource, remaining chain.Asset) ([]swapStep, error) {
	var plan []swapStep
	outstanding := new(big.Int).Set(remaining.Amount())

	for _, src := range sources {
		if outstanding.Sign() <= 0 {
			break
		}
		needed := chain.NewAsset(outstanding, remaining.Symbol)

		quote, err := l.quoter.GetQuote(ctx, swap.Code(src.balance.Quantity.Symbol.Code), swap.Exact(needed), -1)
		if err == nil && quote.Input.Quantity.Amount().Cmp(src.balance.Quantity.Amount()) <= 0 {
			// The holding covers the whole remainder; take only what is
			// needed.
			step, rerr := l.reserveSwapInput(ctx, quote)
			if rerr != nil {
				continue
			}
			plan = append(plan, step)
			outstanding.SetInt64(0)
			break
		}

		full, err := l.quoter.GetQuote(ctx, swap.Exact(src.balance.Quantity), swap.Code(remaining.Symbol.Code), -1)
		if err != nil {
			continue
		}
		step, rerr := l.reserveSwapInput(ctx, full)
		if rerr != nil {
			continue
		}
		plan = append(plan, step)
		outstanding.Sub(outstanding, full.Output.Quantity.Amount())
	}

	if outstanding.Sign() > 0 {
		return plan, fmt.Errorf("ledger: held tokens cannot cover swap target, short %s",
			chain.NewAsset(outstanding, remaining.Symbol))
	}
	return plan, nil
}

func (l *Ledger) reserveSwapInput(ctx context.Context, quote swap.Quote) (swapStep, error) {
	handle, err := l.Reserve(ctx, ReserveSpec{
		Quantity:  Amount(quote.Input.Quantity),
		Freshness: -1,
	})
	if err != nil {
		return swapStep{}, err
	}
	return swapStep{quote: quote, handle: handle}, nil
}

// executeSwaps runs the planned swaps concurrently, releasing each source
// reservation as its swap completes.
func (l *Ledger) executeSwaps(ctx context.Context, plan []swapStep) {
	var wg sync.WaitGroup
	for _, step := range plan {
		wg.Add(1)
		go func(step swapStep) {
			defer wg.Done()
			defer step.handle.Release()
			received, err := l.swapper.Swap(ctx, step.quote)
			if err != nil {
				l.logger.Warn("swap execution failed",
					"input", step.quote.Input.Quantity.String(), "error", err)
				return
			}
			l.logger.Info("swap executed",
				"input", step.quote.Input.Quantity.String(), "received", received.String())
		}(step)
	}
	wg.Wait()
}
