package swap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"farmhand/chain"
	"farmhand/internal/coalesce"
)

const ramFeeBasisPoints = 50 // 0.5% market fee on RAM purchases

// ramMarket is a snapshot of the system RAM bancor market: the base reserve
// in bytes and the quote reserve in the core token.
type ramMarket struct {
	BaseBytes *big.Int
	Quote     chain.Asset
}

type ramMarketRow struct {
	Supply string `json:"supply"`
	Base   struct {
		Balance string `json:"balance"`
	} `json:"base"`
	Quote struct {
		Balance string `json:"balance"`
	} `json:"quote"`
}

// RAMOracle prices RAM in the core token from the system rammarket table,
// cached on a coalesced TTL.
type RAMOracle struct {
	reader TableReader
	logger *slog.Logger
	cache  *coalesce.Cache[ramMarket]
}

// NewRAMOracle constructs an oracle over the system contract's RAM market.
func NewRAMOracle(reader TableReader, logger *slog.Logger, now func() time.Time) *RAMOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &RAMOracle{
		reader: reader,
		logger: logger,
		cache:  coalesce.New[ramMarket](now),
	}
}

// CostForBytes quotes the core-token cost of buying the given number of RAM
// bytes at the current market state, market fee included.
func (o *RAMOracle) CostForBytes(ctx context.Context, bytes int64, freshness time.Duration) (chain.Asset, error) {
	market, err := o.cache.Get(ctx, freshness, o.fetch)
	if err != nil {
		return chain.Asset{}, err
	}
	if bytes <= 0 {
		return chain.NewAsset(big.NewInt(0), market.Quote.Symbol), nil
	}

	want := big.NewInt(bytes)
	remaining := new(big.Int).Sub(market.BaseBytes, want)
	if remaining.Sign() <= 0 {
		return chain.Asset{}, fmt.Errorf("swap: ram market holds fewer than %d bytes", bytes)
	}

	// Bancor payout: quote*bytes/(base-bytes), rounded up, plus the fee.
	cost := new(big.Int).Mul(market.Quote.Amount(), want)
	cost.Add(cost, new(big.Int).Sub(remaining, big.NewInt(1)))
	cost.Quo(cost, remaining)

	fee := new(big.Int).Mul(cost, big.NewInt(ramFeeBasisPoints))
	fee.Add(fee, big.NewInt(feeDenominator-1))
	fee.Quo(fee, big.NewInt(feeDenominator))
	cost.Add(cost, fee)

	return chain.NewAsset(cost, market.Quote.Symbol), nil
}

// BytesForCost quotes how many RAM bytes the given core-token payment buys
// after the market fee is deducted.
func (o *RAMOracle) BytesForCost(ctx context.Context, cost chain.Asset, freshness time.Duration) (int64, error) {
	market, err := o.cache.Get(ctx, freshness, o.fetch)
	if err != nil {
		return 0, err
	}
	if !cost.Symbol.Equal(market.Quote.Symbol) {
		return 0, fmt.Errorf("swap: ram market quotes in %s, not %s", market.Quote.Symbol, cost.Symbol)
	}
	if cost.Sign() <= 0 {
		return 0, nil
	}

	// Fee comes off the payment first, rounded up like the system contract.
	fee := new(big.Int).Mul(cost.Amount(), big.NewInt(ramFeeBasisPoints))
	fee.Add(fee, big.NewInt(feeDenominator-1))
	fee.Quo(fee, big.NewInt(feeDenominator))
	net := new(big.Int).Sub(cost.Amount(), fee)
	if net.Sign() <= 0 {
		return 0, nil
	}

	// Bancor purchase: base*net/(quote+net), truncated.
	bytes := new(big.Int).Mul(market.BaseBytes, net)
	bytes.Quo(bytes, new(big.Int).Add(market.Quote.Amount(), net))
	return bytes.Int64(), nil
}

func (o *RAMOracle) fetch(ctx context.Context) (ramMarket, error) {
	resp, err := o.reader.GetTableRows(ctx, chain.TableRowsRequest{
		Code:  "eosio",
		Scope: "eosio",
		Table: "rammarket",
		Limit: 1,
	})
	if err != nil {
		return ramMarket{}, err
	}

	var rows []ramMarketRow
	if err := resp.DecodeRows(&rows); err != nil {
		return ramMarket{}, fmt.Errorf("swap: decode rammarket: %w", err)
	}
	if len(rows) == 0 {
		return ramMarket{}, fmt.Errorf("swap: rammarket table is empty")
	}

	base, err := chain.ParseAsset(rows[0].Base.Balance)
	if err != nil {
		return ramMarket{}, fmt.Errorf("swap: parse ram base: %w", err)
	}
	quote, err := chain.ParseAsset(rows[0].Quote.Balance)
	if err != nil {
		return ramMarket{}, fmt.Errorf("swap: parse ram quote: %w", err)
	}
	return ramMarket{BaseBytes: base.Amount(), Quote: quote}, nil
}
