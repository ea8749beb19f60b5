// Package swap maintains a cached view of an AMM's exchange pairs and
// computes constant-product quotes in both directions.
package swap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"farmhand/chain"
	"farmhand/internal/coalesce"
)

// TableReader is the chain read capability the pair cache depends on.
type TableReader interface {
	GetTableRows(ctx context.Context, req chain.TableRowsRequest) (chain.TableRowsResponse, error)
}

// PoolSide is one reserve of an exchange pair.
type PoolSide struct {
	Quantity chain.Asset
	Contract string
}

// Pair is one AMM pool: two reserves, a fee in basis points and the issued
// liquidity supply.
type Pair struct {
	ID          uint64
	Supply      chain.Asset
	Pool1       PoolSide
	Pool2       PoolSide
	Fee         uint32
	FeeContract string
}

// PairSet indexes pairs bidirectionally by "SYM1/SYM2" keys.
type PairSet map[string]Pair

// pairKey builds the canonical lookup key for two symbol codes.
func pairKey(in, out string) string {
	return in + "/" + out
}

type pairRow struct {
	ID     uint64 `json:"id"`
	Supply string `json:"supply"`
	Pool1  struct {
		Quantity string `json:"quantity"`
		Contract string `json:"contract"`
	} `json:"pool1"`
	Pool2 struct {
		Quantity string `json:"quantity"`
		Contract string `json:"contract"`
	} `json:"pool2"`
	Fee         uint32 `json:"fee"`
	FeeContract string `json:"fee_contract"`
}

// Cache refreshes the AMM pair table on a coalesced TTL. Pools whose reserve
// contract does not match the expected contract for a recognized symbol are
// spoofed listings and are dropped.
type Cache struct {
	reader   TableReader
	contract string
	known    map[string]string
	logger   *slog.Logger
	cache    *coalesce.Cache[PairSet]
}

// NewCache constructs a pair cache reading the given AMM contract's pair
// table. known maps recognized symbol codes to their legitimate issuing
// contract.
func NewCache(reader TableReader, contract string, known map[string]string, logger *slog.Logger, now func() time.Time) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	normalized := make(map[string]string, len(known))
	for code, issuer := range known {
		normalized[strings.ToUpper(code)] = issuer
	}
	return &Cache{
		reader:   reader,
		contract: contract,
		known:    normalized,
		logger:   logger,
		cache:    coalesce.New[PairSet](now),
	}
}

// Pairs returns the current pair set, refreshing it when older than
// freshness (negative selects the 10s default).
func (c *Cache) Pairs(ctx context.Context, freshness time.Duration) (PairSet, error) {
	return c.cache.Get(ctx, freshness, c.fetch)
}

// Calculator returns a quote calculator over the current pair set.
func (c *Cache) Calculator(ctx context.Context, freshness time.Duration) (*Calculator, error) {
	pairs, err := c.Pairs(ctx, freshness)
	if err != nil {
		return nil, err
	}
	return NewCalculator(pairs), nil
}

func (c *Cache) fetch(ctx context.Context) (PairSet, error) {
	resp, err := c.reader.GetTableRows(ctx, chain.TableRowsRequest{
		Code:  c.contract,
		Scope: c.contract,
		Table: "pairs",
		Limit: 1000,
	})
	if err != nil {
		return nil, err
	}

	var rows []pairRow
	if err := resp.DecodeRows(&rows); err != nil {
		return nil, fmt.Errorf("swap: decode pairs: %w", err)
	}

	pairs := make(PairSet, len(rows)*2)
	for _, row := range rows {
		pair, err := c.buildPair(row)
		if err != nil {
			c.logger.Debug("skipping malformed pair", "id", row.ID, "error", err)
			continue
		}
		if c.spoofed(pair.Pool1) || c.spoofed(pair.Pool2) {
			continue
		}
		key1 := pair.Pool1.Quantity.Symbol.Code
		key2 := pair.Pool2.Quantity.Symbol.Code
		pairs[pairKey(key1, key2)] = pair
		pairs[pairKey(key2, key1)] = pair
	}
	return pairs, nil
}

func (c *Cache) buildPair(row pairRow) (Pair, error) {
	supply, err := chain.ParseAsset(row.Supply)
	if err != nil {
		return Pair{}, err
	}
	pool1, err := chain.ParseAsset(row.Pool1.Quantity)
	if err != nil {
		return Pair{}, err
	}
	pool2, err := chain.ParseAsset(row.Pool2.Quantity)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		ID:          row.ID,
		Supply:      supply,
		Pool1:       PoolSide{Quantity: pool1, Contract: row.Pool1.Contract},
		Pool2:       PoolSide{Quantity: pool2, Contract: row.Pool2.Contract},
		Fee:         row.Fee,
		FeeContract: row.FeeContract,
	}, nil
}

// spoofed reports whether the pool pretends to hold a recognized symbol but
// lives in the wrong contract.
func (c *Cache) spoofed(side PoolSide) bool {
	expected, recognized := c.known[side.Quantity.Symbol.Code]
	return recognized && side.Contract != expected
}
