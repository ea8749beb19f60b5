package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"farmhand/chain"
)

// Transactor is the chain write capability the trader submits swaps through.
type Transactor interface {
	Account() string
	Transact(ctx context.Context, actions []chain.Action, opts chain.TransactOptions) (*chain.TransactResult, error)
}

// Trader prices and executes swaps against one AMM contract.
type Trader struct {
	cache  *Cache
	client Transactor
	amm    string
	logger *slog.Logger
}

// NewTrader binds a pair cache and a chain client to the AMM contract the
// swaps are sent to.
func NewTrader(cache *Cache, client Transactor, amm string, logger *slog.Logger) *Trader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trader{cache: cache, client: client, amm: amm, logger: logger}
}

// GetQuote prices a swap against the current pair snapshot.
func (t *Trader) GetQuote(ctx context.Context, input, output Spec, freshness time.Duration) (Quote, error) {
	calc, err := t.cache.Calculator(ctx, freshness)
	if err != nil {
		return Quote{}, err
	}
	return calc.Quote(input, output)
}

type transferData struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Quantity string `json:"quantity"`
	Memo     string `json:"memo"`
}

// Swap executes a quoted swap: a token transfer to the AMM whose memo
// demands at least MinOutput. Returns the amount actually received,
// extracted from the inline transfer traces; when the trace is missing the
// guaranteed MinOutput is reported instead.
func (t *Trader) Swap(ctx context.Context, quote Quote) (chain.Asset, error) {
	account := t.client.Account()
	memo := fmt.Sprintf("%s@%s", quote.MinOutput, quote.Output.Contract)

	result, err := t.client.Transact(ctx, []chain.Action{{
		Account:       quote.Input.Contract,
		Name:          "transfer",
		Authorization: []chain.Authorization{{Actor: account, Permission: "active"}},
		Data: transferData{
			From:     account,
			To:       t.amm,
			Quantity: quote.Input.Quantity.String(),
			Memo:     memo,
		},
	}}, chain.TransactOptions{BlocksBehind: 3, ExpireSeconds: 30})
	if err != nil {
		return chain.Asset{}, fmt.Errorf("swap: execute %s: %w", quote.Input.Quantity, err)
	}

	received, ok := t.receivedFromTraces(result.Processed.ActionTraces, quote, account)
	if !ok {
		t.logger.Warn("no transfer trace found for swap, assuming minimum output",
			"transaction_id", result.TransactionID, "min_output", quote.MinOutput.String())
		return quote.MinOutput, nil
	}
	return received, nil
}

// receivedFromTraces finds the inbound transfer of the output token in the
// execution trace tree.
func (t *Trader) receivedFromTraces(traces []chain.ActionTrace, quote Quote, account string) (chain.Asset, bool) {
	for _, trace := range traces {
		if trace.Act.Name == "transfer" && trace.Act.Account == quote.Output.Contract {
			var data transferData
			if err := json.Unmarshal(trace.Act.Data, &data); err == nil && data.To == account {
				asset, perr := chain.ParseAsset(data.Quantity)
				if perr == nil && asset.Symbol.Code == quote.Output.Quantity.Symbol.Code {
					return asset.Rescale(quote.Output.Quantity.Symbol.Precision), true
				}
			}
		}
		if received, ok := t.receivedFromTraces(trace.InlineTraces, quote, account); ok {
			return received, ok
		}
	}
	return chain.Asset{}, false
}
