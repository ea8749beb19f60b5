package chain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Authorization names the actor and permission level signing an action.
type Authorization struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// Action is one contract call inside a transaction.
type Action struct {
	Account       string          `json:"account"`
	Name          string          `json:"name"`
	Authorization []Authorization `json:"authorization"`
	Data          any             `json:"data"`
}

// Transaction is the unsigned payload submitted to the chain. Reference block
// fields anchor the transaction to a recent block (TAPOS).
type Transaction struct {
	Expiration     string   `json:"expiration"`
	RefBlockNum    uint32   `json:"ref_block_num"`
	RefBlockPrefix uint32   `json:"ref_block_prefix"`
	Actions        []Action `json:"actions"`
}

// SignedTransaction carries a transaction together with its signatures, ready
// for broadcast or for deferred submission by the caller.
type SignedTransaction struct {
	Signatures  []string    `json:"signatures"`
	Transaction Transaction `json:"transaction"`
}

// TransactOptions tunes transaction construction and submission.
type TransactOptions struct {
	// BlocksBehind anchors TAPOS that many blocks behind the current head.
	// Mutually exclusive with UseLastIrreversible.
	BlocksBehind int
	// UseLastIrreversible anchors TAPOS at the last irreversible block.
	UseLastIrreversible bool
	// ExpireSeconds bounds how long the transaction stays valid.
	ExpireSeconds int
	// NoBroadcast signs the transaction but returns it instead of pushing.
	NoBroadcast bool
	// NoSign skips signing entirely; implies NoBroadcast handling upstream.
	NoSign bool
	// IgnoreResourceCooldown bypasses the client-side CPU/NET cool-down gate.
	IgnoreResourceCooldown bool
}

// TableRowsRequest describes a get_table_rows query.
type TableRowsRequest struct {
	Code          string `json:"code"`
	Scope         string `json:"scope"`
	Table         string `json:"table"`
	IndexPosition int    `json:"index_position,omitempty"`
	KeyType       string `json:"key_type,omitempty"`
	LowerBound    string `json:"lower_bound,omitempty"`
	UpperBound    string `json:"upper_bound,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Reverse       bool   `json:"reverse,omitempty"`
	JSON          bool   `json:"json"`
}

// TableRowsResponse carries raw rows for the caller to decode.
type TableRowsResponse struct {
	Rows []json.RawMessage `json:"rows"`
	More bool              `json:"more"`
}

// DecodeRows unmarshals every row into out, which must be a pointer to a
// slice of the row type.
func (r TableRowsResponse) DecodeRows(out any) error {
	joined, err := json.Marshal(r.Rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

// BlockInfo is the subset of get_block the client relies on.
type BlockInfo struct {
	ID             string    `json:"id"`
	BlockNum       uint32    `json:"block_num"`
	Timestamp      ChainTime `json:"timestamp"`
	RefBlockPrefix uint32    `json:"ref_block_prefix"`
}

// ChainInfo is the subset of get_info the client relies on.
type ChainInfo struct {
	ChainID                  string    `json:"chain_id"`
	HeadBlockNum             uint32    `json:"head_block_num"`
	HeadBlockID              string    `json:"head_block_id"`
	HeadBlockTime            ChainTime `json:"head_block_time"`
	LastIrreversibleBlockNum uint32    `json:"last_irreversible_block_num"`
	LastIrreversibleBlockID  string    `json:"last_irreversible_block_id"`
}

// ChainTime parses the chain's zone-less ISO timestamps as UTC.
type ChainTime struct {
	time.Time
}

const chainTimeLayout = "2006-01-02T15:04:05.000"

// UnmarshalJSON accepts timestamps with or without a trailing Z.
func (t *ChainTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSuffix(raw, "Z")
	parsed, err := time.Parse(chainTimeLayout, raw)
	if err != nil {
		parsed, err = time.Parse("2006-01-02T15:04:05", raw)
		if err != nil {
			return fmt.Errorf("chain: parse timestamp %q: %w", raw, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// MarshalJSON renders the timestamp in the chain's canonical layout.
func (t ChainTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(chainTimeLayout))
}

// ResourceLimit reports used versus maximum for one bandwidth resource.
type ResourceLimit struct {
	Used int64 `json:"used"`
	Max  int64 `json:"max"`
}

// AccountResult is the subset of get_account the client exposes.
type AccountResult struct {
	AccountName    string        `json:"account_name"`
	RAMQuota       int64         `json:"ram_quota"`
	RAMUsage       int64         `json:"ram_usage"`
	NetLimit       ResourceLimit `json:"net_limit"`
	CPULimit       ResourceLimit `json:"cpu_limit"`
	TotalResources struct {
		NetWeight string `json:"net_weight"`
		CPUWeight string `json:"cpu_weight"`
	} `json:"total_resources"`
	Permissions []AccountPermission `json:"permissions"`
}

// AccountPermission is one named permission level with its key set.
type AccountPermission struct {
	PermName     string `json:"perm_name"`
	RequiredAuth struct {
		Keys []struct {
			Key    string `json:"key"`
			Weight int    `json:"weight"`
		} `json:"keys"`
	} `json:"required_auth"`
}

// BandwidthResource describes one resource dimension of an account.
// PricePerUnit is the staked weight divided by the resource total; it is
// zero for RAM.
type BandwidthResource struct {
	Total        int64
	Used         int64
	Available    int64
	Overdraft    int64
	PricePerUnit float64
}

// BandwidthInfo summarises an account's RAM, NET and CPU headroom.
type BandwidthInfo struct {
	RAM BandwidthResource
	Net BandwidthResource
	CPU BandwidthResource
}

// ActionTraceData is the decoded act of one trace.
type ActionTraceData struct {
	Account       string          `json:"account"`
	Name          string          `json:"name"`
	Authorization []Authorization `json:"authorization"`
	Data          json.RawMessage `json:"data"`
}

// ActionTrace is one node of the execution trace tree returned with a
// broadcast transaction. Inline traces carry the contract's side effects
// (reward logs, transfers) that callers mine for results.
type ActionTrace struct {
	Act          ActionTraceData `json:"act"`
	InlineTraces []ActionTrace   `json:"inline_traces"`
}

// TransactResult is the chain's response to a successfully pushed
// transaction.
type TransactResult struct {
	TransactionID string `json:"transaction_id"`
	Processed     struct {
		ActionTraces []ActionTrace `json:"action_traces"`
	} `json:"processed"`
}

// TokenBalance is one row of a history backend's token listing.
type TokenBalance struct {
	Symbol    string `json:"symbol"`
	Precision uint8  `json:"precision"`
	Amount    string `json:"amount"`
	Contract  string `json:"contract"`
}
