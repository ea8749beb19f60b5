package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"farmhand/internal/coalesce"
)

// Category names used when registering endpoint pools with a Prober.
const (
	CategoryRPC     = "rpc"
	CategoryHistory = "history"
)

const (
	defaultAttempts = 3

	// resourceFreeFailures is how many consecutive CPU/NET rejections are
	// tolerated before the client-side cool-down engages.
	resourceFreeFailures = 2
	resourceCooldownStep = 5 * time.Minute
	resourceCooldownMax  = 30 * time.Minute

	// historyFailMemory is how long a failed history backend is avoided
	// before it is tried again.
	historyFailMemory = 10 * time.Minute
)

// Metrics receives client-level instrumentation events. All methods must be
// safe for concurrent use; a nil Metrics disables instrumentation.
type Metrics interface {
	EndpointRotated(category string)
	TransactionPushed(ok bool)
}

// Options configures a Client.
type Options struct {
	// Account is the acting account name. Optional when the signer is
	// session-backed and the account is resolved later via SetAccount.
	Account string
	// Signer produces transaction signatures. Required for writes.
	Signer Signer
	// Fuel optionally delegates resource costs to another account.
	Fuel *FuelProvider
	// RPCEndpoints are candidate chain RPC base URLs. Required.
	RPCEndpoints []string
	// HistoryEndpoints are candidate history backend base URLs. Optional.
	HistoryEndpoints []string
	// Attempts bounds how many endpoints one request may try.
	Attempts int
	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    Metrics
	// Now overrides the clock, primarily for tests.
	Now func() time.Time
}

// Client talks to an EOSIO-style chain over a pool of redundant endpoints.
// Reads route to the first healthy endpoint and rotate on failure; writes
// additionally pass through the resource cool-down gate.
type Client struct {
	account  string
	signer   Signer
	fuel     *FuelProvider
	http     *http.Client
	rpc      *Pool
	history  *Pool
	attempts int
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time

	chainIDMu sync.Mutex
	chainID   string

	accountMu    sync.Mutex
	accountCache *coalesce.Cache[AccountResult]

	resourceMu        sync.Mutex
	failedTransacts   int
	nextTransactAfter time.Time

	historyMu       sync.Mutex
	historyFailedAt time.Time
}

// NewClient constructs a chain client. The history pool is nil when no
// history endpoints are configured.
func NewClient(opts Options) (*Client, error) {
	rpcPool, err := NewPool(opts.RPCEndpoints)
	if err != nil {
		return nil, err
	}

	var historyPool *Pool
	if len(opts.HistoryEndpoints) > 0 {
		historyPool, err = NewPool(opts.HistoryEndpoints)
		if err != nil {
			return nil, err
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	return &Client{
		account:      opts.Account,
		signer:       opts.Signer,
		fuel:         opts.Fuel,
		http:         httpClient,
		rpc:          rpcPool,
		history:      historyPool,
		attempts:     attempts,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          now,
		accountCache: coalesce.New[AccountResult](now),
	}, nil
}

// Account returns the acting account name, or the empty string when none is
// configured.
func (c *Client) Account() string {
	return c.account
}

// RPCPool exposes the RPC endpoint pool for prober registration.
func (c *Client) RPCPool() *Pool { return c.rpc }

// HistoryPool exposes the history endpoint pool for prober registration. It
// is nil when no history endpoints were configured.
func (c *Client) HistoryPool() *Pool { return c.history }

// rotateStatuses are HTTP statuses that move a request to the next endpoint
// rather than failing it outright.
var rotateStatuses = map[int]bool{
	http.StatusForbidden:          true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
}

func (c *Client) do(ctx context.Context, pool *Pool, category, path string, body, out any) error {
	if pool == nil {
		return fmt.Errorf("chain: no %s endpoints configured", category)
	}

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chain: encode %s request: %w", path, err)
		}
		payload = encoded
	}

	it := pool.iterator()
	if it.current == "" {
		return ErrNoFunctionalEndpoint
	}

	var lastErr error
	for attempt := c.attempts - 1; attempt >= 0; attempt-- {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.current+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if it.next() && attempt > 0 {
				c.rotated(category)
				continue
			}
			return fmt.Errorf("chain: request %s: %w", path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if it.next() && attempt > 0 {
				c.rotated(category)
				continue
			}
			return fmt.Errorf("chain: read %s response: %w", path, readErr)
		}

		if rotateStatuses[resp.StatusCode] {
			lastErr = fmt.Errorf("chain: endpoint returned status %d", resp.StatusCode)
			if it.next() && attempt > 0 {
				c.rotated(category)
				continue
			}
			return lastErr
		}

		if resp.StatusCode != http.StatusOK {
			var wrapper struct {
				Error *RPCError `json:"error"`
			}
			if err := json.Unmarshal(respBody, &wrapper); err == nil && wrapper.Error != nil && wrapper.Error.Name != "" {
				return wrapper.Error
			}
			return fmt.Errorf("chain: unexpected status %d for %s", resp.StatusCode, path)
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("chain: decode %s response: %w", path, err)
		}
		return nil
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrNoFunctionalEndpoint
}

func (c *Client) rotated(category string) {
	if c.metrics != nil {
		c.metrics.EndpointRotated(category)
	}
}

// GetInfo fetches chain head state.
func (c *Client) GetInfo(ctx context.Context) (ChainInfo, error) {
	var info ChainInfo
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_info", nil, &info); err != nil {
		return ChainInfo{}, err
	}
	c.chainIDMu.Lock()
	c.chainID = info.ChainID
	c.chainIDMu.Unlock()
	return info, nil
}

// GetBlock fetches one block header by number.
func (c *Client) GetBlock(ctx context.Context, num uint32) (BlockInfo, error) {
	body := map[string]any{"block_num_or_id": num}
	var block BlockInfo
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_block", body, &block); err != nil {
		return BlockInfo{}, err
	}
	return block, nil
}

// GetTableRows executes a table query against the chain RPC pool.
func (c *Client) GetTableRows(ctx context.Context, req TableRowsRequest) (TableRowsResponse, error) {
	req.JSON = true
	var resp TableRowsResponse
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_table_rows", req, &resp); err != nil {
		return TableRowsResponse{}, err
	}
	return resp, nil
}

// GetAccount fetches account state. The acting account is cached with a 10s
// freshness window and concurrent refreshes coalesce; other accounts are
// always fetched directly.
func (c *Client) GetAccount(ctx context.Context, name string, freshness time.Duration) (AccountResult, error) {
	if name == "" {
		if c.account == "" {
			return AccountResult{}, ErrNotLoggedIn
		}
		name = c.account
	}

	if name != c.account {
		return c.fetchAccount(ctx, name)
	}
	return c.accountCache.Get(ctx, freshness, func(ctx context.Context) (AccountResult, error) {
		return c.fetchAccount(ctx, name)
	})
}

func (c *Client) fetchAccount(ctx context.Context, name string) (AccountResult, error) {
	body := map[string]string{"account_name": name}
	var account AccountResult
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_account", body, &account); err != nil {
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) && rpcErr.IsUnknownAccount() {
			return AccountResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
		}
		return AccountResult{}, err
	}
	if account.AccountName == "" {
		return AccountResult{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}
	return account, nil
}

// GetBandwidthInfo derives RAM/NET/CPU headroom from account state.
func (c *Client) GetBandwidthInfo(ctx context.Context, name string, freshness time.Duration) (BandwidthInfo, error) {
	account, err := c.GetAccount(ctx, name, freshness)
	if err != nil {
		return BandwidthInfo{}, err
	}

	info := BandwidthInfo{
		RAM: newBandwidthResource(account.RAMQuota, account.RAMUsage, 0),
		Net: newBandwidthResource(account.NetLimit.Max, account.NetLimit.Used, 0),
		CPU: newBandwidthResource(account.CPULimit.Max, account.CPULimit.Used, 0),
	}
	if netWeight, err := ParseAsset(account.TotalResources.NetWeight); err == nil && account.NetLimit.Max > 0 {
		amount, _ := new(big.Float).SetInt(netWeight.Amount()).Float64()
		info.Net.PricePerUnit = amount / float64(account.NetLimit.Max)
	}
	if cpuWeight, err := ParseAsset(account.TotalResources.CPUWeight); err == nil && account.CPULimit.Max > 0 {
		amount, _ := new(big.Float).SetInt(cpuWeight.Amount()).Float64()
		info.CPU.PricePerUnit = amount / float64(account.CPULimit.Max)
	}
	return info, nil
}

func newBandwidthResource(total, used int64, price float64) BandwidthResource {
	resource := BandwidthResource{Total: total, Used: used, PricePerUnit: price}
	if total > used {
		resource.Available = total - used
	}
	if used > total {
		resource.Overdraft = used - total
	}
	return resource
}

// GetCurrencyBalance lists an account's balances under one token contract.
func (c *Client) GetCurrencyBalance(ctx context.Context, contract, account, symbol string) ([]Asset, error) {
	body := map[string]string{"code": contract, "account": account}
	if symbol != "" {
		body["symbol"] = symbol
	}
	var raw []string
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_currency_balance", body, &raw); err != nil {
		return nil, err
	}
	assets := make([]Asset, 0, len(raw))
	for _, entry := range raw {
		asset, err := ParseAsset(entry)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// GetTokens lists all token balances of an account via the history backend.
// A backend that failed recently is not retried until the failure memory
// expires; callers fall back to per-contract currency queries.
func (c *Client) GetTokens(ctx context.Context, account string) ([]TokenBalance, error) {
	if c.history == nil {
		return nil, fmt.Errorf("chain: no history endpoints configured")
	}

	c.historyMu.Lock()
	failedAt := c.historyFailedAt
	c.historyMu.Unlock()
	if !failedAt.IsZero() && c.now().Sub(failedAt) < historyFailMemory {
		return nil, fmt.Errorf("chain: history backend in failure cool-down")
	}

	body := map[string]string{"account": account}
	var resp struct {
		Tokens []TokenBalance `json:"tokens"`
	}
	if err := c.do(ctx, c.history, CategoryHistory, "/v2/state/get_tokens", body, &resp); err != nil {
		c.historyMu.Lock()
		c.historyFailedAt = c.now()
		c.historyMu.Unlock()
		return nil, err
	}
	return resp.Tokens, nil
}

// HistoryActionsOptions tunes a paginated action-history query.
type HistoryActionsOptions struct {
	Filter string
	After  string
	Before string
}

type historyAction struct {
	Act ActionTraceData `json:"act"`
}

// GetHistoryActions pages through an account's action history newest first.
func (c *Client) GetHistoryActions(ctx context.Context, account string, opts HistoryActionsOptions) ([]ActionTraceData, error) {
	if c.history == nil {
		return nil, fmt.Errorf("chain: no history endpoints configured")
	}

	const pageSize = 100
	var result []ActionTraceData
	for page := 0; ; page++ {
		body := map[string]any{
			"account": account,
			"sort":    "desc",
			"skip":    page * pageSize,
			"limit":   pageSize,
		}
		if opts.Filter != "" {
			body["filter"] = opts.Filter
		}
		if opts.After != "" {
			body["after"] = opts.After
		}
		if opts.Before != "" {
			body["before"] = opts.Before
		}

		var resp struct {
			Total struct {
				Value *int `json:"value"`
			} `json:"total"`
			Actions []historyAction `json:"actions"`
		}
		if err := c.do(ctx, c.history, CategoryHistory, "/v2/history/get_actions", body, &resp); err != nil {
			return nil, err
		}
		if resp.Total.Value == nil {
			return nil, fmt.Errorf("chain: malformed history response, total.value missing")
		}
		for _, action := range resp.Actions {
			result = append(result, action.Act)
		}
		if *resp.Total.Value <= (page+1)*pageSize {
			return result, nil
		}
	}
}

// GetHistoryTransaction polls for a transaction by id, retrying "not found"
// responses up to attempts with the given interval between tries.
func (c *Client) GetHistoryTransaction(ctx context.Context, id string, attempts int, interval time.Duration) (*TransactResult, error) {
	if attempts < 1 {
		attempts = 1
	}
	if interval < time.Second {
		interval = 5 * time.Second
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		body := map[string]string{"id": id}
		var result TransactResult
		err := c.do(ctx, c.rpc, CategoryRPC, "/v1/history/get_transaction", body, &result)
		if err == nil {
			return &result, nil
		}
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) && rpcErr.Code == http.StatusNotFound {
			continue
		}
		return nil, err
	}
	return nil, ErrTransactionNotFound
}

// CanTransact reports whether the resource cool-down currently allows
// transaction submission.
func (c *Client) CanTransact() bool {
	c.resourceMu.Lock()
	defer c.resourceMu.Unlock()
	return !c.now().Before(c.nextTransactAfter)
}

// SignTransaction builds and signs a transaction without broadcasting it.
func (c *Client) SignTransaction(ctx context.Context, actions []Action, opts TransactOptions) (*SignedTransaction, error) {
	if c.account == "" {
		return nil, ErrNotLoggedIn
	}
	if c.signer == nil {
		return nil, fmt.Errorf("chain: no signer configured")
	}
	if opts.BlocksBehind > 0 && opts.UseLastIrreversible {
		return nil, fmt.Errorf("chain: use either BlocksBehind or UseLastIrreversible")
	}

	fuel := c.fuel
	if fuel != nil {
		noop := Action{
			Account: "greymassnoop",
			Name:    "noop",
			Authorization: []Authorization{{
				Actor:      fuel.Account,
				Permission: fuel.Permission,
			}},
			Data: struct{}{},
		}
		actions = append([]Action{noop}, actions...)
	}

	info, err := c.GetInfo(ctx)
	if err != nil {
		return nil, err
	}

	refBlockNum := info.HeadBlockNum
	var prefix uint32
	switch {
	case opts.UseLastIrreversible:
		refBlockNum = info.LastIrreversibleBlockNum
		prefix, err = refBlockPrefix(info.LastIrreversibleBlockID)
	case opts.BlocksBehind > 0 && uint32(opts.BlocksBehind) < refBlockNum:
		// The prefix must come from the id of the block the transaction
		// references, so anchoring behind head costs one get_block call.
		refBlockNum -= uint32(opts.BlocksBehind)
		var block BlockInfo
		block, err = c.GetBlock(ctx, refBlockNum)
		prefix = block.RefBlockPrefix
	default:
		prefix, err = refBlockPrefix(info.HeadBlockID)
	}
	if err != nil {
		return nil, err
	}

	expireSeconds := opts.ExpireSeconds
	if expireSeconds <= 0 {
		expireSeconds = 30
	}

	tx := Transaction{
		Expiration:     info.HeadBlockTime.Add(time.Duration(expireSeconds) * time.Second).UTC().Format(chainTimeLayout),
		RefBlockNum:    refBlockNum & 0xffff,
		RefBlockPrefix: prefix,
		Actions:        actions,
	}

	if opts.NoSign {
		return &SignedTransaction{Transaction: tx}, nil
	}

	ownKeys, err := c.signer.GetAvailableKeys(ctx)
	if err != nil {
		return nil, err
	}
	var fuelKeys []string
	if fuel != nil && fuel.Signer != nil {
		fuelKeys, err = fuel.Signer.GetAvailableKeys(ctx)
		if err != nil {
			return nil, err
		}
	}

	required, err := c.getRequiredKeys(ctx, tx, append(append([]string{}, ownKeys...), fuelKeys...))
	if err != nil {
		return nil, err
	}
	ownRequired, fuelRequired := splitKeys(required, ownKeys, fuelKeys)

	signReq := SignRequest{ChainID: info.ChainID, RequiredKeys: ownRequired, Transaction: tx}
	signatures, err := c.signer.Sign(ctx, signReq)
	if err != nil {
		return nil, err
	}
	if fuel != nil && fuel.Signer != nil && len(fuelRequired) > 0 {
		fuelSignatures, err := fuel.Signer.Sign(ctx, SignRequest{
			ChainID:      info.ChainID,
			RequiredKeys: fuelRequired,
			Transaction:  tx,
		})
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, fuelSignatures...)
	}

	return &SignedTransaction{Signatures: signatures, Transaction: tx}, nil
}

// Transact builds, signs and broadcasts a transaction in one call, honoring
// the resource cool-down gate unless the options disable it.
func (c *Client) Transact(ctx context.Context, actions []Action, opts TransactOptions) (*TransactResult, error) {
	if !opts.IgnoreResourceCooldown && !c.CanTransact() {
		return nil, ErrNoResources
	}

	signed, err := c.SignTransaction(ctx, actions, opts)
	if err != nil {
		return nil, err
	}
	if opts.NoBroadcast || opts.NoSign {
		return nil, fmt.Errorf("chain: transaction not broadcast; use SignTransaction for deferred submission")
	}
	return c.PushTransaction(ctx, signed)
}

// PushTransaction broadcasts a signed transaction. CPU/NET rejections feed
// the escalating cool-down; any successful push resets it.
func (c *Client) PushTransaction(ctx context.Context, signed *SignedTransaction) (*TransactResult, error) {
	var result TransactResult
	err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/push_transaction", signed, &result)
	if err != nil {
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) && rpcErr.IsResourceExhausted() {
			c.recordResourceFailure()
		}
		if c.metrics != nil {
			c.metrics.TransactionPushed(false)
		}
		return nil, err
	}

	c.resourceMu.Lock()
	c.failedTransacts = 0
	c.nextTransactAfter = time.Time{}
	c.resourceMu.Unlock()

	if c.metrics != nil {
		c.metrics.TransactionPushed(true)
	}
	return &result, nil
}

func (c *Client) recordResourceFailure() {
	c.resourceMu.Lock()
	defer c.resourceMu.Unlock()

	now := c.now()
	// Only count a new failure once the previous cool-down has elapsed, so
	// bursts inside one window don't stack.
	if now.Before(c.nextTransactAfter) {
		return
	}

	c.failedTransacts++
	overrun := c.failedTransacts - resourceFreeFailures
	if overrun <= 0 {
		return
	}

	cooldown := time.Duration(overrun) * resourceCooldownStep
	if cooldown > resourceCooldownMax {
		cooldown = resourceCooldownMax
	}
	c.nextTransactAfter = now.Add(cooldown)
	c.logger.Warn("resource cool-down engaged",
		"failures", c.failedTransacts,
		"until", c.nextTransactAfter)
}

func (c *Client) getRequiredKeys(ctx context.Context, tx Transaction, available []string) ([]string, error) {
	body := map[string]any{
		"transaction":    tx,
		"available_keys": available,
	}
	var resp struct {
		RequiredKeys []string `json:"required_keys"`
	}
	if err := c.do(ctx, c.rpc, CategoryRPC, "/v1/chain/get_required_keys", body, &resp); err != nil {
		return nil, err
	}
	return resp.RequiredKeys, nil
}

func splitKeys(required, own, fuel []string) (ownRequired, fuelRequired []string) {
	ownSet := make(map[string]bool, len(own))
	for _, key := range own {
		ownSet[key] = true
	}
	fuelSet := make(map[string]bool, len(fuel))
	for _, key := range fuel {
		fuelSet[key] = true
	}
	for _, key := range required {
		switch {
		case ownSet[key]:
			ownRequired = append(ownRequired, key)
		case fuelSet[key]:
			fuelRequired = append(fuelRequired, key)
		}
	}
	return ownRequired, fuelRequired
}

// refBlockPrefix extracts the TAPOS prefix from a hex block id: the
// little-endian uint32 at byte offset 8.
func refBlockPrefix(blockID string) (uint32, error) {
	raw, err := hex.DecodeString(blockID)
	if err != nil || len(raw) < 12 {
		return 0, fmt.Errorf("chain: invalid block id %q", blockID)
	}
	return binary.LittleEndian.Uint32(raw[8:12]), nil
}

func asRPCError(err error, target **RPCError) bool {
	return errors.As(err, target)
}
