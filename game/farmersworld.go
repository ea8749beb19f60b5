// Package game is the Farmers World facade: registration, account stats,
// tool listings and the repair/recover/claim/deposit/withdraw actions, all
// composed over the chain gateway.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"farmhand/chain"
	"farmhand/internal/coalesce"
)

const (
	// GameContract hosts the game's tables and actions.
	GameContract = "farmersworld"
	// TokenContract issues the tradable FW* tokens.
	TokenContract = "farmerstoken"
)

// ErrRegistrationRequired reports that the acting account has no game
// account row yet.
var ErrRegistrationRequired = errors.New("game: account is not registered")

// ErrPermissionDenied reports an authorization rejection from the chain.
// It is fatal to automated workers, which must stop instead of retrying.
var ErrPermissionDenied = errors.New("game: permission denied")

// ErrFeeTooHigh reports that the current withdrawal fee exceeds the caller's
// ceiling and no deferred probe was requested.
var ErrFeeTooHigh = errors.New("game: withdrawal fee above ceiling")

// templateCacheTTL bounds how long tool template metadata is reused before
// re-reading the chain.
const templateCacheTTL = time.Hour

// costPerPointUnits is 0.2 of an in-game currency at precision 4: repairing
// one durability point costs 0.2 GOLD, restoring one energy point costs
// 0.2 FOOD.
const costPerPointUnits = 2000

// gameSymbolPrecision is the precision of the in-game currency strings.
const gameSymbolPrecision = 4

// ChainClient is the gateway capability the facade composes over.
type ChainClient interface {
	Account() string
	GetTableRows(ctx context.Context, req chain.TableRowsRequest) (chain.TableRowsResponse, error)
	GetAccount(ctx context.Context, account string, freshness time.Duration) (chain.AccountResult, error)
	Transact(ctx context.Context, actions []chain.Action, opts chain.TransactOptions) (*chain.TransactResult, error)
}

// KeyLister exposes the signing keys currently available to the session.
type KeyLister interface {
	GetAvailableKeys(ctx context.Context) ([]string, error)
}

// Energy is the account's current and maximum energy.
type Energy struct {
	Current int64
	Max     int64
}

// Balances holds the in-game currency amounts.
type Balances struct {
	Wood chain.Asset
	Gold chain.Asset
	Food chain.Asset
}

// Stats is one account's in-game balances and energy.
type Stats struct {
	Balance Balances
	Energy  Energy
}

// ToolTemplate is the static per-tool-type configuration.
type ToolTemplate struct {
	TemplateID         uint64 `json:"template_id"`
	Type               string `json:"type"`
	DurabilityConsumed int64  `json:"durability_consumed"`
	EnergyConsumed     int64  `json:"energy_consumed"`
	ChargedTime        int64  `json:"charged_time"`
}

// Tool is one owned tool joined with its template.
type Tool struct {
	AssetID           uint64 `json:"asset_id"`
	Owner             string `json:"owner"`
	TemplateID        uint64 `json:"template_id"`
	Durability        int64  `json:"durability"`
	CurrentDurability int64  `json:"current_durability"`
	NextAvailability  int64  `json:"next_availability"`

	Template ToolTemplate `json:"-"`
}

// NextAvailableAt is the tool's cooldown expiry as wall-clock time.
func (t Tool) NextAvailableAt() time.Time {
	return time.Unix(t.NextAvailability, 0).UTC()
}

// CanSustainUse reports whether one more use fits in the remaining
// durability.
func (t Tool) CanSustainUse() bool {
	return t.CurrentDurability-t.Template.DurabilityConsumed >= 0
}

// Config is the game's global configuration row.
type Config struct {
	Fee            float64 `json:"fee"`
	MinFee         float64 `json:"min_fee"`
	MaxFee         float64 `json:"max_fee"`
	InitEnergy     int64   `json:"init_energy"`
	InitMaxEnergy  int64   `json:"init_max_energy"`
	LastFeeUpdated int64   `json:"last_fee_updated"`
	RewardNoiseMin float64 `json:"reward_noise_min"`
	RewardNoiseMax float64 `json:"reward_noise_max"`
}

// FarmersWorld is the game account facade. One instance serves one acting
// account; stats are tracked optimistically between chain refreshes.
type FarmersWorld struct {
	client ChainClient
	keys   KeyLister
	logger *slog.Logger
	now    func() time.Time

	templates *coalesce.Cache[map[uint64]ToolTemplate]

	mu    sync.Mutex
	stats *Stats

	probeInterval time.Duration
}

// Options configures a FarmersWorld facade.
type Options struct {
	Client ChainClient
	Keys   KeyLister
	Logger *slog.Logger
	Now    func() time.Time
	// ProbeInterval overrides the withdrawal fee re-check period. Zero
	// keeps the 10 minute default; tests inject a short interval.
	ProbeInterval time.Duration
}

// New constructs the facade.
func New(opts Options) *FarmersWorld {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	probe := opts.ProbeInterval
	if probe == 0 {
		probe = 10 * time.Minute
	}
	return &FarmersWorld{
		client:        opts.Client,
		keys:          opts.Keys,
		logger:        logger,
		now:           now,
		templates:     coalesce.New[map[uint64]ToolTemplate](now),
		probeInterval: probe,
	}
}

// Account returns the acting account name.
func (fw *FarmersWorld) Account() string {
	return fw.client.Account()
}

// IsRegistered reports whether the acting account has a game account row.
func (fw *FarmersWorld) IsRegistered(ctx context.Context) (bool, error) {
	account := fw.client.Account()
	resp, err := fw.client.GetTableRows(ctx, chain.TableRowsRequest{
		Code:          GameContract,
		Scope:         GameContract,
		Table:         "accounts",
		IndexPosition: 1,
		KeyType:       "i64",
		LowerBound:    account,
		UpperBound:    account,
		Limit:         1,
	})
	if err != nil {
		return false, err
	}
	return len(resp.Rows) > 0, nil
}

type newUserData struct {
	Owner           string `json:"owner"`
	ReferralPartner string `json:"referral_partner"`
}

// Register creates the game account, optionally crediting a referral
// partner.
func (fw *FarmersWorld) Register(ctx context.Context, referral string) error {
	account := fw.client.Account()
	_, err := fw.transact(ctx, chain.Action{
		Account:       GameContract,
		Name:          "newuser",
		Authorization: fw.activeAuth(),
		Data:          newUserData{Owner: account, ReferralPartner: referral},
	})
	return err
}

type accountRow struct {
	Account   string   `json:"account"`
	Balances  []string `json:"balances"`
	Energy    int64    `json:"energy"`
	MaxEnergy int64    `json:"max_energy"`
}

// GetStats reads an account's in-game balances and energy. Balance strings
// with unrecognized symbols are logged and ignored. Passing the empty string
// reads the acting account and updates the optimistic local copy.
func (fw *FarmersWorld) GetStats(ctx context.Context, account string) (Stats, error) {
	own := account == "" || account == fw.client.Account()
	if account == "" {
		account = fw.client.Account()
	}

	resp, err := fw.client.GetTableRows(ctx, chain.TableRowsRequest{
		Code:       GameContract,
		Scope:      GameContract,
		Table:      "accounts",
		LowerBound: account,
		UpperBound: account,
		Limit:      1,
	})
	if err != nil {
		return Stats{}, err
	}

	var rows []accountRow
	if err := resp.DecodeRows(&rows); err != nil {
		return Stats{}, fmt.Errorf("game: decode account row: %w", err)
	}
	if len(rows) == 0 {
		return Stats{}, ErrRegistrationRequired
	}

	stats := Stats{
		Balance: zeroBalances(),
		Energy:  Energy{Current: rows[0].Energy, Max: rows[0].MaxEnergy},
	}
	for _, raw := range rows[0].Balances {
		asset, perr := chain.ParseAsset(raw)
		if perr != nil {
			fw.logger.Warn("malformed game balance", "raw", raw, "error", perr)
			continue
		}
		asset = asset.Rescale(gameSymbolPrecision)
		switch asset.Symbol.Code {
		case "WOOD":
			stats.Balance.Wood = asset
		case "GOLD":
			stats.Balance.Gold = asset
		case "FOOD":
			stats.Balance.Food = asset
		default:
			fw.logger.Info("ignoring unrecognized game balance token", "symbol", asset.Symbol.Code)
		}
	}

	if own {
		fw.mu.Lock()
		copied := stats
		fw.stats = &copied
		fw.mu.Unlock()
	}
	return stats, nil
}

// Stats returns the optimistic local copy of the acting account's stats, if
// one has been loaded.
func (fw *FarmersWorld) Stats() (Stats, bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stats == nil {
		return Stats{}, false
	}
	return *fw.stats, true
}

// GetTools lists an account's tools joined with cached template metadata.
// Tools whose template is unknown are logged and skipped. Passing the empty
// string reads the acting account.
func (fw *FarmersWorld) GetTools(ctx context.Context, account string) ([]Tool, error) {
	if account == "" {
		account = fw.client.Account()
	}

	resp, err := fw.client.GetTableRows(ctx, chain.TableRowsRequest{
		Code:          GameContract,
		Scope:         GameContract,
		Table:         "tools",
		IndexPosition: 2,
		KeyType:       "i64",
		LowerBound:    account,
		UpperBound:    account,
		Limit:         100,
	})
	if err != nil {
		return nil, err
	}

	var rows []Tool
	if err := resp.DecodeRows(&rows); err != nil {
		return nil, fmt.Errorf("game: decode tools: %w", err)
	}

	templates, err := fw.toolTemplates(ctx)
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(rows))
	for _, tool := range rows {
		template, ok := templates[tool.TemplateID]
		if !ok {
			fw.logger.Warn("unknown tool template", "template_id", tool.TemplateID, "asset_id", tool.AssetID)
			continue
		}
		tool.Template = template
		tools = append(tools, tool)
	}
	return tools, nil
}

func (fw *FarmersWorld) toolTemplates(ctx context.Context) (map[uint64]ToolTemplate, error) {
	return fw.templates.Get(ctx, templateCacheTTL, func(ctx context.Context) (map[uint64]ToolTemplate, error) {
		resp, err := fw.client.GetTableRows(ctx, chain.TableRowsRequest{
			Code:  GameContract,
			Scope: GameContract,
			Table: "toolconfs",
			Limit: 100,
		})
		if err != nil {
			return nil, err
		}
		var rows []ToolTemplate
		if err := resp.DecodeRows(&rows); err != nil {
			return nil, fmt.Errorf("game: decode tool templates: %w", err)
		}
		templates := make(map[uint64]ToolTemplate, len(rows))
		for _, row := range rows {
			templates[row.TemplateID] = row
		}
		return templates, nil
	})
}

type repairData struct {
	AssetID    uint64 `json:"asset_id"`
	AssetOwner string `json:"asset_owner"`
}

// Repair restores a tool to full durability, charging 0.2 GOLD per missing
// point. The local gold balance is adjusted optimistically.
func (fw *FarmersWorld) Repair(ctx context.Context, tool Tool) error {
	_, err := fw.transact(ctx, chain.Action{
		Account:       GameContract,
		Name:          "repair",
		Authorization: fw.activeAuth(),
		Data:          repairData{AssetID: tool.AssetID, AssetOwner: fw.client.Account()},
	})
	if err != nil {
		return err
	}

	cost := (tool.Durability - tool.CurrentDurability) * costPerPointUnits
	fw.adjustBalance(func(b *Balances) {
		b.Gold = subtractUnits(b.Gold, cost)
	})
	return nil
}

type recoverData struct {
	EnergyRecovered int64  `json:"energy_recovered"`
	Owner           string `json:"owner"`
}

// RecoverEnergy restores the given number of energy points, charging
// 0.2 FOOD per point. The local food balance is adjusted optimistically.
func (fw *FarmersWorld) RecoverEnergy(ctx context.Context, points int64) error {
	_, err := fw.transact(ctx, chain.Action{
		Account:       GameContract,
		Name:          "recover",
		Authorization: fw.activeAuth(),
		Data:          recoverData{EnergyRecovered: points, Owner: fw.client.Account()},
	})
	if err != nil {
		return err
	}

	fw.adjustBalance(func(b *Balances) {
		b.Food = subtractUnits(b.Food, points*costPerPointUnits)
	})
	fw.mu.Lock()
	if fw.stats != nil {
		fw.stats.Energy.Current += points
		if fw.stats.Energy.Current > fw.stats.Energy.Max {
			fw.stats.Energy.Current = fw.stats.Energy.Max
		}
	}
	fw.mu.Unlock()
	return nil
}

type claimData struct {
	Owner   string `json:"owner"`
	AssetID uint64 `json:"asset_id"`
}

// Claim collects a tool's accumulated reward and returns the execution
// result; callers mine the inline traces for the reward description.
func (fw *FarmersWorld) Claim(ctx context.Context, assetID uint64) (*chain.TransactResult, error) {
	return fw.transact(ctx, chain.Action{
		Account:       GameContract,
		Name:          "claim",
		Authorization: fw.activeAuth(),
		Data:          claimData{Owner: fw.client.Account(), AssetID: assetID},
	})
}

type transfersData struct {
	From       string   `json:"from"`
	To         string   `json:"to"`
	Quantities []string `json:"quantities"`
	Memo       string   `json:"memo"`
}

// DepositTokens moves tradable FW* tokens into the in-game balance. Deposits
// carry no fee.
func (fw *FarmersWorld) DepositTokens(ctx context.Context, quantities []chain.Asset) error {
	formatted := make([]string, len(quantities))
	for i, qty := range quantities {
		formatted[i] = qty.String()
	}
	_, err := fw.transact(ctx, chain.Action{
		Account:       TokenContract,
		Name:          "transfers",
		Authorization: fw.activeAuth(),
		Data: transfersData{
			From:       fw.client.Account(),
			To:         GameContract,
			Quantities: formatted,
			Memo:       "deposit",
		},
	})
	return err
}

// CurrentConfig reads the game's global configuration row (withdrawal fee,
// energy defaults, reward noise bounds).
func (fw *FarmersWorld) CurrentConfig(ctx context.Context) (Config, error) {
	resp, err := fw.client.GetTableRows(ctx, chain.TableRowsRequest{
		Code:  GameContract,
		Scope: GameContract,
		Table: "config",
		Limit: 1,
	})
	if err != nil {
		return Config{}, err
	}
	var rows []Config
	if err := resp.DecodeRows(&rows); err != nil {
		return Config{}, fmt.Errorf("game: decode config: %w", err)
	}
	if len(rows) == 0 {
		return Config{}, fmt.Errorf("game: config table is empty")
	}
	return rows[0], nil
}

// HasPermissions reports whether the signing session holds a key satisfying
// the acting account's active permission.
func (fw *FarmersWorld) HasPermissions(ctx context.Context) (bool, error) {
	if fw.keys == nil {
		return false, fmt.Errorf("game: no key lister configured")
	}
	available, err := fw.keys.GetAvailableKeys(ctx)
	if err != nil {
		return false, err
	}
	account, err := fw.client.GetAccount(ctx, fw.client.Account(), -1)
	if err != nil {
		return false, err
	}

	held := make(map[string]bool, len(available))
	for _, key := range available {
		held[key] = true
	}
	for _, perm := range account.Permissions {
		if perm.PermName != "active" {
			continue
		}
		for _, key := range perm.RequiredAuth.Keys {
			if held[key.Key] {
				return true, nil
			}
		}
	}
	return false, nil
}

// transact submits one action with the facade's standard policy and maps
// authorization rejections to ErrPermissionDenied.
func (fw *FarmersWorld) transact(ctx context.Context, action chain.Action) (*chain.TransactResult, error) {
	result, err := fw.client.Transact(ctx, []chain.Action{action}, chain.TransactOptions{
		BlocksBehind:  3,
		ExpireSeconds: 30,
	})
	if err != nil {
		if chain.IsPermissionDenied(err) {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrPermissionDenied, action.Account, action.Name, err)
		}
		return nil, err
	}
	return result, nil
}

func (fw *FarmersWorld) activeAuth() []chain.Authorization {
	return []chain.Authorization{{Actor: fw.client.Account(), Permission: "active"}}
}

func (fw *FarmersWorld) adjustBalance(mutate func(*Balances)) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stats != nil {
		mutate(&fw.stats.Balance)
	}
}

func zeroBalances() Balances {
	return Balances{
		Wood: zeroGameAsset("WOOD"),
		Gold: zeroGameAsset("GOLD"),
		Food: zeroGameAsset("FOOD"),
	}
}

func zeroGameAsset(code string) chain.Asset {
	return chain.NewAsset(big.NewInt(0), chain.MustSymbol(code, gameSymbolPrecision))
}

func subtractUnits(a chain.Asset, units int64) chain.Asset {
	if a.Symbol.Code == "" {
		return a
	}
	return chain.NewAsset(new(big.Int).Sub(a.Amount(), big.NewInt(units)), a.Symbol)
}
