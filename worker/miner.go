// Package worker runs the per-account maintenance and claim scheduler: it
// keeps tool durability and energy above configured thresholds, acquires the
// tokens that costs, and claims every tool as its cooldown expires.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"farmhand/chain"
	"farmhand/game"
	"farmhand/ledger"
	"farmhand/swap"
)

// Game is the facade capability the miner drives.
type Game interface {
	Account() string
	HasPermissions(ctx context.Context) (bool, error)
	IsRegistered(ctx context.Context) (bool, error)
	Register(ctx context.Context, referral string) error
	GetStats(ctx context.Context, account string) (game.Stats, error)
	GetTools(ctx context.Context, account string) ([]game.Tool, error)
	Repair(ctx context.Context, tool game.Tool) error
	RecoverEnergy(ctx context.Context, points int64) error
	Claim(ctx context.Context, assetID uint64) (*chain.TransactResult, error)
	DepositTokens(ctx context.Context, quantities []chain.Asset) error
	WithdrawTokens(ctx context.Context, quantities []chain.Asset, opts game.WithdrawOptions) (*game.WithdrawResult, error)
}

// Ledger is the balance capability the miner acquires tokens through.
type Ledger interface {
	Reserve(ctx context.Context, spec ledger.ReserveSpec) (*ledger.Handle, error)
	GetBalance(ctx context.Context, code string, q ledger.BalanceQuery) (ledger.Balance, error)
	Invalidate()
}

// Trader prices and executes swaps for the wood-to-WAX conversion.
type Trader interface {
	GetQuote(ctx context.Context, input, output swap.Spec, freshness time.Duration) (swap.Quote, error)
	Swap(ctx context.Context, quote swap.Quote) (chain.Asset, error)
}

// Metrics records scheduler outcomes.
type Metrics interface {
	MaintenancePass()
	ClaimSucceeded()
	ClaimFailed()
	SwapExecuted()
}

type nopMetrics struct{}

func (nopMetrics) MaintenancePass() {}
func (nopMetrics) ClaimSucceeded()  {}
func (nopMetrics) ClaimFailed()     {}
func (nopMetrics) SwapExecuted()    {}

// Thresholds are the maintenance trigger levels.
type Thresholds struct {
	// RepairHard triggers a maintenance pass when any tool's durability
	// falls below it; RepairSoft marks tools repaired opportunistically
	// once a pass runs anyway.
	RepairHard int64
	RepairSoft int64
	// EnergyHard triggers a refill; EnergySoft refills opportunistically.
	EnergyHard int64
	EnergySoft int64
	// ShortfallPadPercent oversizes token purchases to absorb reward
	// noise and price movement.
	ShortfallPadPercent int64
	// WoodWithdrawLimit, when positive, withdraws the in-game wood
	// balance once it exceeds this amount.
	WoodWithdrawLimit chain.Asset
	// WoodToWaxLimit, when positive, swaps withdrawn wood tokens to WAX
	// once the free balance exceeds this amount.
	WoodToWaxLimit chain.Asset
	// MaxWithdrawFee is the acceptable withdrawal fee ceiling in percent.
	MaxWithdrawFee float64
}

// DefaultThresholds mirrors the game's practical maintenance bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RepairHard:          51,
		RepairSoft:          70,
		EnergyHard:          350,
		EnergySoft:          450,
		ShortfallPadPercent: 15,
		MaxWithdrawFee:      5,
	}
}

const (
	// retryDelay is the baseline backoff after a failed maintenance pass.
	retryDelay = time.Minute
	// claimFailureDelay backs further off after an on-chain claim failed,
	// so the scheduler does not hot-loop against a failing chain.
	claimFailureDelay = 10 * time.Minute
	// idleRecheckDelay spaces maintenance passes when nothing is needed.
	idleRecheckDelay = time.Hour
	// postMaintenanceDelay schedules a near-term recheck after repairs.
	postMaintenanceDelay = time.Minute
	// siblingDueWindow: when no other claim fires within this window after
	// a claim completes, tool availability is re-scanned.
	siblingDueWindow = 25 * time.Second

	jitterMin = 2 * time.Second
	jitterMax = 30 * time.Second

	actionPacing = 3 * time.Second
)

// tradableForGame maps in-game currencies to their tradable token codes.
var tradableForGame = map[string]string{
	"GOLD": "FWG",
	"FOOD": "FWF",
	"WOOD": "FWW",
}

type claimEntry struct {
	timer Timer
	dueAt time.Time
}

// Options configures a Miner.
type Options struct {
	Game       Game
	Ledger     Ledger
	Trader     Trader
	Clock      Clock
	Logger     *slog.Logger
	Metrics    Metrics
	Thresholds Thresholds
	// Referral credits a partner account when the miner has to register
	// the game account first.
	Referral string
	// Jitter overrides the claim-timer jitter source for tests.
	Jitter func() time.Duration
	// Pacing spaces sequential on-chain writes. Negative disables the
	// limiter; zero keeps the default.
	Pacing time.Duration
}

// Miner is the maintenance and claim scheduler for one account. Start and
// Stop are idempotent; Stop cancels every pending timer and probe.
type Miner struct {
	game       Game
	ledger     Ledger
	trader     Trader
	clock      Clock
	logger     *slog.Logger
	metrics    Metrics
	thresholds Thresholds
	referral   string
	jitter     func() time.Duration
	pace       *rate.Limiter

	mu               sync.Mutex
	running          bool
	stopped          bool
	ctx              context.Context
	cancel           context.CancelFunc
	maintenanceTimer Timer
	claimTimers      map[uint64]claimEntry
	withdrawCancel   func()
	withdrawDone     <-chan struct{}
}

// NewMiner constructs a stopped miner.
func NewMiner(opts Options) *Miner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	thresholds := opts.Thresholds
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = func() time.Duration {
			return jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
		}
	}
	pacing := opts.Pacing
	if pacing == 0 {
		pacing = actionPacing
	}
	limit := rate.Every(pacing)
	if pacing < 0 {
		limit = rate.Inf
	}
	return &Miner{
		game:        opts.Game,
		ledger:      opts.Ledger,
		trader:      opts.Trader,
		clock:       clock,
		logger:      logger.With("account", opts.Game.Account()),
		metrics:     metrics,
		thresholds:  thresholds,
		referral:    opts.Referral,
		jitter:      jitter,
		pace:        rate.NewLimiter(limit, 1),
		claimTimers: make(map[uint64]claimEntry),
	}
}

// Start begins the maintenance loop. Calling Start on a running miner is a
// no-op.
func (m *Miner) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopped = false
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.logger.Info("miner starting")
	m.scheduleMaintenance(0)
}

// Stop cancels every pending maintenance timer, claim timer and withdrawal
// probe. Safe to call repeatedly and from within timer callbacks.
func (m *Miner) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.maintenanceTimer != nil {
		m.maintenanceTimer.Stop()
		m.maintenanceTimer = nil
	}
	withdrawCancel := m.withdrawCancel
	m.withdrawCancel = nil
	m.withdrawDone = nil
	for id, entry := range m.claimTimers {
		entry.timer.Stop()
		delete(m.claimTimers, id)
	}
	m.mu.Unlock()

	if withdrawCancel != nil {
		withdrawCancel()
	}
	m.logger.Info("miner stopped")
}

// Running reports whether the miner is active.
func (m *Miner) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Miner) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Miner) scheduleMaintenance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.maintenanceTimer != nil {
		m.maintenanceTimer.Stop()
	}
	m.maintenanceTimer = m.clock.AfterFunc(d, m.runMaintenance)
}

func (m *Miner) runMaintenance() {
	m.mu.Lock()
	stopped, ctx := m.stopped, m.ctx
	m.mu.Unlock()
	if stopped {
		return
	}

	next, err := m.maintenancePass(ctx)
	switch {
	case err == nil:
		m.scheduleMaintenance(next)
	case errors.Is(err, game.ErrPermissionDenied):
		m.logger.Error("permission denied, aborting miner", "error", err)
		m.Stop()
	default:
		m.logger.Warn("maintenance pass failed, retrying", "error", err, "retry_in", retryDelay.String())
		m.reset()
		m.scheduleMaintenance(retryDelay)
	}
}

// maintenancePass runs one full check: registration, thresholds, token
// acquisition, repairs and refills, claim scheduling and the wood
// withdrawal check. Returns the delay until the next pass.
func (m *Miner) maintenancePass(ctx context.Context) (time.Duration, error) {
	m.metrics.MaintenancePass()

	ok, err := m.game.HasPermissions(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: session keys do not satisfy the active permission", game.ErrPermissionDenied)
	}

	if err := m.ensureRegistered(ctx); err != nil {
		return 0, err
	}

	stats, err := m.game.GetStats(ctx, "")
	if err != nil {
		return 0, err
	}
	tools, err := m.game.GetTools(ctx, "")
	if err != nil {
		return 0, err
	}

	plan := BuildPlan(stats, tools, m.thresholds)
	if plan.Empty() {
		m.scheduleClaims(tools)
		m.checkWoodWithdrawal(ctx, stats)
		return idleRecheckDelay, nil
	}

	m.logger.Info("maintenance needed",
		"repairs", len(plan.Repairs),
		"refill_points", plan.RefillPoints,
		"gold_shortfall", plan.GoldShortfall.String(),
		"food_shortfall", plan.FoodShortfall.String())

	if err := m.acquireTokens(ctx, plan); err != nil {
		return 0, err
	}

	for _, tool := range plan.Repairs {
		if m.isStopped() {
			return 0, nil
		}
		if err := m.pace.Wait(ctx); err != nil {
			return 0, err
		}
		if err := m.game.Repair(ctx, tool); err != nil {
			return 0, fmt.Errorf("repair tool %d: %w", tool.AssetID, err)
		}
		m.logger.Info("tool repaired", "asset_id", tool.AssetID)
	}

	if plan.RefillPoints > 0 {
		if err := m.pace.Wait(ctx); err != nil {
			return 0, err
		}
		if err := m.game.RecoverEnergy(ctx, plan.RefillPoints); err != nil {
			return 0, fmt.Errorf("recover energy: %w", err)
		}
		m.logger.Info("energy recovered", "points", plan.RefillPoints)
	}

	m.scheduleClaims(tools)
	return postMaintenanceDelay, nil
}

func (m *Miner) ensureRegistered(ctx context.Context) error {
	registered, err := m.game.IsRegistered(ctx)
	if err != nil {
		return err
	}
	if registered {
		return nil
	}
	m.logger.Info("registering game account", "referral", m.referral)
	return m.game.Register(ctx, m.referral)
}

// acquireTokens reserves the shortfall in tradable tokens (swapping other
// holdings when necessary) and deposits them into the game balance.
func (m *Miner) acquireTokens(ctx context.Context, plan Plan) error {
	var deposits []chain.Asset
	var handles []*ledger.Handle
	defer func() {
		for _, handle := range handles {
			handle.Release()
		}
	}()

	for _, shortfall := range []chain.Asset{plan.GoldShortfall, plan.FoodShortfall} {
		if shortfall.Sign() <= 0 {
			continue
		}
		code := tradableForGame[shortfall.Symbol.Code]
		if code == "" {
			return fmt.Errorf("worker: no tradable token for %s", shortfall.Symbol.Code)
		}
		needed := chain.NewAsset(shortfall.Amount(), chain.MustSymbol(code, shortfall.Symbol.Precision))

		handle, err := m.ledger.Reserve(ctx, ledger.ReserveSpec{
			Key:      "maintenance:" + code,
			Schedule: true,
			Swap:     true,
			Quantity: ledger.Amount(needed),
		})
		if err != nil {
			return fmt.Errorf("reserve %s: %w", needed, err)
		}
		handles = append(handles, handle)
		deposits = append(deposits, handle.Quantity)
	}

	if len(deposits) == 0 {
		return nil
	}
	if err := m.pace.Wait(ctx); err != nil {
		return err
	}
	if err := m.game.DepositTokens(ctx, deposits); err != nil {
		return fmt.Errorf("deposit tokens: %w", err)
	}
	m.ledger.Invalidate()
	return nil
}

// scheduleClaims adds a claim timer for every tool that does not already
// have one. Tools whose durability cannot sustain another use are skipped.
func (m *Miner) scheduleClaims(tools []game.Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	now := m.clock.Now()
	for _, tool := range tools {
		if _, ok := m.claimTimers[tool.AssetID]; ok {
			continue
		}
		if !tool.CanSustainUse() {
			m.logger.Warn("skipping claim for worn tool",
				"asset_id", tool.AssetID,
				"current_durability", tool.CurrentDurability,
				"consumed_per_use", tool.Template.DurabilityConsumed)
			continue
		}

		delay := tool.NextAvailableAt().Sub(now)
		if delay < 0 {
			delay = 0
		}
		delay += m.jitter()

		assetID := tool.AssetID
		m.claimTimers[assetID] = claimEntry{
			timer: m.clock.AfterFunc(delay, func() { m.runClaim(assetID) }),
			dueAt: now.Add(delay),
		}
		m.logger.Info("claim scheduled", "asset_id", assetID, "due_in", delay.String())
	}
}

func (m *Miner) runClaim(assetID uint64) {
	m.mu.Lock()
	stopped, ctx := m.stopped, m.ctx
	m.mu.Unlock()
	if stopped {
		return
	}

	result, err := m.game.Claim(ctx, assetID)
	if err != nil {
		m.metrics.ClaimFailed()
		if errors.Is(err, game.ErrPermissionDenied) {
			m.logger.Error("claim permission denied, aborting miner", "asset_id", assetID, "error", err)
			m.Stop()
			return
		}
		m.logger.Warn("claim failed, backing off",
			"asset_id", assetID, "error", err, "retry_in", claimFailureDelay.String())
		m.reset()
		m.scheduleMaintenance(claimFailureDelay)
		return
	}

	rewards := rewardsFromTraces(result.Processed.ActionTraces)
	if len(rewards) == 0 {
		// A claim with no reward trace means the local view of the tool
		// has drifted from the chain; rebuild everything.
		m.logger.Warn("claim produced no reward trace, restarting scheduler", "asset_id", assetID)
		m.reset()
		m.scheduleMaintenance(0)
		return
	}

	m.metrics.ClaimSucceeded()
	m.logger.Info("claimed", "asset_id", assetID, "rewards", rewards)

	m.mu.Lock()
	delete(m.claimTimers, assetID)
	var nextDue time.Time
	for _, entry := range m.claimTimers {
		if nextDue.IsZero() || entry.dueAt.Before(nextDue) {
			nextDue = entry.dueAt
		}
	}
	now := m.clock.Now()
	m.mu.Unlock()

	// Claiming shifts this tool's availability and can reorder siblings;
	// re-scan unless another claim is about to fire anyway.
	if nextDue.IsZero() || nextDue.Sub(now) > siblingDueWindow {
		tools, err := m.game.GetTools(ctx, "")
		if err != nil {
			m.logger.Warn("tool re-scan failed", "error", err)
			m.scheduleMaintenance(retryDelay)
			return
		}
		m.scheduleClaims(tools)
	}
}

// reset cancels all claim timers and the withdrawal probe while leaving the
// miner running, so the next maintenance pass rebuilds from scratch.
func (m *Miner) reset() {
	m.mu.Lock()
	for id, entry := range m.claimTimers {
		entry.timer.Stop()
		delete(m.claimTimers, id)
	}
	withdrawCancel := m.withdrawCancel
	m.withdrawCancel = nil
	m.withdrawDone = nil
	m.mu.Unlock()

	if withdrawCancel != nil {
		withdrawCancel()
	}
}

// checkWoodWithdrawal withdraws the in-game wood balance once it crosses
// the configured limit, then converts the freed tokens to WAX.
func (m *Miner) checkWoodWithdrawal(ctx context.Context, stats game.Stats) {
	limit := m.thresholds.WoodWithdrawLimit
	if limit.Sign() <= 0 {
		return
	}

	m.mu.Lock()
	probing := m.withdrawCancel != nil
	completed := false
	if probing && m.withdrawDone != nil {
		select {
		case <-m.withdrawDone:
			// The probe executed the withdrawal on its own.
			m.withdrawCancel = nil
			m.withdrawDone = nil
			probing = false
			completed = true
		default:
		}
	}
	m.mu.Unlock()
	if probing {
		return
	}
	if completed {
		m.ledger.Invalidate()
		m.convertWoodToWax(ctx)
	}

	cmp, err := stats.Balance.Wood.Cmp(limit.Rescale(stats.Balance.Wood.Symbol.Precision))
	if err != nil || cmp <= 0 {
		return
	}

	amount := chain.NewAsset(stats.Balance.Wood.Amount(), chain.MustSymbol("FWW", stats.Balance.Wood.Symbol.Precision))
	result, err := m.game.WithdrawTokens(ctx, []chain.Asset{amount}, game.WithdrawOptions{
		MaxFee: m.thresholds.MaxWithdrawFee,
		Wait:   true,
	})
	if err != nil {
		m.logger.Warn("wood withdrawal failed", "error", err)
		return
	}
	if result.Cancel != nil {
		m.mu.Lock()
		m.withdrawCancel = result.Cancel
		m.withdrawDone = result.Done
		m.mu.Unlock()
		return
	}

	m.ledger.Invalidate()
	m.convertWoodToWax(ctx)
}

// convertWoodToWax swaps the free wood-token balance to WAX once it crosses
// the configured limit.
func (m *Miner) convertWoodToWax(ctx context.Context) {
	limit := m.thresholds.WoodToWaxLimit
	if limit.Sign() <= 0 || m.trader == nil {
		return
	}

	bal, err := m.ledger.GetBalance(ctx, "FWW", ledger.BalanceQuery{Freshness: 0})
	if err != nil {
		m.logger.Warn("wood balance read failed", "error", err)
		return
	}
	cmp, err := bal.Quantity.Cmp(limit.Rescale(bal.Quantity.Symbol.Precision))
	if err != nil || cmp <= 0 {
		return
	}

	handle, err := m.ledger.Reserve(ctx, ledger.ReserveSpec{Quantity: ledger.Free("FWW")})
	if err != nil {
		m.logger.Warn("wood reservation failed", "error", err)
		return
	}
	defer handle.Release()

	quote, err := m.trader.GetQuote(ctx, swap.Exact(handle.Quantity), swap.Code("WAX"), -1)
	if err != nil {
		m.logger.Warn("wood quote failed", "error", err)
		return
	}
	received, err := m.trader.Swap(ctx, quote)
	if err != nil {
		m.logger.Warn("wood swap failed", "error", err)
		return
	}
	m.logger.Info("wood converted", "input", handle.Quantity.String(), "received", received.String())
	m.metrics.SwapExecuted()
	m.ledger.Invalidate()
}

// Plan is the outcome of one threshold check: which tools to repair, how
// much energy to restore, and the padded token shortfalls to acquire first.
type Plan struct {
	Repairs      []game.Tool
	RefillPoints int64
	// GoldNeeded/FoodNeeded are the raw in-game costs of the pass.
	GoldNeeded chain.Asset
	FoodNeeded chain.Asset
	// GoldShortfall/FoodShortfall are the padded amounts missing from the
	// in-game balance, to be swapped and deposited.
	GoldShortfall chain.Asset
	FoodShortfall chain.Asset
}

// Empty reports whether the pass has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Repairs) == 0 && p.RefillPoints == 0
}

// BuildPlan evaluates the maintenance thresholds against current stats and
// tools. Soft thresholds only take effect once a hard threshold forces a
// pass anyway.
func BuildPlan(stats game.Stats, tools []game.Tool, th Thresholds) Plan {
	var hard bool
	for _, tool := range tools {
		if tool.CurrentDurability < th.RepairHard {
			hard = true
		}
	}
	if stats.Energy.Current < th.EnergyHard {
		hard = true
	}

	plan := Plan{
		GoldNeeded: zeroAsset("GOLD"),
		FoodNeeded: zeroAsset("FOOD"),
	}
	if !hard {
		plan.GoldShortfall = zeroAsset("GOLD")
		plan.FoodShortfall = zeroAsset("FOOD")
		return plan
	}

	goldUnits := int64(0)
	for _, tool := range tools {
		if tool.CurrentDurability >= th.RepairSoft {
			continue
		}
		plan.Repairs = append(plan.Repairs, tool)
		goldUnits += (tool.Durability - tool.CurrentDurability) * costPerPointUnits
	}

	foodUnits := int64(0)
	if stats.Energy.Current < th.EnergySoft {
		plan.RefillPoints = stats.Energy.Max - stats.Energy.Current
		foodUnits = plan.RefillPoints * costPerPointUnits
	}

	plan.GoldNeeded = assetFromUnits(goldUnits, "GOLD")
	plan.FoodNeeded = assetFromUnits(foodUnits, "FOOD")
	plan.GoldShortfall = padShortfall(plan.GoldNeeded, stats.Balance.Gold, th.ShortfallPadPercent)
	plan.FoodShortfall = padShortfall(plan.FoodNeeded, stats.Balance.Food, th.ShortfallPadPercent)
	return plan
}

// costPerPointUnits is 0.2 in-game currency at precision 4, per durability
// or energy point.
const costPerPointUnits = 2000

const gamePrecision = 4

func zeroAsset(code string) chain.Asset {
	return chain.NewAsset(big.NewInt(0), chain.MustSymbol(code, gamePrecision))
}

func assetFromUnits(units int64, code string) chain.Asset {
	return chain.NewAsset(big.NewInt(units), chain.MustSymbol(code, gamePrecision))
}

// padShortfall is max(needed - balance, 0) scaled up by padPercent.
func padShortfall(needed, balance chain.Asset, padPercent int64) chain.Asset {
	missing := new(big.Int).Set(needed.Amount())
	if balance.Symbol.Code == needed.Symbol.Code {
		missing.Sub(missing, balance.Rescale(needed.Symbol.Precision).Amount())
	}
	if missing.Sign() <= 0 {
		return chain.NewAsset(big.NewInt(0), needed.Symbol)
	}
	missing.Mul(missing, big.NewInt(100+padPercent))
	missing.Quo(missing, big.NewInt(100))
	return chain.NewAsset(missing, needed.Symbol)
}

// rewardsFromTraces collects the reward strings logged by the game's claim
// and bonus trace actions.
func rewardsFromTraces(traces []chain.ActionTrace) []string {
	var rewards []string
	for _, trace := range traces {
		if trace.Act.Account == game.GameContract &&
			(trace.Act.Name == "logclaim" || trace.Act.Name == "logbonus") {
			var data struct {
				Rewards []string `json:"rewards"`
			}
			if err := json.Unmarshal(trace.Act.Data, &data); err == nil {
				rewards = append(rewards, data.Rewards...)
			}
		}
		rewards = append(rewards, rewardsFromTraces(trace.InlineTraces)...)
	}
	return rewards
}
