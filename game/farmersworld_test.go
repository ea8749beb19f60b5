package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmhand/chain"
)

type fakeChain struct {
	mu            sync.Mutex
	account       string
	tables        map[string][]string
	actions       []chain.Action
	result        *chain.TransactResult
	err           error
	accountResult chain.AccountResult
}

func (f *fakeChain) Account() string { return f.account }

func (f *fakeChain) GetTableRows(ctx context.Context, req chain.TableRowsRequest) (chain.TableRowsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := chain.TableRowsResponse{}
	for _, row := range f.tables[req.Table] {
		resp.Rows = append(resp.Rows, json.RawMessage(row))
	}
	return resp, nil
}

func (f *fakeChain) GetAccount(ctx context.Context, account string, freshness time.Duration) (chain.AccountResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountResult, nil
}

func (f *fakeChain) Transact(ctx context.Context, actions []chain.Action, opts chain.TransactOptions) (*chain.TransactResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.actions = append(f.actions, actions...)
	result := f.result
	if result == nil {
		result = &chain.TransactResult{TransactionID: "txid"}
	}
	return result, nil
}

func (f *fakeChain) lastAction(t *testing.T) chain.Action {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.actions)
	return f.actions[len(f.actions)-1]
}

func newTestGame(client *fakeChain) *FarmersWorld {
	return New(Options{Client: client, ProbeInterval: 10 * time.Millisecond})
}

func TestGetStatsParsesBalances(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"accounts": {`{
			"account": "alice",
			"balances": ["16.6540 WOOD", "3.0000 GOLD", "1.2000 FOOD", "9.0000 STONE"],
			"energy": 420,
			"max_energy": 500
		}`},
	}}
	fw := newTestGame(client)

	stats, err := fw.GetStats(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "16.6540 WOOD", stats.Balance.Wood.String())
	require.Equal(t, "3.0000 GOLD", stats.Balance.Gold.String())
	require.Equal(t, "1.2000 FOOD", stats.Balance.Food.String())
	require.Equal(t, int64(420), stats.Energy.Current)
	require.Equal(t, int64(500), stats.Energy.Max)

	cached, ok := fw.Stats()
	require.True(t, ok)
	require.Equal(t, stats, cached)
}

func TestGetStatsUnregistered(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{}}
	fw := newTestGame(client)

	_, err := fw.GetStats(context.Background(), "")
	require.ErrorIs(t, err, ErrRegistrationRequired)
}

func TestIsRegistered(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"accounts": {`{"account": "alice", "balances": [], "energy": 0, "max_energy": 0}`},
	}}
	fw := newTestGame(client)

	registered, err := fw.IsRegistered(context.Background())
	require.NoError(t, err)
	require.True(t, registered)

	client.tables = map[string][]string{}
	registered, err = fw.IsRegistered(context.Background())
	require.NoError(t, err)
	require.False(t, registered)
}

func TestGetToolsJoinsTemplates(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"tools": {
			`{"asset_id": 101, "owner": "alice", "template_id": 7, "durability": 100, "current_durability": 60, "next_availability": 1700000100}`,
			`{"asset_id": 102, "owner": "alice", "template_id": 999, "durability": 100, "current_durability": 90, "next_availability": 1700000200}`,
		},
		"toolconfs": {
			`{"template_id": 7, "type": "Mining", "durability_consumed": 5, "energy_consumed": 32, "charged_time": 3600}`,
		},
	}}
	fw := newTestGame(client)

	tools, err := fw.GetTools(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, uint64(101), tools[0].AssetID)
	require.Equal(t, int64(5), tools[0].Template.DurabilityConsumed)
	require.True(t, tools[0].CanSustainUse())
}

func TestRepairAdjustsGoldOptimistically(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"accounts": {`{"account": "alice", "balances": ["50.0000 GOLD"], "energy": 100, "max_energy": 500}`},
	}}
	fw := newTestGame(client)

	_, err := fw.GetStats(context.Background(), "")
	require.NoError(t, err)

	tool := Tool{AssetID: 101, Durability: 100, CurrentDurability: 40}
	require.NoError(t, fw.Repair(context.Background(), tool))

	action := client.lastAction(t)
	require.Equal(t, "repair", action.Name)
	require.Equal(t, GameContract, action.Account)

	// 60 missing durability points at 0.2 GOLD each.
	stats, ok := fw.Stats()
	require.True(t, ok)
	require.Equal(t, "38.0000 GOLD", stats.Balance.Gold.String())
}

func TestRecoverEnergyAdjustsFoodAndEnergy(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"accounts": {`{"account": "alice", "balances": ["100.0000 FOOD"], "energy": 300, "max_energy": 1000}`},
	}}
	fw := newTestGame(client)

	_, err := fw.GetStats(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, fw.RecoverEnergy(context.Background(), 200))

	stats, ok := fw.Stats()
	require.True(t, ok)
	require.Equal(t, "60.0000 FOOD", stats.Balance.Food.String())
	require.Equal(t, int64(500), stats.Energy.Current)
}

func TestWithdrawRenamesTradableTokens(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"config": {`{"fee": 4, "min_fee": 4, "max_fee": 8}`},
	}}
	fw := newTestGame(client)

	result, err := fw.WithdrawTokens(context.Background(),
		[]chain.Asset{chain.MustParseAsset("50.0000 FWW")},
		WithdrawOptions{MaxFee: 5})
	require.NoError(t, err)
	require.NotNil(t, result.Executed)

	action := client.lastAction(t)
	require.Equal(t, "withdraw", action.Name)
	data, ok := action.Data.(withdrawData)
	require.True(t, ok)
	require.Equal(t, []string{"50.0000 WOOD"}, data.Quantities)
	require.Equal(t, float64(4), data.Fee)
}

func TestWithdrawFeeTooHigh(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"config": {`{"fee": 8, "min_fee": 4, "max_fee": 8}`},
	}}
	fw := newTestGame(client)

	_, err := fw.WithdrawTokens(context.Background(),
		[]chain.Asset{chain.MustParseAsset("50.0000 FWW")},
		WithdrawOptions{MaxFee: 5})
	require.ErrorIs(t, err, ErrFeeTooHigh)
}

func TestWithdrawDeferredProbeExecutesWhenFeeDrops(t *testing.T) {
	client := &fakeChain{account: "alice", tables: map[string][]string{
		"config": {`{"fee": 8, "min_fee": 4, "max_fee": 8}`},
	}}
	fw := newTestGame(client)

	result, err := fw.WithdrawTokens(context.Background(),
		[]chain.Asset{chain.MustParseAsset("50.0000 FWW")},
		WithdrawOptions{MaxFee: 5, Wait: true})
	require.NoError(t, err)
	require.Nil(t, result.Executed)
	require.NotNil(t, result.Cancel)
	require.NotNil(t, result.Done)
	defer result.Cancel()

	client.mu.Lock()
	client.tables["config"] = []string{`{"fee": 4, "min_fee": 4, "max_fee": 8}`}
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.actions) > 0
	}, time.Second, 5*time.Millisecond)

	// The probe signals completion once the withdrawal went through.
	require.Eventually(t, func() bool {
		select {
		case <-result.Done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

type staticKeys []string

func (s staticKeys) GetAvailableKeys(ctx context.Context) ([]string, error) { return s, nil }

func TestHasPermissions(t *testing.T) {
	var result chain.AccountResult
	require.NoError(t, json.Unmarshal([]byte(`{
		"account_name": "alice",
		"permissions": [
			{"perm_name": "owner", "required_auth": {"keys": [{"key": "PUB_K1_owner", "weight": 1}]}},
			{"perm_name": "active", "required_auth": {"keys": [{"key": "PUB_K1_alice", "weight": 1}]}}
		]
	}`), &result))
	client := &fakeChain{account: "alice", accountResult: result}

	fw := New(Options{Client: client, Keys: staticKeys{"PUB_K1_alice"}})
	ok, err := fw.HasPermissions(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// A key satisfying only a different permission does not qualify.
	fw = New(Options{Client: client, Keys: staticKeys{"PUB_K1_owner"}})
	ok, err = fw.HasPermissions(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDepositTokens(t *testing.T) {
	client := &fakeChain{account: "alice"}
	fw := newTestGame(client)

	err := fw.DepositTokens(context.Background(), []chain.Asset{
		chain.MustParseAsset("10.0000 FWG"),
		chain.MustParseAsset("5.0000 FWF"),
	})
	require.NoError(t, err)

	action := client.lastAction(t)
	require.Equal(t, TokenContract, action.Account)
	require.Equal(t, "transfers", action.Name)
	data, ok := action.Data.(transfersData)
	require.True(t, ok)
	require.Equal(t, "deposit", data.Memo)
	require.Equal(t, []string{"10.0000 FWG", "5.0000 FWF"}, data.Quantities)
}

func TestRenameForWithdraw(t *testing.T) {
	require.Equal(t, "50.0000 WOOD", renameForWithdraw("50.0000 FWW"))
	require.Equal(t, "1.0000 GOLD", renameForWithdraw("1.0000 FWG"))
	require.Equal(t, "2.5000 FOOD", renameForWithdraw("2.5000 FWF"))
	require.Equal(t, "3.0000 WAX", renameForWithdraw("3.0000 WAX"))
}
