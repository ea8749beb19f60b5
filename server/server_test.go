package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmhand/chain"
	"farmhand/game"
)

type fakeGame struct {
	stats    game.Stats
	tools    []game.Tool
	statsErr error
}

func (f *fakeGame) GetStats(ctx context.Context, account string) (game.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeGame) GetTools(ctx context.Context, account string) ([]game.Tool, error) {
	return f.tools, nil
}

type fakeWorker struct {
	running bool
}

func (f *fakeWorker) Start()        { f.running = true }
func (f *fakeWorker) Stop()         { f.running = false }
func (f *fakeWorker) Running() bool { return f.running }

func newTestServer(t *testing.T) (*Server, *fakeGame, *fakeWorker) {
	t.Helper()
	g := &fakeGame{
		stats: game.Stats{
			Balance: game.Balances{
				Wood: chain.MustParseAsset("16.6540 WOOD"),
				Gold: chain.MustParseAsset("3.0000 GOLD"),
				Food: chain.MustParseAsset("1.2000 FOOD"),
			},
			Energy: game.Energy{Current: 420, Max: 500},
		},
		tools: []game.Tool{{
			AssetID:           101,
			Durability:        100,
			CurrentDurability: 60,
			NextAvailability:  1700000100,
			Template:          game.ToolTemplate{Type: "Mining"},
		}},
	}
	w := &fakeWorker{}
	srv := New(Config{Accounts: map[string]Account{"alice": {Game: g, Worker: w}}})
	return srv, g, w
}

func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEnableDisableAccount(t *testing.T) {
	srv, _, worker := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/accounts/alice/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, worker.running)

	var state accountStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.True(t, state.Running)

	rec = do(t, srv, http.MethodPost, "/accounts/alice/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, worker.running)
}

func TestUnknownAccount(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/accounts/mallory/enable")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountStats(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/accounts/alice/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "16.6540 WOOD", resp.Balances.Wood)
	require.Equal(t, int64(420), resp.Energy)
	require.Equal(t, int64(500), resp.MaxEnergy)
}

func TestAccountStatsUpstreamFailure(t *testing.T) {
	srv, g, _ := newTestServer(t)
	g.statsErr = errors.New("rpc timeout")
	rec := do(t, srv, http.MethodGet, "/accounts/alice/stats")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

type fakeRAM struct{}

func (fakeRAM) CostForBytes(ctx context.Context, bytes int64, freshness time.Duration) (chain.Asset, error) {
	return chain.MustParseAsset("1.25000000 WAX"), nil
}

func TestRAMCost(t *testing.T) {
	srv := New(Config{RAM: fakeRAM{}})
	rec := do(t, srv, http.MethodGet, "/ram/cost?bytes=4096")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"bytes":4096,"cost":"1.25000000 WAX"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/ram/cost?bytes=-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeHistory struct {
	lastOpts chain.HistoryActionsOptions
	actions  []chain.ActionTraceData
}

func (f *fakeHistory) GetHistoryActions(ctx context.Context, account string, opts chain.HistoryActionsOptions) ([]chain.ActionTraceData, error) {
	f.lastOpts = opts
	return f.actions, nil
}

func TestAccountActions(t *testing.T) {
	h := &fakeHistory{actions: []chain.ActionTraceData{{
		Account: "farmersworld",
		Name:    "claim",
		Data:    json.RawMessage(`{"asset_id": 101}`),
	}}}
	srv := New(Config{Accounts: map[string]Account{
		"alice": {Game: &fakeGame{}, Worker: &fakeWorker{}, History: h},
	}})

	rec := do(t, srv, http.MethodGet, "/accounts/alice/actions?filter=farmersworld:claim")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "farmersworld:claim", h.lastOpts.Filter)

	var resp actionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Actions, 1)
	require.Equal(t, "claim", resp.Actions[0].Name)

	// Accounts without a history backend report the endpoint missing.
	srv = New(Config{Accounts: map[string]Account{
		"alice": {Game: &fakeGame{}, Worker: &fakeWorker{}},
	}})
	rec = do(t, srv, http.MethodGet, "/accounts/alice/actions")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountTools(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/accounts/alice/tools")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp toolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tools, 1)
	require.Equal(t, uint64(101), resp.Tools[0].AssetID)
	require.Equal(t, "Mining", resp.Tools[0].Type)
}
