// Package server exposes the daemon's HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"farmhand/chain"
	"farmhand/game"
)

// Game is the read side of one account's in-game state.
type Game interface {
	GetStats(ctx context.Context, account string) (game.Stats, error)
	GetTools(ctx context.Context, account string) ([]game.Tool, error)
}

// History reads an account's on-chain action history.
type History interface {
	GetHistoryActions(ctx context.Context, account string, opts chain.HistoryActionsOptions) ([]chain.ActionTraceData, error)
}

// Worker controls one account's maintenance loop.
type Worker interface {
	Start()
	Stop()
	Running() bool
}

// RAMQuoter prices chain RAM in the core token.
type RAMQuoter interface {
	CostForBytes(ctx context.Context, bytes int64, freshness time.Duration) (chain.Asset, error)
}

// Account bundles the handles the API exposes for one configured account.
// History is optional; without it the actions endpoint reports not found.
type Account struct {
	Game    Game
	Worker  Worker
	History History
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Accounts map[string]Account
	RAM      RAMQuoter
	Logger   *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	accounts map[string]Account
	ram      RAMQuoter
	logger   *slog.Logger
	router   http.Handler
}

// New constructs a configured HTTP router over the managed accounts.
func New(cfg Config) *Server {
	srv := &Server{
		accounts: cfg.Accounts,
		ram:      cfg.RAM,
		logger:   cfg.Logger,
	}
	if srv.accounts == nil {
		srv.accounts = map[string]Account{}
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())
	if s.ram != nil {
		r.Get("/ram/cost", s.RAMCost)
	}

	r.Route("/accounts/{name}", func(account chi.Router) {
		account.Post("/enable", s.EnableAccount)
		account.Post("/disable", s.DisableAccount)
		account.Get("/stats", s.AccountStats)
		account.Get("/tools", s.AccountTools)
		account.Get("/actions", s.AccountActions)
	})

	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) EnableAccount(w http.ResponseWriter, r *http.Request) {
	name, account, ok := s.lookup(w, r)
	if !ok {
		return
	}
	account.Worker.Start()
	s.logger.Info("account enabled", "account", name)
	writeJSON(w, http.StatusOK, accountStateResponse{Account: name, Running: account.Worker.Running()})
}

func (s *Server) DisableAccount(w http.ResponseWriter, r *http.Request) {
	name, account, ok := s.lookup(w, r)
	if !ok {
		return
	}
	account.Worker.Stop()
	s.logger.Info("account disabled", "account", name)
	writeJSON(w, http.StatusOK, accountStateResponse{Account: name, Running: account.Worker.Running()})
}

func (s *Server) AccountStats(w http.ResponseWriter, r *http.Request) {
	name, account, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stats, err := account.Game.GetStats(r.Context(), "")
	if err != nil {
		s.logger.Error("stats lookup failed", "account", name, "error", err)
		http.Error(w, "stats unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Account: name,
		Running: account.Worker.Running(),
		Balances: balancesResponse{
			Wood: stats.Balance.Wood.String(),
			Gold: stats.Balance.Gold.String(),
			Food: stats.Balance.Food.String(),
		},
		Energy:    stats.Energy.Current,
		MaxEnergy: stats.Energy.Max,
	})
}

func (s *Server) AccountTools(w http.ResponseWriter, r *http.Request) {
	name, account, ok := s.lookup(w, r)
	if !ok {
		return
	}
	tools, err := account.Game.GetTools(r.Context(), "")
	if err != nil {
		s.logger.Error("tools lookup failed", "account", name, "error", err)
		http.Error(w, "tools unavailable", http.StatusBadGateway)
		return
	}
	resp := toolsResponse{Account: name, Tools: make([]toolResponse, 0, len(tools))}
	for _, tool := range tools {
		resp.Tools = append(resp.Tools, toolResponse{
			AssetID:           tool.AssetID,
			Type:              tool.Template.Type,
			Durability:        tool.Durability,
			CurrentDurability: tool.CurrentDurability,
			NextAvailableAt:   tool.NextAvailableAt().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) AccountActions(w http.ResponseWriter, r *http.Request) {
	name, account, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if account.History == nil {
		http.Error(w, "history not configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	actions, err := account.History.GetHistoryActions(r.Context(), name, chain.HistoryActionsOptions{
		Filter: q.Get("filter"),
		After:  q.Get("after"),
		Before: q.Get("before"),
	})
	if err != nil {
		s.logger.Error("history lookup failed", "account", name, "error", err)
		http.Error(w, "history unavailable", http.StatusBadGateway)
		return
	}
	resp := actionsResponse{Account: name, Actions: make([]actionResponse, 0, len(actions))}
	for _, act := range actions {
		resp.Actions = append(resp.Actions, actionResponse{
			Contract: act.Account,
			Name:     act.Name,
			Data:     act.Data,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) RAMCost(w http.ResponseWriter, r *http.Request) {
	bytesWanted, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || bytesWanted <= 0 {
		http.Error(w, "bytes must be a positive integer", http.StatusBadRequest)
		return
	}
	cost, err := s.ram.CostForBytes(r.Context(), bytesWanted, -1)
	if err != nil {
		s.logger.Error("ram quote failed", "bytes", bytesWanted, "error", err)
		http.Error(w, "ram market unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, ramCostResponse{Bytes: bytesWanted, Cost: cost.String()})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (string, Account, bool) {
	name := chi.URLParam(r, "name")
	account, ok := s.accounts[name]
	if !ok {
		http.Error(w, "unknown account", http.StatusNotFound)
		return "", Account{}, false
	}
	return name, account, true
}

type accountStateResponse struct {
	Account string `json:"account"`
	Running bool   `json:"running"`
}

type balancesResponse struct {
	Wood string `json:"wood"`
	Gold string `json:"gold"`
	Food string `json:"food"`
}

type statsResponse struct {
	Account   string           `json:"account"`
	Running   bool             `json:"running"`
	Balances  balancesResponse `json:"balances"`
	Energy    int64            `json:"energy"`
	MaxEnergy int64            `json:"max_energy"`
}

type toolResponse struct {
	AssetID           uint64 `json:"asset_id"`
	Type              string `json:"type"`
	Durability        int64  `json:"durability"`
	CurrentDurability int64  `json:"current_durability"`
	NextAvailableAt   string `json:"next_available_at"`
}

type toolsResponse struct {
	Account string         `json:"account"`
	Tools   []toolResponse `json:"tools"`
}

type actionResponse struct {
	Contract string          `json:"contract"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type actionsResponse struct {
	Account string           `json:"account"`
	Actions []actionResponse `json:"actions"`
}

type ramCostResponse struct {
	Bytes int64  `json:"bytes"`
	Cost  string `json:"cost"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
