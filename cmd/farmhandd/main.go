package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"farmhand/chain"
	"farmhand/config"
	"farmhand/game"
	"farmhand/ledger"
	"farmhand/observability/logging"
	"farmhand/observability/metrics"
	"farmhand/server"
	"farmhand/swap"
	"farmhand/worker"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("farmhandd: load config: %v", err)
	}

	logger := logging.Setup("farmhandd", cfg.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	signer := chain.NewRemoteSigner(cfg.Chain.SignerEndpoint, nil)

	var fuel *chain.FuelProvider
	if cfg.Chain.FuelAccount != "" {
		fuel = &chain.FuelProvider{
			Account:    cfg.Chain.FuelAccount,
			Permission: cfg.Chain.FuelPermission,
			Signer:     signer,
		}
	}

	chainMetrics := metrics.Chain()

	// A shared read-only client serves the swap pair cache, the RAM oracle
	// and endpoint health probing.
	reader, err := chain.NewClient(chain.Options{
		RPCEndpoints:     cfg.Chain.RPCEndpoints,
		HistoryEndpoints: cfg.Chain.HistoryEndpoints,
		Attempts:         cfg.Chain.Attempts,
		Logger:           logger.With("component", "chain-reader"),
		Metrics:          chainMetrics,
	})
	if err != nil {
		log.Fatalf("farmhandd: chain reader: %v", err)
	}

	prober := chain.NewProber(nil, logger.With("component", "prober"), cfg.Chain.ProbeInterval.Duration)
	prober.Register(chain.CategoryRPC, reader.RPCPool(), chain.RPCProbe(nil))
	if pool := reader.HistoryPool(); pool != nil {
		prober.Register(chain.CategoryHistory, pool, chain.HistoryProbe(nil))
	}

	knownContracts := make(map[string]string, len(cfg.Tokens))
	knownTokens := make([]ledger.Token, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		knownContracts[strings.ToUpper(token.Code)] = token.Contract
		knownTokens = append(knownTokens, ledger.Token{
			Code:      strings.ToUpper(token.Code),
			Precision: token.Precision,
			Contract:  token.Contract,
		})
	}

	pairCache := swap.NewCache(reader, cfg.Swap.Contract, knownContracts, logger.With("component", "swap-pairs"), nil)
	ramOracle := swap.NewRAMOracle(reader, logger.With("component", "ram-oracle"), nil)

	accounts := make(map[string]server.Account, len(cfg.Accounts))
	miners := make([]*worker.Miner, 0, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		client, err := chain.NewClient(chain.Options{
			Account:          account.Name,
			Signer:           signer,
			Fuel:             fuel,
			RPCEndpoints:     cfg.Chain.RPCEndpoints,
			HistoryEndpoints: cfg.Chain.HistoryEndpoints,
			Attempts:         cfg.Chain.Attempts,
			Logger:           logger.With("account", account.Name),
			Metrics:          chainMetrics,
		})
		if err != nil {
			log.Fatalf("farmhandd: chain client for %s: %v", account.Name, err)
		}
		prober.Register(chain.CategoryRPC, client.RPCPool(), chain.RPCProbe(nil))
		if pool := client.HistoryPool(); pool != nil {
			prober.Register(chain.CategoryHistory, pool, chain.HistoryProbe(nil))
		}

		trader := swap.NewTrader(pairCache, client, cfg.Swap.Contract, logger.With("account", account.Name))
		book := ledger.New(ledger.Options{
			Source:  client,
			Quoter:  trader,
			Swapper: trader,
			Known:   knownTokens,
			Logger:  logger.With("account", account.Name),
		})
		farm := game.New(game.Options{
			Client: client,
			Keys:   signer,
			Logger: logger.With("account", account.Name),
		})

		thresholds, err := workerThresholds(account.Worker)
		if err != nil {
			log.Fatalf("farmhandd: account %s: %v", account.Name, err)
		}
		miner := worker.NewMiner(worker.Options{
			Game:       farm,
			Ledger:     book,
			Trader:     trader,
			Logger:     logger,
			Metrics:    metrics.Worker(account.Name),
			Thresholds: thresholds,
			Referral:   account.Referral,
		})

		managed := server.Account{Game: farm, Worker: miner}
		if client.HistoryPool() != nil {
			managed.History = client
		}
		accounts[account.Name] = managed
		miners = append(miners, miner)
	}

	srv := server.New(server.Config{
		Accounts: accounts,
		RAM:      ramOracle,
		Logger:   logger.With("component", "http"),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober.CheckAll(rootCtx)
	go prober.Run(rootCtx)

	for _, miner := range miners {
		miner.Start()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	for _, miner := range miners {
		miner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}

// workerThresholds maps the YAML worker block onto scheduler thresholds,
// parsing the optional asset-valued limits.
func workerThresholds(w config.WorkerConfig) (worker.Thresholds, error) {
	thresholds := worker.Thresholds{
		RepairHard:          w.RepairHard,
		RepairSoft:          w.RepairSoft,
		EnergyHard:          w.EnergyHard,
		EnergySoft:          w.EnergySoft,
		ShortfallPadPercent: w.ShortfallPadPercent,
		MaxWithdrawFee:      w.MaxWithdrawFee,
	}
	if w.WoodWithdrawLimit != "" {
		limit, err := chain.ParseAsset(w.WoodWithdrawLimit)
		if err != nil {
			return worker.Thresholds{}, err
		}
		thresholds.WoodWithdrawLimit = limit
	}
	if w.WoodToWaxLimit != "" {
		limit, err := chain.ParseAsset(w.WoodToWaxLimit)
		if err != nil {
			return worker.Thresholds{}, err
		}
		thresholds.WoodToWaxLimit = limit
	}
	return thresholds, nil
}
