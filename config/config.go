// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	Log           LogConfig       `yaml:"log"`
	Chain         ChainConfig     `yaml:"chain"`
	Swap          SwapConfig      `yaml:"swap"`
	Tokens        []TokenConfig   `yaml:"tokens"`
	Accounts      []AccountConfig `yaml:"accounts"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables rotated file output instead of stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ChainConfig names the chain endpoints and transaction policy.
type ChainConfig struct {
	RPCEndpoints     []string `yaml:"rpc_endpoints"`
	HistoryEndpoints []string `yaml:"history_endpoints"`
	Attempts         int      `yaml:"attempts"`
	SignerEndpoint   string   `yaml:"signer_endpoint"`
	FuelAccount      string   `yaml:"fuel_account"`
	FuelPermission   string   `yaml:"fuel_permission"`
	ProbeInterval    Duration `yaml:"probe_interval"`
}

// SwapConfig names the AMM the daemon trades through.
type SwapConfig struct {
	Contract string `yaml:"contract"`
}

// TokenConfig is one recognized token with its issuing contract.
type TokenConfig struct {
	Code      string `yaml:"code"`
	Precision uint8  `yaml:"precision"`
	Contract  string `yaml:"contract"`
}

// AccountConfig is one managed game account.
type AccountConfig struct {
	Name     string       `yaml:"name"`
	Referral string       `yaml:"referral"`
	Worker   WorkerConfig `yaml:"worker"`
}

// WorkerConfig tunes one account's maintenance thresholds.
type WorkerConfig struct {
	RepairHard          int64   `yaml:"repair_hard"`
	RepairSoft          int64   `yaml:"repair_soft"`
	EnergyHard          int64   `yaml:"energy_hard"`
	EnergySoft          int64   `yaml:"energy_soft"`
	ShortfallPadPercent int64   `yaml:"shortfall_pad_percent"`
	MaxWithdrawFee      float64 `yaml:"max_withdraw_fee"`
	// WoodWithdrawLimit and WoodToWaxLimit are asset strings such as
	// "50.0000 WOOD"; empty disables the corresponding step.
	WoodWithdrawLimit string `yaml:"wood_withdraw_limit"`
	WoodToWaxLimit    string `yaml:"wood_to_wax_limit"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7801"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Chain.Attempts <= 0 {
		cfg.Chain.Attempts = 3
	}
	if cfg.Chain.FuelPermission == "" {
		cfg.Chain.FuelPermission = "paybw"
	}
	if cfg.Chain.ProbeInterval.Duration == 0 {
		cfg.Chain.ProbeInterval.Duration = 10 * time.Minute
	}
	if cfg.Swap.Contract == "" {
		cfg.Swap.Contract = "alcorammswap"
	}
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = []TokenConfig{
			{Code: "WAX", Precision: 8, Contract: "eosio.token"},
			{Code: "FWW", Precision: 4, Contract: "farmerstoken"},
			{Code: "FWG", Precision: 4, Contract: "farmerstoken"},
			{Code: "FWF", Precision: 4, Contract: "farmerstoken"},
		}
	}
	for i := range cfg.Accounts {
		applyWorkerDefaults(&cfg.Accounts[i].Worker)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	if w.RepairHard == 0 {
		w.RepairHard = 51
	}
	if w.RepairSoft == 0 {
		w.RepairSoft = 70
	}
	if w.EnergyHard == 0 {
		w.EnergyHard = 350
	}
	if w.EnergySoft == 0 {
		w.EnergySoft = 450
	}
	if w.ShortfallPadPercent == 0 {
		w.ShortfallPadPercent = 15
	}
	if w.MaxWithdrawFee == 0 {
		w.MaxWithdrawFee = 5
	}
}

func validate(cfg Config) error {
	if len(cfg.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one rpc endpoint must be configured")
	}
	endpoints := append(append([]string{}, cfg.Chain.RPCEndpoints...), cfg.Chain.HistoryEndpoints...)
	for _, endpoint := range endpoints {
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
	}
	if cfg.Chain.SignerEndpoint == "" {
		return fmt.Errorf("signer endpoint must be configured")
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		if account.Name == "" {
			return fmt.Errorf("account name must not be empty")
		}
		if seen[account.Name] {
			return fmt.Errorf("duplicate account %q", account.Name)
		}
		seen[account.Name] = true
		w := account.Worker
		if w.RepairSoft < w.RepairHard {
			return fmt.Errorf("account %q: repair_soft below repair_hard", account.Name)
		}
		if w.EnergySoft < w.EnergyHard {
			return fmt.Errorf("account %q: energy_soft below energy_hard", account.Name)
		}
	}
	return nil
}
