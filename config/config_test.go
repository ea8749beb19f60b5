package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
listen: ":8080"
chain:
  rpc_endpoints:
    - https://wax.example.org
    - https://wax2.example.org
  history_endpoints:
    - https://history.example.org
  signer_endpoint: https://signer.example.org
  probe_interval: 5m
accounts:
  - name: alice
    referral: partner
  - name: bob
    worker:
      repair_hard: 40
      repair_soft: 60
      wood_withdraw_limit: "50.0000 WOOD"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, 3, cfg.Chain.Attempts)
	require.Equal(t, 5*time.Minute, cfg.Chain.ProbeInterval.Duration)
	require.Equal(t, "alcorammswap", cfg.Swap.Contract)
	require.Len(t, cfg.Tokens, 4)

	alice := cfg.Accounts[0]
	require.Equal(t, int64(51), alice.Worker.RepairHard)
	require.Equal(t, int64(450), alice.Worker.EnergySoft)
	require.Equal(t, float64(5), alice.Worker.MaxWithdrawFee)

	bob := cfg.Accounts[1]
	require.Equal(t, int64(40), bob.Worker.RepairHard)
	require.Equal(t, int64(60), bob.Worker.RepairSoft)
	require.Equal(t, "50.0000 WOOD", bob.Worker.WoodWithdrawLimit)
}

func TestLoadRejectsMissingEndpoints(t *testing.T) {
	_, err := Load(writeConfig(t, `
chain:
  signer_endpoint: https://signer.example.org
accounts:
  - name: alice
`))
	require.ErrorContains(t, err, "rpc endpoint")
}

func TestLoadRejectsInvalidEndpoint(t *testing.T) {
	_, err := Load(writeConfig(t, `
chain:
  rpc_endpoints: ["not a url"]
  signer_endpoint: https://signer.example.org
accounts:
  - name: alice
`))
	require.ErrorContains(t, err, "invalid endpoint")
}

func TestLoadRejectsDuplicateAccounts(t *testing.T) {
	_, err := Load(writeConfig(t, `
chain:
  rpc_endpoints: [https://wax.example.org]
  signer_endpoint: https://signer.example.org
accounts:
  - name: alice
  - name: alice
`))
	require.ErrorContains(t, err, "duplicate account")
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	_, err := Load(writeConfig(t, `
chain:
  rpc_endpoints: [https://wax.example.org]
  signer_endpoint: https://signer.example.org
accounts:
  - name: alice
    worker:
      repair_hard: 80
      repair_soft: 60
`))
	require.ErrorContains(t, err, "repair_soft below repair_hard")
}
