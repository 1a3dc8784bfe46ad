package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solagent.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"web3": {"network": "testnet"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "testnet", cfg.Web3.Network)
	require.Equal(t, "confirmed", cfg.Web3.Commitment)
	require.Equal(t, 90, cfg.Web3.StepTimeoutSeconds)
	require.Equal(t, "env", cfg.Signer.Source)
	require.Equal(t, "SOLANA_SECRET_KEY", cfg.Signer.EnvVar)
	require.Equal(t, "bolt", cfg.Storage.Ledger.Driver)
	require.Equal(t, filepath.Join(filepath.Dir(path), "data", "ledger.db"), cfg.Storage.Ledger.Path)
	require.Equal(t, "Solana Agent", cfg.Agent.Name)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SOLAGENT_SERVER_ADDRESS", ":9999")
	t.Setenv("SOLAGENT_QUEUE_WORKERS", "7")
	t.Setenv("SOLANA_RPC_URL", "http://127.0.0.1:8899")
	path := writeConfig(t, `{"server": {"address": ":8081"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Address)
	require.Equal(t, 7, cfg.Queue.Workers)
	require.Equal(t, "http://127.0.0.1:8899", cfg.Web3.RPCURL)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "devnet", cfg.Web3.Network)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	path := writeConfig(t, `{"queue": {"driver": "kafka"}, "signer": {"source": "file"}}`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue.driver")
	require.Contains(t, err.Error(), "signer.path")
}

func TestValidateRequiresDSNForMySQL(t *testing.T) {
	path := writeConfig(t, `{"storage": {"ledger": {"driver": "mysql"}}}`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage.mysql.dsn")
}

func TestAuthModeValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)
	require.Equal(t, "disabled", cfg.Auth.Mode)

	_, err = Load(writeConfig(t, `{"auth": {"mode": "api_key"}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "auth.keys")

	cfg, err = Load(writeConfig(t, `{"auth": {"mode": "api_key", "keys": [{"name": "ops", "sha256": "ab", "permissions": ["solagent:write"]}]}}`))
	require.NoError(t, err)
	require.Len(t, cfg.Auth.Keys, 1)
	require.Equal(t, []string{"solagent:write"}, cfg.Auth.Keys[0].Permissions)
}

func TestUsesMySQL(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"storage": {"ledger": {"driver": "mysql"}, "mysql": {"dsn": "user:pw@tcp(127.0.0.1:3306)/solagent"}}}`))
	require.NoError(t, err)
	require.True(t, cfg.UsesMySQL())

	cfg, err = Load(writeConfig(t, `{}`))
	require.NoError(t, err)
	require.False(t, cfg.UsesMySQL())
}
