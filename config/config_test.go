package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFileAndSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stealthpay.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, uint32(10), cfg.Settlement.FeeBps)
	require.Equal(t, 20, cfg.Settlement.MaxBatchSize)
	require.Equal(t, filepath.Join(dir, "admin-jwt.secret"), cfg.API.JWTSecretFile)

	secret, err := cfg.JWTSecret()
	require.NoError(t, err)
	require.Len(t, secret, 64)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.API.JWTSecretFile, again.API.JWTSecretFile)
	secretAgain, err := again.JWTSecret()
	require.NoError(t, err)
	require.Equal(t, secret, secretAgain, "secret must be stable across restarts")
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stealthpay.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
Environment = "staging"

[storage]
Backend = "bolt"
Path = "./data/state.db"

[domain]
Name = "StealthPay"
Version = "2"
ChainID = 8453
Custody = "0x00000000000000000000000000000000000000c0"

[settlement]
FeeBps = 25
MaxBatchSize = 5
FeePool = "0x00000000000000000000000000000000000000fe"
Admins = ["0x00000000000000000000000000000000000000ad"]

[agents]
DefaultDailyLimit = "5000"
RequireRegistration = true

[compliance]
Enabled = true
DurationDays = 30
DenyList = ["0x0000000000000000000000000000000000000bad"]

[bridge]
Domain = "base"
RemoteCustody = "0x00000000000000000000000000000000000000b1"
TrustedSources = { optimism = "0x00000000000000000000000000000000000000b2" }
PeerURL = "http://peer.internal:8087"
SignerKeystore = "/var/lib/stealthpay/bridge-signer.json"

[api]
JWTSecretEnv = "TEST_STEALTHPAY_JWT"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	t.Setenv("TEST_STEALTHPAY_JWT", "shh")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	require.Equal(t, BackendBolt, cfg.Storage.Backend)
	require.Equal(t, uint64(8453), cfg.Domain.ChainID)
	require.Equal(t, uint32(25), cfg.Settlement.FeeBps)
	require.True(t, cfg.Agents.RequireRegistration)
	require.True(t, cfg.Bridge.Enabled())
	require.True(t, cfg.Bridge.Outbound())
	signers, err := cfg.Bridge.TrustedSigners()
	require.NoError(t, err)
	require.Equal(t, map[string][20]byte{"optimism": {19: 0xb2}}, signers)
	require.Equal(t, "STEALTHPAY_BRIDGE_PASSPHRASE", cfg.Bridge.SignerPassphraseEnv)

	admins, err := cfg.Settlement.AdminAddresses()
	require.NoError(t, err)
	require.Len(t, admins, 1)
	require.Equal(t, byte(0xad), admins[0][19])

	limit, err := cfg.Agents.DailyLimit()
	require.NoError(t, err)
	require.Equal(t, "5000", limit.String())
	require.Equal(t, 30*24, int(cfg.Compliance.Duration().Hours()))

	secret, err := cfg.JWTSecret()
	require.NoError(t, err)
	require.Equal(t, []byte("shh"), secret)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stealthpay.toml")
	_, err := Load(path)
	require.NoError(t, err)

	t.Setenv("STEALTHPAY_SETTLEMENT_FEE_BPS", "50")
	t.Setenv("STEALTHPAY_STORAGE_BACKEND", "memory")
	t.Setenv("STEALTHPAY_BRIDGE_TRUSTED_SOURCES", "a:0x00000000000000000000000000000000000000a1,b:0x00000000000000000000000000000000000000b1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint32(50), cfg.Settlement.FeeBps)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)
	require.Equal(t, map[string]string{
		"a": "0x00000000000000000000000000000000000000a1",
		"b": "0x00000000000000000000000000000000000000b1",
	}, cfg.Bridge.TrustedSources)
	require.False(t, cfg.Bridge.Outbound())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stealthpay.toml")
	require.NoError(t, os.WriteFile(path, []byte("ValidatorKey = \"abc\"\n"), 0o644))
	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func inboundBridge(sources map[string]string) func(*Config) {
	return func(c *Config) {
		c.Bridge.RemoteCustody = "0x00000000000000000000000000000000000000b1"
		c.Bridge.TrustedSources = sources
	}
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"fee above cap":        func(c *Config) { c.Settlement.FeeBps = 101 },
		"zero batch":           func(c *Config) { c.Settlement.MaxBatchSize = 0 },
		"short compliance":     func(c *Config) { c.Compliance.DurationDays = 0 },
		"bad custody":          func(c *Config) { c.Domain.Custody = "nope" },
		"unknown backend":      func(c *Config) { c.Storage.Backend = "redis" },
		"unknown audit driver": func(c *Config) { c.Audit.Driver = "mysql" },
		"bad admin":            func(c *Config) { c.Settlement.Admins = []string{"0x12"} },
		"bad daily limit":      func(c *Config) { c.Agents.DefaultDailyLimit = "-5" },
		"bad sample ratio":     func(c *Config) { c.Telemetry.SampleRatio = 2 },
		"bad bridge signer":    inboundBridge(map[string]string{"optimism": "not-an-address"}),
		"zero bridge signer":   inboundBridge(map[string]string{"optimism": "0x0000000000000000000000000000000000000000"}),
		"unsigned forwarding":  func(c *Config) { c.Bridge.PeerURL = "http://peer.internal:8087" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, ValidateConfig(cfg))
		})
	}

	cfg := Default()
	cfg.Settlement.FeeBps = 100
	require.NoError(t, ValidateConfig(cfg))
}
