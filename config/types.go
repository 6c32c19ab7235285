package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"stealthpay/crypto"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"

	AuditNone     = "none"
	AuditSQLite   = "sqlite"
	AuditPostgres = "postgres"
)

// StorageConfig selects the key-value backend for settlement state.
type StorageConfig struct {
	Backend string `toml:"Backend" envconfig:"BACKEND"`
	Path    string `toml:"Path" envconfig:"PATH"`
}

// DomainConfig is the authorization signing domain. Custody is the verifying
// address payers sign for.
type DomainConfig struct {
	Name    string `toml:"Name" envconfig:"NAME"`
	Version string `toml:"Version" envconfig:"VERSION"`
	ChainID uint64 `toml:"ChainID" envconfig:"CHAIN_ID"`
	Custody string `toml:"Custody" envconfig:"CUSTODY"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	FeeBps       uint32   `toml:"FeeBps" envconfig:"FEE_BPS"`
	MaxBatchSize int      `toml:"MaxBatchSize" envconfig:"MAX_BATCH_SIZE"`
	FeePool      string   `toml:"FeePool" envconfig:"FEE_POOL"`
	Admins       []string `toml:"Admins" envconfig:"ADMINS"`
}

// AgentsConfig configures the agent ledger.
type AgentsConfig struct {
	DefaultDailyLimit   string `toml:"DefaultDailyLimit" envconfig:"DEFAULT_DAILY_LIMIT"`
	RequireRegistration bool   `toml:"RequireRegistration" envconfig:"REQUIRE_REGISTRATION"`
}

// ComplianceConfig configures the compliance registry and deny list.
type ComplianceConfig struct {
	Enabled      bool     `toml:"Enabled" envconfig:"ENABLED"`
	DurationDays uint32   `toml:"DurationDays" envconfig:"DURATION_DAYS"`
	SeedFile     string   `toml:"SeedFile" envconfig:"SEED_FILE"`
	DenyList     []string `toml:"DenyList" envconfig:"DENY_LIST"`
}

// BridgeConfig enables remote settlement. An empty RemoteCustody disables the
// inbound side; an empty PeerURL disables forwarding to another domain.
// TrustedSources maps each source domain to the address that signs its
// messages, e.g. STEALTHPAY_BRIDGE_TRUSTED_SOURCES=optimism:0xabc…
type BridgeConfig struct {
	Domain              string            `toml:"Domain" envconfig:"DOMAIN"`
	RemoteCustody       string            `toml:"RemoteCustody" envconfig:"REMOTE_CUSTODY"`
	TrustedSources      map[string]string `toml:"TrustedSources" envconfig:"TRUSTED_SOURCES"`
	PeerURL             string            `toml:"PeerURL" envconfig:"PEER_URL"`
	SignerKeystore      string            `toml:"SignerKeystore" envconfig:"SIGNER_KEYSTORE"`
	SignerPassphraseEnv string            `toml:"SignerPassphraseEnv" envconfig:"SIGNER_PASSPHRASE_ENV"`
}

// AuditConfig selects the relational receipt/rejection log.
type AuditConfig struct {
	Driver string `toml:"Driver" envconfig:"DRIVER"`
	DSN    string `toml:"DSN" envconfig:"DSN"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	JWTSecretFile      string  `toml:"JWTSecretFile" envconfig:"JWT_SECRET_FILE"`
	JWTSecretEnv       string  `toml:"JWTSecretEnv" envconfig:"JWT_SECRET_ENV"`
	JWTIssuer          string  `toml:"JWTIssuer" envconfig:"JWT_ISSUER"`
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond" envconfig:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `toml:"RateLimitBurst" envconfig:"RATE_LIMIT_BURST"`
	ReadTimeoutSecs    int     `toml:"ReadTimeoutSecs" envconfig:"READ_TIMEOUT_SECS"`
	WriteTimeoutSecs   int     `toml:"WriteTimeoutSecs" envconfig:"WRITE_TIMEOUT_SECS"`
}

type LoggingConfig struct {
	Level      string `toml:"Level" envconfig:"LEVEL"`
	File       string `toml:"File" envconfig:"FILE"`
	MaxSizeMB  int    `toml:"MaxSizeMB" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"MaxBackups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"MaxAgeDays" envconfig:"MAX_AGE_DAYS"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" envconfig:"ENDPOINT"`
	Insecure    bool    `toml:"Insecure" envconfig:"INSECURE"`
	Traces      bool    `toml:"Traces" envconfig:"TRACES"`
	Metrics     bool    `toml:"Metrics" envconfig:"METRICS"`
	SampleRatio float64 `toml:"SampleRatio" envconfig:"SAMPLE_RATIO"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		ListenAddress: ":8087",
		DataDir:       "./stealthpay-data",
		Environment:   "dev",
		Storage:       StorageConfig{Backend: BackendLevelDB},
		Domain: DomainConfig{
			Name:    "StealthPay",
			Version: "1",
			ChainID: 187001,
			Custody: "0x00000000000000000000000000000000000c0575",
		},
		Settlement: SettlementConfig{
			FeeBps:       10,
			MaxBatchSize: 20,
			FeePool:      "0x000000000000000000000000000000000000fee5",
			Admins:       []string{},
		},
		Agents:     AgentsConfig{DefaultDailyLimit: "1000000000000000000000"},
		Compliance: ComplianceConfig{DurationDays: 365, DenyList: []string{}},
		Bridge:     BridgeConfig{Domain: "stealthpay-local", TrustedSources: map[string]string{}, SignerPassphraseEnv: "STEALTHPAY_BRIDGE_PASSPHRASE"},
		Audit:      AuditConfig{Driver: AuditSQLite, DSN: "file:stealthpay-audit.db?_pragma=busy_timeout(5000)"},
		API: APIConfig{
			JWTIssuer:          "stealthpay",
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			ReadTimeoutSecs:    15,
			WriteTimeoutSecs:   15,
		},
		Logging:   LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Telemetry: TelemetryConfig{SampleRatio: 1},
	}
}

// CustodyAddress parses the signing domain's verifying address.
func (d DomainConfig) CustodyAddress() ([20]byte, error) {
	addr, err := crypto.ParseAddress(d.Custody)
	if err != nil {
		return addr, fmt.Errorf("invalid domain.Custody: %w", err)
	}
	return addr, nil
}

// FeePoolAddress parses the fee pool account.
func (s SettlementConfig) FeePoolAddress() ([20]byte, error) {
	addr, err := crypto.ParseAddress(s.FeePool)
	if err != nil {
		return addr, fmt.Errorf("invalid settlement.FeePool: %w", err)
	}
	return addr, nil
}

// AdminAddresses parses the administrator list.
func (s SettlementConfig) AdminAddresses() ([][20]byte, error) {
	out := make([][20]byte, 0, len(s.Admins))
	for _, raw := range s.Admins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid settlement.Admins entry %q: %w", raw, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// DailyLimit parses the default agent spend limit.
func (a AgentsConfig) DailyLimit() (*big.Int, error) {
	return parseUintAmount(a.DefaultDailyLimit)
}

// Duration returns the compliance verification lifetime.
func (c ComplianceConfig) Duration() time.Duration {
	return time.Duration(c.DurationDays) * 24 * time.Hour
}

// Enabled reports whether remote settlement is configured.
func (b BridgeConfig) Enabled() bool {
	return strings.TrimSpace(b.RemoteCustody) != ""
}

// Outbound reports whether payments may be forwarded to a peer domain.
func (b BridgeConfig) Outbound() bool {
	return strings.TrimSpace(b.PeerURL) != ""
}

// TrustedSigners parses TrustedSources into source domain → signer address.
func (b BridgeConfig) TrustedSigners() (map[string][20]byte, error) {
	out := make(map[string][20]byte, len(b.TrustedSources))
	for source, raw := range b.TrustedSources {
		source = strings.TrimSpace(source)
		if source == "" {
			return nil, fmt.Errorf("bridge.TrustedSources: empty source domain")
		}
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bridge.TrustedSources[%s]: %w", source, err)
		}
		if addr == ([20]byte{}) {
			return nil, fmt.Errorf("invalid bridge.TrustedSources[%s]: zero signer", source)
		}
		out[source] = addr
	}
	return out, nil
}

// RemoteCustodyAddress parses the account bridged funds are paid out of.
func (b BridgeConfig) RemoteCustodyAddress() ([20]byte, error) {
	addr, err := crypto.ParseAddress(b.RemoteCustody)
	if err != nil {
		return addr, fmt.Errorf("invalid bridge.RemoteCustody: %w", err)
	}
	return addr, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
