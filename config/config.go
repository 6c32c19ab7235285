package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix scopes environment overrides, e.g. STEALTHPAY_SETTLEMENT_FEE_BPS.
const EnvPrefix = "STEALTHPAY"

type Config struct {
	ListenAddress string           `toml:"ListenAddress" envconfig:"LISTEN_ADDRESS"`
	DataDir       string           `toml:"DataDir" envconfig:"DATA_DIR"`
	Environment   string           `toml:"Environment" envconfig:"ENV"`
	Storage       StorageConfig    `toml:"storage"`
	Domain        DomainConfig     `toml:"domain"`
	Settlement    SettlementConfig `toml:"settlement"`
	Agents        AgentsConfig     `toml:"agents"`
	Compliance    ComplianceConfig `toml:"compliance"`
	Bridge        BridgeConfig     `toml:"bridge"`
	Audit         AuditConfig      `toml:"audit"`
	API           APIConfig        `toml:"api"`
	Logging       LoggingConfig    `toml:"logging"`
	Telemetry     TelemetryConfig  `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists, then applies STEALTHPAY_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %s in %s", undecoded[0], path)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.normalise()

	if cfg.API.JWTSecretEnv == "" {
		if err := ensureSecret(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Audit.Driver = strings.ToLower(strings.TrimSpace(c.Audit.Driver))
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Storage.Path == "" && c.Storage.Backend != BackendMemory {
		c.Storage.Path = filepath.Join(c.DataDir, "state")
	}
	if c.Settlement.Admins == nil {
		c.Settlement.Admins = []string{}
	}
	if c.Bridge.TrustedSources == nil {
		c.Bridge.TrustedSources = map[string]string{}
	}
}

// ensureSecret generates the admin JWT signing secret next to the config file
// the first time the daemon starts.
func ensureSecret(configPath string, cfg *Config) error {
	secretPath := cfg.API.JWTSecretFile
	if secretPath == "" {
		secretPath = defaultSecretPath(configPath)
	}
	if _, err := os.Stat(secretPath); os.IsNotExist(err) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(secretPath), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(secretPath, []byte(hex.EncodeToString(buf)), 0o600); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.API.JWTSecretFile != secretPath {
		cfg.API.JWTSecretFile = secretPath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault saves cfg as the default configuration file.
func createDefault(path string, cfg *Config) error {
	cfg.API.JWTSecretFile = defaultSecretPath(path)
	return persist(path, cfg)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultSecretPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin-jwt.secret")
}

// JWTSecret resolves the admin token signing secret from the configured
// environment variable or secret file.
func (c *Config) JWTSecret() ([]byte, error) {
	if name := strings.TrimSpace(c.API.JWTSecretEnv); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return nil, fmt.Errorf("config: %s is empty", name)
		}
		return []byte(value), nil
	}
	raw, err := os.ReadFile(c.API.JWTSecretFile)
	if err != nil {
		return nil, fmt.Errorf("config: read jwt secret: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, fmt.Errorf("config: jwt secret file %s is empty", c.API.JWTSecretFile)
	}
	return []byte(secret), nil
}
