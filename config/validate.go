package config

import (
	"fmt"
	"strings"

	"stealthpay/native/fees"
)

var (
	MinComplianceDays = uint32(1)
)

func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if cfg.Settlement.FeeBps > fees.MaxFeeBps {
		return fmt.Errorf("settlement: fee_bps %d exceeds %d", cfg.Settlement.FeeBps, fees.MaxFeeBps)
	}
	if cfg.Settlement.MaxBatchSize <= 0 {
		return fmt.Errorf("settlement: max_batch_size <= 0")
	}
	if _, err := cfg.Settlement.FeePoolAddress(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if _, err := cfg.Settlement.AdminAddresses(); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if _, err := cfg.Domain.CustodyAddress(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	if cfg.Domain.ChainID == 0 {
		return fmt.Errorf("domain: chain_id must be set")
	}
	if cfg.Compliance.DurationDays < MinComplianceDays {
		return fmt.Errorf("compliance: duration_days must be at least %d", MinComplianceDays)
	}
	if _, err := cfg.Agents.DailyLimit(); err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	switch cfg.Storage.Backend {
	case BackendMemory, BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Audit.Driver {
	case "", AuditNone, AuditSQLite, AuditPostgres:
	default:
		return fmt.Errorf("audit: unknown driver %q", cfg.Audit.Driver)
	}
	if cfg.Bridge.Enabled() {
		if _, err := cfg.Bridge.RemoteCustodyAddress(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		if _, err := cfg.Bridge.TrustedSigners(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
	}
	if cfg.Bridge.Outbound() && strings.TrimSpace(cfg.Bridge.SignerKeystore) == "" {
		return fmt.Errorf("bridge: SignerKeystore required to forward payments")
	}
	if cfg.API.RateLimitPerSecond < 0 || cfg.API.RateLimitBurst < 0 {
		return fmt.Errorf("api: rate limits must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}
