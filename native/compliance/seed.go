package compliance

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stealthpay/crypto"
)

// Seed is the YAML bootstrap file for the compliance registry:
//
//	enabled: true
//	duration_days: 365
//	verified:
//	  - 0x...
//	deny_list:
//	  - spay1...
type Seed struct {
	Enabled      bool     `yaml:"enabled"`
	DurationDays int      `yaml:"duration_days"`
	Verified     []string `yaml:"verified"`
	DenyList     []string `yaml:"deny_list"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("compliance: read seed: %w", err)
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("compliance: decode seed: %w", err)
	}
	if seed.DurationDays != 0 && time.Duration(seed.DurationDays)*24*time.Hour < MinDuration {
		return seed, ErrDurationTooShort
	}
	return seed, nil
}

// Apply writes the seed into the registry on behalf of admin and returns the
// deny list it describes.
func (s Seed) Apply(registry *Registry, admin [20]byte) (*DenyList, error) {
	if registry == nil {
		return nil, fmt.Errorf("compliance: registry required")
	}
	if s.DurationDays > 0 {
		if err := registry.SetDuration(admin, time.Duration(s.DurationDays)*24*time.Hour); err != nil {
			return nil, err
		}
	}
	for _, raw := range s.Verified {
		identity, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("compliance: verified entry %q: %w", raw, err)
		}
		if err := registry.Verify(admin, identity); err != nil {
			return nil, err
		}
	}
	if err := registry.SetEnabled(admin, s.Enabled); err != nil {
		return nil, err
	}
	return DenyListConfig{DenyList: s.DenyList}.Build()
}
