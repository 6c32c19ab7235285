package compliance

import (
	"fmt"
	"sort"
	"strings"

	"stealthpay/crypto"
)

// DenyListConfig lists identities that are always rejected. Entries may be
// 0x-prefixed hex or bech32 addresses.
type DenyListConfig struct {
	DenyList []string `toml:"DenyList" yaml:"deny_list"`
}

// Normalise trims whitespace, removes duplicates, and applies canonical casing.
func (cfg DenyListConfig) Normalise() DenyListConfig {
	if len(cfg.DenyList) == 0 {
		return DenyListConfig{}
	}
	trimmed := make([]string, 0, len(cfg.DenyList))
	seen := make(map[string]struct{}, len(cfg.DenyList))
	for _, raw := range cfg.DenyList {
		normalized := strings.ToLower(strings.TrimSpace(raw))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		trimmed = append(trimmed, normalized)
	}
	sort.Strings(trimmed)
	return DenyListConfig{DenyList: trimmed}
}

// DenyList is a static Checker rejecting a fixed set of identities.
type DenyList struct {
	blocked map[[20]byte]struct{}
}

// Build parses the configuration into a DenyList.
func (cfg DenyListConfig) Build() (*DenyList, error) {
	normalized := cfg.Normalise()
	list := &DenyList{blocked: make(map[[20]byte]struct{}, len(normalized.DenyList))}
	for _, entry := range normalized.DenyList {
		addr, err := crypto.ParseAddress(entry)
		if err != nil {
			return nil, fmt.Errorf("compliance: decode deny list entry %q: %w", entry, err)
		}
		list.blocked[addr] = struct{}{}
	}
	return list, nil
}

// Len returns the number of denied identities.
func (d *DenyList) Len() int {
	if d == nil {
		return 0
	}
	return len(d.blocked)
}

// CheckCompliance implements Checker.
func (d *DenyList) CheckCompliance(identity [20]byte) (bool, error) {
	if d == nil {
		return true, nil
	}
	_, denied := d.blocked[identity]
	return !denied, nil
}
