package logging

import (
	"encoding/hex"
	"log/slog"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Redacted marks a value withheld from the log.
const Redacted = "[REDACTED]"

// secretKeys are attribute keys whose values are credentials or key material.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"token":         {},
	"payment_token": {},
	"jwt":           {},
	"secret":        {},
	"passphrase":    {},
	"password":      {},
	"signature":     {},
	"private_key":   {},
	"spending_key":  {},
	"viewing_key":   {},
}

func normaliseKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.ReplaceAll(key, "-", "_")
}

// IsSecret reports whether values logged under key must be masked.
func IsSecret(key string) bool {
	_, ok := secretKeys[normaliseKey(key)]
	return ok
}

// Fingerprint is the first four bytes of Keccak256(value), hex encoded. It
// lets a masked value be correlated across lines without revealing it.
func Fingerprint(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	return hex.EncodeToString(ethcrypto.Keccak256(value)[:4])
}

// MaskBytes logs value under key as the redaction marker and its fingerprint.
func MaskBytes(key string, value []byte) slog.Attr {
	if len(value) == 0 {
		return slog.String(key, "")
	}
	return slog.String(key, Redacted+":"+Fingerprint(value))
}

// MaskField masks value when key names a secret and logs it verbatim
// otherwise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSecret(key) {
		return slog.String(key, value)
	}
	return MaskBytes(key, []byte(value))
}

// redactAttr masks secret attributes that reach the handler unmasked.
func redactAttr(attr slog.Attr) slog.Attr {
	if !IsSecret(attr.Key) || attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	value := attr.Value.String()
	if strings.HasPrefix(value, Redacted) {
		return attr
	}
	return MaskField(attr.Key, value)
}
