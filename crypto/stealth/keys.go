// Package stealth implements the secp256k1 stealth address scheme: recipients
// publish a meta-address (spending and viewing public keys), senders derive a
// fresh one-time address per payment and recipients recognise their payments
// by scanning announcements with the viewing key.
package stealth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"

	coreerrors "stealthpay/core/errors"
)

// SchemeSecp256k1 identifies this scheme in announcements and the registry.
const SchemeSecp256k1 uint64 = 1

const (
	// PubKeyLength is the size of a compressed secp256k1 point.
	PubKeyLength = 33
	// MetaAddressLength is spendPub‖viewPub.
	MetaAddressLength = 2 * PubKeyLength

	metaAddressPrefix = "st:eth:"
)

var (
	// ErrInvalidMetaAddress is returned for meta-addresses that are not exactly
	// two valid compressed points.
	ErrInvalidMetaAddress = fmt.Errorf("%w: stealth: invalid meta-address", coreerrors.ErrValidation)
	// ErrInvalidPoint marks an encoded public key that is not on the curve.
	ErrInvalidPoint = fmt.Errorf("%w: stealth: invalid curve point", coreerrors.ErrValidation)
	// ErrInvalidScalar marks a private scalar outside [1, n-1].
	ErrInvalidScalar = fmt.Errorf("%w: stealth: invalid scalar", coreerrors.ErrValidation)
	// ErrDegenerate is returned in the negligible case a derivation yields the
	// zero scalar or the point at infinity.
	ErrDegenerate = fmt.Errorf("%w: stealth: degenerate derivation", coreerrors.ErrValidation)

	errRandomExhausted = errors.New("stealth: random source failed to produce a valid scalar")
)

// KeyPair holds a recipient's long-term spending and viewing keys.
type KeyPair struct {
	SpendingPriv [32]byte
	ViewingPriv  [32]byte
	SpendingPub  [PubKeyLength]byte
	ViewingPub   [PubKeyLength]byte
}

// MetaAddress is the published spendPub‖viewPub encoding.
type MetaAddress [MetaAddressLength]byte

// GenerateKeyPair samples two independent scalars uniformly in [1, n-1].
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	spending, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	viewing, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	return keyPairFromScalars(spending, viewing)
}

// KeyPairFromPrivateKeys rebuilds a key pair from stored 32-byte scalars.
func KeyPairFromPrivateKeys(spendingPriv, viewingPriv []byte) (*KeyPair, error) {
	spending, err := parseScalar(spendingPriv)
	if err != nil {
		return nil, err
	}
	viewing, err := parseScalar(viewingPriv)
	if err != nil {
		return nil, err
	}
	return keyPairFromScalars(spending, viewing)
}

func keyPairFromScalars(spending, viewing *secp.ModNScalar) (*KeyPair, error) {
	spendPub, err := scalarBaseMult(spending)
	if err != nil {
		return nil, err
	}
	viewPub, err := scalarBaseMult(viewing)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{
		SpendingPriv: spending.Bytes(),
		ViewingPriv:  viewing.Bytes(),
	}
	copy(kp.SpendingPub[:], spendPub.SerializeCompressed())
	copy(kp.ViewingPub[:], viewPub.SerializeCompressed())
	return kp, nil
}

// MetaAddress returns the publishable meta-address for the key pair.
func (k *KeyPair) MetaAddress() MetaAddress {
	var meta MetaAddress
	copy(meta[:PubKeyLength], k.SpendingPub[:])
	copy(meta[PubKeyLength:], k.ViewingPub[:])
	return meta
}

// Bytes returns a copy of the raw 66-byte encoding.
func (m MetaAddress) Bytes() []byte {
	return append([]byte(nil), m[:]...)
}

// Hex renders the meta-address in its st:eth:0x… form.
func (m MetaAddress) Hex() string {
	return metaAddressPrefix + "0x" + hex.EncodeToString(m[:])
}

func (m MetaAddress) String() string { return m.Hex() }

// ParseMetaAddressHex accepts the st:eth:0x… form or bare hex.
func ParseMetaAddressHex(raw string) (MetaAddress, error) {
	var meta MetaAddress
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, metaAddressPrefix)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return meta, fmt.Errorf("%w: %v", ErrInvalidMetaAddress, err)
	}
	if _, _, err := ParseMetaAddress(decoded); err != nil {
		return meta, err
	}
	copy(meta[:], decoded)
	return meta, nil
}

// ParseMetaAddress splits a 66-byte meta-address into its spending and viewing
// public keys. Any other length, or a half that is not a valid compressed
// point, is a validation error.
func ParseMetaAddress(raw []byte) (spendPub, viewPub *secp.PublicKey, err error) {
	if len(raw) != MetaAddressLength {
		return nil, nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidMetaAddress, len(raw), MetaAddressLength)
	}
	spendPub, err = parseCompressed(raw[:PubKeyLength])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: spending key: %v", ErrInvalidMetaAddress, err)
	}
	viewPub, err = parseCompressed(raw[PubKeyLength:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: viewing key: %v", ErrInvalidMetaAddress, err)
	}
	return spendPub, viewPub, nil
}

func parseCompressed(raw []byte) (*secp.PublicKey, error) {
	if len(raw) != PubKeyLength {
		return nil, ErrInvalidPoint
	}
	pub, err := secp.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return pub, nil
}

// parsePublicKey accepts compressed (33) and uncompressed (65) encodings.
func parsePublicKey(raw []byte) (*secp.PublicKey, error) {
	if len(raw) != PubKeyLength && len(raw) != 65 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPoint, len(raw))
	}
	pub, err := secp.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return pub, nil
}

func parseScalar(raw []byte) (*secp.ModNScalar, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidScalar, len(raw))
	}
	var s secp.ModNScalar
	if overflow := s.SetByteSlice(raw); overflow || s.IsZero() {
		return nil, ErrInvalidScalar
	}
	return &s, nil
}

func randomScalar(rand io.Reader) (*secp.ModNScalar, error) {
	var buf [32]byte
	defer func() { buf = [32]byte{} }()
	// The rejection probability per draw is below 2^-127; the bound only
	// guards against a broken reader.
	for i := 0; i < 16; i++ {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, fmt.Errorf("stealth: read randomness: %w", err)
		}
		var s secp.ModNScalar
		if overflow := s.SetBytes(&buf); overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
	return nil, errRandomExhausted
}
