package stealth

import (
	"crypto/ecdsa"
	"fmt"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Candidate is the subset of an announcement needed to test ownership.
type Candidate struct {
	StealthAddress  [20]byte
	EphemeralPubKey []byte
	ViewTag         byte
}

// Match is a confirmed payment to the scanning recipient. Tweak is the
// per-payment scalar h mod n that, added to the spending key, controls the
// stealth address.
type Match struct {
	StealthAddress [20]byte
	Tweak          [32]byte
}

// TryMatch tests whether candidate was addressed to the owner of viewingPriv
// and spendPub. The view tag comparison is only a fast reject; a match is
// reported solely when the fully derived address equals the announced one.
func TryMatch(candidate Candidate, viewingPriv []byte, spendPub []byte) (*Match, bool, error) {
	viewing, err := parseScalar(viewingPriv)
	if err != nil {
		return nil, false, err
	}
	defer viewing.Zero()
	spend, err := parseCompressed(spendPub)
	if err != nil {
		return nil, false, err
	}
	ephemeral, err := parsePublicKey(candidate.EphemeralPubKey)
	if err != nil {
		return nil, false, err
	}
	h, err := sharedSecretHash(viewing, ephemeral)
	if err != nil {
		return nil, false, err
	}
	if h[0] != candidate.ViewTag {
		return nil, false, nil
	}
	tweak, err := tweakFromHash(h)
	if err != nil {
		return nil, false, err
	}
	stealthPub, err := stealthPublicKey(spend, tweak)
	if err != nil {
		return nil, false, err
	}
	if AddressOf(stealthPub) != candidate.StealthAddress {
		return nil, false, nil
	}
	return &Match{StealthAddress: candidate.StealthAddress, Tweak: tweak.Bytes()}, true, nil
}

// ValidateScanKeys checks that viewingPriv is a valid scalar and spendPub a
// valid compressed point.
func ValidateScanKeys(viewingPriv, spendPub []byte) error {
	viewing, err := parseScalar(viewingPriv)
	if err != nil {
		return err
	}
	viewing.Zero()
	_, err = parseCompressed(spendPub)
	return err
}

// MatchKeyPair is a convenience wrapper around TryMatch for a full key pair.
func MatchKeyPair(candidate Candidate, keys *KeyPair) (*Match, bool, error) {
	if keys == nil {
		return nil, false, fmt.Errorf("%w: key pair required", ErrInvalidScalar)
	}
	return TryMatch(candidate, keys.ViewingPriv[:], keys.SpendingPub[:])
}

// SpendingKey returns the claiming key spendingPriv + tweak mod n. The
// resulting key controls m.StealthAddress.
func (m *Match) SpendingKey(spendingPriv []byte) (*ecdsa.PrivateKey, error) {
	spending, err := parseScalar(spendingPriv)
	if err != nil {
		return nil, err
	}
	defer spending.Zero()
	var tweak secp.ModNScalar
	if overflow := tweak.SetBytes(&m.Tweak); overflow != 0 || tweak.IsZero() {
		return nil, ErrInvalidScalar
	}
	claim := new(secp.ModNScalar).Add2(spending, &tweak)
	if claim.IsZero() {
		return nil, ErrDegenerate
	}
	raw := claim.Bytes()
	defer func() { raw = [32]byte{} }()
	key, err := ethcrypto.ToECDSA(raw[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	if ethcrypto.PubkeyToAddress(key.PublicKey) != m.StealthAddress {
		return nil, fmt.Errorf("%w: claiming key does not control %x", ErrDegenerate, m.StealthAddress)
	}
	return key, nil
}
