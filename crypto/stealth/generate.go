package stealth

import (
	"fmt"
	"io"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Result is everything a sender needs to pay and announce a stealth payment.
type Result struct {
	StealthAddress  [20]byte
	StealthPubKey   [PubKeyLength]byte
	EphemeralPubKey [PubKeyLength]byte
	ViewTag         byte
}

// Generate derives a fresh one-time address for the recipient identified by
// meta using an ephemeral scalar drawn from rand.
func Generate(meta []byte, rand io.Reader) (*Result, error) {
	ephemeral, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	defer ephemeral.Zero()
	return generate(meta, ephemeral)
}

// GenerateWithEphemeral derives the stealth address using a caller supplied
// ephemeral private scalar. Reusing an ephemeral key across payments links
// them; callers should only do this for reproducible fixtures.
func GenerateWithEphemeral(meta []byte, ephemeralPriv []byte) (*Result, error) {
	ephemeral, err := parseScalar(ephemeralPriv)
	if err != nil {
		return nil, err
	}
	defer ephemeral.Zero()
	return generate(meta, ephemeral)
}

func generate(meta []byte, ephemeral *secp.ModNScalar) (*Result, error) {
	spendPub, viewPub, err := ParseMetaAddress(meta)
	if err != nil {
		return nil, err
	}
	h, err := sharedSecretHash(ephemeral, viewPub)
	if err != nil {
		return nil, err
	}
	tweak, err := tweakFromHash(h)
	if err != nil {
		return nil, err
	}
	stealthPub, err := stealthPublicKey(spendPub, tweak)
	if err != nil {
		return nil, err
	}
	ephemeralPub, err := scalarBaseMult(ephemeral)
	if err != nil {
		return nil, err
	}
	res := &Result{
		StealthAddress: AddressOf(stealthPub),
		ViewTag:        h[0],
	}
	if res.StealthAddress == ([20]byte{}) {
		return nil, fmt.Errorf("%w: zero stealth address", ErrDegenerate)
	}
	copy(res.StealthPubKey[:], stealthPub.SerializeCompressed())
	copy(res.EphemeralPubKey[:], ephemeralPub.SerializeCompressed())
	return res, nil
}
