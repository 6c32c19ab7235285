package stealth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"testing"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto"
)

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

func TestGenerateAndMatchRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	for i := 0; i < 8; i++ {
		res, err := Generate(meta[:], rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		candidate := Candidate{
			StealthAddress:  res.StealthAddress,
			EphemeralPubKey: res.EphemeralPubKey[:],
			ViewTag:         res.ViewTag,
		}
		match, ok, err := TryMatch(candidate, kp.ViewingPriv[:], kp.SpendingPub[:])
		if err != nil {
			t.Fatalf("try match: %v", err)
		}
		if !ok {
			t.Fatalf("expected payment %d to match its recipient", i)
		}
		key, err := match.SpendingKey(kp.SpendingPriv[:])
		if err != nil {
			t.Fatalf("spending key: %v", err)
		}
		if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != res.StealthAddress {
			t.Fatalf("claiming key controls %x, want %x", got, res.StealthAddress)
		}
	}
}

func TestGenerateProducesFreshAddresses(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	seen := make(map[[20]byte]struct{})
	for i := 0; i < 16; i++ {
		res, err := Generate(meta[:], rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[res.StealthAddress]; dup {
			t.Fatalf("stealth address repeated")
		}
		seen[res.StealthAddress] = struct{}{}
	}
}

func TestTryMatchRejectsOtherRecipient(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	meta := alice.MetaAddress()
	for i := 0; i < 16; i++ {
		res, err := Generate(meta[:], rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		_, ok, err := MatchKeyPair(Candidate{
			StealthAddress:  res.StealthAddress,
			EphemeralPubKey: res.EphemeralPubKey[:],
			ViewTag:         res.ViewTag,
		}, bob)
		if err != nil {
			t.Fatalf("try match: %v", err)
		}
		if ok {
			t.Fatalf("payment to alice matched bob")
		}
	}
}

func TestTryMatchRequiresFullAddress(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	res, err := Generate(meta[:], rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	forged := res.StealthAddress
	forged[19] ^= 0xff
	_, ok, err := TryMatch(Candidate{
		StealthAddress:  forged,
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	}, kp.ViewingPriv[:], kp.SpendingPub[:])
	if err != nil {
		t.Fatalf("try match: %v", err)
	}
	if ok {
		t.Fatalf("matching view tag alone must not report a match")
	}
}

func TestViewTagFiltersMostForeignAnnouncements(t *testing.T) {
	alice := mustKeyPair(t)
	bob := mustKeyPair(t)
	viewing, err := parseScalar(bob.ViewingPriv[:])
	if err != nil {
		t.Fatalf("viewing key: %v", err)
	}
	meta := alice.MetaAddress()
	const samples = 4096
	passed := 0
	for i := 0; i < samples; i++ {
		res, err := Generate(meta[:], rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		ephemeral, err := parsePublicKey(res.EphemeralPubKey[:])
		if err != nil {
			t.Fatalf("ephemeral: %v", err)
		}
		h, err := sharedSecretHash(viewing, ephemeral)
		if err != nil {
			t.Fatalf("shared secret: %v", err)
		}
		if h[0] == res.ViewTag {
			passed++
		}
		_, ok, err := MatchKeyPair(Candidate{
			StealthAddress:  res.StealthAddress,
			EphemeralPubKey: res.EphemeralPubKey[:],
			ViewTag:         res.ViewTag,
		}, bob)
		if err != nil {
			t.Fatalf("try match: %v", err)
		}
		if ok {
			t.Fatalf("payment %d to alice matched bob", i)
		}
	}
	// One in 256 foreign announcements should pass the tag: 16 expected here.
	if passed > 48 {
		t.Fatalf("view tag passed %d of %d foreign announcements", passed, samples)
	}
}

func TestCurveHelpersAgreeWithReferenceArithmetic(t *testing.T) {
	for i := 0; i < 8; i++ {
		a, err := randomScalar(rand.Reader)
		if err != nil {
			t.Fatalf("scalar: %v", err)
		}
		b, err := randomScalar(rand.Reader)
		if err != nil {
			t.Fatalf("scalar: %v", err)
		}
		aPub, err := scalarBaseMult(a)
		if err != nil {
			t.Fatalf("base mult: %v", err)
		}
		if !aPub.IsEqual(secp.NewPrivateKey(a).PubKey()) {
			t.Fatalf("base multiplication disagrees with reference")
		}
		bPub, err := scalarBaseMult(b)
		if err != nil {
			t.Fatalf("base mult: %v", err)
		}
		ab, err := scalarMult(a, bPub)
		if err != nil {
			t.Fatalf("mult: %v", err)
		}
		ba, err := scalarMult(b, aPub)
		if err != nil {
			t.Fatalf("mult: %v", err)
		}
		if !ab.IsEqual(ba) {
			t.Fatalf("ECDH is not symmetric")
		}
		var base, want secp.JacobianPoint
		bPub.AsJacobian(&base)
		secp.ScalarMultNonConst(a, &base, &want)
		want.ToAffine()
		if !ab.IsEqual(secp.NewPublicKey(&want.X, &want.Y)) {
			t.Fatalf("scalar multiplication disagrees with reference")
		}
	}
}

func TestGenerateWithEphemeralIsDeterministic(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	ephemeral := bytes.Repeat([]byte{0x11}, 32)
	first, err := GenerateWithEphemeral(meta[:], ephemeral)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := GenerateWithEphemeral(meta[:], ephemeral)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if *first != *second {
		t.Fatalf("same ephemeral key produced different results")
	}
	expectedEphemeral := ethcrypto.CompressPubkey(&mustECDSA(t, ephemeral).PublicKey)
	if !bytes.Equal(first.EphemeralPubKey[:], expectedEphemeral) {
		t.Fatalf("ephemeral public key mismatch")
	}
}

func TestParseMetaAddressLength(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	for _, size := range []int{0, 33, 65, 67, 130} {
		raw := make([]byte, size)
		copy(raw, meta[:])
		if _, _, err := ParseMetaAddress(raw); !errors.Is(err, coreerrors.ErrValidation) {
			t.Fatalf("length %d: expected validation error, got %v", size, err)
		}
	}
	if _, err := Generate(meta[:65], rand.Reader); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error for short meta-address, got %v", err)
	}
	spend, view, err := ParseMetaAddress(meta[:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(spend.SerializeCompressed(), kp.SpendingPub[:]) || !bytes.Equal(view.SerializeCompressed(), kp.ViewingPub[:]) {
		t.Fatalf("parsed keys do not match key pair")
	}
}

func TestParseMetaAddressRejectsOffCurve(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	meta[0] = 0x05
	if _, _, err := ParseMetaAddress(meta[:]); !errors.Is(err, ErrInvalidMetaAddress) {
		t.Fatalf("expected invalid meta-address, got %v", err)
	}
}

func TestMetaAddressHexRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	meta := kp.MetaAddress()
	parsed, err := ParseMetaAddressHex(meta.Hex())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if parsed != meta {
		t.Fatalf("round trip mismatch")
	}
	bare := meta.Hex()[len(metaAddressPrefix)+2:]
	if parsed, err = ParseMetaAddressHex(bare); err != nil || parsed != meta {
		t.Fatalf("bare hex: %v", err)
	}
	if _, err := ParseMetaAddressHex("st:eth:0xzz"); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestKeyPairFromPrivateKeys(t *testing.T) {
	kp := mustKeyPair(t)
	rebuilt, err := KeyPairFromPrivateKeys(kp.SpendingPriv[:], kp.ViewingPriv[:])
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if *rebuilt != *kp {
		t.Fatalf("rebuilt key pair differs")
	}
	if _, err := KeyPairFromPrivateKeys(make([]byte, 32), kp.ViewingPriv[:]); !errors.Is(err, ErrInvalidScalar) {
		t.Fatalf("expected zero scalar to be rejected, got %v", err)
	}
	order := ethcrypto.S256().Params().N.Bytes()
	if _, err := KeyPairFromPrivateKeys(order, kp.ViewingPriv[:]); !errors.Is(err, ErrInvalidScalar) {
		t.Fatalf("expected group order to be rejected, got %v", err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestGenerateKeyPairRejectsDegenerateRandomness(t *testing.T) {
	if _, err := GenerateKeyPair(zeroReader{}); err == nil {
		t.Fatalf("expected all-zero randomness to be rejected")
	}
}

func TestSpendingKeyRejectsWrongSpendingKey(t *testing.T) {
	kp := mustKeyPair(t)
	other := mustKeyPair(t)
	meta := kp.MetaAddress()
	res, err := Generate(meta[:], rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	match, ok, err := MatchKeyPair(Candidate{
		StealthAddress:  res.StealthAddress,
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	}, kp)
	if err != nil || !ok {
		t.Fatalf("expected match: ok=%v err=%v", ok, err)
	}
	if _, err := match.SpendingKey(other.SpendingPriv[:]); err == nil {
		t.Fatalf("expected foreign spending key to be rejected")
	}
}

func mustECDSA(t *testing.T, raw []byte) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		t.Fatalf("to ecdsa: %v", err)
	}
	return key
}

func TestKeyPairKeystoreRoundTrip(t *testing.T) {
	crypto.SetKeystoreScrypt(keystore.LightScryptN, keystore.LightScryptP)
	kp := mustKeyPair(t)
	dir := t.TempDir()
	if err := SaveKeyPair(dir, kp, "passphrase"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadKeyPair(dir, "passphrase")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MetaAddress() != kp.MetaAddress() {
		t.Fatalf("meta-address changed across keystore round trip")
	}
	viewing, err := LoadViewingKey(dir, "passphrase")
	if err != nil {
		t.Fatalf("load viewing: %v", err)
	}
	if viewing != kp.ViewingPriv {
		t.Fatalf("viewing key mismatch")
	}
	if _, err := LoadKeyPair(dir, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
