package authorization

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "stealthpay/core/errors"
)

var (
	domainTypeHash = ethcrypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	authTypeHash   = ethcrypto.Keccak256([]byte("PaymentAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
)

func word(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func uintWord(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

func bigWord(v *big.Int) ([]byte, error) {
	if v == nil || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: authorization: amount must be non-negative", coreerrors.ErrValidation)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: authorization: amount exceeds 256 bits", coreerrors.ErrValidation)
	}
	w := u.Bytes32()
	return w[:], nil
}

// Separator returns the domain separator hash.
func (d Domain) Separator() []byte {
	return ethcrypto.Keccak256(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		uintWord(d.ChainID),
		word(d.Custody[:]),
	)
}

// Digest computes the typed-data hash the payer signs:
// Keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
func Digest(domain Domain, auth *PaymentAuthorization) ([]byte, error) {
	if auth == nil {
		return nil, fmt.Errorf("%w: authorization: nil authorization", coreerrors.ErrValidation)
	}
	value, err := bigWord(auth.Amount)
	if err != nil {
		return nil, err
	}
	structHash := ethcrypto.Keccak256(
		authTypeHash,
		word(auth.From[:]),
		word(domain.Custody[:]),
		value,
		uintWord(auth.ValidAfter),
		uintWord(auth.ValidBefore),
		auth.Nonce[:],
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domain.Separator(), structHash), nil
}

// Sign fills auth.Signature with key's signature over the typed-data digest.
// The recovery id is encoded as 27/28.
func Sign(domain Domain, auth *PaymentAuthorization, key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: authorization: signing key required", coreerrors.ErrValidation)
	}
	digest, err := Digest(domain, auth)
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("authorization: sign: %w", err)
	}
	sig[64] += 27
	auth.Signature = sig
	return nil
}

// RecoverSigner returns the address that produced auth.Signature. Recovery ids
// 0/1 and 27/28 are both accepted.
func RecoverSigner(domain Domain, auth *PaymentAuthorization) ([20]byte, error) {
	var signer [20]byte
	if auth == nil || len(auth.Signature) != SignatureLength {
		return signer, ErrSignatureInvalid
	}
	digest, err := Digest(domain, auth)
	if err != nil {
		return signer, err
	}
	sig := append([]byte(nil), auth.Signature...)
	switch sig[64] {
	case 27, 28:
		sig[64] -= 27
	case 0, 1:
	default:
		return signer, ErrSignatureInvalid
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return signer, ErrSignatureInvalid
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
