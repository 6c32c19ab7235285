package stealth

import (
	"math/big"

	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Secret scalars only meet the curve through these helpers. ethcrypto.S256
// is backed by libsecp256k1's constant-time multiplication in cgo builds.

// scalarMult returns k·P.
func scalarMult(k *secp.ModNScalar, p *secp.PublicKey) (*secp.PublicKey, error) {
	kb := k.Bytes()
	defer func() { kb = [32]byte{} }()
	x, y := ethcrypto.S256().ScalarMult(p.X(), p.Y(), kb[:])
	return pointFromCoordinates(x, y)
}

// scalarBaseMult returns k·G.
func scalarBaseMult(k *secp.ModNScalar) (*secp.PublicKey, error) {
	kb := k.Bytes()
	defer func() { kb = [32]byte{} }()
	x, y := ethcrypto.S256().ScalarBaseMult(kb[:])
	return pointFromCoordinates(x, y)
}

func pointFromCoordinates(x, y *big.Int) (*secp.PublicKey, error) {
	if x == nil || y == nil || (x.Sign() == 0 && y.Sign() == 0) {
		return nil, ErrDegenerate
	}
	var buf [32]byte
	var fx, fy secp.FieldVal
	if overflow := fx.SetBytes((*[32]byte)(x.FillBytes(buf[:]))); overflow != 0 {
		return nil, ErrInvalidPoint
	}
	if overflow := fy.SetBytes((*[32]byte)(y.FillBytes(buf[:]))); overflow != 0 {
		return nil, ErrInvalidPoint
	}
	return secp.NewPublicKey(&fx, &fy), nil
}
