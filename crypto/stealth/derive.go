package stealth

import (
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// sharedSecretHash hashes the compressed encoding of the ECDH shared point.
func sharedSecretHash(scalar *secp.ModNScalar, point *secp.PublicKey) ([32]byte, error) {
	shared, err := scalarMult(scalar, point)
	if err != nil {
		return [32]byte{}, err
	}
	var h [32]byte
	copy(h[:], ethcrypto.Keccak256(shared.SerializeCompressed()))
	return h, nil
}

// tweakFromHash reduces the shared-secret hash modulo the group order.
func tweakFromHash(h [32]byte) (*secp.ModNScalar, error) {
	var tweak secp.ModNScalar
	tweak.SetByteSlice(h[:])
	if tweak.IsZero() {
		return nil, ErrDegenerate
	}
	return &tweak, nil
}

// stealthPublicKey computes spendPub + tweak·G.
func stealthPublicKey(spendPub *secp.PublicKey, tweak *secp.ModNScalar) (*secp.PublicKey, error) {
	tweakPub, err := scalarBaseMult(tweak)
	if err != nil {
		return nil, err
	}
	var spend, tweakG, sum secp.JacobianPoint
	spendPub.AsJacobian(&spend)
	tweakPub.AsJacobian(&tweakG)
	secp.AddNonConst(&spend, &tweakG, &sum)
	if isInfinity(&sum) {
		return nil, ErrDegenerate
	}
	sum.ToAffine()
	return secp.NewPublicKey(&sum.X, &sum.Y), nil
}

// AddressOf derives the ledger address of a public key: the last 20 bytes of
// Keccak256 over the uncompressed X‖Y coordinates.
func AddressOf(pub *secp.PublicKey) [20]byte {
	var addr [20]byte
	uncompressed := pub.SerializeUncompressed()
	copy(addr[:], ethcrypto.Keccak256(uncompressed[1:])[12:])
	return addr
}

func isInfinity(p *secp.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}
