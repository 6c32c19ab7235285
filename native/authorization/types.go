package authorization

import (
	"math/big"
)

// SignatureLength is the size of a recoverable secp256k1 signature (r‖s‖v).
const SignatureLength = 65

// PaymentAuthorization is a payer-signed, single-use instruction to move
// Amount from From into settlement custody during [ValidAfter, ValidBefore).
type PaymentAuthorization struct {
	From        [20]byte
	Amount      *big.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       [32]byte
	Signature   []byte
}

// Copy returns a deep copy of the authorization.
func (a *PaymentAuthorization) Copy() *PaymentAuthorization {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Amount != nil {
		clone.Amount = new(big.Int).Set(a.Amount)
	}
	clone.Signature = append([]byte(nil), a.Signature...)
	return &clone
}

// Domain binds signatures to a deployment: the settlement name and version,
// the chain id and the custody account funds are redeemed into.
type Domain struct {
	Name    string
	Version string
	ChainID uint64
	Custody [20]byte
}
