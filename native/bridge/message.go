package bridge

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	coreerrors "stealthpay/core/errors"
)

// MessageVersion is the only wire version understood by Receiver.
const MessageVersion uint8 = 1

var (
	ErrMalformedMessage   = fmt.Errorf("%w: bridge: malformed message", coreerrors.ErrValidation)
	ErrUnsupportedVersion = fmt.Errorf("%w: bridge: unsupported message version", coreerrors.ErrValidation)
	ErrUnsignedMessage    = fmt.Errorf("%w: bridge: message not signed", coreerrors.ErrUnauthorized)
	ErrBadSignature       = fmt.Errorf("%w: bridge: message signature invalid", coreerrors.ErrUnauthorized)
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = 65

// Message is the payload forwarded between domains. It carries everything the
// destination needs to route funds and announce, but never the payer's
// signature. Signature is the source domain's signature over Hash and is not
// itself hashed.
type Message struct {
	Version           uint8
	SourceDomain      string
	DestinationDomain string
	Sequence          uint64
	Payer             [20]byte
	Amount            *big.Int
	StealthAddress    [20]byte
	EphemeralPubKey   []byte
	ViewTag           byte
	Signature         []byte `rlp:"optional"`
}

// Encode returns the RLP encoding of the message.
func (m *Message) Encode() ([]byte, error) {
	if m == nil {
		return nil, ErrMalformedMessage
	}
	return rlp.EncodeToBytes(m)
}

// Hash is the message uniqueness key: Keccak256 over the RLP encoding of the
// unsigned message.
func (m *Message) Hash() ([32]byte, error) {
	var out [32]byte
	if m == nil {
		return out, ErrMalformedMessage
	}
	unsigned := *m
	unsigned.Signature = nil
	encoded, err := rlp.EncodeToBytes(&unsigned)
	if err != nil {
		return out, err
	}
	copy(out[:], ethcrypto.Keccak256(encoded))
	return out, nil
}

// Sign attaches the source domain's signature over Hash.
func (m *Message) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: bridge: signing key required", coreerrors.ErrValidation)
	}
	hash, err := m.Hash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash[:], key)
	if err != nil {
		return fmt.Errorf("bridge: sign: %w", err)
	}
	m.Signature = sig
	return nil
}

// Signer recovers the address that signed the message.
func (m *Message) Signer() ([20]byte, error) {
	var signer [20]byte
	if m == nil || len(m.Signature) == 0 {
		return signer, ErrUnsignedMessage
	}
	if len(m.Signature) != SignatureLength || m.Signature[64] > 1 {
		return signer, ErrBadSignature
	}
	hash, err := m.Hash()
	if err != nil {
		return signer, err
	}
	pub, err := ethcrypto.SigToPub(hash[:], m.Signature)
	if err != nil {
		return signer, ErrBadSignature
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// DecodeMessage parses an RLP payload.
func DecodeMessage(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrMalformedMessage
	}
	var msg Message
	if err := rlp.DecodeBytes(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Version != MessageVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Version)
	}
	if msg.Amount == nil || msg.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformedMessage)
	}
	return &msg, nil
}
