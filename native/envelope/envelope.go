// Package envelope carries stealth payments over HTTP. A server that wants
// payment answers with a PaymentRequired body; the client replies with a
// payment token in the X-Payment header that the server converts into a
// settlement request.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto/stealth"
	"stealthpay/native/authorization"
	"stealthpay/native/settlement"
)

// HeaderName is the request header carrying a payment token.
const HeaderName = "X-Payment"

var (
	ErrInvalidToken    = fmt.Errorf("%w: envelope: invalid payment token", coreerrors.ErrValidation)
	ErrInvalidEnvelope = fmt.Errorf("%w: envelope: invalid payment required body", coreerrors.ErrValidation)
)

// PaymentRequired describes what the server expects to be paid.
type PaymentRequired struct {
	Amount              string         `json:"amount"`
	Token               string         `json:"token"`
	Receiver            common.Address `json:"receiver"`
	ReceiverMetaAddress string         `json:"receiverMetaAddress,omitempty"`
	Description         string         `json:"description,omitempty"`
}

// Validate checks the amount and, when present, the meta-address.
func (p PaymentRequired) Validate() error {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: token required", ErrInvalidEnvelope)
	}
	if p.ReceiverMetaAddress != "" {
		if _, err := stealth.ParseMetaAddressHex(p.ReceiverMetaAddress); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
	}
	return nil
}

// AmountInt returns the parsed amount.
func (p PaymentRequired) AmountInt() (*big.Int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	amount, _ := new(big.Int).SetString(strings.TrimSpace(p.Amount), 10)
	return amount, nil
}

// Token is the decoded payment token.
type Token struct {
	From            common.Address `json:"from"`
	Amount          string         `json:"amount"`
	Nonce           common.Hash    `json:"nonce"`
	ValidAfter      uint64         `json:"validAfter"`
	ValidBefore     uint64         `json:"validBefore"`
	StealthAddress  common.Address `json:"stealthAddress"`
	EphemeralPubKey hexutil.Bytes  `json:"ephemeralPubKey"`
	ViewTag         uint8          `json:"viewTag"`
	Signature       hexutil.Bytes  `json:"signature"`
}

// NewToken packages a signed authorization and the stealth routing data.
func NewToken(auth *authorization.PaymentAuthorization, stealthAddr [20]byte, ephemeral []byte, viewTag byte) (*Token, error) {
	if auth == nil || auth.Amount == nil {
		return nil, fmt.Errorf("%w: authorization required", ErrInvalidToken)
	}
	return &Token{
		From:            common.Address(auth.From),
		Amount:          auth.Amount.String(),
		Nonce:           common.Hash(auth.Nonce),
		ValidAfter:      auth.ValidAfter,
		ValidBefore:     auth.ValidBefore,
		StealthAddress:  common.Address(stealthAddr),
		EphemeralPubKey: append(hexutil.Bytes(nil), ephemeral...),
		ViewTag:         viewTag,
		Signature:       append(hexutil.Bytes(nil), auth.Signature...),
	}, nil
}

// EncodeToken renders base64url(JSON) without padding.
func EncodeToken(t *Token) (string, error) {
	if t == nil {
		return "", ErrInvalidToken
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("envelope: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a token produced by EncodeToken. Padded input is accepted.
func DecodeToken(encoded string) (*Token, error) {
	encoded = strings.TrimRight(strings.TrimSpace(encoded), "=")
	if encoded == "" {
		return nil, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &t, nil
}

// Authorization rebuilds the signed authorization.
func (t *Token) Authorization() (*authorization.PaymentAuthorization, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(t.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be a positive integer", ErrInvalidToken)
	}
	if len(t.Signature) != authorization.SignatureLength {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidToken, authorization.SignatureLength)
	}
	return &authorization.PaymentAuthorization{
		From:        [20]byte(t.From),
		Amount:      amount,
		ValidAfter:  t.ValidAfter,
		ValidBefore: t.ValidBefore,
		Nonce:       [32]byte(t.Nonce),
		Signature:   append([]byte(nil), t.Signature...),
	}, nil
}

// Request converts the token into a settlement request.
func (t *Token) Request() (settlement.Request, error) {
	auth, err := t.Authorization()
	if err != nil {
		return settlement.Request{}, err
	}
	return settlement.Request{
		Authorization:   auth,
		StealthAddress:  [20]byte(t.StealthAddress),
		EphemeralPubKey: append([]byte(nil), t.EphemeralPubKey...),
		ViewTag:         t.ViewTag,
	}, nil
}

// Satisfies reports whether the token pays at least the amount p requires.
// The receiver is bound through the authorization's signing domain.
func (t *Token) Satisfies(p PaymentRequired) error {
	want, err := p.AmountInt()
	if err != nil {
		return err
	}
	auth, err := t.Authorization()
	if err != nil {
		return err
	}
	if auth.Amount.Cmp(want) < 0 {
		return fmt.Errorf("%w: token pays %s, %s required", ErrInvalidToken, auth.Amount, want)
	}
	return nil
}
