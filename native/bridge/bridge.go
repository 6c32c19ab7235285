// Package bridge forwards stealth payments between settlement domains. The
// source side redeems an authorization into its lock account and ships a
// Message through a Transport; the destination side replays the message into
// the settlement engine, which guards the message hash exactly like a nonce.
package bridge

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "stealthpay/core/errors"
	"stealthpay/native/authorization"
	"stealthpay/native/settlement"
)

var (
	ErrNilIntent           = fmt.Errorf("%w: bridge: intent required", coreerrors.ErrValidation)
	ErrDestinationRequired = fmt.Errorf("%w: bridge: destination domain required", coreerrors.ErrValidation)
	ErrUnknownSource       = fmt.Errorf("%w: bridge: source domain not trusted", coreerrors.ErrUnauthorized)
	ErrWrongDestination    = fmt.Errorf("%w: bridge: message addressed to another domain", coreerrors.ErrValidation)
	ErrSignerRequired      = fmt.Errorf("%w: bridge: signing key not configured", coreerrors.ErrValidation)
)

// Transport delivers encoded messages to the destination domain.
type Transport interface {
	Deliver(ctx context.Context, payload []byte) error
}

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var sequenceKey = []byte("bridge/sequence")

// Intent is a payer's request to settle on another domain.
type Intent struct {
	Authorization     *authorization.PaymentAuthorization
	DestinationDomain string
	StealthAddress    [20]byte
	EphemeralPubKey   []byte
	ViewTag           byte
}

// Bridge is the source side. Its verifier's custody is the lock account.
type Bridge struct {
	mu        sync.Mutex
	domain    string
	verifier  *authorization.Verifier
	transport Transport
	store     storage
	signer    *ecdsa.PrivateKey
	logger    *slog.Logger
}

// New constructs the source side of the bridge for domain. Outgoing messages
// are signed with signer, whose address destinations pin for this domain.
func New(domain string, verifier *authorization.Verifier, transport Transport, store storage, signer *ecdsa.PrivateKey, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		domain:    strings.TrimSpace(domain),
		verifier:  verifier,
		transport: transport,
		store:     store,
		signer:    signer,
		logger:    logger.With(slog.String("component", "bridge")),
	}
}

// SignerAddress is the address destinations must trust for this domain.
func (b *Bridge) SignerAddress() [20]byte {
	if b.signer == nil {
		return [20]byte{}
	}
	return ethcrypto.PubkeyToAddress(b.signer.PublicKey)
}

// LockAccount returns the account redeemed authorizations are held in.
func (b *Bridge) LockAccount() [20]byte { return b.verifier.Custody() }

func (b *Bridge) nextSequence() (uint64, error) {
	var seq uint64
	if _, err := b.store.KVGet(sequenceKey, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := b.store.KVPut(sequenceKey, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Send redeems the intent's authorization into the lock account and forwards
// the message. The returned hash identifies the message on the destination.
// A transport failure after redemption is returned with the encoded message
// so the caller can retry delivery; the authorization is never redeemed twice.
func (b *Bridge) Send(ctx context.Context, intent *Intent) ([32]byte, []byte, error) {
	var hash [32]byte
	if intent == nil || intent.Authorization == nil {
		return hash, nil, ErrNilIntent
	}
	destination := strings.TrimSpace(intent.DestinationDomain)
	if destination == "" {
		return hash, nil, ErrDestinationRequired
	}
	if intent.StealthAddress == ([20]byte{}) {
		return hash, nil, settlement.ErrZeroStealthAddress
	}
	if n := len(intent.EphemeralPubKey); n != 33 && n != 65 {
		return hash, nil, settlement.ErrInvalidEphemeral
	}

	if b.signer == nil {
		return hash, nil, ErrSignerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.verifier.Redeem(ctx, intent.Authorization); err != nil {
		return hash, nil, err
	}
	seq, err := b.nextSequence()
	if err != nil {
		return hash, nil, fmt.Errorf("bridge: sequence: %w", err)
	}
	msg := &Message{
		Version:           MessageVersion,
		SourceDomain:      b.domain,
		DestinationDomain: destination,
		Sequence:          seq,
		Payer:             intent.Authorization.From,
		Amount:            new(big.Int).Set(intent.Authorization.Amount),
		StealthAddress:    intent.StealthAddress,
		EphemeralPubKey:   append([]byte(nil), intent.EphemeralPubKey...),
		ViewTag:           intent.ViewTag,
	}
	if err := msg.Sign(b.signer); err != nil {
		return hash, nil, err
	}
	payload, err := msg.Encode()
	if err != nil {
		return hash, nil, err
	}
	if hash, err = msg.Hash(); err != nil {
		return hash, nil, err
	}
	if err := b.transport.Deliver(ctx, payload); err != nil {
		b.logger.Warn("bridge delivery failed",
			slog.String("message_hash", hex.EncodeToString(hash[:])),
			slog.String("destination", destination),
			slog.Any("error", err))
		return hash, payload, fmt.Errorf("bridge: deliver: %w", err)
	}
	b.logger.Info("bridge message sent",
		slog.String("message_hash", hex.EncodeToString(hash[:])),
		slog.String("destination", destination),
		slog.Uint64("sequence", seq))
	return hash, payload, nil
}
