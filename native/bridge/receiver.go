package bridge

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"stealthpay/native/settlement"
	"stealthpay/observability/logging"
)

// RemoteSettler is the settlement entry point messages are replayed into.
type RemoteSettler interface {
	ProcessRemote(ctx context.Context, payment settlement.RemotePayment) (*settlement.Receipt, error)
}

// Receiver is the destination side of the bridge. Each trusted source domain
// is pinned to the address that signs its messages.
type Receiver struct {
	domain  string
	trusted map[string][20]byte
	settler RemoteSettler
	logger  *slog.Logger
}

// NewReceiver accepts messages addressed to domain from the trusted sources,
// keyed by source domain to signer address.
func NewReceiver(domain string, trusted map[string][20]byte, settler RemoteSettler, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Receiver{
		domain:  strings.TrimSpace(domain),
		trusted: make(map[string][20]byte, len(trusted)),
		settler: settler,
		logger:  logger.With(slog.String("component", "bridge_receiver")),
	}
	for source, signer := range trusted {
		if source = strings.TrimSpace(source); source != "" && signer != ([20]byte{}) {
			r.trusted[source] = signer
		}
	}
	return r
}

// Receive decodes payload, authenticates it against the source's signer and
// settles it. A message hash seen before is rejected by the engine with
// ErrReplayDetected.
func (r *Receiver) Receive(ctx context.Context, payload []byte) (*settlement.Receipt, error) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	expected, ok := r.trusted[msg.SourceDomain]
	if !ok {
		return nil, ErrUnknownSource
	}
	if msg.DestinationDomain != r.domain {
		return nil, ErrWrongDestination
	}
	hash, err := msg.Hash()
	if err != nil {
		return nil, err
	}
	signer, err := msg.Signer()
	if err == nil && signer != expected {
		err = ErrBadSignature
	}
	if err != nil {
		r.logger.Warn("bridge message signature rejected",
			slog.String("message_hash", hex.EncodeToString(hash[:])),
			slog.String("source", msg.SourceDomain),
			logging.MaskBytes("signature", msg.Signature),
			slog.Any("error", err))
		return nil, err
	}
	receipt, err := r.settler.ProcessRemote(ctx, settlement.RemotePayment{
		SourceDomain:    msg.SourceDomain,
		MessageHash:     hash,
		Payer:           msg.Payer,
		Amount:          msg.Amount,
		StealthAddress:  msg.StealthAddress,
		EphemeralPubKey: msg.EphemeralPubKey,
		ViewTag:         msg.ViewTag,
	})
	if err != nil {
		r.logger.Info("bridge message rejected",
			slog.String("message_hash", hex.EncodeToString(hash[:])),
			slog.String("source", msg.SourceDomain),
			slog.Any("error", err))
		return nil, err
	}
	return receipt, nil
}

// Loopback delivers messages in-process to a Receiver. Used by single-node
// deployments and tests.
type Loopback struct {
	Receiver *Receiver
}

// Deliver implements Transport.
func (l Loopback) Deliver(ctx context.Context, payload []byte) error {
	_, err := l.Receiver.Receive(ctx, payload)
	return err
}
