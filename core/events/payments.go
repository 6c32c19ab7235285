package events

import (
	"math/big"
	"strconv"
	"strings"

	"stealthpay/core/types"
)

const (
	// TypePaymentSettled is emitted once a stealth payment reaches the settled
	// state and its announcement has been appended.
	TypePaymentSettled = "payments.settled"
	// TypePaymentRejected is emitted for every aborted settlement attempt.
	TypePaymentRejected = "payments.rejected"
)

// PaymentSettled describes a completed settlement. The stealth address is the
// only recipient identifier included; the payer's long-term identity never
// appears next to the recipient meta-address.
type PaymentSettled struct {
	ReceiptID         string
	Payer             [20]byte
	Nonce             [32]byte
	StealthAddress    [20]byte
	Amount            *big.Int
	Fee               *big.Int
	AnnouncementIndex uint64
	Remote            bool
}

// EventType satisfies the events.Event interface.
func (PaymentSettled) EventType() string { return TypePaymentSettled }

// Event converts the payload into the wire representation.
func (e PaymentSettled) Event() *types.Event {
	attrs := map[string]string{
		"payer":             withHexPrefix(e.Payer[:]),
		"nonce":             withHexPrefix(e.Nonce[:]),
		"stealthAddress":    withHexPrefix(e.StealthAddress[:]),
		"announcementIndex": strconv.FormatUint(e.AnnouncementIndex, 10),
	}
	if e.ReceiptID != "" {
		attrs["receiptId"] = e.ReceiptID
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	if e.Fee != nil {
		attrs["fee"] = e.Fee.String()
	}
	if e.Remote {
		attrs["remote"] = "true"
	}
	return &types.Event{Type: TypePaymentSettled, Attributes: attrs}
}

// PaymentRejected records the structured reason an attempt was aborted and the
// state it reached before aborting.
type PaymentRejected struct {
	Payer       [20]byte
	Nonce       [32]byte
	Reason      string
	State       string
	NonceBurned bool
}

// EventType satisfies the events.Event interface.
func (PaymentRejected) EventType() string { return TypePaymentRejected }

// Event converts the payload into the wire representation.
func (e PaymentRejected) Event() *types.Event {
	attrs := map[string]string{
		"reason":      strings.TrimSpace(e.Reason),
		"nonceBurned": strconv.FormatBool(e.NonceBurned),
	}
	if !zeroBytes(e.Payer[:]) {
		attrs["payer"] = withHexPrefix(e.Payer[:])
	}
	if !zeroBytes(e.Nonce[:]) {
		attrs["nonce"] = withHexPrefix(e.Nonce[:])
	}
	if state := strings.TrimSpace(e.State); state != "" {
		attrs["state"] = state
	}
	return &types.Event{Type: TypePaymentRejected, Attributes: attrs}
}
