package events

import (
	"math/big"
	"strconv"
	"strings"

	"stealthpay/core/types"
)

const (
	// TypeFeeApplied marks a settlement where a protocol fee was assessed and routed.
	TypeFeeApplied = "fees.applied"
	// TypeFeesWithdrawn marks a treasury withdrawal from the fee pool.
	TypeFeesWithdrawn = "fees.withdrawn"
)

// FeeApplied records the outcome of a fee evaluation for analytics pipelines.
type FeeApplied struct {
	Payer          [20]byte
	Asset          string
	Gross          *big.Int
	Fee            *big.Int
	Net            *big.Int
	PoolWallet     [20]byte
	FeeBasisPoints uint32
}

// EventType satisfies the events.Event interface.
func (FeeApplied) EventType() string { return TypeFeeApplied }

// Event converts the structured payload into a broadcastable event.
func (e FeeApplied) Event() *types.Event {
	attrs := map[string]string{}
	if !zeroBytes(e.Payer[:]) {
		attrs["payer"] = withHexPrefix(e.Payer[:])
	}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	if e.Gross != nil {
		attrs["gross"] = e.Gross.String()
	}
	if e.Fee != nil {
		attrs["fee"] = e.Fee.String()
	}
	if e.Net != nil {
		attrs["net"] = e.Net.String()
	}
	if !zeroBytes(e.PoolWallet[:]) {
		attrs["poolWallet"] = withHexPrefix(e.PoolWallet[:])
	}
	attrs["feeBps"] = strconv.FormatUint(uint64(e.FeeBasisPoints), 10)
	return &types.Event{Type: TypeFeeApplied, Attributes: attrs}
}

// FeesWithdrawn records a treasury withdrawal.
type FeesWithdrawn struct {
	Caller [20]byte
	To     [20]byte
	Amount *big.Int
	Memo   string
}

// EventType satisfies the events.Event interface.
func (FeesWithdrawn) EventType() string { return TypeFeesWithdrawn }

// Event converts the structured payload into a broadcastable event.
func (e FeesWithdrawn) Event() *types.Event {
	attrs := map[string]string{
		"caller": withHexPrefix(e.Caller[:]),
		"to":     withHexPrefix(e.To[:]),
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	if memo := strings.TrimSpace(e.Memo); memo != "" {
		attrs["memo"] = memo
	}
	return &types.Event{Type: TypeFeesWithdrawn, Attributes: attrs}
}
