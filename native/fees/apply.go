package fees

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	coreerrors "stealthpay/core/errors"
)

const (
	// BasisPointDenominator expresses 100% in basis points.
	BasisPointDenominator = 10_000
	// MaxFeeBps caps the protocol fee at 1%.
	MaxFeeBps uint32 = 100
)

var (
	// ErrFeeTooHigh is returned when a fee rate above MaxFeeBps is requested.
	ErrFeeTooHigh = fmt.Errorf("%w: fees: basis points exceed maximum of %d", coreerrors.ErrValidation, MaxFeeBps)
	// ErrInvalidAmount flags nil, non-positive or oversized amounts.
	ErrInvalidAmount = fmt.Errorf("%w: fees: amount must be positive and fit in 256 bits", coreerrors.ErrValidation)

	denominator = uint256.NewInt(BasisPointDenominator)
)

// ValidateBps reports whether bps is an acceptable protocol fee rate.
func ValidateBps(bps uint32) error {
	if bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	return nil
}

// Split is the outcome of applying the protocol fee to a gross amount.
type Split struct {
	Gross  *big.Int
	Fee    *big.Int
	Net    *big.Int
	FeeBps uint32
}

// Compute returns floor(amount*bps/10000) as the fee and amount-fee as the
// net remainder. Because bps never exceeds MaxFeeBps the fee is always
// strictly smaller than the amount.
func Compute(amount *big.Int, bps uint32) (Split, error) {
	if err := ValidateBps(bps); err != nil {
		return Split{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return Split{}, ErrInvalidAmount
	}
	gross, overflow := uint256.FromBig(amount)
	if overflow {
		return Split{}, ErrInvalidAmount
	}
	fee, overflow := new(uint256.Int).MulDivOverflow(gross, uint256.NewInt(uint64(bps)), denominator)
	if overflow {
		return Split{}, ErrInvalidAmount
	}
	net := new(uint256.Int).Sub(gross, fee)
	return Split{
		Gross:  new(big.Int).Set(amount),
		Fee:    fee.ToBig(),
		Net:    net.ToBig(),
		FeeBps: bps,
	}, nil
}

// Totals aggregates the fee pool accounting.
type Totals struct {
	Collected *big.Int
	Withdrawn *big.Int
	Payments  uint64
}

// Clone returns a copy of the totals structure with duplicated big.Int values.
func (t Totals) Clone() Totals {
	clone := Totals{Payments: t.Payments}
	if t.Collected != nil {
		clone.Collected = new(big.Int).Set(t.Collected)
	}
	if t.Withdrawn != nil {
		clone.Withdrawn = new(big.Int).Set(t.Withdrawn)
	}
	return clone
}
