package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"stealthpay/native/authorization"
)

// State is a step of the settlement state machine. Settled and Aborted are
// terminal.
type State string

const (
	StateIdle           State = "idle"
	StateVerifying      State = "verifying"
	StateFeeRouting     State = "fee_routing"
	StateStealthRouting State = "stealth_routing"
	StateAnnouncing     State = "announcing"
	StateSettled        State = "settled"
	StateAborted        State = "aborted"
)

// Request is a single payment submission.
type Request struct {
	Authorization   *authorization.PaymentAuthorization
	StealthAddress  [20]byte
	EphemeralPubKey []byte
	ViewTag         byte
}

// RemotePayment is a payment bridged in from another domain. MessageHash is
// the uniqueness key; funds come from the engine's remote custody account.
type RemotePayment struct {
	SourceDomain    string
	MessageHash     [32]byte
	Payer           [20]byte
	Amount          *big.Int
	StealthAddress  [20]byte
	EphemeralPubKey []byte
	ViewTag         byte
}

// Receipt describes a settled payment.
type Receipt struct {
	ID                string
	Amount            *big.Int
	Fee               *big.Int
	Nonce             [32]byte
	Payer             [20]byte
	StealthAddress    [20]byte
	AnnouncementIndex uint64
	State             State
	Remote            bool
	SettledAt         time.Time
}

// Net returns Amount - Fee.
func (r *Receipt) Net() *big.Int {
	if r == nil || r.Amount == nil {
		return big.NewInt(0)
	}
	if r.Fee == nil {
		return new(big.Int).Set(r.Amount)
	}
	return new(big.Int).Sub(r.Amount, r.Fee)
}

// BatchResult accumulates the receipts of a batch call. On a failing batch it
// holds the items settled before the failure.
type BatchResult struct {
	Receipts    []*Receipt
	TotalAmount *big.Int
	TotalFees   *big.Int
}

// Status is a read-only snapshot of the engine.
type Status struct {
	Paused         bool
	FeeBps         uint32
	MaxBatchSize   int
	Settled        uint64
	Rejected       uint64
	Nonces         uint64
	Announcements  uint64
	FeePool        [20]byte
	FeePoolBalance *big.Int
	Custody        [20]byte
}

// Error reports an aborted settlement: the state the attempt reached and
// whether its nonce had already been burned.
type Error struct {
	State       State
	NonceBurned bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement: aborted in %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AbortedIn returns the state an aborted attempt reached, if err carries one.
func AbortedIn(err error) (State, bool) {
	var settlementErr *Error
	if errors.As(err, &settlementErr) {
		return settlementErr.State, true
	}
	return "", false
}
