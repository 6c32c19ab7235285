package authorization

import (
	"context"
	"fmt"
	"math/big"
	"time"

	coreerrors "stealthpay/core/errors"
)

var (
	ErrNilAuthorization = fmt.Errorf("%w: authorization: authorization required", coreerrors.ErrValidation)
	ErrInvalidAmount    = fmt.Errorf("%w: authorization: amount must be positive", coreerrors.ErrValidation)
	ErrMissingPayer     = fmt.Errorf("%w: authorization: payer required", coreerrors.ErrValidation)
	ErrEmptyWindow      = fmt.Errorf("%w: authorization: validity window is empty", coreerrors.ErrValidation)
	ErrNotYetValid      = fmt.Errorf("%w: authorization: not yet valid", coreerrors.ErrAuthNotYetValid)
	ErrExpired          = fmt.Errorf("%w: authorization: expired", coreerrors.ErrAuthExpired)
	ErrReplayDetected   = fmt.Errorf("%w: authorization: nonce already used", coreerrors.ErrReplayDetected)
	ErrSignatureInvalid = fmt.Errorf("%w: authorization: signature does not recover to payer", coreerrors.ErrSignatureInvalid)
)

// Ledger is the balance collaborator authorizations are redeemed against.
type Ledger interface {
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

// Verifier validates signed payment authorizations and redeems them into the
// custody account of its domain.
type Verifier struct {
	domain Domain
	nonces *NonceStore
	ledger Ledger
	now    func() time.Time
}

// NewVerifier constructs a verifier for domain backed by the supplied nonce set
// and ledger.
func NewVerifier(domain Domain, nonces *NonceStore, ledger Ledger) *Verifier {
	return &Verifier{domain: domain, nonces: nonces, ledger: ledger, now: time.Now}
}

// SetClock overrides the verifier clock, primarily for deterministic testing.
func (v *Verifier) SetClock(now func() time.Time) {
	if v == nil || now == nil {
		return
	}
	v.now = now
}

// Domain returns the signing domain.
func (v *Verifier) Domain() Domain { return v.domain }

// Custody returns the account authorizations are redeemed into.
func (v *Verifier) Custody() [20]byte { return v.domain.Custody }

// Nonces exposes the processed-nonce set.
func (v *Verifier) Nonces() *NonceStore { return v.nonces }

func (v *Verifier) timestamp() uint64 {
	now := v.now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

// Validate performs the stateless checks: well-formedness, the validity window
// and the signature. It never touches the nonce set or the ledger.
func (v *Verifier) Validate(auth *PaymentAuthorization) error {
	if err := v.checkFields(auth); err != nil {
		return err
	}
	return v.checkSignature(auth)
}

// Check confirms the authorization could be redeemed now without mutating
// state. Order: fields and window, then the nonce, then the signature.
func (v *Verifier) Check(auth *PaymentAuthorization) error {
	if err := v.checkFields(auth); err != nil {
		return err
	}
	used, err := v.nonces.Used(auth.From, auth.Nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrReplayDetected
	}
	return v.checkSignature(auth)
}

func (v *Verifier) checkFields(auth *PaymentAuthorization) error {
	if v == nil {
		return fmt.Errorf("authorization: verifier not configured")
	}
	if auth == nil {
		return ErrNilAuthorization
	}
	if auth.From == ([20]byte{}) {
		return ErrMissingPayer
	}
	if auth.Amount == nil || auth.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if auth.ValidBefore <= auth.ValidAfter {
		return ErrEmptyWindow
	}
	now := v.timestamp()
	if now < auth.ValidAfter {
		return ErrNotYetValid
	}
	if now >= auth.ValidBefore {
		return ErrExpired
	}
	return nil
}

func (v *Verifier) checkSignature(auth *PaymentAuthorization) error {
	signer, err := RecoverSigner(v.domain, auth)
	if err != nil {
		return err
	}
	if signer != auth.From {
		return ErrSignatureInvalid
	}
	return nil
}

// Burn consumes the authorization nonce.
func (v *Verifier) Burn(auth *PaymentAuthorization) error {
	if auth == nil {
		return ErrNilAuthorization
	}
	return v.nonces.Burn(auth.From, auth.Nonce, v.timestamp())
}

// Execute moves the authorized amount from the payer into custody. The
// authorization is re-validated first; the nonce must already be burned.
// Ledger failures are returned as-is and never retried.
func (v *Verifier) Execute(ctx context.Context, auth *PaymentAuthorization) error {
	if err := v.Validate(auth); err != nil {
		return err
	}
	if v.ledger == nil {
		return fmt.Errorf("authorization: ledger not configured")
	}
	if err := v.ledger.Transfer(ctx, auth.From, v.domain.Custody, auth.Amount); err != nil {
		return fmt.Errorf("authorization: redeem: %w", err)
	}
	return nil
}

// Redeem is the one-shot primitive: Check, Burn and Execute.
func (v *Verifier) Redeem(ctx context.Context, auth *PaymentAuthorization) error {
	if err := v.Check(auth); err != nil {
		return err
	}
	if err := v.Burn(auth); err != nil {
		return err
	}
	return v.Execute(ctx, auth)
}
