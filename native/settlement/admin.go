package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"stealthpay/core/events"
	"stealthpay/native/fees"
)

func (e *Engine) requireAdmin(caller [20]byte) error {
	if _, ok := e.admins[caller]; !ok {
		return ErrNotAdmin
	}
	return nil
}

// IsAdmin reports whether caller holds the administrative role.
func (e *Engine) IsAdmin(caller [20]byte) bool {
	return e.requireAdmin(caller) == nil
}

// Pause blocks ProcessPayment, BatchProcessPayments and ProcessRemote.
func (e *Engine) Pause(caller [20]byte) error {
	return e.setPaused(caller, true)
}

// Unpause lifts the pause guard.
func (e *Engine) Unpause(caller [20]byte) error {
	return e.setPaused(caller, false)
}

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
	e.metrics.SetPause(paused)
	e.logger.Info("pause guard updated", slog.Bool("paused", paused))
	return nil
}

// Paused reports whether the pause guard is engaged.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// FeeBps returns the current protocol fee rate.
func (e *Engine) FeeBps() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// SetFeeBps changes the protocol fee rate. Rates above fees.MaxFeeBps are
// rejected and the previous rate is kept.
func (e *Engine) SetFeeBps(caller [20]byte, bps uint32) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := fees.ValidateBps(bps); err != nil {
		return err
	}
	e.mu.Lock()
	previous := e.feeBps
	e.feeBps = bps
	e.mu.Unlock()
	e.logger.Info("fee rate updated", slog.Uint64("previous_bps", uint64(previous)), slog.Uint64("fee_bps", uint64(bps)))
	return nil
}

// WithdrawFees moves amount from the fee pool to to.
func (e *Engine) WithdrawFees(ctx context.Context, caller, to [20]byte, amount *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pool.Withdraw(ctx, to, amount); err != nil {
		return fmt.Errorf("settlement: withdraw fees: %w", err)
	}
	e.emitter.Emit(events.FeesWithdrawn{Caller: caller, To: to, Amount: new(big.Int).Set(amount)})
	e.logger.Info("fees withdrawn", slog.String("amount", amount.String()))
	return nil
}

// Status returns a read-only snapshot. It is served while paused.
func (e *Engine) Status() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{
		Paused:       e.paused,
		FeeBps:       e.feeBps,
		MaxBatchSize: e.maxBatch,
		Settled:      e.settled,
		Rejected:     e.rejected,
		FeePool:      e.pool.Account(),
		Custody:      e.verifier.Custody(),
	}
	var err error
	if status.Nonces, err = e.verifier.Nonces().Count(); err != nil {
		return status, err
	}
	if status.Announcements, err = e.log.Count(); err != nil {
		return status, err
	}
	if status.FeePoolBalance, err = e.pool.Balance(); err != nil {
		return status, err
	}
	return status, nil
}
