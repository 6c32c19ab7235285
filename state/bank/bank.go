package bank

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	coreerrors "stealthpay/core/errors"
)

// storage abstracts the subset of state manager functionality required by the
// bank ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var balancePrefix = []byte("bank/balance/")

func balanceKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", balancePrefix, addr))
}

type storedAccount struct {
	Balance *big.Int
}

// Bank is the reference ledger collaborator: plain account balances with
// transfer and balance queries. Each transfer is applied under one lock so
// debits and credits are never observed half-applied.
type Bank struct {
	mu    sync.Mutex
	store storage
}

// New constructs a bank bound to the provided storage backend.
func New(store storage) *Bank {
	return &Bank{store: store}
}

func (b *Bank) load(addr [20]byte) (*big.Int, error) {
	var acc storedAccount
	ok, err := b.store.KVGet(balanceKey(addr), &acc)
	if err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	if !ok || acc.Balance == nil {
		return big.NewInt(0), nil
	}
	return acc.Balance, nil
}

func (b *Bank) save(addr [20]byte, balance *big.Int) error {
	if err := b.store.KVPut(balanceKey(addr), &storedAccount{Balance: balance}); err != nil {
		return fmt.Errorf("bank: persist balance: %w", err)
	}
	return nil
}

// BalanceOf returns the current balance of addr.
func (b *Bank) BalanceOf(addr [20]byte) (*big.Int, error) {
	if b == nil || b.store == nil {
		return nil, fmt.Errorf("bank: not initialised")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.load(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(balance), nil
}

// Transfer moves amount from one account to another. It either completes or
// fails explicitly; ErrInsufficientFunds leaves both balances untouched.
func (b *Bank) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return fmt.Errorf("bank: not initialised")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: bank: transfer amount must be positive", coreerrors.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fromBalance, err := b.load(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: bank: balance %s below %s", coreerrors.ErrInsufficientFunds, fromBalance, amount)
	}
	if from == to {
		return nil
	}
	toBalance, err := b.load(to)
	if err != nil {
		return err
	}
	if err := b.save(from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := b.save(to, new(big.Int).Add(toBalance, amount)); err != nil {
		// restore the debit before surfacing the failure
		_ = b.save(from, fromBalance)
		return err
	}
	return nil
}

// Mint credits addr out of thin air. Used to fund accounts in development
// networks and tests.
func (b *Bank) Mint(addr [20]byte, amount *big.Int) error {
	if b == nil || b.store == nil {
		return fmt.Errorf("bank: not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: bank: mint amount must be positive", coreerrors.ErrValidation)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.load(addr)
	if err != nil {
		return err
	}
	return b.save(addr, new(big.Int).Add(balance, amount))
}
