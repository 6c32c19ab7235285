package fees

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	coreerrors "stealthpay/core/errors"
)

// Ledger is the balance collaborator the pool routes funds through.
type Ledger interface {
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var totalsKey = []byte("fees/pool/totals")

type storedTotals struct {
	Collected *big.Int
	Withdrawn *big.Int
	Payments  uint64
}

// Pool is the protocol fee accumulator account. Settlement credits it and
// only Withdraw ever debits it.
type Pool struct {
	mu      sync.Mutex
	ledger  Ledger
	store   storage
	account [20]byte
}

// NewPool binds the pool to its ledger account. store may be nil, in which case
// totals are not persisted.
func NewPool(ledger Ledger, store storage, account [20]byte) *Pool {
	return &Pool{ledger: ledger, store: store, account: account}
}

// Account returns the ledger address holding accumulated fees.
func (p *Pool) Account() [20]byte { return p.account }

// Balance reports the pool's current ledger balance.
func (p *Pool) Balance() (*big.Int, error) {
	if p == nil || p.ledger == nil {
		return nil, fmt.Errorf("fees: pool not initialised")
	}
	return p.ledger.BalanceOf(p.account)
}

// Credit moves fee from the supplied account into the pool. A zero fee is a
// no-op.
func (p *Pool) Credit(ctx context.Context, from [20]byte, fee *big.Int) error {
	if p == nil || p.ledger == nil {
		return fmt.Errorf("fees: pool not initialised")
	}
	if fee == nil || fee.Sign() < 0 {
		return ErrInvalidAmount
	}
	if fee.Sign() == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ledger.Transfer(ctx, from, p.account, fee); err != nil {
		return err
	}
	return p.updateTotals(func(t *storedTotals) {
		t.Collected.Add(t.Collected, fee)
		t.Payments++
	})
}

// Withdraw moves amount from the pool to the recipient.
func (p *Pool) Withdraw(ctx context.Context, to [20]byte, amount *big.Int) error {
	if p == nil || p.ledger == nil {
		return fmt.Errorf("fees: pool not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("%w: fees: withdrawal recipient required", coreerrors.ErrValidation)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ledger.Transfer(ctx, p.account, to, amount); err != nil {
		return err
	}
	return p.updateTotals(func(t *storedTotals) {
		t.Withdrawn.Add(t.Withdrawn, amount)
	})
}

// Totals returns the accumulated accounting snapshot.
func (p *Pool) Totals() (Totals, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, err := p.loadTotals()
	if err != nil {
		return Totals{}, err
	}
	return Totals{Collected: stored.Collected, Withdrawn: stored.Withdrawn, Payments: stored.Payments}, nil
}

func (p *Pool) loadTotals() (*storedTotals, error) {
	totals := &storedTotals{}
	if p.store != nil {
		if _, err := p.store.KVGet(totalsKey, totals); err != nil {
			return nil, fmt.Errorf("fees: load totals: %w", err)
		}
	}
	if totals.Collected == nil {
		totals.Collected = big.NewInt(0)
	}
	if totals.Withdrawn == nil {
		totals.Withdrawn = big.NewInt(0)
	}
	return totals, nil
}

func (p *Pool) updateTotals(fn func(*storedTotals)) error {
	if p.store == nil {
		return nil
	}
	totals, err := p.loadTotals()
	if err != nil {
		return err
	}
	fn(totals)
	if err := p.store.KVPut(totalsKey, totals); err != nil {
		return fmt.Errorf("fees: persist totals: %w", err)
	}
	return nil
}
