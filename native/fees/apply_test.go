package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	coreerrors "stealthpay/core/errors"
	"stealthpay/state"
	"stealthpay/state/bank"
	memstore "stealthpay/storage"
)

func TestComputeFloorsFee(t *testing.T) {
	cases := []struct {
		amount int64
		bps    uint32
		fee    int64
	}{
		{amount: 1, bps: 10, fee: 0},
		{amount: 10_000, bps: 10, fee: 10},
		{amount: 1_000_000, bps: 10, fee: 1_000},
		{amount: 999, bps: 10, fee: 0},
		{amount: 10_000, bps: 100, fee: 100},
		{amount: 12_345, bps: 37, fee: 45},
		{amount: 1, bps: 0, fee: 0},
	}
	for _, tc := range cases {
		split, err := Compute(big.NewInt(tc.amount), tc.bps)
		if err != nil {
			t.Fatalf("compute %d@%d: %v", tc.amount, tc.bps, err)
		}
		if split.Fee.Int64() != tc.fee {
			t.Fatalf("compute %d@%d: fee %s, want %d", tc.amount, tc.bps, split.Fee, tc.fee)
		}
		if got := new(big.Int).Add(split.Fee, split.Net); got.Int64() != tc.amount {
			t.Fatalf("fee + net = %s, want %d", got, tc.amount)
		}
	}
}

func TestComputeRejectsInvalidInput(t *testing.T) {
	if _, err := Compute(big.NewInt(100), MaxFeeBps+1); !errors.Is(err, ErrFeeTooHigh) {
		t.Fatalf("expected fee too high, got %v", err)
	}
	if _, err := Compute(big.NewInt(0), 10); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := Compute(nil, 10); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := Compute(huge, 10); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected overflow rejection, got %v", err)
	}
}

func TestComputeLargeAmountsDoNotOverflow(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	split, err := Compute(max, MaxFeeBps)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := new(big.Int).Div(new(big.Int).Mul(max, big.NewInt(100)), big.NewInt(10_000))
	if split.Fee.Cmp(want) != 0 {
		t.Fatalf("fee %s, want %s", split.Fee, want)
	}
}

func newTestPool(t *testing.T) (*Pool, *bank.Bank) {
	t.Helper()
	manager := state.NewManager(memstore.NewMemDB())
	ledger := bank.New(manager)
	return NewPool(ledger, manager, [20]byte{0xfe}), ledger
}

func TestPoolCreditAndWithdraw(t *testing.T) {
	pool, ledger := newTestPool(t)
	ctx := context.Background()
	custody := [20]byte{0x01}
	if err := ledger.Mint(custody, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := pool.Credit(ctx, custody, big.NewInt(250)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := pool.Credit(ctx, custody, big.NewInt(0)); err != nil {
		t.Fatalf("zero credit: %v", err)
	}
	balance, err := pool.Balance()
	if err != nil || balance.Int64() != 250 {
		t.Fatalf("pool balance %v err %v", balance, err)
	}
	treasury := [20]byte{0x02}
	if err := pool.Withdraw(ctx, treasury, big.NewInt(300)); !errors.Is(err, coreerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := pool.Withdraw(ctx, treasury, big.NewInt(200)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, _ := ledger.BalanceOf(treasury)
	if got.Int64() != 200 {
		t.Fatalf("treasury balance %s, want 200", got)
	}
	totals, err := pool.Totals()
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Collected.Int64() != 250 || totals.Withdrawn.Int64() != 200 || totals.Payments != 1 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}
