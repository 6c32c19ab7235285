package agents

import (
	"errors"
	"math/big"
	"testing"
	"time"

	coreerrors "stealthpay/core/errors"
	"stealthpay/core/events"
	"stealthpay/state"
	memstore "stealthpay/storage"
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

var (
	testAdmin = [20]byte{0xad}
	testAgent = [20]byte{0x01}
)

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *time.Time) {
	t.Helper()
	if cfg.DefaultDailyLimit == nil {
		cfg.DefaultDailyLimit = big.NewInt(1_000)
	}
	cfg.Admins = append(cfg.Admins, testAdmin)
	ledger := NewLedger(state.NewManager(memstore.NewMemDB()), cfg)
	now := time.Unix(1_700_000_000, 0)
	ledger.SetNowFunc(func() time.Time { return now })
	return ledger, &now
}

func TestDailyLimitScenario(t *testing.T) {
	ledger, now := newTestLedger(t, Config{})
	if _, err := ledger.Register(testAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := ledger.RecordTransaction(testAgent, big.NewInt(500)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	agent, _, _ := ledger.Get(testAgent)
	if agent.SpentToday.Int64() != 1_000 {
		t.Fatalf("spent today %s, want 1000", agent.SpentToday)
	}
	if err := ledger.RecordTransaction(testAgent, big.NewInt(1)); !errors.Is(err, coreerrors.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	after, _, _ := ledger.Get(testAgent)
	if after.SpentToday.Int64() != 1_000 || after.TotalTransactions != 2 {
		t.Fatalf("failed record mutated the row: %+v", after)
	}

	*now = now.Add(86_401 * time.Second)
	if err := ledger.RecordTransaction(testAgent, big.NewInt(900)); err != nil {
		t.Fatalf("record after window reset: %v", err)
	}
	agent, _, _ = ledger.Get(testAgent)
	if agent.SpentToday.Int64() != 900 {
		t.Fatalf("spent today %s, want 900", agent.SpentToday)
	}
	if agent.LastResetTimestamp != uint64(now.Unix()) {
		t.Fatalf("window anchor %d, want %d", agent.LastResetTimestamp, now.Unix())
	}
	if agent.TotalVolume.Int64() != 1_900 || agent.TotalTransactions != 3 {
		t.Fatalf("unexpected totals %+v", agent)
	}
}

func TestWindowDoesNotResetEarly(t *testing.T) {
	ledger, now := newTestLedger(t, Config{})
	if _, err := ledger.Register(testAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ledger.RecordTransaction(testAgent, big.NewInt(1_000)); err != nil {
		t.Fatalf("record: %v", err)
	}
	*now = now.Add(86_399 * time.Second)
	if err := ledger.CheckTransaction(testAgent, big.NewInt(1)); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded inside the window, got %v", err)
	}
}

func TestReputationIncrementsAndCaps(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{DefaultDailyLimit: big.NewInt(1_000_000)})
	emitter := &recordingEmitter{}
	ledger.SetEmitter(emitter)
	if _, err := ledger.Register(testAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := ledger.RecordTransaction(testAgent, big.NewInt(1)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	agent, _, _ := ledger.Get(testAgent)
	if agent.ReputationScore != InitialReputation+ReputationStep {
		t.Fatalf("reputation %d after 10 transactions", agent.ReputationScore)
	}
	for i := 0; i < 600; i++ {
		if err := ledger.RecordTransaction(testAgent, big.NewInt(1)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	agent, _, _ = ledger.Get(testAgent)
	if agent.ReputationScore != MaxReputation {
		t.Fatalf("reputation %d, want cap %d", agent.ReputationScore, MaxReputation)
	}
	var changes int
	for _, evt := range emitter.events {
		if evt.EventType() == events.TypeAgentReputation {
			changes++
		}
	}
	if changes != 50 {
		t.Fatalf("expected 50 reputation events, got %d", changes)
	}
}

func TestCheckTransactionDoesNotMutate(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{})
	if _, err := ledger.Register(testAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ledger.CheckTransaction(testAgent, big.NewInt(700)); err != nil {
		t.Fatalf("check: %v", err)
	}
	agent, _, _ := ledger.Get(testAgent)
	if agent.SpentToday.Sign() != 0 || agent.TotalTransactions != 0 {
		t.Fatalf("check mutated the row: %+v", agent)
	}
}

func TestRegisterLifecycle(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{})
	agent, err := ledger.Register(testAgent)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.ReputationScore != InitialReputation || agent.DailySpendLimit.Int64() != 1_000 || !agent.IsActive {
		t.Fatalf("unexpected registration %+v", agent)
	}
	if _, err := ledger.Register(testAgent); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected already active, got %v", err)
	}
	if err := ledger.RecordTransaction(testAgent, big.NewInt(10)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := ledger.Deactivate(testAgent, testAgent); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected non-admin deactivate to fail, got %v", err)
	}
	if err := ledger.Deactivate(testAdmin, testAgent); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := ledger.RecordTransaction(testAgent, big.NewInt(10)); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
	again, err := ledger.Register(testAgent)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.TotalTransactions != 1 || again.SpentToday.Sign() != 0 {
		t.Fatalf("re-registration should keep history and reset counters: %+v", again)
	}
}

func TestAdministrativeOverrides(t *testing.T) {
	ledger, _ := newTestLedger(t, Config{})
	if _, err := ledger.Register(testAgent); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ledger.UpdateReputation(testAdmin, testAgent, MaxReputation+1); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected invalid score, got %v", err)
	}
	if err := ledger.UpdateReputation(testAgent, testAgent, 900); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected not admin, got %v", err)
	}
	if err := ledger.UpdateReputation(testAdmin, testAgent, 900); err != nil {
		t.Fatalf("update reputation: %v", err)
	}
	if err := ledger.SetDailyLimit(testAdmin, big.NewInt(5)); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("limit changes are self-service only, got %v", err)
	}
	if err := ledger.SetDailyLimit(testAgent, big.NewInt(5_000)); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	agent, _, _ := ledger.Get(testAgent)
	if agent.ReputationScore != 900 || agent.DailySpendLimit.Int64() != 5_000 {
		t.Fatalf("unexpected agent %+v", agent)
	}
}

func TestUnregisteredIdentities(t *testing.T) {
	open, _ := newTestLedger(t, Config{})
	if err := open.RecordTransaction(testAgent, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("unregistered payers are not rate limited: %v", err)
	}
	if _, ok, _ := open.Get(testAgent); ok {
		t.Fatalf("recording must not create a row for an unregistered payer")
	}
	strict, _ := newTestLedger(t, Config{RequireRegistration: true})
	if err := strict.CheckTransaction(testAgent, big.NewInt(1)); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}
}
