// Package agents tracks registered paying agents: daily spend limits over a
// rolling 24 hour window anchored at the last reset, activity counters and a
// bounded reputation score.
package agents

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	coreerrors "stealthpay/core/errors"
	"stealthpay/core/events"
)

const (
	// WindowSeconds is the length of the daily spend window.
	WindowSeconds uint64 = 86_400
	// InitialReputation is assigned on registration.
	InitialReputation uint64 = 500
	// MaxReputation bounds the reputation score.
	MaxReputation uint64 = 1_000
	// ReputationInterval is the number of transactions between reputation
	// increments.
	ReputationInterval uint64 = 10
	// ReputationStep is the size of each increment.
	ReputationStep uint64 = 10
)

var (
	ErrAlreadyActive   = fmt.Errorf("%w: agents: agent already active", coreerrors.ErrValidation)
	ErrNotRegistered   = fmt.Errorf("%w: agents: agent not registered", coreerrors.ErrUnauthorized)
	ErrInactive        = fmt.Errorf("%w: agents: agent inactive", coreerrors.ErrUnauthorized)
	ErrNotAdmin        = fmt.Errorf("%w: agents: caller is not an administrator", coreerrors.ErrUnauthorized)
	ErrInvalidAmount   = fmt.Errorf("%w: agents: amount must be positive", coreerrors.ErrValidation)
	ErrInvalidLimit    = fmt.Errorf("%w: agents: daily limit must be non-negative", coreerrors.ErrValidation)
	ErrInvalidScore    = fmt.Errorf("%w: agents: reputation must not exceed %d", coreerrors.ErrValidation, MaxReputation)
	ErrLimitExceeded   = fmt.Errorf("%w: agents: daily spend limit exceeded", coreerrors.ErrLimitExceeded)
	errMissingIdentity = fmt.Errorf("%w: agents: identity required", coreerrors.ErrValidation)
)

// Agent is the per-identity bookkeeping row. Rows are never deleted; a
// deactivated agent keeps its history.
type Agent struct {
	Owner              [20]byte
	DailySpendLimit    *big.Int
	SpentToday         *big.Int
	LastResetTimestamp uint64
	ReputationScore    uint64
	TotalTransactions  uint64
	TotalVolume        *big.Int
	IsActive           bool
	RegisteredAt       uint64
}

// Copy returns a deep copy of the agent.
func (a *Agent) Copy() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	clone.DailySpendLimit = cloneBig(a.DailySpendLimit)
	clone.SpentToday = cloneBig(a.SpentToday)
	clone.TotalVolume = cloneBig(a.TotalVolume)
	return &clone
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

func agentKey(owner [20]byte) []byte {
	return []byte(fmt.Sprintf("agents/%x", owner))
}

// Config tunes ledger behaviour.
type Config struct {
	DefaultDailyLimit   *big.Int
	Admins              [][20]byte
	RequireRegistration bool
}

// Ledger persists agent rows and enforces spend limits.
type Ledger struct {
	mu                  sync.Mutex
	store               storage
	defaultLimit        *big.Int
	admins              map[[20]byte]struct{}
	requireRegistration bool
	emitter             events.Emitter
	nowFn               func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage, cfg Config) *Ledger {
	l := &Ledger{
		store:               store,
		defaultLimit:        cloneBig(cfg.DefaultDailyLimit),
		admins:              make(map[[20]byte]struct{}, len(cfg.Admins)),
		requireRegistration: cfg.RequireRegistration,
		emitter:             events.NoopEmitter{},
		nowFn:               time.Now,
	}
	for _, admin := range cfg.Admins {
		l.admins[admin] = struct{}{}
	}
	return l
}

// SetNowFunc overrides the ledger clock, primarily for deterministic testing.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if l == nil || now == nil {
		return
	}
	l.nowFn = now
}

// SetEmitter configures the event sink.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// RequiresRegistration reports whether unregistered payers are rejected.
func (l *Ledger) RequiresRegistration() bool { return l.requireRegistration }

func (l *Ledger) now() uint64 {
	ts := l.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (l *Ledger) load(owner [20]byte) (*Agent, bool, error) {
	var agent Agent
	ok, err := l.store.KVGet(agentKey(owner), &agent)
	if err != nil {
		return nil, false, fmt.Errorf("agents: load: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	agent.DailySpendLimit = cloneBig(agent.DailySpendLimit)
	agent.SpentToday = cloneBig(agent.SpentToday)
	agent.TotalVolume = cloneBig(agent.TotalVolume)
	return &agent, true, nil
}

func (l *Ledger) save(agent *Agent) error {
	if err := l.store.KVPut(agentKey(agent.Owner), agent); err != nil {
		return fmt.Errorf("agents: persist: %w", err)
	}
	return nil
}

// Get returns the agent row for owner.
func (l *Ledger) Get(owner [20]byte) (*Agent, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(owner)
}

// Register creates an active agent row for identity with the default daily
// limit and the initial reputation. An inactive row is re-activated with
// fresh spend counters; its lifetime totals are kept.
func (l *Ledger) Register(identity [20]byte) (*Agent, error) {
	if identity == ([20]byte{}) {
		return nil, errMissingIdentity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok, err := l.load(identity)
	if err != nil {
		return nil, err
	}
	if ok && existing.IsActive {
		return nil, ErrAlreadyActive
	}
	now := l.now()
	agent := &Agent{
		Owner:              identity,
		DailySpendLimit:    cloneBig(l.defaultLimit),
		SpentToday:         big.NewInt(0),
		LastResetTimestamp: now,
		ReputationScore:    InitialReputation,
		TotalVolume:        big.NewInt(0),
		IsActive:           true,
		RegisteredAt:       now,
	}
	if ok {
		agent.TotalTransactions = existing.TotalTransactions
		agent.TotalVolume = existing.TotalVolume
		agent.RegisteredAt = existing.RegisteredAt
	}
	if err := l.save(agent); err != nil {
		return nil, err
	}
	l.emitter.Emit(events.AgentRegistered{
		Owner:           identity,
		DailySpendLimit: cloneBig(agent.DailySpendLimit),
		ReputationScore: agent.ReputationScore,
	})
	return agent.Copy(), nil
}

// applyWindow resets the daily counter when the window anchored at
// LastResetTimestamp has elapsed.
func applyWindow(agent *Agent, now uint64) {
	if now >= agent.LastResetTimestamp+WindowSeconds {
		agent.SpentToday = big.NewInt(0)
		agent.LastResetTimestamp = now
	}
}

// evaluate validates a spend of amount against agent without persisting. It
// returns the updated row on success.
func (l *Ledger) evaluate(identity [20]byte, amount *big.Int) (*Agent, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	agent, ok, err := l.load(identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		if l.requireRegistration {
			return nil, ErrNotRegistered
		}
		return nil, nil
	}
	if !agent.IsActive {
		return nil, ErrInactive
	}
	applyWindow(agent, l.now())
	next := new(big.Int).Add(agent.SpentToday, amount)
	if next.Cmp(agent.DailySpendLimit) > 0 {
		return nil, ErrLimitExceeded
	}
	agent.SpentToday = next
	agent.TotalTransactions++
	agent.TotalVolume = new(big.Int).Add(agent.TotalVolume, amount)
	if agent.TotalTransactions%ReputationInterval == 0 {
		agent.ReputationScore += ReputationStep
		if agent.ReputationScore > MaxReputation {
			agent.ReputationScore = MaxReputation
		}
	}
	return agent, nil
}

// CheckTransaction reports whether RecordTransaction(identity, amount) would
// succeed without mutating anything. Unregistered identities pass unless the
// ledger requires registration.
func (l *Ledger) CheckTransaction(identity [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.evaluate(identity, amount)
	return err
}

// RecordTransaction applies a spend of amount for identity. A limit breach
// fails with ErrLimitExceeded and leaves the row untouched.
func (l *Ledger) RecordTransaction(identity [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	before, _, err := l.load(identity)
	if err != nil {
		return err
	}
	agent, err := l.evaluate(identity, amount)
	if err != nil || agent == nil {
		return err
	}
	if err := l.save(agent); err != nil {
		return err
	}
	if before != nil && before.ReputationScore != agent.ReputationScore {
		l.emitter.Emit(events.AgentReputationChanged{
			Owner:    identity,
			Previous: before.ReputationScore,
			Current:  agent.ReputationScore,
		})
	}
	return nil
}

// SetDailyLimit changes the caller's own daily limit.
func (l *Ledger) SetDailyLimit(caller [20]byte, limit *big.Int) error {
	if limit == nil || limit.Sign() < 0 {
		return ErrInvalidLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	agent, ok, err := l.load(caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	if !agent.IsActive {
		return ErrInactive
	}
	agent.DailySpendLimit = new(big.Int).Set(limit)
	if err := l.save(agent); err != nil {
		return err
	}
	l.emitter.Emit(events.AgentLimitUpdated{Owner: caller, Limit: cloneBig(limit)})
	return nil
}

func (l *Ledger) requireAdmin(caller [20]byte) error {
	if _, ok := l.admins[caller]; !ok {
		return ErrNotAdmin
	}
	return nil
}

// UpdateReputation overrides the reputation score of identity.
func (l *Ledger) UpdateReputation(admin, identity [20]byte, score uint64) error {
	if score > MaxReputation {
		return ErrInvalidScore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(admin); err != nil {
		return err
	}
	agent, ok, err := l.load(identity)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	previous := agent.ReputationScore
	agent.ReputationScore = score
	if err := l.save(agent); err != nil {
		return err
	}
	l.emitter.Emit(events.AgentReputationChanged{Owner: identity, Previous: previous, Current: score, Override: true})
	return nil
}

// Deactivate marks identity inactive. The row is retained.
func (l *Ledger) Deactivate(admin, identity [20]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireAdmin(admin); err != nil {
		return err
	}
	agent, ok, err := l.load(identity)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	if !agent.IsActive {
		return nil
	}
	agent.IsActive = false
	if err := l.save(agent); err != nil {
		return err
	}
	l.emitter.Emit(events.AgentDeactivated{Owner: identity, By: admin})
	return nil
}
