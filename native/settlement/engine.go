// Package settlement runs the stealth payment state machine: verify a signed
// authorization, burn its nonce, consult compliance and the agent ledger,
// redeem into custody, route the protocol fee and the remainder to the
// stealth address, then announce.
package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "stealthpay/core/errors"
	"stealthpay/core/events"
	"stealthpay/crypto/stealth"
	"stealthpay/native/announcements"
	"stealthpay/native/authorization"
	"stealthpay/native/compliance"
	"stealthpay/native/fees"
	"stealthpay/observability"
	telemetry "stealthpay/observability/otel"
)

var (
	ErrPaused             = fmt.Errorf("%w: settlement: engine paused", coreerrors.ErrPaused)
	ErrNotAdmin           = fmt.Errorf("%w: settlement: caller is not an administrator", coreerrors.ErrUnauthorized)
	ErrEmptyBatch         = fmt.Errorf("%w: settlement: batch must not be empty", coreerrors.ErrValidation)
	ErrBatchTooLarge      = fmt.Errorf("%w: settlement: batch exceeds maximum size", coreerrors.ErrValidation)
	ErrZeroStealthAddress = fmt.Errorf("%w: settlement: stealth address required", coreerrors.ErrValidation)
	ErrInvalidEphemeral   = fmt.Errorf("%w: settlement: ephemeral public key must be 33 or 65 bytes", coreerrors.ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("%w: settlement: amount must be positive", coreerrors.ErrValidation)
	ErrAlreadyAnnounced   = fmt.Errorf("%w: settlement: stealth address already announced", coreerrors.ErrDuplicateAnnouncement)
	ErrNonCompliant       = fmt.Errorf("%w: settlement: payer failed compliance", coreerrors.ErrComplianceRejected)
	ErrRemoteDisabled     = fmt.Errorf("%w: settlement: remote payments not configured", coreerrors.ErrValidation)
	ErrRemoteReplay       = fmt.Errorf("%w: settlement: remote message already processed", coreerrors.ErrReplayDetected)
)

// Ledger is the balance collaborator funds are routed through.
type Ledger interface {
	Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error
}

// AgentLedger is the subset of agents.Ledger used by settlement.
type AgentLedger interface {
	CheckTransaction(identity [20]byte, amount *big.Int) error
	RecordTransaction(identity [20]byte, amount *big.Int) error
}

// RejectionRecorder persists compliance rejections.
type RejectionRecorder interface {
	RecordFailure(identity [20]byte, reason string) error
}

// Engine coordinates settlement. Every mutating entry point runs under one
// mutex, so no two attempts observe each other's partial state.
type Engine struct {
	verifier      *authorization.Verifier
	ledger        Ledger
	pool          *fees.Pool
	log           *announcements.Log
	compliance    compliance.Checker
	rejections    RejectionRecorder
	agents        AgentLedger
	remoteCustody [20]byte
	remoteNonces  *authorization.NonceStore
	admins        map[[20]byte]struct{}
	maxBatch      int

	logger  *slog.Logger
	metrics *observability.SettlementMetrics
	tracer  trace.Tracer
	emitter events.Emitter
	now     func() time.Time

	mu       sync.Mutex
	paused   bool
	feeBps   uint32
	settled  uint64
	rejected uint64
}

// NewEngine constructs an engine. verifier determines the custody account
// authorizations are redeemed into.
func NewEngine(verifier *authorization.Verifier, ledger Ledger, pool *fees.Pool, log *announcements.Log, opts ...Option) *Engine {
	e := &Engine{
		verifier: verifier,
		ledger:   ledger,
		pool:     pool,
		log:      log,
		admins:   make(map[[20]byte]struct{}),
		maxBatch: DefaultMaxBatchSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.compliance == nil {
		e.compliance = compliance.AllowAll{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.Settlement()
	}
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	if e.emitter == nil {
		e.emitter = events.NoopEmitter{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxBatch <= 0 {
		e.maxBatch = DefaultMaxBatchSize
	}
	if fees.ValidateBps(e.feeBps) != nil {
		e.feeBps = 0
	}
	e.logger = e.logger.With(slog.String("component", "settlement"))
	return e
}

// ProcessPayment settles a single authorization. On failure the returned
// error is an *Error carrying the state reached and wraps the core taxonomy.
func (e *Engine) ProcessPayment(ctx context.Context, req Request) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.ProcessPayment")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return nil, e.reject(span, req.payer(), req.nonce(), e.now(), &Error{State: StateIdle, Err: ErrPaused})
	}
	receipt, err := e.process(ctx, span, req)
	if err != nil {
		return nil, err
	}
	e.refreshGauges()
	return receipt, nil
}

// BatchProcessPayments settles reqs strictly in order. Items commit
// independently: on the first failure processing stops, the receipts of the
// items already settled are returned and the error names the failing index.
func (e *Engine) BatchProcessPayments(ctx context.Context, reqs []Request) (*BatchResult, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.BatchProcessPayments", trace.WithAttributes(attribute.Int("batch.size", len(reqs))))
	defer span.End()

	result := &BatchResult{TotalAmount: big.NewInt(0), TotalFees: big.NewInt(0)}
	if len(reqs) == 0 {
		span.SetStatus(codes.Error, "empty batch")
		return result, ErrEmptyBatch
	}
	if len(reqs) > e.maxBatch {
		span.SetStatus(codes.Error, "batch too large")
		return result, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(reqs), e.maxBatch)
	}
	e.metrics.ObserveBatch(len(reqs))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		span.SetStatus(codes.Error, "paused")
		return result, ErrPaused
	}
	defer e.refreshGauges()
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("settlement: batch item %d: %w", i, err)
		}
		receipt, err := e.process(ctx, span, req)
		if err != nil {
			return result, fmt.Errorf("settlement: batch item %d: %w", i, err)
		}
		result.Receipts = append(result.Receipts, receipt)
		result.TotalAmount.Add(result.TotalAmount, receipt.Amount)
		result.TotalFees.Add(result.TotalFees, receipt.Fee)
	}
	return result, nil
}

// ProcessRemote settles a payment bridged in from another domain. The message
// hash is burned before any funds move, mirroring the nonce barrier.
func (e *Engine) ProcessRemote(ctx context.Context, payment RemotePayment) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.ProcessRemote", trace.WithAttributes(attribute.String("bridge.source", payment.SourceDomain)))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	start := e.now()
	if e.paused {
		return nil, e.reject(span, payment.Payer, payment.MessageHash, start, &Error{State: StateIdle, Err: ErrPaused})
	}
	if e.remoteNonces == nil {
		return nil, e.reject(span, payment.Payer, payment.MessageHash, start, &Error{State: StateIdle, Err: ErrRemoteDisabled})
	}
	fail := func(state State, burned bool, err error) (*Receipt, error) {
		return nil, e.reject(span, payment.Payer, payment.MessageHash, start, &Error{State: state, NonceBurned: burned, Err: err})
	}

	if err := validateRouting(payment.Amount, payment.StealthAddress, payment.EphemeralPubKey); err != nil {
		return fail(StateVerifying, false, err)
	}
	used, err := e.remoteNonces.Used(e.remoteCustody, payment.MessageHash)
	if err != nil {
		return fail(StateVerifying, false, err)
	}
	if used {
		return fail(StateVerifying, false, ErrRemoteReplay)
	}
	if err := e.checkAnnounced(payment.StealthAddress); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.remoteNonces.Burn(e.remoteCustody, payment.MessageHash, unix(start)); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.checkCompliance(payment.Payer); err != nil {
		return fail(StateVerifying, true, err)
	}
	// The message hash is burned; a caller disconnect must not strand the
	// payment half routed.
	receipt, state, err := e.route(context.WithoutCancel(ctx), e.remoteCustody, payment.Amount, payment.StealthAddress, payment.EphemeralPubKey, payment.ViewTag)
	if err != nil {
		return fail(state, true, err)
	}
	receipt.Payer = payment.Payer
	receipt.Nonce = payment.MessageHash
	receipt.Remote = true
	e.settle(span, receipt, start)
	e.refreshGauges()
	return receipt, nil
}

func (r Request) payer() [20]byte {
	if r.Authorization == nil {
		return [20]byte{}
	}
	return r.Authorization.From
}

func (r Request) nonce() [32]byte {
	if r.Authorization == nil {
		return [32]byte{}
	}
	return r.Authorization.Nonce
}

// process runs one attempt. Callers hold e.mu.
func (e *Engine) process(ctx context.Context, span trace.Span, req Request) (*Receipt, error) {
	start := e.now()
	auth := req.Authorization
	fail := func(state State, burned bool, err error) (*Receipt, error) {
		return nil, e.reject(span, req.payer(), req.nonce(), start, &Error{State: state, NonceBurned: burned, Err: err})
	}

	// Verifying: stateless checks first so malformed or unsigned requests
	// never burn a nonce.
	if auth == nil {
		return fail(StateVerifying, false, authorization.ErrNilAuthorization)
	}
	if err := validateRouting(auth.Amount, req.StealthAddress, req.EphemeralPubKey); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.verifier.Check(auth); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.checkAnnounced(req.StealthAddress); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.verifier.Burn(auth); err != nil {
		return fail(StateVerifying, false, err)
	}
	if err := e.checkCompliance(auth.From); err != nil {
		return fail(StateVerifying, true, err)
	}
	if e.agents != nil {
		if err := e.agents.CheckTransaction(auth.From, auth.Amount); err != nil {
			return fail(StateVerifying, true, err)
		}
	}
	if err := e.verifier.Execute(ctx, auth); err != nil {
		return fail(StateVerifying, true, err)
	}
	if e.agents != nil {
		if err := e.agents.RecordTransaction(auth.From, auth.Amount); err != nil {
			e.logger.Warn("agent bookkeeping failed after redemption",
				slog.String("payer", hex.EncodeToString(auth.From[:])),
				slog.String("reason", coreerrors.Reason(err)),
				slog.Any("error", err))
		}
	}

	// Funds are already redeemed into custody; routing runs to completion
	// even if the caller goes away.
	receipt, state, err := e.route(context.WithoutCancel(ctx), e.verifier.Custody(), auth.Amount, req.StealthAddress, req.EphemeralPubKey, req.ViewTag)
	if err != nil {
		return fail(state, true, err)
	}
	receipt.Payer = auth.From
	receipt.Nonce = auth.Nonce
	e.settle(span, receipt, start)
	return receipt, nil
}

func validateRouting(amount *big.Int, stealthAddr [20]byte, ephemeral []byte) error {
	if stealthAddr == ([20]byte{}) {
		return ErrZeroStealthAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if n := len(ephemeral); n != 33 && n != 65 {
		return ErrInvalidEphemeral
	}
	return nil
}

// checkAnnounced rejects a stealth address that already carries an
// announcement before any nonce is burned, so Append cannot fail after funds
// have moved.
func (e *Engine) checkAnnounced(stealthAddr [20]byte) error {
	announced, err := e.log.Announced(stealthAddr)
	if err != nil {
		return err
	}
	if announced {
		return ErrAlreadyAnnounced
	}
	return nil
}

func (e *Engine) checkCompliance(identity [20]byte) error {
	ok, err := e.compliance.CheckCompliance(identity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonCompliant, err)
	}
	if ok {
		return nil
	}
	if e.rejections != nil {
		if recErr := e.rejections.RecordFailure(identity, coreerrors.Reason(ErrNonCompliant)); recErr != nil {
			e.logger.Warn("record compliance rejection", slog.Any("error", recErr))
		}
	}
	return ErrNonCompliant
}

// route moves amount out of from: the fee to the pool, the remainder to the
// stealth address, then appends the announcement. It returns the state
// reached on failure.
func (e *Engine) route(ctx context.Context, from [20]byte, amount *big.Int, stealthAddr [20]byte, ephemeral []byte, viewTag byte) (*Receipt, State, error) {
	split, err := fees.Compute(amount, e.feeBps)
	if err != nil {
		return nil, StateFeeRouting, err
	}
	if err := e.pool.Credit(ctx, from, split.Fee); err != nil {
		return nil, StateFeeRouting, err
	}
	if split.Fee.Sign() > 0 {
		e.emitter.Emit(events.FeeApplied{
			Gross:          new(big.Int).Set(split.Gross),
			Fee:            new(big.Int).Set(split.Fee),
			Net:            new(big.Int).Set(split.Net),
			PoolWallet:     e.pool.Account(),
			FeeBasisPoints: split.FeeBps,
		})
	}
	if err := e.ledger.Transfer(ctx, from, stealthAddr, split.Net); err != nil {
		return nil, StateStealthRouting, err
	}
	entry, err := e.log.Append(announcements.Announcement{
		SchemeID:        stealth.SchemeSecp256k1,
		StealthAddress:  stealthAddr,
		Caller:          from,
		EphemeralPubKey: ephemeral,
		ViewTag:         viewTag,
	})
	if err != nil {
		return nil, StateAnnouncing, err
	}
	return &Receipt{
		ID:                uuid.NewString(),
		Amount:            new(big.Int).Set(amount),
		Fee:               split.Fee,
		StealthAddress:    stealthAddr,
		AnnouncementIndex: entry.Index,
		State:             StateSettled,
		SettledAt:         e.now().UTC(),
	}, "", nil
}

func (e *Engine) settle(span trace.Span, receipt *Receipt, start time.Time) {
	e.settled++
	e.metrics.RecordSettled(receipt.Remote, receipt.Amount, receipt.Fee, e.now().Sub(start))
	e.emitter.Emit(events.PaymentSettled{
		ReceiptID:         receipt.ID,
		Payer:             receipt.Payer,
		Nonce:             receipt.Nonce,
		StealthAddress:    receipt.StealthAddress,
		Amount:            new(big.Int).Set(receipt.Amount),
		Fee:               new(big.Int).Set(receipt.Fee),
		AnnouncementIndex: receipt.AnnouncementIndex,
		Remote:            receipt.Remote,
	})
	span.AddEvent("settled", trace.WithAttributes(
		attribute.String("receipt.id", receipt.ID),
		attribute.Int64("announcement.index", int64(receipt.AnnouncementIndex)),
	))
	e.logger.Info("payment settled",
		slog.String("receipt", receipt.ID),
		slog.String("amount", receipt.Amount.String()),
		slog.String("fee", receipt.Fee.String()),
		slog.Uint64("announcement", receipt.AnnouncementIndex),
		slog.Bool("remote", receipt.Remote))
}

func (e *Engine) reject(span trace.Span, payer [20]byte, nonce [32]byte, start time.Time, err *Error) error {
	e.rejected++
	reason := coreerrors.Reason(err)
	e.metrics.RecordRejection(reason, string(err.State), e.now().Sub(start))
	e.emitter.Emit(events.PaymentRejected{
		Payer:       payer,
		Nonce:       nonce,
		Reason:      reason,
		State:       string(err.State),
		NonceBurned: err.NonceBurned,
	})
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	level := slog.LevelInfo
	if err.NonceBurned {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "payment rejected",
		slog.String("reason", reason),
		slog.String("state", string(err.State)),
		slog.Bool("nonce_burned", err.NonceBurned),
		slog.Any("error", err.Err))
	return err
}

func (e *Engine) refreshGauges() {
	nonces, err := e.verifier.Nonces().Count()
	if err != nil {
		return
	}
	count, err := e.log.Count()
	if err != nil {
		return
	}
	e.metrics.SetCounts(nonces, count)
}

func unix(t time.Time) uint64 {
	if ts := t.Unix(); ts > 0 {
		return uint64(ts)
	}
	return 0
}
