package settlement

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "stealthpay/core/errors"
	"stealthpay/core/events"
	"stealthpay/crypto/stealth"
	"stealthpay/native/agents"
	"stealthpay/native/announcements"
	"stealthpay/native/authorization"
	"stealthpay/native/compliance"
	"stealthpay/native/fees"
	"stealthpay/state"
	"stealthpay/state/bank"
	"stealthpay/storage"
)

var (
	testAdmin   = [20]byte{0xad}
	testCustody = [20]byte{0xc0}
	testPool    = [20]byte{0xfe}
	testRemote  = [20]byte{0xb1}
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) count(eventType string) int {
	n := 0
	for _, evt := range r.events {
		if evt.EventType() == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	engine    *Engine
	bank      *bank.Bank
	manager   *state.Manager
	log       *announcements.Log
	agents    *agents.Ledger
	verifier  *authorization.Verifier
	emitter   *recordingEmitter
	domain    authorization.Domain
	key       *ecdsa.PrivateKey
	payer     [20]byte
	recipient *stealth.KeyPair
	now       time.Time
	nonce     byte
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	ledger := bank.New(manager)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	recipient, err := stealth.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("recipient keys: %v", err)
	}
	h := &harness{
		t:         t,
		bank:      ledger,
		manager:   manager,
		emitter:   &recordingEmitter{},
		domain:    authorization.Domain{Name: "StealthPay", Version: "1", ChainID: 187001, Custody: testCustody},
		key:       key,
		payer:     ethcrypto.PubkeyToAddress(key.PublicKey),
		recipient: recipient,
		now:       time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return h.now }
	h.verifier = authorization.NewVerifier(h.domain, authorization.NewNonceStore(manager, "authorization"), ledger)
	h.verifier.SetClock(clock)
	h.log = announcements.NewLog(manager)
	h.log.SetNowFunc(clock)
	h.agents = agents.NewLedger(manager, agents.Config{DefaultDailyLimit: big.NewInt(1_000), Admins: [][20]byte{testAdmin}})
	h.agents.SetNowFunc(clock)
	base := []Option{
		WithAdmins(testAdmin),
		WithFeeBps(10),
		WithClock(clock),
		WithEmitter(h.emitter),
		WithAgents(h.agents),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRemote(testRemote, authorization.NewNonceStore(manager, "bridge")),
	}
	h.engine = NewEngine(h.verifier, ledger, fees.NewPool(ledger, manager, testPool), h.log, append(base, opts...)...)
	h.mint(h.payer, 1_000_000)
	return h
}

func (h *harness) mint(addr [20]byte, amount int64) {
	h.t.Helper()
	if err := h.bank.Mint(addr, big.NewInt(amount)); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
}

func (h *harness) balance(addr [20]byte) int64 {
	h.t.Helper()
	b, err := h.bank.BalanceOf(addr)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return b.Int64()
}

func (h *harness) request(amount int64) Request {
	h.t.Helper()
	h.nonce++
	auth := &authorization.PaymentAuthorization{
		From:        h.payer,
		Amount:      big.NewInt(amount),
		ValidAfter:  uint64(h.now.Unix()) - 10,
		ValidBefore: uint64(h.now.Unix()) + 3_600,
		Nonce:       [32]byte{0xab, h.nonce},
	}
	if err := authorization.Sign(h.domain, auth, h.key); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	meta := h.recipient.MetaAddress()
	res, err := stealth.Generate(meta[:], rand.Reader)
	if err != nil {
		h.t.Fatalf("generate: %v", err)
	}
	return Request{
		Authorization:   auth,
		StealthAddress:  res.StealthAddress,
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	}
}

func TestProcessPaymentSettlesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	req := h.request(10_000)
	receipt, err := h.engine.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.State != StateSettled || receipt.Fee.Int64() != 10 || receipt.Amount.Int64() != 10_000 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if receipt.Nonce != req.Authorization.Nonce || receipt.ID == "" {
		t.Fatalf("receipt missing identifiers: %+v", receipt)
	}
	if got := h.balance(req.StealthAddress); got != 9_990 {
		t.Fatalf("stealth balance %d, want 9990", got)
	}
	if got := h.balance(testPool); got != 10 {
		t.Fatalf("fee pool balance %d, want 10", got)
	}
	if got := h.balance(testCustody); got != 0 {
		t.Fatalf("custody should be drained, has %d", got)
	}

	payerBefore := h.balance(h.payer)
	_, err = h.engine.ProcessPayment(context.Background(), req)
	if !errors.Is(err, coreerrors.ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}
	if h.balance(h.payer) != payerBefore || h.balance(testPool) != 10 {
		t.Fatalf("replay moved funds")
	}
	if h.emitter.count(events.TypePaymentSettled) != 1 || h.emitter.count(events.TypePaymentRejected) != 1 {
		t.Fatalf("unexpected events %v", h.emitter.events)
	}
}

func TestFeeRoundsDown(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.engine.ProcessPayment(context.Background(), h.request(1))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.Fee.Sign() != 0 || receipt.Net().Int64() != 1 {
		t.Fatalf("fee for amount 1 at 10 bps must be zero, got %s", receipt.Fee)
	}
	if h.emitter.count(events.TypeFeeApplied) != 0 {
		t.Fatalf("zero fee must not emit fees.applied")
	}
}

func TestAnnouncementMatchesRecipient(t *testing.T) {
	h := newHarness(t)
	req := h.request(500)
	receipt, err := h.engine.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	entry, ok, err := h.log.Get(receipt.AnnouncementIndex)
	if err != nil || !ok {
		t.Fatalf("announcement missing: ok=%v err=%v", ok, err)
	}
	if entry.Caller == h.payer {
		t.Fatalf("announcement must not expose the payer")
	}
	match, ok, err := stealth.MatchKeyPair(stealth.Candidate{
		StealthAddress:  entry.StealthAddress,
		EphemeralPubKey: entry.EphemeralPubKey,
		ViewTag:         entry.ViewTag,
	}, h.recipient)
	if err != nil || !ok {
		t.Fatalf("recipient failed to match: ok=%v err=%v", ok, err)
	}
	claim, err := match.SpendingKey(h.recipient.SpendingPriv[:])
	if err != nil {
		t.Fatalf("claim key: %v", err)
	}
	if [20]byte(ethcrypto.PubkeyToAddress(claim.PublicKey)) != req.StealthAddress {
		t.Fatalf("claim key does not control the paid address")
	}
}

func TestValidationFailuresDoNotBurnNonce(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*Request){
		"zero stealth address": func(r *Request) { r.StealthAddress = [20]byte{} },
		"short ephemeral":      func(r *Request) { r.EphemeralPubKey = r.EphemeralPubKey[:32] },
		"zero amount":          func(r *Request) { r.Authorization.Amount = big.NewInt(0) },
		"bad signature":        func(r *Request) { r.Authorization.Signature[10] ^= 0xff },
	}
	for name, mutate := range cases {
		req := h.request(100)
		mutate(&req)
		_, err := h.engine.ProcessPayment(context.Background(), req)
		if err == nil {
			t.Fatalf("%s: expected failure", name)
		}
		state, ok := AbortedIn(err)
		if !ok || state != StateVerifying {
			t.Fatalf("%s: expected abort in verifying, got %v", name, err)
		}
		var settlementErr *Error
		if errors.As(err, &settlementErr) && settlementErr.NonceBurned {
			t.Fatalf("%s: nonce burned on a stateless failure", name)
		}
		if used, _ := h.verifier.Nonces().Used(req.Authorization.From, req.Authorization.Nonce); used {
			t.Fatalf("%s: nonce recorded", name)
		}
	}
	if h.balance(h.payer) != 1_000_000 {
		t.Fatalf("validation failures moved funds")
	}
}

func TestExpiredAndFutureAuthorizations(t *testing.T) {
	h := newHarness(t)
	req := h.request(100)
	h.now = time.Unix(int64(req.Authorization.ValidBefore), 0)
	if _, err := h.engine.ProcessPayment(context.Background(), req); !errors.Is(err, coreerrors.ErrAuthExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	h.now = time.Unix(int64(req.Authorization.ValidAfter)-1, 0)
	if _, err := h.engine.ProcessPayment(context.Background(), req); !errors.Is(err, coreerrors.ErrAuthNotYetValid) {
		t.Fatalf("expected not yet valid, got %v", err)
	}
}

func TestComplianceRejectionBurnsNonceWithoutMovingFunds(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	audit := compliance.NewAuditLog(manager)
	h := newHarness(t,
		WithCompliance(compliance.CheckerFunc(func([20]byte) (bool, error) { return false, nil })),
		WithRejectionRecorder(audit),
	)
	req := h.request(100)
	_, err := h.engine.ProcessPayment(context.Background(), req)
	if !errors.Is(err, coreerrors.ErrComplianceRejected) {
		t.Fatalf("expected compliance rejection, got %v", err)
	}
	var settlementErr *Error
	if !errors.As(err, &settlementErr) || !settlementErr.NonceBurned {
		t.Fatalf("expected nonce to be burned, got %v", err)
	}
	if h.balance(h.payer) != 1_000_000 {
		t.Fatalf("compliance rejection moved funds")
	}
	failures, err := audit.Failures(h.payer)
	if err != nil || len(failures) != 1 {
		t.Fatalf("expected one audit entry, got %d err=%v", len(failures), err)
	}
	if _, err := h.engine.ProcessPayment(context.Background(), req); !errors.Is(err, coreerrors.ErrReplayDetected) {
		t.Fatalf("burned nonce must not be retried, got %v", err)
	}
}

func TestAgentLimitEnforced(t *testing.T) {
	h := newHarness(t)
	if _, err := h.agents.Register(h.payer); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.engine.ProcessPayment(context.Background(), h.request(500)); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	before := h.balance(h.payer)
	if _, err := h.engine.ProcessPayment(context.Background(), h.request(1)); !errors.Is(err, coreerrors.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if h.balance(h.payer) != before {
		t.Fatalf("limit rejection moved funds")
	}
	h.now = h.now.Add(86_401 * time.Second)
	if _, err := h.engine.ProcessPayment(context.Background(), h.request(900)); err != nil {
		t.Fatalf("process after window reset: %v", err)
	}
	agent, _, _ := h.agents.Get(h.payer)
	if agent.SpentToday.Int64() != 900 || agent.TotalTransactions != 3 {
		t.Fatalf("unexpected agent row %+v", agent)
	}
}

func TestLedgerFailureBurnsNonce(t *testing.T) {
	h := newHarness(t)
	req := h.request(5_000_000)
	_, err := h.engine.ProcessPayment(context.Background(), req)
	if !errors.Is(err, coreerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if used, _ := h.verifier.Nonces().Used(h.payer, req.Authorization.Nonce); !used {
		t.Fatalf("nonce must be burned before redemption")
	}
	if count, _ := h.log.Count(); count != 0 {
		t.Fatalf("failed payment announced")
	}
}

func TestDuplicateStealthAddressRejectedBeforeBurn(t *testing.T) {
	h := newHarness(t)
	first := h.request(100)
	if _, err := h.engine.ProcessPayment(context.Background(), first); err != nil {
		t.Fatalf("process: %v", err)
	}
	second := h.request(100)
	second.StealthAddress = first.StealthAddress
	_, err := h.engine.ProcessPayment(context.Background(), second)
	if !errors.Is(err, coreerrors.ErrDuplicateAnnouncement) {
		t.Fatalf("expected duplicate announcement, got %v", err)
	}
	if used, _ := h.verifier.Nonces().Used(h.payer, second.Authorization.Nonce); used {
		t.Fatalf("duplicate address must be rejected before burning")
	}
}

func TestBatchProcessPayments(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.BatchProcessPayments(context.Background(), nil); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error for empty batch, got %v", err)
	}
	if count, _ := h.verifier.Nonces().Count(); count != 0 {
		t.Fatalf("empty batch mutated state")
	}
	reqs := []Request{h.request(10_000), h.request(20_000), h.request(30_000)}
	result, err := h.engine.BatchProcessPayments(context.Background(), reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(result.Receipts) != 3 || result.TotalAmount.Int64() != 60_000 || result.TotalFees.Int64() != 60 {
		t.Fatalf("unexpected batch result %+v", result)
	}
	for _, req := range reqs {
		if used, _ := h.verifier.Nonces().Used(h.payer, req.Authorization.Nonce); !used {
			t.Fatalf("batch item nonce not burned")
		}
	}
	tooMany := make([]Request, DefaultMaxBatchSize+1)
	if _, err := h.engine.BatchProcessPayments(context.Background(), tooMany); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
}

func TestBatchStopsAtFirstFailureWithoutRollback(t *testing.T) {
	h := newHarness(t)
	bad := h.request(100)
	bad.Authorization.Signature[5] ^= 0x01
	reqs := []Request{h.request(1_000), bad, h.request(2_000)}
	result, err := h.engine.BatchProcessPayments(context.Background(), reqs)
	if !errors.Is(err, coreerrors.ErrSignatureInvalid) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if len(result.Receipts) != 1 || result.TotalAmount.Int64() != 1_000 {
		t.Fatalf("expected the first item to stay settled, got %+v", result)
	}
	if h.balance(reqs[0].StealthAddress) != 999 {
		t.Fatalf("first item was rolled back")
	}
	if used, _ := h.verifier.Nonces().Used(h.payer, reqs[2].Authorization.Nonce); used {
		t.Fatalf("items after the failure must not run")
	}
}

func TestSetFeeBpsBounds(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.SetFeeBps(testAdmin, 101); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.engine.FeeBps() != 10 {
		t.Fatalf("fee changed to %d after rejected update", h.engine.FeeBps())
	}
	if err := h.engine.SetFeeBps(h.payer, 50); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.engine.SetFeeBps(testAdmin, 100); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	receipt, err := h.engine.ProcessPayment(context.Background(), h.request(10_000))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if receipt.Fee.Int64() != 100 {
		t.Fatalf("fee %s at 100 bps, want 100", receipt.Fee)
	}
}

func TestPauseBlocksEntryPointsOnly(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Pause(h.payer); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.engine.Pause(testAdmin); err != nil {
		t.Fatalf("pause: %v", err)
	}
	req := h.request(100)
	if _, err := h.engine.ProcessPayment(context.Background(), req); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := h.engine.BatchProcessPayments(context.Background(), []Request{req}); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused batch, got %v", err)
	}
	status, err := h.engine.Status()
	if err != nil || !status.Paused || status.FeeBps != 10 {
		t.Fatalf("status while paused: %+v err=%v", status, err)
	}
	if used, _ := h.verifier.Nonces().Used(h.payer, req.Authorization.Nonce); used {
		t.Fatalf("paused engine burned a nonce")
	}
	if err := h.engine.Unpause(testAdmin); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := h.engine.ProcessPayment(context.Background(), req); err != nil {
		t.Fatalf("process after unpause: %v", err)
	}
}

func TestWithdrawFees(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.ProcessPayment(context.Background(), h.request(100_000)); err != nil {
		t.Fatalf("process: %v", err)
	}
	treasury := [20]byte{0x77}
	if err := h.engine.WithdrawFees(context.Background(), h.payer, treasury, big.NewInt(10)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.engine.WithdrawFees(context.Background(), testAdmin, treasury, big.NewInt(101)); !errors.Is(err, coreerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := h.engine.WithdrawFees(context.Background(), testAdmin, treasury, big.NewInt(100)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if h.balance(treasury) != 100 || h.balance(testPool) != 0 {
		t.Fatalf("withdrawal balances wrong")
	}
	status, err := h.engine.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Settled != 1 || status.Nonces != 1 || status.Announcements != 1 || status.FeePoolBalance.Sign() != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestProcessRemoteGuardsMessageHash(t *testing.T) {
	h := newHarness(t)
	h.mint(testRemote, 5_000)
	meta := h.recipient.MetaAddress()
	res, err := stealth.Generate(meta[:], rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payment := RemotePayment{
		SourceDomain:    "l2-test",
		MessageHash:     [32]byte{0x99},
		Payer:           [20]byte{0x55},
		Amount:          big.NewInt(2_000),
		StealthAddress:  res.StealthAddress,
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	}
	receipt, err := h.engine.ProcessRemote(context.Background(), payment)
	if err != nil {
		t.Fatalf("process remote: %v", err)
	}
	if !receipt.Remote || receipt.Fee.Int64() != 2 || h.balance(res.StealthAddress) != 1_998 {
		t.Fatalf("unexpected remote receipt %+v", receipt)
	}
	if _, err := h.engine.ProcessRemote(context.Background(), payment); !errors.Is(err, coreerrors.ErrReplayDetected) {
		t.Fatalf("expected replay, got %v", err)
	}
	if h.balance(testRemote) != 3_000 {
		t.Fatalf("replay moved bridged funds")
	}
}

// cancelAfterRedeem cancels the request context once the payer's funds reach
// custody, as a client hanging up mid-settlement would.
type cancelAfterRedeem struct {
	inner  *bank.Bank
	cancel context.CancelFunc
}

func (c *cancelAfterRedeem) Transfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if err := c.inner.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	c.cancel()
	return nil
}

func TestCancelledContextAfterRedeemStillSettles(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier := authorization.NewVerifier(h.domain, authorization.NewNonceStore(h.manager, "authorization/cancel"),
		&cancelAfterRedeem{inner: h.bank, cancel: cancel})
	verifier.SetClock(func() time.Time { return h.now })
	engine := NewEngine(verifier, h.bank, fees.NewPool(h.bank, h.manager, testPool), h.log,
		WithFeeBps(10),
		WithClock(func() time.Time { return h.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	req := h.request(10_000)
	receipt, err := engine.ProcessPayment(ctx, req)
	if err != nil {
		t.Fatalf("process after cancellation: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("context was not cancelled by the redemption")
	}
	if receipt.State != StateSettled {
		t.Fatalf("receipt state %s, want settled", receipt.State)
	}
	if got := h.balance(req.StealthAddress); got != 9_990 {
		t.Fatalf("stealth balance %d, want 9990", got)
	}
	if got := h.balance(testPool); got != 10 {
		t.Fatalf("fee pool balance %d, want 10", got)
	}
	if got := h.balance(testCustody); got != 0 {
		t.Fatalf("custody stranded %d", got)
	}
	announced, err := h.log.Announced(req.StealthAddress)
	if err != nil || !announced {
		t.Fatalf("announcement missing after cancellation: %v", err)
	}
}

func TestProcessRemoteIgnoresCancellationAfterBurn(t *testing.T) {
	h := newHarness(t)
	h.mint(testRemote, 5_000)
	meta := h.recipient.MetaAddress()
	res, err := stealth.Generate(meta[:], rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	payment := RemotePayment{
		SourceDomain:    "l2-test",
		MessageHash:     [32]byte{0x42},
		Payer:           [20]byte{0x55},
		Amount:          big.NewInt(1_000),
		StealthAddress:  res.StealthAddress,
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	}
	if _, err := h.engine.ProcessRemote(ctx, payment); err != nil {
		t.Fatalf("process remote: %v", err)
	}
	if got := h.balance(res.StealthAddress); got != 999 {
		t.Fatalf("stealth balance %d, want 999", got)
	}
}
