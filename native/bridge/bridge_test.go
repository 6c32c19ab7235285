package bridge

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
	"stealthpay/crypto/stealth"
	"stealthpay/native/announcements"
	"stealthpay/native/authorization"
	"stealthpay/native/fees"
	"stealthpay/native/settlement"
	"stealthpay/state"
	"stealthpay/state/bank"
	memstore "stealthpay/storage"
)

var (
	lockAccount   = [20]byte{0x10}
	remoteCustody = [20]byte{0x20}
	localCustody  = [20]byte{0x30}
	feePool       = [20]byte{0x40}
)

type fixture struct {
	bridge   *Bridge
	receiver *Receiver
	bank     *bank.Bank
	signer   *ecdsa.PrivateKey
	domain   authorization.Domain
	now      time.Time
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(memstore.NewMemDB())
	ledger := bank.New(manager)
	signer, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("signer key: %v", err)
	}
	f := &fixture{
		bank:   ledger,
		signer: signer,
		domain: authorization.Domain{Name: "StealthPay Bridge", Version: "1", ChainID: 1, Custody: lockAccount},
		now:    time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return f.now }

	localVerifier := authorization.NewVerifier(
		authorization.Domain{Name: "StealthPay", Version: "1", ChainID: 2, Custody: localCustody},
		authorization.NewNonceStore(manager, "authorization"), ledger)
	engine := settlement.NewEngine(localVerifier, ledger, fees.NewPool(ledger, manager, feePool), announcements.NewLog(manager),
		settlement.WithFeeBps(10),
		settlement.WithClock(clock),
		settlement.WithLogger(quietLogger()),
		settlement.WithRemote(remoteCustody, authorization.NewNonceStore(manager, "bridge/messages")),
	)
	f.receiver = NewReceiver("l1", map[string][20]byte{"l2": ethcrypto.PubkeyToAddress(signer.PublicKey)}, engine, quietLogger())

	sourceVerifier := authorization.NewVerifier(f.domain, authorization.NewNonceStore(manager, "bridge/authorizations"), ledger)
	sourceVerifier.SetClock(clock)
	f.bridge = New("l2", sourceVerifier, Loopback{Receiver: f.receiver}, manager, signer, quietLogger())

	if err := ledger.Mint(remoteCustody, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint liquidity: %v", err)
	}
	return f
}

func (f *fixture) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	b, err := f.bank.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Int64()
}

func (f *fixture) intent(t *testing.T, amount int64, nonce byte) *Intent {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	payer := ethcrypto.PubkeyToAddress(key.PublicKey)
	if err := f.bank.Mint(payer, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	auth := &authorization.PaymentAuthorization{
		From:        payer,
		Amount:      big.NewInt(amount),
		ValidAfter:  uint64(f.now.Unix()) - 1,
		ValidBefore: uint64(f.now.Unix()) + 600,
		Nonce:       [32]byte{nonce},
	}
	if err := authorization.Sign(f.domain, auth, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	recipient, err := stealth.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("recipient: %v", err)
	}
	meta := recipient.MetaAddress()
	res, err := stealth.Generate(meta[:], rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return &Intent{
		Authorization:     auth,
		DestinationDomain: "l1",
		StealthAddress:    res.StealthAddress,
		EphemeralPubKey:   res.EphemeralPubKey[:],
		ViewTag:           res.ViewTag,
	}
}

func TestSendSettlesOnDestination(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(t, 10_000, 1)
	hash, payload, err := f.bridge.Send(context.Background(), intent)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if hash == ([32]byte{}) || len(payload) == 0 {
		t.Fatalf("send returned empty message")
	}
	if got := f.balance(t, lockAccount); got != 10_000 {
		t.Fatalf("lock account holds %d, want 10000", got)
	}
	if got := f.balance(t, intent.StealthAddress); got != 9_990 {
		t.Fatalf("stealth address holds %d, want 9990", got)
	}
	if got := f.balance(t, feePool); got != 10 {
		t.Fatalf("fee pool holds %d, want 10", got)
	}

	if _, err := f.receiver.Receive(context.Background(), payload); !errors.Is(err, coreerrors.ErrReplayDetected) {
		t.Fatalf("expected replay on redelivery, got %v", err)
	}
	if _, _, err := f.bridge.Send(context.Background(), intent); !errors.Is(err, coreerrors.ErrReplayDetected) {
		t.Fatalf("expected authorization replay, got %v", err)
	}
	if got := f.balance(t, lockAccount); got != 10_000 {
		t.Fatalf("replay changed the lock account: %d", got)
	}
}

func TestReceiverRejectsForeignMessages(t *testing.T) {
	f := newFixture(t)
	msg := &Message{
		Version:           MessageVersion,
		SourceDomain:      "unknown",
		DestinationDomain: "l1",
		Sequence:          1,
		Amount:            big.NewInt(5),
		StealthAddress:    [20]byte{0x01},
		EphemeralPubKey:   make([]byte, 33),
	}
	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.receiver.Receive(context.Background(), payload); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected untrusted source, got %v", err)
	}
	msg.SourceDomain = "l2"
	msg.DestinationDomain = "l3"
	payload, _ = msg.Encode()
	if _, err := f.receiver.Receive(context.Background(), payload); !errors.Is(err, ErrWrongDestination) {
		t.Fatalf("expected wrong destination, got %v", err)
	}
	msg.Version = 9
	payload, _ = msg.Encode()
	if _, err := f.receiver.Receive(context.Background(), payload); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
	if _, err := f.receiver.Receive(context.Background(), []byte{0xc0}); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected malformed message, got %v", err)
	}
}

func TestReceiverAuthenticatesSourceSigner(t *testing.T) {
	f := newFixture(t)
	intent := f.intent(t, 1, 7)
	msg := &Message{
		Version:           MessageVersion,
		SourceDomain:      "l2",
		DestinationDomain: "l1",
		Sequence:          1,
		Payer:             [20]byte{0x77},
		Amount:            big.NewInt(500),
		StealthAddress:    intent.StealthAddress,
		EphemeralPubKey:   intent.EphemeralPubKey,
		ViewTag:           intent.ViewTag,
	}
	receive := func(m *Message) error {
		t.Helper()
		payload, err := m.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		_, err = f.receiver.Receive(context.Background(), payload)
		return err
	}

	if err := receive(msg); !errors.Is(err, ErrUnsignedMessage) || !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unsigned message rejection, got %v", err)
	}
	stranger, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := msg.Sign(stranger); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := receive(msg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected foreign signer rejection, got %v", err)
	}
	if err := msg.Sign(f.signer); err != nil {
		t.Fatalf("sign: %v", err)
	}
	inflated := *msg
	inflated.Amount = big.NewInt(900_000)
	if err := receive(&inflated); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected altered message rejection, got %v", err)
	}
	if got := f.balance(t, intent.StealthAddress); got != 0 {
		t.Fatalf("rejected messages paid out %d", got)
	}

	if err := receive(msg); err != nil {
		t.Fatalf("signed message rejected: %v", err)
	}
	if got := f.balance(t, intent.StealthAddress); got != 500 {
		t.Fatalf("stealth address holds %d, want 500", got)
	}
}

func TestSendValidatesIntent(t *testing.T) {
	f := newFixture(t)
	if _, _, err := f.bridge.Send(context.Background(), nil); !errors.Is(err, ErrNilIntent) {
		t.Fatalf("expected nil intent, got %v", err)
	}
	intent := f.intent(t, 100, 2)
	intent.DestinationDomain = " "
	if _, _, err := f.bridge.Send(context.Background(), intent); !errors.Is(err, ErrDestinationRequired) {
		t.Fatalf("expected destination required, got %v", err)
	}
	if used, _ := f.bridge.verifier.Nonces().Used(intent.Authorization.From, intent.Authorization.Nonce); used {
		t.Fatalf("invalid intent burned a nonce")
	}
}

func TestMessageHashStable(t *testing.T) {
	msg := &Message{Version: MessageVersion, SourceDomain: "a", DestinationDomain: "b", Sequence: 7, Amount: big.NewInt(42), EphemeralPubKey: []byte{2}}
	first, err := msg.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := msg.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed, _ := msg.Hash()
	if signed != first {
		t.Fatalf("signature must not affect the hash")
	}
	payload, _ := msg.Encode()
	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, _ := decoded.Hash()
	if first != second {
		t.Fatalf("hash changed across decode")
	}
	signer, err := decoded.Signer()
	if err != nil || signer != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("signer lost across decode: %x %v", signer, err)
	}
	decoded.Sequence++
	third, _ := decoded.Hash()
	if third == first {
		t.Fatalf("sequence must affect the hash")
	}
}
