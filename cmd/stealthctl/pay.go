package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"stealthpay/crypto"
	"stealthpay/crypto/stealth"
	"stealthpay/native/authorization"
	"stealthpay/native/envelope"
	"stealthpay/services/settlementd"
)

type deriveOutput struct {
	StealthAddress  common.Address `json:"stealthAddress"`
	EphemeralPubKey hexutil.Bytes  `json:"ephemeralPubKey"`
	ViewTag         uint8          `json:"viewTag"`
}

// recipientFlags selects the recipient either by meta-address or by an
// identity registered on the server.
type recipientFlags struct {
	meta     string
	identity string
	server   string
}

func (r *recipientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.meta, "meta", "", "recipient meta-address (st:eth:0x...)")
	fs.StringVar(&r.identity, "identity", "", "recipient identity whose registered meta-address is used")
	fs.StringVar(&r.server, "server", defaultServer(), "settlementd base URL")
}

func (r *recipientFlags) resolve(ctx context.Context) ([]byte, error) {
	meta := strings.TrimSpace(r.meta)
	identity := strings.TrimSpace(r.identity)
	switch {
	case meta != "" && identity != "":
		return nil, fmt.Errorf("--meta and --identity are mutually exclusive")
	case meta != "":
		parsed, err := stealth.ParseMetaAddressHex(meta)
		if err != nil {
			return nil, err
		}
		return parsed.Bytes(), nil
	case identity != "":
		addr, err := crypto.ParseAddress(identity)
		if err != nil {
			return nil, fmt.Errorf("invalid --identity: %w", err)
		}
		resp, err := settlementd.NewClient(r.server, nil).MetaAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		return resp.MetaAddress, nil
	default:
		return nil, fmt.Errorf("--meta or --identity is required")
	}
}

func runDerive(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var recipient recipientFlags
	recipient.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	meta, err := recipient.resolve(context.Background())
	if err != nil {
		return fail(stderr, "%v", err)
	}
	res, err := stealth.Generate(meta, rand.Reader)
	if err != nil {
		return fail(stderr, "derive: %v", err)
	}
	writeJSON(stdout, deriveOutput{
		StealthAddress:  common.Address(res.StealthAddress),
		EphemeralPubKey: res.EphemeralPubKey[:],
		ViewTag:         res.ViewTag,
	})
	return 0
}

type signOutput struct {
	Token          string                          `json:"token"`
	StealthAddress common.Address                  `json:"stealthAddress"`
	Nonce          common.Hash                     `json:"nonce"`
	ValidBefore    uint64                          `json:"validBefore"`
	Receipt        *settlementd.ReceiptResponse    `json:"receipt,omitempty"`
	Bridge         *settlementd.BridgeSendResponse `json:"bridge,omitempty"`
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keyFile, amountRaw string
	var validFor time.Duration
	var submit bool
	var bridgeTo string
	var recipient recipientFlags
	var domain domainFlags
	fs.StringVar(&keyFile, "key", "", "payer keystore file")
	fs.StringVar(&amountRaw, "amount", "", "amount to pay in base units")
	fs.DurationVar(&validFor, "valid-for", 10*time.Minute, "authorization lifetime")
	fs.BoolVar(&submit, "submit", false, "submit the token to --server instead of only printing it")
	fs.StringVar(&bridgeTo, "bridge-to", "", "with --submit, forward the payment to this settlement domain")
	recipient.register(fs)
	domain.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(keyFile) == "" {
		return fail(stderr, "--key is required")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(amountRaw), 10)
	if !ok || amount.Sign() <= 0 {
		return fail(stderr, "--amount must be a positive integer")
	}
	if validFor <= 0 {
		return fail(stderr, "--valid-for must be positive")
	}
	if bridgeTo = strings.TrimSpace(bridgeTo); bridgeTo != "" && !submit {
		return fail(stderr, "--bridge-to requires --submit")
	}
	signingDomain, err := domain.domain()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	ctx := context.Background()
	meta, err := recipient.resolve(ctx)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	pass, err := payerPassphrase()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	key, err := crypto.LoadFromKeystore(keyFile, pass)
	if err != nil {
		return fail(stderr, "load payer key: %v", err)
	}

	now := time.Now()
	auth := &authorization.PaymentAuthorization{
		From:        key.PubKey().Address().Array(),
		Amount:      amount,
		ValidAfter:  uint64(now.Add(-time.Minute).Unix()),
		ValidBefore: uint64(now.Add(validFor).Unix()),
	}
	if _, err := rand.Read(auth.Nonce[:]); err != nil {
		return fail(stderr, "nonce: %v", err)
	}
	if err := authorization.Sign(signingDomain, auth, key.PrivateKey); err != nil {
		return fail(stderr, "sign: %v", err)
	}
	res, err := stealth.Generate(meta, rand.Reader)
	if err != nil {
		return fail(stderr, "derive: %v", err)
	}
	token, err := envelope.NewToken(auth, res.StealthAddress, res.EphemeralPubKey[:], res.ViewTag)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	encoded, err := envelope.EncodeToken(token)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	out := signOutput{
		Token:          encoded,
		StealthAddress: common.Address(res.StealthAddress),
		Nonce:          common.Hash(auth.Nonce),
		ValidBefore:    auth.ValidBefore,
	}
	if submit {
		client := settlementd.NewClient(recipient.server, nil)
		if bridgeTo != "" {
			sent, err := client.BridgeSend(ctx, encoded, bridgeTo)
			if err != nil {
				return fail(stderr, "bridge: %v", err)
			}
			out.Bridge = sent
		} else {
			receipt, err := client.Pay(ctx, encoded)
			if err != nil {
				return fail(stderr, "submit: %v", err)
			}
			out.Receipt = receipt
		}
	}
	writeJSON(stdout, out)
	return 0
}
