package main

import (
	"context"
	"crypto/rand"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/skip2/go-qrcode"

	"stealthpay/crypto"
	"stealthpay/crypto/stealth"
	"stealthpay/native/announcements"
	"stealthpay/native/registry"
	"stealthpay/services/settlementd"
)

type keygenOutput struct {
	MetaAddress string `json:"metaAddress"`
	Directory   string `json:"directory"`
	QRCode      string `json:"qrCode,omitempty"`
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var out, qrPath string
	fs.StringVar(&out, "out", "", "directory receiving the spending and viewing keystores")
	fs.StringVar(&qrPath, "qr", "", "optional PNG file rendering the meta-address as a QR code")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return fail(stderr, "--out is required")
	}
	if _, err := os.Stat(filepath.Join(out, stealth.SpendingKeyFile)); err == nil {
		return fail(stderr, "%s already holds a key pair", out)
	}
	pass, err := keysPassphrase()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	kp, err := stealth.GenerateKeyPair(rand.Reader)
	if err != nil {
		return fail(stderr, "generate keys: %v", err)
	}
	if err := stealth.SaveKeyPair(out, kp, pass); err != nil {
		return fail(stderr, "%v", err)
	}
	meta := kp.MetaAddress().Hex()
	if err := os.WriteFile(filepath.Join(out, metaAddressFile), []byte(meta+"\n"), 0o644); err != nil {
		return fail(stderr, "write meta-address: %v", err)
	}
	if qrPath = strings.TrimSpace(qrPath); qrPath != "" {
		if err := qrcode.WriteFile(meta, qrcode.Medium, 256, qrPath); err != nil {
			return fail(stderr, "render QR code: %v", err)
		}
	}
	writeJSON(stdout, keygenOutput{MetaAddress: meta, Directory: out, QRCode: qrPath})
	return 0
}

// readMetaAddress loads the meta-address keygen wrote next to the keystores.
func readMetaAddress(dir string) (stealth.MetaAddress, error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaAddressFile))
	if err != nil {
		return stealth.MetaAddress{}, err
	}
	return stealth.ParseMetaAddressHex(string(raw))
}

type foundOutput struct {
	Index           uint64         `json:"index"`
	StealthAddress  common.Address `json:"stealthAddress"`
	EphemeralPubKey hexutil.Bytes  `json:"ephemeralPubKey"`
	ViewTag         uint8          `json:"viewTag"`
	Timestamp       uint64         `json:"timestamp"`
}

type scanOutput struct {
	Found []foundOutput `json:"found"`
	Next  uint64        `json:"next"`
}

// scanFeed walks the server's announcement log with the viewing key in dir.
// Only the viewing keystore is decrypted.
func scanFeed(ctx context.Context, server, dir string, cursor uint64) ([]announcements.Found, uint64, error) {
	meta, err := readMetaAddress(dir)
	if err != nil {
		return nil, cursor, err
	}
	pass, err := keysPassphrase()
	if err != nil {
		return nil, cursor, err
	}
	viewing, err := stealth.LoadViewingKey(dir, pass)
	if err != nil {
		return nil, cursor, err
	}
	scanner, err := announcements.NewScanner(settlementd.NewClient(server, nil), viewing[:], meta[:stealth.PubKeyLength])
	if err != nil {
		return nil, cursor, err
	}
	return scanner.Scan(ctx, cursor)
}

func runScan(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dir, server string
	var cursor uint64
	fs.StringVar(&dir, "keys", "", "key pair directory created by keygen")
	fs.StringVar(&server, "server", defaultServer(), "settlementd base URL")
	fs.Uint64Var(&cursor, "cursor", 0, "announcement index to resume from")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(dir) == "" {
		return fail(stderr, "--keys is required")
	}
	found, next, err := scanFeed(context.Background(), server, dir, cursor)
	if err != nil {
		return fail(stderr, "scan: %v", err)
	}
	out := scanOutput{Found: make([]foundOutput, 0, len(found)), Next: next}
	for _, f := range found {
		out.Found = append(out.Found, foundOutput{
			Index:           f.Announcement.Index,
			StealthAddress:  common.Address(f.Announcement.StealthAddress),
			EphemeralPubKey: f.Announcement.EphemeralPubKey,
			ViewTag:         f.Announcement.ViewTag,
			Timestamp:       f.Announcement.Timestamp,
		})
	}
	writeJSON(stdout, out)
	return 0
}

type claimOutput struct {
	StealthAddress common.Address `json:"stealthAddress"`
	Keystore       string         `json:"keystore"`
}

func runClaimKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("claim-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dir, server, target, out string
	var cursor uint64
	fs.StringVar(&dir, "keys", "", "key pair directory created by keygen")
	fs.StringVar(&server, "server", defaultServer(), "settlementd base URL")
	fs.StringVar(&target, "stealth", "", "stealth address to claim")
	fs.StringVar(&out, "out", "", "keystore file receiving the claiming key")
	fs.Uint64Var(&cursor, "cursor", 0, "announcement index to start searching from")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(target) == "" || strings.TrimSpace(out) == "" {
		return fail(stderr, "--keys, --stealth and --out are required")
	}
	addr, err := crypto.ParseAddress(target)
	if err != nil {
		return fail(stderr, "invalid --stealth: %v", err)
	}
	found, _, err := scanFeed(context.Background(), server, dir, cursor)
	if err != nil {
		return fail(stderr, "scan: %v", err)
	}
	var match *stealth.Match
	for _, f := range found {
		if f.Announcement.StealthAddress == addr {
			match = f.Match
			break
		}
	}
	if match == nil {
		return fail(stderr, "no announcement for %s is addressed to these keys", common.Address(addr).Hex())
	}
	pass, err := keysPassphrase()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	kp, err := stealth.LoadKeyPair(dir, pass)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	claim, err := match.SpendingKey(kp.SpendingPriv[:])
	if err != nil {
		return fail(stderr, "derive claiming key: %v", err)
	}
	if err := crypto.SaveToKeystore(out, &crypto.PrivateKey{PrivateKey: claim}, pass); err != nil {
		return fail(stderr, "save claiming key: %v", err)
	}
	writeJSON(stdout, claimOutput{StealthAddress: common.Address(addr), Keystore: out})
	return 0
}

func runRegister(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dir, keyFile, server string
	var nonce uint64
	var domain domainFlags
	fs.StringVar(&dir, "keys", "", "key pair directory whose meta-address is published")
	fs.StringVar(&keyFile, "key", "", "identity keystore signing the registration")
	fs.StringVar(&server, "server", defaultServer(), "settlementd base URL")
	fs.Uint64Var(&nonce, "nonce", 0, "identity's current registration nonce")
	domain.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(dir) == "" || strings.TrimSpace(keyFile) == "" {
		return fail(stderr, "--keys and --key are required")
	}
	signingDomain, err := domain.domain()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	meta, err := readMetaAddress(dir)
	if err != nil {
		return fail(stderr, "read meta-address: %v", err)
	}
	pass, err := payerPassphrase()
	if err != nil {
		return fail(stderr, "%v", err)
	}
	key, err := crypto.LoadFromKeystore(keyFile, pass)
	if err != nil {
		return fail(stderr, "load identity key: %v", err)
	}
	sig, err := registry.SignRegistration(signingDomain, key.PrivateKey, stealth.SchemeSecp256k1, meta[:], nonce)
	if err != nil {
		return fail(stderr, "%v", err)
	}
	identity := key.PubKey().Address().Array()
	resp, err := settlementd.NewClient(server, nil).RegisterOnBehalf(context.Background(), identity, settlementd.RegisterKeysRequest{
		SchemeID:    stealth.SchemeSecp256k1,
		MetaAddress: meta[:],
		Signature:   sig,
	})
	if err != nil {
		return fail(stderr, "register: %v", err)
	}
	writeJSON(stdout, resp)
	return 0
}
