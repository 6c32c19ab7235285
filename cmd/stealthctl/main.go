// Command stealthctl manages stealth keys and payments against a settlementd
// instance: key generation, address derivation, signing, scanning and claiming.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"stealthpay/cmd/internal/passphrase"
	"stealthpay/config"
	"stealthpay/crypto"
	"stealthpay/native/authorization"
)

const (
	keysPassphraseEnv  = "STEALTHCTL_PASSPHRASE"
	payerPassphraseEnv = "STEALTHCTL_PAYER_PASSPHRASE"
	metaAddressFile    = "meta-address.txt"
)

func defaultServer() string {
	if value := strings.TrimSpace(os.Getenv("STEALTHCTL_SERVER")); value != "" {
		return value
	}
	return "http://127.0.0.1:8087"
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "derive":
		return runDerive(args[1:], stdout, stderr)
	case "sign":
		return runSign(args[1:], stdout, stderr)
	case "scan":
		return runScan(args[1:], stdout, stderr)
	case "claim-key":
		return runClaimKey(args[1:], stdout, stderr)
	case "register":
		return runRegister(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: stealthctl <command> [flags]",
		"",
		"Commands:",
		"  keygen     --out DIR [--qr FILE]            generate spending and viewing keys",
		"  derive     --meta META | --identity ADDR    derive a one-time stealth address",
		"  sign       --key FILE --amount N (--meta META | --identity ADDR) [--submit]",
		"  scan       --keys DIR [--cursor N]          list payments addressed to DIR's keys",
		"  claim-key  --keys DIR --stealth ADDR --out FILE",
		"  register   --keys DIR --key FILE [--nonce N]",
		"",
		"Network commands read --server (default $STEALTHCTL_SERVER or http://127.0.0.1:8087).",
		"Keystore passphrases come from " + keysPassphraseEnv + " and " + payerPassphraseEnv + " or a prompt.",
	}, "\n")
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return 1
}

// domainFlags holds the signing domain a settlementd deployment verifies
// against. Defaults follow config.Default.
type domainFlags struct {
	name    string
	version string
	chainID uint64
	custody string
}

func (d *domainFlags) register(fs *flag.FlagSet) {
	defaults := config.Default().Domain
	fs.StringVar(&d.name, "domain-name", defaults.Name, "signing domain name")
	fs.StringVar(&d.version, "domain-version", defaults.Version, "signing domain version")
	fs.Uint64Var(&d.chainID, "chain-id", defaults.ChainID, "signing domain chain id")
	fs.StringVar(&d.custody, "custody", defaults.Custody, "custody address payments are redeemed into")
}

func (d *domainFlags) domain() (authorization.Domain, error) {
	custody, err := crypto.ParseAddress(d.custody)
	if err != nil {
		return authorization.Domain{}, fmt.Errorf("invalid --custody: %w", err)
	}
	return authorization.Domain{Name: d.name, Version: d.version, ChainID: d.chainID, Custody: custody}, nil
}

// Sources cache the first answer so a command prompts at most once per
// keystore.
var (
	keysPassphrase  = passphrase.NewSource(keysPassphraseEnv, "stealth keystore").Get
	payerPassphrase = passphrase.NewSource(payerPassphraseEnv, "payer keystore").Get
)
