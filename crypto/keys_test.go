package crypto

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Array() != addr.Array() {
		t.Fatalf("address mismatch")
	}
	if decoded.Prefix() != SPayPrefix {
		t.Fatalf("unexpected prefix %s", decoded.Prefix())
	}
}

func TestParseAddressAcceptsHexAndBech32(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := key.PubKey().Address().Array()
	fromHex, err := ParseAddress(HexAddress(want))
	if err != nil || fromHex != want {
		t.Fatalf("hex parse: %x err=%v", fromHex, err)
	}
	fromBech, err := ParseAddress(key.PubKey().Address().String())
	if err != nil || fromBech != want {
		t.Fatalf("bech32 parse: %x err=%v", fromBech, err)
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatalf("expected short hex to fail")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	SetKeystoreScrypt(keystore.LightScryptN, keystore.LightScryptP)
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "spending.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.D.Cmp(key.D) != 0 {
		t.Fatalf("loaded key differs")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
