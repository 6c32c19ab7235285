package stealth

import (
	"fmt"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stealthpay/crypto"
)

// Keystore file names inside a key pair directory.
const (
	SpendingKeyFile = "spending.json"
	ViewingKeyFile  = "viewing.json"
)

// SaveKeyPair writes both scalars of kp into dir as separate v3 keystore
// files under the same passphrase. The viewing key can later be handed to a
// scanning service without the spending file.
func SaveKeyPair(dir string, kp *KeyPair, passphrase string) error {
	if kp == nil {
		return fmt.Errorf("stealth: nil key pair")
	}
	for name, scalar := range map[string][32]byte{SpendingKeyFile: kp.SpendingPriv, ViewingKeyFile: kp.ViewingPriv} {
		priv, err := ethcrypto.ToECDSA(scalar[:])
		if err != nil {
			return fmt.Errorf("stealth: %s: %w", name, err)
		}
		if err := crypto.SaveToKeystore(filepath.Join(dir, name), &crypto.PrivateKey{PrivateKey: priv}, passphrase); err != nil {
			return fmt.Errorf("stealth: save %s: %w", name, err)
		}
	}
	return nil
}

// LoadKeyPair decrypts the key pair stored by SaveKeyPair.
func LoadKeyPair(dir, passphrase string) (*KeyPair, error) {
	spending, err := crypto.LoadFromKeystore(filepath.Join(dir, SpendingKeyFile), passphrase)
	if err != nil {
		return nil, fmt.Errorf("stealth: load spending key: %w", err)
	}
	viewing, err := crypto.LoadFromKeystore(filepath.Join(dir, ViewingKeyFile), passphrase)
	if err != nil {
		return nil, fmt.Errorf("stealth: load viewing key: %w", err)
	}
	return KeyPairFromPrivateKeys(ethcrypto.FromECDSA(spending.PrivateKey), ethcrypto.FromECDSA(viewing.PrivateKey))
}

// LoadViewingKey decrypts only the viewing scalar from dir.
func LoadViewingKey(dir, passphrase string) ([32]byte, error) {
	var out [32]byte
	viewing, err := crypto.LoadFromKeystore(filepath.Join(dir, ViewingKeyFile), passphrase)
	if err != nil {
		return out, fmt.Errorf("stealth: load viewing key: %w", err)
	}
	copy(out[:], ethcrypto.FromECDSA(viewing.PrivateKey))
	return out, nil
}
