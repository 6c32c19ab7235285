// Package registry maps identities to their published stealth meta-addresses.
package registry

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "stealthpay/core/errors"
	"stealthpay/crypto/stealth"
	"stealthpay/native/authorization"
)

var (
	ErrUnsupportedScheme = fmt.Errorf("%w: registry: unsupported scheme", coreerrors.ErrValidation)
	ErrMissingIdentity   = fmt.Errorf("%w: registry: identity required", coreerrors.ErrValidation)
	ErrSignatureInvalid  = fmt.Errorf("%w: registry: signature does not recover to identity", coreerrors.ErrSignatureInvalid)

	registrationTypeHash = ethcrypto.Keccak256([]byte("RegisterKeys(address identity,uint256 schemeId,bytes metaAddress,uint256 nonce)"))
)

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

func metaKey(identity [20]byte, scheme uint64) []byte {
	return []byte(fmt.Sprintf("registry/meta/%x/%d", identity, scheme))
}

func nonceKey(identity [20]byte) []byte {
	return []byte(fmt.Sprintf("registry/nonce/%x", identity))
}

// Registry stores one meta-address per (identity, scheme).
type Registry struct {
	mu     sync.Mutex
	store  storage
	domain authorization.Domain
}

// New constructs a registry. domain binds delegated registration signatures
// to this deployment.
func New(store storage, domain authorization.Domain) *Registry {
	return &Registry{store: store, domain: domain}
}

func validate(identity [20]byte, scheme uint64, meta []byte) error {
	if identity == ([20]byte{}) {
		return ErrMissingIdentity
	}
	if scheme != stealth.SchemeSecp256k1 {
		return ErrUnsupportedScheme
	}
	_, _, err := stealth.ParseMetaAddress(meta)
	return err
}

// MetaAddressOf returns the meta-address registered for identity, if any.
func (r *Registry) MetaAddressOf(identity [20]byte, scheme uint64) ([]byte, bool, error) {
	var meta []byte
	ok, err := r.store.KVGet(metaKey(identity, scheme), &meta)
	if err != nil {
		return nil, false, fmt.Errorf("registry: load meta-address: %w", err)
	}
	return meta, ok, nil
}

// RegisterKeys publishes meta for the caller, replacing any earlier entry.
func (r *Registry) RegisterKeys(caller [20]byte, scheme uint64, meta []byte) error {
	if err := validate(caller, scheme, meta); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.put(caller, scheme, meta)
}

func (r *Registry) put(identity [20]byte, scheme uint64, meta []byte) error {
	if err := r.store.KVPut(metaKey(identity, scheme), append([]byte(nil), meta...)); err != nil {
		return fmt.Errorf("registry: persist meta-address: %w", err)
	}
	return nil
}

// Nonce returns the next delegated-registration nonce for identity.
func (r *Registry) Nonce(identity [20]byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonce(identity)
}

func (r *Registry) nonce(identity [20]byte) (uint64, error) {
	var n uint64
	if _, err := r.store.KVGet(nonceKey(identity), &n); err != nil {
		return 0, fmt.Errorf("registry: load nonce: %w", err)
	}
	return n, nil
}

// IncrementNonce invalidates any outstanding delegated signature for caller.
func (r *Registry) IncrementNonce(caller [20]byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.nonce(caller)
	if err != nil {
		return 0, err
	}
	n++
	if err := r.store.KVPut(nonceKey(caller), n); err != nil {
		return 0, fmt.Errorf("registry: persist nonce: %w", err)
	}
	return n, nil
}

// RegistrationDigest is the hash identity signs to authorise a delegated
// registration at nonce.
func RegistrationDigest(domain authorization.Domain, identity [20]byte, scheme uint64, meta []byte, nonce uint64) []byte {
	var padded [32]byte
	copy(padded[12:], identity[:])
	schemeWord := uint256.NewInt(scheme).Bytes32()
	nonceWord := uint256.NewInt(nonce).Bytes32()
	structHash := ethcrypto.Keccak256(registrationTypeHash, padded[:], schemeWord[:], ethcrypto.Keccak256(meta), nonceWord[:])
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domain.Separator(), structHash)
}

// SignRegistration produces the delegated-registration signature for key.
func SignRegistration(domain authorization.Domain, key *ecdsa.PrivateKey, scheme uint64, meta []byte, nonce uint64) ([]byte, error) {
	identity := ethcrypto.PubkeyToAddress(key.PublicKey)
	sig, err := ethcrypto.Sign(RegistrationDigest(domain, identity, scheme, meta, nonce), key)
	if err != nil {
		return nil, fmt.Errorf("registry: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RegisterKeysOnBehalf publishes meta for identity using identity's signature
// over the current nonce. The nonce is consumed on success.
func (r *Registry) RegisterKeysOnBehalf(identity [20]byte, scheme uint64, meta []byte, signature []byte) error {
	if err := validate(identity, scheme, meta); err != nil {
		return err
	}
	if len(signature) != authorization.SignatureLength {
		return ErrSignatureInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.nonce(identity)
	if err != nil {
		return err
	}
	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(RegistrationDigest(r.domain, identity, scheme, meta, n), sig)
	if err != nil || ethcrypto.PubkeyToAddress(*pub) != identity {
		return ErrSignatureInvalid
	}
	if err := r.put(identity, scheme, meta); err != nil {
		return err
	}
	if err := r.store.KVPut(nonceKey(identity), n+1); err != nil {
		return fmt.Errorf("registry: persist nonce: %w", err)
	}
	return nil
}
