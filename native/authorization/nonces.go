package authorization

import (
	"fmt"
	"sync"
)

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVPutIfAbsent(key []byte, value interface{}) (bool, error)
}

type nonceRecord struct {
	BurnedAt uint64
}

// NonceStore is the processed-nonce set keyed by (account, nonce). Entries are
// only ever inserted; a burned nonce stays burned.
type NonceStore struct {
	mu        sync.Mutex
	store     storage
	namespace string
}

// NewNonceStore scopes the set under namespace so independent domains (local
// authorizations and bridged messages) never collide.
func NewNonceStore(store storage, namespace string) *NonceStore {
	if namespace == "" {
		namespace = "authorization"
	}
	return &NonceStore{store: store, namespace: namespace}
}

func (s *NonceStore) key(account [20]byte, nonce [32]byte) []byte {
	return []byte(fmt.Sprintf("%s/nonce/%x/%x", s.namespace, account, nonce))
}

func (s *NonceStore) countKey() []byte {
	return []byte(s.namespace + "/nonce/count")
}

// Used reports whether (account, nonce) has already been burned.
func (s *NonceStore) Used(account [20]byte, nonce [32]byte) (bool, error) {
	if s == nil || s.store == nil {
		return false, fmt.Errorf("authorization: nonce store not initialised")
	}
	var record nonceRecord
	ok, err := s.store.KVGet(s.key(account, nonce), &record)
	if err != nil {
		return false, fmt.Errorf("authorization: load nonce: %w", err)
	}
	return ok, nil
}

// Burn inserts (account, nonce). A second burn of the same pair fails with
// ErrReplayDetected; the check and the insert are a single atomic step.
func (s *NonceStore) Burn(account [20]byte, nonce [32]byte, at uint64) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("authorization: nonce store not initialised")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted, err := s.store.KVPutIfAbsent(s.key(account, nonce), &nonceRecord{BurnedAt: at})
	if err != nil {
		return fmt.Errorf("authorization: burn nonce: %w", err)
	}
	if !inserted {
		return ErrReplayDetected
	}
	var count uint64
	if _, err := s.store.KVGet(s.countKey(), &count); err != nil {
		return fmt.Errorf("authorization: load nonce count: %w", err)
	}
	count++
	if err := s.store.KVPut(s.countKey(), count); err != nil {
		return fmt.Errorf("authorization: persist nonce count: %w", err)
	}
	return nil
}

// Count returns the number of burned nonces.
func (s *NonceStore) Count() (uint64, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("authorization: nonce store not initialised")
	}
	var count uint64
	if _, err := s.store.KVGet(s.countKey(), &count); err != nil {
		return 0, fmt.Errorf("authorization: load nonce count: %w", err)
	}
	return count, nil
}
