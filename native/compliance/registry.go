package compliance

import (
	"fmt"
	"sync"
	"time"

	coreerrors "stealthpay/core/errors"
)

const (
	// DefaultDuration is how long a verification stays valid.
	DefaultDuration = 365 * 24 * time.Hour
	// MinDuration is the shortest permitted verification lifetime.
	MinDuration = 24 * time.Hour
)

var (
	ErrDurationTooShort = fmt.Errorf("%w: compliance: duration must be at least %s", coreerrors.ErrValidation, MinDuration)
	ErrNotAdmin         = fmt.Errorf("%w: compliance: caller is not an administrator", coreerrors.ErrUnauthorized)
	errMissingIdentity  = fmt.Errorf("%w: compliance: identity required", coreerrors.ErrValidation)
)

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

type verification struct {
	VerifiedAt uint64
	Verifier   [20]byte
}

type settings struct {
	Enabled         bool
	DurationSeconds uint64
}

var settingsKey = []byte("compliance/settings")

func verificationKey(identity [20]byte) []byte {
	return []byte(fmt.Sprintf("compliance/verified/%x", identity))
}

// Registry is the verification-based Checker: when enabled, an identity passes
// only while its latest verification is younger than the configured duration.
// When disabled every identity passes.
type Registry struct {
	mu     sync.Mutex
	store  storage
	admins map[[20]byte]struct{}
	nowFn  func() time.Time
}

// NewRegistry constructs a registry. Settings default to disabled with
// DefaultDuration until changed.
func NewRegistry(store storage, admins [][20]byte) *Registry {
	r := &Registry{store: store, admins: make(map[[20]byte]struct{}, len(admins)), nowFn: time.Now}
	for _, admin := range admins {
		r.admins[admin] = struct{}{}
	}
	return r
}

// SetClock overrides the time source, primarily for deterministic tests.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.nowFn = now
	}
}

func (r *Registry) now() uint64 {
	if ts := r.nowFn().Unix(); ts > 0 {
		return uint64(ts)
	}
	return 0
}

func (r *Registry) requireAdmin(caller [20]byte) error {
	if _, ok := r.admins[caller]; !ok {
		return ErrNotAdmin
	}
	return nil
}

func (r *Registry) settings() (settings, error) {
	s := settings{DurationSeconds: uint64(DefaultDuration / time.Second)}
	if _, err := r.store.KVGet(settingsKey, &s); err != nil {
		return s, fmt.Errorf("compliance: load settings: %w", err)
	}
	if s.DurationSeconds == 0 {
		s.DurationSeconds = uint64(DefaultDuration / time.Second)
	}
	return s, nil
}

// Enabled reports whether compliance is enforced.
func (r *Registry) Enabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.settings()
	return s.Enabled, err
}

// Duration returns the configured verification lifetime.
func (r *Registry) Duration() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.settings()
	return time.Duration(s.DurationSeconds) * time.Second, err
}

// SetEnabled toggles enforcement globally.
func (r *Registry) SetEnabled(admin [20]byte, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	s, err := r.settings()
	if err != nil {
		return err
	}
	s.Enabled = enabled
	return r.store.KVPut(settingsKey, &s)
}

// SetDuration changes the verification lifetime. Durations under MinDuration
// are rejected.
func (r *Registry) SetDuration(admin [20]byte, d time.Duration) error {
	if d < MinDuration {
		return ErrDurationTooShort
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	s, err := r.settings()
	if err != nil {
		return err
	}
	s.DurationSeconds = uint64(d / time.Second)
	return r.store.KVPut(settingsKey, &s)
}

// Verify records a fresh verification for identity.
func (r *Registry) Verify(admin, identity [20]byte) error {
	if identity == ([20]byte{}) {
		return errMissingIdentity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	return r.store.KVPut(verificationKey(identity), &verification{VerifiedAt: r.now(), Verifier: admin})
}

// Revoke removes any verification for identity.
func (r *Registry) Revoke(admin, identity [20]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireAdmin(admin); err != nil {
		return err
	}
	return r.store.KVDelete(verificationKey(identity))
}

// CheckCompliance implements Checker.
func (r *Registry) CheckCompliance(identity [20]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.settings()
	if err != nil {
		return false, err
	}
	if !s.Enabled {
		return true, nil
	}
	var v verification
	ok, err := r.store.KVGet(verificationKey(identity), &v)
	if err != nil {
		return false, fmt.Errorf("compliance: load verification: %w", err)
	}
	if !ok {
		return false, nil
	}
	return r.now() < v.VerifiedAt+s.DurationSeconds, nil
}
