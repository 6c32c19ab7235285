// Package announcements holds the append-only log of stealth payment
// announcements and the recipient-side scanner that consumes it.
package announcements

import (
	"fmt"
	"sync"
	"time"

	coreerrors "stealthpay/core/errors"
	"stealthpay/core/events"
)

const (
	// MaxPageSize bounds Page results.
	MaxPageSize = 500
	// DefaultPageSize is used when callers pass a non-positive limit.
	DefaultPageSize = 100

	subscriberBuffer = 64
)

var (
	ErrDuplicate        = fmt.Errorf("%w: announcements: stealth address already announced", coreerrors.ErrDuplicateAnnouncement)
	ErrZeroAddress      = fmt.Errorf("%w: announcements: stealth address required", coreerrors.ErrValidation)
	ErrInvalidEphemeral = fmt.Errorf("%w: announcements: ephemeral public key must be 33 or 65 bytes", coreerrors.ErrValidation)
)

// Announcement is one immutable log entry.
type Announcement struct {
	SchemeID        uint64
	StealthAddress  [20]byte
	Caller          [20]byte
	EphemeralPubKey []byte
	ViewTag         byte
	Index           uint64
	Timestamp       uint64
}

// Copy returns a deep copy of the entry.
func (a Announcement) Copy() Announcement {
	a.EphemeralPubKey = append([]byte(nil), a.EphemeralPubKey...)
	return a
}

type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVPutIfAbsent(key []byte, value interface{}) (bool, error)
	KVDelete(key []byte) error
}

var countKey = []byte("announcements/count")

func entryKey(index uint64) []byte {
	return []byte(fmt.Sprintf("announcements/entry/%020d", index))
}

func addressKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("announcements/address/%x", addr))
}

// Log is the announcement store. Each stealth address may appear at most
// once; indices are dense and start at zero.
type Log struct {
	mu      sync.Mutex
	store   storage
	emitter events.Emitter
	nowFn   func() time.Time

	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]chan Announcement
}

// NewLog constructs a log bound to the provided storage backend.
func NewLog(store storage) *Log {
	return &Log{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		subs:    make(map[uint64]chan Announcement),
	}
}

// SetNowFunc overrides the timestamp source.
func (l *Log) SetNowFunc(now func() time.Time) {
	if now != nil {
		l.nowFn = now
	}
}

// SetEmitter configures the event sink.
func (l *Log) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// Validate performs the stateless checks Append applies to entry.
func Validate(entry Announcement) error {
	if entry.StealthAddress == ([20]byte{}) {
		return ErrZeroAddress
	}
	if n := len(entry.EphemeralPubKey); n != 33 && n != 65 {
		return ErrInvalidEphemeral
	}
	return nil
}

// Announced reports whether addr already has an entry.
func (l *Log) Announced(addr [20]byte) (bool, error) {
	var index uint64
	ok, err := l.store.KVGet(addressKey(addr), &index)
	if err != nil {
		return false, fmt.Errorf("announcements: lookup: %w", err)
	}
	return ok, nil
}

// Append stores entry under the next index. The supplied Index and Timestamp
// are ignored and assigned by the log.
func (l *Log) Append(entry Announcement) (Announcement, error) {
	if err := Validate(entry); err != nil {
		return Announcement{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count, err := l.count()
	if err != nil {
		return Announcement{}, err
	}
	inserted, err := l.store.KVPutIfAbsent(addressKey(entry.StealthAddress), count)
	if err != nil {
		return Announcement{}, fmt.Errorf("announcements: reserve address: %w", err)
	}
	if !inserted {
		return Announcement{}, ErrDuplicate
	}
	stored := entry.Copy()
	stored.Index = count
	if ts := l.nowFn().Unix(); ts > 0 {
		stored.Timestamp = uint64(ts)
	}
	if err := l.store.KVPut(entryKey(count), &stored); err != nil {
		_ = l.store.KVDelete(addressKey(entry.StealthAddress))
		return Announcement{}, fmt.Errorf("announcements: persist entry: %w", err)
	}
	if err := l.store.KVPut(countKey, count+1); err != nil {
		_ = l.store.KVDelete(addressKey(entry.StealthAddress))
		return Announcement{}, fmt.Errorf("announcements: persist count: %w", err)
	}
	l.emitter.Emit(events.StealthAnnounced{
		Index:           stored.Index,
		SchemeID:        stored.SchemeID,
		StealthAddress:  stored.StealthAddress,
		Caller:          stored.Caller,
		EphemeralPubKey: append([]byte(nil), stored.EphemeralPubKey...),
		ViewTag:         stored.ViewTag,
	})
	l.publish(stored)
	return stored.Copy(), nil
}

func (l *Log) count() (uint64, error) {
	var count uint64
	if _, err := l.store.KVGet(countKey, &count); err != nil {
		return 0, fmt.Errorf("announcements: load count: %w", err)
	}
	return count, nil
}

// Count returns the number of announcements ever appended.
func (l *Log) Count() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count()
}

// Get returns the entry at index.
func (l *Log) Get(index uint64) (Announcement, bool, error) {
	var entry Announcement
	ok, err := l.store.KVGet(entryKey(index), &entry)
	if err != nil {
		return Announcement{}, false, fmt.Errorf("announcements: load entry: %w", err)
	}
	return entry, ok, nil
}

// Page returns up to limit entries starting at cursor and the cursor of the
// following page. When the returned cursor equals Count the caller is caught up.
func (l *Log) Page(cursor uint64, limit int) ([]Announcement, uint64, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	total, err := l.Count()
	if err != nil {
		return nil, cursor, err
	}
	if cursor >= total {
		return []Announcement{}, total, nil
	}
	end := cursor + uint64(limit)
	if end > total {
		end = total
	}
	page := make([]Announcement, 0, end-cursor)
	for i := cursor; i < end; i++ {
		entry, ok, err := l.Get(i)
		if err != nil {
			return nil, cursor, err
		}
		if !ok {
			return nil, cursor, fmt.Errorf("announcements: missing entry %d", i)
		}
		page = append(page, entry)
	}
	return page, end, nil
}
