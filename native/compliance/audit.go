package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Failure captures a persisted compliance rejection for audit trails.
type Failure struct {
	Identity  [20]byte
	Reason    string
	Timestamp int64
}

type failureEntry struct {
	Identity  [20]byte
	Reason    string
	Timestamp uint64
}

// AuditLog records compliance rejections for later inspection.
type AuditLog struct {
	store storage
	clock func() time.Time
}

// NewAuditLog constructs an audit log backed by the provided storage adapter.
func NewAuditLog(store storage) *AuditLog {
	return &AuditLog{store: store, clock: time.Now}
}

// SetClock overrides the time source, primarily for deterministic tests.
func (al *AuditLog) SetClock(clock func() time.Time) {
	if al == nil || clock == nil {
		return
	}
	al.clock = clock
}

// RecordFailure appends a rejection entry for identity.
func (al *AuditLog) RecordFailure(identity [20]byte, reason string) error {
	if al == nil || al.store == nil {
		return fmt.Errorf("compliance: audit log not initialised")
	}
	entry := failureEntry{Identity: identity, Reason: strings.TrimSpace(reason)}
	if now := al.clock().UTC().Unix(); now > 0 {
		entry.Timestamp = uint64(now)
	}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return al.store.KVAppend(auditKey(identity), encoded)
}

// Failures returns the persisted rejections for identity.
func (al *AuditLog) Failures(identity [20]byte) ([]Failure, error) {
	if al == nil || al.store == nil {
		return nil, fmt.Errorf("compliance: audit log not initialised")
	}
	var raw [][]byte
	if err := al.store.KVGetList(auditKey(identity), &raw); err != nil {
		return nil, err
	}
	failures := make([]Failure, 0, len(raw))
	for _, blob := range raw {
		var entry failureEntry
		if err := rlp.DecodeBytes(blob, &entry); err != nil {
			return nil, err
		}
		failure := Failure{Identity: entry.Identity, Reason: entry.Reason}
		if entry.Timestamp > 0 {
			failure.Timestamp = int64(entry.Timestamp)
		}
		failures = append(failures, failure)
	}
	return failures, nil
}

func auditKey(identity [20]byte) []byte {
	return []byte(fmt.Sprintf("compliance/audit/%x", identity))
}
