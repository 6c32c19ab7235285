package events

import (
	"strconv"

	"stealthpay/core/types"
)

// TypeStealthAnnounced is emitted when an announcement is appended to the log.
const TypeStealthAnnounced = "stealth.announced"

// StealthAnnounced mirrors a single announcement log entry.
type StealthAnnounced struct {
	Index           uint64
	SchemeID        uint64
	StealthAddress  [20]byte
	Caller          [20]byte
	EphemeralPubKey []byte
	ViewTag         byte
}

// EventType satisfies the events.Event interface.
func (StealthAnnounced) EventType() string { return TypeStealthAnnounced }

// Event converts the payload into the wire representation.
func (e StealthAnnounced) Event() *types.Event {
	return &types.Event{Type: TypeStealthAnnounced, Attributes: map[string]string{
		"index":           strconv.FormatUint(e.Index, 10),
		"schemeId":        strconv.FormatUint(e.SchemeID, 10),
		"stealthAddress":  withHexPrefix(e.StealthAddress[:]),
		"caller":          withHexPrefix(e.Caller[:]),
		"ephemeralPubKey": withHexPrefix(e.EphemeralPubKey),
		"viewTag":         strconv.FormatUint(uint64(e.ViewTag), 10),
	}}
}
