package errors

import stderrors "errors"

// Settlement error taxonomy. Module packages wrap these with fmt.Errorf("%w: ...")
// so callers can classify any rejection with errors.Is.
var (
	ErrValidation            = stderrors.New("validation failed")
	ErrReplayDetected        = stderrors.New("replay detected")
	ErrAuthExpired           = stderrors.New("authorization expired")
	ErrAuthNotYetValid       = stderrors.New("authorization not yet valid")
	ErrSignatureInvalid      = stderrors.New("signature invalid")
	ErrComplianceRejected    = stderrors.New("compliance rejected")
	ErrLimitExceeded         = stderrors.New("limit exceeded")
	ErrInsufficientFunds     = stderrors.New("insufficient funds")
	ErrDuplicateAnnouncement = stderrors.New("duplicate announcement")
	ErrPaused                = stderrors.New("settlement paused")
	ErrUnauthorized          = stderrors.New("unauthorized")
	ErrNotFound              = stderrors.New("not found")
)

// Kind describes whether retrying the same request can ever succeed.
type Kind string

const (
	KindPermanent Kind = "permanent"
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
	KindUnknown   Kind = "unknown"
)

type classified struct {
	err    error
	reason string
	kind   Kind
}

var taxonomy = []classified{
	{ErrReplayDetected, "replay_detected", KindPermanent},
	{ErrAuthExpired, "auth_expired", KindPermanent},
	{ErrAuthNotYetValid, "auth_not_yet_valid", KindPermanent},
	{ErrSignatureInvalid, "signature_invalid", KindPermanent},
	{ErrComplianceRejected, "compliance_rejected", KindTransient},
	{ErrLimitExceeded, "limit_exceeded", KindTransient},
	{ErrInsufficientFunds, "insufficient_funds", KindTransient},
	{ErrDuplicateAnnouncement, "duplicate_announcement", KindFatal},
	{ErrPaused, "paused", KindTransient},
	{ErrUnauthorized, "unauthorized", KindPermanent},
	{ErrNotFound, "not_found", KindPermanent},
	{ErrValidation, "validation", KindPermanent},
}

// Reason returns a stable snake_case code for err suitable for metric labels
// and API responses. Unclassified errors map to "internal".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range taxonomy {
		if stderrors.Is(err, entry.err) {
			return entry.reason
		}
	}
	return "internal"
}

// Classify reports how the caller should treat a rejection.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, entry := range taxonomy {
		if stderrors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}
