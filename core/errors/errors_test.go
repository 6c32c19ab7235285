package errors

import (
	"fmt"
	"testing"
)

func TestReasonUnwrapsTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("settlement: item 3: %w", fmt.Errorf("%w: nonce burned", ErrReplayDetected))
	if got := Reason(wrapped); got != "replay_detected" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Classify(wrapped); got != KindPermanent {
		t.Fatalf("unexpected kind %q", got)
	}
}

func TestClassifyTransient(t *testing.T) {
	for _, err := range []error{ErrComplianceRejected, ErrLimitExceeded, ErrInsufficientFunds} {
		if Classify(err) != KindTransient {
			t.Fatalf("expected %v to be transient", err)
		}
	}
	if Classify(ErrDuplicateAnnouncement) != KindFatal {
		t.Fatalf("duplicate announcement must be fatal for the attempt")
	}
}

func TestReasonUnknown(t *testing.T) {
	if got := Reason(fmt.Errorf("boom")); got != "internal" {
		t.Fatalf("unexpected reason %q", got)
	}
	if Reason(nil) != "" {
		t.Fatalf("nil error must have empty reason")
	}
}
