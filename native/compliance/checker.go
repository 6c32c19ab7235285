// Package compliance provides the pluggable compliance collaborators consulted
// by settlement before any funds move.
package compliance

import (
	"fmt"

	coreerrors "stealthpay/core/errors"
)

// ErrRejected marks an identity that failed compliance.
var ErrRejected = fmt.Errorf("%w: compliance: identity not compliant", coreerrors.ErrComplianceRejected)

// Checker reports whether identity may transact.
type Checker interface {
	CheckCompliance(identity [20]byte) (bool, error)
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc func(identity [20]byte) (bool, error)

// CheckCompliance implements Checker.
func (f CheckerFunc) CheckCompliance(identity [20]byte) (bool, error) { return f(identity) }

// AllowAll passes every identity. It is the default when no compliance
// collaborator is configured.
type AllowAll struct{}

// CheckCompliance implements Checker.
func (AllowAll) CheckCompliance([20]byte) (bool, error) { return true, nil }

// All requires every checker to pass. Nil entries are ignored.
type All []Checker

// CheckCompliance implements Checker.
func (a All) CheckCompliance(identity [20]byte) (bool, error) {
	for _, checker := range a {
		if checker == nil {
			continue
		}
		ok, err := checker.CheckCompliance(identity)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
