package exchange

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an engine rejection.
// Every rejection also carries a user-displayable reason string.
type Kind string

const (
	// Validation: malformed input, rejected before any transaction opens.
	KindInvalidInput Kind = "invalid_input"

	KindNotFound Kind = "not_found"

	// Redemption outcomes.
	KindAlreadyUsed Kind = "already_used"
	KindVoid        Kind = "void"

	// Eligibility: business-rule rejections, safe to retry after fixing input.
	KindNotEligible       Kind = "not_eligible"
	KindNotOwned          Kind = "not_owned"
	KindAlreadyListed     Kind = "already_listed"
	KindInvalidTarget     Kind = "invalid_target"
	KindSelfTrade         Kind = "self_trade"
	KindMismatchedAgent   Kind = "mismatched_agent"
	KindCodeUnavailable   Kind = "code_unavailable"
	KindDuplicateProposal Kind = "duplicate_proposal"
	KindForbidden         Kind = "forbidden"
	KindNotCancelable     Kind = "not_cancelable"
	KindAlreadyHandled    Kind = "already_handled"

	// Concurrency: the resource was consumed by a racing operation between
	// validation and commit. "Offer no longer available", not transient.
	KindListingNotTradable   Kind = "listing_not_tradable"
	KindCodeNoLongerEligible Kind = "code_no_longer_eligible"
)

// Error pairs a Kind with a reason suitable for direct display.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is makes errors.Is match any *Error sharing the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an engine error, or "" for plain errors
// (storage faults and other internals).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Conflict reports whether the kind means a racing operation won. Callers
// should surface these as "already traded", not retry them blindly.
func (k Kind) Conflict() bool {
	return k == KindListingNotTradable || k == KindCodeNoLongerEligible
}
