package distributor

import (
	"errors"
	"fmt"
)

// Kind classifies a circulation failure. Busy and Denied are meaningful
// outcomes, never retried; Transient is retryable with backoff;
// Permanent is terminal and logged; Inconsistent is operator-facing
// reconciliation drift, never shown to patrons.
type Kind string

const (
	// KindBusy means no copies are available; the caller should place a hold.
	KindBusy Kind = "busy"
	// KindDenied means a policy or entitlement failure. Terminal, patron-visible.
	KindDenied Kind = "denied"
	// KindTransient means the remote was unreachable or timed out. Retryable.
	KindTransient Kind = "transient"
	// KindPermanent means a malformed request or unsupported operation. Terminal.
	KindPermanent Kind = "permanent"
	// KindNotHoldable means the pool has no copies and does not queue holds.
	KindNotHoldable Kind = "not_holdable"
	// KindFormatUnavailable means the title cannot be fulfilled in the
	// requested format.
	KindFormatUnavailable Kind = "format_unavailable"
	// KindRenewalDenied means vendor or engine policy refused a renewal.
	KindRenewalDenied Kind = "renewal_denied"
	// KindLimitReached means the patron is at their loan or hold cap.
	KindLimitReached Kind = "limit_reached"
	// KindBlocked means the patron lacks borrowing privileges (fines, blocks).
	KindBlocked Kind = "blocked"
	// KindInconsistent means reconciliation drift exceeded tolerance.
	KindInconsistent Kind = "inconsistent"
)

// Error is a classified circulation failure with a stable kind plus
// human-readable detail.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// NewError creates a classified error.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindPermanent.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindPermanent
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// IsTransient reports whether a retry could help.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient)
}

// Escalate converts an exhausted transient failure into a permanent,
// patron-visible one.
func Escalate(err error) error {
	var de *Error
	if errors.As(err, &de) && de.Kind == KindTransient {
		return WrapError(KindPermanent, "remote unavailable after retries", err)
	}
	return err
}
