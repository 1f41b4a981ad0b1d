// Package ferrors carries the federation core's typed error taxonomy, so
// HTTP handlers can map a failure to a status code by kind rather than by
// inspecting error strings.
package ferrors

import "fmt"

// Kind identifies a federation-domain failure category.
type Kind string

const (
	FetchError           Kind = "fetch_error"
	InvalidSignature     Kind = "invalid_signature"
	UnsupportedAlgorithm Kind = "unsupported_algorithm"
	MalformedJws         Kind = "malformed_jws"
	AuthorityHintMissing Kind = "authority_hint_missing"
	PolicyMergeConflict  Kind = "policy_merge_conflict"
	PolicyViolation      Kind = "policy_violation"
	ValidForExceedsLimit Kind = "valid_for_exceeds_limit"
	LimitExceeded        Kind = "limit_exceeded"
	TypeNotFound         Kind = "type_not_found"
	NotFound             Kind = "not_found"
	AlreadyExists        Kind = "already_exists"
	InactiveSubordinate  Kind = "inactive_subordinate"
	ChainIncomplete      Kind = "chain_incomplete"
)

// Error is a kind-tagged federation error, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Msg     string
	Cause   error
	Payload interface{} // e.g. the existing row on AlreadyExists
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithPayload attaches a payload (e.g. the pre-existing row on AlreadyExists)
// to an *Error and returns it.
func (e *Error) WithPayload(p interface{}) *Error {
	e.Payload = p
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errorsAs(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// errorsAs avoids importing errors in every call site that just wants KindOf.
func errorsAs(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
