// Package rlerrors defines the error taxonomy shared across the admission
// engine, repository, config resolver, and namespace registry: callers need
// to branch on admission outcome (rate-limit-exceeded vs unavailable vs
// validation), which a bare wrapped error cannot express without
// string-matching.
package rlerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without requiring callers to string-match.
type Kind string

const (
	// KindValidation: malformed name, reserved name, length overflow,
	// ambiguous/missing limits at admission, negative consume. Fatal, never
	// retried.
	KindValidation Kind = "VALIDATION"
	// KindNotFound: entity missing where required, namespace missing,
	// infrastructure item absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindRateLimitExceeded: one or more user limits exhausted after all
	// retries. Carries LimitStatus detail via Violation/RateLimitDetail.
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	// KindUnavailable: backing store error (timeout, throttle we cannot
	// classify to per-partition, network failure) during admission.
	KindUnavailable Kind = "UNAVAILABLE"
	// KindConcurrency: optimistic-lock contention the core retry logic
	// could not resolve. Rare; surfaced to caller.
	KindConcurrency Kind = "CONCURRENCY"
	// KindVersion: schema version mismatch detected on first use; callers
	// must run a migration.
	KindVersion Kind = "VERSION"
)

// Error is the single error type every public operation returns, tagged
// with a Kind so callers can branch without parsing strings.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RateLimit is populated only when Kind == KindRateLimitExceeded.
	RateLimit *RateLimitDetail
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rlerrors.KindRateLimitExceeded-typed sentinel)
// style checks work by comparing Kind, in addition to the usual wrapped
// cause comparisons Unwrap already enables.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a plain Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// OfKind is a zero-value sentinel usable with errors.Is to test only the
// Kind, ignoring message/cause, e.g. errors.Is(err, rlerrors.OfKind(rlerrors.KindNotFound)).
func OfKind(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// LimitStatus is the per-limit admission outcome reported on a rate-limit
// violation, for both the limits that failed and the ones that passed.
type LimitStatus struct {
	Name               string  `json:"name"`
	TokensRemaining    int64   `json:"tokens_remaining"` // whole tokens, floor
	Capacity           int64   `json:"capacity"`
	DeficitMilli       int64   `json:"-"`
	RetryAfterSeconds  float64 `json:"retry_after_seconds"`
	Exceeded           bool    `json:"exceeded"`
}

// RateLimitDetail is the full per-limit status set attached to a
// KindRateLimitExceeded error. wcu never appears here.
type RateLimitDetail struct {
	Violations         []LimitStatus `json:"violations"`
	Passed             []LimitStatus `json:"passed"`
	PrimaryViolation   LimitStatus   `json:"primary_violation"`
	RetryAfterSeconds  float64       `json:"retry_after_seconds"`
}

// AsDict renders the error in the JSON-friendly shape callers attach
// directly to response bodies.
func (d *RateLimitDetail) AsDict() map[string]any {
	return map[string]any{
		"violations":          d.Violations,
		"passed":              d.Passed,
		"primary_violation":   d.PrimaryViolation,
		"retry_after_seconds": d.RetryAfterSeconds,
	}
}

// RetryAfterHeader ceiling-rounds RetryAfterSeconds into the integer-second
// form suitable for a Retry-After response header.
func (d *RateLimitDetail) RetryAfterHeader() int {
	secs := d.RetryAfterSeconds
	whole := int64(secs)
	if float64(whole) < secs {
		whole++
	}
	return int(whole)
}
