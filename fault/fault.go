// Package fault provides the structured error taxonomy shared by every maestro
// component. Each failure is classified into a closed set of kinds carrying a
// category, severity, retry hint, and both user-facing and internal messages.
// Errors preserve their cause chain and support errors.Is/As so callers can
// branch on kind without losing diagnostics.
package fault

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one failure class in the taxonomy. The set is closed: every
// error surfaced by a public maestro operation carries exactly one Kind.
type Kind string

const (
	// KindAuthentication marks credential verification failures (bad signature,
	// expired token, request mismatch).
	KindAuthentication Kind = "authentication"
	// KindAuthorization marks permission failures on otherwise valid credentials.
	KindAuthorization Kind = "authorization"
	// KindValidation marks malformed or rejected input (including full queues).
	KindValidation Kind = "validation"
	// KindRateLimit marks requests rejected due to rate limiting. RetryAfter
	// indicates when the caller may try again.
	KindRateLimit Kind = "rate_limit"
	// KindExternalAPI marks upstream provider failures.
	KindExternalAPI Kind = "external_api"
	// KindDatabase marks storage-layer failures.
	KindDatabase Kind = "database"
	// KindSpecialistTimeout marks a specialist call that exceeded its deadline.
	KindSpecialistTimeout Kind = "specialist_timeout"
	// KindSpecialistUnavailable marks a specialist that cannot be reached,
	// including calls rejected by an open circuit breaker.
	KindSpecialistUnavailable Kind = "specialist_unavailable"
	// KindCache marks cache-layer failures. Cache faults are always soft: they
	// must never abort a non-cache operation.
	KindCache Kind = "cache"
	// KindConfiguration marks invalid or missing configuration. Fatal at startup.
	KindConfiguration Kind = "configuration"
	// KindBusinessLogic marks domain rule violations.
	KindBusinessLogic Kind = "business_logic"
	// KindSystem marks unexpected internal failures, including recovered panics.
	KindSystem Kind = "system"
)

// Category groups kinds for reporting and policy decisions.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryRateLimit  Category = "rate_limit"
	CategoryExternal   Category = "external"
	CategoryStorage    Category = "storage"
	CategoryAgent      Category = "agent"
	CategoryCache      Category = "cache"
	CategoryDomain     Category = "domain"
	CategorySystem     Category = "system"
)

// Severity indicates operational impact. Cache faults are low because the
// system degrades gracefully; configuration and system faults are critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// kindProfile captures the static classification for a Kind.
type kindProfile struct {
	category    Category
	severity    Severity
	retryable   bool
	userMessage string
}

var profiles = map[Kind]kindProfile{
	KindAuthentication:        {CategoryAuth, SeverityHigh, false, "Authentication failed."},
	KindAuthorization:         {CategoryAuth, SeverityHigh, false, "You are not permitted to perform this action."},
	KindValidation:            {CategoryValidation, SeverityMedium, false, "The request could not be processed as given."},
	KindRateLimit:             {CategoryRateLimit, SeverityMedium, true, "Too many requests. Please slow down."},
	KindExternalAPI:           {CategoryExternal, SeverityHigh, true, "An upstream service had a problem."},
	KindDatabase:              {CategoryStorage, SeverityHigh, true, "A storage operation failed."},
	KindSpecialistTimeout:     {CategoryAgent, SeverityMedium, false, "Part of the analysis took too long."},
	KindSpecialistUnavailable: {CategoryAgent, SeverityMedium, true, "Part of the analysis is temporarily unavailable."},
	KindCache:                 {CategoryCache, SeverityLow, true, ""},
	KindConfiguration:         {CategorySystem, SeverityCritical, false, "The service is misconfigured."},
	KindBusinessLogic:         {CategoryDomain, SeverityMedium, false, "The request conflicts with current data."},
	KindSystem:                {CategorySystem, SeverityCritical, false, "Something went wrong on our side."},
}

// Error is the structured failure type returned by maestro components. It
// implements the standard error interface and unwraps to its cause.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Category groups the kind for reporting.
	Category Category
	// Severity indicates operational impact.
	Severity Severity
	// UserMessage is safe to show to end users. Internal detail never leaks here.
	UserMessage string
	// InternalMessage describes the failure for operators and logs.
	InternalMessage string
	// Details carries structured context (endpoint, key, counts). May be nil.
	Details map[string]any
	// RetryAfter suggests when a retry may succeed. Zero means no suggestion.
	RetryAfter time.Duration
	// ErrorID correlates the error across logs and responses.
	ErrorID string

	cause error
}

// New constructs an Error of the given kind with an internal message. The
// category, severity, and default user message derive from the kind.
func New(kind Kind, internal string) *Error {
	p, ok := profiles[kind]
	if !ok {
		p = profiles[KindSystem]
		kind = KindSystem
	}
	return &Error{
		Kind:            kind,
		Category:        p.category,
		Severity:        p.severity,
		UserMessage:     p.userMessage,
		InternalMessage: internal,
		ErrorID:         uuid.NewString(),
	}
}

// Newf constructs an Error with a formatted internal message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs an Error of the given kind that records cause in its chain.
// When internal is empty the cause's message is used.
func Wrap(kind Kind, internal string, cause error) *Error {
	if internal == "" && cause != nil {
		internal = cause.Error()
	}
	e := New(kind, internal)
	e.cause = cause
	return e
}

// FromError coerces an arbitrary error into an *Error. Existing *Error values
// pass through unchanged; context timeouts map to SpecialistTimeout when hinted
// by the caller; everything else becomes a System fault wrapping the original.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindSystem, "", err)
}

// Error implements the error interface with the internal message.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.InternalMessage == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.InternalMessage)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports kind equality so errors.Is(err, fault.New(kind, "")) works against
// sentinel comparisons on Kind alone.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e != nil && fe != nil && e.Kind == fe.Kind
}

// WithDetail attaches a structured detail entry and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithUserMessage overrides the user-facing message and returns the error.
func (e *Error) WithUserMessage(msg string) *Error {
	e.UserMessage = msg
	return e
}

// WithRetryAfter records a retry hint and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// Retryable reports whether the kind is retryable per the taxonomy. RateLimit
// retries should honor RetryAfter; Database retries should use a short backoff.
// SpecialistTimeout is not retryable at the same deadline.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	p, ok := profiles[e.Kind]
	return ok && p.retryable
}

// KindOf extracts the Kind from any error. Plain errors report KindSystem;
// nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindSystem
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
