// Package ingestionerr classifies pipeline failures by kind so the queue's
// retry policy can decide retryable vs terminal without parsing strings.
package ingestionerr

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of failure categories (spec §7).
type Kind int

const (
	// Transient failures are retryable: network timeouts, rate limits,
	// vector-store unavailability.
	Transient Kind = iota
	// InputFatal failures are never retryable: unsupported MIME,
	// oversized file, malformed source.
	InputFatal
	// LLMSemantic failures are retryable: empty chunk list,
	// schema-violating metadata.
	LLMSemantic
	// StoreConsistency failures are non-retryable on the Object (it is
	// marked embedding_failed); the owning job may still retry.
	StoreConsistency
	// Programmer failures are terminal immediately: no processor
	// registered for a jobType.
	Programmer
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case InputFatal:
		return "input_fatal"
	case LLMSemantic:
		return "llm_semantic"
	case StoreConsistency:
		return "store_consistency"
	case Programmer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Retryable reports whether the queue's retry policy should consume a
// retry attempt for this kind, as opposed to failing the job immediately.
func (k Kind) Retryable() bool {
	switch k {
	case Transient, LLMSemantic, StoreConsistency:
		return true
	default:
		return false
	}
}

// Error wraps an underlying error with a Kind, following the teacher's
// plain fmt.Errorf("%w", err) wrapping convention rather than a bespoke
// error-code system.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given Kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a Kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Transient when err
// carries no Kind — unclassified errors are assumed retryable rather than
// silently terminal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Truncate bounds an error message to the 1,000-character limit spec.md
// §7 imposes on stored errorInfo.
func Truncate(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
