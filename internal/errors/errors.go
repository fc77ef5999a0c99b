// Package errors defines the error taxonomy shared by every gamevm component.
//
// Each fatal error carries a Kind used for the one-line classification printed by
// the CLI, and an optional remediation hint telling the operator what to do next.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind defines the category of error.
type Kind int

const (
	KindInternal Kind = iota
	KindConfigMissing
	KindConfigInvalid
	KindPrerequisiteUnmet
	KindResourceConflict
	KindTimeout
	KindRemoteCommandFailed
	KindTransferFailed
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindConfigInvalid:
		return "config_invalid"
	case KindPrerequisiteUnmet:
		return "prerequisite_unmet"
	case KindResourceConflict:
		return "resource_conflict"
	case KindTimeout:
		return "timeout"
	case KindRemoteCommandFailed:
		return "remote_command_failed"
	case KindTransferFailed:
		return "transfer_failed"
	default:
		return "internal"
	}
}

// Error is a classified gamevm error.
type Error struct {
	Kind        Kind
	Message     string
	Remediation string
	// Violations lists every individual problem for KindConfigInvalid.
	Violations []string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Violations) > 0 {
		msg = fmt.Sprintf("%s:\n  - %s", msg, strings.Join(e.Violations, "\n  - "))
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. It returns nil for a nil err.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Invalid builds a KindConfigInvalid error listing every violation.
func Invalid(msg string, violations []string) error {
	return &Error{
		Kind:        KindConfigInvalid,
		Message:     msg,
		Violations:  violations,
		Remediation: "fix the listed settings and re-run",
	}
}

// WithHint attaches a remediation hint. Non-classified errors are wrapped as
// KindInternal first.
func WithHint(err error, hint string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindInternal, Message: err.Error(), Remediation: hint, Underlying: err}
	}
	cp := *e
	cp.Remediation = hint
	return &cp
}

// GetKind returns the Kind of the outermost classified error in the chain, or
// KindInternal if none is classified.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any classified error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Underlying
	}
	return false
}

// Hint returns the first remediation hint found in the chain.
func Hint(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Remediation != "" {
			return e.Remediation
		}
		err = e.Underlying
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
