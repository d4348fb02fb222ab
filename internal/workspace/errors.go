package workspace

import (
	"errors"
	"fmt"
)

// Kind classifies workspace errors so callers can react without string
// matching. Every public operation in this module returns a *Error.
type Kind int

const (
	KindInvalidInput Kind = iota
	KindWorkspaceNotOpen
	KindPathOutsideWorkspace
	KindFileNotFound
	KindHashMismatch
	KindPatchPreviewFailed
	KindPatchApplyFailed
	KindCommandDenied
	KindCommandNotFound
	KindCommandExecutionFailed
	KindStorage
	KindInternal
)

var kindNames = map[Kind]string{
	KindInvalidInput:           "invalid-input",
	KindWorkspaceNotOpen:       "workspace-not-open",
	KindPathOutsideWorkspace:   "path-outside-workspace",
	KindFileNotFound:           "file-not-found",
	KindHashMismatch:           "hash-mismatch",
	KindPatchPreviewFailed:     "patch-preview-failed",
	KindPatchApplyFailed:       "patch-apply-failed",
	KindCommandDenied:          "command-denied",
	KindCommandNotFound:        "command-not-found",
	KindCommandExecutionFailed: "command-execution-failed",
	KindStorage:                "storage-error",
	KindInternal:               "internal-error",
}

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal-error"
}

// Error is a kind-tagged error with optional structured details and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// ToJSON returns a structured representation suitable for callers that
// serialize errors across a boundary.
func (e *Error) ToJSON() map[string]any {
	result := map[string]any{
		"success": false,
		"code":    e.Kind.String(),
		"error":   e.Message,
	}
	for k, v := range e.Details {
		result[k] = v
	}
	return result
}

// NewError creates a tagged error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a formatted tagged error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a tagged error around an underlying cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind of the outermost workspace Error in err's
// chain, else KindInternal.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindInternal
}

// IsKind reports whether any workspace Error in err's chain has kind k.
// errors.As alone would stop at the outermost tagged error, which hides
// causes like a hash-mismatch wrapped in a patch-apply-failed.
func IsKind(err error, k Kind) bool {
	for err != nil {
		if we, ok := err.(*Error); ok && we.Kind == k {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
