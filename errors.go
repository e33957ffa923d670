package refcache

import (
	"fmt"
	"strings"
)

// OpaqueMessage is the single externally visible failure text for reference
// access. Not-found, expired, and denied are deliberately indistinguishable
// so callers cannot enumerate entries they lack access to.
const OpaqueMessage = "Invalid or inaccessible reference"

// ErrOpaqueRef is the only reference-access error surfaced at public
// boundaries. The reference identifier is preserved (the caller already
// knew it); the text never varies by cause.
type ErrOpaqueRef struct {
	RefID string
}

func (e *ErrOpaqueRef) Error() string { return OpaqueMessage }

// ErrNotFound reports an absent or expired entry. Internal only: public
// surfaces collapse it to ErrOpaqueRef.
type ErrNotFound struct {
	RefID string
}

func (e *ErrNotFound) Error() string { return "not found: " + e.RefID }

// ErrPermissionDenied reports a failed access check. Internal only: public
// surfaces collapse it to ErrOpaqueRef.
type ErrPermissionDenied struct {
	Actor     string
	Required  Permission
	Reason    string
	Namespace string
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("permission denied for %s on %s (need %s): %s",
		e.Actor, e.Namespace, e.Required, e.Reason)
}

// ErrCircularRef reports a cycle in the reference graph. Chain lists the
// identifiers on the failing branch, ending with the repeated one.
type ErrCircularRef struct {
	Chain []string
}

func (e *ErrCircularRef) Error() string {
	return "circular reference: " + strings.Join(e.Chain, " -> ")
}

// ErrTaskFailed reports a background task that exhausted its retries.
type ErrTaskFailed struct {
	RefID    string
	LastErr  string
	Attempts int
}

func (e *ErrTaskFailed) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %s", e.RefID, e.Attempts, e.LastErr)
}

// ErrCancelled reports an explicitly cancelled task.
type ErrCancelled struct {
	RefID string
}

func (e *ErrCancelled) Error() string { return "task cancelled: " + e.RefID }

// ErrInvalidArgument reports malformed caller input.
type ErrInvalidArgument struct {
	Field  string
	Reason string
}

func (e *ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// opaque wraps any reference-access failure into the opaque kind.
func opaque(refID string) error { return &ErrOpaqueRef{RefID: refID} }
