// Package errors defines the error taxonomy of the dbmux router.
// Driver errors are wrapped into these types so callers can tell a missing instance
// from an exhausted retry budget or a write that reached only part of its targets.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Kind classifies router errors.
type Kind string

// Error kinds.
const (
	KindInstanceUnavailable  Kind = "instance_unavailable"
	KindNoInstancesAvailable Kind = "no_instances_available"
	KindOperationFailed      Kind = "operation_failed"
	KindRetriesExhausted     Kind = "retries_exhausted"
	KindPartialWriteFailure  Kind = "partial_write_failure"
	KindInvalidOperation     Kind = "invalid_operation"
)

// Sentinels for errors.Is. Every typed error in this package matches the sentinel of its kind.
var (
	ErrInstanceUnavailable  = &kindError{kind: KindInstanceUnavailable}
	ErrNoInstancesAvailable = &kindError{kind: KindNoInstancesAvailable}
	ErrOperationFailed      = &kindError{kind: KindOperationFailed}
	ErrRetriesExhausted     = &kindError{kind: KindRetriesExhausted}
	ErrPartialWrite         = &kindError{kind: KindPartialWriteFailure}
	ErrInvalidOperation     = &kindError{kind: KindInvalidOperation}
)

type kindError struct {
	kind Kind
}

func (e *kindError) Error() string { return string(e.kind) }

// InstanceError reports a problem with a single instance: it is not configured
// (InstanceUnavailable), the group has nothing to serve (NoInstancesAvailable),
// or one attempt against it failed (OperationFailed).
type InstanceError struct {
	Kind     Kind
	Family   types.Family
	Group    string
	Instance types.InstanceID
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *InstanceError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Kind))
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Family != "" {
		fmt.Fprintf(&sb, " (family=%s", e.Family)
		if e.Group != "" {
			fmt.Fprintf(&sb, ", group=%s", e.Group)
		}
		if e.Instance != "" {
			fmt.Fprintf(&sb, ", instance=%s", e.Instance)
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying driver error, if any.
func (e *InstanceError) Unwrap() error { return e.Err }

// Is matches the sentinel of the same kind.
func (e *InstanceError) Is(target error) bool {
	k, ok := target.(*kindError)
	return ok && k.kind == e.Kind
}

// NewInstanceUnavailable reports an instance that has no usable connection string or pool.
func NewInstanceUnavailable(family types.Family, id types.InstanceID, err error) *InstanceError {
	return &InstanceError{
		Kind:     KindInstanceUnavailable,
		Family:   family,
		Instance: id,
		Message:  "instance unavailable",
		Err:      err,
	}
}

// NewNoInstancesAvailable reports an empty candidate set. group is empty for the universe.
func NewNoInstancesAvailable(family types.Family, group string) *InstanceError {
	msg := "no instances available"
	if group == "" {
		msg = "no instances available in any group"
	}
	return &InstanceError{
		Kind:    KindNoInstancesAvailable,
		Family:  family,
		Group:   group,
		Message: msg,
	}
}

// NewOperationFailed wraps a driver error from a single attempt.
func NewOperationFailed(family types.Family, id types.InstanceID, err error) *InstanceError {
	return &InstanceError{
		Kind:     KindOperationFailed,
		Family:   family,
		Instance: id,
		Message:  "operation failed",
		Err:      err,
	}
}

// NewInvalidOperation reports a descriptor the router cannot execute.
func NewInvalidOperation(family types.Family, message string) *InstanceError {
	return &InstanceError{
		Kind:    KindInvalidOperation,
		Family:  family,
		Message: message,
	}
}

// RetriesExhaustedError is returned once every attempt against one target failed.
type RetriesExhaustedError struct {
	Target   string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("[%s] %s: %d attempt(s) failed: %v", KindRetriesExhausted, e.Target, e.Attempts, e.Err)
}

// Unwrap returns the error of the last attempt.
func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Is matches ErrRetriesExhausted.
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// PartialWriteError is returned by a write fan-out that reached some, but not all,
// of its target instances. Applied instances keep the write; nothing is rolled back.
type PartialWriteError struct {
	Family  types.Family
	Group   string
	Applied []types.InstanceID
	Failed  []types.InstanceID
	Skipped []types.InstanceID
	Err     error
}

// Error implements the error interface.
func (e *PartialWriteError) Error() string {
	scope := e.Group
	if scope == "" {
		scope = "all groups"
	}
	return fmt.Sprintf("[%s] write applied on %v, failed on %v, skipped %v (family=%s, group=%s): %v",
		KindPartialWriteFailure, e.Applied, e.Failed, e.Skipped, e.Family, scope, e.Err)
}

// Unwrap returns the error that stopped (or first broke) the fan-out.
func (e *PartialWriteError) Unwrap() error { return e.Err }

// Is matches ErrPartialWrite.
func (e *PartialWriteError) Is(target error) bool {
	return target == ErrPartialWrite
}

// KindOf returns the kind of the outermost dbmux error in err's chain, or "" if none.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *PartialWriteError:
			return KindPartialWriteFailure
		case *RetriesExhaustedError:
			return KindRetriesExhausted
		case *InstanceError:
			return e.Kind
		case *kindError:
			return e.kind
		}
		err = stderrors.Unwrap(err)
	}
	return ""
}

// IsPartialWrite reports whether err means some instances kept a write that others did not.
func IsPartialWrite(err error) bool {
	var pw *PartialWriteError
	return stderrors.As(err, &pw) && len(pw.Applied) > 0
}
