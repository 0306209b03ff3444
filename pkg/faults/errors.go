package faults

import (
	"fmt"
	"time"

	"github.com/shelfhand/shelfhand/pkg/types"
)

// NetworkError wraps a transport-level failure from a remote collaborator
type NetworkError struct {
	Op    string
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// AuthError signals an authentication or authorization failure.
// Forbidden distinguishes 403-family lockouts from plain login failures.
type AuthError struct {
	Message   string
	Forbidden bool
}

func (e *AuthError) Error() string { return e.Message }

// NotFoundError signals a missing remote resource (404 family)
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// LimitExhaustedError signals the remote daily download limit was hit.
// ResetAt carries the server-reported reset time when known.
type LimitExhaustedError struct {
	ResetAt *time.Time
}

func (e *LimitExhaustedError) Error() string {
	if e.ResetAt != nil {
		return fmt.Sprintf("download limit exhausted, resets at %s", e.ResetAt.Format(time.RFC3339))
	}
	return "download limit exhausted"
}

// ProcessingError is a stage-level failure with an explicit kind
type ProcessingError struct {
	Kind    string
	Message string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StatusMismatchError signals an item whose committed state no longer
// matches the stage's acceptable set. Tasks hitting it are cancelled,
// never retried.
type StatusMismatchError struct {
	ItemID uint64
	Stage  types.Stage
	Status types.Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("item %d in state %s not acceptable for stage %s", e.ItemID, e.Status, e.Stage)
}
