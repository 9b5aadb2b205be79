// Package provider defines the Provider port (§6): the interface the
// Sandbox Lifecycle Controller uses to materialize, restore, and snapshot
// compute sandboxes, kept abstract so the lifecycle package never imports a
// concrete backing implementation (§7 "Cyclic references" redesign flag).
package provider

import (
	"context"
	"errors"
)

// ErrorClass classifies a Provider error for circuit-breaker input (§6,
// §7 "Upstream transient"/"Upstream permanent").
type ErrorClass int

const (
	// ErrorClassPermanent increments the circuit breaker's failure counter.
	ErrorClassPermanent ErrorClass = iota
	// ErrorClassTransient leaves the failure counter unchanged.
	ErrorClassTransient
	// ErrorClassUnknown is treated as permanent (§4.4.3).
	ErrorClassUnknown
)

// Error wraps an upstream provider failure with its classification.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the ErrorClass from err, defaulting to
// ErrorClassUnknown (treated as permanent) for unclassified errors.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrorClassUnknown
}

// CreateOptions parameterizes a fresh sandbox spawn (§4.4.3).
type CreateOptions struct {
	SessionID         string
	ExpectedSandboxID string // pre-allocated, must match the incoming connection
	RepoOwner         string
	RepoName          string
	ControlPlaneURL   string
	AuthToken         string
	Model             string
	Env               map[string]string
}

// Handle is the provider-internal object returned by a successful
// create/restore call; ObjectID is persisted as sandbox.provider_object_id
// and used for subsequent snapshot/stop calls.
type Handle struct {
	ObjectID string
}

// Unavailable is a Port that fails every operation with ErrorClassPermanent,
// used when the configured backing provider (e.g. the Docker daemon) could
// not be reached at startup. Keeps the controller's provider field a valid,
// non-nil interface so spawn attempts fail with a clear error instead of a
// nil-pointer panic.
var Unavailable Port = unavailableProvider{}

type unavailableProvider struct{}

func (unavailableProvider) CreateSandbox(ctx context.Context, opts CreateOptions) (*Handle, error) {
	return nil, &Error{Class: ErrorClassPermanent, Err: errors.New("no sandbox provider configured")}
}

func (unavailableProvider) RestoreFromSnapshot(ctx context.Context, snapshotImageID string, opts CreateOptions) (*Handle, error) {
	return nil, &Error{Class: ErrorClassPermanent, Err: errors.New("no sandbox provider configured")}
}

func (unavailableProvider) TakeSnapshot(ctx context.Context, objectID string) (string, error) {
	return "", &Error{Class: ErrorClassPermanent, Err: errors.New("no sandbox provider configured")}
}

func (unavailableProvider) Stop(ctx context.Context, objectID string) error {
	return errors.New("no sandbox provider configured")
}

func (unavailableProvider) SupportsSnapshot() bool { return false }

func (unavailableProvider) Exists(ctx context.Context, objectID string) (bool, error) {
	return false, errors.New("no sandbox provider configured")
}

// Port is the abstract interface the lifecycle controller drives. A
// concrete implementation need not support snapshotting; SupportsSnapshot
// reports whether TakeSnapshot/RestoreFromSnapshot are meaningful.
type Port interface {
	// CreateSandbox materializes a fresh sandbox (§4.4.3).
	CreateSandbox(ctx context.Context, opts CreateOptions) (*Handle, error)
	// RestoreFromSnapshot recreates a sandbox from a previously captured
	// snapshot image (§4.4.4).
	RestoreFromSnapshot(ctx context.Context, snapshotImageID string, opts CreateOptions) (*Handle, error)
	// TakeSnapshot captures the sandbox's current state, returning an
	// opaque snapshot image id (§4.4.8).
	TakeSnapshot(ctx context.Context, objectID string) (snapshotImageID string, err error)
	// Stop tears down the sandbox's compute resources.
	Stop(ctx context.Context, objectID string) error
	// SupportsSnapshot reports whether this backing implementation can
	// take/restore snapshots (§6: "optional restoreFromSnapshot/takeSnapshot").
	SupportsSnapshot() bool
	// Exists reports whether objectID still corresponds to a live provider
	// resource, used by the reconciliation sweep (§4.4.9) to detect a
	// sandbox that vanished while the coordinator was down.
	Exists(ctx context.Context, objectID string) (bool, error)
}
