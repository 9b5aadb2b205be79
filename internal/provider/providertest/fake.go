// Package providertest is a hand-rolled fake Provider for tests, used in
// place of a mocking framework (§10 test tooling).
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/sandboxctl/server/internal/provider"
)

// Fake is an in-memory Provider.Port that records every call it receives
// and lets a test script a scripted failure.
type Fake struct {
	mu sync.Mutex

	CreateCalls  []provider.CreateOptions
	RestoreCalls []string
	SnapshotCalls []string
	StopCalls    []string

	// NextCreateErr, if set, is returned (and cleared) by the next
	// CreateSandbox call.
	NextCreateErr error
	// NextRestoreErr, if set, is returned (and cleared) by the next
	// RestoreFromSnapshot call.
	NextRestoreErr error

	nextObjectID int
	snapshotSeq  int

	supportsSnapshot bool

	// GoneObjects marks object ids that Exists should report as gone,
	// simulating a provider resource that vanished across a restart.
	GoneObjects map[string]bool
}

// New returns a Fake that supports snapshotting by default.
func New() *Fake {
	return &Fake{supportsSnapshot: true}
}

func (f *Fake) CreateSandbox(ctx context.Context, opts provider.CreateOptions) (*provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls = append(f.CreateCalls, opts)
	if f.NextCreateErr != nil {
		err := f.NextCreateErr
		f.NextCreateErr = nil
		return nil, err
	}
	f.nextObjectID++
	return &provider.Handle{ObjectID: fmt.Sprintf("obj-%d", f.nextObjectID)}, nil
}

func (f *Fake) RestoreFromSnapshot(ctx context.Context, snapshotImageID string, opts provider.CreateOptions) (*provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RestoreCalls = append(f.RestoreCalls, snapshotImageID)
	if f.NextRestoreErr != nil {
		err := f.NextRestoreErr
		f.NextRestoreErr = nil
		return nil, err
	}
	f.nextObjectID++
	return &provider.Handle{ObjectID: fmt.Sprintf("obj-%d", f.nextObjectID)}, nil
}

func (f *Fake) TakeSnapshot(ctx context.Context, objectID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotCalls = append(f.SnapshotCalls, objectID)
	f.snapshotSeq++
	return fmt.Sprintf("img-%d", f.snapshotSeq), nil
}

func (f *Fake) Stop(ctx context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls = append(f.StopCalls, objectID)
	return nil
}

func (f *Fake) SupportsSnapshot() bool { return f.supportsSnapshot }

// SetSupportsSnapshot lets a test simulate a non-snapshotting backend.
func (f *Fake) SetSupportsSnapshot(v bool) { f.supportsSnapshot = v }

func (f *Fake) Exists(ctx context.Context, objectID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GoneObjects != nil && f.GoneObjects[objectID] {
		return false, nil
	}
	return true, nil
}
