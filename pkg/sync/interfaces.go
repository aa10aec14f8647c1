// Package sync defines the public contracts implemented by the
// synchronization packages, allowing external projects to plug in their own
// implementations.
package sync

import "context"

// Verifier abstracts the external revision verification service. It is the
// only authority on whether freshly transported history may be trusted.
//
// Verify receives the working copy location, the concrete revision
// identifier to verify, and the trust-policy keyword ("signed-tag" or
// "signed-commit"). Any non-nil error is an authoritative rejection: callers
// must not retry and must not partially trust the revision.
type Verifier interface {
	Verify(ctx context.Context, dir, revision, policy string) error
}

// Synchronizer is the contract for one component synchronization run. It is
// not thread-safe; callers must not run two invocations against the same
// working copy concurrently.
type Synchronizer interface {
	// Execute performs one synchronization run and returns source metadata
	// (commit identifier, outcome) on success.
	Execute(ctx context.Context) (map[string]any, error)
}
