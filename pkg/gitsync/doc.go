// Package gitsync exposes the secure git synchronization protocol to
// external integrators. It maintains a local working copy for one component
// and admits freshly transported history into the tracked branch only after
// an injected Verifier has accepted the candidate revision.
//
// The synchronizer is not thread-safe; callers own concurrency across
// components and must not run two invocations against the same working copy
// at once.
package gitsync
