package gitsync

import (
	"errors"

	"github.com/CodeFetch/qubes-builder/internal/config"
)

var (
	// ErrInvalidInput is config.ErrInvalidInput, re-exported so callers can
	// classify every failure of a run against a single package.
	ErrInvalidInput = config.ErrInvalidInput

	// ErrTransport marks a clone or fetch failure other than "branch does
	// not exist".
	ErrTransport = errors.New("transport failed")

	// ErrBranchAbsent marks a fetch or clone that failed because the target
	// branch does not exist on the remote. Soft when the caller opted into
	// ignore-missing.
	ErrBranchAbsent = errors.New("remote branch absent")

	// ErrResolution marks a candidate revision marker that could not be
	// resolved to a concrete identifier after transport.
	ErrResolution = errors.New("candidate revision unresolved")

	// ErrVerificationRejected marks an authoritative rejection by the
	// external verifier. Rollback has already run when it surfaces.
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrNonLinearHistory marks a required fast-forward merge that would
	// not be a clean fast-forward.
	ErrNonLinearHistory = errors.New("non-fast-forward history")
)
