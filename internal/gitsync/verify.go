package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/CodeFetch/qubes-builder/internal/config"
	"github.com/CodeFetch/qubes-builder/internal/metrics"
	pkgsync "github.com/CodeFetch/qubes-builder/pkg/sync"
)

// Verifier is an alias to pkg/sync.Verifier. See that package for the
// contract.
type Verifier = pkgsync.Verifier

// resolveCandidate turns the transport step's head marker into a concrete
// immutable identifier. A missing marker fails loudly: silently defaulting
// here would hand an arbitrary revision to the verifier.
func (s *Synchronizer) resolveCandidate(t *transportResult) (plumbing.Hash, error) {
	if t.fresh {
		head, err := t.repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("%w: clone head: %v", ErrResolution, err)
		}
		return head.Hash(), nil
	}

	ref, err := t.repo.Reference(candidateRef, true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s: %v", ErrResolution, candidateRef, err)
	}
	if ref.Hash().IsZero() {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s resolved to nothing", ErrResolution, candidateRef)
	}
	return ref.Hash(), nil
}

// verify delegates the trust decision on the candidate revision to the
// external verifier, unless policy disables verification for this component.
func (s *Synchronizer) verify(ctx context.Context, revision plumbing.Hash) error {
	if s.rc.Policy == config.PolicySkip {
		metrics.VerificationSkipped.WithLabelValues(s.rc.Component).Inc()
		s.log.Warnf("=======================================================")
		s.log.Warnf("  NOT VERIFYING component %q: disabled by policy", s.rc.Component)
		s.log.Warnf("=======================================================")
		return nil
	}

	if s.verifier == nil {
		return fmt.Errorf("%w: no revision verifier configured", ErrInvalidInput)
	}

	if err := s.verifier.Verify(ctx, s.rc.Path, revision.String(), s.rc.Policy.String()); err != nil {
		metrics.VerificationRejected.WithLabelValues(s.rc.Component).Inc()
		return fmt.Errorf("%w: revision %s under policy %s: %v", ErrVerificationRejected, revision, s.rc.Policy, err)
	}
	return nil
}

// ExecVerifier runs an external verification command. The command receives
// the working copy location, the revision identifier and the policy keyword;
// any non-zero exit is a rejection.
type ExecVerifier struct {
	Command []string // argv prefix, e.g. []string{"qubes-verify-tag"}
	Stdout  io.Writer
	Stderr  io.Writer
}

func (v *ExecVerifier) Verify(ctx context.Context, dir, revision, policy string) error {
	if len(v.Command) == 0 {
		return errors.New("verifier command not configured")
	}

	args := append(slices.Clone(v.Command[1:]), "--policy", policy, dir, revision)
	cmd := exec.CommandContext(ctx, v.Command[0], args...)
	cmd.Stdout = v.Stdout
	cmd.Stderr = v.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	return cmd.Run()
}
