package gitsync

import (
	"cmp"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// reconcile makes the local branch point at the verified revision: it
// creates the branch if new, switches if the current branch differs,
// fast-forwards if the branch is already current, and updates the tracking
// reference. Runs only after verification accepted (or skipped) the
// revision.
func (s *Synchronizer) reconcile(t *transportResult, revision plumbing.Hash) error {
	repo := t.repo
	target := plumbing.NewBranchReferenceName(s.rc.Branch)

	// Current branch may be detached or unborn; both count as "not on the
	// target branch".
	var prior plumbing.Hash
	onTarget := false
	if head, err := repo.Head(); err == nil && head.Name() == target && !t.fresh {
		onTarget = true
		prior = head.Hash()
	}

	if onTarget && prior != revision {
		// The branch already tracks the remote; only clean fast-forwards may
		// advance it. Checked before any ref moves.
		if err := s.ensureFastForward(repo, prior, revision); err != nil {
			return err
		}
		s.log.Debugf("component %q: fast-forwarding %s: %s..%s", s.rc.Component, s.rc.Branch, prior, revision)
	} else if !onTarget {
		if refExists(repo, target) || refExists(repo, s.trackingRef()) {
			s.log.Debugf("component %q: switching %s to verified revision %s", s.rc.Component, s.rc.Branch, revision)
		} else {
			s.log.Debugf("component %q: creating branch %s at %s", s.rc.Component, s.rc.Branch, revision)
		}
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(target, revision)); err != nil {
		return fmt.Errorf("update branch %s: %w", target, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: target, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", target, err)
	}

	if tracking := s.trackingRef(); refExists(repo, tracking) {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(tracking, revision)); err != nil {
			return fmt.Errorf("update tracking ref %s: %w", tracking, err)
		}
	}

	return nil
}

// ensureFastForward fails with ErrNonLinearHistory unless old is an ancestor
// of new. Divergence is never auto-resolved: a silent non-fast-forward merge
// could integrate unintended history.
func (s *Synchronizer) ensureFastForward(repo *git.Repository, old, new plumbing.Hash) error {
	oldCommit, err := repo.CommitObject(old)
	if err != nil {
		return fmt.Errorf("%w: branch tip %s: %v", ErrNonLinearHistory, old, err)
	}
	newCommit, err := repo.CommitObject(new)
	if err != nil {
		return fmt.Errorf("%w: candidate %s: %v", ErrNonLinearHistory, new, err)
	}

	ok, err := oldCommit.IsAncestor(newCommit)
	if err != nil {
		return fmt.Errorf("%w: ancestry walk: %v", ErrNonLinearHistory, err)
	}
	if !ok {
		return fmt.Errorf("%w: branch %q at %s has diverged from verified revision %s", ErrNonLinearHistory, s.rc.Branch, old, new)
	}
	return nil
}

func (s *Synchronizer) trackingRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(cmp.Or(s.rc.RemoteName, git.DefaultRemoteName), s.rc.Branch)
}

func refExists(repo *git.Repository, name plumbing.ReferenceName) bool {
	_, err := repo.Reference(name, false)
	return err == nil
}
