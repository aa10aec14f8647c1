// Package gitsync implements the secure synchronization protocol for one
// managed component: clone or fetch the remote branch, verify the candidate
// revision through an external verifier, and only then let it become
// reachable from the tracked branch. This package implements no
// threadpooling; the caller owns concurrency across components and must
// guarantee exclusive access to the working copy for the duration of a run.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/CodeFetch/qubes-builder/internal/config"
	"github.com/CodeFetch/qubes-builder/internal/logging"
	"github.com/CodeFetch/qubes-builder/internal/metrics"
)

// candidateRef is where fetch mode parks the freshly transported branch head
// until verification decides its fate. It survives successful runs so that
// an up-to-date re-fetch still resolves; rollback removes it.
const candidateRef = plumbing.ReferenceName("refs/sync/fetch-head")

// Synchronizer drives one synchronization run for one component. It is not
// thread-safe and must not be reused across invocations.
type Synchronizer struct {
	rc       *config.Resolved
	verifier Verifier
	log      *logging.Logger
}

func New(rc *config.Resolved) *Synchronizer {
	return &Synchronizer{
		rc:  rc,
		log: logging.NewLogger(logging.Config{Level: logging.LevelInfo}),
	}
}

func (s *Synchronizer) WithVerifier(v Verifier) *Synchronizer {
	s.verifier = v
	return s
}

func (s *Synchronizer) WithLogger(logger *logging.Logger) *Synchronizer {
	s.log = logger
	return s
}

// Outcome is the terminal state of a successful run.
type Outcome int

const (
	// OutcomeDone means the branch now points at the verified revision (or
	// verification finished in fetch-only mode).
	OutcomeDone Outcome = iota
	// OutcomeSkipped means the remote branch was legitimately absent and the
	// caller opted into ignoring that.
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeSkipped {
		return "skipped"
	}
	return "done"
}

// Result describes a completed run.
type Result struct {
	Outcome Outcome
	Commit  string // verified revision; empty when skipped
	Fresh   bool   // the working copy was created by this run
}

type state int

const (
	stateLocated state = iota
	stateTransported
	stateVerifying
	stateAccepted
	stateReconciled
	stateRejected
	stateRolledBack
)

func (s state) String() string {
	switch s {
	case stateLocated:
		return "located"
	case stateTransported:
		return "transported"
	case stateVerifying:
		return "verifying"
	case stateAccepted:
		return "accepted"
	case stateReconciled:
		return "reconciled"
	case stateRejected:
		return "rejected"
	case stateRolledBack:
		return "rolled-back"
	}
	return "unknown"
}

// Execute performs the synchronization run. Errors are classified by the
// sentinel errors of this package; every error is terminal for the run.
func (s *Synchronizer) Execute(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	result, err := s.execute(ctx)
	if err != nil {
		metrics.SyncFailed.WithLabelValues(s.rc.Component).Inc()
		return nil, fmt.Errorf("component %q: %w", s.rc.Component, err)
	}

	metrics.SyncDuration.WithLabelValues(s.rc.Component).Observe(time.Since(startTime).Seconds())
	if result.Outcome == OutcomeSkipped {
		metrics.SyncSkipped.WithLabelValues(s.rc.Component).Inc()
	}
	return result, nil
}

// execute runs the linear state machine: located -> transported -> verifying
// -> accepted -> reconciled, with the rejected -> rolled-back branch on
// verification failure. No state is ever revisited.
func (s *Synchronizer) execute(ctx context.Context) (*Result, error) {
	st := stateLocated
	s.log.Debugf("component %q: %s (url %q, branch %q, policy %s)", s.rc.Component, st, s.rc.URL, s.rc.Branch, s.rc.Policy)

	t, err := s.transport(ctx)
	if err != nil {
		if errors.Is(err, ErrBranchAbsent) && s.rc.IgnoreMissing {
			s.log.Infof("component %q: branch %q not present on remote, skipping", s.rc.Component, s.rc.Branch)
			return &Result{Outcome: OutcomeSkipped}, nil
		}
		return nil, err
	}
	st = s.step(st, stateTransported)

	revision, err := s.resolveCandidate(t)
	if err != nil {
		return nil, err
	}
	st = s.step(st, stateVerifying)

	if err := s.verify(ctx, revision); err != nil {
		st = s.step(st, stateRejected)
		if rbErr := s.rollback(t); rbErr != nil {
			s.log.Errorf("component %q: rollback failed: %v", s.rc.Component, rbErr)
			return nil, errors.Join(err, rbErr)
		}
		s.step(st, stateRolledBack)
		return nil, err
	}
	st = s.step(st, stateAccepted)

	if !s.rc.FetchOnly {
		if err := s.reconcile(t, revision); err != nil {
			return nil, err
		}
		s.step(st, stateReconciled)
	}

	s.log.Infof("component %q: synchronized at %s", s.rc.Component, revision)
	return &Result{Outcome: OutcomeDone, Commit: revision.String(), Fresh: t.fresh}, nil
}

func (s *Synchronizer) step(from, to state) state {
	s.log.Debugf("component %q: %s -> %s", s.rc.Component, from, to)
	return to
}
