package gitsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/CodeFetch/qubes-builder/internal/config"
)

// markerFile records, under .git, which component identity (name, url,
// branch) the working copy was last transported for. A mismatch on a later
// run forces a re-clone instead of fetching from a different remote into
// trusted history.
const markerFile = "syncmarker"

// fullDepth is the git wire protocol's "deepen everything" value, used to
// turn a shallow copy into a full one.
const fullDepth = 2147483647

type transportResult struct {
	repo  *git.Repository
	fresh bool // working copy was created by this run
}

// transport decides clone-vs-fetch and performs the chosen operation. It is
// the only step allowed to mutate the object store; everything after it only
// moves refs.
func (s *Synchronizer) transport(ctx context.Context) (*transportResult, error) {
	fetchMode := s.rc.Self || (s.pathExists() && !s.rc.Clean)
	if fetchMode && !s.rc.Self && s.markerChanged() {
		s.log.Infof("component %q: remote location changed, re-cloning", s.rc.Component)
		fetchMode = false
	}

	if fetchMode {
		return s.fetch(ctx)
	}
	return s.clone(ctx)
}

func (s *Synchronizer) fetch(ctx context.Context) (*transportResult, error) {
	repo, err := git.PlainOpen(s.rc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransport, s.rc.Path, err)
	}

	remote, err := s.remote(repo)
	if err != nil {
		return nil, err
	}

	shallow, _ := repo.Storer.Shallow()
	depth := fetchDepth(s.rc.Shallow, shallow)
	if depth == fullDepth {
		s.log.Debugf("component %q: deepening shallow history", s.rc.Component)
	}

	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", s.rc.Branch, candidateRef)),
		},
		Depth: depth,
		Tags:  git.AllTags,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if isBranchAbsent(err) {
			return nil, fmt.Errorf("%w: branch %q: %v", ErrBranchAbsent, s.rc.Branch, err)
		}
		return nil, fmt.Errorf("%w: fetch: %v", ErrTransport, err)
	}

	return &transportResult{repo: repo}, nil
}

func (s *Synchronizer) clone(ctx context.Context) (*transportResult, error) {
	if s.rc.URL == "" {
		return nil, fmt.Errorf("%w: named remote %q requires an existing working copy", ErrTransport, s.rc.RemoteName)
	}

	// Idempotent reset: a stale or half-transported path from an earlier run
	// must not leak into the fresh clone.
	if err := os.RemoveAll(s.rc.Path); err != nil {
		return nil, fmt.Errorf("%w: reset %s: %v", ErrTransport, s.rc.Path, err)
	}

	repo, err := git.PlainCloneContext(ctx, s.rc.Path, false, &git.CloneOptions{
		URL:           s.rc.URL,
		RemoteName:    s.rc.RemoteName, // empty falls back to origin
		ReferenceName: plumbing.NewBranchReferenceName(s.rc.Branch),
		SingleBranch:  true,
		NoCheckout:    true, // checkout happens after verification
		Depth:         fetchDepth(s.rc.Shallow, nil),
		Tags:          git.AllTags,
	})
	if err != nil {
		_ = os.RemoveAll(s.rc.Path)
		if isBranchAbsent(err) {
			return nil, fmt.Errorf("%w: branch %q: %v", ErrBranchAbsent, s.rc.Branch, err)
		}
		return nil, fmt.Errorf("%w: clone %s: %v", ErrTransport, s.rc.URL, err)
	}

	if err := s.writeMarker(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return &transportResult{repo: repo, fresh: true}, nil
}

// remote returns the named remote when one is configured, falling back to an
// anonymous remote for the resolved URL.
func (s *Synchronizer) remote(repo *git.Repository) (*git.Remote, error) {
	if s.rc.RemoteName != "" {
		remote, err := repo.Remote(s.rc.RemoteName)
		if err != nil {
			return nil, fmt.Errorf("%w: remote %q: %v", ErrTransport, s.rc.RemoteName, err)
		}
		return remote, nil
	}

	remote, err := repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "anonymous",
		URLs: []string{s.rc.URL},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return remote, nil
}

func (s *Synchronizer) pathExists() bool {
	_, err := os.Stat(s.rc.Path)
	return err == nil
}

// fetchDepth picks the wire depth: a shallow preference pins the copy at
// depth 1, an existing shallow copy without the preference is deepened all
// the way, and a full copy stays unbounded.
func fetchDepth(preferShallow bool, shallow []plumbing.Hash) int {
	if preferShallow {
		return 1
	}
	if len(shallow) > 0 {
		return fullDepth
	}
	return 0
}

func (s *Synchronizer) markerPath() string {
	return filepath.Join(s.rc.Path, ".git", markerFile)
}

// markerComponent is the identity fragment recorded in the marker file.
func (s *Synchronizer) markerComponent() *config.Component {
	return &config.Component{Name: s.rc.Component, URL: s.rc.URL, Branch: s.rc.Branch}
}

// markerChanged reports whether the working copy was transported for a
// different component identity than this run resolves to. Copies without a
// marker (adopted pre-existing checkouts) are taken as-is.
func (s *Synchronizer) markerChanged() bool {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		return false
	}

	var recorded config.Component
	if err := json.Unmarshal(data, &recorded); err != nil {
		return true
	}
	return !recorded.Equal(s.markerComponent())
}

func (s *Synchronizer) writeMarker() error {
	data, err := json.Marshal(s.markerComponent())
	if err != nil {
		return err
	}
	return os.WriteFile(s.markerPath(), data, 0644)
}

func isBranchAbsent(err error) bool {
	if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return true
	}

	var noMatch git.NoMatchingRefSpecError
	if errors.As(err, &noMatch) {
		return true
	}

	// go-git reports an unknown single-branch clone target with a plain
	// error string.
	return strings.Contains(err.Error(), "couldn't find remote ref")
}
