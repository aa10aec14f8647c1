package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"

	"github.com/CodeFetch/qubes-builder/internal/config"
	"github.com/CodeFetch/qubes-builder/internal/logging"
)

// Serve file:// URLs in-process so tests need neither a network nor a git
// binary.
func TestMain(m *testing.M) {
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	os.Exit(m.Run())
}

type remoteRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	seq  int
}

func newRemote(t *testing.T) *remoteRepo {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &remoteRepo{t: t, dir: dir, repo: repo}
}

func (r *remoteRepo) url() string {
	return "file://" + filepath.Join(r.dir, ".git")
}

func (r *remoteRepo) commit(msg string) plumbing.Hash {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}
	r.seq++
	if err := os.WriteFile(filepath.Join(r.dir, "content.txt"), fmt.Appendf(nil, "%s %d\n", msg, r.seq), 0644); err != nil {
		r.t.Fatal(err)
	}
	if _, err := wt.Add("content.txt"); err != nil {
		r.t.Fatal(err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		r.t.Fatal(err)
	}
	return hash
}

func (r *remoteRepo) resetTo(hash plumbing.Hash) {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		r.t.Fatal(err)
	}
}

func (r *remoteRepo) tag(name string, hash plumbing.Hash) {
	r.t.Helper()

	if _, err := r.repo.CreateTag(name, hash, nil); err != nil {
		r.t.Fatal(err)
	}
}

type verifyCall struct {
	dir      string
	revision string
	policy   string
}

type stubVerifier struct {
	err   error
	calls []verifyCall
}

func (v *stubVerifier) Verify(_ context.Context, dir, revision, policy string) error {
	v.calls = append(v.calls, verifyCall{dir: dir, revision: revision, policy: policy})
	return v.err
}

func testResolved(t *testing.T, remote *remoteRepo) *config.Resolved {
	t.Helper()

	return &config.Resolved{
		Component: "test-component",
		Path:      filepath.Join(t.TempDir(), "test-component"),
		URL:       remote.url(),
		Branch:    "main",
		Policy:    config.PolicySignedTag,
	}
}

func runSync(t *testing.T, rc *config.Resolved, v Verifier) (*Result, error) {
	t.Helper()

	logger := logging.NewLogger(logging.Config{Level: logging.LevelDebug, Output: io.Discard})
	return New(rc).WithVerifier(v).WithLogger(logger).Execute(context.Background())
}

func localRef(t *testing.T, path string, name plumbing.ReferenceName) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(path)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := repo.Reference(name, true)
	if err != nil {
		t.Fatalf("reference %s: %v", name, err)
	}
	return ref.Hash()
}

func localRefAbsent(t *testing.T, path string, name plumbing.ReferenceName) {
	t.Helper()

	repo, err := git.PlainOpen(path)
	if err != nil {
		t.Fatal(err)
	}
	if ref, err := repo.Reference(name, false); err == nil {
		t.Fatalf("expected %s to be absent, found it at %s", name, ref.Hash())
	}
}

func TestCloneVerifyCheckout(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	rc := testResolved(t, remote)
	verifier := &stubVerifier{}

	result, err := runSync(t, rc, verifier)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("expected done, got %s", result.Outcome)
	}
	if result.Commit != c1.String() {
		t.Fatalf("expected commit %s, got %s", c1, result.Commit)
	}
	if !result.Fresh {
		t.Fatal("expected a fresh working copy")
	}

	if len(verifier.calls) != 1 {
		t.Fatalf("expected one verification, got %d", len(verifier.calls))
	}
	call := verifier.calls[0]
	if call.dir != rc.Path || call.revision != c1.String() || call.policy != "signed-tag" {
		t.Fatalf("unexpected verifier invocation: %+v", call)
	}

	if got := localRef(t, rc.Path, plumbing.Main); got != c1 {
		t.Fatalf("expected branch at %s, got %s", c1, got)
	}
	if _, err := os.Stat(filepath.Join(rc.Path, "content.txt")); err != nil {
		t.Fatalf("expected a checked out working copy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rc.Path, ".git", markerFile)); err != nil {
		t.Fatalf("expected the transport marker: %v", err)
	}
}

func TestFetchFastForward(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	c2 := remote.commit("update")
	remote.tag("v1.0", c2)

	result, err := runSync(t, rc, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Fresh {
		t.Fatal("expected the existing working copy to be reused")
	}
	if result.Commit != c2.String() {
		t.Fatalf("expected commit %s, got %s", c2, result.Commit)
	}

	if got := localRef(t, rc.Path, plumbing.Main); got != c2 {
		t.Fatalf("expected branch fast-forwarded to %s, got %s", c2, got)
	}
	if got := localRef(t, rc.Path, plumbing.NewTagReferenceName("v1.0")); got != c2 {
		t.Fatalf("expected tag fetched alongside, got %s", got)
	}
}

func TestFetchRejectedRollsBack(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	remote.commit("unsigned update")

	_, err := runSync(t, rc, &stubVerifier{err: errors.New("bad signature")})
	if !errors.Is(err, ErrVerificationRejected) {
		t.Fatalf("expected ErrVerificationRejected, got %v", err)
	}

	if got := localRef(t, rc.Path, plumbing.Main); got != c1 {
		t.Fatalf("expected branch untouched at %s, got %s", c1, got)
	}
	localRefAbsent(t, rc.Path, candidateRef)
}

func TestCloneRejectedRemovesPath(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)

	_, err := runSync(t, rc, &stubVerifier{err: errors.New("bad signature")})
	if !errors.Is(err, ErrVerificationRejected) {
		t.Fatalf("expected ErrVerificationRejected, got %v", err)
	}

	if _, err := os.Stat(rc.Path); !os.IsNotExist(err) {
		t.Fatalf("expected the rejected clone to be removed, stat: %v", err)
	}
}

func TestBranchAbsent(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	t.Run("clone", func(t *testing.T) {
		rc := testResolved(t, remote)
		rc.Branch = "missing-branch"

		_, err := runSync(t, rc, &stubVerifier{})
		if !errors.Is(err, ErrBranchAbsent) {
			t.Fatalf("expected ErrBranchAbsent, got %v", err)
		}
	})

	t.Run("clone ignore-missing", func(t *testing.T) {
		rc := testResolved(t, remote)
		rc.Branch = "missing-branch"
		rc.IgnoreMissing = true

		result, err := runSync(t, rc, &stubVerifier{})
		if err != nil {
			t.Fatal(err)
		}
		if result.Outcome != OutcomeSkipped {
			t.Fatalf("expected skipped, got %s", result.Outcome)
		}
		if result.Commit != "" {
			t.Fatalf("expected no commit for a skipped run, got %s", result.Commit)
		}
	})

	t.Run("fetch", func(t *testing.T) {
		rc := testResolved(t, remote)
		if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
			t.Fatal(err)
		}

		rc2 := *rc
		rc2.Self = true
		rc2.Branch = "missing-branch"

		_, err := runSync(t, &rc2, &stubVerifier{})
		if !errors.Is(err, ErrBranchAbsent) {
			t.Fatalf("expected ErrBranchAbsent, got %v", err)
		}

		rc2.IgnoreMissing = true
		result, err := runSync(t, &rc2, &stubVerifier{})
		if err != nil {
			t.Fatal(err)
		}
		if result.Outcome != OutcomeSkipped {
			t.Fatalf("expected skipped, got %s", result.Outcome)
		}
	})
}

func TestNonFastForward(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")
	c2 := remote.commit("update")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	remote.resetTo(c1)
	remote.commit("diverged")

	_, err := runSync(t, rc, &stubVerifier{})
	if !errors.Is(err, ErrNonLinearHistory) {
		t.Fatalf("expected ErrNonLinearHistory, got %v", err)
	}

	if got := localRef(t, rc.Path, plumbing.Main); got != c2 {
		t.Fatalf("expected branch untouched at %s, got %s", c2, got)
	}
}

func TestRepeatedRunsConverge(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	rc := testResolved(t, remote)
	for i := range 3 {
		result, err := runSync(t, rc, &stubVerifier{})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if result.Outcome != OutcomeDone {
			t.Fatalf("run %d: expected done, got %s", i, result.Outcome)
		}
		if result.Commit != c1.String() {
			t.Fatalf("run %d: expected commit %s, got %s", i, c1, result.Commit)
		}
	}

	if got := localRef(t, rc.Path, plumbing.Main); got != c1 {
		t.Fatalf("expected branch at %s, got %s", c1, got)
	}
}

func TestSkipPolicy(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	rc := testResolved(t, remote)
	rc.Policy = config.PolicySkip

	result, err := runSync(t, rc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Commit != c1.String() {
		t.Fatalf("expected commit %s, got %s", c1, result.Commit)
	}
}

func TestCommitPolicyKeyword(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)
	rc.Policy = config.PolicySignedCommitSufficient
	verifier := &stubVerifier{}

	if _, err := runSync(t, rc, verifier); err != nil {
		t.Fatal(err)
	}
	if len(verifier.calls) != 1 || verifier.calls[0].policy != "signed-commit" {
		t.Fatalf("unexpected verifier invocations: %+v", verifier.calls)
	}
}

func TestMissingVerifier(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)

	_, err := runSync(t, rc, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without a verifier, got %v", err)
	}

	// Rollback applies to the configuration failure too.
	if _, err := os.Stat(rc.Path); !os.IsNotExist(err) {
		t.Fatalf("expected the unverified clone to be removed, stat: %v", err)
	}
}

func TestFetchOnly(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	c2 := remote.commit("update")

	rc2 := *rc
	rc2.FetchOnly = true
	result, err := runSync(t, &rc2, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Commit != c2.String() {
		t.Fatalf("expected commit %s, got %s", c2, result.Commit)
	}

	// Verified but not merged: the branch stays put, the candidate waits.
	if got := localRef(t, rc.Path, plumbing.Main); got != c1 {
		t.Fatalf("expected branch untouched at %s, got %s", c1, got)
	}
	if got := localRef(t, rc.Path, candidateRef); got != c2 {
		t.Fatalf("expected candidate at %s, got %s", c2, got)
	}
}

func TestBranchSwitch(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	// Wander off to a local branch between runs.
	repo, err := git.PlainOpen(rc.Path)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("scratch"), Create: true}); err != nil {
		t.Fatal(err)
	}

	c2 := remote.commit("update")

	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.Name() != plumbing.Main {
		t.Fatalf("expected to end up on %s, got %s", plumbing.Main, head.Name())
	}
	if head.Hash() != c2 {
		t.Fatalf("expected %s checked out, got %s", c2, head.Hash())
	}
}

func TestFetchDepth(t *testing.T) {
	h := plumbing.NewHash("aabbccddeeff00112233445566778899aabbccdd")
	tests := []struct {
		name    string
		prefer  bool
		shallow []plumbing.Hash
		want    int
	}{
		{name: "full copy stays unbounded", want: 0},
		{name: "shallow preference", prefer: true, want: 1},
		{name: "shallow preference on shallow copy", prefer: true, shallow: []plumbing.Hash{h}, want: 1},
		{name: "shallow copy is deepened", shallow: []plumbing.Hash{h}, want: fullDepth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fetchDepth(tt.prefer, tt.shallow); got != tt.want {
				t.Fatalf("expected depth %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNamedRemote(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)
	rc.RemoteName = "upstream"

	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	repo, err := git.PlainOpen(rc.Path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Remote("upstream"); err != nil {
		t.Fatalf("expected the clone to register the configured remote: %v", err)
	}

	c2 := remote.commit("update")

	result, err := runSync(t, rc, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Fresh {
		t.Fatal("expected the second run to fetch through the named remote")
	}
	if got := localRef(t, rc.Path, plumbing.Main); got != c2 {
		t.Fatalf("expected branch at %s, got %s", c2, got)
	}
	if got := localRef(t, rc.Path, plumbing.NewRemoteReferenceName("upstream", "main")); got != c2 {
		t.Fatalf("expected tracking ref at %s, got %s", c2, got)
	}
}

func TestBranchChangeReclones(t *testing.T) {
	remote := newRemote(t)
	c1 := remote.commit("initial")

	wt, err := remote.repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("dev"), Create: true}); err != nil {
		t.Fatal(err)
	}
	d1 := remote.commit("dev work")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}
	if got := localRef(t, rc.Path, plumbing.Main); got != c1 {
		t.Fatalf("expected branch at %s, got %s", c1, got)
	}

	rc2 := *rc
	rc2.Branch = "dev"
	result, err := runSync(t, &rc2, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Fresh {
		t.Fatal("expected a changed branch to force a fresh clone")
	}
	if got := localRef(t, rc.Path, plumbing.NewBranchReferenceName("dev")); got != d1 {
		t.Fatalf("expected branch at %s, got %s", d1, got)
	}
}

func TestRemoteLocationChangeReclones(t *testing.T) {
	remoteA := newRemote(t)
	remoteA.commit("origin a")

	rc := testResolved(t, remoteA)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	remoteB := newRemote(t)
	b1 := remoteB.commit("origin b")

	rc2 := *rc
	rc2.URL = remoteB.url()
	result, err := runSync(t, &rc2, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Fresh {
		t.Fatal("expected a changed remote location to force a fresh clone")
	}
	if got := localRef(t, rc.Path, plumbing.Main); got != b1 {
		t.Fatalf("expected branch at %s, got %s", b1, got)
	}
}

func TestCleanReclones(t *testing.T) {
	remote := newRemote(t)
	remote.commit("initial")

	rc := testResolved(t, remote)
	if _, err := runSync(t, rc, &stubVerifier{}); err != nil {
		t.Fatal(err)
	}

	// Dirty the working copy, then ask for a clean run.
	if err := os.WriteFile(filepath.Join(rc.Path, "garbage.txt"), []byte("leftover"), 0644); err != nil {
		t.Fatal(err)
	}

	rc2 := *rc
	rc2.Clean = true
	result, err := runSync(t, &rc2, &stubVerifier{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Fresh {
		t.Fatal("expected a clean run to clone from scratch")
	}
	if _, err := os.Stat(filepath.Join(rc.Path, "garbage.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected leftovers to be gone, stat: %v", err)
	}
}
