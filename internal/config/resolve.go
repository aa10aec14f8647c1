package config

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// SelfMarker designates the working directory itself as the repository to
// synchronize, rather than a directory named after the component.
const SelfMarker = "."

var (
	// branchPattern is deliberately restrictive: branch names flow into ref
	// names and into the external verifier's argument vector.
	branchPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]+$`)

	// repoPattern admits a plain or singly namespaced identifier. Together
	// with SelfMarker it is the safety gate that keeps entries injected
	// through the verification-exemption lists from escaping the workdir.
	repoPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)?$`)
)

// Options are the per-invocation inputs supplied by the caller, before any
// configuration lookup.
type Options struct {
	Component     string
	Repo          string // repository path relative to the workdir; defaults to Component
	Branch        string
	URL           string // explicit URL override
	Workdir       string
	Clean         bool
	Shallow       bool
	FetchOnly     bool
	IgnoreMissing bool
}

// Resolved is the effective identity of one synchronization run: a single
// URL, a single branch, and a single immutable trust policy. It is
// constructed fresh on every invocation and never persisted.
type Resolved struct {
	Component     string
	Path          string // on-disk working copy location
	Self          bool   // Path is the workdir itself
	URL           string
	RemoteName    string // named-remote override; wins over URL when set
	Branch        string
	Policy        Policy
	Clean         bool
	Shallow       bool
	FetchOnly     bool
	IgnoreMissing bool
}

// ResolveComponent derives the effective remote location, branch and trust
// policy for one component. Precedence for the URL is named remote >
// explicit override > per-component override > templated default; for the
// branch, per-component override > global branch. All validation happens
// here, before any network operation.
func (r *Root) ResolveComponent(opts Options) (*Resolved, error) {
	if opts.Component == "" {
		return nil, fmt.Errorf("%w: component name is required", ErrInvalidInput)
	}

	repo := opts.Repo
	if repo == "" {
		repo = opts.Component
	}
	if repo != SelfMarker && !repoPattern.MatchString(repo) {
		return nil, fmt.Errorf("%w: malformed repository path %q", ErrInvalidInput, repo)
	}

	overrides := r.Components[opts.Component]

	branch := opts.Branch
	if overrides != nil && overrides.Branch != "" {
		branch = overrides.Branch
	}
	if branch == "" {
		return nil, fmt.Errorf("%w: branch name is required", ErrInvalidInput)
	}
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}

	url := opts.URL
	if url == "" && overrides != nil {
		url = overrides.URL
	}
	if url == "" {
		url = r.templateURL(opts.Component)
	}
	if url == "" && r.Git.Remote == "" {
		return nil, fmt.Errorf("%w: no remote location for component %q", ErrInvalidInput, opts.Component)
	}

	policy, err := r.Verification.PolicyFor(opts.Component)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	workdir := opts.Workdir
	if workdir == "" {
		workdir = "."
	}

	resolved := &Resolved{
		Component:     opts.Component,
		Path:          path.Join(workdir, repo),
		Self:          repo == SelfMarker,
		URL:           url,
		RemoteName:    r.Git.Remote,
		Branch:        branch,
		Policy:        policy,
		Clean:         opts.Clean,
		Shallow:       opts.Shallow,
		FetchOnly:     opts.FetchOnly,
		IgnoreMissing: opts.IgnoreMissing,
	}

	return resolved, nil
}

// ValidateBranch rejects branch names outside the restrictive identifier
// pattern.
func ValidateBranch(branch string) error {
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("%w: malformed branch name %q", ErrInvalidInput, branch)
	}
	return nil
}

func (r *Root) templateURL(component string) string {
	if r.Git.BaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(r.Git.BaseURL, "/") + "/" + r.Git.Prefix + component + r.Git.Suffix
}
