package config

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"

	"github.com/CodeFetch/qubes-builder/internal/util"
)

// Internal configuration data structures for the component source
// synchronizer. The configuration is parsed once per invocation; there is no
// runtime name-based indirection.

// Root is the top-level configuration structure.
type Root struct {
	Git          Git                   `json:"git,omitzero"`
	Branch       string                `json:"branch,omitempty"`
	Components   map[string]*Component `json:"components,omitempty"`
	Verification Verification          `json:"verification,omitzero"`
	Verifier     VerifierConfig        `json:"verifier,omitzero"`
}

// Git holds the remote location template. The effective URL for a component
// is baseurl + "/" + prefix + component + suffix unless overridden. Remote,
// if set, names a remote already configured in the working copy and takes
// precedence over any URL resolution.
type Git struct {
	BaseURL string `json:"baseurl,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Suffix  string `json:"suffix,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

func (g *Git) Equal(other *Git) bool {
	return util.FastEqual(g, other, func(g, other *Git) bool {
		return *g == *other
	})
}

// Component carries per-component overrides for the remote URL and branch.
type Component struct {
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch,omitempty"`
}

func (c *Component) Equal(other *Component) bool {
	return util.FastEqual(c, other, func(c, other *Component) bool {
		return *c == *other
	})
}

// Verification holds the trust-policy allow-lists. Entries are glob patterns
// matched against component names. A component matching neither list requires
// a signed tag.
type Verification struct {
	Skip             StringSet `json:"skip,omitempty"`
	CommitSufficient StringSet `json:"commit-signatures-sufficient,omitempty"`

	skip             []glob.Glob
	commitSufficient []glob.Glob
}

// VerifierConfig is the argv prefix of the external revision verifier.
type VerifierConfig struct {
	Command []string `json:"command,omitempty"`
}

type StringSet []string

func (s StringSet) Equal(other StringSet) bool {
	return util.SetEqual(s, other, func(v string) string { return v }, func(a, b string) bool { return a == b })
}

// Policy is the trust policy active for one synchronization run. Exactly one
// policy is selected per run and it is immutable once selected.
type Policy int

const (
	// PolicySignedTag requires the candidate revision to carry a signed tag.
	PolicySignedTag Policy = iota
	// PolicySignedCommitSufficient accepts a signed commit in place of a
	// signed tag.
	PolicySignedCommitSufficient
	// PolicySkip disables verification entirely.
	PolicySkip
)

// String returns the policy keyword passed to the external verifier.
func (p Policy) String() string {
	switch p {
	case PolicySignedCommitSufficient:
		return "signed-commit"
	case PolicySkip:
		return "none"
	default:
		return "signed-tag"
	}
}

// Parse decodes a YAML configuration document and compiles its allow-lists.
func Parse(bs []byte) (*Root, error) {
	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, err
	}
	if root.Verification.skip == nil {
		// Top-level scalars unmarshal without invoking Root.UnmarshalYAML
		// when the document is empty, so compile defensively.
		if err := root.unmarshal(); err != nil {
			return nil, err
		}
	}
	return &root, nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for the Root
// struct. It injects map keys as component names and compiles the
// trust-policy allow-lists so later policy lookups cannot fail.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name := range r.Components {
		r.Components[name] = cmp.Or(r.Components[name], &Component{})
		r.Components[name].Name = name
	}

	return r.Verification.compile()
}

func (v *Verification) compile() error {
	var err error
	if v.skip, err = compileGlobs(v.Skip); err != nil {
		return fmt.Errorf("verification skip list: %w", err)
	}
	if v.commitSufficient, err = compileGlobs(v.CommitSufficient); err != nil {
		return fmt.Errorf("verification commit-signatures-sufficient list: %w", err)
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

// PolicyFor selects the trust policy for a component by matching it against
// the configured allow-lists. Selection is a pure lookup. A component
// matching both lists is an error: silently preferring either list could
// downgrade trust without the operator noticing.
func (v *Verification) PolicyFor(component string) (Policy, error) {
	skip := matchAny(v.skip, component)
	commit := matchAny(v.commitSufficient, component)

	switch {
	case skip && commit:
		return PolicySignedTag, fmt.Errorf("component %q matches both the skip and commit-signatures-sufficient lists", component)
	case skip:
		return PolicySkip, nil
	case commit:
		return PolicySignedCommitSufficient, nil
	}
	return PolicySignedTag, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	return slices.ContainsFunc(globs, func(g glob.Glob) bool { return g.Match(s) })
}

func (r *Root) Equal(other *Root) bool {
	return util.FastEqual(r, other, func(r, other *Root) bool {
		return r.Git.Equal(&other.Git) &&
			r.Branch == other.Branch &&
			componentsEqual(r.Components, other.Components) &&
			r.Verification.Skip.Equal(other.Verification.Skip) &&
			r.Verification.CommitSufficient.Equal(other.Verification.CommitSufficient) &&
			slices.Equal(r.Verifier.Command, other.Verifier.Command)
	})
}

func componentsEqual(a, b map[string]*Component) bool {
	if len(a) != len(b) {
		return false
	}
	for name, c := range a {
		if !c.Equal(b[name]) {
			return false
		}
	}
	return true
}
