package gitsync

import (
	"context"
	"errors"

	"github.com/CodeFetch/qubes-builder/internal/config"
	"github.com/CodeFetch/qubes-builder/internal/gitsync"
	pkgsync "github.com/CodeFetch/qubes-builder/pkg/sync"
)

// New creates a pkg/sync.Synchronizer for external users from a git
// configuration map. This is the recommended constructor for projects
// integrating the protocol without the get-sources CLI.
//
// The gitConfig map supports the following fields:
//   - "url" (string, required): remote repository URL
//   - "branch" (string, required): branch to synchronize and verify
//   - "shallow" (bool, optional): prefer shallow history
//   - "clean" (bool, optional): force a fresh clone
//   - "fetch_only" (bool, optional): stop after verification, skip the merge
//   - "ignore_missing" (bool, optional): treat an absent remote branch as success
//   - "skip_verification" (bool, optional): trust the revision without verifying
//   - "commit_signature_sufficient" (bool, optional): accept a signed commit
//     in place of a signed tag
//
// The verifier is required unless "skip_verification" is set. Example:
//
//	syncer, err := gitsync.New("/src/linux-kernel", map[string]any{
//	    "url":    "https://github.com/QubesOS/qubes-linux-kernel.git",
//	    "branch": "main",
//	}, "linux-kernel", myVerifier)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	metadata, err := syncer.Execute(ctx)
func New(path string, gitConfig map[string]any, component string, verifier pkgsync.Verifier) (pkgsync.Synchronizer, error) {
	url, ok := gitConfig["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("git config: 'url' field is required")
	}
	branch, ok := gitConfig["branch"].(string)
	if !ok || branch == "" {
		return nil, errors.New("git config: 'branch' field is required")
	}
	if err := config.ValidateBranch(branch); err != nil {
		return nil, err
	}
	if component == "" {
		return nil, errors.New("component name is required")
	}

	policy := config.PolicySignedTag
	if b, _ := gitConfig["skip_verification"].(bool); b {
		policy = config.PolicySkip
	} else if b, _ := gitConfig["commit_signature_sufficient"].(bool); b {
		policy = config.PolicySignedCommitSufficient
	}
	if policy != config.PolicySkip && verifier == nil {
		return nil, errors.New("a verifier is required unless skip_verification is set")
	}

	clean, _ := gitConfig["clean"].(bool)
	shallow, _ := gitConfig["shallow"].(bool)
	fetchOnly, _ := gitConfig["fetch_only"].(bool)
	ignoreMissing, _ := gitConfig["ignore_missing"].(bool)

	rc := &config.Resolved{
		Component:     component,
		Path:          path,
		URL:           url,
		Branch:        branch,
		Policy:        policy,
		Clean:         clean,
		Shallow:       shallow,
		FetchOnly:     fetchOnly,
		IgnoreMissing: ignoreMissing,
	}

	return &synchronizer{inner: gitsync.New(rc).WithVerifier(verifier)}, nil
}

type synchronizer struct {
	inner *gitsync.Synchronizer
}

func (s *synchronizer) Execute(ctx context.Context) (map[string]any, error) {
	result, err := s.inner.Execute(ctx)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"outcome": result.Outcome.String()}
	if result.Commit != "" {
		metadata["commit"] = result.Commit
	}
	return metadata, nil
}
