// get-sources synchronizes the local working copy of one managed component
// with its remote origin and admits the fetched history into the tracked
// branch only after the configured external verifier accepts it. It is
// invoked once per component by the outer build orchestrator; flags default
// from the orchestrator's environment variables.
package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CodeFetch/qubes-builder/internal/config"
	"github.com/CodeFetch/qubes-builder/internal/gitsync"
	"github.com/CodeFetch/qubes-builder/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		opts       config.Options
		configFile string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "get-sources",
		Short:         "Securely synchronize a component's sources with its remote origin",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, configFile, opts, debug)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Component, "component", os.Getenv("COMPONENT"), "component to synchronize (required)")
	flags.StringVar(&opts.Repo, "repo", os.Getenv("REPO"), "repository path relative to the workdir, or '.' for the workdir itself (default: component name)")
	flags.StringVar(&opts.Branch, "branch", os.Getenv("BRANCH"), "branch to synchronize and verify")
	flags.StringVar(&opts.URL, "url", os.Getenv("GIT_URL"), "explicit remote URL override")
	flags.StringVar(&opts.Workdir, "workdir", cmp.Or(os.Getenv("BUILDER_DIR"), "."), "directory holding component working copies")
	flags.BoolVar(&opts.Clean, "clean", envBool("CLEAN"), "discard the existing working copy and clone from scratch")
	flags.BoolVar(&opts.Shallow, "shallow", envBool("GIT_CLONE_FAST"), "prefer shallow history")
	flags.BoolVar(&opts.FetchOnly, "fetch-only", envBool("FETCH_ONLY"), "stop after transport and verification, skip the merge")
	flags.BoolVar(&opts.IgnoreMissing, "ignore-missing", envBool("IGNORE_MISSING"), "treat an absent remote branch as success")
	flags.StringVar(&configFile, "config", cmp.Or(os.Getenv("BUILDER_CONF"), "builder.yml"), "builder configuration file")
	flags.BoolVar(&debug, "debug", envBool("DEBUG"), "enable debug tracing")

	return cmd
}

func run(cmd *cobra.Command, configFile string, opts config.Options, debug bool) error {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(logging.Config{Level: level})

	root, err := loadConfig(configFile)
	if err != nil {
		logger.Errorf("%v", err)
		return err
	}

	rc, err := root.ResolveComponent(opts)
	if err != nil {
		logger.Errorf("%v", err)
		return err
	}

	verifier := &gitsync.ExecVerifier{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
	verifier.Command = root.Verifier.Command

	result, err := gitsync.New(rc).
		WithVerifier(verifier).
		WithLogger(logger).
		Execute(cmd.Context())
	if err != nil {
		logger.Errorf("%v", err)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rc.Component, result.Outcome)
	return nil
}

func loadConfig(path string) (*config.Root, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// The configuration file is optional; flags and environment may
		// fully specify a run.
		return &config.Root{}, nil
	}
	if err != nil {
		return nil, err
	}
	return config.Parse(data)
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v != "" && v != "0"
}
