package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relayd/internal/backend"
)

func newModelsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Aliases: []string{"list", "ls"},
		Short:   "List the models the backend can serve",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := cliBackend(cmd, root)
			if err != nil {
				return err
			}
			names, err := be.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, n := range names {
				fmt.Fprintln(out, n)
			}
			return nil
		},
	}
}

func newPullCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "pull MODEL",
		Short:   "Download a model so it can be served",
		Example: "  relayd pull llama3\n  relayd pull mistral:7b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			be, err := cliBackend(cmd, root)
			if err != nil {
				return err
			}
			name := args[0]
			out := cmd.OutOrStdout()
			if err := be.Pull(cmd.Context(), name, progressPrinter(out)); err != nil {
				return fmt.Errorf("pull %s: %w", name, err)
			}
			fmt.Fprintf(out, "Model %s pulled successfully\n", name)
			return nil
		},
	}
}

// cliBackend builds the configured backend with logging kept to warnings so
// command output stays readable.
func cliBackend(cmd *cobra.Command, root *rootOptions) (backend.Backend, error) {
	cfg, err := loadConfig(cmd, root, os.Getenv)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if !cmd.Flags().Changed("log-level") {
		level = zerolog.WarnLevel.String()
	}
	log, err := newLogger(level, "console", cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	return newBackend(cfg, log)
}

// progressPrinter prints one line per phase change and percentage step.
func progressPrinter(w io.Writer) func(backend.PullProgress) {
	var lastStatus string
	lastPct := -1
	return func(p backend.PullProgress) {
		pct := -1
		if p.Total > 0 {
			pct = int(p.Completed * 100 / p.Total)
		}
		if p.Status == lastStatus && (pct < 0 || pct/10 == lastPct/10) {
			return
		}
		lastStatus, lastPct = p.Status, pct
		if pct >= 0 {
			fmt.Fprintf(w, "%s %d%%\n", p.Status, pct)
			return
		}
		fmt.Fprintln(w, p.Status)
	}
}
