package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"pipectl/internal/cleanup"
)

type cleanupFlags struct {
	manifest string
	root     string
	dryRun   bool
}

func (r *root) cleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete files named by a cleanup manifest",
	}

	var f cleanupFlags
	run := &cobra.Command{
		Use:   "run",
		Short: "Apply a manifest under a root directory",
		Long: `Apply the manifest's rules in order under --root and print the report.

Rules naming anything outside the root are rejected. Per-file failures are
reported and the run continues; the command exits 1 if any were recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runCleanup(cmd, f)
		},
	}
	run.Flags().StringVar(&f.manifest, "manifest", "", "manifest file, YAML or JSON (default from config)")
	run.Flags().StringVar(&f.root, "root", "", "directory the rules are relative to (default from config)")
	run.Flags().BoolVar(&f.dryRun, "dry-run", false, "report what would be deleted without deleting")

	cmd.AddCommand(run)
	return cmd
}

func (r *root) runCleanup(cmd *cobra.Command, f cleanupFlags) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	manifestPath, rootDir := a.CleanupDefaults()
	if f.manifest != "" {
		manifestPath = f.manifest
	}
	if f.root != "" {
		rootDir = f.root
	}
	if manifestPath == "" {
		return errors.New("no manifest (use --manifest or cleanup.manifest)")
	}
	if rootDir == "" {
		return errors.New("no root (use --root or cleanup.root)")
	}

	m, err := cleanup.LoadManifest(manifestPath)
	if err != nil {
		return err
	}
	rep, err := a.Cleaner().Run(cmd.Context(), m, rootDir, time.Now(), f.dryRun)
	if rep != nil {
		if _, werr := rep.WriteTo(r.stdout); werr != nil && err == nil {
			err = werr
		}
	}
	if err != nil {
		return err
	}
	if !rep.OK() {
		return &ExitError{Code: 1}
	}
	return nil
}
