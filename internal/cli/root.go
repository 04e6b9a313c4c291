package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"pipectl/internal/app"
)

// DefaultConfigFiles are tried in order when --config and PIPECTL_CONFIG are
// both unset.
var DefaultConfigFiles = []string{"pipectl.yaml", "pipectl.yml", "pipectl.json"}

// ExitError carries a process exit code out of a command. A nil Err means
// the command already reported everything it had to say.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Silent reports whether err was already reported to the user.
func Silent(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee) && ee.Err == nil
}

type root struct {
	cfgFile string
	verbose bool

	stdout io.Writer
	stderr io.Writer

	// interactive reports whether confirmation prompts may be shown.
	interactive func() bool
	// confirm asks a yes/no question.
	confirm func(msg string) (bool, error)
	// appOptions are passed to app.New; tests inject backends here.
	appOptions app.Options
}

// NewRootCommand builds the pipectl command tree writing to stdout/stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	r := &root{
		stdout:      stdout,
		stderr:      stderr,
		interactive: stdinIsTerminal,
		confirm:     askConfirm,
	}
	return r.command()
}

func (r *root) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipectl",
		Short: "Schedule, run and clean up a batch pipeline on one host",
		Long: `pipectl manages a periodic batch pipeline on a single Linux host:

  - registers it with cron or a systemd timer, idempotently
  - runs it once with the same logging as a scheduled tick
  - reports the exit code and log of the last run
  - deletes files named by a cleanup manifest, safely

Install the daily schedule:
  pipectl schedule install --time 08:00

Preview a cleanup:
  pipectl cleanup run --manifest cleanup.yaml --dry-run`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(r.stdout)
	cmd.SetErr(r.stderr)

	cmd.PersistentFlags().StringVar(&r.cfgFile, "config", "", "config file (default is ./pipectl.yaml)")
	cmd.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "enable verbose output")

	cmd.AddCommand(r.scheduleCommand())
	cmd.AddCommand(r.cleanupCommand())
	cmd.AddCommand(r.execCommand())
	cmd.AddCommand(r.logsCommand())
	cmd.AddCommand(r.auditCommand())
	return cmd
}

// configPath resolves --config, then PIPECTL_CONFIG, then the default files
// in the working directory. An empty result means no config.
func (r *root) configPath() string {
	if r.cfgFile != "" {
		return r.cfgFile
	}
	if env := strings.TrimSpace(os.Getenv("PIPECTL_CONFIG")); env != "" {
		return env
	}
	for _, name := range DefaultConfigFiles {
		if st, err := os.Stat(name); err == nil && !st.IsDir() {
			return name
		}
	}
	return ""
}

// open builds the app for one command invocation; callers must Close it.
func (r *root) open() (*app.App, error) {
	opts := r.appOptions
	opts.Verbose = r.verbose
	opts.Stderr = r.stderr
	return app.New(r.configPath(), opts)
}

// Execute runs the command tree with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
