package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pipectl/internal/execlog"
	logx "pipectl/pkg/logx"
)

func (r *root) logsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the pipeline's execution logs",
	}

	last := &cobra.Command{
		Use:   "last",
		Short: "Show the exit code and log file of the most recent run",
		Args:  cobra.NoArgs,
		RunE:  r.runLogsLast,
	}

	var fromStart bool
	follow := &cobra.Command{
		Use:   "follow",
		Short: "Stream the newest log until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runLogsFollow(cmd, fromStart)
		},
	}
	follow.Flags().BoolVar(&fromStart, "from-start", false, "print the current log from its beginning")

	cmd.AddCommand(last, follow)
	return cmd
}

func (r *root) runLogsLast(cmd *cobra.Command, _ []string) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	dir, err := a.LogDir()
	if err != nil {
		return err
	}
	st, err := execlog.LastExit(dir)
	if errors.Is(err, execlog.ErrNoLogs) {
		fmt.Fprintln(r.stdout, "never run")
		return nil
	}
	if err != nil {
		return err
	}
	if st == nil {
		p, err := execlog.Latest(dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.stdout, "exit code:   unknown (run in progress or interrupted)")
		fmt.Fprintf(r.stdout, "log:         %s\n", p)
		return nil
	}
	fmt.Fprintf(r.stdout, "exit code:   %d\n", st.ExitCode)
	fmt.Fprintf(r.stdout, "finished at: %s (%s)\n", st.FinishedAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(st.FinishedAt))
	fmt.Fprintf(r.stdout, "log:         %s\n", st.Log)
	return nil
}

func (r *root) runLogsFollow(cmd *cobra.Command, fromStart bool) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	dir, err := a.LogDir()
	if err != nil {
		return err
	}
	// The directory may not exist before the first run.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return execlog.Follow(cmd.Context(), dir, r.stdout, execlog.FollowOptions{
		FromStart: fromStart,
		Logger:    a.Logger().With(logx.String("comp", "follow")),
	})
}
