package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pipectl/internal/storage"
)

func (r *root) execCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec",
		Short: "Run the pipeline once in the foreground",
		Long: `Run the pipeline now, the same way a scheduled tick does: output is
appended to the day's log and a status line records the exit code.

The command exits with the pipeline's exit code.`,
		Args: cobra.NoArgs,
		RunE: r.runExec,
	}
}

func (r *root) runExec(cmd *cobra.Command, _ []string) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.Runner(r.stdout)
	if err != nil {
		return err
	}
	start := time.Now()
	st, err := runner.Run(cmd.Context())

	e := storage.AuditEntry{
		Action: "exec",
		Target: runner.EntryPoint,
		TookMS: time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		e.Outcome, e.Fail, e.Error = "error", 1, err.Error()
	case st.ExitCode != 0:
		e.Outcome, e.Fail, e.Error = "error", 1, fmt.Sprintf("exit code %d", st.ExitCode)
	default:
		e.Outcome, e.OK = "ok", 1
	}
	a.Audit(cmd.Context(), e)

	if err != nil {
		return err
	}
	if st.ExitCode != 0 {
		return &ExitError{Code: st.ExitCode}
	}
	return nil
}
