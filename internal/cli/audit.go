package cli

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func (r *root) auditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent operator actions from the audit store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runAudit(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func (r *root) runAudit(cmd *cobra.Command, limit int) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.Store()
	if st == nil {
		return errors.New("audit store disabled (set storage.driver)")
	}
	entries, err := st.RecentAudit(cmd.Context(), limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-18s %-17s", e.At.Format("2006-01-02 15:04:05"), e.Action, e.Outcome)
		if e.Backend != "" {
			line += " " + e.Backend
		}
		if e.DryRun {
			line += " dry-run"
		}
		line += fmt.Sprintf(" ok=%d fail=%d (%s)", e.OK, e.Fail, humanize.Time(e.At))
		if e.Error != "" {
			line += " err=" + e.Error
		}
		fmt.Fprintln(r.stdout, line)
	}
	return nil
}
