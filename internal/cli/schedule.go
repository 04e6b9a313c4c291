package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pipectl/internal/schedule"
)

type installFlags struct {
	backend string
	time    string
	force   bool
	yes     bool
}

func (r *root) scheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage the pipeline's recurring registration",
	}

	var in installFlags
	install := &cobra.Command{
		Use:   "install",
		Short: "Register the pipeline with cron or a systemd timer",
		Long: `Register the pipeline to run daily at --time (host local wall clock).

Installing an already registered command changes nothing and exits 0.
Changing the fire time requires uninstall first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runInstall(cmd, in)
		},
	}
	install.Flags().StringVar(&in.backend, "backend", "", "scheduling backend: cron or timer (default from config)")
	install.Flags().StringVar(&in.time, "time", "", "daily fire time HH:MM (default from config)")
	install.Flags().BoolVar(&in.force, "force", false, "replace a registration held by the other backend")
	install.Flags().BoolVarP(&in.yes, "yes", "y", false, "do not ask for confirmation")

	var uninstallBackend string
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the pipeline's registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runUninstall(cmd, uninstallBackend)
		},
	}
	uninstall.Flags().StringVar(&uninstallBackend, "backend", "", "only this backend (default: every usable backend)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show where the pipeline is registered and how its last run ended",
		Args:  cobra.NoArgs,
		RunE:  r.runStatus,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every pipectl registration on this host",
		Args:  cobra.NoArgs,
		RunE:  r.runList,
	}

	cmd.AddCommand(install, uninstall, status, list)
	return cmd
}

func (r *root) runInstall(cmd *cobra.Command, in installFlags) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	backend, err := a.Backend(in.backend)
	if err != nil {
		return err
	}
	spec, err := a.Spec(in.time)
	if err != nil {
		return err
	}
	entry, err := a.Entry(backend, spec)
	if err != nil {
		return err
	}
	reg, err := a.Registrar()
	if err != nil {
		return err
	}

	if in.force && !in.yes && r.interactive() {
		ok, err := r.confirm(fmt.Sprintf("--force removes this pipeline from every backend other than %s. Continue?", backend))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("operation cancelled by user")
		}
	}

	res, err := reg.Install(cmd.Context(), entry, schedule.InstallOptions{Force: in.force})
	switch {
	case errors.Is(err, schedule.ErrAlreadyInstalled):
		fmt.Fprintf(r.stdout, "already installed: %s\n", res.Backend)
	case err != nil:
		return err
	default:
		if res.Replaced != nil {
			fmt.Fprintf(r.stdout, "replaced:    %s %s\n", res.Replaced.Backend, res.Replaced.Spec)
		}
		fmt.Fprintf(r.stdout, "installed:   %s\n", res.Backend)
	}
	fmt.Fprintf(r.stdout, "fire:        %s\n", res.FireExpression)
	writeNextFire(r.stdout, res.NextFire)
	fmt.Fprintf(r.stdout, "host tz:     %s\n", res.HostTimezone)
	if res.TZWarning != "" {
		fmt.Fprintf(r.stdout, "warning:     %s\n", res.TZWarning)
	}
	return nil
}

func (r *root) runUninstall(cmd *cobra.Command, backendFlag string) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var only schedule.Kind
	if backendFlag != "" {
		if only, err = schedule.ParseKind(backendFlag); err != nil {
			return err
		}
	}
	c, err := a.Command()
	if err != nil {
		return err
	}
	reg, err := a.Registrar()
	if err != nil {
		return err
	}
	removed, err := reg.Uninstall(cmd.Context(), c, only)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintln(r.stdout, "removed")
	} else {
		fmt.Fprintln(r.stdout, "not installed")
	}
	return nil
}

func (r *root) runStatus(cmd *cobra.Command, _ []string) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.Command()
	if err != nil {
		return err
	}
	reg, err := a.Registrar()
	if err != nil {
		return err
	}
	st, err := reg.Status(cmd.Context(), c)
	if err != nil && !errors.Is(err, schedule.ErrConflictingBackend) {
		return err
	}

	if len(st.Conflicted) > 0 {
		for _, cr := range st.Conflicted {
			fmt.Fprintf(r.stdout, "registered:  %s %s\n", cr.Backend, cr.Spec)
		}
	} else if st.Installed {
		fmt.Fprintf(r.stdout, "installed:   %s\n", st.Backend)
		fmt.Fprintf(r.stdout, "active:      %t\n", st.Active)
		fmt.Fprintf(r.stdout, "fire:        %s\n", st.Registration.Spec)
		writeNextFire(r.stdout, st.NextFire)
	} else {
		fmt.Fprintln(r.stdout, "installed:   no")
	}
	fmt.Fprintf(r.stdout, "host tz:     %s\n", st.HostTimezone)

	switch {
	case st.LastExit != nil:
		fmt.Fprintf(r.stdout, "last exit:   %d (%s)\n", *st.LastExit, humanize.Time(st.LastRunAt))
	case st.LastLog != "":
		fmt.Fprintln(r.stdout, "last exit:   unknown (run in progress or interrupted)")
	default:
		fmt.Fprintln(r.stdout, "last exit:   never run")
	}
	if st.LastLog != "" {
		fmt.Fprintf(r.stdout, "last log:    %s\n", st.LastLog)
	}
	return err
}

func (r *root) runList(cmd *cobra.Command, _ []string) error {
	a, err := r.open()
	if err != nil {
		return err
	}
	defer a.Close()

	reg, err := a.Registrar()
	if err != nil {
		return err
	}
	regs, err := reg.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(regs) == 0 {
		fmt.Fprintln(r.stdout, "no registrations")
		return nil
	}
	for _, rg := range regs {
		state := "inactive"
		if rg.Active {
			state = "active"
		}
		fmt.Fprintf(r.stdout, "%-6s %-8s %-24s %s\n", rg.Backend, state, rg.Spec, rg.Command)
	}
	return nil
}

func writeNextFire(w io.Writer, next time.Time) {
	if next.IsZero() {
		fmt.Fprintln(w, "next fire:   unknown")
		return
	}
	fmt.Fprintf(w, "next fire:   %s (%s)\n", next.Format("2006-01-02 15:04 MST"), humanize.Time(next))
}
