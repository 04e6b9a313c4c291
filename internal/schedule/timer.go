package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/unit"

	"pipectl/pkg/systemdmanager"
)

const (
	keyCommand = "X-Pipectl-Command"
	keySpec    = "X-Pipectl-Spec"
)

// UnitController is the subset of systemd operations the timer backend
// needs. *systemdmanager.UnitManager implements it.
type UnitController interface {
	ReloadContext(ctx context.Context) error
	EnableContext(ctx context.Context, unit string) error
	DisableContext(ctx context.Context, unit string) error
	StartContext(ctx context.Context, unit string) error
	StopContext(ctx context.Context, unit string) error
	UnitStatusContext(ctx context.Context, unit string) (*systemdmanager.UnitStatus, error)
}

// TimerBackend registers entries as a <name>.service + <name>.timer pair in
// UnitDir. The owning command is recorded in the service file under an X-
// key, which systemd ignores.
type TimerBackend struct {
	UnitDir  string
	Dial     func(ctx context.Context) (UnitController, error)
	LookPath func(string) (string, error)

	mu  sync.Mutex
	ctl UnitController
}

func NewTimerBackend(unitDir string) *TimerBackend {
	return &TimerBackend{
		UnitDir: unitDir,
		Dial: func(ctx context.Context) (UnitController, error) {
			return systemdmanager.NewUnitManagerContext(ctx)
		},
		LookPath: exec.LookPath,
	}
}

func (b *TimerBackend) Kind() Kind { return KindTimer }

func (b *TimerBackend) controller(ctx context.Context) (UnitController, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctl != nil {
		return b.ctl, nil
	}
	if b.Dial == nil {
		return nil, errors.New("no systemd controller configured")
	}
	ctl, err := b.Dial(ctx)
	if err != nil {
		return nil, err
	}
	b.ctl = ctl
	return ctl, nil
}

// Close releases the systemd connection, if one was opened.
func (b *TimerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.ctl.(io.Closer); ok {
		b.ctl = nil
		return c.Close()
	}
	b.ctl = nil
	return nil
}

func (b *TimerBackend) Available(ctx context.Context) error {
	lp := b.LookPath
	if lp == nil {
		lp = exec.LookPath
	}
	if _, err := lp("systemctl"); err != nil {
		return opError("probe", KindTimer, ErrBackendUnavailable, fmt.Errorf("systemctl not on PATH: %w", err))
	}
	st, err := os.Stat(b.UnitDir)
	if err != nil {
		return opError("probe", KindTimer, ErrBackendUnavailable, err)
	}
	if !st.IsDir() {
		return opError("probe", KindTimer, ErrBackendUnavailable, fmt.Errorf("%s is not a directory", b.UnitDir))
	}
	if _, err := b.controller(ctx); err != nil {
		return opError("probe", KindTimer, ErrBackendUnavailable, err)
	}
	return nil
}

func (b *TimerBackend) Lookup(ctx context.Context, cmd Command) (Registration, bool, error) {
	regs, err := b.scan(ctx, cmd.String())
	if err != nil {
		return Registration{}, false, classify("lookup", KindTimer, err)
	}
	if len(regs) == 0 {
		return Registration{}, false, nil
	}
	return regs[0], true, nil
}

func (b *TimerBackend) List(ctx context.Context) ([]Registration, error) {
	regs, err := b.scan(ctx, "")
	if err != nil {
		return nil, classify("list", KindTimer, err)
	}
	return regs, nil
}

// scan reads every managed service in UnitDir. An empty id returns all.
func (b *TimerBackend) scan(ctx context.Context, id string) ([]Registration, error) {
	paths, err := filepath.Glob(filepath.Join(b.UnitDir, "*.service"))
	if err != nil {
		return nil, err
	}
	var out []Registration
	for _, p := range paths {
		opts, err := readUnit(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		owner := optionValue(opts, "Service", keyCommand)
		if owner == "" || (id != "" && owner != id) {
			continue
		}
		name := strings.TrimSuffix(filepath.Base(p), ".service")
		out = append(out, b.registration(ctx, name, owner, p))
	}
	return out, nil
}

func (b *TimerBackend) registration(ctx context.Context, name, owner, servicePath string) Registration {
	reg := Registration{
		Backend: KindTimer,
		Command: owner,
		Raw:     servicePath,
	}
	if topts, err := readUnit(b.timerPath(name)); err == nil {
		reg.Spec = optionValue(topts, "Timer", "OnCalendar")
		reg.CronSpec = optionValue(topts, "Timer", keySpec)
	}
	if ctl, err := b.controller(ctx); err == nil {
		if st, err := ctl.UnitStatusContext(ctx, name+".timer"); err == nil && st.Loaded() {
			reg.Active = st.Active == "active"
			reg.NextFire = st.NextElapse
		}
	}
	return reg
}

func (b *TimerBackend) servicePath(name string) string {
	return filepath.Join(b.UnitDir, name+".service")
}

func (b *TimerBackend) timerPath(name string) string {
	return filepath.Join(b.UnitDir, name+".timer")
}

func (b *TimerBackend) Install(ctx context.Context, e Entry) (err error) {
	calendar, err := CronToCalendar(e.Spec)
	if err != nil {
		return opError("install", KindTimer, ErrInvalidEntry, err)
	}

	svcPath := b.servicePath(e.Name)
	tmrPath := b.timerPath(e.Name)
	if opts, rerr := readUnit(svcPath); rerr == nil {
		if owner := optionValue(opts, "Service", keyCommand); owner != e.Command.String() {
			return opError("install", KindTimer, ErrUnitNameTaken, fmt.Errorf("%s", svcPath))
		}
	} else if !errors.Is(rerr, fs.ErrNotExist) {
		return classify("install", KindTimer, rerr)
	}

	ctl, err := b.controller(ctx)
	if err != nil {
		return opError("install", KindTimer, ErrBackendUnavailable, err)
	}

	var written []string
	defer func() {
		if err == nil {
			return
		}
		// Leave no half-installed pair behind.
		if len(written) == 2 {
			_ = ctl.StopContext(ctx, e.Name+".timer")
			_ = ctl.DisableContext(ctx, b.enableTarget(e.Name+".timer"))
		}
		for _, p := range written {
			_ = os.Remove(p)
		}
		if len(written) > 0 {
			_ = ctl.ReloadContext(ctx)
		}
	}()

	if err = writeUnit(svcPath, serviceOptions(e)); err != nil {
		return classify("install", KindTimer, err)
	}
	written = append(written, svcPath)
	if err = writeUnit(tmrPath, timerOptions(e, calendar)); err != nil {
		return classify("install", KindTimer, err)
	}
	written = append(written, tmrPath)

	if err = ctl.ReloadContext(ctx); err != nil {
		return classify("install", KindTimer, err)
	}
	if err = ctl.EnableContext(ctx, b.enableTarget(e.Name+".timer")); err != nil {
		return classify("install", KindTimer, err)
	}
	if err = ctl.StartContext(ctx, e.Name+".timer"); err != nil {
		return classify("install", KindTimer, err)
	}
	return nil
}

// enableTarget passes a bare unit name when UnitDir is on systemd's search
// path and the absolute file path otherwise.
func (b *TimerBackend) enableTarget(unitName string) string {
	switch filepath.Clean(b.UnitDir) {
	case "/etc/systemd/system", "/run/systemd/system", "/usr/lib/systemd/system", "/lib/systemd/system":
		return unitName
	}
	return filepath.Join(b.UnitDir, unitName)
}

func (b *TimerBackend) Remove(ctx context.Context, cmd Command) (bool, error) {
	regs, err := b.scan(ctx, cmd.String())
	if err != nil {
		return false, classify("uninstall", KindTimer, err)
	}
	if len(regs) == 0 {
		return false, nil
	}
	ctl, err := b.controller(ctx)
	if err != nil {
		return false, opError("uninstall", KindTimer, ErrBackendUnavailable, err)
	}

	for _, reg := range regs {
		name := strings.TrimSuffix(filepath.Base(reg.Raw), ".service")
		if err := ctl.StopContext(ctx, name+".timer"); err != nil {
			return false, classify("uninstall", KindTimer, err)
		}
		if err := ctl.DisableContext(ctx, b.enableTarget(name+".timer")); err != nil {
			return false, classify("uninstall", KindTimer, err)
		}
		for _, p := range []string{b.timerPath(name), b.servicePath(name)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return false, classify("uninstall", KindTimer, err)
			}
		}
	}
	if err := ctl.ReloadContext(ctx); err != nil {
		return true, classify("uninstall", KindTimer, err)
	}
	return true, nil
}

func serviceOptions(e Entry) []*unit.UnitOption {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", escapeSpecifiers(e.Name)+" pipeline run"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "WorkingDirectory", escapeSpecifiers(e.Command.WorkDir)),
	}
	if e.EnvFile != "" {
		opts = append(opts, unit.NewUnitOption("Service", "EnvironmentFile", "-"+escapeSpecifiers(e.EnvFile)))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "ExecStart", "/bin/bash -c "+execQuote(e.shellScript())),
		unit.NewUnitOption("Service", keyCommand, e.Command.String()),
	)
	return opts
}

func timerOptions(e Entry, calendar string) []*unit.UnitOption {
	return []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", escapeSpecifiers(e.Name)+" pipeline timer"),
		unit.NewUnitOption("Timer", "OnCalendar", calendar),
		unit.NewUnitOption("Timer", "Persistent", "true"),
		unit.NewUnitOption("Timer", "Unit", e.Name+".service"),
		unit.NewUnitOption("Timer", keySpec, e.Spec),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	}
}

// escapeSpecifiers doubles '%' so systemd does not expand specifiers.
func escapeSpecifiers(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// execQuote renders s as one double-quoted ExecStart argument.
func execQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "%", "%%", "$", "$$")
	return `"` + r.Replace(s) + `"`
}

func writeUnit(path string, opts []*unit.UnitOption) error {
	b, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o644)
}

func readUnit(path string) ([]*unit.UnitOption, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return unit.DeserializeOptions(bytes.NewReader(b))
}

func optionValue(opts []*unit.UnitOption, section, name string) string {
	for _, o := range opts {
		if o.Section == section && o.Name == name {
			return o.Value
		}
	}
	return ""
}
