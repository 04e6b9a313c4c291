package schedule

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"pipectl/internal/execlog"
	"pipectl/internal/storage"
	logx "pipectl/pkg/logx"
)

// Backend is one registration table.
type Backend interface {
	Kind() Kind
	// Available probes the host; the error wraps ErrBackendUnavailable.
	Available(ctx context.Context) error
	Lookup(ctx context.Context, cmd Command) (Registration, bool, error)
	List(ctx context.Context) ([]Registration, error)
	Install(ctx context.Context, e Entry) error
	Remove(ctx context.Context, cmd Command) (bool, error)
}

// Options configure a Registrar.
type Options struct {
	Backends    []Backend
	LockPath    string
	LockTimeout time.Duration
	Timezone    string // operator's intended zone; empty disables the check
	LogDir      string // where runs write cron_YYYYMMDD.log

	Logger logx.Logger
	Audit  storage.Store

	Now      func() time.Time
	HostZone func() string
}

// Registrar installs, removes and inspects schedule entries across backends.
// All mutations hold the table lock for their whole read-modify-write.
type Registrar struct {
	backends map[Kind]Backend
	order    []Kind
	lock     tableLock
	tz       string
	logDir   string
	log      logx.Logger
	audit    storage.Store
	now      func() time.Time
	hostZone func() string
}

func NewRegistrar(opts Options) *Registrar {
	r := &Registrar{
		backends: make(map[Kind]Backend, len(opts.Backends)),
		lock:     tableLock{path: opts.LockPath, timeout: opts.LockTimeout},
		tz:       opts.Timezone,
		logDir:   opts.LogDir,
		log:      opts.Logger,
		audit:    opts.Audit,
		now:      opts.Now,
		hostZone: opts.HostZone,
	}
	for _, b := range opts.Backends {
		if b == nil {
			continue
		}
		if _, dup := r.backends[b.Kind()]; !dup {
			r.order = append(r.order, b.Kind())
		}
		r.backends[b.Kind()] = b
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("component", "schedule"))
	if r.now == nil {
		r.now = time.Now
	}
	if r.hostZone == nil {
		r.hostZone = HostZone
	}
	return r
}

var reUnitName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`)

// Validate checks e without touching any backend.
func (r *Registrar) Validate(e Entry) error {
	var errs []error
	if e.Backend != KindCron && e.Backend != KindTimer {
		errs = append(errs, fmt.Errorf("unknown backend %q", e.Backend))
	}
	if e.Backend == KindTimer && !reUnitName.MatchString(e.Name) {
		errs = append(errs, fmt.Errorf("unit name %q is not valid", e.Name))
	}
	if _, err := ParseSpec(e.Spec); err != nil {
		errs = append(errs, err)
	}
	if e.Backend == KindTimer {
		if _, err := CronToCalendar(e.Spec); err != nil {
			errs = append(errs, err)
		}
	}
	if st, err := os.Stat(e.Command.WorkDir); err != nil {
		errs = append(errs, fmt.Errorf("work dir: %w", err))
	} else if !st.IsDir() {
		errs = append(errs, fmt.Errorf("work dir %s is not a directory", e.Command.WorkDir))
	}
	for _, p := range []string{e.Command.Interpreter, e.Command.EntryPoint} {
		if p == "" {
			errs = append(errs, errors.New("interpreter and entry point are required"))
			continue
		}
		if st, err := os.Stat(p); err != nil {
			errs = append(errs, err)
		} else if st.IsDir() {
			errs = append(errs, fmt.Errorf("%s is a directory", p))
		}
	}
	if strings.TrimSpace(e.LogDir) == "" {
		errs = append(errs, errors.New("log dir is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return opError("install", e.Backend, ErrInvalidEntry, errors.Join(errs...))
}

func (r *Registrar) backend(op string, k Kind) (Backend, error) {
	b, ok := r.backends[k]
	if !ok {
		return nil, opError(op, k, ErrBackendUnavailable, errors.New("backend not configured"))
	}
	return b, nil
}

// others yields the configured backends except k that are usable on this
// host. An unusable backend cannot hold a registration.
func (r *Registrar) others(ctx context.Context, k Kind) []Backend {
	var out []Backend
	for _, kind := range r.order {
		if kind == k {
			continue
		}
		b := r.backends[kind]
		if err := b.Available(ctx); err != nil {
			r.log.Debug("backend skipped", logx.String("backend", string(kind)), logx.Err(err))
			continue
		}
		out = append(out, b)
	}
	return out
}

// lookup finds cmd in b without requiring b to be usable. A lookup error is
// ignored only when b is also unavailable, since an unreadable table of an
// absent backend holds nothing.
func (r *Registrar) lookup(ctx context.Context, b Backend, cmd Command) (Registration, bool, error) {
	reg, ok, err := b.Lookup(ctx, cmd)
	if err == nil {
		return reg, ok, nil
	}
	if aerr := b.Available(ctx); aerr != nil {
		r.log.Debug("backend skipped", logx.String("backend", string(b.Kind())), logx.Err(err))
		return Registration{}, false, nil
	}
	return Registration{}, false, err
}

// holders returns the registrations of cmd in the configured backends other
// than k, in configuration order.
func (r *Registrar) holders(ctx context.Context, k Kind, cmd Command) ([]Registration, error) {
	var out []Registration
	for _, kind := range r.order {
		if kind == k {
			continue
		}
		reg, ok, err := r.lookup(ctx, r.backends[kind], cmd)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, reg)
		}
	}
	return out, nil
}

// Install registers e. Installing a command that is already registered in
// e.Backend returns ErrAlreadyInstalled with a populated result. A command
// registered in another backend fails with ErrConflictingBackend unless
// opts.Force, which removes it once e is registered.
func (r *Registrar) Install(ctx context.Context, e Entry, opts InstallOptions) (res InstallResult, err error) {
	start := r.now()
	defer func() { r.record(ctx, "schedule.install", e.Backend, e.Command.String(), start, err, res.AlreadyInstalled) }()

	if err := r.Validate(e); err != nil {
		return InstallResult{}, err
	}
	b, err := r.backend("install", e.Backend)
	if err != nil {
		return InstallResult{}, err
	}
	if err := b.Available(ctx); err != nil {
		return InstallResult{}, err
	}

	release, err := r.lock.acquire(ctx)
	if err != nil {
		return InstallResult{}, err
	}
	defer release()

	res, err = r.result(e)
	if err != nil {
		return InstallResult{}, err
	}

	replaced, err := r.holders(ctx, e.Backend, e.Command)
	if err != nil {
		return res, err
	}
	if len(replaced) > 0 && !opts.Force {
		return res, opError("install", e.Backend, ErrConflictingBackend,
			fmt.Errorf("%s already schedules this command (use --force to replace)", replaced[0].Backend))
	}

	if reg, found, lerr := b.Lookup(ctx, e.Command); lerr != nil {
		return res, lerr
	} else if found {
		res.AlreadyInstalled = true
		if reg.CronSpec != "" && reg.CronSpec != e.Spec {
			// The existing entry wins; recompute for what is actually registered.
			if next, nerr := NextFire(reg.CronSpec, r.now(), loadZone(res.HostTimezone)); nerr == nil {
				res.NextFire = next
			}
			res.FireExpression = reg.Spec
		}
		if err := r.replace(ctx, &res, e.Command, replaced); err != nil {
			return res, err
		}
		return res, opError("install", e.Backend, ErrAlreadyInstalled, nil)
	}

	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		return res, classify("install", e.Backend, err)
	}
	if err := b.Install(ctx, e); err != nil {
		return res, err
	}
	if err := r.replace(ctx, &res, e.Command, replaced); err != nil {
		if _, rerr := b.Remove(ctx, e.Command); rerr != nil {
			r.log.Error("rollback failed", logx.String("backend", string(e.Backend)), logx.Err(rerr))
			return res, errors.Join(err, rerr)
		}
		return res, err
	}

	r.log.Info("schedule installed",
		logx.String("backend", string(e.Backend)),
		logx.String("spec", e.Spec),
		logx.Time("next_fire", res.NextFire),
	)
	if res.TZWarning != "" {
		r.log.Warn(res.TZWarning, logx.String("host_tz", res.HostTimezone), logx.String("intended_tz", r.tz))
	}
	return res, nil
}

// replace removes the registrations superseded by a forced install. It runs
// only once the target backend holds the command.
func (r *Registrar) replace(ctx context.Context, res *InstallResult, cmd Command, regs []Registration) error {
	for _, reg := range regs {
		b := r.backends[reg.Backend]
		if _, err := b.Remove(ctx, cmd); err != nil {
			return err
		}
		res.Replaced = &reg
		r.log.Warn("replaced registration in other backend",
			logx.String("backend", string(reg.Backend)),
			logx.String("spec", reg.Spec),
		)
	}
	return nil
}

func (r *Registrar) result(e Entry) (InstallResult, error) {
	fire, err := e.FireExpression()
	if err != nil {
		return InstallResult{}, opError("install", e.Backend, ErrInvalidEntry, err)
	}
	host := r.hostZone()
	now := r.now()
	next, err := NextFire(e.Spec, now, loadZone(host))
	if err != nil {
		return InstallResult{}, opError("install", e.Backend, ErrInvalidEntry, err)
	}
	return InstallResult{
		Backend:        e.Backend,
		FireExpression: fire,
		NextFire:       next,
		HostTimezone:   host,
		TZWarning:      zoneWarning(r.tz, host, now),
	}, nil
}

// Uninstall removes cmd from the given backend, or from every usable backend
// when only is empty. It reports whether anything was removed.
func (r *Registrar) Uninstall(ctx context.Context, cmd Command, only Kind) (removed bool, err error) {
	start := r.now()
	defer func() { r.record(ctx, "schedule.uninstall", only, cmd.String(), start, err, !removed) }()

	var targets []Backend
	if only != "" {
		b, err := r.backend("uninstall", only)
		if err != nil {
			return false, err
		}
		if err := b.Available(ctx); err != nil {
			return false, err
		}
		targets = []Backend{b}
	} else {
		targets = r.others(ctx, "")
		if len(targets) == 0 {
			return false, opError("uninstall", "", ErrBackendUnavailable, errors.New("no usable backend"))
		}
	}

	release, err := r.lock.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	for _, b := range targets {
		ok, err := b.Remove(ctx, cmd)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = true
			r.log.Info("schedule removed", logx.String("backend", string(b.Kind())))
		}
	}
	return removed, nil
}

// Status reports where cmd is registered, its next fire time and the exit
// code of the most recent completed run.
func (r *Registrar) Status(ctx context.Context, cmd Command) (Status, error) {
	st := Status{HostTimezone: r.hostZone()}

	found, err := r.holders(ctx, "", cmd)
	if err != nil {
		return st, err
	}

	if len(found) > 0 {
		reg := found[0]
		st.Installed = true
		st.Backend = reg.Backend
		st.Active = reg.Active
		st.Registration = &reg
		st.NextFire = reg.NextFire
		if st.NextFire.IsZero() && reg.CronSpec != "" {
			if next, err := NextFire(reg.CronSpec, r.now(), loadZone(st.HostTimezone)); err == nil {
				st.NextFire = next
			}
		}
	}

	if r.logDir != "" {
		last, err := execlog.LastExit(r.logDir)
		switch {
		case err == nil && last != nil:
			code := last.ExitCode
			st.LastExit = &code
			st.LastRunAt = last.FinishedAt
			st.LastLog = last.Log
		case err == nil:
			if p, lerr := execlog.Latest(r.logDir); lerr == nil {
				st.LastLog = p
			}
		case !errors.Is(err, execlog.ErrNoLogs):
			r.log.Warn("last run status unavailable", logx.Err(err))
		}
	}

	if len(found) > 1 {
		st.Conflicted = found
		return st, opError("status", "", ErrConflictingBackend,
			fmt.Errorf("registered in %s and %s", found[0].Backend, found[1].Backend))
	}
	return st, nil
}

// List returns every pipectl registration on the usable backends, ordered
// by backend then spec.
func (r *Registrar) List(ctx context.Context) ([]Registration, error) {
	var out []Registration
	for _, b := range r.others(ctx, "") {
		regs, err := b.List(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, regs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Spec < out[j].Spec
	})
	return out, nil
}

func (r *Registrar) record(ctx context.Context, action string, backend Kind, target string, start time.Time, err error, noop bool) {
	e := storage.AuditEntry{
		Action:  action,
		Backend: string(backend),
		Target:  target,
		TookMS:  r.now().Sub(start).Milliseconds(),
	}
	switch {
	case errors.Is(err, ErrAlreadyInstalled):
		e.Outcome = "already_installed"
		e.OK = 1
	case err != nil:
		e.Outcome = "error"
		e.Fail = 1
		e.Error = err.Error()
	case noop:
		e.Outcome = "noop"
	default:
		e.Outcome = "ok"
		e.OK = 1
	}
	storage.Record(ctx, r.audit, r.log, e)
}
