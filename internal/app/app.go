package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"pipectl/internal/cleanup"
	"pipectl/internal/config"
	"pipectl/internal/execlog"
	"pipectl/internal/schedule"
	"pipectl/internal/storage"
	logx "pipectl/pkg/logx"
)

// ErrNoConfig is returned by accessors that need the project section when
// the app was started without a config file.
var ErrNoConfig = errors.New("no config file (use --config or create ./pipectl.yaml)")

// Options tune New.
type Options struct {
	// Verbose forces debug level regardless of logging.level.
	Verbose bool
	// Stderr receives console logs; nil means os.Stderr.
	Stderr io.Writer

	// Backends replaces the backends built from the config. Tests use it.
	Backends []schedule.Backend
}

// App wires the config into the registrar, cleaner and runner. It owns the
// log service, the audit store and the systemd connection.
type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	backends []schedule.Backend
	timer    *schedule.TimerBackend

	registrar *schedule.Registrar
	cleaner   *cleanup.Cleaner
}

// New loads cfgPath (which may be empty) and builds the shared services.
// Logging starts on the console and switches to the configured sinks once
// the config is loaded.
func New(cfgPath string, opts Options) (*App, error) {
	a := &App{backends: opts.Backends}

	boot := logx.Config{Level: "info", Console: true, Out: opts.Stderr}
	if opts.Verbose {
		boot.Level = "debug"
	}
	logSvc, log := logx.New(boot)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	if strings.TrimSpace(cfgPath) != "" {
		a.cfgm = config.NewConfigManager(cfgPath)
		a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
		if _, err := a.cfgm.Load(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("config %s: %w", cfgPath, err)
		}
	}

	if cfg := a.loaded(); cfg != nil {
		logCfg := logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			Format:  cfg.Logging.Format,
			Out:     opts.Stderr,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		}
		if opts.Verbose {
			logCfg.Level = "debug"
		}
		a.logs.Apply(logCfg)
		a.log.Debug("config applied", logx.String("path", a.cfgm.Path()))
	}

	if sc, enabled, err := mapStorageConfig(a.loaded()); err != nil {
		_ = a.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.store = st
		a.log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	return a, nil
}

// loaded returns the committed config, or nil when running without one.
func (a *App) loaded() *config.Config {
	if a.cfgm == nil {
		return nil
	}
	return a.cfgm.Get()
}

// Close releases the store, the systemd connection and the log file.
func (a *App) Close() error {
	var errs []error
	if a.timer != nil {
		errs = append(errs, a.timer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() storage.Store { return a.store }

// Config returns the loaded config or ErrNoConfig.
func (a *App) Config() (*config.Config, error) {
	cfg := a.loaded()
	if cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg, nil
}

// Command is the configured pipeline invocation.
func (a *App) Command() (schedule.Command, error) {
	cfg, err := a.Config()
	if err != nil {
		return schedule.Command{}, err
	}
	p := cfg.Project
	return schedule.Command{Interpreter: p.Interpreter, EntryPoint: p.EntryPoint, WorkDir: p.WorkDir}, nil
}

// Spec resolves the fire expression: an HH:MM override, else schedule.spec,
// else schedule.time.
func (a *App) Spec(hhmm string) (string, error) {
	if strings.TrimSpace(hhmm) != "" {
		return schedule.DailySpec(hhmm)
	}
	cfg, err := a.Config()
	if err != nil {
		return "", err
	}
	if cfg.Schedule.Spec != "" {
		return cfg.Schedule.Spec, nil
	}
	return schedule.DailySpec(cfg.Schedule.Time)
}

// Backend resolves a backend flag, falling back to schedule.backend.
func (a *App) Backend(flag string) (schedule.Kind, error) {
	if strings.TrimSpace(flag) != "" {
		return schedule.ParseKind(flag)
	}
	cfg, err := a.Config()
	if err != nil {
		return "", err
	}
	return schedule.ParseKind(cfg.Schedule.Backend)
}

// Entry builds the registration for backend firing at spec.
func (a *App) Entry(backend schedule.Kind, spec string) (schedule.Entry, error) {
	cmd, err := a.Command()
	if err != nil {
		return schedule.Entry{}, err
	}
	p := a.loaded().Project
	return schedule.Entry{
		Name:    p.Name,
		Backend: backend,
		Command: cmd,
		Spec:    spec,
		LogDir:  p.LogDir,
		EnvFile: p.EnvFile,
	}, nil
}

// Registrar builds the schedule registrar once.
func (a *App) Registrar() (*schedule.Registrar, error) {
	if a.registrar != nil {
		return a.registrar, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	backends := a.backends
	if len(backends) == 0 {
		var table schedule.Table = schedule.NewCrontabTable()
		if cfg.Schedule.CrontabFile != "" {
			table = &schedule.FileTable{Path: cfg.Schedule.CrontabFile}
		}
		a.timer = schedule.NewTimerBackend(cfg.Schedule.UnitDir)
		backends = []schedule.Backend{schedule.NewCronBackend(table), a.timer}
	}
	a.registrar = schedule.NewRegistrar(schedule.Options{
		Backends:    backends,
		LockPath:    cfg.Schedule.LockFile,
		LockTimeout: cfg.LockTimeout(),
		Timezone:    cfg.Schedule.Timezone,
		LogDir:      cfg.Project.LogDir,
		Logger:      a.log.With(logx.String("comp", "schedule")),
		Audit:       a.store,
	})
	return a.registrar, nil
}

// Cleaner builds the cleaner once. It works without a config file.
func (a *App) Cleaner() *cleanup.Cleaner {
	if a.cleaner != nil {
		return a.cleaner
	}
	opts := cleanup.Options{
		Logger: a.log.With(logx.String("comp", "cleanup")),
		Audit:  a.store,
	}
	if cfg := a.loaded(); cfg != nil {
		opts.RatePerSec = float64(cfg.Cleanup.RatePerSec)
		opts.MetricsFile = cfg.Cleanup.MetricsFile
	}
	a.cleaner = cleanup.New(opts)
	return a.cleaner
}

// CleanupDefaults returns the configured manifest and root, if any.
func (a *App) CleanupDefaults() (manifest, root string) {
	cfg := a.loaded()
	if cfg == nil {
		return "", ""
	}
	return cfg.Cleanup.Manifest, cfg.Cleanup.Root
}

// Runner builds a one-shot pipeline runner that also copies output to tee.
func (a *App) Runner(tee io.Writer) (*execlog.Runner, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	p := cfg.Project
	return &execlog.Runner{
		Interpreter: p.Interpreter,
		EntryPoint:  p.EntryPoint,
		WorkDir:     p.WorkDir,
		LogDir:      p.LogDir,
		EnvFile:     p.EnvFile,
		Tee:         tee,
		Log:         a.log.With(logx.String("comp", "exec")),
	}, nil
}

// LogDir is the project's execution log directory.
func (a *App) LogDir() (string, error) {
	cfg, err := a.Config()
	if err != nil {
		return "", err
	}
	return cfg.Project.LogDir, nil
}

// Audit records an action not covered by the registrar or cleaner.
func (a *App) Audit(ctx context.Context, e storage.AuditEntry) {
	storage.Record(ctx, a.store, a.log, e)
}
