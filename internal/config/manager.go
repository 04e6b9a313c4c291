package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	logx "pipectl/pkg/logx"
)

const (
	DefaultBackend     = "cron"
	DefaultTime        = "08:00"
	DefaultUnitDir     = "/etc/systemd/system"
	DefaultLockTimeout = 30 * time.Second
	DefaultLogDir      = "logs"
	DefaultEnvFile     = ".env"
)

var reHHMM = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) Parse() (*Config, error) {
	var cfg Config
	if err := DecodeFile(m.path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Load parses, applies defaults, validates and commits the config file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config loaded", logx.String("path", m.path), logx.String("backend", cfg.Schedule.Backend))
	}
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ApplyDefaults fills zero fields. Relative project paths are resolved
// against project.work_dir.
func ApplyDefaults(cfg *Config) {
	p := &cfg.Project
	p.WorkDir = strings.TrimSpace(p.WorkDir)
	if p.Name == "" && p.WorkDir != "" {
		p.Name = filepath.Base(p.WorkDir)
	}
	if p.LogDir == "" {
		p.LogDir = DefaultLogDir
	}
	if p.EnvFile == "" {
		p.EnvFile = DefaultEnvFile
	}
	if p.WorkDir != "" {
		p.EntryPoint = resolve(p.WorkDir, p.EntryPoint)
		p.LogDir = resolve(p.WorkDir, p.LogDir)
		p.EnvFile = resolve(p.WorkDir, p.EnvFile)
	}

	s := &cfg.Schedule
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = DefaultBackend
	}
	if s.Time == "" && s.Spec == "" {
		s.Time = DefaultTime
	}
	if s.UnitDir == "" {
		s.UnitDir = DefaultUnitDir
	}
	if s.LockFile == "" && p.WorkDir != "" {
		s.LockFile = filepath.Join(p.WorkDir, ".pipectl.lock")
	}

	if cfg.Cleanup.Root == "" {
		cfg.Cleanup.Root = p.WorkDir
	}
	if cfg.Cleanup.Manifest != "" && p.WorkDir != "" {
		cfg.Cleanup.Manifest = resolve(p.WorkDir, cfg.Cleanup.Manifest)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate reports every invalid field, joined.
func Validate(cfg *Config) error {
	var errs []error
	p := cfg.Project
	if p.WorkDir == "" {
		errs = append(errs, errors.New("project.work_dir is required"))
	} else if !filepath.IsAbs(p.WorkDir) {
		errs = append(errs, fmt.Errorf("project.work_dir must be absolute: %q", p.WorkDir))
	}
	if p.Interpreter == "" {
		errs = append(errs, errors.New("project.interpreter is required"))
	} else if !filepath.IsAbs(p.Interpreter) {
		errs = append(errs, fmt.Errorf("project.interpreter must be absolute: %q", p.Interpreter))
	}
	if p.EntryPoint == "" {
		errs = append(errs, errors.New("project.entry_point is required"))
	}
	if strings.ContainsAny(p.Name, "/ \t") {
		errs = append(errs, fmt.Errorf("project.name must not contain spaces or slashes: %q", p.Name))
	}

	s := cfg.Schedule
	switch s.Backend {
	case "cron", "timer":
	default:
		errs = append(errs, fmt.Errorf("schedule.backend: unknown backend %q (use cron or timer)", s.Backend))
	}
	if s.Spec == "" && !reHHMM.MatchString(s.Time) {
		errs = append(errs, fmt.Errorf("schedule.time: invalid HH:MM %q", s.Time))
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("schedule.lock_timeout", s.LockTimeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q (use auto, console or json)", cfg.Logging.Format))
	}
	if cfg.Cleanup.RatePerSec < 0 {
		errs = append(errs, errors.New("cleanup.rate_per_sec must be >= 0"))
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LockTimeout returns the configured lock timeout or the default.
func (c *Config) LockTimeout() time.Duration {
	d, err := ParseDurationOrDefault("schedule.lock_timeout", c.Schedule.LockTimeout, DefaultLockTimeout)
	if err != nil {
		return DefaultLockTimeout
	}
	return d
}
