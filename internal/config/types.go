package config

type Config struct {
	Project  ProjectConfig  `json:"project"`
	Schedule ScheduleConfig `json:"schedule"`
	Cleanup  CleanupConfig  `json:"cleanup"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

// ProjectConfig describes the pipeline being scheduled.
//
// Relative paths (entry_point, env_file, log_dir) are resolved against work_dir.
//
// Example:
//
//	project:
//	  name: pharma-news
//	  work_dir: /home/ubuntu/pharma-news
//	  interpreter: /home/ubuntu/pharma-news/venv/bin/python
//	  entry_point: run_pipeline.py
type ProjectConfig struct {
	Name        string `json:"name"`
	WorkDir     string `json:"work_dir"`
	Interpreter string `json:"interpreter"`
	EntryPoint  string `json:"entry_point"`
	EnvFile     string `json:"env_file,omitempty"`
	LogDir      string `json:"log_dir,omitempty"`
}

// ScheduleConfig controls the schedule registrar.
//
// Defaults (when fields are omitted/zero):
//   - backend: "cron"
//   - time: "08:00"
//   - unit_dir: "/etc/systemd/system"
//   - lock_file: "<work_dir>/.pipectl.lock"
//   - lock_timeout: "30s"
type ScheduleConfig struct {
	Backend string `json:"backend,omitempty"` // cron | timer
	Time    string `json:"time,omitempty"`    // HH:MM local wall clock

	// Spec overrides Time with a full 5-field cron expression.
	Spec string `json:"spec,omitempty"`

	// Timezone is the operator's intended IANA zone (e.g. "Asia/Seoul").
	// A mismatch with the host zone only produces a warning.
	Timezone string `json:"timezone,omitempty"`

	UnitDir     string `json:"unit_dir,omitempty"`
	CrontabFile string `json:"crontab_file,omitempty"` // manage a file instead of `crontab -l/-`
	LockFile    string `json:"lock_file,omitempty"`
	LockTimeout string `json:"lock_timeout,omitempty"` // Go duration string
}

// CleanupConfig controls manifest-driven cleanup.
type CleanupConfig struct {
	Manifest    string `json:"manifest,omitempty"`
	Root        string `json:"root,omitempty"` // default: project.work_dir
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	MetricsFile string `json:"metrics_file,omitempty"` // node_exporter textfile collector target
}

// LoggingConfig controls pipectl's own diagnostics on stderr and in an
// optional JSON file. Format is "auto" (default), "console" or "json".
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pipectl_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
