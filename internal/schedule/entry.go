package schedule

import (
	"fmt"
	"strings"
	"time"

	"pipectl/internal/execlog"
)

// Kind names a scheduling backend.
type Kind string

const (
	KindCron  Kind = "cron"
	KindTimer Kind = "timer"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCron:
		return KindCron, nil
	case KindTimer:
		return KindTimer, nil
	default:
		return "", fmt.Errorf("unknown backend %q (use cron or timer)", s)
	}
}

// Command is the pipeline invocation: `cd WorkDir && Interpreter EntryPoint`.
type Command struct {
	Interpreter string
	EntryPoint  string
	WorkDir     string
}

// String renders the command identity. Registrations are matched against
// this string exactly.
func (c Command) String() string {
	return "cd " + shellQuote(c.WorkDir) + " && " + shellQuote(c.Interpreter) + " " + shellQuote(c.EntryPoint)
}

// Entry is one recurring registration of the pipeline.
//
// An Entry is never mutated once installed; changing the fire time is
// Uninstall followed by Install.
type Entry struct {
	Name    string // timer unit base name
	Backend Kind
	Command Command
	Spec    string // 5-field cron expression, local wall clock
	LogDir  string
	EnvFile string // optional KEY=VALUE file (timer: EnvironmentFile)
}

// FireExpression renders Spec in the backend's native syntax.
func (e Entry) FireExpression() (string, error) {
	switch e.Backend {
	case KindTimer:
		return CronToCalendar(e.Spec)
	default:
		return e.Spec, nil
	}
}

// shellScript renders the full shell command run at each tick: the command
// identity, output appended to the dated log, then the terminal status line.
// Backends escape '%' and '$' for their own syntax.
func (e Entry) shellScript() string {
	logFile := shellQuote(e.LogDir) + logFileSuffix
	return e.Command.String() + " >> " + logFile + statusTail + logFile
}

const (
	// logFileSuffix follows the quoted log directory in the rendered script.
	logFileSuffix = "/" + execlog.FilePrefix + "$(date +%Y%m%d)" + execlog.FileExt
	// statusTail sits between the two log file references.
	statusTail = ` 2>&1; echo "` + execlog.StatusMarker + ` exit_code=$? finished_at=$(date -Iseconds)" >> `
)

// Registration is an entry as found in a backend.
type Registration struct {
	Backend  Kind
	Command  string // command identity or raw command field
	Spec     string // backend-native fire expression
	CronSpec string // 5-field cron form of Spec
	Raw      string // crontab line or unit file path
	Active   bool
	NextFire time.Time // zero when the backend does not report it
}

// InstallOptions tune Install.
type InstallOptions struct {
	// Force replaces a registration of the same command in the other backend.
	Force bool
}

// InstallResult is returned by Install, also alongside ErrAlreadyInstalled.
type InstallResult struct {
	Backend          Kind
	FireExpression   string
	NextFire         time.Time
	HostTimezone     string
	TZWarning        string
	AlreadyInstalled bool
	Replaced         *Registration // registration removed from the other backend (Force)
}

// Status is the read-only view returned by Registrar.Status.
type Status struct {
	Backend      Kind // empty when not installed
	Installed    bool
	Active       bool
	NextFire     time.Time
	Registration *Registration
	HostTimezone string

	LastExit   *int
	LastRunAt  time.Time
	LastLog    string
	Conflicted []Registration // set when both backends hold the command
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_./-:@+=,%"

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.Trim(s, shellSafe) == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
