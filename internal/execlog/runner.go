package execlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joho/godotenv"

	logx "pipectl/pkg/logx"
)

// Runner executes the pipeline once, in the same shape as a scheduled tick:
// output appended to the day's log, then a terminal status line.
type Runner struct {
	Interpreter string
	EntryPoint  string
	WorkDir     string
	LogDir      string
	EnvFile     string // optional; missing file is not an error

	// Tee, when set, also receives the run's output.
	Tee io.Writer

	Log logx.Logger
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Environ returns the process environment overlaid with EnvFile.
func (r *Runner) Environ() ([]string, error) {
	env := os.Environ()
	if strings.TrimSpace(r.EnvFile) == "" {
		return env, nil
	}
	vars, err := godotenv.Read(r.EnvFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return env, nil
		}
		return nil, fmt.Errorf("env file %s: %w", r.EnvFile, err)
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// Run executes the pipeline. A non-zero exit is reported in RunStatus, not
// as an error; err is reserved for failures to start or to write the log.
func (r *Runner) Run(ctx context.Context) (RunStatus, error) {
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return RunStatus{}, err
	}
	started := r.now()
	path := Path(r.LogDir, started)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return RunStatus{}, err
	}
	defer f.Close()

	env, err := r.Environ()
	if err != nil {
		return RunStatus{}, err
	}

	var out io.Writer = f
	if r.Tee != nil {
		out = io.MultiWriter(f, r.Tee)
	}

	cmd := exec.CommandContext(ctx, r.Interpreter, r.EntryPoint)
	cmd.Dir = r.WorkDir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	log.Info("pipeline run started", logx.String("log", path), logx.String("entry", r.EntryPoint))
	runErr := cmd.Run()

	code := 0
	if runErr != nil {
		var ee *exec.ExitError
		if !errors.As(runErr, &ee) {
			return RunStatus{}, fmt.Errorf("start %s: %w", r.Interpreter, runErr)
		}
		code = ee.ExitCode()
		if code < 0 {
			// killed by signal; mirror the shell's 128+n convention loosely
			code = 128
		}
	}

	st := RunStatus{ExitCode: code, FinishedAt: r.now(), Log: path}
	if _, err := fmt.Fprintln(f, StatusLine(st.ExitCode, st.FinishedAt)); err != nil {
		return st, err
	}
	log.Info("pipeline run finished",
		logx.Int("exit_code", code),
		logx.Duration("took", st.FinishedAt.Sub(started)),
	)
	return st, nil
}
