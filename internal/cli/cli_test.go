package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir     string
	cfg     string
	crontab string
}

func newFixture(t *testing.T, script string) fixture {
	t.Helper()
	t.Setenv("PIPECTL_CONFIG", "")
	t.Setenv("TZ", "UTC")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755))

	f := fixture{
		dir:     dir,
		cfg:     filepath.Join(dir, "pipectl.yaml"),
		crontab: filepath.Join(dir, "crontab"),
	}
	cfg := fmt.Sprintf(`project:
  name: demo
  work_dir: %s
  interpreter: /bin/sh
  entry_point: run.sh
schedule:
  backend: cron
  time: "08:00"
  crontab_file: %s
  unit_dir: %s
logging:
  level: error
storage:
  driver: file
  path: state/pipectl
`, dir, f.crontab, filepath.Join(dir, "no-units"))
	require.NoError(t, os.WriteFile(f.cfg, []byte(cfg), 0o644))
	return f
}

func (f fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runRoot(t, &root{interactive: func() bool { return false }}, append([]string{"--config", f.cfg}, args...)...)
}

func runRoot(t *testing.T, r *root, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	r.stdout, r.stderr = &stdout, &stderr
	if r.interactive == nil {
		r.interactive = func() bool { return false }
	}
	if r.confirm == nil {
		r.confirm = func(string) (bool, error) {
			t.Fatal("unexpected confirmation prompt")
			return false, nil
		}
	}
	cmd := r.command()
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestScheduleInstallIsIdempotent(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	require.NoError(t, os.WriteFile(f.crontab, []byte("MAILTO=ops@example.com\n"), 0o600))

	out, err := f.run(t, "schedule", "install")
	require.NoError(t, err)
	assert.Contains(t, out, "installed:   cron")
	assert.Contains(t, out, "fire:        0 8 * * *")

	out, err = f.run(t, "schedule", "install")
	require.NoError(t, err)
	assert.Contains(t, out, "already installed: cron")
	assert.Equal(t, 0, ExitCode(err))

	b, err := os.ReadFile(f.crontab)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "MAILTO=ops@example.com", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0 8 * * * cd "+f.dir+" && /bin/sh "+filepath.Join(f.dir, "run.sh")+" >> "))
}

func TestScheduleStatusAndUninstall(t *testing.T) {
	f := newFixture(t, "exit 0\n")

	out, err := f.run(t, "schedule", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "installed:   no")
	assert.Contains(t, out, "last exit:   never run")

	_, err = f.run(t, "schedule", "install", "--time", "06:30")
	require.NoError(t, err)

	out, err = f.run(t, "schedule", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "installed:   cron")
	assert.Contains(t, out, "fire:        30 6 * * *")

	out, err = f.run(t, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "30 6 * * *")

	out, err = f.run(t, "schedule", "uninstall")
	require.NoError(t, err)
	assert.Equal(t, "removed\n", out)

	out, err = f.run(t, "schedule", "uninstall")
	require.NoError(t, err)
	assert.Equal(t, "not installed\n", out)

	b, err := os.ReadFile(f.crontab)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "run.sh")
}

func TestScheduleInstallRejectsBadTime(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	_, err := f.run(t, "schedule", "install", "--time", "25:00")
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}

func TestForceAsksForConfirmation(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	asked := ""
	r := &root{
		interactive: func() bool { return true },
		confirm: func(msg string) (bool, error) {
			asked = msg
			return false, nil
		},
	}
	_, err := runRoot(t, r, "--config", f.cfg, "schedule", "install", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Contains(t, asked, "--force")
	assert.NoFileExists(t, f.crontab)

	// --yes skips the prompt.
	r = &root{interactive: func() bool { return true }}
	out, err := runRoot(t, r, "--config", f.cfg, "schedule", "install", "--force", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "installed:   cron")
}

func TestExecPropagatesExitCodeAndLogs(t *testing.T) {
	f := newFixture(t, "echo \"hello $GREETING\"\nexit 3\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, ".env"), []byte("GREETING=world\n"), 0o600))

	out, err := f.run(t, "exec")
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.True(t, Silent(err))
	assert.Contains(t, out, "hello world")

	out, err = f.run(t, "logs", "last")
	require.NoError(t, err)
	assert.Contains(t, out, "exit code:   3")
	assert.Contains(t, out, filepath.Join(f.dir, "logs", "cron_"))

	out, err = f.run(t, "schedule", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "last exit:   3")

	out, err = f.run(t, "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "exec")
	assert.Contains(t, out, "err=exit code 3")
}

func TestLogsLastNeverRun(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	out, err := f.run(t, "logs", "last")
	require.NoError(t, err)
	assert.Equal(t, "never run\n", out)
}

func TestCleanupRunWithoutConfig(t *testing.T) {
	t.Setenv("PIPECTL_CONFIG", "")
	dir := t.TempDir()
	rootDir := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(rootDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "a.tmp"), []byte("x"), 0o644))

	manifest := filepath.Join(dir, "cleanup.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("rules:\n  - path: a.tmp\n  - path: missing.txt\n"), 0o644))

	out, err := runRoot(t, &root{}, "cleanup", "run", "--manifest", manifest, "--root", rootDir, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted a.tmp\n")
	assert.Contains(t, out, "skipped missing.txt reason=absent\n")
	assert.Contains(t, out, "dry_run=true")
	assert.FileExists(t, filepath.Join(rootDir, "a.tmp"))

	out, err = runRoot(t, &root{}, "cleanup", "run", "--manifest", manifest, "--root", rootDir)
	require.NoError(t, err)
	assert.Contains(t, out, "dry_run=false")
	assert.NoFileExists(t, filepath.Join(rootDir, "a.tmp"))
}

func TestCleanupRunExitsOneOnErrors(t *testing.T) {
	t.Setenv("PIPECTL_CONFIG", "")
	dir := t.TempDir()
	rootDir := filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(rootDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outside.txt"), []byte("x"), 0o644))

	manifest := filepath.Join(dir, "cleanup.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("rules:\n  - path: ../outside.txt\n"), 0o644))

	out, err := runRoot(t, &root{}, "cleanup", "run", "--manifest", manifest, "--root", rootDir)
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.True(t, Silent(err))
	assert.Contains(t, out, "kind=PathEscapesRoot")
	assert.FileExists(t, filepath.Join(dir, "outside.txt"))
}

func TestCleanupRunNeedsManifest(t *testing.T) {
	t.Setenv("PIPECTL_CONFIG", "")
	_, err := runRoot(t, &root{}, "cleanup", "run", "--root", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest")
}

func TestScheduleNeedsConfig(t *testing.T) {
	t.Setenv("PIPECTL_CONFIG", "")
	_, err := runRoot(t, &root{}, "schedule", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no config file")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 4, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 4})))
	assert.False(t, Silent(errors.New("boom")))
	assert.False(t, Silent(&ExitError{Code: 2, Err: errors.New("x")}))
	assert.True(t, Silent(&ExitError{Code: 2}))
}
