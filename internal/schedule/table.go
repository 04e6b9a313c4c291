package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Table is a crontab: read whole, written whole.
type Table interface {
	Name() string
	Available(ctx context.Context) error
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, content []byte) error
}

// CommandRunner runs name with args, feeding stdin when non-nil.
type CommandRunner func(ctx context.Context, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// CrontabTable is the invoking user's crontab, edited through the crontab(1)
// program.
type CrontabTable struct {
	Program  string // default "crontab"
	LookPath func(string) (string, error)
	Run      CommandRunner
}

func NewCrontabTable() *CrontabTable {
	return &CrontabTable{Program: "crontab", LookPath: exec.LookPath, Run: execRunner}
}

func (t *CrontabTable) program() string {
	if t.Program == "" {
		return "crontab"
	}
	return t.Program
}

func (t *CrontabTable) Name() string { return "crontab" }

func (t *CrontabTable) Available(ctx context.Context) error {
	_ = ctx
	lp := t.LookPath
	if lp == nil {
		lp = exec.LookPath
	}
	if _, err := lp(t.program()); err != nil {
		return fmt.Errorf("%s not on PATH: %w", t.program(), err)
	}
	return nil
}

func (t *CrontabTable) runner() CommandRunner {
	if t.Run == nil {
		return execRunner
	}
	return t.Run
}

// Read returns the current table. A user without a crontab has an empty one.
func (t *CrontabTable) Read(ctx context.Context) ([]byte, error) {
	out, stderr, err := t.runner()(ctx, nil, t.program(), "-l")
	if err != nil {
		msg := strings.ToLower(string(stderr))
		if strings.Contains(msg, "no crontab for") {
			return nil, nil
		}
		return nil, crontabError("read", stderr, err)
	}
	return out, nil
}

func (t *CrontabTable) Write(ctx context.Context, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	_, stderr, err := t.runner()(ctx, content, t.program(), "-")
	if err != nil {
		return crontabError("write", stderr, err)
	}
	return nil
}

func crontabError(op string, stderr []byte, err error) error {
	msg := strings.TrimSpace(string(stderr))
	low := strings.ToLower(msg)
	if strings.Contains(low, "not allowed") || strings.Contains(low, "permission denied") {
		return opError(op, KindCron, ErrPermissionDenied, errors.New(msg))
	}
	if msg == "" {
		return fmt.Errorf("crontab %s: %w", op, err)
	}
	return fmt.Errorf("crontab %s: %s: %w", op, msg, err)
}

// FileTable is a crontab kept in a plain file, e.g. under /etc/cron.d or a
// path handed to a container's cron daemon.
type FileTable struct {
	Path string
}

func (t *FileTable) Name() string { return t.Path }

func (t *FileTable) Available(ctx context.Context) error {
	_ = ctx
	dir := filepath.Dir(t.Path)
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func (t *FileTable) Read(ctx context.Context) ([]byte, error) {
	_ = ctx
	b, err := os.ReadFile(t.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (t *FileTable) Write(ctx context.Context, content []byte) error {
	_ = ctx
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(t.Path); err == nil {
		mode = st.Mode().Perm()
	}
	return writeFileAtomic(t.Path, content, mode)
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
