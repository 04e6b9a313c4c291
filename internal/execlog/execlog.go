// Package execlog names, locates and parses the per-day log files written by
// scheduled pipeline runs, and runs the pipeline the same way the schedulers do.
//
// Each run appends its combined output to cron_YYYYMMDD.log and then one
// terminal status line:
//
//	### pipectl exit_code=0 finished_at=2026-01-02T08:00:31+09:00
package execlog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	FilePrefix   = "cron_"
	FileExt      = ".log"
	StatusMarker = "### pipectl"

	dayLayout = "20060102"
)

var ErrNoLogs = errors.New("no run logs")

// FileName is the log file for runs started on t's calendar day.
func FileName(t time.Time) string {
	return FilePrefix + t.Format(dayLayout) + FileExt
}

func Path(dir string, t time.Time) string {
	return filepath.Join(dir, FileName(t))
}

// RunStatus is one parsed terminal status line.
type RunStatus struct {
	ExitCode   int
	FinishedAt time.Time
	Log        string
}

func StatusLine(code int, at time.Time) string {
	return fmt.Sprintf("%s exit_code=%d finished_at=%s", StatusMarker, code, at.Format(time.RFC3339))
}

// ParseStatusLine parses a status line; ok is false for any other line.
func ParseStatusLine(line string) (RunStatus, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), StatusMarker+" ")
	if !ok {
		return RunStatus{}, false
	}
	var (
		st      RunStatus
		hasCode bool
	)
	for _, kv := range strings.Fields(rest) {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "exit_code":
			n, err := strconv.Atoi(v)
			if err != nil {
				return RunStatus{}, false
			}
			st.ExitCode = n
			hasCode = true
		case "finished_at":
			st.FinishedAt, _ = time.Parse(time.RFC3339, v)
		}
	}
	return st, hasCode
}

// Latest returns the newest run log in dir. Names sort by day; mtime breaks
// ties between names that do not carry a date.
func Latest(dir string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, FilePrefix+"*"+FileExt))
	if err != nil {
		return "", err
	}
	type cand struct {
		path string
		day  string
		mod  time.Time
	}
	var cs []cand
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), FilePrefix), FileExt)
		if _, err := time.Parse(dayLayout, day); err != nil {
			day = ""
		}
		cs = append(cs, cand{path: p, day: day, mod: st.ModTime()})
	}
	if len(cs) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoLogs, dir)
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].day != cs[j].day {
			return cs[i].day > cs[j].day
		}
		return cs[i].mod.After(cs[j].mod)
	})
	return cs[0].path, nil
}

// LastExit returns the last status line of the newest run log. It returns
// (nil, nil) when that log has no status line yet, e.g. a run in progress.
func LastExit(dir string) (*RunStatus, error) {
	p, err := Latest(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last *RunStatus
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if st, ok := ParseStatusLine(sc.Text()); ok {
			st.Log = p
			last = &st
		}
	}
	if err := sc.Err(); err != nil {
		return last, err
	}
	return last, nil
}
