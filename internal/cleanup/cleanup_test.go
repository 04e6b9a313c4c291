package cleanup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipectl/internal/storage"
	logx "pipectl/pkg/logx"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func touch(t *testing.T, root, rel string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(rel), 0o644))
	mt := testNow.Add(-age)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return p
}

func exists(t *testing.T, p string) bool {
	t.Helper()
	_, err := os.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	require.NoError(t, err)
	return true
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func skippedPaths(rep *Report) []string {
	var out []string
	for _, s := range rep.Skipped {
		out = append(out, s.Path)
	}
	return out
}

func TestRunScenario(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.tmp", 0)
	touch(t, root, "old.log", days(45))
	touch(t, root, "new.log", days(2))

	m := &Manifest{Rules: []Rule{ExactPath("a.tmp"), AgeFilteredGlob("*.log", 30)}}
	rep, err := New(Options{}).Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.tmp", "old.log"}, rep.Deleted)
	assert.Equal(t, []string{"new.log"}, skippedPaths(rep))
	assert.Empty(t, rep.Errors)
	assert.False(t, exists(t, filepath.Join(root, "a.tmp")))
	assert.False(t, exists(t, filepath.Join(root, "old.log")))
	assert.True(t, exists(t, filepath.Join(root, "new.log")))
}

func TestRunTwiceDeletesNothingSecondTime(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.tmp", 0)
	touch(t, root, "logs/2026/old.log", days(90))
	touch(t, root, "logs/keep.log", days(1))

	m := &Manifest{Rules: []Rule{ExactPath("a.tmp"), AgeFilteredGlob("logs/**", 30)}}
	c := New(Options{})

	first, err := c.Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tmp", "logs/2026/old.log"}, first.Deleted)

	second, err := c.Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)
	assert.Empty(t, second.Deleted)
	assert.Empty(t, second.Errors)
	assert.ElementsMatch(t, []string{"a.tmp", "logs/keep.log"}, skippedPaths(second))
}

func TestAgeBoundaryIsStrict(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "exact.log", days(30))
	touch(t, root, "older.log", days(31))

	m := &Manifest{Rules: []Rule{AgeFilteredGlob("*.log", 30)}}
	rep, err := New(Options{}).Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"older.log"}, rep.Deleted)
	assert.Equal(t, []Skip{{Path: "exact.log", Reason: ReasonTooRecent}}, rep.Skipped)
}

func TestEscapingRuleFailsAlone(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "project")
	require.NoError(t, os.MkdirAll(root, 0o755))
	outside := touch(t, parent, "secret.txt", days(100))
	touch(t, root, "a.tmp", 0)

	m := &Manifest{Rules: []Rule{
		ExactPath("../secret.txt"),
		AgeFilteredGlob("../*.txt", 1),
		ExactPath(outside),
		ExactPath("a.tmp"),
	}}
	rep, err := New(Options{}).Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)

	require.Len(t, rep.Errors, 3)
	for _, e := range rep.Errors {
		assert.Equal(t, KindPathEscapesRoot, e.Kind, e.Path)
	}
	assert.Equal(t, []string{"a.tmp"}, rep.Deleted)
	assert.True(t, exists(t, outside))
}

func TestSymlinkedDirectoryCannotEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "project")
	elsewhere := filepath.Join(parent, "elsewhere")
	require.NoError(t, os.MkdirAll(root, 0o755))
	victim := touch(t, elsewhere, "data.log", days(100))
	if err := os.Symlink(elsewhere, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	m := &Manifest{Rules: []Rule{ExactPath("link/data.log"), AgeFilteredGlob("link/*.log", 1)}}
	rep, err := New(Options{}).Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)

	require.Len(t, rep.Errors, 2)
	assert.Equal(t, KindPathEscapesRoot, rep.Errors[0].Kind)
	assert.Equal(t, KindPathEscapesRoot, rep.Errors[1].Kind)
	assert.Empty(t, rep.Deleted)
	assert.True(t, exists(t, victim))
}

func TestDryRunMatchesRealRun(t *testing.T) {
	build := func() string {
		root := t.TempDir()
		touch(t, root, "a.tmp", 0)
		touch(t, root, "old.log", days(45))
		touch(t, root, "new.log", days(2))
		touch(t, root, "cache/x.bin", days(10))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
		return root
	}
	m := func() *Manifest {
		return &Manifest{Rules: []Rule{
			ExactPath("a.tmp"),
			ExactPath("missing.tmp"),
			ExactPath("build"),
			AgeFilteredGlob("*.log", 30),
			AgeFilteredGlob("**.{log,bin}", 1),
			ExactPath("old.log"),
		}}
	}

	dryRoot := build()
	before := snapshot(t, dryRoot)
	dry, err := New(Options{}).Run(context.Background(), m(), dryRoot, testNow, true)
	require.NoError(t, err)
	assert.Equal(t, before, snapshot(t, dryRoot), "dry run must not mutate")

	realRoot := build()
	live, err := New(Options{}).Run(context.Background(), m(), realRoot, testNow, false)
	require.NoError(t, err)

	assert.Equal(t, live.Deleted, dry.Deleted)
	assert.Equal(t, live.Skipped, dry.Skipped)
	require.Len(t, dry.Errors, len(live.Errors))
	for i := range live.Errors {
		assert.Equal(t, live.Errors[i].Path, dry.Errors[i].Path)
		assert.Equal(t, live.Errors[i].Kind, dry.Errors[i].Kind)
	}

	// the later glob deletes what the first glob skipped; each path once
	assert.Equal(t, []string{"a.tmp", "old.log", "cache/x.bin", "new.log"}, live.Deleted)
	assert.Equal(t, []Skip{{Path: "missing.tmp", Reason: ReasonAbsent}}, live.Skipped)
	require.Len(t, live.Errors, 1)
	assert.Equal(t, KindNotRegularFile, live.Errors[0].Kind)
}

func snapshot(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		info, err := d.Info()
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, p)
		out = append(out, rel+"|"+info.ModTime().UTC().Format(time.RFC3339Nano))
		return nil
	}))
	sort.Strings(out)
	return out
}

func TestConcurrentModificationIsReported(t *testing.T) {
	root := t.TempDir()
	p := touch(t, root, "app.log", days(40))
	info, err := os.Stat(p)
	require.NoError(t, err)

	// The pipeline appends between evaluation and removal.
	require.NoError(t, os.WriteFile(p, []byte("appended line\n"), 0o644))

	rep := &Report{}
	rc := newRecorder(rep)
	c := New(Options{})
	cand := candidate{rel: "app.log", abs: p, mtime: info.ModTime(), size: info.Size()}
	require.NoError(t, c.remove(context.Background(), rc, cand, false, logx.Nop()))

	require.Len(t, rep.Errors, 1)
	assert.Equal(t, KindConcurrentModification, rep.Errors[0].Kind)
	assert.True(t, exists(t, p))
}

func TestPermissionDeniedIsolated(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	touch(t, root, "locked/old.log", days(40))
	touch(t, root, "free/old.log", days(40))
	require.NoError(t, os.Chmod(filepath.Join(root, "locked"), 0o555))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "locked"), 0o755) })

	m := &Manifest{Rules: []Rule{AgeFilteredGlob("*/old.log", 30)}}
	rep, err := New(Options{}).Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"free/old.log"}, rep.Deleted)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, "locked/old.log", rep.Errors[0].Path)
	assert.Equal(t, KindPermissionDenied, rep.Errors[0].Kind)
}

func TestReportWriteTo(t *testing.T) {
	rep := &Report{
		Deleted: []string{"a.tmp"},
		Skipped: []Skip{{Path: "new.log", Reason: ReasonTooRecent}, {Path: "b.tmp", Reason: ReasonAbsent}},
		Errors:  []PathError{{Path: "../x", Kind: KindPathEscapesRoot, Err: errors.New("path escapes root:\n../x")}},
		DryRun:  true,
	}
	var buf bytes.Buffer
	_, err := rep.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"deleted a.tmp",
		`skipped new.log reason="too recent"`,
		"skipped b.tmp reason=absent",
		"error ../x kind=PathEscapesRoot err=path escapes root: ../x",
		"summary deleted=1 skipped=2 errors=1 dry_run=true",
		"",
	}, "\n"), buf.String())
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cleanup.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
rules:
  - path: a.tmp
  - glob: "logs/*.log"
    max_age_days: 30
`), 0o644))
	m, err := LoadManifest(p)
	require.NoError(t, err)
	require.Len(t, m.Rules, 2)
	assert.False(t, m.Rules[0].IsGlob())
	assert.Equal(t, "logs/*.log", m.Rules[1].Glob)
	assert.Equal(t, 30, *m.Rules[1].MaxAgeDays)
	assert.Equal(t, p, m.Source)

	for name, body := range map[string]string{
		"both":     "rules:\n  - path: a\n    glob: b\n    max_age_days: 1\n",
		"neither":  "rules:\n  - max_age_days: 1\n",
		"no age":   "rules:\n  - glob: '*.log'\n",
		"path age": "rules:\n  - path: a\n    max_age_days: 3\n",
		"negative": "rules:\n  - glob: '*.log'\n    max_age_days: -1\n",
		"bad glob": "rules:\n  - glob: '[a'\n    max_age_days: 1\n",
		"unknown":  "rules:\n  - path: a\n    recursive: true\n",
		"empty":    "rules: []\n",
	} {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte(body), 0o644))
		_, err := LoadManifest(bad)
		assert.Error(t, err, name)
	}
}

func TestStaticPrefix(t *testing.T) {
	assert.Equal(t, "", staticPrefix("*.log"))
	assert.Equal(t, "logs", staticPrefix("logs/*.log"))
	assert.Equal(t, "logs/2026", staticPrefix("logs/2026/app.log"))
	assert.Equal(t, "", staticPrefix("**/*.log"))
	assert.Equal(t, "data", staticPrefix("data/{a,b}/*.csv"))
}

func TestRunRecordsAuditAndMetrics(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "old.log", days(45))
	metrics := filepath.Join(t.TempDir(), "textfile", "pipectl_cleanup.prom")

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	c := New(Options{Audit: st, MetricsFile: metrics, RatePerSec: 1000})
	m := &Manifest{Rules: []Rule{AgeFilteredGlob("*.log", 30), ExactPath("../x")}, Source: "cleanup.yaml"}
	rep, err := c.Run(context.Background(), m, root, testNow, false)
	require.NoError(t, err)
	assert.False(t, rep.OK())

	entries, err := st.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cleanup.run", entries[0].Action)
	assert.Equal(t, "partial", entries[0].Outcome)
	assert.Equal(t, "cleanup.yaml", entries[0].Target)
	assert.Equal(t, 1, entries[0].OK)
	assert.Equal(t, 1, entries[0].Fail)

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), `pipectl_cleanup_deleted_files{dry_run="false"} 1`)
	assert.Contains(t, string(b), `pipectl_cleanup_errors{dry_run="false",kind="PathEscapesRoot"} 1`)
}

func TestRunRejectsMissingRoot(t *testing.T) {
	m := &Manifest{Rules: []Rule{ExactPath("a.tmp")}}
	_, err := New(Options{}).Run(context.Background(), m, filepath.Join(t.TempDir(), "nope"), testNow, false)
	require.Error(t, err)
}
