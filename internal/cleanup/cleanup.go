package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"pipectl/internal/storage"
	logx "pipectl/pkg/logx"
)

// Options configure a Cleaner.
type Options struct {
	Logger logx.Logger
	Audit  storage.Store

	// RatePerSec caps deletions per second; 0 means unlimited.
	RatePerSec float64
	// MetricsFile, when set, receives textfile-collector gauges after each run.
	MetricsFile string
}

// Cleaner applies a Manifest to a directory tree.
type Cleaner struct {
	log         logx.Logger
	audit       storage.Store
	limiter     *rate.Limiter
	metricsFile string
}

func New(opts Options) *Cleaner {
	c := &Cleaner{
		log:         opts.Logger,
		audit:       opts.Audit,
		metricsFile: opts.MetricsFile,
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("component", "cleanup"))
	if opts.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return c
}

type candidate struct {
	rel   string
	abs   string
	mtime time.Time
	size  int64
}

// Run evaluates every rule in order against root and deletes the matches
// (or only reports them when dryRun). Per-path failures land in the report;
// the returned error is reserved for an unusable root or a cancelled ctx.
func (c *Cleaner) Run(ctx context.Context, m *Manifest, root string, now time.Time, dryRun bool) (*Report, error) {
	if m == nil {
		return nil, errors.New("nil manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	realRoot, err := resolveRoot(root)
	if err != nil {
		return nil, fmt.Errorf("cleanup root: %w", err)
	}

	rep := &Report{DryRun: dryRun, Started: time.Now()}
	rc := newRecorder(rep)
	log := c.log.With(logx.String("root", realRoot), logx.Bool("dry_run", dryRun))

	var runErr error
	for i := range m.Rules {
		r := &m.Rules[i]
		cands, rerr := c.evaluate(r, realRoot, now, rc)
		if rerr != nil {
			// The whole rule is unsafe; nothing it names is touched.
			rc.failed(r.Pattern(), rerr)
			log.Warn("rule rejected", logx.String("rule", r.String()), logx.Err(rerr))
			continue
		}
		for _, cand := range cands {
			if err := c.remove(ctx, rc, cand, dryRun, log); err != nil {
				runErr = err
				break
			}
		}
		if runErr != nil {
			break
		}
	}

	rep.Finished = time.Now()
	log.Info("cleanup finished",
		logx.Int("deleted", len(rep.Deleted)),
		logx.Int("skipped", len(rep.Skipped)),
		logx.Int("errors", len(rep.Errors)),
	)
	c.finish(ctx, m, realRoot, rep, runErr)
	return rep, runErr
}

// evaluate expands one rule into deletion candidates, recording skips and
// per-path errors as it goes. A non-nil error rejects the whole rule.
func (c *Cleaner) evaluate(r *Rule, root string, now time.Time, rc *recorder) ([]candidate, error) {
	if !r.IsGlob() {
		return c.evaluatePath(r, root, rc)
	}
	return c.evaluateGlob(r, root, now, rc)
}

func (c *Cleaner) evaluatePath(r *Rule, root string, rc *recorder) ([]candidate, error) {
	rel := path.Clean(filepath.ToSlash(r.Path))
	abs, err := resolveUnder(root, rel)
	if err != nil {
		if errors.Is(err, ErrPathEscapesRoot) {
			return nil, err
		}
		rc.failed(rel, err)
		return nil, nil
	}

	st, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		rc.skipped(rel, ReasonAbsent)
		return nil, nil
	case err != nil:
		rc.failed(rel, err)
		return nil, nil
	case st.IsDir():
		rc.failed(rel, fmt.Errorf("%w: %s is a directory", ErrNotRegularFile, rel))
		return nil, nil
	case !st.Mode().IsRegular() && st.Mode()&fs.ModeSymlink == 0:
		rc.failed(rel, fmt.Errorf("%w: %s is %s", ErrNotRegularFile, rel, st.Mode().Type()))
		return nil, nil
	}
	return []candidate{{rel: rel, abs: abs, mtime: st.ModTime(), size: st.Size()}}, nil
}

func (c *Cleaner) evaluateGlob(r *Rule, root string, now time.Time, rc *recorder) ([]candidate, error) {
	if err := checkPattern(r.Glob); err != nil {
		return nil, err
	}
	g, err := r.compile()
	if err != nil {
		return nil, err
	}
	maxAge := time.Duration(*r.MaxAgeDays) * 24 * time.Hour

	prefix := staticPrefix(r.Glob)
	start := root
	if prefix != "" {
		start, err = resolveUnder(root, prefix)
		if err != nil {
			if errors.Is(err, ErrPathEscapesRoot) {
				return nil, err
			}
			rc.failed(prefix, err)
			return nil, nil
		}
		resolvedStart, err := filepath.EvalSymlinks(start)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			rc.failed(prefix, err)
			return nil, nil
		}
		if !within(root, resolvedStart) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPathEscapesRoot, prefix, resolvedStart)
		}
		start = resolvedStart
	}

	var out []candidate
	walkErr := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		relToStart, rerr := filepath.Rel(start, p)
		if rerr != nil {
			return rerr
		}
		rel := path.Join(prefix, filepath.ToSlash(relToStart))
		if err != nil {
			if p == start && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			rc.failed(rel, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !g.Match(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				rc.skipped(rel, ReasonAbsent)
				return nil
			}
			rc.failed(rel, err)
			return nil
		}
		if age := now.Sub(info.ModTime()); age <= maxAge {
			rc.skipped(rel, ReasonTooRecent)
			return nil
		}
		out = append(out, candidate{rel: rel, abs: p, mtime: info.ModTime(), size: info.Size()})
		return nil
	})
	if walkErr != nil {
		rc.failed(prefix, walkErr)
	}
	return out, nil
}

// remove deletes one candidate after confirming it did not change since it
// was evaluated. Only ctx cancellation is returned; everything else is
// recorded against the path.
func (c *Cleaner) remove(ctx context.Context, rc *recorder, cand candidate, dryRun bool, log logx.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rc.handled(cand.rel) {
		return nil
	}

	st, err := os.Lstat(cand.abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		rc.skipped(cand.rel, ReasonAbsent)
		return nil
	case err != nil:
		rc.failed(cand.rel, err)
		return nil
	case !st.ModTime().Equal(cand.mtime) || st.Size() != cand.size:
		rc.failed(cand.rel, fmt.Errorf("%w: mtime %s, was %s", ErrConcurrentModification,
			st.ModTime().Format(time.RFC3339Nano), cand.mtime.Format(time.RFC3339Nano)))
		return nil
	}

	if dryRun {
		rc.deleted(cand.rel)
		log.Debug("would delete", logx.String("path", cand.rel), logx.Int64("bytes", cand.size))
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := os.Remove(cand.abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rc.skipped(cand.rel, ReasonAbsent)
			return nil
		}
		rc.failed(cand.rel, err)
		log.Warn("delete failed", logx.String("path", cand.rel), logx.Err(err))
		return nil
	}
	rc.deleted(cand.rel)
	log.Info("deleted", logx.String("path", cand.rel), logx.Int64("bytes", cand.size))
	return nil
}

func (c *Cleaner) finish(ctx context.Context, m *Manifest, root string, rep *Report, runErr error) {
	if c.metricsFile != "" {
		if err := WriteMetrics(c.metricsFile, rep); err != nil {
			c.log.Warn("metrics write failed", logx.String("path", c.metricsFile), logx.Err(err))
		}
	}

	target := m.Source
	if target == "" {
		target = root
	}
	e := storage.AuditEntry{
		Action: "cleanup.run",
		Target: target,
		OK:     len(rep.Deleted),
		Fail:   len(rep.Errors),
		TookMS: rep.Finished.Sub(rep.Started).Milliseconds(),
		DryRun: rep.DryRun,
	}
	switch {
	case runErr != nil:
		e.Outcome = "error"
		e.Error = runErr.Error()
	case !rep.OK():
		e.Outcome = "partial"
		e.Error = rep.Errors[0].Error()
	default:
		e.Outcome = "ok"
	}
	// ctx may already be cancelled; the audit line is still worth writing.
	storage.Record(context.WithoutCancel(ctx), c.audit, c.log, e)
}
