package cleanup

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Skip is a matched path that was left in place.
type Skip struct {
	Path   string
	Reason string
}

// PathError is a per-path failure. It never aborts the run.
type PathError struct {
	Path string
	Kind ErrorKind
	Err  error
}

func (e PathError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e PathError) Unwrap() error { return e.Err }

// Report is the outcome of one Run. Paths are root-relative and
// slash-separated. A path appears at most once across Deleted and Skipped.
type Report struct {
	Deleted []string
	Skipped []Skip
	Errors  []PathError
	DryRun  bool

	Started  time.Time
	Finished time.Time
}

const (
	ReasonAbsent    = "absent"
	ReasonTooRecent = "too recent"
)

func (r *Report) OK() bool { return len(r.Errors) == 0 }

// WriteTo prints the stable line-oriented report.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, p := range r.Deleted {
		fmt.Fprintf(&b, "deleted %s\n", p)
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(&b, "skipped %s reason=%s\n", s.Path, quoteReason(s.Reason))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "error %s kind=%s err=%s\n", e.Path, e.Kind, oneLine(e.Err))
	}
	fmt.Fprintf(&b, "summary deleted=%d skipped=%d errors=%d dry_run=%t\n",
		len(r.Deleted), len(r.Skipped), len(r.Errors), r.DryRun)
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func quoteReason(s string) string {
	if strings.ContainsAny(s, " \t") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func oneLine(err error) string {
	if err == nil {
		return ""
	}
	return strings.Join(strings.Fields(err.Error()), " ")
}

// recorder keeps the at-most-once invariant while rules append results.
type recorder struct {
	rep     *Report
	seen    map[string]bool // path -> deleted (true) or skipped (false)
	errSeen map[string]bool
}

func newRecorder(rep *Report) *recorder {
	return &recorder{rep: rep, seen: map[string]bool{}, errSeen: map[string]bool{}}
}

// handled reports whether p was already deleted (or would be, in a dry run).
func (rc *recorder) handled(p string) bool {
	return rc.seen[p]
}

func (rc *recorder) deleted(p string) {
	deleted, ok := rc.seen[p]
	if ok && deleted {
		return
	}
	if ok {
		// a later rule deletes what an earlier one skipped
		for i, s := range rc.rep.Skipped {
			if s.Path == p {
				rc.rep.Skipped = append(rc.rep.Skipped[:i], rc.rep.Skipped[i+1:]...)
				break
			}
		}
	}
	rc.seen[p] = true
	rc.rep.Deleted = append(rc.rep.Deleted, p)
}

func (rc *recorder) skipped(p, reason string) {
	if _, ok := rc.seen[p]; ok {
		return
	}
	rc.seen[p] = false
	rc.rep.Skipped = append(rc.rep.Skipped, Skip{Path: p, Reason: reason})
}

func (rc *recorder) failed(p string, err error) {
	kind := kindOf(err)
	key := p + "\x00" + string(kind)
	if rc.errSeen[key] {
		return
	}
	rc.errSeen[key] = true
	rc.rep.Errors = append(rc.rep.Errors, PathError{Path: p, Kind: kind, Err: err})
}
