package cleanup

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"pipectl/internal/config"
)

// Rule is one manifest entry: exactly one of Path or Glob.
type Rule struct {
	Path       string `json:"path,omitempty"`
	Glob       string `json:"glob,omitempty"`
	MaxAgeDays *int   `json:"max_age_days,omitempty"`

	matcher glob.Glob
}

func (r Rule) IsGlob() bool { return r.Glob != "" }

// Pattern is the rule's path or glob as written.
func (r Rule) Pattern() string {
	if r.IsGlob() {
		return r.Glob
	}
	return r.Path
}

func (r Rule) String() string {
	if r.IsGlob() {
		days := 0
		if r.MaxAgeDays != nil {
			days = *r.MaxAgeDays
		}
		return fmt.Sprintf("glob(%s, %dd)", r.Glob, days)
	}
	return "path(" + r.Path + ")"
}

// ExactPath and AgeFilteredGlob build rules in code.
func ExactPath(p string) Rule { return Rule{Path: p} }

func AgeFilteredGlob(pattern string, maxAgeDays int) Rule {
	return Rule{Glob: pattern, MaxAgeDays: &maxAgeDays}
}

// Manifest is the ordered, operator-declared list of deletion rules.
type Manifest struct {
	Rules []Rule `json:"rules"`

	// Source is the file the manifest was loaded from, if any.
	Source string `json:"-"`
}

// LoadManifest reads a YAML or JSON manifest and validates it.
func LoadManifest(p string) (*Manifest, error) {
	var m Manifest
	if err := config.DecodeFile(p, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", p, err)
	}
	m.Source = p
	return &m, nil
}

// Validate checks rule shape and compiles globs. Path safety is checked per
// run against the root, not here.
func (m *Manifest) Validate() error {
	if m == nil || len(m.Rules) == 0 {
		return errors.New("manifest has no rules")
	}
	var errs []error
	for i := range m.Rules {
		r := &m.Rules[i]
		prefix := fmt.Sprintf("rules[%d]", i)
		switch {
		case r.Path != "" && r.Glob != "":
			errs = append(errs, fmt.Errorf("%s: set either path or glob, not both", prefix))
		case r.Path == "" && r.Glob == "":
			errs = append(errs, fmt.Errorf("%s: path or glob is required", prefix))
		case r.Path != "" && r.MaxAgeDays != nil:
			errs = append(errs, fmt.Errorf("%s: max_age_days applies to glob rules only", prefix))
		case r.IsGlob() && r.MaxAgeDays == nil:
			errs = append(errs, fmt.Errorf("%s: max_age_days is required for glob %q", prefix, r.Glob))
		case r.IsGlob() && *r.MaxAgeDays < 0:
			errs = append(errs, fmt.Errorf("%s: max_age_days must be >= 0", prefix))
		case r.IsGlob():
			if _, err := r.compile(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Rule) compile() (glob.Glob, error) {
	if r.matcher != nil {
		return r.matcher, nil
	}
	g, err := glob.Compile(r.Glob, '/')
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", r.Glob, err)
	}
	r.matcher = g
	return g, nil
}

// staticPrefix returns the leading directories of pattern that contain no
// glob metacharacters; walking starts there.
func staticPrefix(pattern string) string {
	segs := strings.Split(pattern, "/")
	var out []string
	for _, s := range segs[:len(segs)-1] {
		if strings.ContainsAny(s, `*?[{\`) {
			break
		}
		out = append(out, s)
	}
	return path.Join(out...)
}
