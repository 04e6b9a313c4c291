package schedule

import (
	"context"
	"strings"

	"pipectl/internal/execlog"
)

// CronBackend keeps one line per entry in a crontab. Lines it does not own
// are preserved byte-for-byte.
type CronBackend struct {
	Table Table
}

func NewCronBackend(t Table) *CronBackend {
	if t == nil {
		t = NewCrontabTable()
	}
	return &CronBackend{Table: t}
}

func (b *CronBackend) Kind() Kind { return KindCron }

func (b *CronBackend) Available(ctx context.Context) error {
	if err := b.Table.Available(ctx); err != nil {
		return opError("probe", KindCron, ErrBackendUnavailable, err)
	}
	return nil
}

func (b *CronBackend) Lookup(ctx context.Context, cmd Command) (Registration, bool, error) {
	content, err := b.Table.Read(ctx)
	if err != nil {
		return Registration{}, false, classify("lookup", KindCron, err)
	}
	id := cronEscape(cmd.String())
	for _, raw := range splitLines(content) {
		cl, ok := parseCronLine(raw)
		if ok && cl.matches(id) {
			return cl.registration(raw), true, nil
		}
	}
	return Registration{}, false, nil
}

// List returns the lines that write a pipectl status line.
func (b *CronBackend) List(ctx context.Context) ([]Registration, error) {
	content, err := b.Table.Read(ctx)
	if err != nil {
		return nil, classify("list", KindCron, err)
	}
	var out []Registration
	for _, raw := range splitLines(content) {
		cl, ok := parseCronLine(raw)
		if ok && strings.Contains(cl.command, execlog.StatusMarker) {
			out = append(out, cl.registration(raw))
		}
	}
	return out, nil
}

func (b *CronBackend) Install(ctx context.Context, e Entry) error {
	content, err := b.Table.Read(ctx)
	if err != nil {
		return classify("install", KindCron, err)
	}
	line := CronLine(e)

	next := make([]byte, 0, len(content)+len(line)+2)
	next = append(next, content...)
	if len(next) > 0 && next[len(next)-1] != '\n' {
		next = append(next, '\n')
	}
	next = append(next, line...)
	next = append(next, '\n')

	if err := b.Table.Write(ctx, next); err != nil {
		return classify("install", KindCron, err)
	}
	return nil
}

func (b *CronBackend) Remove(ctx context.Context, cmd Command) (bool, error) {
	content, err := b.Table.Read(ctx)
	if err != nil {
		return false, classify("uninstall", KindCron, err)
	}
	id := cronEscape(cmd.String())

	var (
		kept    strings.Builder
		removed bool
	)
	for _, raw := range splitLines(content) {
		if cl, ok := parseCronLine(raw); ok && cl.matches(id) {
			removed = true
			continue
		}
		kept.WriteString(raw)
	}
	if !removed {
		return false, nil
	}
	if err := b.Table.Write(ctx, []byte(kept.String())); err != nil {
		return false, classify("uninstall", KindCron, err)
	}
	return true, nil
}

// CronLine renders the crontab line for e.
func CronLine(e Entry) string {
	return strings.TrimSpace(e.Spec) + " " + cronEscape(e.shellScript())
}

// cronEscape protects '%', which cron turns into a newline.
func cronEscape(s string) string {
	return strings.ReplaceAll(s, "%", `\%`)
}

// splitLines splits content keeping each line's terminator, so that joining
// the result reproduces content exactly.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return strings.SplitAfter(string(content), "\n")
}

type cronLine struct {
	spec    string
	command string
}

// matches reports whether the command field is id alone or exactly the
// script CronLine renders for id with some log directory.
func (c cronLine) matches(id string) bool {
	if c.command == id {
		return true
	}
	rest, ok := strings.CutPrefix(c.command, id+" >> ")
	if !ok {
		return false
	}
	tail := cronEscape(statusTail)
	i := strings.Index(rest, tail)
	if i < 0 {
		return false
	}
	logFile := rest[:i]
	return strings.HasSuffix(logFile, cronEscape(logFileSuffix)) &&
		len(logFile) > len(cronEscape(logFileSuffix)) &&
		rest[i+len(tail):] == logFile
}

func (c cronLine) registration(raw string) Registration {
	return Registration{
		Backend:  KindCron,
		Command:  c.command,
		Spec:     c.spec,
		CronSpec: c.spec,
		Raw:      strings.TrimRight(raw, "\r\n"),
		Active:   true,
	}
}

// parseCronLine splits a crontab line into its time fields and command.
// Comments, blank lines and environment assignments are not entries.
func parseCronLine(raw string) (cronLine, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return cronLine{}, false
	}
	n := 5
	if strings.HasPrefix(line, "@") {
		n = 1
	}
	fields := strings.Fields(line)
	if len(fields) <= n {
		return cronLine{}, false
	}
	for _, f := range fields[:n] {
		if strings.Contains(f, "=") {
			return cronLine{}, false
		}
	}
	return cronLine{
		spec:    strings.Join(fields[:n], " "),
		command: skipFields(line, n),
	}, true
}

// skipFields drops the first n whitespace-separated fields of s and returns
// the remainder verbatim.
func skipFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		j := strings.IndexAny(s, " \t")
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimLeft(s, " \t")
}
