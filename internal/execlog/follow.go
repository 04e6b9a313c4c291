package execlog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	logx "pipectl/pkg/logx"
)

// FollowOptions tune Follow.
type FollowOptions struct {
	// FromStart copies the current log from its beginning instead of its end.
	FromStart bool
	Logger    logx.Logger
}

// Follow streams the newest run log in dir to w until ctx is done. When a
// newer day's log appears, Follow drains the old file and switches to it.
func Follow(ctx context.Context, dir string, w io.Writer, opts FollowOptions) error {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var (
		cur  string
		file *os.File
	)
	defer func() {
		if file != nil {
			_ = file.Close()
		}
	}()

	open := func(p string, fromStart bool) error {
		if file != nil {
			_, _ = io.Copy(w, file)
			_ = file.Close()
			file = nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		if !fromStart {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				_ = f.Close()
				return err
			}
		}
		cur, file = p, f
		log.Debug("following run log", logx.String("path", p))
		return nil
	}

	if p, err := Latest(dir); err == nil {
		if err := open(p, opts.FromStart); err != nil {
			return err
		}
		if _, err := io.Copy(w, file); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNoLogs) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if !strings.HasPrefix(base, FilePrefix) || !strings.HasSuffix(base, FileExt) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0 && ev.Name != cur:
				if latest, err := Latest(dir); err == nil && latest == ev.Name {
					if err := open(ev.Name, true); err != nil {
						log.Warn("open run log failed", logx.String("path", ev.Name), logx.Err(err))
						continue
					}
					if _, err := io.Copy(w, file); err != nil {
						return err
					}
				}
			case ev.Op&fsnotify.Write != 0 && ev.Name == cur && file != nil:
				if _, err := io.Copy(w, file); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				log.Warn("log watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
	}
}
