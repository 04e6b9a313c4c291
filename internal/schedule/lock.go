package schedule

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// tableLock serializes read-modify-write of the registration tables within
// the process (mu) and across processes (flock on path).
type tableLock struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
}

func (l *tableLock) acquire(ctx context.Context) (release func(), err error) {
	l.mu.Lock()
	if l.path == "" {
		return l.mu.Unlock, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	lctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLockContext(lctx, lockRetryDelay)
	if err != nil || !ok {
		l.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", l.path)
		}
		if ctx.Err() == nil && lctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s held for more than %s", ErrLocked, l.path, l.timeout)
		}
		return nil, err
	}

	return func() {
		_ = fl.Unlock()
		l.mu.Unlock()
	}, nil
}
