package repocache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Locker grants a scoped exclusive lease over a named resource. Acquire
// blocks until the lease is available; the returned release function must be
// called on every exit path. Implementations must exclude both concurrent
// goroutines and concurrent processes.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func() error, err error)
}

// fileLocker is the default Locker: an advisory file lock per name under the
// cache's locks directory, paired with an in-process mutex so goroutines of
// the same process serialize without contending on the file descriptor.
type fileLocker struct {
	dir string

	mu     sync.Mutex
	byName map[string]*sync.Mutex
}

func newFileLocker(dir string) *fileLocker {
	return &fileLocker{dir: dir, byName: make(map[string]*sync.Mutex)}
}

func (l *fileLocker) Acquire(ctx context.Context, name string) (func() error, error) {
	l.mu.Lock()
	local, ok := l.byName[name]
	if !ok {
		local = &sync.Mutex{}
		l.byName[name] = local
	}
	l.mu.Unlock()

	local.Lock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		local.Unlock()
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	fl := flock.New(filepath.Join(l.dir, name+".lock"))
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		local.Unlock()
		return nil, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		local.Unlock()
		return nil, fmt.Errorf("acquiring lock %s: not acquired", name)
	}
	return func() error {
		defer local.Unlock()
		return fl.Unlock()
	}, nil
}
