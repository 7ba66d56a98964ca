package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Lock is an advisory lock on one fleet document. It keeps two invocations
// from writing the same namespace at once.
type Lock struct {
	fl *flock.Flock
}

// DefaultLockWait bounds how long Lock waits for another invocation.
const DefaultLockWait = 10 * time.Second

// ErrLocked is returned when the lock is still held after the wait.
var ErrLocked = errors.New("held by another process")

// Lock acquires the advisory lock for the pair, waiting at most LockWait.
func (s *Store) Lock(ctx context.Context, network, namespace string) (*Lock, error) {
	path := s.Path(network, namespace) + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir lock dir: %w", err)
	}
	wait := s.LockWait
	if wait <= 0 {
		wait = DefaultLockWait
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	fl := flock.New(path)
	ok, err := fl.TryLockContext(wctx, 250*time.Millisecond)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s/%s: %w", network, namespace, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s/%s: %w", network, namespace, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
