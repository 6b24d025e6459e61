package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/layer-builder/internal/logger"
)

const (
	// Suffix is appended to the guarded path to form the lock file name.
	Suffix = ".lock"

	// DefaultLifetime is the age after which a lock is considered stale even if its owner lives.
	DefaultLifetime = 10 * time.Minute

	// pollInterval is the delay between acquisition attempts.
	pollInterval = 200 * time.Millisecond

	lockFileMode os.FileMode = 0o644
)

// ErrLocked is returned when another live process holds the lock until ctx is done.
var ErrLocked = errors.New("artifact is locked by another build")

// Lock is an exclusive lock file next to a guarded path.
type Lock struct {
	path     string
	released bool
}

// Path returns the lock file path for target.
func Path(target string) string {
	return filepath.Clean(target) + Suffix
}

// Acquire creates the lock file for target, waiting while a live process holds it.
// Locks left behind by dead processes, or older than DefaultLifetime, are reclaimed.
func Acquire(ctx context.Context, target string) (*Lock, error) {
	path := Path(target)

	for {
		err := tryCreate(path)
		if err == nil {
			return &Lock{path: path}, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		owner, stale := inspect(path)
		if stale {
			logger.WarnKV(ctx, "Reclaiming stale lock", "path", path, "owner_pid", owner)

			if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
			}

			continue
		}

		logger.DebugKV(ctx, "Waiting for lock", "path", path, "owner_pid", owner)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (pid %d): %w", ErrLocked, owner, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Release removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}

	l.released = true

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}

	return nil
}

// tryCreate atomically creates the lock file and records the current PID.
func tryCreate(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFileMode)
	if err != nil {
		return err
	}

	_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := file.Close()

	if err = errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(path)
		return err
	}

	return nil
}

// inspect returns the owner PID recorded in the lock file and whether the lock is stale.
func inspect(path string) (int, bool) {
	info, err := os.Stat(path)
	if err != nil {
		// Gone between attempts; the next attempt will tell.
		return 0, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// Empty or garbled: either mid-write or abandoned. Age decides.
		return 0, time.Since(info.ModTime()) > pollInterval*5
	}

	if time.Since(info.ModTime()) > DefaultLifetime {
		return pid, true
	}

	return pid, !isAlive(pid)
}

// isAlive reports whether a process with pid exists. Lookup errors count as alive.
func isAlive(pid int) bool {
	process, err := ps.FindProcess(pid)
	if err != nil {
		return true
	}

	return process != nil
}
