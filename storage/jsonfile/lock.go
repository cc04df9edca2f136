package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// quickRetries is the number of failed attempts before the lock file is
// inspected for staleness; most contention is a sibling holding the lock for
// a few milliseconds.
const quickRetries = 2

var errLockHeld = errors.New("lock file held by another writer")

// lockInfo is the content of a lock file: the holder's PID and the time the
// lock was taken, one per line.
type lockInfo struct {
	PID     int
	Created time.Time
}

func (l lockInfo) String() string {
	secs := float64(l.Created.UnixNano()) / float64(time.Second)
	return strconv.Itoa(l.PID) + "\n" + strconv.FormatFloat(secs, 'f', 6, 64)
}

func parseLockInfo(b []byte) (lockInfo, error) {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) < 2 {
		return lockInfo{}, fmt.Errorf("malformed lock file: %d lines", len(lines))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return lockInfo{}, fmt.Errorf("malformed lock pid: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return lockInfo{}, fmt.Errorf("malformed lock time: %w", err)
	}
	return lockInfo{PID: pid, Created: time.Unix(0, int64(secs*float64(time.Second)))}, nil
}

// acquire creates the lock file, retrying with backoff until LockTimeout.
// Stale locks (too old, or whose holder is gone) and corrupt lock files are
// removed along the way.
func (s *Store) acquire(ctx context.Context) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := s.tryLock()
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return struct{}{}, backoff.Permanent(err)
		}
		if attempts > quickRetries {
			s.breakStaleLock()
		}
		return struct{}{}, errLockHeld
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(s.opts.LockTimeout),
	)
	return err
}

func (s *Store) tryLock() error {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, s.opts.FileMode)
	if err != nil {
		return err
	}
	info := lockInfo{PID: os.Getpid(), Created: time.Now()}
	_, werr := f.WriteString(info.String())
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(s.lockPath)
		return werr
	}
	return cerr
}

// breakStaleLock removes the lock file if it is older than StaleAfter, if its
// holder process no longer exists, or if it cannot be parsed.
func (s *Store) breakStaleLock() {
	b, err := os.ReadFile(s.lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("Cannot read lock file", "lock", s.lockPath, "error", err)
		return
	}

	info, err := parseLockInfo(b)
	if err != nil {
		s.logger.Warn("Removing corrupt lock file", "lock", s.lockPath, "error", err)
		s.removeLock()
		return
	}

	if age := time.Since(info.Created); age > s.opts.StaleAfter {
		s.logger.Warn("Removing stale lock file", "lock", s.lockPath, "age", age.Round(100*time.Millisecond), "pid", info.PID)
		s.removeLock()
		return
	}

	if info.PID != os.Getpid() && !processAlive(info.PID) {
		s.logger.Warn("Removing lock file from dead process", "lock", s.lockPath, "pid", info.PID)
		s.removeLock()
	}
}

func (s *Store) release() {
	s.removeLock()
}

func (s *Store) removeLock() {
	if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Failed to remove lock file", "lock", s.lockPath, "error", err)
	}
}
