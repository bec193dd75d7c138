package transaction

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const (
	// LockFile is the name of the lock file inside the tree root.
	LockFile = "umu.lock"

	// DefaultPollInterval is how often a waiting process retries the lock.
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrLockExists is returned by TryAcquireLock when another process holds
// the lock.
var ErrLockExists = errors.New("tree lock held by another process")

// Lock is an exclusive advisory lock on a tree root. The kernel releases it
// when the holding process exits, so a crashed holder never leaves a stale
// lock behind.
type Lock struct {
	path   string
	file   *os.File
	logger *slog.Logger
}

// LockOption configures AcquireLock.
type LockOption func(*lockOptions)

type lockOptions struct {
	logger   *slog.Logger
	interval time.Duration
}

// WithLockLogger sets the logger used while waiting.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(o *lockOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPollInterval sets how often the lock is retried.
func WithPollInterval(d time.Duration) LockOption {
	return func(o *lockOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// AcquireLock takes the exclusive lock on dir/umu.lock, creating dir if
// needed. It blocks until the lock is free or ctx is done. While waiting it
// logs the holder's PID once.
func AcquireLock(ctx context.Context, dir string, opts ...LockOption) (*Lock, error) {
	o := lockOptions{
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := openLockFile(dir)
	if err != nil {
		return nil, err
	}

	reported := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
		}

		if !reported {
			reportHolder(ctx, f, o.logger)
			reported = true
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(o.interval):
		}
	}

	return finishLock(f, o.logger)
}

// TryAcquireLock takes the lock without waiting. It returns ErrLockExists if
// another process holds it.
func TryAcquireLock(dir string) (*Lock, error) {
	f, err := openLockFile(dir)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLockExists
		}
		return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return finishLock(f, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func openLockFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := filepath.Join(dir, LockFile)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	return f, nil
}

// finishLock records the holder's PID and timestamp in the locked file.
func finishLock(f *os.File, logger *slog.Logger) (*Lock, error) {
	lockData := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(lockData), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write lock data: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	logger.Debug("acquired tree lock", "path", f.Name())
	return &Lock{path: f.Name(), file: f, logger: logger}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is left in place
// since other processes may already have it open. Release is idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.logger.Debug("flock unlock failed", "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// reportHolder logs who holds the lock, as far as the lock file says.
func reportHolder(ctx context.Context, f *os.File, logger *slog.Logger) {
	pid, ok := holderPID(f)
	if !ok {
		logger.Info("waiting for tree lock", "path", f.Name())
		return
	}

	alive, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		logger.Info("waiting for tree lock", "path", f.Name(), "pid", pid)
		return
	}
	logger.Info("waiting for tree lock", "path", f.Name(), "pid", pid, "alive", alive)
}

// holderPID parses the pid= line written by finishLock.
func holderPID(f *os.File) (int32, bool) {
	buf := make([]byte, 256)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf[:n]))
	for scanner.Scan() {
		value, found := strings.CutPrefix(scanner.Text(), "pid=")
		if !found {
			continue
		}
		pid, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(pid), true
	}
	return 0, false
}
