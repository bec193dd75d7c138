package digest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoBaseline is returned when the tree has no persisted digest.
var ErrNoBaseline = errors.New("no baseline digest")

// MismatchError reports a tree whose digest differs from its baseline.
type MismatchError struct {
	Root     string
	Expected string
	Got      string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.Root, e.Expected, e.Got)
}

// WriteBaseline persists digest as root's baseline. The file is replaced
// atomically.
func WriteBaseline(root, digest string) error {
	tmp, err := os.CreateTemp(root, BaselineFile+".*")
	if err != nil {
		return fmt.Errorf("create temp baseline: %w", err)
	}
	tmpPath := tmp.Name()

	cleanupNeeded := true
	defer func() {
		tmp.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(digest); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod baseline: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync baseline: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close baseline: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(root, BaselineFile)); err != nil {
		return fmt.Errorf("rename baseline: %w", err)
	}
	cleanupNeeded = false
	return nil
}

// ReadBaseline returns the persisted digest of root.
func ReadBaseline(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, BaselineFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoBaseline
		}
		return "", fmt.Errorf("read baseline: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Check recomputes the digest of root and compares it with the baseline.
func Check(ctx context.Context, root string, opts Options) error {
	expected, err := ReadBaseline(root)
	if err != nil {
		return err
	}

	got, err := Compute(ctx, root, opts)
	if err != nil {
		return err
	}
	if got != expected {
		return &MismatchError{Root: root, Expected: expected, Got: got}
	}
	return nil
}
