package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrRuntimeNotFound is returned when root holds no versioned runtime
	// directory for the codename.
	ErrRuntimeNotFound = errors.New("runtime directory not found")

	// ErrValidatorMissing is returned when pv-verify is not in the tree.
	ErrValidatorMissing = errors.New("pv-verify not found")
)

// Validator checks an installed tree before its baseline digest is recorded.
type Validator interface {
	Validate(ctx context.Context, root, codename string) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, root, codename string) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, root, codename string) error {
	return f(ctx, root, codename)
}

// PressureVessel validates a tree with its bundled pv-verify tool against the
// newest runtime directory.
type PressureVessel struct{}

// VerifierPath returns the location of pv-verify inside root.
func VerifierPath(root string) string {
	return filepath.Join(root, "pressure-vessel", "bin", "pv-verify")
}

// Validate runs pv-verify --quiet --minimized-runtime <runtime>/files.
func (PressureVessel) Validate(ctx context.Context, root, codename string) error {
	runtime, err := LatestRuntime(root, codename)
	if err != nil {
		return err
	}

	bin := VerifierPath(root)
	info, err := os.Stat(bin)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrValidatorMissing, bin)
	}

	cmd := exec.CommandContext(ctx, bin, "--quiet", "--minimized-runtime", filepath.Join(runtime, "files"))
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("pv-verify %s: %w", runtime, err)
		}
		return fmt.Errorf("pv-verify %s: %w: %s", runtime, err, msg)
	}
	return nil
}

// LatestRuntime returns the lexicographically greatest directory in root
// whose name starts with codename.
func LatestRuntime(root, codename string) (string, error) {
	if codename == "" {
		return "", fmt.Errorf("%w: empty codename", ErrRuntimeNotFound)
	}
	matches, err := filepath.Glob(filepath.Join(root, globEscape(codename)+"*"))
	if err != nil {
		return "", fmt.Errorf("glob runtime directories: %w", err)
	}

	latest := ""
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		if m > latest {
			latest = m
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: %s*", ErrRuntimeNotFound, filepath.Join(root, codename))
	}
	return latest, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
