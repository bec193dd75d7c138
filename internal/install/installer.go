// Package install unpacks runtime snapshots and moves them into the live
// tree.
package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ZebulonRouseFrantzich/rtup/internal/digest"
	"github.com/ZebulonRouseFrantzich/rtup/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rtup/internal/patch"
)

const (
	// EntryPoint is the launcher name shipped inside a snapshot.
	EntryPoint = "_v2-entry-point"
	// Launcher is the name EntryPoint is installed under.
	Launcher = "umu"
	// VarDir holds mutable runtime state and is dropped on every install.
	VarDir = "var"
)

// Config holds configuration for the installer
type Config struct {
	// Root is the live runtime tree.
	Root string
	// Cache holds scratch directories. It must share a filesystem with Root.
	Cache string
	// Codename selects the runtime, e.g. "sniper".
	Codename string
	// SourceDir is the archive's top-level directory (default:
	// SteamLinuxRuntime_<codename>).
	SourceDir string
	// Workers bounds concurrent moves. Zero uses GOMAXPROCS.
	Workers int
	// Policy is the extraction filter (default: PolicyData).
	Policy Policy
	// Validator runs before the baseline is written (default: PressureVessel).
	Validator Validator
	// Digest configures the baseline digest.
	Digest digest.Options
	Logger *slog.Logger
}

// Report describes a completed install.
type Report struct {
	// Entries are the top-level names moved into the root, sorted.
	Entries []string
	// Validated is false when the validator rejected the tree.
	Validated bool
	// Digest is the baseline written, empty when validation failed.
	Digest string
}

// Installed reports whether name was one of the entries moved into the root.
func (r *Report) Installed(name string) bool {
	i := sort.SearchStrings(r.Entries, name)
	return i < len(r.Entries) && r.Entries[i] == name
}

// Installer replaces the contents of a runtime tree with a snapshot.
type Installer struct {
	root      string
	cache     string
	codename  string
	sourceDir string
	workers   int
	validator Validator
	digest    digest.Options
	extractor *Extractor
	logger    *slog.Logger
}

// New creates a new installer
func New(cfg Config) (*Installer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("Root is required")
	}
	if cfg.Cache == "" {
		return nil, fmt.Errorf("Cache is required")
	}
	if cfg.Codename == "" {
		return nil, fmt.Errorf("Codename is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	sourceDir := cfg.SourceDir
	if sourceDir == "" {
		sourceDir = fetch.RuntimeName(cfg.Codename)
	}
	validator := cfg.Validator
	if validator == nil {
		validator = PressureVessel{}
	}
	digestOpts := cfg.Digest
	if digestOpts.Logger == nil {
		digestOpts.Logger = logger
	}

	return &Installer{
		root:      cfg.Root,
		cache:     cfg.Cache,
		codename:  cfg.Codename,
		sourceDir: sourceDir,
		workers:   cfg.Workers,
		validator: validator,
		digest:    digestOpts,
		extractor: NewExtractor(cfg.Policy, logger),
		logger:    logger,
	}, nil
}

// Install extracts archivePath into a scratch directory under the cache and
// moves its top-level entries into the root, replacing entries of the same
// name. The launcher is renamed to umu. If the validator accepts the tree its
// baseline digest is written; a rejected tree is kept without a baseline.
func (i *Installer) Install(ctx context.Context, archivePath string) (*Report, error) {
	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	if err := os.MkdirAll(i.cache, 0o755); err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	if err := SameFilesystem(i.cache, i.root); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(i.cache, "extract-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	i.logger.Info("extracting runtime", "archive", filepath.Base(archivePath), "codename", i.codename)
	if err := i.extractor.Extract(archivePath, scratch); err != nil {
		return nil, fmt.Errorf("extract runtime: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := filepath.Join(scratch, i.sourceDir)
	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, fmt.Errorf("read runtime source: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("runtime archive %s has no entries under %s", filepath.Base(archivePath), i.sourceDir)
	}

	if err := os.RemoveAll(filepath.Join(i.root, VarDir)); err != nil {
		return nil, fmt.Errorf("remove %s: %w", VarDir, err)
	}

	names := make([]string, 0, len(entries))
	pool := patch.NewPool(ctx, i.workers)
	for _, e := range entries {
		name := e.Name()
		pool.Submit(func(context.Context) error {
			return move(filepath.Join(source, name), filepath.Join(i.root, name))
		})
		if name == EntryPoint {
			name = Launcher
		}
		names = append(names, name)
	}
	if err := pool.Close(); err != nil {
		return nil, fmt.Errorf("move runtime into place: %w", err)
	}
	sort.Strings(names)

	if err := os.Rename(filepath.Join(i.root, EntryPoint), filepath.Join(i.root, Launcher)); err != nil {
		return nil, fmt.Errorf("install launcher: %w", err)
	}
	i.logger.Debug("runtime moved into place", "root", i.root, "entries", len(names))

	report := &Report{Entries: names}
	if err := i.validator.Validate(ctx, i.root, i.codename); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		i.logger.Warn("steamrt validation failed, skipping metadata checksum", "root", i.root, "error", err)
		return report, nil
	}
	report.Validated = true

	sum, err := digest.Compute(ctx, i.root, i.digest)
	if err != nil {
		return nil, fmt.Errorf("compute baseline digest: %w", err)
	}
	if err := digest.WriteBaseline(i.root, sum); err != nil {
		return nil, err
	}
	report.Digest = sum
	i.logger.Info("runtime installed", "root", i.root, "digest", sum)
	return report, nil
}

// move renames src to dst, removing a directory already at dst.
func move(src, dst string) error {
	info, err := os.Lstat(dst)
	switch {
	case err == nil && info.IsDir():
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("remove %s: %w", dst, err)
		}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	return nil
}

// SameFilesystem returns an error unless a and b are on the same device.
func SameFilesystem(a, b string) error {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return fmt.Errorf("stat %s: %w", a, err)
	}
	if err := unix.Stat(b, &sb); err != nil {
		return fmt.Errorf("stat %s: %w", b, err)
	}
	if sa.Dev != sb.Dev {
		return fmt.Errorf("%s and %s are on different filesystems", a, b)
	}
	return nil
}
