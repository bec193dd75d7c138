// Package updater keeps a runtime tree installed, current and intact.
//
// Setup is the entry point run before every launch: it installs a missing
// tree, restores one that fails its integrity check or was left half
// written, and replaces an outdated one with the latest snapshot. Apply
// patches the tree in place from a signed update package. Every mutation
// holds the tree lock and is recorded in the journal.
package updater

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ZebulonRouseFrantzich/rtup/internal/config"
	"github.com/ZebulonRouseFrantzich/rtup/internal/digest"
	"github.com/ZebulonRouseFrantzich/rtup/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rtup/internal/install"
	"github.com/ZebulonRouseFrantzich/rtup/internal/patch"
	"github.com/ZebulonRouseFrantzich/rtup/internal/transaction"
)

// VersionsFile is the version manifest inside the tree.
const VersionsFile = "VERSIONS.txt"

var (
	// ErrInsufficientSpace is returned when the cache has less free space
	// than the configured minimum.
	ErrInsufficientSpace = errors.New("insufficient free space")

	// ErrVerifyFailed is returned by Apply when the patched tree does not
	// match the package manifest.
	ErrVerifyFailed = errors.New("tree does not match manifest")
)

// Option configures an Updater.
type Option func(*Updater)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithClient replaces the snapshot client built from the configuration.
func WithClient(client *fetch.Client) Option {
	return func(u *Updater) {
		u.client = client
	}
}

// WithUserAgent sets the User-Agent of the default snapshot client.
func WithUserAgent(ua string) Option {
	return func(u *Updater) {
		u.userAgent = ua
	}
}

// WithValidator replaces the pv-verify check run after each install.
func WithValidator(v install.Validator) Option {
	return func(u *Updater) {
		u.validator = v
	}
}

// WithLockOptions passes options to every tree lock acquisition.
func WithLockOptions(opts ...transaction.LockOption) Option {
	return func(u *Updater) {
		u.lockOpts = append(u.lockOpts, opts...)
	}
}

// WithClock sets the clock used for journal timestamps.
func WithClock(c transaction.Clock) Option {
	return func(u *Updater) { u.clock = c }
}

// Updater manages the runtime tree described by a Config.
type Updater struct {
	cfg       *config.Config
	client    *fetch.Client
	userAgent string
	validator install.Validator
	lockOpts  []transaction.LockOption
	clock     transaction.Clock
	logger    *slog.Logger
}

// New creates an Updater for cfg, which must already be valid.
func New(cfg *config.Config, opts ...Option) (*Updater, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	u := &Updater{
		cfg:       cfg,
		userAgent: fetch.DefaultUserAgent,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client == nil {
		u.client = fetch.NewClient(
			fetch.WithBaseURL(cfg.BaseURL),
			fetch.WithRetries(cfg.Retries),
			fetch.WithUserAgent(u.userAgent),
			fetch.WithLogger(u.logger),
		)
	}
	u.lockOpts = append([]transaction.LockOption{transaction.WithLockLogger(u.logger)}, u.lockOpts...)
	return u, nil
}

func (u *Updater) digestOptions() digest.Options {
	return digest.Options{Workers: u.cfg.Workers, Logger: u.logger}
}

func (u *Updater) launcherPath() string {
	return filepath.Join(u.cfg.Root, install.Launcher)
}

// Setup brings the tree up to date:
//
//   - a missing or empty tree is installed;
//   - a tree whose last journaled operation never finished is restored;
//   - with updates disabled nothing else happens;
//   - with integrity enabled, a tree without a baseline digest or whose
//     digest changed is restored;
//   - otherwise the tree is replaced when the remote version manifest
//     differs from the local one.
//
// Network failures are errors only when there is no tree to fall back on.
func (u *Updater) Setup(ctx context.Context) error {
	empty, err := u.isEmpty()
	if err != nil {
		return err
	}
	if empty {
		u.logger.Info("new install detected", "root", u.cfg.Root)
		return u.freshInstall(ctx)
	}

	journal, err := transaction.LoadJournal(u.cfg.Cache)
	switch {
	case err == nil && journal.Interrupted():
		u.logger.Warn("previous operation was interrupted, restoring runtime",
			"operation", journal.Operation, "id", journal.ID, "started", journal.Timestamp)
		return u.restore(ctx, func() (bool, error) {
			j, err := transaction.LoadJournal(u.cfg.Cache)
			return err == nil && j.Interrupted(), nil
		})
	case err != nil && !errors.Is(err, transaction.ErrNoJournal):
		u.logger.Warn("ignoring unreadable journal", "error", err)
	}

	if !u.cfg.Updates {
		u.logger.Debug("runtime updates disabled")
		return nil
	}

	if u.cfg.Integrity {
		corrupt, err := u.corrupted(ctx)
		if err != nil {
			return err
		}
		if corrupt {
			return u.restore(ctx, func() (bool, error) { return u.corrupted(ctx) })
		}
	}

	return u.update(ctx)
}

// Verify checks the tree against its baseline digest without taking the
// lock. It returns digest.ErrNoBaseline or a *digest.MismatchError when the
// tree is not intact.
func (u *Updater) Verify(ctx context.Context) error {
	return digest.Check(ctx, u.cfg.Root, u.digestOptions())
}

// Digest computes the tree digest without taking the lock.
func (u *Updater) Digest(ctx context.Context) (string, error) {
	return digest.Compute(ctx, u.cfg.Root, u.digestOptions())
}

// Apply verifies signed against the trusted keys and applies it to the tree:
// deletions, then additions, then updates, then a check of every manifest
// entry. On success the baseline digest is rewritten.
func (u *Updater) Apply(ctx context.Context, signed *patch.SignedPackage) (patch.Results, error) {
	pkg, err := patch.NewVerifier(u.cfg.TrustedKeys).Open(signed)
	if err != nil {
		return patch.Results{}, fmt.Errorf("open update package: %w", err)
	}
	if err := os.MkdirAll(u.cfg.Cache, 0o755); err != nil {
		return patch.Results{}, fmt.Errorf("create cache: %w", err)
	}

	lock, err := transaction.AcquireLock(ctx, u.cfg.Root, u.lockOpts...)
	if err != nil {
		return patch.Results{}, fmt.Errorf("acquire tree lock: %w", err)
	}
	defer lock.Release()

	var results patch.Results
	err = u.journaled(transaction.OperationApply, func() error {
		pool := patch.NewPool(ctx, u.cfg.Workers)
		p, err := patch.NewPatcher(pkg, u.cfg.Root, u.cfg.Cache, pool,
			patch.WithLogger(u.logger),
			patch.WithMmapThreshold(u.cfg.MmapThreshold),
		)
		if err != nil {
			return err
		}

		phases := []struct {
			name string
			run  func()
		}{
			{"delete", p.Delete},
			{"add", p.Add},
			{"update", p.Update},
			{"verify", p.Verify},
		}
		for _, phase := range phases {
			phase.run()
			if results, err = p.Wait(); err != nil {
				return fmt.Errorf("%s: %w", phase.name, err)
			}
		}
		if !results.Match() {
			return fmt.Errorf("%w: %s", ErrVerifyFailed, strings.Join(results.Mismatched, ", "))
		}

		sum, err := digest.Compute(ctx, u.cfg.Root, u.digestOptions())
		if err != nil {
			return fmt.Errorf("compute baseline digest: %w", err)
		}
		return digest.WriteBaseline(u.cfg.Root, sum)
	})
	if err != nil {
		return results, err
	}
	u.logger.Info("update package applied",
		"added", len(pkg.Add), "updated", len(pkg.Update), "deleted", len(pkg.Delete))
	return results, nil
}

// isEmpty reports whether the root is missing or holds nothing but lock
// files.
func (u *Updater) isEmpty() (bool, error) {
	entries, err := os.ReadDir(u.cfg.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read root: %w", err)
	}
	for _, e := range entries {
		if !isLockFile(e.Name()) {
			return false, nil
		}
	}
	return true, nil
}

func isLockFile(name string) bool {
	return strings.HasSuffix(name, ".lock")
}

func (u *Updater) freshInstall(ctx context.Context) error {
	lock, err := transaction.AcquireLock(ctx, u.cfg.Root, u.lockOpts...)
	if err != nil {
		return fmt.Errorf("acquire tree lock: %w", err)
	}
	defer lock.Release()

	// Another process may have installed while we waited.
	if isFile(u.launcherPath()) {
		u.logger.Info("runtime was installed by another process")
		return nil
	}

	archive, err := u.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	return u.journaled(transaction.OperationInstall, func() error {
		_, err := u.installArchive(ctx, archive)
		return err
	})
}

// corrupted reports whether the tree fails its integrity check.
func (u *Updater) corrupted(ctx context.Context) (bool, error) {
	err := digest.Check(ctx, u.cfg.Root, u.digestOptions())
	var mismatch *digest.MismatchError
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, digest.ErrNoBaseline):
		u.logger.Warn("runtime baseline digest is missing", "file", filepath.Join(u.cfg.Root, digest.BaselineFile))
		return true, nil
	case errors.As(err, &mismatch):
		u.logger.Warn("runtime is corrupt", "expected", mismatch.Expected, "got", mismatch.Got)
		return true, nil
	default:
		return false, fmt.Errorf("check runtime integrity: %w", err)
	}
}

// restore wipes the tree except for lock files and reinstalls it. stillNeeded
// is consulted once the lock is held so that a tree repaired by another
// process is left alone.
func (u *Updater) restore(ctx context.Context, stillNeeded func() (bool, error)) error {
	lock, err := transaction.AcquireLock(ctx, u.cfg.Root, u.lockOpts...)
	if err != nil {
		return fmt.Errorf("acquire tree lock: %w", err)
	}
	defer lock.Release()

	needed, err := stillNeeded()
	if err != nil {
		return err
	}
	if !needed {
		u.logger.Info("runtime was restored by another process")
		return nil
	}

	u.logger.Info("restoring runtime", "root", u.cfg.Root)
	archive, err := u.download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	return u.journaled(transaction.OperationRestore, func() error {
		if err := u.wipe(ctx); err != nil {
			return err
		}
		_, err := u.installArchive(ctx, archive)
		return err
	})
}

// wipe removes every entry of the root except lock files.
func (u *Updater) wipe(ctx context.Context) error {
	entries, err := os.ReadDir(u.cfg.Root)
	if err != nil {
		return fmt.Errorf("read root: %w", err)
	}
	pool := patch.NewPool(ctx, u.cfg.Workers)
	for _, e := range entries {
		if isLockFile(e.Name()) {
			continue
		}
		path := filepath.Join(u.cfg.Root, e.Name())
		pool.Submit(func(context.Context) error {
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			return nil
		})
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("wipe root: %w", err)
	}
	return nil
}

func (u *Updater) update(ctx context.Context) error {
	codename := u.cfg.Codename
	remote, err := u.client.FetchVersions(ctx, codename)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		u.logger.Warn("could not check for runtime updates, keeping installed runtime", "error", err)
		return nil
	}
	remoteSum := sha256.Sum256(remote)

	current, err := u.versionsMatch(remoteSum)
	if err != nil {
		return err
	}
	if current {
		u.logger.Info("steamrt is up to date", "codename", codename)
		return nil
	}

	// The runtime being replaced, if the tree has one.
	previous, err := install.LatestRuntime(u.cfg.Root, codename)
	if err != nil && !errors.Is(err, install.ErrRuntimeNotFound) {
		return err
	}

	lock, err := transaction.AcquireLock(ctx, u.cfg.Root, u.lockOpts...)
	if err != nil {
		return fmt.Errorf("acquire tree lock: %w", err)
	}
	defer lock.Release()

	// Another process may have updated while we waited.
	if current, err = u.versionsMatch(remoteSum); err != nil {
		return err
	} else if current {
		u.logger.Info("steamrt was updated by another process")
		return nil
	}

	u.logger.Info("updating steamrt to latest", "codename", codename)
	archive, err := u.download(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrInsufficientSpace) {
			return err
		}
		u.logger.Warn("could not download runtime update, keeping installed runtime", "error", err)
		return nil
	}
	defer os.Remove(archive)

	return u.journaled(transaction.OperationUpdate, func() error {
		report, err := u.installArchive(ctx, archive)
		if err != nil {
			return err
		}
		if previous == "" || report.Installed(filepath.Base(previous)) {
			return nil
		}
		u.logger.Debug("removing superseded runtime", "path", previous)
		if err := os.RemoveAll(previous); err != nil {
			return fmt.Errorf("remove superseded runtime: %w", err)
		}
		return nil
	})
}

// versionsMatch reports whether the local version manifest hashes to sum. A
// missing manifest never matches.
func (u *Updater) versionsMatch(sum [sha256.Size]byte) (bool, error) {
	local, err := os.ReadFile(filepath.Join(u.cfg.Root, VersionsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read local versions: %w", err)
	}
	localSum := sha256.Sum256(local)
	return bytes.Equal(localSum[:], sum[:]), nil
}

// download fetches the verified snapshot archive into the cache.
func (u *Updater) download(ctx context.Context) (string, error) {
	if err := os.MkdirAll(u.cfg.Cache, 0o755); err != nil {
		return "", fmt.Errorf("create cache: %w", err)
	}
	if err := u.checkFreeSpace(ctx); err != nil {
		return "", err
	}
	return u.client.Download(ctx, u.cfg.Codename, u.cfg.Cache)
}

// installArchive installs a downloaded snapshot. The caller holds the lock.
func (u *Updater) installArchive(ctx context.Context, archive string) (*install.Report, error) {
	inst, err := install.New(install.Config{
		Root:      u.cfg.Root,
		Cache:     u.cfg.Cache,
		Codename:  u.cfg.Codename,
		Workers:   u.cfg.Workers,
		Validator: u.validator,
		Digest:    u.digestOptions(),
		Logger:    u.logger,
	})
	if err != nil {
		return nil, err
	}
	return inst.Install(ctx, archive)
}

func (u *Updater) checkFreeSpace(ctx context.Context) error {
	if u.cfg.MinFreeBytes == 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, u.cfg.Cache)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	if usage.Free < u.cfg.MinFreeBytes {
		return fmt.Errorf("%w in %s: %d bytes free, %d required",
			ErrInsufficientSpace, u.cfg.Cache, usage.Free, u.cfg.MinFreeBytes)
	}
	return nil
}

// journaled records op in the journal around fn.
func (u *Updater) journaled(op transaction.Operation, fn func() error) error {
	j := transaction.NewJournal(op, u.cfg.Codename, transaction.WithClock(u.clock))
	if err := j.Begin(u.cfg.Cache); err != nil {
		return fmt.Errorf("begin journal: %w", err)
	}

	opErr := fn()
	if err := j.Finish(u.cfg.Cache, opErr); err != nil {
		if opErr != nil {
			return opErr
		}
		return fmt.Errorf("finish journal: %w", err)
	}
	return opErr
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
