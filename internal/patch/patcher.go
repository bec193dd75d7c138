package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Option configures a Patcher.
type Option func(*Patcher)

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Patcher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMmapThreshold sets the size at which checksums use a memory map.
func WithMmapThreshold(n int64) Option {
	return func(p *Patcher) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// Results holds the outcome of Verify.
type Results struct {
	Verified   []ManifestEntry
	Mismatched []string
}

// Match reports whether every verified manifest entry matched.
func (r Results) Match() bool {
	return len(r.Mismatched) == 0
}

type dirTime struct {
	path  string
	mtime time.Time
}

// Patcher applies one UpdatePackage to a tree. Operations schedule their
// file work on the pool and return; call Wait to collect the outcome.
type Patcher struct {
	pkg       *UpdatePackage
	root      string
	cache     string
	pool      *Pool
	logger    *slog.Logger
	threshold int64

	mu       sync.Mutex
	results  Results
	dirTimes []dirTime
}

// NewPatcher creates a Patcher for pkg rooted at root. Temporary files are
// created in cache, which must be on the same filesystem as root so they can
// be renamed into place.
func NewPatcher(pkg *UpdatePackage, root, cache string, pool *Pool, opts ...Option) (*Patcher, error) {
	if pkg == nil {
		return nil, fmt.Errorf("%w: nil package", ErrInvalidPackage)
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}

	var rootStat, cacheStat unix.Stat_t
	if err := unix.Stat(root, &rootStat); err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if err := unix.Stat(cache, &cacheStat); err != nil {
		return nil, fmt.Errorf("stat cache %s: %w", cache, err)
	}
	if rootStat.Dev != cacheStat.Dev {
		return nil, fmt.Errorf("cache %s and root %s are on different filesystems", cache, root)
	}

	p := &Patcher{
		pkg:       pkg,
		root:      root,
		cache:     cache,
		pool:      pool,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		threshold: DefaultMmapThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Patcher) path(name string) string {
	return filepath.Join(p.root, filepath.FromSlash(name))
}

// fail records an error from work done on the calling goroutine so that
// Wait reports it alongside pool errors.
func (p *Patcher) fail(err error) {
	if err != nil {
		p.pool.Submit(func(context.Context) error { return err })
	}
}

func (p *Patcher) skip(op string, e Entry) {
	if !e.Type.Valid() {
		p.logger.Warn("skipping entry of unknown type", "op", op, "name", e.Name, "type", e.Type)
		return
	}
	p.logger.Warn("skipping unsupported entry", "op", op, "name", e.Name, "type", e.Type)
}

// Add creates the package's new directories and links, then schedules each
// new file to be decompressed, verified and renamed into place. Directories
// and links are created on the calling goroutine, parents first, so files
// scheduled afterwards always find their parent.
func (p *Patcher) Add() {
	for _, e := range byKind(p.pkg.Add, FileTypeDir) {
		p.fail(p.setDir(p.path(e.Name), e, true))
	}
	for _, e := range byKind(p.pkg.Add, FileTypeLink) {
		p.fail(p.setLink(p.path(e.Name), e, false))
	}
	for _, e := range p.pkg.Add {
		target := p.path(e.Name)
		switch e.Type {
		case FileTypeFile:
			p.pool.Submit(func(ctx context.Context) error {
				return p.addFile(ctx, target, e)
			})
		case FileTypeDir, FileTypeLink:
		case FileTypeBlock, FileTypeChar, FileTypeFifo, FileTypeSocket:
			p.skip("add", e)
		default:
			p.skip("add", e)
		}
	}
}

// Update schedules binary patches for files. Directories and links are
// refreshed in place on the calling goroutine.
func (p *Patcher) Update() {
	for _, e := range p.pkg.Update {
		target := p.path(e.Name)
		switch e.Type {
		case FileTypeFile:
			p.pool.Submit(func(ctx context.Context) error {
				return p.updateFile(ctx, target, e)
			})
		case FileTypeDir:
			p.fail(p.setDir(target, e, false))
		case FileTypeLink:
			p.fail(p.setLink(target, e, true))
		case FileTypeBlock, FileTypeChar, FileTypeFifo, FileTypeSocket:
			p.skip("update", e)
		default:
			p.skip("update", e)
		}
	}
}

// Delete removes files and links directly and schedules directory trees for
// removal. Entries that are already gone are ignored.
func (p *Patcher) Delete() {
	for _, e := range p.pkg.Delete {
		target := p.path(e.Name)
		switch e.Type {
		case FileTypeFile, FileTypeLink:
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				p.fail(fmt.Errorf("remove %s: %w", target, err))
			}
		case FileTypeDir:
			p.pool.Submit(func(context.Context) error {
				if err := os.RemoveAll(target); err != nil {
					return fmt.Errorf("remove directory %s: %w", target, err)
				}
				return nil
			})
		case FileTypeBlock, FileTypeChar, FileTypeFifo, FileTypeSocket:
			p.skip("delete", e)
		default:
			p.skip("delete", e)
		}
	}
}

// Verify schedules a check of every manifest entry against the tree,
// replacing the results of any earlier Verify.
func (p *Patcher) Verify() {
	p.mu.Lock()
	p.results = Results{}
	p.mu.Unlock()

	for _, m := range p.pkg.Manifest {
		p.pool.Submit(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := p.matches(p.path(m.Name), m)
			if err != nil {
				return err
			}

			p.mu.Lock()
			defer p.mu.Unlock()
			if ok {
				p.results.Verified = append(p.results.Verified, m)
			} else {
				p.results.Mismatched = append(p.results.Mismatched, m.Name)
			}
			return nil
		})
	}
}

// Wait blocks until all scheduled work has finished. It returns the
// verification results and the first error reported by any operation.
func (p *Patcher) Wait() (Results, error) {
	err := p.pool.Wait()

	// Directory times are applied last since adding entries changes them.
	p.mu.Lock()
	dirs := p.dirTimes
	p.dirTimes = nil
	p.mu.Unlock()
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].path > dirs[j].path })
	for _, d := range dirs {
		if terr := setModTime(d.path, d.mtime, false); terr != nil && err == nil {
			err = terr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	res := Results{
		Verified:   slices.Clone(p.results.Verified),
		Mismatched: slices.Clone(p.results.Mismatched),
	}
	sort.Slice(res.Verified, func(i, j int) bool { return res.Verified[i].Name < res.Verified[j].Name })
	sort.Strings(res.Mismatched)
	return res, err
}

// addFile decompresses e into a temporary file in the cache, checks it, and
// renames it over target. A failed add never leaves a partial target.
func (p *Patcher) addFile(ctx context.Context, target string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(p.cache, ".rtup-add-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanupNeeded := true
	defer func() {
		tmp.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Truncate(int64(e.Size)); err != nil {
		return fmt.Errorf("size temp file for %s: %w", target, err)
	}
	if err := decompress(e.Data, tmp, e.Size); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}

	cksum, err := ChecksumFile(tmp, int64(e.Size), p.threshold)
	if err != nil {
		return err
	}
	if cksum != e.Cksum {
		p.logger.Error("checksum mismatch", "path", target, "expected", e.Cksum, "got", cksum)
		return &ChecksumError{Path: target, Expected: e.Cksum, Got: cksum}
	}

	if err := unix.Fchmod(int(tmp.Fd()), e.Mode&0o7777); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := setModTime(tmpPath, e.ModTime(), false); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}

	cleanupNeeded = false
	p.logger.Debug("added file", "path", target, "size", e.Size)
	return nil
}

// updateFile patches target in place. The file is made owner-writable for
// the duration; if anything fails afterwards it is left that way and the
// caller is told so.
func (p *Patcher) updateFile(ctx context.Context, target string, e Entry) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := unix.Chmod(target, 0o700); err != nil {
		return fmt.Errorf("make %s writable: %w", target, err)
	}
	defer func() {
		if err != nil {
			p.logger.Error("binary patch failed", "path", target, "error", err)
			p.logger.Warn(fmt.Sprintf("File '%s' has mode bits 0o700", target))
		}
	}()

	f, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("patch %s: %w", target, err)
	}

	size, err := patchInPlace(f, e.Data)
	if err != nil {
		return err
	}

	cksum, err := ChecksumFile(f, size, p.threshold)
	if err != nil {
		return err
	}
	if cksum != e.Cksum {
		p.logger.Error("checksum mismatch", "path", target, "expected", e.Cksum, "got", cksum)
		return &ChecksumError{Path: target, Expected: e.Cksum, Got: cksum}
	}

	if err := unix.Fchmod(int(f.Fd()), e.Mode&0o7777); err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := setModTime(target, e.ModTime(), false); err != nil {
		return err
	}

	p.logger.Debug("patched file", "path", target, "size", size)
	return nil
}

// setDir applies mode to a directory, creating it when create is set. Its
// modification time is recorded and applied by Wait.
func (p *Patcher) setDir(target string, e Entry, create bool) error {
	if create {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", target, err)
		}
	}
	if err := unix.Chmod(target, e.Mode&0o7777); err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}

	p.mu.Lock()
	p.dirTimes = append(p.dirTimes, dirTime{path: target, mtime: e.ModTime()})
	p.mu.Unlock()
	return nil
}

// setLink creates a symlink to e.Data, replacing an existing one if replace
// is set.
func (p *Patcher) setLink(target string, e Entry, replace bool) error {
	if replace {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove link %s: %w", target, err)
		}
	}
	if err := os.Symlink(string(e.Data), target); err != nil {
		return fmt.Errorf("create link %s: %w", target, err)
	}
	return setModTime(target, e.ModTime(), true)
}

// matches reports whether the file at target has the size, mode, mtime and
// checksum recorded in m. Symlinks are followed. A missing or non-regular
// file does not match.
func (p *Patcher) matches(target string, m ManifestEntry) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(target, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			p.logger.Debug("file missing", "path", target)
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", target, err)
	}
	if uint32(st.Mode)&unix.S_IFMT != unix.S_IFREG {
		p.logger.Debug("not a regular file", "path", target)
		return false, nil
	}

	if uint64(st.Size) != m.Size {
		p.logger.Debug("size differs", "path", target, "expected", m.Size, "got", st.Size)
		return false, nil
	}
	if !modeMatches(uint32(st.Mode), m.Mode) {
		p.logger.Debug("mode differs", "path", target, "expected", fmt.Sprintf("%o", m.Mode), "got", fmt.Sprintf("%o", st.Mode))
		return false, nil
	}
	if mtime := time.Unix(st.Mtim.Unix()); !mtime.Equal(m.ModTime()) {
		p.logger.Debug("mtime differs", "path", target, "expected", m.ModTime(), "got", mtime)
		return false, nil
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open %s: %w", target, err)
	}
	defer f.Close()

	cksum, err := ChecksumFile(f, st.Size, p.threshold)
	if err != nil {
		return false, err
	}
	if cksum != m.Cksum {
		p.logger.Debug("checksum differs", "path", target, "expected", m.Cksum, "got", cksum)
		return false, nil
	}
	return true, nil
}

// byKind returns the entries of type t, parents before children.
func byKind(entries []Entry, t FileType) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
