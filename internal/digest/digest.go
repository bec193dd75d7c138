// Package digest computes a metadata fingerprint of a runtime tree and keeps
// a persisted baseline of it for later integrity checks.
//
// The fingerprint covers file metadata only (times, mode, size, ownership),
// never contents, so it is cheap enough to run before every launch.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// BaselineFile is the name of the persisted digest inside the tree root.
const BaselineFile = "umu.hashsum"

// recordSize is the fixed length of the metadata record hashed per file.
const recordSize = 2048

// DefaultIgnore lists the top-level names excluded from the digest: lock
// files, reference markers, the mutable var directory and the baseline
// itself (including its temporary siblings). Like the launcher's own
// exclusion list, var is matched as a name suffix.
var DefaultIgnore = []string{"*.lock", "*.ref", "*var", BaselineFile + "*"}

// Options controls a digest computation.
type Options struct {
	// Ignore holds glob patterns matched against top-level names.
	// Nil means DefaultIgnore.
	Ignore []string

	// Workers bounds concurrent stat calls. Zero or less uses GOMAXPROCS.
	Workers int

	Logger *slog.Logger
}

func (o Options) ignore() []string {
	if o.Ignore == nil {
		return DefaultIgnore
	}
	return o.Ignore
}

func (o Options) ignored(name string) bool {
	for _, pattern := range o.ignore() {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Compute returns the lowercase hex SHA-256 digest of root.
//
// Top-level regular files are included, and so are the regular files directly
// inside each top-level directory. Symlinks, special files and anything
// deeper are not. Each file contributes the SHA-256 of its metadata record;
// those are folded in lexicographic path order so the result does not
// depend on scheduling.
func Compute(ctx context.Context, root string, opts Options) (string, error) {
	files, err := collect(root, opts)
	if err != nil {
		return "", err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	sums := make([][sha256.Size]byte, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := record(filepath.Join(root, rel))
			if err != nil {
				return err
			}
			sums[i] = sha256.Sum256(rec[:])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("digest %s: %w", root, err)
	}

	h := sha256.New()
	for _, sum := range sums {
		h.Write(sum[:])
	}

	if opts.Logger != nil {
		opts.Logger.Debug("computed tree digest", "root", root, "files", len(files))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// collect returns the in-scope files of root as sorted relative paths.
func collect(root string, opts Options) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if opts.ignored(name) {
			continue
		}

		switch {
		case entry.Type().IsRegular():
			files = append(files, name)
		case entry.IsDir():
			children, err := os.ReadDir(filepath.Join(root, name))
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", filepath.Join(root, name), err)
			}
			for _, child := range children {
				if child.Type().IsRegular() {
					files = append(files, filepath.Join(name, child.Name()))
				}
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

// record encodes the metadata of path as a little-endian
// {mtime_ns, mode, size, uid, gid, ctime_ns} record padded to recordSize.
func record(path string) ([recordSize]byte, error) {
	var rec [recordSize]byte

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return rec, fmt.Errorf("stat %s: %w", path, err)
	}

	binary.LittleEndian.PutUint64(rec[0:], uint64(st.Mtim.Nano()))
	binary.LittleEndian.PutUint32(rec[8:], uint32(st.Mode))
	binary.LittleEndian.PutUint64(rec[12:], uint64(st.Size))
	binary.LittleEndian.PutUint32(rec[20:], st.Uid)
	binary.LittleEndian.PutUint32(rec[24:], st.Gid)
	binary.LittleEndian.PutUint64(rec[28:], uint64(st.Ctim.Nano()))
	return rec, nil
}
