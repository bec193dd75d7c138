package install

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Policy selects how much of a tar member's metadata is trusted.
type Policy int

const (
	// PolicyData refuses members that would land outside the destination,
	// skips special files and strips privileged mode bits.
	PolicyData Policy = iota
	// PolicyNone extracts members as recorded in the archive.
	PolicyNone
)

func (p Policy) String() string {
	switch p {
	case PolicyData:
		return "data"
	case PolicyNone:
		return "none"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ErrUnsafeMember is returned when a member is refused by PolicyData.
var ErrUnsafeMember = errors.New("unsafe archive member")

// ErrUnknownFormat is returned for archive names with no known extension.
var ErrUnknownFormat = errors.New("unknown archive format")

// Extractor unpacks runtime archives.
type Extractor struct {
	policy Policy
	logger *slog.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(policy Policy, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = discardLogger()
	}
	if policy == PolicyNone {
		logger.Warn("archive extraction filter disabled, members are trusted as-is")
	}
	return &Extractor{policy: policy, logger: logger}
}

// Extract unpacks archivePath into destDir. The compression format is taken
// from the file name: .tar.xz, .tar.gz (.tgz), .tar.zst or .tar.
func (e *Extractor) Extract(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	r, closeReader, err := decompressor(archivePath, archiveFile)
	if err != nil {
		return err
	}
	defer closeReader()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	return e.extractTar(tar.NewReader(r), destDir)
}

func decompressor(name string, r io.Reader) (io.Reader, func(), error) {
	nop := func() {}
	switch {
	case strings.HasSuffix(name, ".tar.xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("create xz reader: %w", err)
		}
		return xr, nop, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gr, func() { gr.Close() }, nil
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(name, ".tar"):
		return r, nop, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(name))
	}
}

type dirTime struct {
	path  string
	mode  fs.FileMode
	mtime time.Time
}

func (e *Extractor) extractTar(tr *tar.Reader, destDir string) error {
	dest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve dest dir: %w", err)
	}
	// Link checks compare against the resolved destination.
	if resolved, err := filepath.EvalSymlinks(dest); err == nil {
		dest = resolved
	}

	var dirs []dirTime
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := e.target(dest, header.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := e.mkdirParent(dest, target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			dirs = append(dirs, dirTime{path: target, mode: e.dirMode(header.Mode), mtime: header.ModTime})

		case tar.TypeReg:
			if err := e.mkdirParent(dest, target); err != nil {
				return err
			}
			if err := e.writeFile(target, header, tr); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := e.checkLink(dest, filepath.Dir(target), header); err != nil {
				return err
			}
			if err := e.mkdirParent(dest, target); err != nil {
				return err
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}

		case tar.TypeLink:
			linkTarget, err := e.target(dest, header.Linkname)
			if err != nil {
				return err
			}
			if err := e.mkdirParent(dest, target); err != nil {
				return err
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("create hard link %s: %w", target, err)
			}

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			e.logger.Warn("skipping special file in archive", "name", header.Name, "type", string(header.Typeflag))

		default:
			e.logger.Debug("skipping archive member", "name", header.Name, "type", string(header.Typeflag))
		}
	}

	// Children are written before their parents' modes and times are restored.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].path) > len(dirs[j].path) })
	for _, d := range dirs {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("chmod directory %s: %w", d.path, err)
		}
		if err := os.Chtimes(d.path, time.Time{}, d.mtime); err != nil {
			return fmt.Errorf("set directory time %s: %w", d.path, err)
		}
	}
	return nil
}

// target maps a member name onto dest.
func (e *Extractor) target(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		if e.policy == PolicyData {
			return "", fmt.Errorf("%w: absolute path %s", ErrUnsafeMember, name)
		}
		name = strings.TrimLeft(name, "/")
	}
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: illegal file path %s", ErrUnsafeMember, name)
	}
	return target, nil
}

// mkdirParent creates target's parent and, under PolicyData, refuses it when
// an already extracted symlink redirects it outside dest.
func (e *Extractor) mkdirParent(dest, target string) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	if e.policy != PolicyData {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return fmt.Errorf("resolve parent dir for %s: %w", target, err)
	}
	if resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s escapes the destination through a link", ErrUnsafeMember, target)
	}
	return nil
}

func (e *Extractor) checkLink(dest, dir string, header *tar.Header) error {
	if e.policy != PolicyData {
		return nil
	}
	if filepath.IsAbs(header.Linkname) {
		return fmt.Errorf("%w: %s links to absolute path %s", ErrUnsafeMember, header.Name, header.Linkname)
	}
	resolved := filepath.Join(dir, header.Linkname)
	if resolved != dest && !strings.HasPrefix(resolved, dest+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s links outside the destination", ErrUnsafeMember, header.Name)
	}
	return nil
}

func (e *Extractor) writeFile(target string, header *tar.Header, r io.Reader) error {
	// Never write through a link left by an earlier member.
	if err := removeExisting(target); err != nil {
		return err
	}

	mode := e.fileMode(header.Mode)
	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	// The umask applies to OpenFile.
	if err := outFile.Chmod(mode); err != nil {
		outFile.Close()
		return fmt.Errorf("chmod file %s: %w", target, err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	if err := os.Chtimes(target, time.Time{}, header.ModTime); err != nil {
		return fmt.Errorf("set file time %s: %w", target, err)
	}
	return nil
}

func (e *Extractor) fileMode(m int64) fs.FileMode {
	if e.policy != PolicyData {
		return unixMode(m)
	}
	mode := fs.FileMode(m) & 0o755
	if mode&0o100 == 0 {
		mode &^= 0o111
	}
	return mode | 0o600
}

func (e *Extractor) dirMode(m int64) fs.FileMode {
	if e.policy != PolicyData {
		return unixMode(m)
	}
	return 0o755
}

// unixMode converts tar permission bits, including setuid, setgid and sticky,
// to an fs.FileMode.
func unixMode(m int64) fs.FileMode {
	mode := fs.FileMode(m) & fs.ModePerm
	if m&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s already exists as a directory", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
