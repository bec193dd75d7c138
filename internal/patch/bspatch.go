package patch

import (
	"fmt"
	"os"

	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"golang.org/x/sys/unix"
)

// patchInPlace applies a BSDIFF40 patch to the open file f, replacing its
// contents with the result. It returns the new file length. The file is
// synced before returning so a following checksum reads durable data.
func patchInPlace(f *os.File, diff []byte) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}

	target, err := patchMapped(f, fi.Size(), diff)
	if err != nil {
		return 0, err
	}

	if _, err := f.WriteAt(target, 0); err != nil {
		return 0, fmt.Errorf("write %s: %w", f.Name(), err)
	}
	if err := f.Truncate(int64(len(target))); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return int64(len(target)), nil
}

// patchMapped runs bspatch against a read-only mapping of the original file.
// The mapping is released before the caller writes the result back.
func patchMapped(f *os.File, size int64, diff []byte) ([]byte, error) {
	var old []byte
	if size > 0 {
		mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
		}
		defer unix.Munmap(mapped)
		old = mapped
	}

	target, err := bspatch.Bytes(old, diff)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s: %w", f.Name(), err)
	}
	return target, nil
}
