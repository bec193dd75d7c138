package patch

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultMmapThreshold is the file size at which checksums switch from
// buffered reads to a memory-mapped view.
const DefaultMmapThreshold int64 = 16 << 10

// ChecksumFile returns the CRC32 (IEEE) of the first size bytes of f,
// independent of the current file offset. Files of at least threshold bytes
// are memory mapped; both paths produce the same value.
func ChecksumFile(f *os.File, size, threshold int64) (uint32, error) {
	if size > 0 && size >= threshold {
		return checksumMmap(f, size)
	}
	return checksumDirect(f, size)
}

func checksumDirect(f *os.File, size int64) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size)); err != nil {
		return 0, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	return h.Sum32(), nil
}

func checksumMmap(f *os.File, size int64) (uint32, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	defer unix.Munmap(data)

	return crc32.ChecksumIEEE(data), nil
}
