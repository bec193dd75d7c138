package patch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

var (
	bzip2Magic = []byte("BZh")
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress writes the decompressed form of data to w and fails unless
// exactly size bytes come out.
func decompress(data []byte, w io.Writer, size uint64) error {
	r, closer, err := newDecoder(data)
	if err != nil {
		return err
	}
	defer closer()

	// Read one byte past the expected size to detect oversized content.
	n, err := io.Copy(w, io.LimitReader(r, int64(size)+1))
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if uint64(n) != size {
		if uint64(n) > size {
			return fmt.Errorf("%w: content exceeds %d bytes", ErrSizeMismatch, size)
		}
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, size, n)
	}
	return nil
}

// newDecoder picks a decompressor from the leading magic bytes.
func newDecoder(data []byte) (io.Reader, func(), error) {
	switch {
	case bytes.HasPrefix(data, bzip2Magic):
		r, err := bzip2.NewReader(bytes.NewReader(data), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create bzip2 reader: %w", err)
		}
		return r, func() { r.Close() }, nil
	case bytes.HasPrefix(data, zstdMagic):
		d, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return d, d.Close, nil
	default:
		return nil, nil, ErrUnknownCodec
	}
}
