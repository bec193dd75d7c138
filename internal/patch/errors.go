package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch is returned when a written or patched file does not
	// hash to the CRC32 recorded in its entry.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSizeMismatch is returned when decompressed content is not exactly the
	// size recorded in its entry.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrUntrustedKey is returned when a package is signed by a key that is not
	// in the trusted set.
	ErrUntrustedKey = errors.New("untrusted public key")

	// ErrBadSignature is returned when a package signature does not verify.
	ErrBadSignature = errors.New("bad signature")

	// ErrInvalidPackage is returned when a package fails structural validation.
	ErrInvalidPackage = errors.New("invalid update package")

	// ErrUnknownCodec is returned when entry content is not in a supported
	// compression format.
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrPoolClosed is returned for work submitted after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// ChecksumError reports a CRC32 mismatch for a file in the tree.
type ChecksumError struct {
	Path     string
	Expected uint32
	Got      uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %d, got %d", e.Path, e.Expected, e.Got)
}

// Unwrap allows errors.Is(err, ErrChecksumMismatch).
func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}
