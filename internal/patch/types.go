// Package patch applies signed differential updates to a runtime tree.
//
// An UpdatePackage lists files to add, binary-patch, delete and verify. A
// Patcher schedules that work on a bounded Pool and checks every result
// against the CRC32 recorded in the package before it is considered done.
package patch

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"
)

// FileType is the kind of tree entry, using mtree(1) names on the wire.
type FileType string

const (
	FileTypeFile   FileType = "file"
	FileTypeBlock  FileType = "block"
	FileTypeChar   FileType = "char"
	FileTypeDir    FileType = "dir"
	FileTypeFifo   FileType = "fifo"
	FileTypeLink   FileType = "link"
	FileTypeSocket FileType = "socket"
)

// Valid reports whether t is one of the known entry types.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeFile, FileTypeBlock, FileTypeChar, FileTypeDir, FileTypeFifo, FileTypeLink, FileTypeSocket:
		return true
	default:
		return false
	}
}

// ManifestEntry is the expected state of one existing file.
type ManifestEntry struct {
	Name  string  `json:"name"`
	Mode  uint32  `json:"mode"`
	Cksum uint32  `json:"cksum"`
	Size  uint64  `json:"size"`
	Time  float64 `json:"time"`
}

// ModTime converts the entry's fractional epoch seconds to a time.Time.
// The conversion is deterministic so a time set from an entry compares equal
// to the same entry later.
func (m ManifestEntry) ModTime() time.Time {
	sec, frac := math.Modf(m.Time)
	nsec := math.Round(frac * 1e9)
	return time.Unix(int64(sec), int64(nsec))
}

// Entry is a ManifestEntry with a payload. Data holds compressed content for
// added files, a BSDIFF40 patch for updated files, or the target of a link.
type Entry struct {
	ManifestEntry
	Type FileType `json:"type"`
	Data []byte   `json:"data"`
}

// UpdatePackage describes a set of tree changes.
type UpdatePackage struct {
	Manifest []ManifestEntry `json:"manifest"`
	Add      []Entry         `json:"add"`
	Update   []Entry         `json:"update"`
	Delete   []Entry         `json:"delete"`
}

// Validate checks that every name is a clean relative path and that a path
// is named at most once across add, update and delete.
func (p *UpdatePackage) Validate() error {
	for _, m := range p.Manifest {
		if err := validName(m.Name); err != nil {
			return fmt.Errorf("%w: manifest: %v", ErrInvalidPackage, err)
		}
	}

	seen := make(map[string]string)
	lists := []struct {
		op      string
		entries []Entry
	}{
		{"add", p.Add},
		{"update", p.Update},
		{"delete", p.Delete},
	}
	for _, list := range lists {
		for _, e := range list.entries {
			if err := validName(e.Name); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPackage, list.op, err)
			}
			if prev, ok := seen[e.Name]; ok {
				return fmt.Errorf("%w: %q is listed more than once (%s, %s)", ErrInvalidPackage, e.Name, prev, list.op)
			}
			seen[e.Name] = list.op
		}
	}
	return nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if path.IsAbs(name) {
		return fmt.Errorf("%q is absolute", name)
	}
	clean := path.Clean(name)
	if clean != name || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q is not a clean path inside the tree", name)
	}
	return nil
}

// SignedPackage carries the serialized UpdatePackage together with its
// signature and the public key that made it.
type SignedPackage struct {
	Contents  []byte `json:"contents"`
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"public_key"`
}
