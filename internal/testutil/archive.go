package testutil

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// TarEntry describes one member of a test archive.
type TarEntry struct {
	Name     string
	Type     byte // tar.TypeReg when zero
	Mode     int64
	Body     string
	Linkname string
	ModTime  time.Time
}

// Tar builds an uncompressed tar stream from entries.
func Tar(t *testing.T, entries []TarEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: e.Type,
			Mode:     e.Mode,
			Linkname: e.Linkname,
			ModTime:  e.ModTime,
			Format:   tar.FormatPAX,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
			if hdr.Typeflag == tar.TypeDir {
				hdr.Mode = 0o755
			}
		}
		if hdr.ModTime.IsZero() {
			hdr.ModTime = time.Unix(1700000000, 0)
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", e.Name, err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("write tar body %s: %v", e.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	return buf.Bytes()
}

// XZ compresses data with xz.
func XZ(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create xz writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close xz writer: %v", err)
	}
	return buf.Bytes()
}

// Gzip compresses data with gzip.
func Gzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return buf.Bytes()
}

// Zstd compresses data with zstd.
func Zstd(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("create zstd encoder: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

// RuntimeEntries returns the members of a minimal runtime snapshot for
// codename. The platform directory is named after version so successive
// snapshots can be told apart. pv-verify exits with status 0.
func RuntimeEntries(codename, version string) []TarEntry {
	top := "SteamLinuxRuntime_" + codename + "/"
	platform := top + codename + "_platform_" + version + "/"
	return []TarEntry{
		{Name: top, Type: tar.TypeDir},
		{Name: top + "_v2-entry-point", Mode: 0o755, Body: "#!/bin/sh\nexec \"$@\"\n"},
		{Name: top + "VERSIONS.txt", Body: codename + " " + version + "\n"},
		{Name: top + "run", Mode: 0o755, Body: "#!/bin/sh\n"},
		{Name: platform, Type: tar.TypeDir},
		{Name: platform + "files/", Type: tar.TypeDir},
		{Name: platform + "files/lib/", Type: tar.TypeDir},
		{Name: platform + "files/lib/libc.so.6", Body: "ELF " + version},
		{Name: platform + "current", Type: tar.TypeSymlink, Linkname: "files"},
		{Name: top + "pressure-vessel/", Type: tar.TypeDir},
		{Name: top + "pressure-vessel/bin/", Type: tar.TypeDir},
		{Name: top + "pressure-vessel/bin/pv-verify", Mode: 0o755, Body: "#!/bin/sh\nexit 0\n"},
		{Name: top + "var/", Type: tar.TypeDir},
	}
}

// RuntimeArchive builds a .tar.xz runtime snapshot for codename.
func RuntimeArchive(t *testing.T, codename, version string) []byte {
	t.Helper()
	return XZ(t, Tar(t, RuntimeEntries(codename, version)))
}
