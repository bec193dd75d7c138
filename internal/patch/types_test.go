package patch

import (
	"errors"
	"testing"
	"time"
)

func TestFileTypeValid(t *testing.T) {
	for _, ft := range []FileType{FileTypeFile, FileTypeBlock, FileTypeChar, FileTypeDir, FileTypeFifo, FileTypeLink, FileTypeSocket} {
		if !ft.Valid() {
			t.Errorf("%q should be valid", ft)
		}
	}
	if FileType("hardlink").Valid() {
		t.Error("hardlink should not be valid")
	}
}

func TestManifestEntryModTime(t *testing.T) {
	m := ManifestEntry{Time: 1700000000.5}
	want := time.Unix(1700000000, 500000000)
	if !m.ModTime().Equal(want) {
		t.Errorf("ModTime() = %v, want %v", m.ModTime(), want)
	}
}

func TestUpdatePackageValidate(t *testing.T) {
	file := func(name string) Entry {
		return Entry{ManifestEntry: ManifestEntry{Name: name}, Type: FileTypeFile}
	}

	tests := []struct {
		name    string
		pkg     UpdatePackage
		wantErr bool
	}{
		{
			name: "valid",
			pkg: UpdatePackage{
				Add:    []Entry{file("bin/x")},
				Update: []Entry{file("lib/y.so")},
				Delete: []Entry{file("old")},
			},
		},
		{
			name:    "duplicate across lists",
			pkg:     UpdatePackage{Add: []Entry{file("a")}, Delete: []Entry{file("a")}},
			wantErr: true,
		},
		{
			name:    "duplicate within list",
			pkg:     UpdatePackage{Update: []Entry{file("a"), file("a")}},
			wantErr: true,
		},
		{
			name:    "absolute name",
			pkg:     UpdatePackage{Add: []Entry{file("/etc/passwd")}},
			wantErr: true,
		},
		{
			name:    "escaping name",
			pkg:     UpdatePackage{Add: []Entry{file("../outside")}},
			wantErr: true,
		},
		{
			name:    "unclean name",
			pkg:     UpdatePackage{Add: []Entry{file("bin//x")}},
			wantErr: true,
		},
		{
			name: "unknown type",
			pkg:  UpdatePackage{Add: []Entry{{ManifestEntry: ManifestEntry{Name: "x"}, Type: "hardlink"}}},
		},
		{
			name:    "bad manifest name",
			pkg:     UpdatePackage{Manifest: []ManifestEntry{{Name: ".."}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pkg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPackage) {
				t.Errorf("error %v should wrap ErrInvalidPackage", err)
			}
		})
	}
}
