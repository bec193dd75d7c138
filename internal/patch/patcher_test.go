package patch

import (
	"bytes"
	"context"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatcherAddVerify(t *testing.T) {
	root := t.TempDir()
	content := []byte("AAAA")
	pkg := &UpdatePackage{
		Manifest: []ManifestEntry{{Name: "bin/x", Mode: 0o755, Cksum: crc32.ChecksumIEEE(content), Size: 4, Time: testTime}},
		Add: []Entry{
			fileEntry("bin/x", 0o755, content, bz2(t, content)),
			dirEntry("bin", 0o755),
		},
	}

	p := newTestPatcher(t, pkg, root)
	p.Add()
	_, err := p.Wait()
	require.NoError(t, err)

	target := filepath.Join(root, "bin", "x")
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
	assert.True(t, fi.ModTime().Equal(pkg.Manifest[0].ModTime()))

	dir, err := os.Stat(filepath.Join(root, "bin"))
	require.NoError(t, err)
	assert.True(t, dir.ModTime().Equal(pkg.Add[1].ModTime()), "directory mtime should survive file adds")

	p.Verify()
	res, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, res.Match())
	require.Len(t, res.Verified, 1)
	assert.Equal(t, "bin/x", res.Verified[0].Name)

	t.Run("mtime change breaks match", func(t *testing.T) {
		require.NoError(t, os.Chtimes(target, time.Now(), time.Now()))
		p.Verify()
		res, err := p.Wait()
		require.NoError(t, err)
		assert.False(t, res.Match())
		assert.Contains(t, res.Mismatched, "bin/x")
	})
}

func TestPatcherAddZstd(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 64<<10)
	for i := range content {
		content[i] = byte(i % 251)
	}
	pkg := &UpdatePackage{Add: []Entry{fileEntry("lib.so", 0o644, content, zst(t, content))}}

	p := newTestPatcher(t, pkg, root)
	p.Add()
	_, err := p.Wait()
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "lib.so"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPatcherAddFailureLeavesNoTarget(t *testing.T) {
	tests := []struct {
		name    string
		entry   func(t *testing.T) Entry
		wantErr error
	}{
		{
			name: "checksum mismatch",
			entry: func(t *testing.T) Entry {
				e := fileEntry("x", 0o644, []byte("AAAA"), bz2(t, []byte("AAAA")))
				e.Cksum++
				return e
			},
			wantErr: ErrChecksumMismatch,
		},
		{
			name: "short content",
			entry: func(t *testing.T) Entry {
				e := fileEntry("x", 0o644, []byte("AAAA"), bz2(t, []byte("AAAA")))
				e.Size = 8
				return e
			},
			wantErr: ErrSizeMismatch,
		},
		{
			name: "long content",
			entry: func(t *testing.T) Entry {
				return fileEntry("x", 0o644, []byte("AA"), bz2(t, []byte("AAAA")))
			},
			wantErr: ErrSizeMismatch,
		},
		{
			name: "unknown codec",
			entry: func(t *testing.T) Entry {
				return fileEntry("x", 0o644, []byte("AAAA"), []byte("AAAA"))
			},
			wantErr: ErrUnknownCodec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			cache := t.TempDir()
			pkg := &UpdatePackage{Add: []Entry{tt.entry(t)}}

			p, err := NewPatcher(pkg, root, cache, NewPool(context.Background(), 2))
			require.NoError(t, err)
			p.Add()
			_, err = p.Wait()
			require.ErrorIs(t, err, tt.wantErr)

			assert.NoFileExists(t, filepath.Join(root, "x"))
			leftovers, err := os.ReadDir(cache)
			require.NoError(t, err)
			assert.Empty(t, leftovers, "temp files should be removed")
		})
	}
}

func TestPatcherUpdate(t *testing.T) {
	root := t.TempDir()
	oldContent := make([]byte, 4096)
	for i := range oldContent {
		oldContent[i] = byte(i * 7)
	}
	newContent := bytes.Clone(oldContent)
	for i := 0; i < len(newContent); i += 100 {
		newContent[i]++
	}

	target := filepath.Join(root, "lib.so")
	require.NoError(t, os.WriteFile(target, oldContent, 0o444))

	diff, err := bsdiff.Bytes(oldContent, newContent)
	require.NoError(t, err)

	pkg := &UpdatePackage{
		Manifest: []ManifestEntry{{Name: "lib.so", Mode: 0o444, Cksum: crc32.ChecksumIEEE(newContent), Size: uint64(len(newContent)), Time: testTime}},
		Update:   []Entry{fileEntry("lib.so", 0o444, newContent, diff)},
	}

	p := newTestPatcher(t, pkg, root)
	p.Update()
	_, err = p.Wait()
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, newContent, got)

	p.Verify()
	res, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, res.Match())

	t.Run("reapplying fails", func(t *testing.T) {
		again := newTestPatcher(t, pkg, root)
		again.Update()
		_, err := again.Wait()
		require.ErrorIs(t, err, ErrChecksumMismatch)

		var cerr *ChecksumError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, target, cerr.Path)

		fi, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm(), "failed patch leaves the file owner-writable")
	})
}

func TestPatcherUpdateGrowAndShrink(t *testing.T) {
	for _, tc := range []struct {
		name     string
		old, new []byte
	}{
		{"grow", []byte("short"), []byte("considerably longer content")},
		{"shrink", []byte("considerably longer content"), []byte("short")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			target := filepath.Join(root, "f")
			require.NoError(t, os.WriteFile(target, tc.old, 0o644))

			diff, err := bsdiff.Bytes(tc.old, tc.new)
			require.NoError(t, err)

			p := newTestPatcher(t, &UpdatePackage{Update: []Entry{fileEntry("f", 0o644, tc.new, diff)}}, root)
			p.Update()
			_, err = p.Wait()
			require.NoError(t, err)

			got, err := os.ReadFile(target)
			require.NoError(t, err)
			assert.Equal(t, tc.new, got)
		})
	}
}

func TestPatcherLinks(t *testing.T) {
	root := t.TempDir()
	pkg := &UpdatePackage{
		Add: []Entry{{
			ManifestEntry: ManifestEntry{Name: "current", Time: testTime},
			Type:          FileTypeLink,
			Data:          []byte("sniper_platform_1"),
		}},
	}

	p := newTestPatcher(t, pkg, root)
	p.Add()
	_, err := p.Wait()
	require.NoError(t, err)

	dest, err := os.Readlink(filepath.Join(root, "current"))
	require.NoError(t, err)
	assert.Equal(t, "sniper_platform_1", dest)

	fi, err := os.Lstat(filepath.Join(root, "current"))
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(pkg.Add[0].ModTime()))

	update := &UpdatePackage{
		Update: []Entry{{
			ManifestEntry: ManifestEntry{Name: "current", Time: testTime},
			Type:          FileTypeLink,
			Data:          []byte("sniper_platform_2"),
		}},
	}
	p = newTestPatcher(t, update, root)
	p.Update()
	_, err = p.Wait()
	require.NoError(t, err)

	dest, err = os.Readlink(filepath.Join(root, "current"))
	require.NoError(t, err)
	assert.Equal(t, "sniper_platform_2", dest)
}

func TestPatcherDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("file", filepath.Join(root, "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dir", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "dir", "nested", "f"), []byte("x"), 0o644))

	entry := func(name string, ft FileType) Entry {
		return Entry{ManifestEntry: ManifestEntry{Name: name}, Type: ft}
	}
	pkg := &UpdatePackage{Delete: []Entry{
		entry("file", FileTypeFile),
		entry("link", FileTypeLink),
		entry("dir", FileTypeDir),
		entry("already-gone", FileTypeFile),
	}}

	p := newTestPatcher(t, pkg, root)
	p.Delete()
	_, err := p.Wait()
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPatcherSkipsUnsupportedTypes(t *testing.T) {
	root := t.TempDir()
	special := func(name string, ft FileType) Entry {
		return Entry{ManifestEntry: ManifestEntry{Name: name, Mode: 0o644}, Type: ft, Data: []byte("x")}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "sock"), []byte("keep"), 0o644))

	pkg := &UpdatePackage{
		Add:    []Entry{special("fifo", FileTypeFifo), special("blk", FileTypeBlock)},
		Update: []Entry{special("chr", FileTypeChar)},
		Delete: []Entry{special("sock", FileTypeSocket)},
	}

	p := newTestPatcher(t, pkg, root)
	p.Add()
	p.Update()
	p.Delete()
	_, err := p.Wait()
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sock", entries[0].Name())
}

func TestPatcherSkipsUnknownTypes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), []byte("keep"), 0o644))

	entry := func(name string) string {
		return `{"name":"` + name + `","mode":420,"cksum":0,"size":4,"time":0,"type":"whiteout","data":"AAAA"}`
	}
	data := `{"add":[` + entry("new") + `],"update":[` + entry("x") + `],"delete":[` + entry("x.old") + `]}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "x.old"), []byte("old"), 0o644))

	pkg, err := DecodePackage([]byte(data))
	require.NoError(t, err)

	var logs bytes.Buffer
	p, err := NewPatcher(pkg, root, t.TempDir(), NewPool(context.Background(), 2),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	p.Add()
	p.Update()
	p.Delete()
	_, err = p.Wait()
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"x", "x.old"}, names)

	got, err := os.ReadFile(filepath.Join(root, "x"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
	assert.Contains(t, logs.String(), "skipping entry of unknown type")
}

// cancelAfter is a context whose Err starts reporting context.Canceled after
// n calls, so cancellation can land at a fixed point inside a task.
type cancelAfter struct {
	context.Context
	mu sync.Mutex
	n  int
}

func (c *cancelAfter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestPatcherUpdateInterrupted(t *testing.T) {
	root := t.TempDir()
	old := []byte("original contents")
	target := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(target, old, 0o644))

	newContent := []byte("patched contents")
	diff, err := bsdiff.Bytes(old, newContent)
	require.NoError(t, err)
	pkg := &UpdatePackage{Update: []Entry{fileEntry("f", 0o644, newContent, diff)}}

	// The first check passes, so the file is made writable before the
	// cancellation is seen.
	ctx := &cancelAfter{Context: context.Background(), n: 1}
	var logs bytes.Buffer
	p, err := NewPatcher(pkg, root, t.TempDir(), NewPool(ctx, 1),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	p.Update()
	_, err = p.Wait()
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, logs.String(), "has mode bits 0o700")

	fi, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, old, got, "cancelled before the patch was applied")
}

func TestPatcherVerifyFollowsSymlink(t *testing.T) {
	root := t.TempDir()
	content := []byte("linked")
	realPath := filepath.Join(root, "real")
	require.NoError(t, os.WriteFile(realPath, content, 0o644))
	m := ManifestEntry{Name: "lnk", Mode: 0o644, Cksum: crc32.ChecksumIEEE(content), Size: uint64(len(content)), Time: testTime}
	require.NoError(t, os.Chtimes(realPath, m.ModTime(), m.ModTime()))
	require.NoError(t, os.Symlink("real", filepath.Join(root, "lnk")))
	require.NoError(t, os.Symlink("gone", filepath.Join(root, "dangling")))

	pkg := &UpdatePackage{Manifest: []ManifestEntry{m, {Name: "dangling", Mode: 0o644, Size: 1, Time: testTime}}}
	p := newTestPatcher(t, pkg, root)
	p.Verify()
	res, err := p.Wait()
	require.NoError(t, err)
	require.Len(t, res.Verified, 1)
	assert.Equal(t, "lnk", res.Verified[0].Name)
	assert.Equal(t, []string{"dangling"}, res.Mismatched)
}

func TestPatcherVerifyMissing(t *testing.T) {
	root := t.TempDir()
	pkg := &UpdatePackage{Manifest: []ManifestEntry{{Name: "nope", Mode: 0o644, Size: 1, Time: testTime}}}

	p := newTestPatcher(t, pkg, root)
	p.Verify()
	res, err := p.Wait()
	require.NoError(t, err)
	assert.False(t, res.Match())
	assert.Equal(t, []string{"nope"}, res.Mismatched)
	assert.Empty(t, res.Verified)
}

func TestPatcherVerifyMmapThreshold(t *testing.T) {
	for _, size := range []int{16383, 16384} {
		root := t.TempDir()
		content := make([]byte, size)
		for i := range content {
			content[i] = byte(i)
		}
		target := filepath.Join(root, "f")
		require.NoError(t, os.WriteFile(target, content, 0o644))
		m := ManifestEntry{Name: "f", Mode: 0o644, Cksum: crc32.ChecksumIEEE(content), Size: uint64(size), Time: testTime}
		require.NoError(t, os.Chtimes(target, m.ModTime(), m.ModTime()))

		p := newTestPatcher(t, &UpdatePackage{Manifest: []ManifestEntry{m}}, root)
		p.Verify()
		res, err := p.Wait()
		require.NoError(t, err)
		assert.True(t, res.Match(), "size %d", size)
	}
}

func TestNewPatcherRejectsInvalidPackage(t *testing.T) {
	pkg := &UpdatePackage{Add: []Entry{{ManifestEntry: ManifestEntry{Name: "../x"}, Type: FileTypeFile}}}
	_, err := NewPatcher(pkg, t.TempDir(), t.TempDir(), NewPool(context.Background(), 1))
	assert.ErrorIs(t, err, ErrInvalidPackage)
}
