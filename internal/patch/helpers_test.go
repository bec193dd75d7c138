package patch

import (
	"bytes"
	"context"
	"hash/crc32"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

const testTime = 1700000000.25

func bz2(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zst(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func fileEntry(name string, mode uint32, content, payload []byte) Entry {
	return Entry{
		ManifestEntry: ManifestEntry{
			Name:  name,
			Mode:  mode,
			Cksum: crc32.ChecksumIEEE(content),
			Size:  uint64(len(content)),
			Time:  testTime,
		},
		Type: FileTypeFile,
		Data: payload,
	}
}

func dirEntry(name string, mode uint32) Entry {
	return Entry{
		ManifestEntry: ManifestEntry{Name: name, Mode: mode, Time: testTime},
		Type:          FileTypeDir,
	}
}

func newTestPatcher(t *testing.T, pkg *UpdatePackage, root string) *Patcher {
	t.Helper()
	p, err := NewPatcher(pkg, root, t.TempDir(), NewPool(context.Background(), 4))
	require.NoError(t, err)
	return p
}
