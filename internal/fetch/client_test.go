package fetch

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZebulonRouseFrantzich/rtup/internal/testutil"
)

func newTestClient(srv *testutil.RuntimeServer) *Client {
	return NewClient(
		WithBaseURL(srv.URL),
		WithUserAgent("rtup-test/1.0"),
		WithRetries(2),
		WithBackoff(time.Millisecond),
	)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "SteamLinuxRuntime_sniper", RuntimeName("sniper"))
	assert.Equal(t, "SteamLinuxRuntime_sniper.tar.xz", ArchiveName("sniper"))
	assert.Equal(t, "SteamLinuxRuntime_sniper.VERSIONS.txt", VersionsName("sniper"))
	assert.Equal(t, "/steamrt-images-sniper/snapshots/latest-container-runtime-public-beta", Endpoint("sniper"))
}

func TestDownload(t *testing.T) {
	archive := []byte("pretend this is a tar.xz")
	srv := testutil.NewRuntimeServer(t, "sniper", archive, []byte("v1"))
	c := newTestClient(srv)

	dir := t.TempDir()
	path, err := c.Download(context.Background(), "sniper", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SteamLinuxRuntime_sniper.tar.xz"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, archive, got)
	assert.NoFileExists(t, path+".part")

	for _, ua := range srv.UserAgents() {
		assert.Equal(t, "rtup-test/1.0", ua)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	srv := testutil.NewRuntimeServer(t, "sniper", []byte("archive"), nil)
	srv.SetChecksum(strings.Repeat("ab", 32))
	c := newTestClient(srv)

	dir := t.TempDir()
	_, err := c.Download(context.Background(), "sniper", dir)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	var cerr *ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, strings.Repeat("ab", 32), cerr.Expected)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed download must not leave files behind")
	assert.Equal(t, 1, srv.Hits("SteamLinuxRuntime_sniper.tar.xz"), "mismatch is not retried")
}

func TestFetchChecksum(t *testing.T) {
	archive := []byte("archive")
	srv := testutil.NewRuntimeServer(t, "sniper", archive, nil)

	d, err := newTestClient(srv).FetchChecksum(context.Background(), "sniper")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(archive), d)
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantHits int
	}{
		{name: "not found is permanent", code: http.StatusNotFound, wantHits: 1},
		{name: "forbidden is permanent", code: http.StatusForbidden, wantHits: 1},
		{name: "server error is retried", code: http.StatusBadGateway, wantHits: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewRuntimeServer(t, "sniper", []byte("archive"), []byte("v1"))
			srv.SetStatus("SteamLinuxRuntime_sniper.VERSIONS.txt", tt.code)
			c := newTestClient(srv)

			_, err := c.FetchVersions(context.Background(), "sniper")
			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "got %v", err)
			assert.Equal(t, tt.code, statusErr.StatusCode)
			assert.Equal(t, tt.wantHits, srv.Hits("SteamLinuxRuntime_sniper.VERSIONS.txt"))
		})
	}
}

func TestFetchVersions(t *testing.T) {
	srv := testutil.NewRuntimeServer(t, "steamrt5", []byte("archive"), []byte("steamrt5 0.1\n"))
	got, err := newTestClient(srv).FetchVersions(context.Background(), "steamrt5")
	require.NoError(t, err)
	assert.Equal(t, []byte("steamrt5 0.1\n"), got)
}

func TestContextCancelled(t *testing.T) {
	srv := testutil.NewRuntimeServer(t, "sniper", []byte("archive"), []byte("v1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(srv).FetchVersions(ctx, "sniper")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindChecksum(t *testing.T) {
	sum := strings.Repeat("a1", 32)
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "two spaces", input: sum + "  SteamLinuxRuntime_sniper.tar.xz\n"},
		{name: "binary marker", input: sum + " *SteamLinuxRuntime_sniper.tar.xz\n"},
		{name: "after other entries", input: strings.Repeat("b", 64) + "  other.tar.xz\n" + sum + "  SteamLinuxRuntime_sniper.tar.xz\n"},
		{name: "missing", input: sum + "  other.tar.xz\n", wantErr: ErrAssetNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := findChecksum(strings.NewReader(tt.input), "SteamLinuxRuntime_sniper.tar.xz")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, sum, d.Encoded())
		})
	}

	t.Run("invalid digest", func(t *testing.T) {
		_, err := findChecksum(strings.NewReader("nothex  SteamLinuxRuntime_sniper.tar.xz\n"), "SteamLinuxRuntime_sniper.tar.xz")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrAssetNotFound)
	})
}
