package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RuntimeServer mimics the Steam Runtime image repository for one codename.
type RuntimeServer struct {
	*httptest.Server

	mu       sync.Mutex
	codename string
	archive  []byte
	versions []byte
	checksum string
	status   map[string]int
	hits     map[string]int
	agents   []string
}

// NewRuntimeServer serves archive and versions for codename. The server is
// closed when the test ends.
func NewRuntimeServer(t *testing.T, codename string, archive, versions []byte) *RuntimeServer {
	t.Helper()

	s := &RuntimeServer{
		codename: codename,
		status:   make(map[string]int),
		hits:     make(map[string]int),
	}
	s.SetSnapshot(archive, versions)
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetSnapshot replaces the served archive and version manifest.
func (s *RuntimeServer) SetSnapshot(archive, versions []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256(archive)
	s.archive = archive
	s.versions = versions
	s.checksum = hex.EncodeToString(sum[:])
}

// SetChecksum overrides the digest published in SHA256SUMS.
func (s *RuntimeServer) SetChecksum(hexDigest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checksum = hexDigest
}

// SetStatus makes requests for file answer with code.
func (s *RuntimeServer) SetStatus(file string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[file] = code
}

// Hits returns how many requests were made for file.
func (s *RuntimeServer) Hits(file string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[file]
}

// UserAgents returns the User-Agent headers seen so far.
func (s *RuntimeServer) UserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.agents...)
}

func (s *RuntimeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := fmt.Sprintf("/steamrt-images-%s/snapshots/latest-container-runtime-public-beta/", s.codename)
	file, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.hits[file]++
	s.agents = append(s.agents, r.UserAgent())

	if r.URL.Query().Get("versions") == "" {
		http.Error(w, "missing versions token", http.StatusBadRequest)
		return
	}
	if code, ok := s.status[file]; ok {
		http.Error(w, http.StatusText(code), code)
		return
	}

	archive := "SteamLinuxRuntime_" + s.codename + ".tar.xz"
	switch file {
	case "SHA256SUMS":
		fmt.Fprintf(w, "%s  SteamLinuxRuntime_%s.tar.gz\n", strings.Repeat("0", 64), s.codename)
		fmt.Fprintf(w, "%s *%s\n", s.checksum, archive)
	case archive:
		w.Write(s.archive)
	case "SteamLinuxRuntime_" + s.codename + ".VERSIONS.txt":
		w.Write(s.versions)
	default:
		http.NotFound(w, r)
	}
}
