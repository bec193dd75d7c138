// Package testutil provides utilities for testing rtup in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Env holds the isolated directories created by SetupTestEnv.
type Env struct {
	Config string
	Data   string
	Cache  string
}

// SetupTestEnv creates isolated XDG directories for each test.
// This ensures rtup tests never interfere with:
// - A real runtime installed for the current user
// - The user's rtup.lua
// - Sandbox detection (flatpak, snap) of the host session
//
// The cleanup function is automatically handled by t.TempDir(),
// so callers don't need to manually clean up.
func SetupTestEnv(t *testing.T) Env {
	t.Helper()

	// Create temp directory (auto-cleaned by testing framework)
	tmpDir := t.TempDir()
	env := Env{
		Config: filepath.Join(tmpDir, "config"),
		Data:   filepath.Join(tmpDir, "data"),
		Cache:  filepath.Join(tmpDir, "cache"),
	}

	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", env.Config)
	t.Setenv("XDG_DATA_HOME", env.Data)
	t.Setenv("XDG_CACHE_HOME", env.Cache)

	// Empty values are treated as unset
	for _, key := range []string{
		"container", "FLATPAK_ID", "HOST_XDG_DATA_HOME", "SNAP", "SNAP_REAL_HOME",
		"RTUP_ROOT", "RTUP_CACHE", "RTUP_CODENAME", "RTUP_BASE_URL",
		"RTUP_UPDATES", "RTUP_INTEGRITY", "RTUP_WORKERS", "RTUP_CONFIG",
		"RTUP_MMAP_THRESHOLD", "RTUP_MIN_FREE_BYTES", "RTUP_TRUSTED_KEYS", "RTUP_RETRIES",
		"UMU_RUNTIME_UPDATE", "UMU_RUNTIME_INTEGRITY",
	} {
		t.Setenv(key, "")
	}

	for _, dir := range []string{env.Config, env.Data, env.Cache} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return env
}
