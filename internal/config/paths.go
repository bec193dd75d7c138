package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// treeName is the directory the runtime tree is installed under, shared with
// umu-launcher.
const treeName = "umu"

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return home, nil
}

// DataHome returns the base directory for installed data. Inside a Flatpak
// the host's data directory is preferred so the tree outlives the sandbox;
// inside a Snap the real home directory is used.
func DataHome() (string, error) {
	switch {
	case os.Getenv("container") == "flatpak":
		if dir := os.Getenv("HOST_XDG_DATA_HOME"); dir != "" {
			return dir, nil
		}
	case os.Getenv("SNAP") != "":
		if dir := os.Getenv("SNAP_REAL_HOME"); dir != "" {
			return dir, nil
		}
	default:
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir, nil
		}
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share"), nil
}

// CacheHome returns $XDG_CACHE_HOME or ~/.cache.
func CacheHome() (string, error) {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache"), nil
}

// ConfigDir returns the directory holding rtup.lua.
func ConfigDir() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, AppName), nil
}

// DefaultRoot returns the default runtime tree location.
func DefaultRoot() (string, error) {
	data, err := DataHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, treeName), nil
}

// DefaultCache returns the default cache location.
func DefaultCache() (string, error) {
	cache, err := CacheHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(cache, treeName), nil
}

// expandHome replaces a leading "~/" with the home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
