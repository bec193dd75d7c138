// Package config resolves rtup settings.
//
// Values are layered with viper, lowest precedence first: built-in defaults
// (XDG directories, Flatpak and Snap aware), the rtup.lua file evaluated in a
// sandboxed gopher-lua VM with a read-only platform table, RTUP_* environment
// variables (plus UMU_RUNTIME_UPDATE and UMU_RUNTIME_INTEGRITY), and
// command-line flags. The resulting Config is validated once and treated as
// read-only afterwards.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZebulonRouseFrantzich/rtup/internal/fetch"
	"github.com/ZebulonRouseFrantzich/rtup/internal/patch"
)

const (
	// AppName names the configuration directory.
	AppName = "rtup"
	// ConfigFileName is the Lua configuration file inside the config directory.
	ConfigFileName = "rtup.lua"

	DefaultCodename = "sniper"
	// DefaultMinFreeBytes is the free space required in the cache before a
	// snapshot is downloaded.
	DefaultMinFreeBytes uint64 = 1 << 30
)

// Codenames lists the runtimes that can be installed.
var Codenames = []string{"soldier", "sniper", "medic", "steamrt5"}

// DefaultTrustedKeys are the SHA-512 fingerprints of the keys allowed to sign
// update packages.
var DefaultTrustedKeys = []string{
	"df269f4c8aac484220b9e33f0cdccf1f9b6b300d7f1a184f2b1439ce4ac4f0875abef0a4612d4c7b116f204078369c35707ebb9c51fd08887ef1c7966dcb030c",
}

// Config holds resolved rtup settings.
type Config struct {
	// Root is the runtime tree.
	Root string `mapstructure:"root"`
	// Cache holds downloads, scratch directories and the journal.
	Cache string `mapstructure:"cache"`
	// Codename selects the runtime.
	Codename string `mapstructure:"codename"`
	// BaseURL is the snapshot server.
	BaseURL string `mapstructure:"base_url"`
	// Updates enables checking for a newer snapshot on setup.
	Updates bool `mapstructure:"updates"`
	// Integrity enables the baseline digest check on setup.
	Integrity bool `mapstructure:"integrity"`
	// Workers bounds per-file concurrency. Zero uses GOMAXPROCS.
	Workers int `mapstructure:"workers"`
	// MmapThreshold is the file size from which checksums use a memory map.
	MmapThreshold int64 `mapstructure:"mmap_threshold"`
	// MinFreeBytes is the free space required in Cache. Zero disables the
	// check.
	MinFreeBytes uint64 `mapstructure:"min_free_bytes"`
	// TrustedKeys are SHA-512 fingerprints of package signing keys.
	TrustedKeys []string `mapstructure:"trusted_keys"`
	// Retries is the number of attempts per download.
	Retries int `mapstructure:"retries"`
}

// Default returns the configuration used when nothing overrides it. Paths
// come from the environment of the calling process.
func Default() (*Config, error) {
	root, err := DefaultRoot()
	if err != nil {
		return nil, err
	}
	cache, err := DefaultCache()
	if err != nil {
		return nil, err
	}
	return &Config{
		Root:          root,
		Cache:         cache,
		Codename:      DefaultCodename,
		BaseURL:       fetch.DefaultBaseURL,
		Updates:       true,
		Integrity:     false,
		Workers:       0,
		MmapThreshold: patch.DefaultMmapThreshold,
		MinFreeBytes:  DefaultMinFreeBytes,
		TrustedKeys:   slices.Clone(DefaultTrustedKeys),
		Retries:       fetch.DefaultRetries,
	}, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !slices.Contains(Codenames, c.Codename) {
		return fmt.Errorf("codename %q is not one of %s", c.Codename, strings.Join(Codenames, ", "))
	}
	if err := validateDir("root", c.Root); err != nil {
		return err
	}
	if err := validateDir("cache", c.Cache); err != nil {
		return err
	}
	if filepath.Clean(c.Root) == filepath.Clean(c.Cache) {
		return fmt.Errorf("root and cache must be different directories")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", c.BaseURL)
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.MmapThreshold <= 0 {
		return fmt.Errorf("mmap_threshold must be positive, got %d", c.MmapThreshold)
	}
	if c.Retries <= 0 {
		return fmt.Errorf("retries must be positive, got %d", c.Retries)
	}

	for _, key := range c.TrustedKeys {
		if b, err := hex.DecodeString(key); err != nil || len(b) != 64 {
			return fmt.Errorf("trusted key %q is not a hex SHA-512 fingerprint", key)
		}
	}
	return nil
}

func validateDir(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%s must be an absolute path, got %q", field, path)
	}
	return nil
}
