package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ZebulonRouseFrantzich/rtup/internal/platform"
)

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// ConfigFile is an explicit rtup.lua path. It must exist. When empty,
	// $RTUP_CONFIG and then the default location are tried, and a missing
	// file is not an error.
	ConfigFile string
	// Flags holds command-line flags registered with RegisterFlags. Only
	// flags the user set override other sources.
	Flags *pflag.FlagSet
	// Detector feeds the platform table. Nil uses platform.NewDetector().
	Detector platform.Detector
}

// flagNames maps viper keys to command-line flag names.
var flagNames = map[string]string{
	keyRoot:          "root",
	keyCache:         "cache",
	keyCodename:      "codename",
	keyBaseURL:       "base-url",
	keyUpdates:       "updates",
	keyIntegrity:     "integrity",
	keyWorkers:       "workers",
	keyMmapThreshold: "mmap-threshold",
	keyMinFreeBytes:  "min-free-bytes",
	keyTrustedKeys:   "trusted-key",
	keyRetries:       "retries",
}

// RegisterFlags adds the configuration flags to fs. Their defaults are only
// shown in help; Load ignores flags that were not set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to rtup.lua")
	fs.String(flagNames[keyRoot], "", "runtime tree directory")
	fs.String(flagNames[keyCache], "", "cache directory, on the same filesystem as the root")
	fs.String(flagNames[keyCodename], DefaultCodename, "runtime codename ("+strings.Join(Codenames, ", ")+")")
	fs.String(flagNames[keyBaseURL], "", "snapshot server URL")
	fs.Bool(flagNames[keyUpdates], true, "check for a newer snapshot during setup")
	fs.Bool(flagNames[keyIntegrity], false, "verify the tree against its baseline digest during setup")
	fs.Int(flagNames[keyWorkers], 0, "concurrent file operations (0 uses all CPUs)")
	fs.Int64(flagNames[keyMmapThreshold], 0, "file size from which checksums use mmap")
	fs.Uint64(flagNames[keyMinFreeBytes], DefaultMinFreeBytes, "free bytes required in the cache before downloading")
	fs.StringSlice(flagNames[keyTrustedKeys], nil, "SHA-512 fingerprint of a trusted package key (repeatable)")
	fs.Int(flagNames[keyRetries], 0, "download attempts")
}

// Load resolves the configuration from defaults, rtup.lua, the environment
// and flags, then validates it.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	defaults, err := Default()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault(keyRoot, defaults.Root)
	v.SetDefault(keyCache, defaults.Cache)
	v.SetDefault(keyCodename, defaults.Codename)
	v.SetDefault(keyBaseURL, defaults.BaseURL)
	v.SetDefault(keyUpdates, defaults.Updates)
	v.SetDefault(keyIntegrity, defaults.Integrity)
	v.SetDefault(keyWorkers, defaults.Workers)
	v.SetDefault(keyMmapThreshold, defaults.MmapThreshold)
	v.SetDefault(keyMinFreeBytes, defaults.MinFreeBytes)
	v.SetDefault(keyTrustedKeys, defaults.TrustedKeys)
	v.SetDefault(keyRetries, defaults.Retries)

	path, err := configPath(opts)
	if err != nil {
		return nil, err
	}
	if path != "" {
		detector := opts.Detector
		if detector == nil {
			detector = platform.NewDetector()
		}
		values, err := NewParser(detector).ParseFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
	}

	for key, names := range envNames {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind environment for %s: %w", key, err)
		}
	}

	if opts.Flags != nil {
		for key, name := range flagNames {
			flag := opts.Flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Root, err = expandHome(cfg.Root); err != nil {
		return nil, err
	}
	if cfg.Cache, err = expandHome(cfg.Cache); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// configPath returns the rtup.lua to load, or "" when there is none.
func configPath(opts LoadOptions) (string, error) {
	explicit := opts.ConfigFile
	if explicit == "" && opts.Flags != nil {
		if f := opts.Flags.Lookup("config"); f != nil && f.Changed {
			explicit = f.Value.String()
		}
	}
	if explicit == "" {
		explicit = os.Getenv("RTUP_CONFIG")
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %w", err)
		}
		return explicit, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("stat config file: %w", err)
	}
	return path, nil
}
