package config

// Lua schema globals and field names. Each field is also a viper key.
const (
	luaGlobalRtup = "rtup"

	keyRoot          = "root"
	keyCache         = "cache"
	keyCodename      = "codename"
	keyBaseURL       = "base_url"
	keyUpdates       = "updates"
	keyIntegrity     = "integrity"
	keyWorkers       = "workers"
	keyMmapThreshold = "mmap_threshold"
	keyMinFreeBytes  = "min_free_bytes"
	keyTrustedKeys   = "trusted_keys"
	keyRetries       = "retries"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindInt
	kindUint
	kindStrings
)

func (k fieldKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindInt:
		return "integer"
	case kindUint:
		return "non-negative integer"
	case kindStrings:
		return "list of strings"
	default:
		return "unknown"
	}
}

// schema maps every accepted rtup.lua field to its kind.
var schema = map[string]fieldKind{
	keyRoot:          kindString,
	keyCache:         kindString,
	keyCodename:      kindString,
	keyBaseURL:       kindString,
	keyUpdates:       kindBool,
	keyIntegrity:     kindBool,
	keyWorkers:       kindInt,
	keyMmapThreshold: kindInt,
	keyMinFreeBytes:  kindUint,
	keyTrustedKeys:   kindStrings,
	keyRetries:       kindInt,
}

// envNames lists the environment variables bound to each key, highest
// precedence first.
var envNames = map[string][]string{
	keyRoot:          {"RTUP_ROOT"},
	keyCache:         {"RTUP_CACHE"},
	keyCodename:      {"RTUP_CODENAME"},
	keyBaseURL:       {"RTUP_BASE_URL"},
	keyUpdates:       {"RTUP_UPDATES", "UMU_RUNTIME_UPDATE"},
	keyIntegrity:     {"RTUP_INTEGRITY", "UMU_RUNTIME_INTEGRITY"},
	keyWorkers:       {"RTUP_WORKERS"},
	keyMmapThreshold: {"RTUP_MMAP_THRESHOLD"},
	keyMinFreeBytes:  {"RTUP_MIN_FREE_BYTES"},
	keyTrustedKeys:   {"RTUP_TRUSTED_KEYS"},
	keyRetries:       {"RTUP_RETRIES"},
}
