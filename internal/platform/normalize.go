package platform

import (
	"fmt"
	"strings"
)

// familyMap maps distribution IDs and ID_LIKE values to canonical families.
// Gaming-focused derivatives are listed explicitly since many of them do not
// set ID_LIKE.
var familyMap = map[string]string{
	"debian":      FamilyDebian,
	"ubuntu":      FamilyDebian,
	"pop":         FamilyDebian,
	"linuxmint":   FamilyDebian,
	"zorin":       FamilyDebian,
	"rhel":        FamilyRHEL,
	"centos":      FamilyRHEL,
	"rocky":       FamilyRHEL,
	"almalinux":   FamilyRHEL,
	"fedora":      FamilyFedora,
	"bazzite":     FamilyFedora,
	"nobara":      FamilyFedora,
	"suse":        FamilySUSE,
	"opensuse":    FamilySUSE,
	"arch":        FamilyArch,
	"steamos":     FamilyArch,
	"holo":        FamilyArch,
	"chimeraos":   FamilyArch,
	"manjaro":     FamilyArch,
	"endeavouros": FamilyArch,
	"cachyos":     FamilyArch,
	"garuda":      FamilyArch,
	"alpine":      FamilyAlpine,
	"gentoo":      FamilyGentoo,
}

// normalizeArch converts GOARCH or uname machine names to the names the
// runtime images are published for.
func normalizeArch(arch string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "amd64", "x86_64", "x86-64":
		return "amd64", nil
	case "arm64", "aarch64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// normalizePlatform converts platform IDs to lowercase for consistency.
func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

// mapFamily returns the canonical family for a reported family, falling back
// to the distribution ID when the family is empty or unrecognized. A
// space-separated ID_LIKE list is matched word by word.
func mapFamily(family, platform string) string {
	for _, candidate := range append(strings.Fields(strings.ToLower(family)), normalizePlatform(platform)) {
		if canonical, ok := familyMap[candidate]; ok {
			return canonical
		}
	}
	return FamilyUnknown
}
