// Package platform describes the host a runtime tree is installed on.
//
// It detects the architecture, Linux distribution, kernel and application
// sandbox (Flatpak or Snap), exposes them to rtup.lua as a read-only
// platform table, and builds the User-Agent sent to the snapshot server.
// Detection uses gopsutil and degrades to OS and architecture only when the
// distribution cannot be read.
package platform

import (
	"context"
	"fmt"
	"strings"
)

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, SteamOS 2, Pop!_OS
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky Linux, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora, Bazzite, Nobara
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch Linux, SteamOS 3, Manjaro
	FamilyAlpine  = "alpine"  // Alpine Linux
	FamilyGentoo  = "gentoo"  // Gentoo
	FamilyUnknown = "unknown" // Unrecognized distributions
)

// Sandbox kinds. They decide where the runtime tree lives by default.
const (
	SandboxNone    = ""
	SandboxFlatpak = "flatpak"
	SandboxSnap    = "snap"
)

// Info contains platform detection information.
type Info struct {
	OS       string // "linux"
	Arch     string // "amd64", "arm64" (normalized)
	ArchRaw  string // original GOARCH
	Platform string // distro ID, e.g. "steamos", "ubuntu"
	Family   string // canonical family, e.g. "arch"
	Version  string // distro version, e.g. "3.6"
	Kernel   string // kernel release, e.g. "6.1.52-valve16-1-neptune"
	Sandbox  string // SandboxNone, SandboxFlatpak or SandboxSnap
}

// Distro contains Linux distribution information.
type Distro struct {
	ID      string
	Family  string
	Version string
}

// GetDistro returns distro information, or nil when it was not detected.
func (i *Info) GetDistro() *Distro {
	if i.OS != "linux" || i.Platform == "" {
		return nil
	}
	return &Distro{
		ID:      i.Platform,
		Family:  i.Family,
		Version: i.Version,
	}
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == "linux"
}

// IsAMD64 returns true if the architecture is amd64.
func (i *Info) IsAMD64() bool {
	return i.Arch == "amd64"
}

// IsFlatpak returns true inside a Flatpak sandbox.
func (i *Info) IsFlatpak() bool {
	return i.Sandbox == SandboxFlatpak
}

// IsSnap returns true inside a Snap.
func (i *Info) IsSnap() bool {
	return i.Sandbox == SandboxSnap
}

// Supported reports whether Steam Runtime snapshots can run on this host.
// They are published for x86_64 Linux only.
func (i *Info) Supported() bool {
	return i.IsLinux() && i.IsAMD64()
}

// UserAgent returns the User-Agent header for product at version, e.g.
// "rtup/1.2.0 (linux; amd64; steamos 3.6; flatpak)".
func (i *Info) UserAgent(product, version string) string {
	parts := []string{i.OS, i.Arch}
	if d := i.GetDistro(); d != nil {
		parts = append(parts, strings.TrimSpace(d.ID+" "+d.Version))
	}
	if i.Sandbox != SandboxNone {
		parts = append(parts, i.Sandbox)
	}
	return fmt.Sprintf("%s/%s (%s)", product, version, strings.Join(parts, "; "))
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}
