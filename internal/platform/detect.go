package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// flatpakInfo exists at the root of every Flatpak sandbox.
const flatpakInfo = "/.flatpak-info"

// RealDetector implements Detector using actual platform detection.
type RealDetector struct {
	getenv func(string) string
	stat   func(string) (os.FileInfo, error)
}

// NewDetector creates a new platform detector.
func NewDetector() Detector {
	return &RealDetector{getenv: os.Getenv, stat: os.Stat}
}

// Detect performs platform detection and returns platform information.
//
// Distribution and kernel lookups are best effort: when gopsutil cannot read
// them the fields stay empty. A cancelled context is always an error.
func (d *RealDetector) Detect(ctx context.Context) (*Info, error) {
	info := &Info{
		OS:      runtime.GOOS,
		ArchRaw: runtime.GOARCH,
	}

	arch, err := normalizeArch(runtime.GOARCH)
	if err != nil {
		return nil, fmt.Errorf("platform detection failed: %w", err)
	}
	info.Arch = arch
	info.Sandbox = d.sandbox()

	if runtime.GOOS != "linux" {
		return info, nil
	}

	platform, family, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		return info, nil
	}
	if platform = normalizePlatform(platform); platform != "" {
		info.Platform = platform
		info.Family = mapFamily(family, platform)
		info.Version = normalizePlatform(version)
	}

	if kernel, err := host.KernelVersionWithContext(ctx); err == nil {
		info.Kernel = kernel
	} else if ctx.Err() != nil {
		return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
	}

	return info, nil
}

func (d *RealDetector) sandbox() string {
	getenv, stat := d.getenv, d.stat
	if getenv == nil {
		getenv = os.Getenv
	}
	if stat == nil {
		stat = os.Stat
	}

	if getenv("FLATPAK_ID") != "" {
		return SandboxFlatpak
	}
	if _, err := stat(flatpakInfo); err == nil {
		return SandboxFlatpak
	}
	if getenv("SNAP") != "" {
		return SandboxSnap
	}
	return SandboxNone
}
