package platform

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"
)

func TestRealDetector_Detect(t *testing.T) {
	info, err := NewDetector().Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if info.OS != runtime.GOOS {
		t.Errorf("OS = %v, want %v", info.OS, runtime.GOOS)
	}
	if info.Arch != "amd64" && info.Arch != "arm64" {
		t.Errorf("Arch = %v, want amd64 or arm64", info.Arch)
	}
	if info.ArchRaw != runtime.GOARCH {
		t.Errorf("ArchRaw = %v, want %v", info.ArchRaw, runtime.GOARCH)
	}
	// Family is at least "unknown" once a distro was read.
	if info.Platform != "" && info.Family == "" {
		t.Error("Family should be set when Platform is set")
	}
}

func TestRealDetector_Cancelled(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("distro detection only runs on linux")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewDetector().Detect(ctx); err == nil {
		t.Error("Detect() with cancelled context should fail")
	}
}

func TestRealDetector_Sandbox(t *testing.T) {
	missing := func(string) (os.FileInfo, error) { return nil, errors.New("missing") }
	present := func(string) (os.FileInfo, error) { return nil, nil }

	tests := []struct {
		name string
		env  map[string]string
		stat func(string) (os.FileInfo, error)
		want string
	}{
		{"none", nil, missing, SandboxNone},
		{"flatpak id", map[string]string{"FLATPAK_ID": "net.lutris.Lutris"}, missing, SandboxFlatpak},
		{"flatpak info file", nil, present, SandboxFlatpak},
		{"snap", map[string]string{"SNAP": "/snap/steam/1"}, missing, SandboxSnap},
		{"flatpak wins over snap", map[string]string{"FLATPAK_ID": "x", "SNAP": "/snap/x"}, missing, SandboxFlatpak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &RealDetector{
				getenv: func(k string) string { return tt.env[k] },
				stat:   tt.stat,
			}
			if got := d.sandbox(); got != tt.want {
				t.Errorf("sandbox() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInfo_GetDistro(t *testing.T) {
	tests := []struct {
		name string
		info *Info
		want *Distro
	}{
		{
			name: "linux with distro",
			info: &Info{OS: "linux", Platform: "steamos", Family: FamilyArch, Version: "3.6"},
			want: &Distro{ID: "steamos", Family: FamilyArch, Version: "3.6"},
		},
		{
			name: "linux without distro",
			info: &Info{OS: "linux"},
			want: nil,
		},
		{
			name: "not linux",
			info: &Info{OS: "darwin", Platform: "darwin"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.info.GetDistro()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("GetDistro() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("GetDistro() = %+v, want %+v", *got, *tt.want)
			}
		})
	}
}

func TestInfo_Supported(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want bool
	}{
		{"linux amd64", Info{OS: "linux", Arch: "amd64"}, true},
		{"linux arm64", Info{OS: "linux", Arch: "arm64"}, false},
		{"darwin amd64", Info{OS: "darwin", Arch: "amd64"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Supported(); got != tt.want {
				t.Errorf("Supported() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInfo_UserAgent(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{
			name: "bare",
			info: Info{OS: "linux", Arch: "amd64"},
			want: "rtup/1.0.0 (linux; amd64)",
		},
		{
			name: "distro",
			info: Info{OS: "linux", Arch: "amd64", Platform: "ubuntu", Version: "24.04"},
			want: "rtup/1.0.0 (linux; amd64; ubuntu 24.04)",
		},
		{
			name: "distro without version in flatpak",
			info: Info{OS: "linux", Arch: "amd64", Platform: "arch", Sandbox: SandboxFlatpak},
			want: "rtup/1.0.0 (linux; amd64; arch; flatpak)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.UserAgent("rtup", "1.0.0"); got != tt.want {
				t.Errorf("UserAgent() = %q, want %q", got, tt.want)
			}
		})
	}
}
