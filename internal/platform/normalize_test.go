package platform

import (
	"testing"
)

func TestNormalizeArch(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"amd64", "amd64", false},
		{"x86_64", "amd64", false},
		{"X86-64", "amd64", false},
		{"aarch64", "arm64", false},
		{"386", "", true},
		{"riscv64", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := normalizeArch(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeArch(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("normalizeArch(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePlatform(t *testing.T) {
	tests := map[string]string{
		"SteamOS":     "steamos",
		"  bazzite  ": "bazzite",
		"":            "",
	}
	for input, want := range tests {
		if got := normalizePlatform(input); got != want {
			t.Errorf("normalizePlatform(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMapFamily(t *testing.T) {
	tests := []struct {
		name     string
		family   string
		platform string
		want     string
	}{
		{"family wins", "debian", "steamos", FamilyDebian},
		{"steam deck", "", "steamos", FamilyArch},
		{"legacy steamos id", "", "holo", FamilyArch},
		{"bazzite reports fedora", "fedora", "bazzite", FamilyFedora},
		{"nobara without family", "", "nobara", FamilyFedora},
		{"ID_LIKE list", "ubuntu debian", "pop", FamilyDebian},
		{"unknown family falls back to id", "somethingelse", "cachyos", FamilyArch},
		{"case and spaces", "  Arch ", "", FamilyArch},
		{"unknown", "nixos", "nixos", FamilyUnknown},
		{"empty", "", "", FamilyUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapFamily(tt.family, tt.platform); got != tt.want {
				t.Errorf("mapFamily(%q, %q) = %q, want %q", tt.family, tt.platform, got, tt.want)
			}
		})
	}
}
