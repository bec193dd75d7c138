package config

import (
	"path/filepath"
	"testing"

	"github.com/ZebulonRouseFrantzich/rtup/internal/testutil"
)

func TestDefaultRoot(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want func(home string, env testutil.Env) string
	}{
		{
			name: "xdg",
			want: func(_ string, env testutil.Env) string { return filepath.Join(env.Data, "umu") },
		},
		{
			name: "no xdg",
			env:  map[string]string{"XDG_DATA_HOME": ""},
			want: func(home string, _ testutil.Env) string { return filepath.Join(home, ".local", "share", "umu") },
		},
		{
			name: "flatpak host data",
			env:  map[string]string{"container": "flatpak", "HOST_XDG_DATA_HOME": "/host/share"},
			want: func(string, testutil.Env) string { return "/host/share/umu" },
		},
		{
			name: "flatpak without host data ignores sandbox xdg",
			env:  map[string]string{"container": "flatpak"},
			want: func(home string, _ testutil.Env) string { return filepath.Join(home, ".local", "share", "umu") },
		},
		{
			name: "snap",
			env:  map[string]string{"SNAP": "/snap/steam/1", "SNAP_REAL_HOME": "/home/gamer"},
			want: func(string, testutil.Env) string { return "/home/gamer/umu" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testutil.SetupTestEnv(t)
			home := filepath.Dir(env.Data)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := DefaultRoot()
			if err != nil {
				t.Fatalf("DefaultRoot() error = %v", err)
			}
			if want := tt.want(home, env); got != want {
				t.Errorf("DefaultRoot() = %q, want %q", got, want)
			}
		})
	}
}

func TestDefaultCacheAndConfigDir(t *testing.T) {
	env := testutil.SetupTestEnv(t)

	cache, err := DefaultCache()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(env.Cache, "umu"); cache != want {
		t.Errorf("DefaultCache() = %q, want %q", cache, want)
	}

	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(env.Config, "rtup"); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}
}

func TestExpandHome(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	home := filepath.Dir(env.Data)

	tests := map[string]string{
		"~":          home,
		"~/games":    filepath.Join(home, "games"),
		"/abs":       "/abs",
		"~user/x":    "~user/x",
		"relative/~": "relative/~",
	}
	for in, want := range tests {
		got, err := expandHome(in)
		if err != nil {
			t.Fatalf("expandHome(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("expandHome(%q) = %q, want %q", in, got, want)
		}
	}
}
