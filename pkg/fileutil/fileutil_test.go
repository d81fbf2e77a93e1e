package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestConfigDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("HOME", home)
	userDir, err := os.UserConfigDir()
	if err != nil {
		t.Fatalf("UserConfigDir() error = %v", err)
	}

	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			"defaults",
			nil,
			[]string{".", "config", filepath.Join(userDir, "promobox"), SystemConfigDir},
		},
		{
			"env dir first",
			map[string]string{ConfigDirEnv: " /srv/promobox "},
			[]string{"/srv/promobox", ".", "config", filepath.Join(userDir, "promobox"), SystemConfigDir},
		},
		{
			"blank env dir ignored",
			map[string]string{ConfigDirEnv: "  "},
			[]string{".", "config", filepath.Join(userDir, "promobox"), SystemConfigDir},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConfigDirs(envOf(tt.env))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ConfigDirs() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if got := ConfigDirs(nil); len(got) != 4 {
		t.Errorf("ConfigDirs(nil) = %v", got)
	}
}

func TestFindConfig(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	empty := t.TempDir()

	if err := os.WriteFile(filepath.Join(second, "promobox.yaml"), []byte("server: {}\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	// A directory with the config name must not be picked.
	if err := os.Mkdir(filepath.Join(first, "promobox.yaml"), 0750); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	got, err := FindConfig("promobox.yaml", []string{empty, first, second})
	if err != nil {
		t.Fatalf("FindConfig() error = %v", err)
	}
	if want := filepath.Join(second, "promobox.yaml"); got != want {
		t.Errorf("FindConfig() = %q, want %q", got, want)
	}

	_, err = FindConfig("promobox.yaml", []string{empty, first})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected os.ErrNotExist, got %v", err)
	}
	if !strings.Contains(err.Error(), filepath.Join(empty, "promobox.yaml")) {
		t.Errorf("Expected searched paths in error, got %q", err.Error())
	}
}

func TestFindConfig_RelativeDirs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.Mkdir("config", 0750); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join("config", "promobox.yaml"), []byte("server: {}\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	got, err := FindConfig("promobox.yaml", ConfigDirs(nil))
	if err != nil {
		t.Fatalf("FindConfig() error = %v", err)
	}
	if got != filepath.Join("config", "promobox.yaml") {
		t.Errorf("FindConfig() = %q", got)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "promobox.yaml")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"file", file, true},
		{"directory", dir, false},
		{"missing", filepath.Join(dir, "missing.yaml"), false},
	}
	for _, tt := range tests {
		if got := FileExists(tt.path); got != tt.want {
			t.Errorf("%s: FileExists(%q) = %v, want %v", tt.name, tt.path, got, tt.want)
		}
	}
}
