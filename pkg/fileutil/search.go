// Package fileutil locates promobox files on disk.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigDirEnv names a directory searched before the defaults.
const ConfigDirEnv = "PROMOBOX_CONFIG_DIR"

// SystemConfigDir is where packaged installs keep promobox.yaml.
const SystemConfigDir = "/etc/promobox"

// ConfigDirs returns the directories searched for a config file, most
// specific first: $PROMOBOX_CONFIG_DIR, the working directory, ./config,
// the user's config directory and /etc/promobox. lookupEnv may be nil.
func ConfigDirs(lookupEnv func(string) (string, bool)) []string {
	var dirs []string
	if lookupEnv != nil {
		if dir, ok := lookupEnv(ConfigDirEnv); ok && strings.TrimSpace(dir) != "" {
			dirs = append(dirs, strings.TrimSpace(dir))
		}
	}
	dirs = append(dirs, ".", "config")
	if home, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "promobox"))
	}
	return append(dirs, SystemConfigDir)
}

// FindConfig returns the first regular file called filename in dirs.
// A directory with that name is skipped. The error wraps os.ErrNotExist
// and lists every candidate.
func FindConfig(filename string, dirs []string) (string, error) {
	candidates := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		path := filepath.Join(dir, filename)
		if FileExists(path) {
			return path, nil
		}
		candidates = append(candidates, path)
	}
	return "", fmt.Errorf("%s not found (searched %s): %w", filename, strings.Join(candidates, ", "), os.ErrNotExist)
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
