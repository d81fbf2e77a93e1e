package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for log files that may contain build URLs and entity names.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the SQLite history database.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for standard directories.
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750
)

// CreateSecureDir creates a directory (and parents) with secure permissions.
// If the directory already exists, its permissions are left unchanged.
func CreateSecureDir(path string, perm os.FileMode) error {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	// Ensure permissions are set correctly (MkdirAll may use umask)
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// OpenAppendOnly opens path for appending, creating it with perm.
func OpenAppendOnly(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file holding tokens is not
// world-readable or world-writable.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for files holding API tokens", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
