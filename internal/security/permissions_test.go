package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateSecureDir(t *testing.T) {
	tmpDir := t.TempDir()
	dirPath := filepath.Join(tmpDir, "logs", "nested")

	if err := CreateSecureDir(dirPath, PermDirectory); err != nil {
		t.Fatalf("CreateSecureDir() error = %v", err)
	}

	info, err := os.Stat(dirPath)
	if err != nil {
		t.Fatalf("Failed to stat directory: %v", err)
	}
	if !info.IsDir() {
		t.Error("Expected a directory")
	}
	if info.Mode().Perm() != PermDirectory {
		t.Errorf("Directory permissions = %04o, want %04o", info.Mode().Perm(), PermDirectory)
	}

	// Existing directory is accepted
	if err := CreateSecureDir(dirPath, PermDirectory); err != nil {
		t.Errorf("CreateSecureDir() on existing dir error = %v", err)
	}
}

func TestCreateSecureDir_FileInTheWay(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(filePath, []byte("x"), 0600); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	if err := CreateSecureDir(filePath, PermDirectory); err == nil {
		t.Error("Expected error when a file exists at the path")
	}
}

func TestOpenAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "promobox.log")

	for _, line := range []string{"first\n", "second\n"} {
		f, err := OpenAppendOnly(path, PermLogFile)
		if err != nil {
			t.Fatalf("OpenAppendOnly() error = %v", err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatalf("write: %v", err)
		}
		f.Close()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("Expected appended content, got %q", data)
	}
}

func TestIsWorldReadable(t *testing.T) {
	if !IsWorldReadable(0644) {
		t.Error("0644 should be world-readable")
	}
	if IsWorldReadable(0640) {
		t.Error("0640 should not be world-readable")
	}
}

func TestIsWorldWritable(t *testing.T) {
	if !IsWorldWritable(0666) {
		t.Error("0666 should be world-writable")
	}
	if IsWorldWritable(0644) {
		t.Error("0644 should not be world-writable")
	}
}

func TestValidateSecurePermissions(t *testing.T) {
	tmpDir := t.TempDir()

	secure := filepath.Join(tmpDir, "secure.yaml")
	if err := os.WriteFile(secure, []byte("a: b"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	os.Chmod(secure, 0640)
	if err := ValidateSecurePermissions(secure); err != nil {
		t.Errorf("Expected 0640 file to pass, got %v", err)
	}

	open := filepath.Join(tmpDir, "open.yaml")
	if err := os.WriteFile(open, []byte("a: b"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	os.Chmod(open, 0644)
	if err := ValidateSecurePermissions(open); err == nil {
		t.Error("Expected world-readable file to fail")
	}

	if err := ValidateSecurePermissions(filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("Expected error for nonexistent file")
	}
}
