package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	if err := os.MkdirAll(safeDir, 0755); err != nil {
		t.Fatalf("Failed to create safe directory: %v", err)
	}
	if err := os.MkdirAll(unsafeDir, 0755); err != nil {
		t.Fatalf("Failed to create unsafe directory: %v", err)
	}

	// A symlink inside the safe directory pointing out of it
	symlinkPath := filepath.Join(safeDir, "evil-symlink")
	if err := os.Symlink(unsafeDir, symlinkPath); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		safeDir   string
		wantError bool
	}{
		{
			name:      "valid path within directory",
			filePath:  filepath.Join(safeDir, "m31_001a.jpg"),
			safeDir:   safeDir,
			wantError: false,
		},
		{
			name:      "valid nested path",
			filePath:  filepath.Join(safeDir, "night1", "m31_001a.jpg"),
			safeDir:   safeDir,
			wantError: false,
		},
		{
			name:      "path traversal with dotdot",
			filePath:  filepath.Join(safeDir, "..", "unsafe", "file.txt"),
			safeDir:   safeDir,
			wantError: true,
		},
		{
			name:      "relative traversal",
			filePath:  "../../../etc/passwd",
			safeDir:   safeDir,
			wantError: true,
		},
		{
			name:      "absolute path outside",
			filePath:  filepath.Join(unsafeDir, "file.txt"),
			safeDir:   safeDir,
			wantError: true,
		},
		{
			name:      "symlink escape",
			filePath:  filepath.Join(symlinkPath, "file.txt"),
			safeDir:   safeDir,
			wantError: true,
		},
		{
			name:      "safe directory itself",
			filePath:  safeDir,
			safeDir:   safeDir,
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, tt.safeDir)
			if tt.wantError && err == nil {
				t.Errorf("expected error for %s, got nil", tt.filePath)
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error for %s: %v", tt.filePath, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	if err := ValidatePathWithinAllowedDirs(filepath.Join(dirB, "report.png"), []string{dirA, dirB}); err != nil {
		t.Errorf("unexpected error for path in second allowed dir: %v", err)
	}

	if err := ValidatePathWithinAllowedDirs("/nowhere/report.png", []string{dirA, dirB}); err == nil {
		t.Error("expected error for path outside all allowed dirs")
	}

	if err := ValidatePathWithinAllowedDirs(filepath.Join(dirA, "x"), nil); err == nil {
		t.Error("expected error for empty allowed dirs")
	}
}

func TestValidateExportPath(t *testing.T) {
	if err := ValidateExportPath(filepath.Join(os.TempDir(), "scan-backup-1.db")); err != nil {
		t.Errorf("unexpected error for temp dir export: %v", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if err := ValidateExportPath(filepath.Join(cwd, "report.db")); err != nil {
		t.Errorf("unexpected error for cwd export: %v", err)
	}

	if err := ValidateExportPath("/etc/passwd"); err == nil {
		t.Error("expected error for export outside allowed dirs")
	}
}
