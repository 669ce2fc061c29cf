package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideStorage is returned for paths that escape the storage directory
var ErrOutsideStorage = errors.New("path is outside the storage directory")

// PathValidator confines document files to one storage directory
type PathValidator struct {
	storageDir string
}

// NewPathValidator creates a validator for storageDir, creating the directory if needed
func NewPathValidator(storageDir string) (*PathValidator, error) {
	if storageDir == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}

	abs, err := filepath.Abs(storageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Resolve symlinks once so prefix checks compare real paths
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}

	return &PathValidator{storageDir: abs}, nil
}

// StorageDir returns the absolute storage directory
func (v *PathValidator) StorageDir() string {
	return v.storageDir
}

// ValidatePath checks that path lies inside the storage directory, following
// a symlink at path if there is one
func (v *PathValidator) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if !v.within(absPath) {
		return fmt.Errorf("%w: %s", ErrOutsideStorage, path)
	}

	if info, err := os.Lstat(absPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return fmt.Errorf("failed to resolve symlink: %w", err)
		}
		if !v.within(resolved) {
			return fmt.Errorf("%w: %s links to %s", ErrOutsideStorage, path, resolved)
		}
	}

	return nil
}

func (v *PathValidator) within(absPath string) bool {
	clean := filepath.Clean(absPath)
	dirWithSep := v.storageDir
	if !strings.HasSuffix(dirWithSep, string(filepath.Separator)) {
		dirWithSep += string(filepath.Separator)
	}
	return strings.HasPrefix(clean, dirWithSep)
}

// Resolve returns the absolute path of a stored file name. Names with
// directory components or null bytes are rejected.
func (v *PathValidator) Resolve(name string) (string, error) {
	name = strings.ReplaceAll(name, "\x00", "")
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %q", name)
	}
	if filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %s", ErrOutsideStorage, name)
	}

	path := filepath.Join(v.storageDir, name)
	if err := v.ValidatePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// SanitizeFilename reduces an uploaded file name to a safe display name
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
