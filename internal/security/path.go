package security

import (
	"path/filepath"
	"strings"

	"inboxsync/internal/errors"
)

// ValidatePath rejects empty paths, NUL bytes and relative paths that climb
// out of the working directory. Absolute paths are accepted.
func ValidatePath(path string) error {
	if path == "" {
		return errors.NewValidationError("path", "path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return errors.NewValidationError("path", "path contains a NUL byte")
	}

	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return errors.NewValidationError("path", "path contains directory traversal").
				WithContext("path", path)
		}
	}
	return nil
}

// ValidatePathWithBase additionally requires path to resolve inside baseDir
func ValidatePathWithBase(path, baseDir string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(baseDir, path)
	}
	rel, err := filepath.Rel(filepath.Clean(baseDir), filepath.Clean(full))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.NewValidationError("path", "path escapes base directory").
			WithContext("path", path)
	}
	return nil
}
