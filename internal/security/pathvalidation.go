// Package security validates the paths the pipeline derives from dataset
// contents, so that an identifier read off disk can never point a loader or
// writer outside its dataset or results directory.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a derived path leaves its root directory.
var ErrPathEscape = errors.New("path escapes root directory")

// ErrUnsafeIdentifier is returned for identifiers that cannot be used as a
// single path element.
var ErrUnsafeIdentifier = errors.New("unsafe identifier")

// ValidatePathWithinDirectory checks lexically that filePath stays inside dir
// once both are cleaned and made absolute. It does not touch the filesystem,
// so it also works against in-memory trees.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absDir, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("failed to resolve root directory: %w", err)
	}

	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPathEscape, filePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, filePath, dir)
	}
	return nil
}

// JoinWithin joins elem onto root and rejects the result if it escapes root.
func JoinWithin(root string, elem ...string) (string, error) {
	p := filepath.Join(append([]string{root}, elem...)...)
	if err := ValidatePathWithinDirectory(p, root); err != nil {
		return "", err
	}
	return p, nil
}

// ValidateIdentifier checks that an image or dataset identifier is a single,
// non-special path element.
func ValidateIdentifier(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeIdentifier, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeIdentifier, id)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrUnsafeIdentifier, id)
	}
	return nil
}
