// SPDX-License-Identifier: MIT

// Package fsutil contains filesystem confinement helpers for paths that are
// later deleted or served.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineAbsPath ensures target is physically underneath the resolved path of
// root. It protects against symlink traversal: both paths are resolved before
// the containment check, so a link pointing outside root is rejected.
func ConfineAbsPath(root, target string) (string, error) {
	realRoot, err := resolve(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realTarget, err := resolve(target)
	if err != nil {
		return "", fmt.Errorf("invalid target path: %w", err)
	}

	rel, err := filepath.Rel(realRoot, realTarget)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", target, root)
	}
	return realTarget, nil
}

// resolve returns the symlink-free absolute form of path. A missing leaf is
// tolerated so freshly planned paths can be checked too.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	// Resolve the parent instead and re-attach the leaf.
	parent, leaf := filepath.Split(abs)
	realParent, perr := filepath.EvalSymlinks(filepath.Clean(parent))
	if perr != nil {
		if os.IsNotExist(perr) {
			return abs, nil
		}
		return "", perr
	}
	return filepath.Join(realParent, leaf), nil
}

// IsRegularFile reports an error unless path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file", path)
	}
	return nil
}
