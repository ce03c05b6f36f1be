// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfineAbsPath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "uploads", "clip.mjpeg")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0o750))
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o644))

	got, err := ConfineAbsPath(root, inside)
	require.NoError(t, err)
	assert.Contains(t, got, "clip.mjpeg")

	_, err = ConfineAbsPath(root, filepath.Join(root, "..", "escape.txt"))
	assert.Error(t, err)

	outside := filepath.Join(t.TempDir(), "other.txt")
	_, err = ConfineAbsPath(root, outside)
	assert.Error(t, err)
}

func TestConfineAbsPathSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	victim := filepath.Join(t.TempDir(), "victim.txt")
	require.NoError(t, os.WriteFile(victim, []byte("x"), 0o644))

	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(victim, link))

	_, err := ConfineAbsPath(root, link)
	assert.Error(t, err, "symlink pointing outside root must be rejected")
}

func TestConfineAbsPathMissingLeaf(t *testing.T) {
	root := t.TempDir()
	planned := filepath.Join(root, "uploads", "future.mjpeg")
	require.NoError(t, os.MkdirAll(filepath.Dir(planned), 0o750))

	got, err := ConfineAbsPath(root, planned)
	require.NoError(t, err)
	assert.Contains(t, got, "future.mjpeg")
}

func TestIsRegularFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.NoError(t, IsRegularFile(file))
	assert.Error(t, IsRegularFile(dir))
	assert.Error(t, IsRegularFile(filepath.Join(dir, "missing")))
}
