package fileops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func readFileContent(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "temp file left behind: %s", entry.Name())
	}
}

func TestAtomicCopy(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()

	t.Run("basic copy operation", func(t *testing.T) {
		srcPath := createTestFile(t, srcDir, "meta.json", `{"name":"person"}`)
		destPath := filepath.Join(destDir, "meta.json")

		require.NoError(t, AtomicCopy(srcPath, destPath))
		assert.Equal(t, `{"name":"person"}`, readFileContent(t, destPath))
	})

	t.Run("overwrite existing file", func(t *testing.T) {
		srcPath := createTestFile(t, srcDir, "new.txt", "new")
		destPath := createTestFile(t, destDir, "existing.txt", "old")

		require.NoError(t, AtomicCopy(srcPath, destPath))
		assert.Equal(t, "new", readFileContent(t, destPath))
	})

	t.Run("empty file copy", func(t *testing.T) {
		srcPath := createTestFile(t, srcDir, "empty.txt", "")
		destPath := filepath.Join(destDir, "empty_copy.txt")

		require.NoError(t, AtomicCopy(srcPath, destPath))
		assert.Empty(t, readFileContent(t, destPath))
	})

	assertNoTempFiles(t, destDir)
}

func TestAtomicCopyErrors(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()

	t.Run("non-existent source file", func(t *testing.T) {
		err := AtomicCopy(filepath.Join(srcDir, "nonexistent.txt"), filepath.Join(destDir, "dest.txt"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open source file")
	})

	t.Run("non-existent destination directory", func(t *testing.T) {
		srcPath := createTestFile(t, srcDir, "source.txt", "content")
		err := AtomicCopy(srcPath, filepath.Join(destDir, "nonexistent", "dest.txt"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create temporary file")
	})

	t.Run("source is directory", func(t *testing.T) {
		assert.Error(t, AtomicCopy(t.TempDir(), filepath.Join(destDir, "dest.txt")))
	})
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "README.md")

	require.NoError(t, AtomicWriteFile(dest, []byte("first")))
	require.NoError(t, AtomicWriteFile(dest, []byte("second")))
	assert.Equal(t, "second", readFileContent(t, dest))
	assertNoTempFiles(t, dir)
}

func TestEnsureDirectoryExists(t *testing.T) {
	tempDir := t.TempDir()

	dirPath := filepath.Join(tempDir, "nested", "deep", "directory")
	require.NoError(t, EnsureDirectoryExists(dirPath))
	require.NoError(t, EnsureDirectoryExists(dirPath), "must be safe to call twice")

	info, err := os.Stat(dirPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	filePath := createTestFile(t, tempDir, "file_blocking_dir", "content")
	assert.Error(t, EnsureDirectoryExists(filePath))
}

func TestClearDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "models", "person"), 0755))
	createTestFile(t, dir, "README.md", "readme")

	require.NoError(t, ClearDirectory(dir, ".git"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".git", entries[0].Name())

	missing := filepath.Join(dir, "fresh")
	require.NoError(t, ClearDirectory(missing))
	assert.DirExists(t, missing)
}
