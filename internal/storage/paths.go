package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/errors"
)

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~"+string(os.PathSeparator)) || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// FindProjectRoot walks up from start looking for a project marker.
func FindProjectRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		for _, marker := range config.ProjectRootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// ResolveStoragePath picks the pool file location: project-local when a
// project context is set, the global path otherwise. The resolved path must
// sit under home, cwd, or the temp dir.
func ResolveStoragePath(projectDir string) (string, error) {
	var path string
	if projectDir != "" {
		if root, ok := FindProjectRoot(ExpandHome(projectDir)); ok {
			path = filepath.Join(root, config.ProjectStorageDir, config.StorageFileName)
		}
	}
	if path == "" {
		path = config.GlobalStoragePath()
	}
	path = ExpandHome(path)
	if !IsPathAllowed(path) {
		return "", errors.NewStorageError("storage path outside allowed roots", errors.StorageCodeAccess, path, nil)
	}
	return path, nil
}

// IsPathAllowed reports whether path lies under home, cwd, or tempdir.
func IsPathAllowed(path string) bool {
	abs, err := filepath.Abs(ExpandHome(path))
	if err != nil {
		return false
	}
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	roots = append(roots, os.TempDir())

	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}
