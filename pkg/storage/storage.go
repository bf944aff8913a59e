// Package storage defines the project file store consumed by the dependency
// graph builder and the auto-fix orchestrator, plus a local filesystem
// implementation.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes project files. Absent files are reported via the
// ok return, not an error.
type Store interface {
	Read(projectID, path string) (content string, ok bool, err error)
	Write(projectID, path, content string) error
	List(projectID, glob string) ([]string, error)
}

// Local is a filesystem Store rooting each project at baseDir/projectID.
type Local struct {
	baseDir string
}

// NewLocal creates a Local store. The base directory is created on demand.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

// ProjectDir returns the on-disk root for a project.
func (l *Local) ProjectDir(projectID string) string {
	return filepath.Join(l.baseDir, projectID)
}

// resolve joins and confines path under the project root.
func (l *Local) resolve(projectID, path string) (string, error) {
	root := l.ProjectDir(projectID)
	full := filepath.Join(root, filepath.FromSlash(path))
	if !strings.HasPrefix(full, root+string(os.PathSeparator)) && full != root {
		return "", fmt.Errorf("path %q escapes project root", path)
	}
	return full, nil
}

// Read returns the content of a project file, or ok=false when absent.
func (l *Local) Read(projectID, path string) (string, bool, error) {
	full, err := l.resolve(projectID, path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), true, nil
}

// Write creates or replaces a project file, creating parent directories.
func (l *Local) Write(projectID, path, content string) error {
	full, err := l.resolve(projectID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// List walks the project tree and returns relative slash paths matching the
// glob. The glob is matched against the file's base name ("*.py") or, when it
// contains a slash, against the full relative path. Dependency directories
// (node_modules, .git, __pycache__, venv) are skipped.
func (l *Local) List(projectID, glob string) ([]string, error) {
	root := l.ProjectDir(projectID)

	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "node_modules", ".git", "__pycache__", "venv", ".next", "dist":
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		target := filepath.Base(rel)
		if strings.Contains(glob, "/") {
			target = rel
		}
		matched, err := filepath.Match(glob, target)
		if err != nil {
			return err
		}
		if matched || glob == "" || glob == "*" {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", projectID, err)
	}
	return out, nil
}
