// Package patch applies generated file patches to project storage. The
// Applier interface keeps application strategy swappable (the current
// implementation writes full file contents; a hunk-based differ can replace
// it without touching orchestration code).
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// Patch is one proposed file replacement.
type Patch struct {
	File    string `json:"file"`
	Content string `json:"content"`

	// BaseHash optionally carries the SHA-256 of the content the patch was
	// generated against. When set, application is skipped if the file changed
	// underneath (optimistic concurrency against external edits).
	BaseHash string `json:"base_hash,omitempty"`
}

// Result reports what one application pass did.
type Result struct {
	Modified  []string // files whose content actually changed
	Unchanged []string // patches whose content matched what was on disk
	Conflicts []string // patches skipped because the base hash no longer matched
}

// Applier applies a set of patches to a project.
type Applier interface {
	Apply(projectID string, patches []Patch, store storage.Store) (*Result, error)
}

// Hash returns the hex SHA-256 of content, for BaseHash preconditions.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// FullWriter applies each patch as an atomic full read-modify-write.
// Partial application of a patch is impossible by construction.
type FullWriter struct{}

// NewFullWriter creates the default Applier.
func NewFullWriter() *FullWriter { return &FullWriter{} }

// Apply writes each patch whose content differs from the current file.
// Unchanged files are not rewritten; hash-conflicted files are skipped and
// reported rather than overwritten.
func (w *FullWriter) Apply(projectID string, patches []Patch, store storage.Store) (*Result, error) {
	res := &Result{}
	for _, p := range patches {
		if p.File == "" {
			return res, fmt.Errorf("patch with empty file path")
		}

		current, exists, err := store.Read(projectID, p.File)
		if err != nil {
			return res, fmt.Errorf("reading %s: %w", p.File, err)
		}

		if exists && p.BaseHash != "" && Hash(current) != p.BaseHash {
			res.Conflicts = append(res.Conflicts, p.File)
			continue
		}
		if exists && current == p.Content {
			res.Unchanged = append(res.Unchanged, p.File)
			continue
		}

		if err := store.Write(projectID, p.File, p.Content); err != nil {
			return res, fmt.Errorf("writing %s: %w", p.File, err)
		}
		res.Modified = append(res.Modified, p.File)
	}
	return res, nil
}
