// Package logbus accumulates classified error records per project. The
// auto-fix orchestrator reads it both as a flat list and grouped by category,
// and clears it after a verified fix.
package logbus

import (
	"sync"

	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
)

// maxRecordsPerProject bounds memory for a project that errors forever.
const maxRecordsPerProject = 500

// Bus holds pending error records keyed by project id.
type Bus struct {
	mu      sync.Mutex
	records map[string][]errdetect.Record
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{records: make(map[string][]errdetect.Record)}
}

// Push appends records for a project, keeping only the newest
// maxRecordsPerProject entries.
func (b *Bus) Push(projectID string, recs ...errdetect.Record) {
	if len(recs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	all := append(b.records[projectID], recs...)
	if len(all) > maxRecordsPerProject {
		all = all[len(all)-maxRecordsPerProject:]
	}
	b.records[projectID] = all
}

// Records returns a copy of the project's pending records.
func (b *Bus) Records(projectID string) []errdetect.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.records[projectID]
	out := make([]errdetect.Record, len(src))
	copy(out, src)
	return out
}

// Grouped returns the project's records bucketed by category.
func (b *Bus) Grouped(projectID string) map[errdetect.Category][]errdetect.Record {
	out := make(map[errdetect.Category][]errdetect.Record)
	for _, r := range b.Records(projectID) {
		out[r.Category] = append(out[r.Category], r)
	}
	return out
}

// Count returns the number of pending records for a project.
func (b *Bus) Count(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[projectID])
}

// Clear drops all pending records for a project.
func (b *Bus) Clear(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, projectID)
}
