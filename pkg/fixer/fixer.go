// Package fixer defines the external fix-generation capability consumed by
// the auto-fix orchestrator. Implementations are black boxes: only the shape
// of their output is validated, never its semantic correctness.
package fixer

import (
	"context"

	"github.com/kishoreUdatha/mendbox/pkg/patch"
)

// Request carries one fix attempt's input: a human-readable error summary and
// the bounded file context assembled by the analyzer.
type Request struct {
	ProjectID    string
	ErrorSummary string
	Files        map[string]string // path → current content
}

// Response is the fixer's proposal.
type Response struct {
	Success     bool
	Patches     []patch.Patch
	Explanation string
}

// Fixer turns an error summary plus code context into proposed file patches.
type Fixer interface {
	Fix(ctx context.Context, req Request) (*Response, error)
}
