// Package depgraph builds a best-effort per-project import graph and ranks
// error-flagged files by how likely they are to be the root cause. Extraction
// is string/regex based and table-driven per language; the output is an
// advisory ranking, never a verified symbol resolution.
package depgraph

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// Node is one file in the graph, rebuilt per analysis pass.
type Node struct {
	Path       string
	Imports    map[string]bool // files this node depends on
	ImportedBy map[string]bool // files depending on this node
	HasError   bool
	ErrorLine  int
}

// Graph holds all nodes of one analysis pass keyed by relative path.
type Graph struct {
	Nodes map[string]*Node
}

// languageRule maps a file extension to its import extraction patterns.
// Each pattern's first capture group is the imported identifier.
type languageRule struct {
	extensions []string
	patterns   []*regexp.Regexp
}

var languageRules = []languageRule{
	{
		extensions: []string{".py"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import`),
			regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`),
		},
	},
	{
		extensions: []string{".js", ".jsx", ".ts", ".tsx", ".mjs"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`import\s+(?:[\w{}*,\s]+\s+from\s+)?['"]([^'"]+)['"]`),
			regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`),
		},
	},
	{
		extensions: []string{".go"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`),
		},
	},
}

// rootCauseNames marks files that define shared shapes; fixing them first
// tends to clear errors in their dependents.
var rootCauseNames = []string{"schema", "model", "entity", "type", "interface", "config", "base"}

// patternsFor returns extraction patterns for a file, or nil when the
// language is unsupported.
func patternsFor(p string) []*regexp.Regexp {
	ext := strings.ToLower(path.Ext(p))
	for _, rule := range languageRules {
		for _, e := range rule.extensions {
			if e == ext {
				return rule.patterns
			}
		}
	}
	return nil
}

// Build constructs the import graph for a project. Forward edges come from a
// per-file extraction pass; reverse edges are computed in a second pass.
func Build(projectID string, store storage.Store) (*Graph, error) {
	files, err := store.List(projectID, "*")
	if err != nil {
		return nil, err
	}

	g := &Graph{Nodes: make(map[string]*Node)}
	for _, f := range files {
		if patternsFor(f) == nil {
			continue
		}
		g.Nodes[f] = &Node{
			Path:       f,
			Imports:    make(map[string]bool),
			ImportedBy: make(map[string]bool),
		}
	}

	// Index files by base name (extension stripped) for identifier resolution.
	byBase := make(map[string][]string)
	for f := range g.Nodes {
		base := strings.TrimSuffix(path.Base(f), path.Ext(f))
		byBase[base] = append(byBase[base], f)
	}

	for f, node := range g.Nodes {
		content, ok, err := store.Read(projectID, f)
		if err != nil || !ok {
			continue
		}
		for _, re := range patternsFor(f) {
			for _, m := range re.FindAllStringSubmatch(content, -1) {
				for _, target := range resolve(m[1], f, byBase) {
					if target != f {
						node.Imports[target] = true
					}
				}
			}
		}
	}

	// Second pass: reverse edges.
	for f, node := range g.Nodes {
		for dep := range node.Imports {
			if depNode, ok := g.Nodes[dep]; ok {
				depNode.ImportedBy[f] = true
			}
		}
	}
	return g, nil
}

// resolve maps an import identifier to project files. Relative paths resolve
// against the importing file's directory; bare identifiers match by the last
// dotted/slashed segment's base name. External packages resolve to nothing.
func resolve(ident, from string, byBase map[string][]string) []string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil
	}

	if strings.HasPrefix(ident, ".") && strings.Contains(ident, "/") {
		// Relative JS-style import.
		resolved := path.Clean(path.Join(path.Dir(from), ident))
		base := strings.TrimSuffix(path.Base(resolved), path.Ext(resolved))
		var out []string
		for _, cand := range byBase[base] {
			if strings.HasPrefix(cand, path.Dir(resolved)) || path.Dir(resolved) == "." {
				out = append(out, cand)
			}
		}
		return out
	}

	// Dotted python module or bare identifier: match on last segment.
	seg := ident
	if i := strings.LastIndexAny(seg, "./"); i >= 0 {
		seg = seg[i+1:]
	}
	return byBase[seg]
}

// MarkErrors flags nodes named in error locations (path → line).
func (g *Graph) MarkErrors(locations map[string]int) {
	for p, line := range locations {
		if n, ok := g.Nodes[normalize(p, g)]; ok {
			n.HasError = true
			n.ErrorLine = line
		}
	}
}

// normalize maps an error path (possibly absolute, from inside a container)
// onto a graph node path via suffix matching.
func normalize(p string, g *Graph) string {
	p = strings.TrimPrefix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/app/")
	if _, ok := g.Nodes[p]; ok {
		return p
	}
	for cand := range g.Nodes {
		if strings.HasSuffix(p, "/"+cand) || strings.HasSuffix(cand, "/"+p) || path.Base(cand) == path.Base(p) {
			return cand
		}
	}
	return p
}

// RootCauseFiles ranks error-flagged files so that a likely root cause is
// fixed before its symptoms. Scoring: error-flagged dependents, a shared-
// shape naming bonus, and a no-flagged-dependencies bonus.
func (g *Graph) RootCauseFiles(locations map[string]int) []string {
	g.MarkErrors(locations)

	type scored struct {
		path  string
		score int
	}
	var ranked []scored

	for p, n := range g.Nodes {
		if !n.HasError {
			continue
		}
		score := 0

		for dep := range n.ImportedBy {
			if g.Nodes[dep] != nil && g.Nodes[dep].HasError {
				score += 3
			}
		}

		base := strings.ToLower(path.Base(p))
		for _, marker := range rootCauseNames {
			if strings.Contains(base, marker) {
				score += 2
				break
			}
		}

		flaggedDeps := 0
		for dep := range n.Imports {
			if g.Nodes[dep] != nil && g.Nodes[dep].HasError {
				flaggedDeps++
			}
		}
		if flaggedDeps == 0 {
			score += 1
		}

		ranked = append(ranked, scored{path: p, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].path < ranked[j].path
	})

	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.path
	}
	return out
}
