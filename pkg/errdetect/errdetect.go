// Package errdetect classifies raw container log text into typed error
// records using an ordered pattern table. Detect scans a complete text;
// Stream handles line-at-a-time input from a live log tail, buffering recent
// lines so multi-line formats keep their file and line information.
package errdetect

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the closed taxonomy of detectable errors.
type Kind string

const (
	KindMissingPythonModule Kind = "missing_python_module"
	KindMissingNodeModule   Kind = "missing_node_module"
	KindPythonSyntaxError   Kind = "python_syntax_error"
	KindPythonImportError   Kind = "python_import_error"
	KindPythonNameError     Kind = "python_name_error"
	KindPythonTypeError     Kind = "python_type_error"
	KindIndentationError    Kind = "python_indentation_error"
	KindJSSyntaxError       Kind = "js_syntax_error"
	KindJSReferenceError    Kind = "js_reference_error"
	KindJSTypeError         Kind = "js_type_error"
	KindModuleBuildFailed   Kind = "module_build_failed"
	KindPortInUse           Kind = "port_in_use"
	KindConnectionRefused   Kind = "connection_refused"
	KindPermissionDenied    Kind = "permission_denied"
	KindFileNotFound        Kind = "file_not_found"
	KindOutOfMemory         Kind = "out_of_memory"
	KindUnhandledException  Kind = "unhandled_exception"
)

// Severity grades an error record.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Category buckets records for the grouped Log/Error Bus payload.
type Category string

const (
	CategoryBackend Category = "backend"
	CategoryBuild   Category = "build"
	CategoryBrowser Category = "browser"
	CategoryDocker  Category = "docker"
)

// Record is one classified error occurrence. Read-only value.
type Record struct {
	Kind        Kind     `json:"kind"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	AutoFixable bool     `json:"auto_fixable"`
	Message     string   `json:"message"`
	Detail      string   `json:"detail,omitempty"` // first capture group (module name, port, file)
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line"`
	Context     string   `json:"context,omitempty"`
}

// Rule maps a log pattern to a typed error classification.
type Rule struct {
	Pattern     *regexp.Regexp
	Kind        Kind
	Severity    Severity
	Category    Category
	AutoFixable bool
}

// Suggestion is a concrete mechanical remediation for an auto-fixable record.
type Suggestion struct {
	Action  string `json:"action"`  // "install-package" or "kill-port"
	Target  string `json:"target"`  // package name or port
	Command string `json:"command"` // shell command to run inside the container
}

// Detector holds the ordered rule table.
type Detector struct {
	rules []Rule
}

// mustRule compiles a multiline case-insensitive rule.
func mustRule(pattern string, kind Kind, sev Severity, cat Category, fixable bool) Rule {
	return Rule{
		Pattern:     regexp.MustCompile(`(?im)` + pattern),
		Kind:        kind,
		Severity:    sev,
		Category:    cat,
		AutoFixable: fixable,
	}
}

// New creates a Detector with the built-in rule table.
func New() *Detector {
	return &Detector{rules: []Rule{
		mustRule(`ModuleNotFoundError: No module named '([^']+)'`, KindMissingPythonModule, SeverityCritical, CategoryBackend, true),
		mustRule(`ImportError: cannot import name '([^']+)'`, KindPythonImportError, SeverityCritical, CategoryBackend, false),
		mustRule(`Error: Cannot find module '([^']+)'`, KindMissingNodeModule, SeverityCritical, CategoryBuild, true),
		mustRule(`Module not found: (?:Error: )?Can't resolve '([^']+)'`, KindMissingNodeModule, SeverityCritical, CategoryBuild, true),
		mustRule(`SyntaxError: invalid syntax`, KindPythonSyntaxError, SeverityCritical, CategoryBackend, false),
		mustRule(`IndentationError: (.+)`, KindIndentationError, SeverityCritical, CategoryBackend, false),
		mustRule(`NameError: name '([^']+)' is not defined`, KindPythonNameError, SeverityCritical, CategoryBackend, false),
		mustRule(`TypeError: (.+)`, KindPythonTypeError, SeverityCritical, CategoryBackend, false),
		mustRule(`SyntaxError: Unexpected (?:token|identifier|end of input)`, KindJSSyntaxError, SeverityCritical, CategoryBrowser, false),
		mustRule(`ReferenceError: (\w+) is not defined`, KindJSReferenceError, SeverityCritical, CategoryBrowser, false),
		mustRule(`Module build failed`, KindModuleBuildFailed, SeverityCritical, CategoryBuild, false),
		mustRule(`(?:EADDRINUSE.*?:(\d+)|address already in use|port (\d+) is already in use)`, KindPortInUse, SeverityCritical, CategoryDocker, true),
		mustRule(`ECONNREFUSED|connection refused`, KindConnectionRefused, SeverityWarning, CategoryDocker, false),
		mustRule(`EACCES|permission denied`, KindPermissionDenied, SeverityCritical, CategoryDocker, false),
		mustRule(`ENOENT: no such file or directory.*?'([^']+)'`, KindFileNotFound, SeverityCritical, CategoryBuild, false),
		mustRule(`(?:JavaScript heap out of memory|MemoryError|Killed\s*$)`, KindOutOfMemory, SeverityCritical, CategoryDocker, false),
		mustRule(`Traceback \(most recent call last\)`, KindUnhandledException, SeverityWarning, CategoryBackend, false),
		mustRule(`UnhandledPromiseRejection`, KindUnhandledException, SeverityWarning, CategoryBackend, false),
	}}
}

// AddRule appends a rule to the table. Later rules run after built-ins.
func (d *Detector) AddRule(r Rule) { d.rules = append(d.rules, r) }

// NewRule compiles a user-supplied rule. Patterns are multiline and
// case-insensitive like the built-ins.
func NewRule(pattern string, kind Kind, sev Severity, cat Category, fixable bool) (Rule, error) {
	re, err := regexp.Compile(`(?im)` + pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling pattern: %w", err)
	}
	return Rule{Pattern: re, Kind: kind, Severity: sev, Category: cat, AutoFixable: fixable}, nil
}

// pythonFileRe extracts file/line from a traceback frame.
var pythonFileRe = regexp.MustCompile(`File "([^"]+)", line (\d+)`)

// jsFileRe extracts file/line from a node stack frame or webpack error.
var jsFileRe = regexp.MustCompile(`(?:at |\()((?:\./|/|[A-Za-z]:\\)[^\s:()]+):(\d+)`)

// Detect scans text with every rule and returns one record per match, each
// carrying a line number and a small surrounding context snippet. The line is
// the source-file line when a stack frame names one, otherwise the position
// of the match within the scanned text. Matches are not deduplicated across
// overlapping patterns.
func (d *Detector) Detect(text string) []Record {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var records []Record
	for _, rule := range d.rules {
		for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			rec := Record{
				Kind:        rule.Kind,
				Severity:    rule.Severity,
				Category:    rule.Category,
				AutoFixable: rule.AutoFixable,
				Message:     text[loc[0]:loc[1]],
				Line:        lineAt(text, loc[0]),
			}
			rec.Detail = firstGroup(text, loc)
			rec.Context = snippet(lines, rec.Line)
			file, srcLine := sourceLocation(text, rule.Category)
			rec.File = file
			if file != "" && srcLine > 0 {
				rec.Line = srcLine
			}
			records = append(records, rec)
		}
	}
	return records
}

// streamWindow is how many recent lines a Stream keeps. Python tracebacks and
// webpack error blocks fit comfortably.
const streamWindow = 30

// Stream adapts the Detector to line-at-a-time input, as produced by a live
// container log tail. The error line of a multi-line format arrives after the
// stack frames that name the source file, so a Stream buffers recent lines
// and extracts file, line, and context from that window when a rule matches
// the newest line.
type Stream struct {
	d      *Detector
	window []string
}

// NewStream creates a line-at-a-time detector sharing this rule table.
func (d *Detector) NewStream() *Stream {
	return &Stream{d: d}
}

// Feed appends one log line and returns a record for every rule matching that
// line. Only the newest line is matched, so a record is emitted exactly once
// even as the window slides.
func (s *Stream) Feed(line string) []Record {
	s.window = append(s.window, line)
	if len(s.window) > streamWindow {
		s.window = s.window[1:]
	}

	var records []Record
	windowText := ""
	for _, rule := range s.d.rules {
		loc := rule.Pattern.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		if windowText == "" {
			windowText = strings.Join(s.window, "\n")
		}
		rec := Record{
			Kind:        rule.Kind,
			Severity:    rule.Severity,
			Category:    rule.Category,
			AutoFixable: rule.AutoFixable,
			Message:     line[loc[0]:loc[1]],
			Detail:      firstGroup(line, loc),
			Context:     snippet(s.window, len(s.window)),
		}
		rec.File, rec.Line = sourceLocation(windowText, rule.Category)
		records = append(records, rec)
	}
	return records
}

// SuggestFix maps mechanically fixable kinds to a remediation action. Kinds
// without a mechanical fix return nil; those are delegated to the external
// fixer instead of being solved locally.
func (d *Detector) SuggestFix(rec Record) *Suggestion {
	switch rec.Kind {
	case KindMissingPythonModule:
		return &Suggestion{
			Action:  "install-package",
			Target:  rec.Detail,
			Command: "pip install " + rec.Detail,
		}
	case KindMissingNodeModule:
		pkg := rootPackage(rec.Detail)
		return &Suggestion{
			Action:  "install-package",
			Target:  pkg,
			Command: "npm install " + pkg,
		}
	case KindPortInUse:
		port := rec.Detail
		if port == "" {
			return nil
		}
		return &Suggestion{
			Action:  "kill-port",
			Target:  port,
			Command: fmt.Sprintf("fuser -k %s/tcp", port),
		}
	}
	return nil
}

// rootPackage trims a deep import path to its installable package name.
func rootPackage(importPath string) string {
	if importPath == "" {
		return importPath
	}
	parts := strings.Split(importPath, "/")
	if strings.HasPrefix(importPath, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	if strings.HasPrefix(parts[0], ".") {
		return importPath // relative import, not installable
	}
	return parts[0]
}

func firstGroup(text string, loc []int) string {
	for g := 1; g*2 < len(loc); g++ {
		if loc[g*2] >= 0 {
			return text[loc[g*2]:loc[g*2+1]]
		}
	}
	return ""
}

// lineAt returns the 1-based line number of byte offset off.
func lineAt(text string, off int) int {
	return strings.Count(text[:off], "\n") + 1
}

// snippet returns up to two lines around the match line.
func snippet(lines []string, line int) string {
	lo := line - 3
	if lo < 0 {
		lo = 0
	}
	hi := line + 2
	if hi > len(lines) {
		hi = len(lines)
	}
	return strings.TrimSpace(strings.Join(lines[lo:hi], "\n"))
}

// sourceLocation finds the most plausible file reference in the text for the
// given category. Best effort; empty when nothing matches.
func sourceLocation(text string, cat Category) (string, int) {
	var re *regexp.Regexp
	switch cat {
	case CategoryBackend:
		re = pythonFileRe
	case CategoryBuild, CategoryBrowser:
		re = jsFileRe
	default:
		return "", 0
	}
	m := re.FindAllStringSubmatch(text, -1)
	if len(m) == 0 {
		return "", 0
	}
	// The last frame is closest to the failure.
	last := m[len(m)-1]
	return last[1], atoiSafe(last[2])
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
