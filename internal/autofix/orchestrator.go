// Package autofix runs the self-healing loop for one project: detect
// accumulated errors, assemble code context, ask the fixer for patches,
// apply them, restart the preview, and verify the errors are gone. Runs are
// debounced, single-flight, and bounded by a retry budget with a cooldown
// after success.
package autofix

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/depgraph"
	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
	"github.com/kishoreUdatha/mendbox/pkg/eventbus"
	"github.com/kishoreUdatha/mendbox/pkg/fixer"
	"github.com/kishoreUdatha/mendbox/pkg/fsm"
	"github.com/kishoreUdatha/mendbox/pkg/logbus"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/patch"
	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// Fix loop states.
const (
	StateIdle    fsm.State = "idle"
	StateRunning fsm.State = "running"
	StateFailed  fsm.State = "failed"
)

var transitions = map[fsm.State][]fsm.State{
	StateIdle:    {StateRunning},
	StateRunning: {StateIdle, StateFailed},
	StateFailed:  {StateIdle},
}

// Config tunes the loop.
type Config struct {
	Enabled            bool
	MinErrorsToTrigger int
	Debounce           time.Duration
	Cooldown           time.Duration
	MaxAttempts        int
	FixTimeout         time.Duration
	RestartTimeout     time.Duration
	VerifyWindow       time.Duration
	MaxContextFiles    int
}

func (c *Config) defaults() {
	if c.MinErrorsToTrigger <= 0 {
		c.MinErrorsToTrigger = 1
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = 2 * time.Minute
	}
	if c.RestartTimeout <= 0 {
		c.RestartTimeout = 30 * time.Second
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = 10 * time.Second
	}
	if c.MaxContextFiles <= 0 {
		c.MaxContextFiles = 8
	}
	if c.MaxContextFiles > 20 {
		c.MaxContextFiles = 20
	}
}

// Restarter restarts the project's preview container in place.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Orchestrator runs the fix loop for one project.
type Orchestrator struct {
	projectID string
	cfg       Config
	machine   *fsm.Machine

	detector  *errdetect.Detector
	logs      *logbus.Bus
	files     storage.Store
	fix       fixer.Fixer
	applier   patch.Applier
	lifecycle Restarter
	bus       eventbus.Bus
	db        *store.Store

	mu            sync.Mutex
	attempts      int
	cooldownUntil time.Time
	debounce      *time.Timer
}

// New creates a fix-loop orchestrator for one project.
func New(projectID string, cfg Config, detector *errdetect.Detector, logs *logbus.Bus,
	files storage.Store, fix fixer.Fixer, applier patch.Applier, lifecycle Restarter,
	bus eventbus.Bus, db *store.Store) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		projectID: projectID,
		cfg:       cfg,
		machine:   fsm.New(StateIdle, transitions),
		detector:  detector,
		logs:      logs,
		files:     files,
		fix:       fix,
		applier:   applier,
		lifecycle: lifecycle,
		bus:       bus,
		db:        db,
	}
}

// State returns the current loop state.
func (o *Orchestrator) State() fsm.State { return o.machine.Current() }

// Attempts returns the consumed retry budget.
func (o *Orchestrator) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// Reset clears a terminal failure so the loop can trigger again. Manual
// operation; nothing calls it automatically.
func (o *Orchestrator) Reset() error {
	if err := o.machine.Transition(StateIdle); err != nil {
		return err
	}
	o.mu.Lock()
	o.attempts = 0
	o.mu.Unlock()
	return nil
}

// Run subscribes to the project's event stream and triggers the loop on
// detected errors until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ch := o.bus.Subscribe(o.projectID)
	defer o.bus.Unsubscribe(o.projectID, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == model.EventDockerError {
				o.Notify()
			}
		}
	}
}

// Notify reports that a new error was classified. If the loop should
// trigger, the debounce timer is re-armed; a burst of errors therefore
// produces one run, started after the burst settles. An in-flight run is
// never cancelled.
func (o *Orchestrator) Notify() {
	if !o.cfg.Enabled {
		return
	}
	if !o.machine.Is(StateIdle) {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if time.Now().Before(o.cooldownUntil) {
		return
	}
	if o.logs.Count(o.projectID) < o.cfg.MinErrorsToTrigger {
		return
	}

	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.cfg.Debounce, func() {
		o.runLoop(context.Background())
	})
}

// runLoop executes fix attempts until the bus is clean, an attempt budget is
// exhausted, or the queue turns out to be empty. Single-flight is enforced by
// the idle→running transition.
func (o *Orchestrator) runLoop(ctx context.Context) {
	if err := o.machine.Transition(StateRunning); err != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.emit(model.EventFixFailed, map[string]string{"error": fmt.Sprintf("panic: %v", r)})
			o.machine.Force(StateFailed)
		}
	}()

	fixID := uuid.NewString()
	for {
		done, err := o.attempt(ctx, fixID)
		if done {
			return
		}
		if err != nil {
			o.mu.Lock()
			o.attempts++
			attempts := o.attempts
			o.mu.Unlock()

			o.emit(model.EventFixFailed, map[string]string{
				"fix_id":  fixID,
				"attempt": strconv.Itoa(attempts),
				"error":   err.Error(),
			})

			if attempts >= o.cfg.MaxAttempts {
				o.emit(model.EventFixMaxRetries, map[string]string{
					"fix_id":   fixID,
					"attempts": strconv.Itoa(attempts),
				})
				o.machine.Force(StateFailed)
				return
			}
		}
	}
}

// attempt runs the six stages once. done=true means the loop is finished
// (success or nothing to do); err != nil means the attempt failed and the
// retry budget decides what happens next.
func (o *Orchestrator) attempt(ctx context.Context, fixID string) (done bool, err error) {
	// Stage 1: Detect. An empty queue means there is nothing to fix.
	records := o.logs.Records(o.projectID)
	if len(records) == 0 {
		if terr := o.machine.Transition(StateIdle); terr != nil {
			return true, terr
		}
		return true, nil
	}
	o.emit(model.EventFixStarted, map[string]string{
		"fix_id": fixID,
		"errors": strconv.Itoa(len(records)),
	})

	// Stage 2: Analyze.
	o.emit(model.EventFixAnalyzing, map[string]string{"fix_id": fixID})
	summary := o.summarize(records)
	fileContext, err := o.gatherContext(records)
	if err != nil {
		return false, fmt.Errorf("analyzing: %w", err)
	}

	// Stage 3: Fix.
	o.emit(model.EventFixGenerating, map[string]string{"fix_id": fixID})
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FixTimeout)
	resp, err := o.fix.Fix(fctx, fixer.Request{
		ProjectID:    o.projectID,
		ErrorSummary: summary,
		Files:        fileContext,
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("generating fix: %w", err)
	}
	if !resp.Success || len(resp.Patches) == 0 {
		return false, fmt.Errorf("fixer returned no patches")
	}

	// Stage 4: Apply.
	o.emit(model.EventFixApplying, map[string]string{
		"fix_id":  fixID,
		"patches": strconv.Itoa(len(resp.Patches)),
	})
	result, err := o.applier.Apply(o.projectID, resp.Patches, o.files)
	if err != nil {
		return false, fmt.Errorf("applying patches: %w", err)
	}
	if len(result.Modified) == 0 {
		return false, fmt.Errorf("no files modified (unchanged: %d, conflicts: %d)",
			len(result.Unchanged), len(result.Conflicts))
	}

	// Stage 5: Restart.
	o.emit(model.EventFixRestarting, map[string]string{
		"fix_id":   fixID,
		"modified": strings.Join(result.Modified, ","),
	})
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RestartTimeout)
	err = o.lifecycle.Restart(rctx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("restarting preview: %w", err)
	}

	// Stage 6: Verify. Clear the queue so only errors produced after the
	// restart count, then let the app settle.
	o.logs.Clear(o.projectID)
	o.emit(model.EventFixVerifying, map[string]string{"fix_id": fixID})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(o.cfg.VerifyWindow):
	}

	if residual := o.criticalCount(); residual > 0 {
		return false, fmt.Errorf("%d errors persisted after fix", residual)
	}

	// Success: reset the budget and start the cooldown.
	o.logs.Clear(o.projectID)
	o.mu.Lock()
	o.attempts = 0
	o.cooldownUntil = time.Now().Add(o.cfg.Cooldown)
	o.mu.Unlock()

	o.emit(model.EventFixComplete, map[string]string{
		"fix_id":      fixID,
		"explanation": model.Truncate(resp.Explanation, 300),
		"modified":    strings.Join(result.Modified, ","),
	})
	if terr := o.machine.Transition(StateIdle); terr != nil {
		return true, terr
	}
	return true, nil
}

func (o *Orchestrator) criticalCount() int {
	n := 0
	for _, rec := range o.logs.Records(o.projectID) {
		if rec.Severity == errdetect.SeverityCritical {
			n++
		}
	}
	return n
}

// summarize renders the error queue for the fixer, including mechanical
// remediation hints where the detector has one.
func (o *Orchestrator) summarize(records []errdetect.Record) string {
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "- [%s/%s] %s", rec.Kind, rec.Severity, rec.Message)
		if rec.File != "" {
			fmt.Fprintf(&b, " (%s:%d)", rec.File, rec.Line)
		}
		b.WriteString("\n")
		if rec.Context != "" {
			fmt.Fprintf(&b, "  context:\n    %s\n", strings.ReplaceAll(rec.Context, "\n", "\n    "))
		}
		if s := o.detector.SuggestFix(rec); s != nil {
			fmt.Fprintf(&b, "  hint: %s %s (`%s`)\n", s.Action, s.Target, s.Command)
		}
	}
	return b.String()
}

// supplementPerExt caps how many non-flagged files of each error extension
// are added to the fixer context.
const supplementPerExt = 3

// gatherContext picks the files the fixer sees: root-cause-ranked error
// files first, then remaining files referenced by errors, then a few related
// project files sharing those extensions, all capped.
func (o *Orchestrator) gatherContext(records []errdetect.Record) (map[string]string, error) {
	locations := make(map[string]int)
	for _, rec := range records {
		if rec.File != "" {
			locations[rec.File] = rec.Line
		}
	}

	var ordered []string
	if len(locations) > 0 {
		graph, err := depgraph.Build(o.projectID, o.files)
		if err != nil {
			return nil, fmt.Errorf("building dependency graph: %w", err)
		}
		ordered = graph.RootCauseFiles(locations)
	}

	seen := make(map[string]bool)
	for _, p := range ordered {
		seen[p] = true
	}
	var rest []string
	for p := range locations {
		p = strings.TrimPrefix(p, "/app/")
		if !seen[p] {
			rest = append(rest, p)
			seen[p] = true
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	// Related files the errors never name often hold the actual fix (the
	// schema a broken import points at, a sibling module). Top up with
	// project files sharing the error files' extensions.
	if len(ordered) > 0 && len(ordered) < o.cfg.MaxContextFiles {
		perExt := make(map[string]int)
		for _, p := range ordered {
			perExt[filepath.Ext(p)] = 0
		}
		if all, err := o.files.List(o.projectID, "*"); err == nil {
			sort.Strings(all)
			for _, p := range all {
				if len(ordered) >= o.cfg.MaxContextFiles {
					break
				}
				n, wanted := perExt[filepath.Ext(p)]
				if !wanted || n >= supplementPerExt || seen[p] {
					continue
				}
				ordered = append(ordered, p)
				seen[p] = true
				perExt[filepath.Ext(p)] = n + 1
			}
		}
	}

	if len(ordered) > o.cfg.MaxContextFiles {
		ordered = ordered[:o.cfg.MaxContextFiles]
	}

	files := make(map[string]string, len(ordered))
	for _, p := range ordered {
		content, ok, err := o.files.Read(o.projectID, p)
		if err != nil || !ok {
			continue
		}
		files[p] = content
	}
	return files, nil
}

// emit persists the event and publishes it on the bus.
func (o *Orchestrator) emit(kind model.EventKind, payload map[string]string) {
	ev := model.NewEvent(kind, o.projectID, "autofix", payload)
	_ = o.db.AddEvent(ev)
	o.bus.Publish(ev)
}
