package autofix

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
	"github.com/kishoreUdatha/mendbox/pkg/eventbus"
	"github.com/kishoreUdatha/mendbox/pkg/fixer"
	"github.com/kishoreUdatha/mendbox/pkg/logbus"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/patch"
	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

const pythonTraceback = `Traceback (most recent call last):
  File "/app/app.py", line 1, in <module>
    import requests
ModuleNotFoundError: No module named 'requests'`

// --- stubs ---

type stubFixer struct {
	mu      sync.Mutex
	calls   int
	lastReq fixer.Request
	patches []patch.Patch
	err     error
}

func (s *stubFixer) Fix(_ context.Context, req fixer.Request) (*fixer.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &fixer.Response{
		Success:     len(s.patches) > 0,
		Patches:     s.patches,
		Explanation: "replaced the missing import",
	}, nil
}

func (s *stubFixer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubFixer) lastRequest() fixer.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

type stubRestarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubRestarter) Restart(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubRestarter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- fixture ---

type fixture struct {
	orch      *Orchestrator
	fix       *stubFixer
	restarter *stubRestarter
	detector  *errdetect.Detector
	logs      *logbus.Bus
	files     *storage.Local
	db        *store.Store
}

func newFixture(t *testing.T, fix *stubFixer, cfg Config) *fixture {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	files := storage.NewLocal(t.TempDir())
	if err := files.Write("p1", "app.py", "import requests\napp = 1\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	detector := errdetect.New()
	logs := logbus.New()
	restarter := &stubRestarter{}
	orch := New("p1", cfg, detector, logs, files, fix, patch.NewFullWriter(), restarter,
		eventbus.NewInMemoryBus(), db)

	return &fixture{
		orch:      orch,
		fix:       fix,
		restarter: restarter,
		detector:  detector,
		logs:      logs,
		files:     files,
		db:        db,
	}
}

func fastConfig() Config {
	return Config{
		Enabled:      true,
		Debounce:     20 * time.Millisecond,
		VerifyWindow: 20 * time.Millisecond,
		Cooldown:     time.Hour,
		MaxAttempts:  2,
	}
}

func (f *fixture) pushTraceback(t *testing.T) {
	t.Helper()
	recs := f.detector.Detect(pythonTraceback)
	if len(recs) == 0 {
		t.Fatal("traceback produced no records")
	}
	f.logs.Push("p1", recs...)
}

func (f *fixture) waitForState(t *testing.T, want ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, w := range want {
			if string(f.orch.State()) == w {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %s", want, f.orch.State())
}

func (f *fixture) eventKinds(t *testing.T) map[model.EventKind]int {
	t.Helper()
	events, err := f.db.GetEvents("p1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	kinds := make(map[model.EventKind]int)
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	return kinds
}

// --- tests ---

func TestFixLoopSuccess(t *testing.T) {
	fixed := "import os\napp = 1\n"
	fix := &stubFixer{patches: []patch.Patch{{File: "app.py", Content: fixed}}}
	f := newFixture(t, fix, fastConfig())

	f.pushTraceback(t)
	f.orch.Notify()
	f.orch.Notify() // a burst re-arms the debounce, still one run

	// The run starts after the debounce and finishes after the verify window.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if kinds := f.eventKinds(t); kinds[model.EventFixComplete] > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	kinds := f.eventKinds(t)
	for _, want := range []model.EventKind{
		model.EventFixStarted,
		model.EventFixAnalyzing,
		model.EventFixGenerating,
		model.EventFixApplying,
		model.EventFixRestarting,
		model.EventFixVerifying,
		model.EventFixComplete,
	} {
		if kinds[want] == 0 {
			t.Errorf("stage event %s missing (have %v)", want, kinds)
		}
	}

	if f.fix.callCount() != 1 {
		t.Fatalf("fixer called %d times, want 1", f.fix.callCount())
	}
	if f.restarter.callCount() != 1 {
		t.Fatalf("restarter called %d times, want 1", f.restarter.callCount())
	}

	content, ok, err := f.files.Read("p1", "app.py")
	if err != nil || !ok {
		t.Fatalf("read patched file: ok=%v err=%v", ok, err)
	}
	if content != fixed {
		t.Fatalf("file not patched:\n%s", content)
	}

	f.waitForState(t, "idle")
	if f.orch.Attempts() != 0 {
		t.Fatalf("attempts = %d after success", f.orch.Attempts())
	}
	if f.logs.Count("p1") != 0 {
		t.Fatal("error queue not cleared after success")
	}

	// Inside the cooldown a fresh error must not trigger another run.
	f.pushTraceback(t)
	f.orch.Notify()
	time.Sleep(100 * time.Millisecond)
	if f.fix.callCount() != 1 {
		t.Fatalf("cooldown ignored: fixer called %d times", f.fix.callCount())
	}
}

func TestFixLoopExhaustsRetries(t *testing.T) {
	fix := &stubFixer{err: fmt.Errorf("model overloaded")}
	f := newFixture(t, fix, fastConfig())

	f.pushTraceback(t)
	f.orch.Notify()

	f.waitForState(t, "failed")

	if f.orch.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", f.orch.Attempts())
	}
	if f.fix.callCount() != 2 {
		t.Fatalf("fixer called %d times, want 2", f.fix.callCount())
	}

	kinds := f.eventKinds(t)
	if kinds[model.EventFixFailed] != 2 {
		t.Errorf("expected 2 failure events, got %d", kinds[model.EventFixFailed])
	}
	if kinds[model.EventFixMaxRetries] != 1 {
		t.Errorf("expected exactly 1 max-retries event, got %d", kinds[model.EventFixMaxRetries])
	}

	// Terminal: further errors are ignored until a manual reset.
	f.orch.Notify()
	time.Sleep(100 * time.Millisecond)
	if f.fix.callCount() != 2 {
		t.Fatalf("failed state ignored: fixer called %d times", f.fix.callCount())
	}

	if err := f.orch.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.orch.State() != StateIdle || f.orch.Attempts() != 0 {
		t.Fatalf("reset incomplete: state=%s attempts=%d", f.orch.State(), f.orch.Attempts())
	}
}

func TestEmptyQueueReturnsToIdle(t *testing.T) {
	fix := &stubFixer{patches: []patch.Patch{{File: "app.py", Content: "x"}}}
	f := newFixture(t, fix, fastConfig())

	f.pushTraceback(t)
	f.orch.Notify()
	// The queue drains before the debounce fires.
	f.logs.Clear("p1")

	time.Sleep(200 * time.Millisecond)
	if f.orch.State() != StateIdle {
		t.Fatalf("state = %s, want idle", f.orch.State())
	}
	if f.fix.callCount() != 0 {
		t.Fatalf("fixer called %d times for an empty queue", f.fix.callCount())
	}
}

func TestNotifyBelowThreshold(t *testing.T) {
	fix := &stubFixer{}
	cfg := fastConfig()
	cfg.MinErrorsToTrigger = 3
	f := newFixture(t, fix, cfg)

	f.pushTraceback(t)
	f.orch.Notify()
	time.Sleep(100 * time.Millisecond)

	if f.fix.callCount() != 0 {
		t.Fatal("loop triggered below the error threshold")
	}
	if f.orch.State() != StateIdle {
		t.Fatalf("state = %s", f.orch.State())
	}
}

func TestNotifyDisabled(t *testing.T) {
	fix := &stubFixer{}
	cfg := fastConfig()
	cfg.Enabled = false
	f := newFixture(t, fix, cfg)

	f.pushTraceback(t)
	f.orch.Notify()
	time.Sleep(100 * time.Millisecond)

	if f.fix.callCount() != 0 {
		t.Fatal("disabled loop still triggered")
	}
}

func TestVerifyFailureRetries(t *testing.T) {
	// The patch "applies" but the same error comes back during verification.
	fix := &stubFixer{patches: []patch.Patch{{File: "app.py", Content: "still broken\n"}}}
	cfg := fastConfig()
	cfg.VerifyWindow = 100 * time.Millisecond
	cfg.MaxAttempts = 1
	f := newFixture(t, fix, cfg)

	f.pushTraceback(t)
	f.orch.Notify()

	// Re-inject the error mid-verification, as the restarted app would.
	time.Sleep(60 * time.Millisecond)
	f.pushTraceback(t)

	f.waitForState(t, "failed")
	kinds := f.eventKinds(t)
	if kinds[model.EventFixMaxRetries] != 1 {
		t.Fatalf("expected max-retries after verify failure, got %v", kinds)
	}
}

func TestConflictingPatchFails(t *testing.T) {
	// A patch whose base hash no longer matches must not be applied.
	fix := &stubFixer{patches: []patch.Patch{{
		File:     "app.py",
		Content:  "new\n",
		BaseHash: patch.Hash("some other content"),
	}}}
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	f := newFixture(t, fix, cfg)

	f.pushTraceback(t)
	f.orch.Notify()

	f.waitForState(t, "failed")

	content, _, _ := f.files.Read("p1", "app.py")
	if content != "import requests\napp = 1\n" {
		t.Fatalf("conflicting patch was applied:\n%s", content)
	}
	if f.restarter.callCount() != 0 {
		t.Fatal("restarted despite zero modified files")
	}
}

func TestFixerReceivesContextFromStreamedLogs(t *testing.T) {
	fixed := "import os\napp = 1\n"
	fix := &stubFixer{patches: []patch.Patch{{File: "app.py", Content: fixed}}}
	f := newFixture(t, fix, fastConfig())

	// Feed the traceback one line at a time, the way the log collector does.
	stream := f.detector.NewStream()
	for _, line := range strings.Split(pythonTraceback, "\n") {
		for _, rec := range stream.Feed(line) {
			f.logs.Push("p1", rec)
		}
	}
	if f.logs.Count("p1") == 0 {
		t.Fatal("streamed traceback produced no records")
	}

	f.orch.Notify()
	f.waitForState(t, "idle")

	req := fix.lastRequest()
	if len(req.Files) == 0 {
		t.Fatal("fixer received no file context from streamed logs")
	}
	if req.Files["app.py"] != "import requests\napp = 1\n" {
		t.Fatalf("fixer missing the error file, got %v", keys(req.Files))
	}
	if !strings.Contains(req.ErrorSummary, "app.py:1") {
		t.Fatalf("summary lost file attribution:\n%s", req.ErrorSummary)
	}
}

func TestGatherContextSupplementsRelatedFiles(t *testing.T) {
	fix := &stubFixer{}
	f := newFixture(t, fix, fastConfig())

	for name, content := range map[string]string{
		"helper.py": "def helper(): pass\n",
		"util.py":   "def util(): pass\n",
		"notes.txt": "not code\n",
	} {
		if err := f.files.Write("p1", name, content); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	records := f.detector.Detect(pythonTraceback)
	files, err := f.orch.gatherContext(records)
	if err != nil {
		t.Fatalf("gather context: %v", err)
	}

	if _, ok := files["app.py"]; !ok {
		t.Fatalf("error file missing from context: %v", keys(files))
	}
	// Non-flagged .py files ride along up to the per-extension cap.
	if _, ok := files["helper.py"]; !ok {
		t.Errorf("related file helper.py not supplemented: %v", keys(files))
	}
	if _, ok := files["util.py"]; !ok {
		t.Errorf("related file util.py not supplemented: %v", keys(files))
	}
	if _, ok := files["notes.txt"]; ok {
		t.Error("unrelated extension included in context")
	}
}

func TestGatherContextHonorsOverallCap(t *testing.T) {
	fix := &stubFixer{}
	cfg := fastConfig()
	cfg.MaxContextFiles = 2
	f := newFixture(t, fix, cfg)

	for _, name := range []string{"a.py", "b.py", "c.py", "d.py"} {
		if err := f.files.Write("p1", name, "x = 1\n"); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	files, err := f.orch.gatherContext(f.detector.Detect(pythonTraceback))
	if err != nil {
		t.Fatalf("gather context: %v", err)
	}
	if len(files) > 2 {
		t.Fatalf("cap exceeded: %d files (%v)", len(files), keys(files))
	}
}

func TestConfigClampsMaxContextFiles(t *testing.T) {
	c := Config{MaxContextFiles: 50}
	c.defaults()
	if c.MaxContextFiles != 20 {
		t.Fatalf("MaxContextFiles = %d, want clamped to 20", c.MaxContextFiles)
	}

	c = Config{}
	c.defaults()
	if c.MaxContextFiles != 8 {
		t.Fatalf("MaxContextFiles default = %d, want 8", c.MaxContextFiles)
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
