package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/ports"
	"github.com/kishoreUdatha/mendbox/pkg/runtime"
	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// --- stubs ---

type stubRuntime struct {
	mu         sync.Mutex
	startCalls []runtime.StartOptions
	stopCalls  []string
	execCalls  []string
	startErr   error
}

func (s *stubRuntime) Start(_ context.Context, opts runtime.StartOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.startCalls = append(s.startCalls, opts)
	return fmt.Sprintf("container-%d", len(s.startCalls)), nil
}
func (s *stubRuntime) Stop(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls = append(s.stopCalls, id)
	return nil
}
func (s *stubRuntime) Restart(_ context.Context, _ string) error { return nil }
func (s *stubRuntime) StreamLogs(_ context.Context, _ string) (runtime.LineScanner, error) {
	return &stubScanner{}, nil
}
func (s *stubRuntime) Exec(_ context.Context, _ string, _ []string) (runtime.LineScanner, error) {
	return &stubScanner{}, nil
}
func (s *stubRuntime) ExecCollect(_ context.Context, _ string, cmd []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls = append(s.execCalls, strings.Join(cmd, " "))
	return "ok", nil
}
func (s *stubRuntime) EnsureNetwork(_ context.Context, _ string) error { return nil }
func (s *stubRuntime) IsRunning(_ context.Context, _ string) bool      { return true }

func (s *stubRuntime) stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopCalls...)
}

type stubScanner struct{}

func (s *stubScanner) Scan() bool   { return false }
func (s *stubScanner) Text() string { return "" }
func (s *stubScanner) Err() error   { return nil }
func (s *stubScanner) Close() error { return nil }

// --- helpers ---

func testManager(t *testing.T, opts Options) (*Manager, *stubRuntime, *storage.Local, *ports.Allocator) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	alloc, err := ports.NewAllocator(10000, 10004)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	files := storage.NewLocal(t.TempDir())
	rt := &stubRuntime{}
	return NewManager(rt, alloc, files, db, opts), rt, files, alloc
}

func seedFlask(t *testing.T, files *storage.Local, projectID string) {
	t.Helper()
	if err := files.Write(projectID, "requirements.txt", "flask\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := files.Write(projectID, "app.py", "from flask import Flask\n"); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// --- tests ---

func TestCreateDetectsTechnologyAndLeasesPort(t *testing.T) {
	m, rt, files, alloc := testManager(t, Options{})
	seedFlask(t, files, "p1")

	sb, err := m.Create(context.Background(), "p1", "u1", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sb.Technology != "flask" {
		t.Fatalf("expected flask, got %q", sb.Technology)
	}
	if sb.InternalPort != 5000 {
		t.Fatalf("expected internal port 5000, got %d", sb.InternalPort)
	}
	if !alloc.Leased(sb.ExternalPort) {
		t.Fatal("external port not leased")
	}
	if sb.Status != model.SandboxCreating {
		t.Fatalf("expected creating, got %q", sb.Status)
	}
	if sb.ContainerID == "" {
		t.Fatal("container id missing")
	}
	if !strings.Contains(sb.PreviewURL, fmt.Sprint(sb.ExternalPort)) {
		t.Fatalf("preview URL missing port: %q", sb.PreviewURL)
	}

	opts := rt.startCalls[0]
	if opts.Image != "python:3.11-slim" {
		t.Fatalf("wrong image %q", opts.Image)
	}
	if !strings.Contains(opts.Command, "pip install -r requirements.txt") {
		t.Fatalf("install command missing: %q", opts.Command)
	}
	if !strings.Contains(opts.Command, "python app.py") {
		t.Fatalf("start command missing: %q", opts.Command)
	}
}

func TestCreateStopsPreviousSandboxForProject(t *testing.T) {
	m, rt, files, alloc := testManager(t, Options{})
	seedFlask(t, files, "p1")

	first, err := m.Create(context.Background(), "p1", "u1", "", nil)
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	firstPort := first.ExternalPort

	second, err := m.Create(context.Background(), "p1", "u1", "", nil)
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}

	stopped := rt.stopped()
	if len(stopped) != 1 || stopped[0] != first.ContainerID {
		t.Fatalf("first container not stopped: %v", stopped)
	}
	if alloc.Leased(firstPort) && firstPort != second.ExternalPort {
		t.Fatal("first port not released")
	}
	if got := m.GetByProject("p1"); got == nil || got.ID != second.ID {
		t.Fatalf("project should map to second sandbox, got %+v", got)
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 live sandbox, got %d", len(m.List()))
	}
}

func TestCreateEnforcesCap(t *testing.T) {
	m, _, files, _ := testManager(t, Options{MaxSandboxes: 2})
	for _, p := range []string{"p1", "p2"} {
		seedFlask(t, files, p)
		if _, err := m.Create(context.Background(), p, "u1", "", nil); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
	}

	seedFlask(t, files, "p3")
	if _, err := m.Create(context.Background(), "p3", "u1", "", nil); err == nil {
		t.Fatal("expected cap error")
	}
}

func TestCreateFailureReleasesPort(t *testing.T) {
	m, rt, files, alloc := testManager(t, Options{})
	seedFlask(t, files, "p1")
	rt.startErr = fmt.Errorf("docker daemon unreachable")

	if _, err := m.Create(context.Background(), "p1", "u1", "", nil); err == nil {
		t.Fatal("expected create error")
	}
	if alloc.InUse() != 0 {
		t.Fatalf("port leaked on failure: %d in use", alloc.InUse())
	}
	if m.GetByProject("p1") != nil {
		t.Fatal("failed sandbox still registered")
	}

	// The failure must not poison the project: a later create succeeds.
	rt.startErr = nil
	if _, err := m.Create(context.Background(), "p1", "u1", "", nil); err != nil {
		t.Fatalf("create after failure: %v", err)
	}
}

func TestCreateExplicitTechnology(t *testing.T) {
	m, rt, _, _ := testManager(t, Options{})
	// No files needed: the technology is given.
	sb, err := m.Create(context.Background(), "p1", "u1", "fastapi", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sb.Technology != "fastapi" || sb.InternalPort != 8000 {
		t.Fatalf("explicit technology not honored: %+v", sb)
	}
	if !strings.Contains(rt.startCalls[0].Command, "uvicorn") {
		t.Fatalf("wrong command %q", rt.startCalls[0].Command)
	}
}

func TestStopIdempotent(t *testing.T) {
	m, rt, files, alloc := testManager(t, Options{})
	seedFlask(t, files, "p1")

	sb, _ := m.Create(context.Background(), "p1", "u1", "", nil)
	if err := m.Stop(context.Background(), sb.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if alloc.InUse() != 0 {
		t.Fatal("port not released on stop")
	}
	if m.Get(sb.ID) != nil {
		t.Fatal("sandbox still live after stop")
	}

	// Second stop and stop of an unknown id are no-ops.
	if err := m.Stop(context.Background(), sb.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := m.Stop(context.Background(), "ghost"); err != nil {
		t.Fatalf("stop unknown: %v", err)
	}
	if len(rt.stopped()) != 1 {
		t.Fatalf("container stopped more than once: %v", rt.stopped())
	}
}

func TestExecCommandTouchesActivity(t *testing.T) {
	m, rt, files, _ := testManager(t, Options{})
	seedFlask(t, files, "p1")
	sb, _ := m.Create(context.Background(), "p1", "u1", "", nil)

	before := sb.LastActivity
	time.Sleep(10 * time.Millisecond)

	out, err := m.ExecCommand(context.Background(), sb.ID, "pip install requests")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(rt.execCalls[0], "pip install requests") {
		t.Fatalf("command not passed through: %v", rt.execCalls)
	}
	if !m.Get(sb.ID).LastActivity.After(before) {
		t.Fatal("activity not refreshed")
	}
}

func TestExecCommandUnknownSandbox(t *testing.T) {
	m, _, _, _ := testManager(t, Options{})
	if _, err := m.ExecCommand(context.Background(), "ghost", "ls"); err == nil {
		t.Fatal("expected error for unknown sandbox")
	}
}

func TestWriteFileUsesHeredoc(t *testing.T) {
	m, rt, files, _ := testManager(t, Options{})
	seedFlask(t, files, "p1")
	sb, _ := m.Create(context.Background(), "p1", "u1", "", nil)

	if err := m.WriteFile(context.Background(), sb.ID, "src/new.py", "print(1)\n"); err != nil {
		t.Fatalf("write file: %v", err)
	}
	call := rt.execCalls[len(rt.execCalls)-1]
	if !strings.Contains(call, "MENDBOX_EOF") || !strings.Contains(call, "src/new.py") {
		t.Fatalf("heredoc exec not issued: %q", call)
	}

	if err := m.WriteFile(context.Background(), sb.ID, "bad'path", "x"); err == nil {
		t.Fatal("expected error for quoted path")
	}
}

func TestCleanupExpired(t *testing.T) {
	m, rt, files, alloc := testManager(t, Options{IdleTimeout: 50 * time.Millisecond})
	seedFlask(t, files, "p1")
	sb, _ := m.Create(context.Background(), "p1", "u1", "", nil)
	if err := m.MarkRunning(sb); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	// Fresh sandboxes are untouched.
	if n := m.CleanupExpired(context.Background()); n != 0 {
		t.Fatalf("reaped fresh sandbox: %d", n)
	}

	time.Sleep(80 * time.Millisecond)
	if n := m.CleanupExpired(context.Background()); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	if sb.Status != model.SandboxExpired {
		t.Fatalf("expected expired, got %q", sb.Status)
	}
	if alloc.InUse() != 0 {
		t.Fatal("port not released on expiry")
	}
	if len(rt.stopped()) != 1 {
		t.Fatalf("container not stopped: %v", rt.stopped())
	}
}
