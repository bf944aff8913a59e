package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kishoreUdatha/mendbox/internal/config"
	"github.com/kishoreUdatha/mendbox/pkg/model"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ServerAddr:     ":0",
		DataDir:        dir,
		DatabasePath:   filepath.Join(dir, "test.db"),
		ProjectsDir:    filepath.Join(dir, "projects"),
		DockerNetwork:  "test-net",
		PreviewHost:    "localhost",
		PortRangeStart: 10000,
		PortRangeEnd:   10010,
		MaxSandboxes:   5,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.db.Close() })
	return s
}

func doRequest(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestGetEventsEmpty(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/projects/p1/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var events []*model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestGetEventsAfterID(t *testing.T) {
	s := testServer(t)
	for _, kind := range []model.EventKind{model.EventDockerCreating, model.EventDockerRunning} {
		if err := s.db.AddEvent(model.NewEvent(kind, "p1", "test", nil)); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/api/projects/p1/events", "")
	var events []*model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	rec = doRequest(t, s, http.MethodGet,
		"/api/projects/p1/events?after_id="+strconv.FormatInt(events[0].ID, 10), "")
	var tail []*model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &tail); err != nil {
		t.Fatalf("decode tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Kind != model.EventDockerRunning {
		t.Fatalf("after_id filter broken: %+v", tail)
	}
}

func TestListSandboxesEmpty(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/sandboxes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sandboxes []*model.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &sandboxes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sandboxes) != 0 {
		t.Fatalf("expected no sandboxes, got %d", len(sandboxes))
	}
}

func TestListSandboxes(t *testing.T) {
	s := testServer(t)
	now := time.Now().UTC()
	err := s.db.CreateSandbox(&model.Sandbox{
		ID:           "sb1",
		ProjectID:    "p1",
		Status:       model.SandboxStopped,
		Technology:   "flask",
		CreatedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/sandboxes", "")
	var sandboxes []*model.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &sandboxes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sandboxes) != 1 || sandboxes[0].ID != "sb1" {
		t.Fatalf("unexpected listing: %+v", sandboxes)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	s := testServer(t)
	for _, c := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/projects/ghost/stop"},
		{http.MethodPost, "/api/projects/ghost/restart"},
		{http.MethodPost, "/api/projects/ghost/fix/reset"},
		{http.MethodGet, "/api/projects/ghost"},
	} {
		rec := doRequest(t, s, c.method, c.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", c.method, c.path, rec.Code)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Errorf("%s %s: not a JSON error: %s", c.method, c.path, rec.Body.String())
		}
	}
}

func TestGetProjectFromPersistedSandbox(t *testing.T) {
	s := testServer(t)
	now := time.Now().UTC()
	err := s.db.CreateSandbox(&model.Sandbox{
		ID:           "sb1",
		ProjectID:    "p1",
		Status:       model.SandboxRunning,
		Technology:   "flask",
		CreatedAt:    now,
		LastActivity: now,
	})
	if err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/projects/p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status struct {
		ProjectID string         `json:"project_id"`
		State     string         `json:"state"`
		Sandbox   *model.Sandbox `json:"sandbox"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "none" || status.Sandbox == nil || status.Sandbox.ID != "sb1" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetErrorsEmpty(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/projects/p1/errors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStopProjectTearsDownRegistryEntry(t *testing.T) {
	s := testServer(t)
	s.projects.Get("p1") // materialize the entry as a start would

	rec := doRequest(t, s, http.MethodPost, "/api/projects/p1/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d, want 200", rec.Code)
	}

	if _, ok := s.projects.Peek("p1"); ok {
		t.Fatal("stopped project still in registry")
	}

	// With the entry gone, a second stop is a 404 like any unknown project.
	rec = doRequest(t, s, http.MethodPost, "/api/projects/p1/stop", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second stop = %d, want 404", rec.Code)
	}
}

func TestStartInvalidBody(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/projects/p1/start", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
