// Package server provides the mendbox HTTP API server and wires the system
// together: runtime, stores, buses, detector, fixer, and the per-project
// orchestrators.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kishoreUdatha/mendbox/internal/autofix"
	"github.com/kishoreUdatha/mendbox/internal/config"
	"github.com/kishoreUdatha/mendbox/internal/lifecycle"
	"github.com/kishoreUdatha/mendbox/internal/registry"
	"github.com/kishoreUdatha/mendbox/internal/sandbox"
	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
	"github.com/kishoreUdatha/mendbox/pkg/eventbus"
	"github.com/kishoreUdatha/mendbox/pkg/fixer"
	"github.com/kishoreUdatha/mendbox/pkg/fixer/anthropic"
	"github.com/kishoreUdatha/mendbox/pkg/logbus"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/notify"
	"github.com/kishoreUdatha/mendbox/pkg/patch"
	"github.com/kishoreUdatha/mendbox/pkg/ports"
	"github.com/kishoreUdatha/mendbox/pkg/runtime"
	"github.com/kishoreUdatha/mendbox/pkg/runtime/docker"
	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// project bundles one project's orchestrators and their trigger goroutine.
type project struct {
	lifecycle *lifecycle.Orchestrator
	autofix   *autofix.Orchestrator
	cancel    context.CancelFunc
}

// Server is the mendbox HTTP API server.
type Server struct {
	config   *config.Config
	db       *store.Store
	bus      eventbus.Bus
	logs     *logbus.Bus
	detector *errdetect.Detector
	files    *storage.Local
	rt       runtime.Runtime
	manager  *sandbox.Manager
	fix      fixer.Fixer
	applier  patch.Applier
	projects *registry.Registry[*project]
	notifier *notify.Slack // nil if Slack is not configured
	router   chi.Router
}

// New creates a new Server with all dependencies.
func New(cfg *config.Config) (*Server, error) {
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	alloc, err := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("initializing port allocator: %w", err)
	}

	detector := errdetect.New()
	extra, err := cfg.ExtraErrorRules()
	if err != nil {
		return nil, err
	}
	for _, r := range extra {
		detector.AddRule(r)
	}

	s := &Server{
		config:   cfg,
		db:       db,
		bus:      eventbus.NewInMemoryBus(),
		logs:     logbus.New(),
		detector: detector,
		files:    storage.NewLocal(cfg.ProjectsDir),
		rt:       docker.New(),
		applier:  patch.NewFullWriter(),
	}
	s.manager = sandbox.NewManager(s.rt, alloc, s.files, db, sandbox.Options{
		Network:      cfg.DockerNetwork,
		PreviewHost:  cfg.PreviewHost,
		MaxSandboxes: cfg.MaxSandboxes,
		MemoryMB:     cfg.SandboxMemoryMB,
		CPUs:         cfg.SandboxCPUs,
		IdleTimeout:  cfg.SandboxIdleTimeout,
	})

	if cfg.AutoFix.Enabled {
		s.fix = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}

	s.projects = registry.New(s.newProject)
	s.router = s.buildRouter()

	if cfg.SlackEnabled() {
		s.notifier = notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel, s.bus)
		log.Println("Slack notifications enabled")
	}

	return s, nil
}

// newProject constructs a project's orchestrator pair and starts the fix
// trigger goroutine. Called once per project by the registry.
func (s *Server) newProject(projectID string) *project {
	lc := lifecycle.New(projectID, s.manager, s.rt, s.detector, s.logs, s.bus, s.db, lifecycle.Options{})

	af := autofix.New(projectID, autofix.Config{
		Enabled:            s.config.AutoFix.Enabled && s.fix != nil,
		MinErrorsToTrigger: s.config.AutoFix.MinErrorsToTrigger,
		Debounce:           s.config.AutoFix.Debounce,
		Cooldown:           s.config.AutoFix.Cooldown,
		MaxAttempts:        s.config.AutoFix.MaxAttempts,
		FixTimeout:         s.config.AutoFix.FixTimeout,
		RestartTimeout:     s.config.AutoFix.RestartTimeout,
		VerifyWindow:       s.config.AutoFix.VerifyWindow,
		MaxContextFiles:    s.config.AutoFix.MaxContextFiles,
	}, s.detector, s.logs, s.files, s.fix, s.applier, lc, s.bus, s.db)

	ctx, cancel := context.WithCancel(context.Background())
	go af.Run(ctx)

	return &project{lifecycle: lc, autofix: af, cancel: cancel}
}

// Start starts the HTTP server, the expiry sweep, and the notifier.
func (s *Server) Start(ctx context.Context) error {
	if err := s.rt.EnsureNetwork(ctx, s.config.DockerNetwork); err != nil {
		log.Printf("Warning: could not create Docker network: %v", err)
	}

	go s.manager.RunCleanupLoop(ctx, time.Minute)

	if s.notifier != nil {
		go s.notifier.Run(ctx)
	}

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("mendbox server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return s.db.Close()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Post("/projects/{id}/start", s.handleStartProject)
		r.Post("/projects/{id}/stop", s.handleStopProject)
		r.Post("/projects/{id}/restart", s.handleRestartProject)
		r.Post("/projects/{id}/fix/reset", s.handleResetFix)
		r.Get("/projects/{id}/events", s.handleGetEvents)
		r.Get("/projects/{id}/events/stream", s.handleStreamEvents)
		r.Get("/projects/{id}/errors", s.handleGetErrors)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Get("/sandboxes", s.handleListSandboxes)
	})

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type startProjectRequest struct {
	UserID     string   `json:"user_id,omitempty"`
	Technology string   `json:"technology,omitempty"` // empty = detect from files
	Env        []string `json:"env,omitempty"`
}

type projectStatusResponse struct {
	ProjectID string         `json:"project_id"`
	State     string         `json:"state"`
	FixState  string         `json:"fix_state"`
	Attempts  int            `json:"fix_attempts"`
	Restarts  int            `json:"restarts"`
	Sandbox   *model.Sandbox `json:"sandbox,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startProjectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	p := s.projects.Get(id)
	sb, err := p.lifecycle.Start(r.Context(), req.UserID, req.Technology, req.Env)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sb)
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.projects.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not started")
		return
	}
	if err := p.lifecycle.Stop(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	status := s.statusOf(id, p)

	// Explicit teardown: stop the fix-trigger goroutine and drop the registry
	// entry so a later start builds fresh orchestrators.
	p.cancel()
	s.projects.Remove(id)

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRestartProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.projects.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not started")
		return
	}
	if err := p.lifecycle.Restart(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(id, p))
}

func (s *Server) handleResetFix(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.projects.Peek(id)
	if !ok {
		writeError(w, http.StatusNotFound, "project not started")
		return
	}
	if err := p.autofix.Reset(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(id, p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.projects.Peek(id)
	if !ok {
		// Not started in this process; a sandbox row may survive from a
		// previous run.
		sb, err := s.db.GetActiveSandboxForProject(id)
		if err == nil && sb != nil {
			writeJSON(w, http.StatusOK, projectStatusResponse{
				ProjectID: id,
				State:     string(lifecycle.StateNone),
				FixState:  string(autofix.StateIdle),
				Sandbox:   sb,
			})
			return
		}
		writeError(w, http.StatusNotFound, "project not started")
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(id, p))
}

func (s *Server) statusOf(id string, p *project) projectStatusResponse {
	return projectStatusResponse{
		ProjectID: id,
		State:     string(p.lifecycle.State()),
		FixState:  string(p.autofix.State()),
		Attempts:  p.autofix.Attempts(),
		Restarts:  p.lifecycle.Restarts(),
		Sandbox:   p.lifecycle.Sandbox(),
	}
}

// handleGetEvents returns stored events, optionally after a given event ID
// for incremental polling.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after_id"), 10, 64)

	events, err := s.db.GetEvents(id, afterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get events")
		log.Printf("Error getting events: %v", err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStreamEvents replays stored events and then streams live ones as SSE.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := s.db.GetEvents(id, 0)
	for _, e := range events {
		writeSSE(w, e)
	}
	flusher.Flush()

	ch := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

// handleGetErrors returns the project's pending error records grouped by
// category.
func (s *Server) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.logs.Grouped(id))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	sandboxes, err := s.db.ListSandboxes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sandboxes")
		log.Printf("Error listing sandboxes: %v", err)
		return
	}
	if sandboxes == nil {
		sandboxes = []*model.Sandbox{}
	}
	writeJSON(w, http.StatusOK, sandboxes)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Kind, string(data))
}
