// Package sandbox manages ephemeral preview containers: one live container
// per project, leased host ports, and idle expiry.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/detect"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/ports"
	"github.com/kishoreUdatha/mendbox/pkg/runtime"
	"github.com/kishoreUdatha/mendbox/pkg/storage"
)

// Options configures the Manager.
type Options struct {
	Network      string
	PreviewHost  string
	MaxSandboxes int
	MemoryMB     int
	CPUs         int
	IdleTimeout  time.Duration
}

// Manager owns the authoritative in-memory sandbox map and enforces the
// one-live-container-per-project invariant and the global concurrency cap.
type Manager struct {
	mu        sync.Mutex
	sandboxes map[string]*model.Sandbox // sandbox ID → sandbox
	byProject map[string]string         // project ID → sandbox ID

	rt    runtime.Runtime
	ports *ports.Allocator
	files *storage.Local
	db    *store.Store
	opts  Options
}

// NewManager creates a sandbox Manager. The file store must be local: the
// project directory is bind-mounted into the container.
func NewManager(rt runtime.Runtime, alloc *ports.Allocator, files *storage.Local, db *store.Store, opts Options) *Manager {
	if opts.PreviewHost == "" {
		opts.PreviewHost = "localhost"
	}
	if opts.MaxSandboxes <= 0 {
		opts.MaxSandboxes = 20
	}
	return &Manager{
		sandboxes: make(map[string]*model.Sandbox),
		byProject: make(map[string]string),
		rt:        rt,
		ports:     alloc,
		files:     files,
		db:        db,
		opts:      opts,
	}
}

// Create provisions a container for a project. Any live sandbox for the same
// project is stopped first. technology may be empty, in which case it is
// detected from the project files. On any failure the leased port is released
// and the sandbox is marked failed; creation is never retried.
func (m *Manager) Create(ctx context.Context, projectID, userID, technology string, env []string) (*model.Sandbox, error) {
	// Stop any existing sandbox for this project before reserving a slot, so
	// the replaced sandbox never counts against the cap.
	if prev := m.GetByProject(projectID); prev != nil {
		if err := m.Stop(ctx, prev.ID); err != nil {
			return nil, fmt.Errorf("stopping previous sandbox: %w", err)
		}
	}

	sb := &model.Sandbox{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		UserID:       userID,
		Status:       model.SandboxCreating,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}

	m.mu.Lock()
	if len(m.sandboxes) >= m.opts.MaxSandboxes {
		m.mu.Unlock()
		return nil, fmt.Errorf("sandbox limit reached (%d)", m.opts.MaxSandboxes)
	}
	m.sandboxes[sb.ID] = sb
	m.byProject[projectID] = sb.ID
	m.mu.Unlock()

	if err := m.provision(ctx, sb, technology, env); err != nil {
		sb.Status = model.SandboxFailed
		sb.Error = err.Error()
		if sb.ExternalPort != 0 {
			m.ports.Release(sb.ExternalPort)
			sb.ExternalPort = 0
		}
		m.mu.Lock()
		delete(m.sandboxes, sb.ID)
		if m.byProject[projectID] == sb.ID {
			delete(m.byProject, projectID)
		}
		m.mu.Unlock()
		if dbErr := m.db.UpdateSandbox(sb); dbErr != nil {
			return nil, fmt.Errorf("%w (also failed to persist: %v)", err, dbErr)
		}
		return nil, err
	}
	return sb, nil
}

// provision leases a port, resolves the technology, and launches the
// container. The sandbox record is persisted before the container starts so
// a crash mid-provision leaves a traceable row.
func (m *Manager) provision(ctx context.Context, sb *model.Sandbox, technology string, env []string) error {
	var tech detect.Technology
	if technology != "" {
		tech = detect.Lookup(technology)
	} else {
		manifest, err := m.loadManifest(sb.ProjectID)
		if err != nil {
			return fmt.Errorf("reading project files: %w", err)
		}
		tech = detect.Detect(manifest)
	}
	sb.Technology = tech.Name
	sb.InternalPort = tech.DefaultPort

	port, err := m.ports.Lease()
	if err != nil {
		return fmt.Errorf("leasing port: %w", err)
	}
	sb.ExternalPort = port
	sb.PreviewURL = fmt.Sprintf("http://%s:%d", m.opts.PreviewHost, port)

	if err := m.db.CreateSandbox(sb); err != nil {
		return fmt.Errorf("persisting sandbox: %w", err)
	}

	command := tech.StartCommand
	if tech.InstallCommand != "" {
		command = tech.InstallCommand + " && " + tech.StartCommand
	}

	containerID, err := m.rt.Start(ctx, runtime.StartOptions{
		SandboxID:    sb.ID,
		ProjectID:    sb.ProjectID,
		Image:        tech.Image,
		Command:      command,
		Env:          env,
		MountDir:     m.files.ProjectDir(sb.ProjectID),
		InternalPort: sb.InternalPort,
		ExternalPort: sb.ExternalPort,
		Network:      m.opts.Network,
		MemoryMB:     m.opts.MemoryMB,
		CPUs:         m.opts.CPUs,
	})
	if err != nil {
		return fmt.Errorf("launching container: %w", err)
	}
	sb.ContainerID = containerID
	return m.db.UpdateSandbox(sb)
}

// loadManifest builds the detection manifest: every project file by relative
// path, with content loaded only for the manifests detection inspects.
func (m *Manager) loadManifest(projectID string) (map[string]string, error) {
	paths, err := m.files.List(projectID, "*")
	if err != nil {
		return nil, err
	}
	manifest := make(map[string]string, len(paths))
	for _, p := range paths {
		manifest[p] = ""
	}
	for _, p := range []string{"package.json", "requirements.txt"} {
		if content, ok, err := m.files.Read(projectID, p); err == nil && ok {
			manifest[p] = content
		}
	}
	return manifest, nil
}

// Stop tears down a sandbox and releases its port. Idempotent: stopping an
// unknown or already stopped sandbox is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if ok {
		delete(m.sandboxes, id)
		if m.byProject[sb.ProjectID] == id {
			delete(m.byProject, sb.ProjectID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	return m.teardown(ctx, sb, model.SandboxStopped)
}

func (m *Manager) teardown(ctx context.Context, sb *model.Sandbox, final model.SandboxStatus) error {
	if sb.ContainerID != "" {
		if err := m.rt.Stop(ctx, sb.ContainerID); err != nil {
			return fmt.Errorf("stopping container: %w", err)
		}
	}
	if sb.ExternalPort != 0 {
		m.ports.Release(sb.ExternalPort)
	}
	sb.Status = final
	sb.LastActivity = time.Now().UTC()
	return m.db.UpdateSandbox(sb)
}

// MarkRunning records that the sandbox's app port answered.
func (m *Manager) MarkRunning(sb *model.Sandbox) error {
	sb.Status = model.SandboxRunning
	sb.LastActivity = time.Now().UTC()
	return m.db.UpdateSandbox(sb)
}

// Get returns a sandbox by ID, or nil.
func (m *Manager) Get(id string) *model.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[id]
}

// GetByProject returns the project's live sandbox, or nil.
func (m *Manager) GetByProject(projectID string) *model.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byProject[projectID]; ok {
		return m.sandboxes[id]
	}
	return nil
}

// List returns all live sandboxes.
func (m *Manager) List() []*model.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, sb)
	}
	return out
}

// Touch refreshes a sandbox's last activity timestamp.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	sb := m.sandboxes[id]
	if sb != nil {
		sb.LastActivity = time.Now().UTC()
	}
	m.mu.Unlock()
	if sb != nil {
		_ = m.db.TouchSandbox(id)
	}
}

// ExecCommand runs a shell command inside a running sandbox and returns its
// combined output. Counts as activity.
func (m *Manager) ExecCommand(ctx context.Context, id, command string) (string, error) {
	sb := m.Get(id)
	if sb == nil || sb.ContainerID == "" {
		return "", fmt.Errorf("sandbox %s is not running", id)
	}
	out, err := m.rt.ExecCollect(ctx, sb.ContainerID, []string{"sh", "-c", command})
	if err != nil {
		return "", err
	}
	m.Touch(id)
	return out, nil
}

// WriteFile writes content to a path inside a running sandbox via a heredoc,
// so no temporary files or volumes are needed. The project mount makes the
// write visible on the host as well.
func (m *Manager) WriteFile(ctx context.Context, id, path, content string) error {
	if strings.Contains(path, "'") {
		return fmt.Errorf("invalid path %q", path)
	}
	script := fmt.Sprintf("mkdir -p \"$(dirname '%s')\" && cat > '%s' << 'MENDBOX_EOF'\n%s\nMENDBOX_EOF", path, path, content)
	if _, err := m.ExecCommand(ctx, id, script); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CleanupExpired stops sandboxes idle past the configured timeout and marks
// them expired. Returns the number of sandboxes reaped.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var expired []*model.Sandbox
	for _, sb := range m.sandboxes {
		if sb.Status == model.SandboxRunning && sb.LastActivity.Before(cutoff) {
			expired = append(expired, sb)
		}
	}
	for _, sb := range expired {
		delete(m.sandboxes, sb.ID)
		if m.byProject[sb.ProjectID] == sb.ID {
			delete(m.byProject, sb.ProjectID)
		}
	}
	m.mu.Unlock()

	for _, sb := range expired {
		_ = m.teardown(ctx, sb, model.SandboxExpired)
	}
	return len(expired)
}

// RunCleanupLoop sweeps for expired sandboxes on an interval until ctx is
// cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired(ctx)
		}
	}
}
