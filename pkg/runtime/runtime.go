// Package runtime defines the container runtime interface behind the sandbox
// manager.
package runtime

import "context"

// StartOptions configures a new sandbox container.
type StartOptions struct {
	SandboxID    string
	ProjectID    string
	Image        string   // base image for the detected technology
	Command      string   // shell command the container runs
	Env          []string // additional environment variables
	MountDir     string   // host project directory mounted at /app
	InternalPort int      // port the app listens on inside the container
	ExternalPort int      // leased host port mapped to InternalPort
	Network      string   // container network name

	// Resource limits (optional, zero means the defaults apply).
	MemoryMB int
	CPUs     int
}

// LineScanner provides line-by-line reading of container output.
type LineScanner interface {
	Scan() bool
	Text() string
	Err() error
	Close() error
}

// Runtime manages sandbox container lifecycle.
type Runtime interface {
	Start(ctx context.Context, opts StartOptions) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	StreamLogs(ctx context.Context, containerID string) (LineScanner, error)
	Exec(ctx context.Context, containerID string, cmd []string) (LineScanner, error)
	ExecCollect(ctx context.Context, containerID string, cmd []string) (string, error)
	EnsureNetwork(ctx context.Context, name string) error
	IsRunning(ctx context.Context, containerID string) bool
}
