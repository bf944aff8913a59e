// Package docker implements runtime.Runtime using the Docker CLI.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kishoreUdatha/mendbox/pkg/runtime"
)

// Runtime implements runtime.Runtime by shelling out to docker.
type Runtime struct {
	dockerBin string
}

// New creates a new Docker runtime.
func New() *Runtime {
	return &Runtime{
		dockerBin: findDocker(),
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

// Start creates and starts a new sandbox container. Returns the container ID.
func (r *Runtime) Start(ctx context.Context, opts runtime.StartOptions) (string, error) {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("mendbox-%s", opts.SandboxID),
		"--label", "mendbox.sandbox=" + opts.SandboxID,
		"--label", "mendbox.project=" + opts.ProjectID,
	}

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.ExternalPort > 0 && opts.InternalPort > 0 {
		args = append(args, "-p", fmt.Sprintf("%d:%d", opts.ExternalPort, opts.InternalPort))
	}
	if opts.MountDir != "" {
		args = append(args, "-v", opts.MountDir+":/app", "-w", "/app")
	}

	memoryMB := opts.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	cpus := opts.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	args = append(args,
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--cpus", fmt.Sprintf("%d", cpus),
		"--pids-limit", "256",
	)

	envVars := make([]string, 0, len(opts.Env)+3)
	envVars = append(envVars, opts.Env...)
	envVars = append(envVars,
		"MENDBOX_SANDBOX_ID="+opts.SandboxID,
		"MENDBOX_PROJECT="+opts.ProjectID,
		fmt.Sprintf("PORT=%d", opts.InternalPort),
	)
	for _, e := range envVars {
		args = append(args, "-e", e)
	}

	args = append(args, opts.Image, "sh", "-c", opts.Command)

	cmd := r.docker(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}

	containerID := strings.TrimSpace(string(output))
	return containerID, nil
}

// Stop kills and removes a sandbox container.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	_ = r.docker(ctx, "kill", containerID).Run()
	cmd := r.docker(ctx, "rm", "-f", containerID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// Restart restarts a container in place, keeping its port mapping and mounts.
func (r *Runtime) Restart(ctx context.Context, containerID string) error {
	cmd := r.docker(ctx, "restart", "-t", "5", containerID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("restarting container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// StreamLogs attaches to a container's output and returns a line-by-line reader.
func (r *Runtime) StreamLogs(ctx context.Context, containerID string) (runtime.LineScanner, error) {
	cmd := r.docker(ctx, "logs", "-f", containerID)
	return startScanning(cmd, "log stream")
}

// Exec runs a command inside a running container and returns a streaming
// line scanner. The caller must call Close() on the returned scanner.
func (r *Runtime) Exec(ctx context.Context, containerID string, command []string) (runtime.LineScanner, error) {
	args := append([]string{"exec", containerID}, command...)
	cmd := r.docker(ctx, args...)
	return startScanning(cmd, "exec")
}

// ExecCollect runs a command inside a container and returns all output as a string.
func (r *Runtime) ExecCollect(ctx context.Context, containerID string, command []string) (string, error) {
	args := append([]string{"exec", containerID}, command...)
	cmd := r.docker(ctx, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("exec failed: %w\noutput: %s", err, string(output))
	}
	return string(output), nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	check := r.docker(ctx, "network", "inspect", name)
	if check.Run() == nil {
		return nil
	}

	cmd := r.docker(ctx, "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

// IsRunning checks if a container is still running.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	cmd := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// startScanning wires a started command's merged stdout/stderr into a
// lineScanner.
func startScanning(cmd *exec.Cmd, what string) (runtime.LineScanner, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", what, err)
	}

	merged := io.MultiReader(stdout, stderr)
	scanner := bufio.NewScanner(merged)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

	return &lineScanner{
		scanner: scanner,
		cmd:     cmd,
	}, nil
}

// lineScanner wraps a bufio.Scanner for reading container output lines.
type lineScanner struct {
	scanner *bufio.Scanner
	cmd     *exec.Cmd
}

func (ls *lineScanner) Scan() bool   { return ls.scanner.Scan() }
func (ls *lineScanner) Text() string { return ls.scanner.Text() }
func (ls *lineScanner) Err() error   { return ls.scanner.Err() }

func (ls *lineScanner) Close() error {
	if ls.cmd.Process != nil {
		_ = ls.cmd.Process.Kill()
	}
	return ls.cmd.Wait()
}
