// Package lifecycle drives one project's container through an explicit state
// machine: start, restart in place, stop, with background log collection and
// a liveness health monitor.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kishoreUdatha/mendbox/internal/sandbox"
	"github.com/kishoreUdatha/mendbox/internal/store"
	"github.com/kishoreUdatha/mendbox/pkg/errdetect"
	"github.com/kishoreUdatha/mendbox/pkg/eventbus"
	"github.com/kishoreUdatha/mendbox/pkg/fsm"
	"github.com/kishoreUdatha/mendbox/pkg/logbus"
	"github.com/kishoreUdatha/mendbox/pkg/model"
	"github.com/kishoreUdatha/mendbox/pkg/runtime"
)

// Container lifecycle states.
const (
	StateNone       fsm.State = "none"
	StateCreating   fsm.State = "creating"
	StateStarted    fsm.State = "started"
	StateRunning    fsm.State = "running"
	StateRestarting fsm.State = "restarting"
	StateStopping   fsm.State = "stopping"
	StateStopped    fsm.State = "stopped"
	StateFailed     fsm.State = "failed"
)

// transitions is the legal state graph. Failed is reachable from every
// non-terminal state via Force.
var transitions = map[fsm.State][]fsm.State{
	StateNone:       {StateCreating},
	StateCreating:   {StateStarted, StateFailed},
	StateStarted:    {StateRunning, StateFailed},
	StateRunning:    {StateRestarting, StateStopping, StateFailed},
	StateRestarting: {StateRunning, StateFailed},
	StateStopping:   {StateStopped},
	StateStopped:    {StateCreating},
	StateFailed:     {StateCreating},
}

// Options tunes the orchestrator.
type Options struct {
	PortWaitTimeout   time.Duration // how long to wait for the app port after start/restart
	HealthInterval    time.Duration // liveness poll interval
	MaxHealthRestarts int           // consecutive health-restart failures before giving up
	HealthBackoff     time.Duration // pause added after each failed health restart
}

func (o *Options) defaults() {
	if o.PortWaitTimeout <= 0 {
		o.PortWaitTimeout = 60 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.MaxHealthRestarts <= 0 {
		o.MaxHealthRestarts = 3
	}
	if o.HealthBackoff <= 0 {
		o.HealthBackoff = 5 * time.Second
	}
}

// Orchestrator manages one project's container lifecycle.
type Orchestrator struct {
	projectID string
	mgr       *sandbox.Manager
	rt        runtime.Runtime
	detector  *errdetect.Detector
	logs      *logbus.Bus
	bus       eventbus.Bus
	db        *store.Store
	opts      Options

	machine *fsm.Machine

	mu            sync.Mutex
	sb            *model.Sandbox
	restarts      int
	cancelCollect context.CancelFunc
	cancelHealth  context.CancelFunc
}

// New creates an orchestrator for one project.
func New(projectID string, mgr *sandbox.Manager, rt runtime.Runtime, detector *errdetect.Detector,
	logs *logbus.Bus, bus eventbus.Bus, db *store.Store, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		projectID: projectID,
		mgr:       mgr,
		rt:        rt,
		detector:  detector,
		logs:      logs,
		bus:       bus,
		db:        db,
		opts:      opts,
		machine:   fsm.New(StateNone, transitions),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() fsm.State { return o.machine.Current() }

// Sandbox returns the current sandbox, or nil before the first start.
func (o *Orchestrator) Sandbox() *model.Sandbox {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sb
}

// Restarts returns how many in-place restarts have completed.
func (o *Orchestrator) Restarts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.restarts
}

// Start provisions the container, waits for the app port, and launches the
// log collector and health monitor.
func (o *Orchestrator) Start(ctx context.Context, userID, technology string, env []string) (*model.Sandbox, error) {
	if err := o.machine.Transition(StateCreating); err != nil {
		return nil, err
	}
	o.emit(model.EventDockerCreating, nil)

	sb, err := o.mgr.Create(ctx, o.projectID, userID, technology, env)
	if err != nil {
		o.fail(fmt.Errorf("creating sandbox: %w", err))
		return nil, err
	}
	o.mu.Lock()
	o.sb = sb
	o.mu.Unlock()

	if err := o.machine.Transition(StateStarted); err != nil {
		return nil, err
	}
	o.emit(model.EventDockerStarted, map[string]string{"container_id": model.Truncate(sb.ContainerID, 12)})

	if err := o.waitForPort(ctx, sb.ExternalPort); err != nil {
		_ = o.mgr.Stop(ctx, sb.ID)
		o.fail(fmt.Errorf("waiting for port %d: %w", sb.ExternalPort, err))
		return nil, err
	}

	if err := o.mgr.MarkRunning(sb); err != nil {
		o.fail(fmt.Errorf("marking running: %w", err))
		return nil, err
	}
	if err := o.machine.Transition(StateRunning); err != nil {
		return nil, err
	}
	o.emit(model.EventDockerRunning, map[string]string{
		"preview_url": sb.PreviewURL,
		"technology":  sb.Technology,
	})

	o.startCollector(sb.ContainerID)
	o.startHealthMonitor(sb.ContainerID)
	return sb, nil
}

// Restart restarts the container in place, keeping its port mapping and
// mount. Log collection pauses during the restart and resumes afterwards.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := o.machine.Transition(StateRestarting); err != nil {
		return err
	}

	o.mu.Lock()
	sb := o.sb
	cancel := o.cancelCollect
	o.cancelCollect = nil
	o.mu.Unlock()
	if sb == nil {
		return fmt.Errorf("no sandbox to restart")
	}
	if cancel != nil {
		cancel()
	}

	o.emit(model.EventDockerRestarting, nil)
	o.emit(model.EventPreviewReloading, map[string]string{"preview_url": sb.PreviewURL})

	if err := o.rt.Restart(ctx, sb.ContainerID); err != nil {
		o.fail(fmt.Errorf("restarting container: %w", err))
		return err
	}
	if err := o.waitForPort(ctx, sb.ExternalPort); err != nil {
		o.fail(fmt.Errorf("waiting for port %d after restart: %w", sb.ExternalPort, err))
		return err
	}

	o.startCollector(sb.ContainerID)

	o.mu.Lock()
	o.restarts++
	n := o.restarts
	o.mu.Unlock()
	o.mgr.Touch(sb.ID)

	if err := o.machine.Transition(StateRunning); err != nil {
		return err
	}
	o.emit(model.EventDockerRunning, map[string]string{
		"preview_url": sb.PreviewURL,
		"restarts":    strconv.Itoa(n),
	})
	return nil
}

// Stop tears down the container and all background goroutines. Idempotent
// once stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.machine.Is(StateStopped, StateNone) {
		return nil
	}
	if err := o.machine.Transition(StateStopping); err != nil {
		return err
	}
	o.stopGoroutines()

	o.mu.Lock()
	sb := o.sb
	o.mu.Unlock()
	if sb != nil {
		if err := o.mgr.Stop(ctx, sb.ID); err != nil {
			o.fail(fmt.Errorf("stopping sandbox: %w", err))
			return err
		}
	}

	if err := o.machine.Transition(StateStopped); err != nil {
		return err
	}
	o.emit(model.EventDockerStopped, nil)
	return nil
}

func (o *Orchestrator) stopGoroutines() {
	o.mu.Lock()
	cancelCollect := o.cancelCollect
	cancelHealth := o.cancelHealth
	o.cancelCollect = nil
	o.cancelHealth = nil
	o.mu.Unlock()
	if cancelCollect != nil {
		cancelCollect()
	}
	if cancelHealth != nil {
		cancelHealth()
	}
}

// fail forces the machine into the failed state and emits a failure event.
func (o *Orchestrator) fail(err error) {
	o.stopGoroutines()
	o.machine.Force(StateFailed)
	o.emit(model.EventDockerFailed, map[string]string{"error": err.Error()})
}

// waitForPort polls the mapped host port until it accepts a TCP connection
// or the window closes.
func (o *Orchestrator) waitForPort(ctx context.Context, port int) error {
	deadline := time.Now().Add(o.opts.PortWaitTimeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("port %d did not open within %s", port, o.opts.PortWaitTimeout)
}

// startCollector attaches to the container's log stream and classifies every
// line through a windowed detector stream, so tracebacks spanning several
// lines keep their file and line attribution. Detected errors go onto the log
// bus and out as events.
func (o *Orchestrator) startCollector(containerID string) {
	cctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancelCollect = cancel
	o.mu.Unlock()

	go func() {
		scanner, err := o.rt.StreamLogs(cctx, containerID)
		if err != nil {
			return
		}
		defer scanner.Close()

		stream := o.detector.NewStream()
		for scanner.Scan() {
			line := scanner.Text()
			o.publishOnly(model.EventDockerLog, map[string]string{"line": model.Truncate(line, 500)})

			for _, rec := range stream.Feed(line) {
				o.logs.Push(o.projectID, rec)
				o.emit(model.EventDockerError, map[string]string{
					"kind":     string(rec.Kind),
					"severity": string(rec.Severity),
					"category": string(rec.Category),
					"message":  model.Truncate(rec.Message, 300),
				})
			}
		}
	}()
}

// startHealthMonitor polls container liveness and restarts in place when the
// container dies. Consecutive deaths trip a circuit breaker so a crash-looping
// container does not restart forever.
func (o *Orchestrator) startHealthMonitor(containerID string) {
	hctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancelHealth = cancel
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.opts.HealthInterval)
		defer ticker.Stop()

		deaths := 0
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}

			if !o.machine.Is(StateRunning) {
				continue
			}
			if o.rt.IsRunning(hctx, containerID) {
				deaths = 0
				continue
			}

			deaths++
			if deaths > o.opts.MaxHealthRestarts {
				o.fail(fmt.Errorf("container kept dying after %d restarts", deaths-1))
				return
			}
			if err := o.Restart(hctx); err != nil {
				// Restart already forced the failed state.
				return
			}
			select {
			case <-hctx.Done():
				return
			case <-time.After(o.opts.HealthBackoff * time.Duration(deaths)):
			}
		}
	}()
}

// emit persists the event and publishes it on the bus.
func (o *Orchestrator) emit(kind model.EventKind, payload map[string]string) {
	ev := model.NewEvent(kind, o.projectID, "lifecycle", payload)
	_ = o.db.AddEvent(ev)
	o.bus.Publish(ev)
}

// publishOnly publishes without persisting. Log lines are too chatty for the
// database; subscribers that care get them live.
func (o *Orchestrator) publishOnly(kind model.EventKind, payload map[string]string) {
	o.bus.Publish(model.NewEvent(kind, o.projectID, "lifecycle", payload))
}
