package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loomlabs/warden/internal/service"
)

// Exec starts a service as a child process. The command is run through
// /bin/sh when it contains shell metacharacters, otherwise executed
// directly.
type Exec struct {
	Command string
	WorkDir string
	Env     []string
	Port    int
	// Probe overrides the default liveness check. When nil the adapter
	// probes the child PID, or the Port when one is set.
	Probe Probe

	mu   sync.Mutex
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

func NewExec(command string) *Exec { return &Exec{Command: command} }

func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

func (e *Exec) Start(ctx context.Context, options map[string]string) (service.StartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pid > 0 && processAlive(e.pid) {
		return service.StartResult{}, fmt.Errorf("already running with pid %d", e.pid)
	}
	cmdStr := e.Command
	if override := options["command"]; override != "" {
		cmdStr = override
	}
	if strings.TrimSpace(cmdStr) == "" {
		return service.StartResult{}, fmt.Errorf("empty command")
	}
	cmd := buildCommand(cmdStr)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	// Env, when set, is the complete merged environment (see internal/env)
	if len(e.Env) > 0 {
		cmd.Env = e.Env
	}
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return service.StartResult{}, err
	}
	e.cmd = cmd
	e.pid = cmd.Process.Pid
	e.done = make(chan struct{})
	done := e.done
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	// readiness gate: if a probe or port is configured, wait for it before
	// reporting started
	if p := e.probe(); p != nil {
		if err := e.awaitReady(ctx, p); err != nil {
			_ = killGroup(e.pid)
			return service.StartResult{}, err
		}
	}
	return service.StartResult{PID: e.pid, Port: e.Port}, nil
}

func (e *Exec) probe() Probe {
	if e.Probe != nil {
		return e.Probe
	}
	if e.Port > 0 {
		return TCPProbe{Addr: fmt.Sprintf("127.0.0.1:%d", e.Port)}
	}
	return nil
}

func (e *Exec) awaitReady(ctx context.Context, p Probe) error {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := p.Check(ctx, time.Second); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness: %w", ctx.Err())
		case <-e.done:
			return fmt.Errorf("process exited before becoming ready")
		case <-tick.C:
		}
	}
}

// Stop terminates the child. A positive timeout sends SIGTERM and escalates
// to SIGKILL when the grace window passes; a zero timeout kills immediately.
func (e *Exec) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	pid := e.pid
	done := e.done
	e.mu.Unlock()
	if pid <= 0 {
		return nil
	}
	if !processAlive(pid) {
		e.clear()
		return nil
	}
	if timeout <= 0 {
		err := killGroup(pid)
		e.clear()
		return err
	}
	if err := terminateGroup(pid); err != nil {
		if !processAlive(pid) {
			e.clear()
			return nil
		}
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		_ = killGroup(pid)
	case <-timer.C:
		_ = killGroup(pid)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return fmt.Errorf("process %d did not exit after kill", pid)
		}
	}
	e.clear()
	return nil
}

func (e *Exec) clear() {
	e.mu.Lock()
	e.pid = 0
	e.cmd = nil
	e.mu.Unlock()
}

func (e *Exec) HealthCheck(ctx context.Context, timeout time.Duration) service.Health {
	p := e.probe()
	if p == nil {
		p = pidProbe{pid: e.PID}
	}
	return runProbe(ctx, p, timeout)
}

// PID returns the last started child pid, 0 when not running.
func (e *Exec) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}
