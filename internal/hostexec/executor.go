// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostexec runs shell commands in the host's namespaces from
// inside a privileged container. When the agent is not containerized the
// command runs directly on the host.
package hostexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"grimm.is/fleetwall/internal/logging"
)

const (
	// MinTimeout and MaxTimeout bound the per-call timeout.
	MinTimeout = 1 * time.Second
	MaxTimeout = 600 * time.Second

	// DefaultTimeout applies when the caller passes zero.
	DefaultTimeout = 30 * time.Second

	// extraPath is prepended so snap-installed binaries (certbot in
	// particular) resolve inside the minimal container PATH.
	extraPath = "/snap/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

	containerMarker = "/.dockerenv"
)

// proxyVars are forwarded verbatim from the agent environment to every
// host command so outbound tooling honors the operator's proxy setup.
var proxyVars = []string{
	"http_proxy", "https_proxy",
	"HTTP_PROXY", "HTTPS_PROXY",
	"ALL_PROXY", "UPDATE_PROXY",
}

// Request describes a single host command invocation.
type Request struct {
	Command string        `json:"command"`
	Timeout time.Duration `json:"timeout"`
	Shell   string        `json:"shell"` // "sh" (default) or "bash"
}

// Result is the outcome of a completed host command. ExitCode -1 is
// reserved for "process killed before exit".
type Result struct {
	Success         bool   `json:"success"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

// Executor runs commands in the host namespace. It is stateless; every
// call allocates its own child process, so there is no internal lock.
type Executor struct {
	logger        *logging.Logger
	containerized bool
	nsenterPath   string
}

// New creates an executor, detecting whether the agent runs inside a
// container (marker file or a non-root cgroup name).
func New(logger *logging.Logger) *Executor {
	e := &Executor{
		logger:        logger.WithComponent("hostexec"),
		containerized: detectContainer(),
	}
	if e.containerized {
		if p, err := exec.LookPath("nsenter"); err == nil {
			e.nsenterPath = p
		}
	}
	e.logger.Info("host executor initialized", "containerized", e.containerized)
	return e
}

// Containerized reports whether the agent detected a container environment.
func (e *Executor) Containerized() bool { return e.containerized }

func detectContainer() bool {
	if _, err := os.Stat(containerMarker); err == nil {
		return true
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "docker") || strings.Contains(s, "containerd") || strings.Contains(s, "kubepods")
}

// ClampTimeout brings a requested timeout into [MinTimeout, MaxTimeout].
func ClampTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultTimeout
	}
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// buildCmd assembles the exec.Cmd for a request. In a container the
// command is wrapped in nsenter targeting PID 1's mount/UTS/net/IPC/PID/
// cgroup namespaces.
func (e *Executor) buildCmd(ctx context.Context, req Request) (*exec.Cmd, error) {
	shell := req.Shell
	switch shell {
	case "", "sh":
		shell = "sh"
	case "bash":
	default:
		return nil, fmt.Errorf("unsupported shell: %s", req.Shell)
	}

	var cmd *exec.Cmd
	if e.containerized {
		if e.nsenterPath == "" {
			return nil, fmt.Errorf("nsenter not available; cannot reach host namespace")
		}
		cmd = exec.CommandContext(ctx, e.nsenterPath,
			"-t", "1", "-m", "-u", "-n", "-i", "-p", "-C",
			"--", shell, "-c", req.Command)
	} else {
		shellPath, err := exec.LookPath(shell)
		if err != nil {
			return nil, fmt.Errorf("shell %s not found: %w", shell, err)
		}
		cmd = exec.CommandContext(ctx, shellPath, "-c", req.Command)
	}

	cmd.Env = commandEnv()
	// Own process group so a timeout can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

func commandEnv() []string {
	env := []string{"PATH=" + extraPath + ":" + os.Getenv("PATH")}
	for _, name := range proxyVars {
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

// Execute runs a command and collects its full output. The timeout is
// clamped; on expiry the child process group is killed and the result
// carries ExitCode -1.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	timeout := ClampTimeout(req.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd, err := e.buildCmd(ctx, req)
	if err != nil {
		return Result{
			Success:         false,
			ExitCode:        -1,
			Error:           err.Error(),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{
			Success:         false,
			ExitCode:        -1,
			Error:           fmt.Sprintf("failed to start command: %v", err),
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	waitErr := e.waitWithKill(ctx, cmd, timeout)
	elapsed := time.Since(start)

	res := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExecutionTimeMS: elapsed.Milliseconds(),
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Error = fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds()))
	case waitErr == nil:
		res.Success = true
		res.ExitCode = 0
	default:
		if ee, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = waitErr.Error()
		}
	}

	return res
}

// waitWithKill waits for the command; if the context expires first the
// whole process group receives SIGKILL before Wait returns.
func (e *Executor) waitWithKill(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		e.killGroup(cmd)
		<-done
		return ctx.Err()
	}
}

// killGroup kills the child and its process group.
func (e *Executor) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	// Negative PID addresses the process group created by Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		e.logger.Debug("process group kill failed, killing pid directly", "pid", pid, "error", err)
		_ = cmd.Process.Kill()
	}
}
