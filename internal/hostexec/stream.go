// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostexec

import (
	"bufio"
	"context"
	"fmt"
	"sync"
)

// EventType discriminates streamed execution events.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventError  EventType = "error"
	EventDone   EventType = "done"
)

// Event is one element of an execution stream. It is serialized as an
// SSE frame at the HTTP edge.
type Event struct {
	Type     EventType `json:"type"`
	Line     string    `json:"line,omitempty"`
	Error    string    `json:"error,omitempty"`
	Success  bool      `json:"success,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
}

// ExecuteStream runs a command and yields its output line by line. The
// returned channel is closed after the terminal Done event. Lines are
// delivered as the readers pull them; there is no buffering beyond the
// OS pipe, so a slow consumer exerts backpressure on the child.
func (e *Executor) ExecuteStream(ctx context.Context, req Request) (<-chan Event, error) {
	timeout := ClampTimeout(req.Timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd, err := e.buildCmd(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	events := make(chan Event)

	go func() {
		defer close(events)
		defer cancel()

		// Both pipe readers run concurrently; Done is only emitted
		// once both have reached EOF and the child has been reaped.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				select {
				case events <- Event{Type: EventStdout, Line: scanner.Text()}:
				case <-ctx.Done():
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(stderr)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				select {
				case events <- Event{Type: EventStderr, Line: scanner.Text()}:
				case <-ctx.Done():
					return
				}
			}
		}()

		waitCh := make(chan error, 1)
		go func() {
			wg.Wait()
			waitCh <- cmd.Wait()
		}()

		var waitErr error
		timedOut := false
		select {
		case waitErr = <-waitCh:
		case <-ctx.Done():
			timedOut = true
			e.killGroup(cmd)
			waitErr = <-waitCh
		}

		if timedOut {
			events <- Event{
				Type:  EventError,
				Error: fmt.Sprintf("Command timed out after %d seconds", int(timeout.Seconds())),
			}
			events <- Event{Type: EventDone, Success: false, ExitCode: -1}
			return
		}

		exitCode := 0
		success := true
		if waitErr != nil {
			success = false
			exitCode = exitCodeOf(waitErr)
			if exitCode == -1 {
				events <- Event{Type: EventError, Error: waitErr.Error()}
			}
		}
		events <- Event{Type: EventDone, Success: success, ExitCode: exitCode}
	}()

	return events, nil
}

// StreamLines runs a long-lived command (typically a tail) and yields
// its stdout lines until the context is cancelled or the child exits.
// Unlike ExecuteStream there is no timeout: the caller owns the
// lifetime. Stderr is discarded.
func (e *Executor) StreamLines(ctx context.Context, req Request) (<-chan string, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd, err := e.buildCmd(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		defer cancel()

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				e.killGroup(cmd)
			case <-done:
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		close(done)
		cmd.Wait()
	}()

	return lines, nil
}

func exitCodeOf(err error) int {
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode()
	}
	return -1
}
