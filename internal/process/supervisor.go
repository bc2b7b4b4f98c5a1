// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package process spawns, tracks, and terminates the external nbd-client
// and nbdkit binaries a mount slot depends on, reporting exit
// asynchronously to the owning slot.
package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/remote-media/internal/syncutil"
)

// gracePeriod is how long Stop waits after SIGTERM before sending SIGKILL.
const gracePeriod = 3 * time.Second

// ExitFunc is invoked once, asynchronously, when a spawned process exits.
// ready is reserved for a future readiness-probe signal and is always
// false in this implementation (see DESIGN.md).
type ExitFunc func(exitCode int, ready bool)

// Handle is a live child process. The Supervisor holds the only strong
// reference; callers (the FSM) should hold it behind a weak.Pointer so a
// process can outlive a state transition without the FSM keeping it alive
// artificially.
type Handle struct {
	name string
	cmd  *exec.Cmd

	mu      sync.Mutex
	stopped bool
}

// Name returns the label this process was spawned under (for logging).
func (h *Handle) Name() string {
	return h.name
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Stop requests termination: SIGTERM, then SIGKILL after gracePeriod.
// Idempotent and safe to call multiple times or concurrently.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	if h.cmd.Process == nil {
		return
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug().Err(err).Str("proc", h.name).Msg("SIGTERM delivery failed, process likely already gone")
		return
	}

	time.AfterFunc(gracePeriod, func() {
		if h.cmd.Process == nil {
			return
		}
		_ = h.cmd.Process.Signal(syscall.SIGKILL)
	})
}

// Supervisor owns the strong references to every live child process.
type Supervisor struct {
	mu    syncutil.Mutex
	procs map[int]*Handle
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{procs: make(map[int]*Handle)}
}

// Spawn launches argv[0] with argv[1:], invoking onExit exactly once when
// it terminates. onExit runs on a goroutine owned by the supervisor, not
// the caller's goroutine - callers that mutate single-threaded state from
// it must hop back onto their own serialization point.
func (s *Supervisor) Spawn(ctx context.Context, name string, argv []string, onExit ExitFunc) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("spawn %s: empty argv", name)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	h := &Handle{name: name, cmd: cmd}

	s.mu.Lock()
	s.procs[h.Pid()] = h
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		exitCode := exitCodeFromError(cmd, err)

		s.mu.Lock()
		delete(s.procs, h.Pid())
		s.mu.Unlock()

		if onExit != nil {
			onExit(exitCode, false)
		}
	}()

	return h, nil
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if exitCodeOf(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func exitCodeOf(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError) //nolint:errorlint // exec.Cmd.Wait never wraps
	if !ok {
		return false
	}
	*target = ee
	return true
}

// Count reports the number of processes the supervisor currently tracks.
// Test-only helper, useful for property testing invariant 1 from outside
// a single slot.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
