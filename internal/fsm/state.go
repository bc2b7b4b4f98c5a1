// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package fsm implements the per-slot mount lifecycle state machine: the
// activation/deactivation pipeline that drives a remote image from a Mount
// request to an active local block device and back.
package fsm

import (
	"errors"
	"syscall"
	"weak"

	"github.com/NVIDIA/remote-media/internal/process"
	"github.com/NVIDIA/remote-media/internal/vault"
)

// StateKind is the FSM's closed set of states (spec.md section 3).
type StateKind int

const (
	StateInitial StateKind = iota
	StateReady
	StateActivating
	StateWaitingForGadget
	StateActive
	StateWaitingForProcessEnd
)

func (k StateKind) String() string {
	switch k {
	case StateInitial:
		return "Initial"
	case StateReady:
		return "Ready"
	case StateActivating:
		return "Activating"
	case StateWaitingForGadget:
		return "WaitingForGadget"
	case StateActive:
		return "Active"
	case StateWaitingForProcessEnd:
		return "WaitingForProcessEnd"
	default:
		return "Unknown"
	}
}

// ErrorKind is the small vocabulary of platform error codes a failed
// activation or teardown can surface (spec.md section 7).
type ErrorKind int

const (
	ErrInvalidArgument ErrorKind = iota
	ErrOperationCanceled
	ErrIOError
	ErrDeviceOrResourceBusy
	ErrOperationNotSupported
)

// Errno maps a Kind onto the platform error code vocabulary bus callers
// expect, per spec.md section 7.
func (k ErrorKind) Errno() syscall.Errno {
	switch k {
	case ErrInvalidArgument:
		return syscall.EINVAL
	case ErrOperationCanceled:
		return syscall.ECANCELED
	case ErrIOError:
		return syscall.EIO
	case ErrDeviceOrResourceBusy:
		return syscall.EBUSY
	case ErrOperationNotSupported:
		return syscall.EOPNOTSUPP
	default:
		return syscall.EIO
	}
}

// Error is bound into a Ready state when activation or teardown fails.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrProtocolViolation is returned to bus callers (as EPERM) when a Mount
// or Unmount request arrives in a state that does not accept it.
var ErrProtocolViolation = errors.New("protocol violation: event not valid in current state")

// Target is the transient record of an in-progress or active mount. It
// exists iff the owning slot is in any state other than Initial or Ready.
type Target struct {
	ImageURL string
	RW       bool
	MountDir string
	Creds    *vault.Credentials

	// User is the credential username captured before Creds is scrubbed,
	// so it survives to be read back as the MountPoint.User property
	// while the slot is Active (spec.md section 4.5).
	User string
}

// State is the FSM's current tagged state. Proc is only meaningful when
// HasProc is true (WaitingForGadget, Active, WaitingForProcessEnd); it is
// a weak reference so the slot never keeps a process handle alive past
// what the supervisor already tracks (spec.md section 3, "Child process
// handle"). The reverse direction is strong: the exit callback handed to
// Spawn holds the slot until the process exits.
type State struct {
	Kind    StateKind
	Err     *Error
	Proc    weak.Pointer[process.Handle]
	HasProc bool
}

// Snapshot is a point-in-time, safe-to-read-from-any-goroutine copy of a
// slot's externally observable state, used by the bus surface to answer
// MountPoint/Process property reads and to poll for Mount/Unmount
// completion (spec.md section 4.5).
type Snapshot struct {
	Kind     StateKind
	Err      *Error
	Target   *Target
	ExitCode int32
}

// Active reports whether the snapshot represents an Active slot.
func (s Snapshot) Active() bool {
	return s.Kind == StateActive
}
