// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package fsm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"weak"

	"github.com/rs/zerolog"

	"github.com/NVIDIA/remote-media/internal/config"
	"github.com/NVIDIA/remote-media/internal/gadget"
	"github.com/NVIDIA/remote-media/internal/process"
	"github.com/NVIDIA/remote-media/internal/syncutil"
	"github.com/NVIDIA/remote-media/internal/vault"
)

// Notifier emits the bus ResourceCreated/ResourceDeleted signals a slot's
// Active transitions produce. It exists so this package never imports the
// bus surface that implements it.
type Notifier interface {
	ResourceCreated(objectPath string)
	ResourceDeleted(objectPath string)
}

// Slot drives one configured mount point through its lifecycle. All state
// mutation happens on a single goroutine per slot (run), so the FSM body
// itself needs no locking; a published Snapshot, guarded by snapMu, is how
// other goroutines (the bus surface polling Mount/Unmount completion, or
// reading Process/MountPoint properties) observe it safely.
type Slot struct {
	Name   string
	Cfg    config.MountPoint
	Super  *process.Supervisor
	Gadget gadget.Adapter
	Notify Notifier
	Log    zerolog.Logger

	// NBDClientPath/NBDKitPath name the external binaries activation
	// spawns. They default to the system install location and exist as
	// fields, rather than constants, only so tests can point them at
	// stand-ins.
	NBDClientPath string
	NBDKitPath    string

	state  State
	target *Target

	snapMu   syncutil.RWMutex
	snapshot Snapshot

	events  chan func()
	closed  chan struct{}
	janitor *socketJanitor
}

// NewSlot constructs a slot in the Initial state and starts its actor
// goroutine. Call RegisterBus once before any Mount/Unmount request can
// reach it, matching the daemon's startup ordering (spec.md section 4.1).
func NewSlot(name string, cfg config.MountPoint, super *process.Supervisor, adapter gadget.Adapter, notify Notifier, logger zerolog.Logger) *Slot {
	s := &Slot{
		Name:          name,
		Cfg:           cfg,
		Super:         super,
		Gadget:        adapter,
		Notify:        notify,
		Log:           logger,
		NBDClientPath: "/usr/sbin/nbd-client",
		NBDKitPath:    "/usr/sbin/nbdkit",
		events:        make(chan func(), 32),
		closed:        make(chan struct{}),
	}
	s.state = State{Kind: StateInitial}
	s.snapshot = Snapshot{Kind: StateInitial, ExitCode: -1}
	s.janitor = newSocketJanitor(cfg.UnixSocket, s.isIdle, logger)
	go s.run()
	return s
}

// isIdle reports whether the slot currently expects no live nbdkit
// holding its socket, i.e. whether a socket appearing right now would be
// stale rather than the product of an in-flight activation.
func (s *Slot) isIdle() bool {
	return s.Snapshot().Kind == StateReady
}

// Close stops the slot's actor goroutine. It does not touch any running
// child process; callers should Unmount first if one may be active.
func (s *Slot) Close() {
	s.janitor.Close()
	close(s.closed)
}

func (s *Slot) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.closed:
			return
		}
	}
}

// dispatch enqueues fn to run on the slot's own goroutine, in emission
// order relative to every other enqueued event (spec.md section 5).
func (s *Slot) dispatch(fn func()) {
	select {
	case s.events <- fn:
	case <-s.closed:
	}
}

// Snapshot returns the slot's most recently published state. Safe to call
// from any goroutine.
func (s *Slot) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot
}

func (s *Slot) publishSnapshot() {
	var tgt *Target
	if s.target != nil {
		t := *s.target
		tgt = &t
	}
	s.snapMu.Lock()
	s.snapshot = Snapshot{Kind: s.state.Kind, Err: s.state.Err, Target: tgt, ExitCode: s.snapshot.ExitCode}
	s.snapMu.Unlock()
}

func (s *Slot) publishExitCode(code int32) {
	s.snapMu.Lock()
	s.snapshot.ExitCode = code
	s.snapMu.Unlock()
}

// RegisterBus runs publish (expected to register the slot's D-Bus object)
// and, on success, transitions Initial -> Ready. It is only valid once.
func (s *Slot) RegisterBus(publish func() error) error {
	errCh := make(chan error, 1)
	s.dispatch(func() {
		if s.state.Kind != StateInitial {
			s.logProtocolViolation("RegisterBus")
			s.transition(State{Kind: StateInitial})
			errCh <- ErrProtocolViolation
			return
		}
		if err := publish(); err != nil {
			errCh <- err
			return
		}
		s.transition(State{Kind: StateReady})
		errCh <- nil
	})
	return <-errCh
}

// Mount requests activation of target. It returns once the FSM has
// accepted or rejected the request (Ready -> Activating, or
// ErrProtocolViolation); it does not wait for activation to finish.
// Callers poll Snapshot for the eventual Active or Ready(error) outcome.
func (s *Slot) Mount(target Target) error {
	errCh := make(chan error, 1)
	s.dispatch(func() {
		if s.state.Kind != StateReady {
			s.logProtocolViolation("Mount")
			errCh <- ErrProtocolViolation
			return
		}
		t := target
		s.target = &t
		s.transition(State{Kind: StateActivating})
		errCh <- nil
	})
	return <-errCh
}

// Unmount requests teardown of whatever is active or in progress. Like
// Mount, it returns once the request is accepted, not once teardown
// completes.
func (s *Slot) Unmount() error {
	errCh := make(chan error, 1)
	s.dispatch(func() {
		errCh <- s.handleUnmount()
	})
	return <-errCh
}

func (s *Slot) handleUnmount() error {
	switch s.state.Kind {
	case StateActivating:
		s.transition(State{Kind: StateReady})
		return nil

	case StateWaitingForGadget:
		s.stopProcess(s.state.Proc)
		s.transition(State{Kind: StateWaitingForProcessEnd, Proc: s.state.Proc, HasProc: true})
		return nil

	case StateActive:
		if err := s.Gadget.Configure(s.Name, s.Cfg.Device, config.Removed, false); err != nil {
			s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to remove usb gadget")
			// The original daemon returns here without emitting
			// ResourceDeleted or stopping the child: the gadget is left
			// bound and the operator must retry.
			s.transition(readyErr(ErrDeviceOrResourceBusy, "unable to unmount gadget"))
			return nil
		}
		if s.Notify != nil {
			s.Notify.ResourceDeleted(s.objectPath())
		}
		s.stopProcess(s.state.Proc)
		s.transition(State{Kind: StateWaitingForProcessEnd, Proc: s.state.Proc, HasProc: true})
		return nil

	case StateReady, StateWaitingForProcessEnd, StateInitial:
		s.logProtocolViolation("Unmount")
		return ErrProtocolViolation

	default:
		s.logProtocolViolation("Unmount")
		return ErrProtocolViolation
	}
}

// HandleHotplug is called by the shared hotplug listener for every event
// on this slot's configured device; events for other devices never reach
// here.
func (s *Slot) HandleHotplug(change config.Change) {
	s.dispatch(func() {
		s.handleHotplug(change)
	})
}

func (s *Slot) handleHotplug(change config.Change) {
	switch s.state.Kind {
	case StateWaitingForGadget:
		if change != config.Inserted {
			s.transition(readyErr(ErrOperationNotSupported, "unexpected device removal while awaiting gadget bind"))
			return
		}
		rw := s.target != nil && s.target.RW
		if err := s.Gadget.Configure(s.Name, s.Cfg.Device, config.Inserted, rw); err != nil {
			s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to configure usb gadget")
			s.transition(readyErr(ErrDeviceOrResourceBusy, "unable to configure gadget"))
			return
		}
		if s.Notify != nil {
			s.Notify.ResourceCreated(s.objectPath())
		}
		s.transition(State{Kind: StateActive, Proc: s.state.Proc, HasProc: true})

	case StateReady:
		// Both directions are accepted no-ops here: an insertion with no
		// pending activation, or a removal racing an already-completed
		// teardown.

	default:
		s.logProtocolViolation("Hotplug")
	}
}

// onProcessExit is the process.ExitFunc passed to Spawn. It runs on the
// supervisor's goroutine and must hop onto the slot's own goroutine before
// touching any FSM state.
func (s *Slot) onProcessExit(exitCode int, _ bool) {
	s.dispatch(func() {
		s.publishExitCode(int32(exitCode))
		s.handleSubprocessStopped()
	})
}

func (s *Slot) handleSubprocessStopped() {
	switch s.state.Kind {
	case StateActivating:
		// Activation's own spawn failed synchronously before a
		// WaitingForGadget transition could happen; nothing to clean up.
		s.transition(State{Kind: StateReady})

	case StateWaitingForGadget:
		s.transition(readyErr(ErrIOError, "process ended before the gadget was ready"))

	case StateActive:
		if err := s.Gadget.Configure(s.Name, s.Cfg.Device, config.Removed, false); err != nil {
			s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to remove usb gadget after process exit")
			s.transition(readyErr(ErrDeviceOrResourceBusy, "unable to unmount gadget"))
			return
		}
		if s.Notify != nil {
			s.Notify.ResourceDeleted(s.objectPath())
		}
		s.transition(State{Kind: StateReady})

	case StateWaitingForProcessEnd:
		s.transition(State{Kind: StateReady})

	default:
		s.logProtocolViolation("SubprocessStopped")
	}
}

// transition applies newState and runs its entry action, synchronously and
// without yielding the actor goroutine - onEnter may itself call
// transition again (e.g. Activating immediately drives activation to
// WaitingForGadget or back to Ready on synchronous failure) and no other
// queued event can interleave until the whole chain settles.
func (s *Slot) transition(newState State) {
	s.Log.Debug().
		Str("slot", s.Name).
		Str("from", s.state.Kind.String()).
		Str("to", newState.Kind.String()).
		Msg("slot state changed")
	s.state = newState
	s.publishSnapshot()
	s.onEnter(newState)
}

func (s *Slot) onEnter(st State) {
	switch st.Kind {
	case StateReady:
		s.cleanupTarget()
	case StateActivating:
		s.beginActivation()
	}
}

// cleanupTarget releases whatever the now-finished target was holding:
// the CIFS mount if one was made, and the credentials backing it.
func (s *Slot) cleanupTarget() {
	if s.target == nil {
		return
	}
	if s.target.MountDir != "" {
		if err := s.Gadget.UnmountCIFS(s.target.MountDir); err != nil {
			s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to unmount cifs share during cleanup")
		}
	}
	if s.target.Creds != nil {
		s.target.Creds.Scrub()
	}
	s.target = nil
	s.publishSnapshot()
}

func (s *Slot) beginActivation() {
	if s.Cfg.Mode == config.ModeProxy {
		s.activateProxy()
		return
	}
	s.activateLegacy()
}

func (s *Slot) activateProxy() {
	argv := append([]string{s.NBDClientPath}, s.Cfg.NBDClientArgs()...)
	handle, err := s.Super.Spawn(context.Background(), s.Name, argv, s.onProcessExit)
	if err != nil {
		s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to spawn nbd-client")
		s.transition(readyErr(ErrOperationCanceled, "failed to spawn process"))
		return
	}
	s.transition(State{Kind: StateWaitingForGadget, Proc: weak.Make(handle), HasProc: true})
}

func (s *Slot) activateLegacy() {
	u := s.target.ImageURL
	switch {
	case strings.HasPrefix(u, "smb://"):
		s.mountSMBShare()
	case strings.HasPrefix(u, "https://"):
		s.mountHTTPSShare()
	default:
		s.transition(readyErr(ErrInvalidArgument, "image url scheme not recognized"))
	}
}

func (s *Slot) mountSMBShare() {
	dir, err := s.Gadget.CreateMountDir(s.Name)
	if err != nil {
		s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to create mount directory")
		s.transition(readyErr(ErrIOError, "failed to create mount directory"))
		return
	}

	remoteDir, file, err := gadget.ImagePathFromURL(s.target.ImageURL)
	if err != nil {
		s.transition(readyErr(ErrInvalidArgument, "failed to parse image url"))
		return
	}
	host, err := gadget.Host(s.target.ImageURL)
	if err != nil || host == "" {
		s.transition(readyErr(ErrInvalidArgument, "failed to parse image url"))
		return
	}
	remoteShare := strings.TrimPrefix(host+remoteDir, "/")

	creds := s.target.Creds
	if creds != nil {
		s.target.User = creds.User()
	}
	if err := s.Gadget.MountCIFS(context.Background(), remoteShare, dir, s.target.RW, creds); err != nil {
		s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to mount cifs share")
		if creds != nil {
			creds.Scrub()
		}
		_ = os.RemoveAll(dir)
		s.transition(readyErr(ErrInvalidArgument, "failed to mount CIFS share"))
		return
	}
	if creds != nil {
		creds.Scrub()
	}
	s.target.MountDir = dir

	handle, err := s.spawnNbdkit([]string{"file", "file=" + filepath.Join(dir, file)}, nil)
	if err != nil {
		s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to spawn nbdkit")
		_ = s.Gadget.UnmountCIFS(dir)
		s.transition(readyErr(ErrOperationCanceled, "unable to set up nbdkit"))
		return
	}
	s.transition(State{Kind: StateWaitingForGadget, Proc: weak.Make(handle), HasProc: true})
}

func (s *Slot) mountHTTPSShare() {
	pluginArgs := []string{"curl", "sslverify=false", "url=" + s.target.ImageURL}

	var secret *vault.VolatileFile
	if s.target.Creds != nil {
		s.target.User = s.target.Creds.User()
		pass := []byte(s.target.Creds.Password())
		f, err := vault.NewVolatileFile(pass)
		for i := range pass {
			pass[i] = 0
		}
		if err != nil {
			s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to materialize https credentials")
			s.target.Creds.Scrub()
			s.transition(readyErr(ErrInvalidArgument, "failed to mount HTTPS share"))
			return
		}
		secret = f
		pluginArgs = append(pluginArgs, "user="+s.target.Creds.User(), "password=+"+f.Path())
		s.target.Creds.Scrub()
	}

	handle, err := s.spawnNbdkit(pluginArgs, secret)
	if err != nil {
		s.Log.Error().Err(err).Str("slot", s.Name).Msg("failed to spawn nbdkit")
		if secret != nil {
			_ = secret.Close()
		}
		s.transition(readyErr(ErrInvalidArgument, "failed to mount HTTPS share"))
		return
	}
	s.transition(State{Kind: StateWaitingForGadget, Proc: weak.Make(handle), HasProc: true})
}

// spawnNbdkit runs nbdkit with the given plugin arguments, itself running
// nbd-client as its --run command. secret, if non-nil, is kept alive until
// the process exits then closed, so a curl-plugin password file outlives
// the child reading it without outliving the mount itself.
func (s *Slot) spawnNbdkit(pluginArgs []string, secret *vault.VolatileFile) (*process.Handle, error) {
	if _, err := os.Stat(s.Cfg.UnixSocket); err == nil {
		if rmErr := os.Remove(s.Cfg.UnixSocket); rmErr != nil {
			return nil, rmErr
		}
	}

	nbdClientArgv := append([]string{s.NBDClientPath}, s.Cfg.NBDClientArgs()...)
	argv := []string{s.NBDKitPath, "--unix", s.Cfg.UnixSocket, "--run", strings.Join(nbdClientArgv, " ")}
	if !s.target.RW {
		argv = append(argv, "--readonly")
	}
	argv = append(argv, pluginArgs...)

	onExit := s.onProcessExit
	if secret != nil {
		onExit = func(exitCode int, ready bool) {
			defer func() {
				if err := secret.Close(); err != nil {
					s.Log.Warn().Err(err).Str("slot", s.Name).Msg("failed to remove volatile secret file")
				}
			}()
			s.onProcessExit(exitCode, ready)
		}
	}

	return s.Super.Spawn(context.Background(), s.Name, argv, onExit)
}

func (s *Slot) stopProcess(p weak.Pointer[process.Handle]) {
	if h := p.Value(); h != nil {
		h.Stop()
		return
	}
	s.Log.Debug().Str("slot", s.Name).Msg("process already gone, nothing to stop")
}

func (s *Slot) logProtocolViolation(event string) {
	s.Log.Error().
		Str("slot", s.Name).
		Str("event", event).
		Str("state", s.state.Kind.String()).
		Msg("protocol violation: event not valid in current state")
}

func (s *Slot) objectPath() string {
	base := "/xyz/openbmc_project/VirtualMedia/Proxy/"
	if s.Cfg.Mode == config.ModeLegacy {
		base = "/xyz/openbmc_project/VirtualMedia/Legacy/"
	}
	return base + s.Name
}

func readyErr(kind ErrorKind, msg string) State {
	return State{Kind: StateReady, Err: &Error{Kind: kind, Message: msg}}
}
