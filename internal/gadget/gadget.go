// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package gadget wraps USB gadget (ConfigFS) reconfiguration and CIFS
// mount/unmount behind a small synchronous interface. Both operations are
// blocking and may take seconds. The FSM calls Configure/MountCIFS/
// UnmountCIFS inline on the slot's own goroutine, so that slot handles no
// other event until the call returns.
package gadget

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/cloudsoda/go-smb2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/remote-media/internal/config"
	"github.com/NVIDIA/remote-media/internal/vault"
)

// Adapter is the interface the FSM drives gadget/mount operations through.
type Adapter interface {
	// Configure binds or unbinds the USB gadget function for slot's NBD
	// device. rw is only meaningful on an Inserted (bind) call.
	Configure(slot string, device config.NBDDevice, change config.Change, rw bool) error

	// CreateMountDir makes a fresh, empty directory to mount a CIFS share
	// into, returning its path.
	CreateMountDir(slot string) (string, error)

	// MountCIFS mounts remoteShare (a "//host/share[/sub...]" UNC path)
	// onto dir, using creds if non-nil.
	MountCIFS(ctx context.Context, remoteShare, dir string, rw bool, creds *vault.Credentials) error

	// UnmountCIFS unmounts a directory previously mounted by MountCIFS.
	UnmountCIFS(dir string) error
}

// RealAdapter is the production Adapter, backed by a helper script for USB
// gadget ConfigFS reconfiguration and the kernel CIFS client for mounts.
type RealAdapter struct {
	// GadgetScript is the helper invoked to bind/unbind the gadget
	// function, e.g. "/usr/sbin/remote-media-gadget.sh". USB gadget
	// ConfigFS wiring is an external collaborator per spec.md section 1.
	GadgetScript string
}

// Configure shells out to GadgetScript with (slot, device, change, rw).
func (a *RealAdapter) Configure(slot string, device config.NBDDevice, change config.Change, rw bool) error {
	script := a.GadgetScript
	if script == "" {
		script = "/usr/sbin/remote-media-gadget.sh"
	}
	rwArg := "ro"
	if rw {
		rwArg = "rw"
	}
	argv := []string{script, slot, device.Name, change.String(), rwArg}
	if err := runBlocking(argv); err != nil {
		return fmt.Errorf("configure gadget for %s: %w", slot, err)
	}
	return nil
}

// CreateMountDir makes /run/remote-media/mounts/<slot>-<uuid>.
func (a *RealAdapter) CreateMountDir(slot string) (string, error) {
	base := "/run/remote-media/mounts"
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create mount base dir: %w", err)
	}
	dir := filepath.Join(base, slot+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mount dir: %w", err)
	}
	return dir, nil
}

// MountCIFS validates the share and credentials over SMB2 (go-smb2), then
// performs the real kernel CIFS mount so external binaries (nbdkit's file
// plugin) can open files under dir like any other path.
func (a *RealAdapter) MountCIFS(ctx context.Context, remoteShare, dir string, rw bool, creds *vault.Credentials) error {
	host, shareSub, err := splitUNC(remoteShare)
	if err != nil {
		return err
	}

	server := host
	if _, _, splitErr := net.SplitHostPort(server); splitErr != nil {
		server = net.JoinHostPort(server, "445")
	}

	user, pass := "", ""
	if creds != nil {
		user, pass = creds.User(), creds.Password()
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{User: user, Password: pass},
	}
	session, err := d.Dial(ctx, server)
	if err != nil {
		return fmt.Errorf("dial smb server %s: %w", server, err)
	}
	defer func() {
		if logoffErr := session.Logoff(); logoffErr != nil {
			log.Warn().Err(logoffErr).Msg("smb session logoff failed")
		}
	}()

	shareName, _, _ := splitShareAndSub(shareSub)
	share, err := session.Mount(shareName)
	if err != nil {
		return fmt.Errorf("validate smb share //%s/%s: %w", host, shareName, err)
	}
	if closeErr := share.Umount(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("smb validation unmount failed")
	}

	opts := fmt.Sprintf("username=%s,password=%s,vers=3.0", user, pass)
	if !rw {
		opts += ",ro"
	}
	source := "//" + host + "/" + shareSub
	if err := unix.Mount(source, dir, "cifs", 0, opts); err != nil {
		return fmt.Errorf("mount cifs %s on %s: %w", source, dir, err)
	}
	return nil
}

// UnmountCIFS unmounts dir and removes the directory.
func (a *RealAdapter) UnmountCIFS(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("unmount %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove mount dir %s: %w", dir, err)
	}
	return nil
}

func splitUNC(remoteShare string) (host, shareSub string, err error) {
	s := remoteShare
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	idx := indexByte(s, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("invalid UNC path %q", remoteShare)
	}
	return s[:idx], s[idx+1:], nil
}

func splitShareAndSub(shareSub string) (share, sub string, ok bool) {
	idx := indexByte(shareSub, '/')
	if idx < 0 {
		return shareSub, "", true
	}
	return shareSub[:idx], shareSub[idx+1:], true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ImagePathFromURL splits a smb://host/share/.../file or https URL into
// the directory portion (everything but the last path segment) and the
// final file name, matching the original daemon's getImagePath split.
func ImagePathFromURL(rawURL string) (dir, file string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	dir = path.Dir(u.Path)
	file = path.Base(u.Path)
	return dir, file, nil
}

// Host returns the host component of a smb:// URL.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	return u.Host, nil
}

func runBlocking(argv []string) error {
	return runCommand(argv)
}
