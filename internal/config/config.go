// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package config loads the daemon's immutable slot configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
)

// Mode selects whether a slot runs its own NBD server (legacy) or expects
// one to already exist externally (proxy).
type Mode string

const (
	ModeProxy  Mode = "proxy"
	ModeLegacy Mode = "legacy"
)

// NBDDevice identifies a kernel /dev/nbdN block device.
type NBDDevice struct {
	Name  string // e.g. "nbd0"
	Index int
}

var nbdDeviceRe = regexp.MustCompile(`^nbd(\d+)$`)

// ParseNBDDevice accepts either "/dev/nbdN" or "nbdN".
func ParseNBDDevice(s string) (NBDDevice, error) {
	name := s
	if len(name) > len("/dev/") && name[:len("/dev/")] == "/dev/" {
		name = name[len("/dev/"):]
	}
	m := nbdDeviceRe.FindStringSubmatch(name)
	if m == nil {
		return NBDDevice{}, fmt.Errorf("invalid nbd device %q", s)
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return NBDDevice{}, fmt.Errorf("invalid nbd device index in %q: %w", s, err)
	}
	return NBDDevice{Name: name, Index: idx}, nil
}

// Path returns the device's path under /dev.
func (d NBDDevice) Path() string {
	return "/dev/" + d.Name
}

func (d NBDDevice) String() string {
	return d.Path()
}

// Change is a hotplug state transition for a block device.
type Change int

const (
	Inserted Change = iota
	Removed
)

func (c Change) String() string {
	if c == Inserted {
		return "inserted"
	}
	return "removed"
}

// MountPoint is one configured slot, immutable after Load.
type MountPoint struct {
	Mode       Mode   `toml:"mode"`
	NBDDevice  string `toml:"nbd_device"`
	UnixSocket string `toml:"unix_socket"`
	EndPointID string `toml:"endpoint_id"`
	Timeout    int    `toml:"timeout"`
	BlockSize  int    `toml:"blocksize"`

	Device NBDDevice `toml:"-"`
}

// Values is the whole parsed configuration document.
type Values struct {
	MountPoints map[string]MountPoint `toml:"mountpoints"`
}

// Load reads and validates the slot configuration file at path.
func Load(path string) (*Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var vals Values
	if err := toml.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for name, mp := range vals.MountPoints {
		if mp.Mode != ModeProxy && mp.Mode != ModeLegacy {
			return nil, fmt.Errorf("slot %q: invalid mode %q", name, mp.Mode)
		}
		if mp.UnixSocket == "" {
			return nil, fmt.Errorf("slot %q: unix_socket is required", name)
		}
		dev, err := ParseNBDDevice(mp.NBDDevice)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", name, err)
		}
		mp.Device = dev
		vals.MountPoints[name] = mp
	}

	return &vals, nil
}

// NBDClientArgs builds the argv passed to nbd-client for this slot,
// independent of whether nbd-client is invoked directly (proxy mode) or
// via nbdkit's --run (legacy mode).
func (m MountPoint) NBDClientArgs() []string {
	args := []string{}
	if m.Timeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(m.Timeout))
	}
	if m.BlockSize > 0 {
		args = append(args, "-block-size", strconv.Itoa(m.BlockSize))
	}
	args = append(args, "-unix", m.UnixSocket, m.Device.Path())
	return args
}
