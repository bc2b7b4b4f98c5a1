// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package hotplug is the single process-wide source of NBD block-device
// insertion/removal events, fanned out by device identity. It watches the
// system bus's org.freedesktop.DBus.ObjectManager InterfacesAdded/
// InterfacesRemoved signals the same way the reference UDisks2 external
// drive detector does, generalized from removable storage to /dev/nbdN
// devices.
package hotplug

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/remote-media/internal/config"
)

const (
	blockDevicesService = "xyz.openbmc_project.BlockDevices"
	blockDevicesPath    = "/xyz/openbmc_project/BlockDevices"
	objectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	blockDeviceIface    = "xyz.openbmc_project.BlockDevice"
)

// Event is a single hotplug occurrence for one device.
type Event struct {
	Device config.NBDDevice
	Change config.Change
}

// Listener is the single background hotplug source. Construct one per
// process; register every configured device before calling Run.
type Listener struct {
	conn    *dbus.Conn
	devices map[string]config.NBDDevice
}

// NewListener wraps an already-connected bus. Signal matches are added,
// and dispatching starts, only when Run is called.
func NewListener(conn *dbus.Conn) *Listener {
	return &Listener{
		conn:    conn,
		devices: make(map[string]config.NBDDevice),
	}
}

// AddDevice registers a device this listener should forward events for,
// mirroring the reference DeviceMonitor's addDevice call made once per
// configured slot at startup.
func (l *Listener) AddDevice(d config.NBDDevice) {
	l.devices[d.Name] = d
}

// Run subscribes to InterfacesAdded/InterfacesRemoved and calls onEvent
// for every matching device until ctx is canceled.
func (l *Listener) Run(ctx context.Context, onEvent func(Event)) error {
	if err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(blockDevicesPath),
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return err
	}
	if err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(blockDevicesPath),
		dbus.WithMatchInterface(objectManagerIface),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		return err
	}

	signalChan := make(chan *dbus.Signal, 16)
	l.conn.Signal(signalChan)
	defer l.conn.RemoveSignal(signalChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signalChan:
			if !ok {
				return nil
			}
			l.handleSignal(sig, onEvent)
		}
	}
}

func (l *Listener) handleSignal(sig *dbus.Signal, onEvent func(Event)) {
	switch sig.Name {
	case objectManagerIface + ".InterfacesAdded":
		l.handleInterfacesAdded(sig, onEvent)
	case objectManagerIface + ".InterfacesRemoved":
		l.handleInterfacesRemoved(sig, onEvent)
	}
}

func (l *Listener) handleInterfacesAdded(sig *dbus.Signal, onEvent func(Event)) {
	if len(sig.Body) < 2 {
		return
	}
	objPath, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if _, has := ifaces[blockDeviceIface]; !has {
		return
	}
	dev, ok := l.deviceFromPath(objPath)
	if !ok {
		return
	}
	log.Debug().Str("device", dev.Name).Msg("hotplug: device inserted")
	onEvent(Event{Device: dev, Change: config.Inserted})
}

func (l *Listener) handleInterfacesRemoved(sig *dbus.Signal, onEvent func(Event)) {
	if len(sig.Body) < 1 {
		return
	}
	objPath, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	dev, ok := l.deviceFromPath(objPath)
	if !ok {
		return
	}
	log.Debug().Str("device", dev.Name).Msg("hotplug: device removed")
	onEvent(Event{Device: dev, Change: config.Removed})
}

func (l *Listener) deviceFromPath(objPath dbus.ObjectPath) (config.NBDDevice, bool) {
	name := string(objPath)
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	dev, ok := l.devices[name]
	return dev, ok
}
