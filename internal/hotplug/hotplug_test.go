// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package hotplug

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/remote-media/internal/config"
)

func newTestListener() *Listener {
	l := NewListener(nil)
	l.AddDevice(config.NBDDevice{Name: "nbd0", Index: 0})
	l.AddDevice(config.NBDDevice{Name: "nbd1", Index: 1})
	return l
}

func TestDeviceFromPathMatchesRegisteredDevice(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	dev, ok := l.deviceFromPath("/xyz/openbmc_project/BlockDevices/nbd1")
	assert.True(t, ok)
	assert.Equal(t, "nbd1", dev.Name)
}

func TestDeviceFromPathUnregisteredDeviceIsIgnored(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	_, ok := l.deviceFromPath("/xyz/openbmc_project/BlockDevices/nbd9")
	assert.False(t, ok)
}

func TestHandleInterfacesAddedEmitsInsertedForKnownDevice(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	sig := &dbus.Signal{
		Name: objectManagerIface + ".InterfacesAdded",
		Body: []interface{}{
			dbus.ObjectPath("/xyz/openbmc_project/BlockDevices/nbd0"),
			map[string]map[string]dbus.Variant{
				blockDeviceIface: {},
			},
		},
	}

	var got []Event
	l.handleSignal(sig, func(e Event) { got = append(got, e) })

	if assert.Len(t, got, 1) {
		assert.Equal(t, "nbd0", got[0].Device.Name)
		assert.Equal(t, config.Inserted, got[0].Change)
	}
}

func TestHandleInterfacesAddedIgnoresOtherInterfaces(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	sig := &dbus.Signal{
		Name: objectManagerIface + ".InterfacesAdded",
		Body: []interface{}{
			dbus.ObjectPath("/xyz/openbmc_project/BlockDevices/nbd0"),
			map[string]map[string]dbus.Variant{
				"xyz.openbmc_project.SomethingElse": {},
			},
		},
	}

	var got []Event
	l.handleSignal(sig, func(e Event) { got = append(got, e) })
	assert.Empty(t, got)
}

func TestHandleInterfacesRemovedEmitsRemovedForKnownDevice(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	sig := &dbus.Signal{
		Name: objectManagerIface + ".InterfacesRemoved",
		Body: []interface{}{
			dbus.ObjectPath("/xyz/openbmc_project/BlockDevices/nbd1"),
			[]string{blockDeviceIface},
		},
	}

	var got []Event
	l.handleSignal(sig, func(e Event) { got = append(got, e) })

	if assert.Len(t, got, 1) {
		assert.Equal(t, "nbd1", got[0].Device.Name)
		assert.Equal(t, config.Removed, got[0].Change)
	}
}

func TestHandleSignalUnrelatedMemberIsIgnored(t *testing.T) {
	t.Parallel()
	l := newTestListener()

	sig := &dbus.Signal{
		Name: objectManagerIface + ".PropertiesChanged",
		Body: []interface{}{},
	}

	var got []Event
	l.handleSignal(sig, func(e Event) { got = append(got, e) })
	assert.Empty(t, got)
}
