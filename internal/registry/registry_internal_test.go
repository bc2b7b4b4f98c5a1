// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package registry

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/remote-media/internal/fsm"
)

func TestPropertyStoreGetSet(t *testing.T) {
	t.Parallel()

	store := newPropertyStore()
	store.set(processIface, "Active", true)

	v, dErr := store.Get(processIface, "Active")
	require.Nil(t, dErr)
	assert.Equal(t, true, v.Value())

	_, dErr = store.Get(processIface, "NoSuchProp")
	require.NotNil(t, dErr)

	all, dErr := store.GetAll(processIface)
	require.Nil(t, dErr)
	assert.Len(t, all, 1)

	dErr = store.Set(processIface, "Active", dbus.MakeVariant(false))
	require.NotNil(t, dErr)
	assert.Equal(t, "org.freedesktop.DBus.Error.PropertyReadOnly", dErr.Name)
}

func TestPropertyStoreWritablePropertyCanBeSet(t *testing.T) {
	t.Parallel()

	store := newPropertyStore()
	store.setWritable(processIface, "CDInstance", int32(2))

	dErr := store.Set(processIface, "CDInstance", dbus.MakeVariant(int32(5)))
	require.Nil(t, dErr)

	v, dErr := store.Get(processIface, "CDInstance")
	require.Nil(t, dErr)
	assert.Equal(t, int32(5), v.Value())
}

func TestExtractCredentialsNoExtra(t *testing.T) {
	t.Parallel()

	creds, err := extractCredentials(nil)
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestExtractCredentialsPlainIntIsNoCredentials(t *testing.T) {
	t.Parallel()

	v := dbus.MakeVariant(int32(-1))
	creds, err := extractCredentials(&v)
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestBusErrorFromFSMProtocolViolation(t *testing.T) {
	t.Parallel()

	dErr := busErrorFromFSM(fsm.ErrProtocolViolation)
	assert.Equal(t, "xyz.openbmc_project.VirtualMedia.Error.NotPermitted", dErr.Name)
}

func TestBusErrorFromKindEncodesErrno(t *testing.T) {
	t.Parallel()

	dErr := busErrorFromKind(fsm.ErrInvalidArgument, "bad url")
	assert.Contains(t, dErr.Name, "Errno")
	assert.Equal(t, []interface{}{"bad url"}, dErr.Body)
}
