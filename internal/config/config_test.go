// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/remote-media/internal/config"
)

func TestParseNBDDevice(t *testing.T) {
	t.Parallel()

	dev, err := config.ParseNBDDevice("/dev/nbd3")
	require.NoError(t, err)
	assert.Equal(t, "nbd3", dev.Name)
	assert.Equal(t, 3, dev.Index)
	assert.Equal(t, "/dev/nbd3", dev.Path())

	dev, err = config.ParseNBDDevice("nbd0")
	require.NoError(t, err)
	assert.Equal(t, 0, dev.Index)

	_, err = config.ParseNBDDevice("sda1")
	assert.Error(t, err)
}

func TestChangeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "inserted", config.Inserted.String())
	assert.Equal(t, "removed", config.Removed.String())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mountpoints.toml")
	doc := `
[mountpoints.slot0]
mode = "proxy"
nbd_device = "nbd0"
unix_socket = "/run/remote-media/slot0.sock"
endpoint_id = "slot0"
timeout = 30
blocksize = 4096

[mountpoints.slot1]
mode = "legacy"
nbd_device = "nbd1"
unix_socket = "/run/remote-media/slot1.sock"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	vals, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, vals.MountPoints, 2)

	slot0 := vals.MountPoints["slot0"]
	assert.Equal(t, config.ModeProxy, slot0.Mode)
	assert.Equal(t, "nbd0", slot0.Device.Name)
	assert.Equal(t, []string{"-timeout", "30", "-block-size", "4096", "-unix", "/run/remote-media/slot0.sock", "/dev/nbd0"}, slot0.NBDClientArgs())

	slot1 := vals.MountPoints["slot1"]
	assert.Equal(t, config.ModeLegacy, slot1.Mode)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mountpoints.toml")
	doc := `
[mountpoints.bad]
mode = "bogus"
nbd_device = "nbd0"
unix_socket = "/run/remote-media/bad.sock"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingSocket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mountpoints.toml")
	doc := `
[mountpoints.bad]
mode = "proxy"
nbd_device = "nbd0"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}
