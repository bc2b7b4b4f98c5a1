// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package gadget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/remote-media/internal/config"
)

func TestSplitUNC(t *testing.T) {
	t.Parallel()

	host, shareSub, err := splitUNC("//host/share/dir/disk.img")
	require.NoError(t, err)
	assert.Equal(t, "host", host)
	assert.Equal(t, "share/dir/disk.img", shareSub)
}

func TestSplitUNCRejectsHostOnlyPath(t *testing.T) {
	t.Parallel()

	_, _, err := splitUNC("//host")
	assert.Error(t, err)
}

func TestSplitShareAndSub(t *testing.T) {
	t.Parallel()

	share, sub, ok := splitShareAndSub("share/dir/disk.img")
	assert.True(t, ok)
	assert.Equal(t, "share", share)
	assert.Equal(t, "dir/disk.img", sub)
}

func TestSplitShareAndSubNoSubpath(t *testing.T) {
	t.Parallel()

	share, sub, ok := splitShareAndSub("share")
	assert.True(t, ok)
	assert.Equal(t, "share", share)
	assert.Empty(t, sub)
}

func TestImagePathFromURL(t *testing.T) {
	t.Parallel()

	dir, file, err := ImagePathFromURL("smb://host/share/images/disk.img")
	require.NoError(t, err)
	assert.Equal(t, "/share/images", dir)
	assert.Equal(t, "disk.img", file)
}

func TestHost(t *testing.T) {
	t.Parallel()

	host, err := Host("smb://fileserver.example.test/share/disk.img")
	require.NoError(t, err)
	assert.Equal(t, "fileserver.example.test", host)
}

func TestRealAdapterConfigureInvokesScriptWithExpectedArgv(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "argv.log")
	script := filepath.Join(t.TempDir(), "gadget.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" >> "+logPath+"\n"), 0o755))

	a := &RealAdapter{GadgetScript: script}
	err := a.Configure("slot0", config.NBDDevice{Name: "nbd0", Index: 0}, config.Inserted, true)
	require.NoError(t, err)

	got, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(got), "slot0 nbd0 inserted rw")
}

func TestRealAdapterConfigureReadOnlyArg(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "argv.log")
	script := filepath.Join(t.TempDir(), "gadget.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" >> "+logPath+"\n"), 0o755))

	a := &RealAdapter{GadgetScript: script}
	err := a.Configure("slot0", config.NBDDevice{Name: "nbd0", Index: 0}, config.Removed, false)
	require.NoError(t, err)

	got, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(got), "slot0 nbd0 removed ro")
}

func TestRealAdapterConfigurePropagatesScriptFailure(t *testing.T) {
	t.Parallel()

	script := filepath.Join(t.TempDir(), "gadget.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	a := &RealAdapter{GadgetScript: script}
	err := a.Configure("slot0", config.NBDDevice{Name: "nbd0", Index: 0}, config.Inserted, true)
	assert.Error(t, err)
}
