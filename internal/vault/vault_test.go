// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package vault_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/NVIDIA/remote-media/internal/vault"
)

func TestCredentialsScrub(t *testing.T) {
	t.Parallel()

	c := vault.New("alice", "hunter2")
	assert.Equal(t, "alice", c.User())
	assert.Equal(t, "hunter2", c.Password())
	assert.False(t, c.Scrubbed())

	c.Scrub()
	assert.True(t, c.Scrubbed())
	assert.Equal(t, "", c.User())
	assert.Equal(t, "", c.Password())

	// Idempotent.
	c.Scrub()
	assert.True(t, c.Scrubbed())
}

func TestParsePipePayload(t *testing.T) {
	t.Parallel()

	user, pass, err := vault.ParsePipePayload([]byte("alice\x00hunter2\x00"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "hunter2", pass)
}

func TestParsePipePayloadMalformed(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		[]byte("no nulls here"),
		[]byte("only\x00one"),
		[]byte("too\x00many\x00nulls\x00"),
		{},
	}
	for _, c := range cases {
		_, _, err := vault.ParsePipePayload(c)
		assert.Error(t, err)
	}
}

// TestPropertyParsePipePayloadRoundTrip exercises property 6 from the
// testable-properties list: well-formed payloads parse back to exactly
// the user/password that were encoded, for any user/password not
// themselves containing NUL bytes.
func TestPropertyParsePipePayloadRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		user := rapid.StringMatching(`[a-zA-Z0-9_.-]{0,32}`).Draw(t, "user")
		pass := rapid.StringMatching(`[a-zA-Z0-9_.-]{0,32}`).Draw(t, "pass")

		buf := append([]byte(user), 0)
		buf = append(buf, pass...)
		buf = append(buf, 0)

		gotUser, gotPass, err := vault.ParsePipePayload(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotUser != user || gotPass != pass {
			t.Fatalf("round trip mismatch: got (%q, %q), want (%q, %q)", gotUser, gotPass, user, pass)
		}
	})
}

func TestVolatileFile(t *testing.T) {
	t.Parallel()

	vf, err := vault.NewVolatileFile([]byte("s3cret"))
	require.NoError(t, err)

	data, err := os.ReadFile(vf.Path())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(data))

	info, err := os.Stat(vf.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, vf.Close())
	_, err = os.Stat(vf.Path())
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, vf.Close())
}
