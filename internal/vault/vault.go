// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package vault holds mount credentials in scrubbed buffers and can
// materialize them as ephemeral on-disk secret files for helper processes
// that cannot accept a password on argv.
package vault

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// secretLimit bounds a single credential-pipe read, matching the fixed
// buffer the daemon reads `user\0password\0` into.
const secretLimit = 4096

// Credentials holds a user/password pair in buffers that are overwritten
// before the handle is dropped. Callers must call Scrub on every path
// (success and error) out of the code that consumes them; Scrub is
// idempotent, so calling it again later is harmless.
type Credentials struct {
	user     []byte
	pass     []byte
	scrubbed bool
}

// New copies user and pass into owned buffers.
func New(user, pass string) *Credentials {
	return &Credentials{
		user: []byte(user),
		pass: []byte(pass),
	}
}

// User returns the username as a string.
func (c *Credentials) User() string {
	return string(c.user)
}

// Password returns the password as a string. Callers must not retain it
// past the call that needs it.
func (c *Credentials) Password() string {
	return string(c.pass)
}

// Scrub overwrites both buffers with zero bytes and then empties them, so
// User and Password return "" afterwards. Idempotent.
func (c *Credentials) Scrub() {
	if c.scrubbed {
		return
	}
	for i := range c.user {
		c.user[i] = 0
	}
	for i := range c.pass {
		c.pass[i] = 0
	}
	c.user = c.user[:0]
	c.pass = c.pass[:0]
	c.scrubbed = true
}

// Scrubbed reports whether Scrub has run. Exposed for property tests
// (spec testable property 6); not used by production code paths.
func (c *Credentials) Scrubbed() bool {
	return c.scrubbed
}

// ParsePipePayload parses the `user\0password\0` format delivered over the
// Mount request's credential pipe. Exactly two NUL delimiters must be
// present in buf; anything else is malformed.
func ParsePipePayload(buf []byte) (user, pass string, err error) {
	if len(buf) > secretLimit {
		buf = buf[:secretLimit]
	}
	nulCount := bytes.Count(buf, []byte{0})
	if nulCount != 2 {
		return "", "", fmt.Errorf("malformed extra data: expected 2 NUL delimiters, got %d", nulCount)
	}
	first := bytes.IndexByte(buf, 0)
	second := first + 1 + bytes.IndexByte(buf[first+1:], 0)
	return string(buf[:first]), string(buf[first+1 : second]), nil
}

// VolatileFile is a 0600 tempfile holding a single secret, unlinked when
// Close is called. Its lifetime must be kept alive by the caller (e.g.
// captured in a child process's exit callback) for at least as long as
// any process reading it.
type VolatileFile struct {
	path string
}

// NewVolatileFile creates a 0600 file containing secret and returns a
// handle to it. The caller owns scrubbing secret itself.
func NewVolatileFile(secret []byte) (*VolatileFile, error) {
	path := "/run/remote-media/secrets/" + uuid.NewString()
	if err := os.MkdirAll("/run/remote-media/secrets", 0o700); err != nil {
		return nil, fmt.Errorf("create secret dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create volatile file: %w", err)
	}
	if _, err := f.Write(secret); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write volatile file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close volatile file: %w", err)
	}
	return &VolatileFile{path: path}, nil
}

// Path returns the file's path, suitable for nbdkit's `password=+<path>`.
func (v *VolatileFile) Path() string {
	return v.path
}

// Close unlinks the file. Idempotent.
func (v *VolatileFile) Close() error {
	if v.path == "" {
		return nil
	}
	err := os.Remove(v.path)
	v.path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove volatile file: %w", err)
	}
	return nil
}
