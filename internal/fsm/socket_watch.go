// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package fsm

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// socketJanitor watches a unix socket's parent directory and removes the
// socket file if it reappears while the owning slot isn't expecting it:
// the trace of an nbdkit process that crashed without unlinking its own
// socket, otherwise left for the next Mount's spawn to trip over.
type socketJanitor struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// newSocketJanitor starts watching socketPath's parent directory. isIdle
// is polled at event time; a Create event is only acted on while it
// reports true, since a legitimate nbdkit is expected to (re)create the
// socket during activation. Returns nil if the watch could not be
// established; callers fall back to spawnNbdkit's own stat-and-remove.
func newSocketJanitor(socketPath string, isIdle func() bool, log zerolog.Logger) *socketJanitor {
	dir := filepath.Dir(socketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to create nbd socket directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("failed to start nbd socket directory watcher")
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to watch nbd socket directory")
		_ = watcher.Close()
		return nil
	}

	j := &socketJanitor{watcher: watcher, done: make(chan struct{})}
	go j.run(socketPath, isIdle, log)
	return j
}

func (j *socketJanitor) run(socketPath string, isIdle func() bool, log zerolog.Logger) {
	defer func() { _ = j.watcher.Close() }()
	for {
		select {
		case <-j.done:
			return
		case ev, ok := <-j.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != socketPath || !ev.Has(fsnotify.Create) {
				continue
			}
			if !isIdle() {
				continue
			}
			if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("socket", socketPath).Msg("failed to remove stale nbd socket")
				continue
			}
			log.Debug().Str("socket", socketPath).Msg("removed stale nbd socket left by crashed process")
		case err, ok := <-j.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("nbd socket directory watch error")
		}
	}
}

// Close stops the watcher goroutine. Safe to call on a nil janitor.
func (j *socketJanitor) Close() {
	if j == nil {
		return
	}
	close(j.done)
}
