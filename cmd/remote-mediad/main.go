// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NVIDIA/remote-media/internal/config"
	"github.com/NVIDIA/remote-media/internal/gadget"
	"github.com/NVIDIA/remote-media/internal/hotplug"
	"github.com/NVIDIA/remote-media/internal/process"
	"github.com/NVIDIA/remote-media/internal/registry"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/remote-media/mountpoints.toml", "path to slot configuration")
	gadgetScript := flag.String("gadget-script", "/usr/sbin/remote-media-gadget.sh", "USB gadget ConfigFS helper script")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	vals, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close bus connection")
		}
	}()

	app, err := registry.New(conn, log.Logger)
	if err != nil {
		return fmt.Errorf("initialize bus surface: %w", err)
	}

	super := process.NewSupervisor()
	listener := hotplug.NewListener(conn)

	for name, mp := range vals.MountPoints {
		adapter := &gadget.RealAdapter{GadgetScript: *gadgetScript}
		if _, err := app.AddSlot(name, mp, super, adapter); err != nil {
			return fmt.Errorf("add slot %s: %w", name, err)
		}
		listener.AddDevice(mp.Device)
		log.Info().Str("slot", name).Str("mode", string(mp.Mode)).Str("device", mp.Device.Path()).Msg("slot registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	log.Info().Msg("remote-mediad ready")
	if err := listener.Run(ctx, app.DispatchHotplug); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("hotplug listener: %w", err)
	}
	return nil
}
