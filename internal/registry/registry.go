// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

// Package registry is the bus surface: it publishes one D-Bus object per
// configured slot, translates Mount/Unmount method calls into fsm.Slot
// requests with the cooperative completion wait bus callers expect, serves
// slot properties, and fans hotplug events out to every slot.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/NVIDIA/remote-media/internal/config"
	"github.com/NVIDIA/remote-media/internal/fsm"
	"github.com/NVIDIA/remote-media/internal/gadget"
	"github.com/NVIDIA/remote-media/internal/hotplug"
	"github.com/NVIDIA/remote-media/internal/process"
	"github.com/NVIDIA/remote-media/internal/vault"
)

const (
	busName  = "xyz.openbmc_project.VirtualMedia"
	rootPath = "/xyz/openbmc_project/VirtualMedia"

	mountPointIface = "xyz.openbmc_project.VirtualMedia.MountPoint"
	processIface    = "xyz.openbmc_project.VirtualMedia.Process"
	proxyIface      = "xyz.openbmc_project.VirtualMedia.Proxy"
	legacyIface     = "xyz.openbmc_project.VirtualMedia.Legacy"
	propertiesIface = "org.freedesktop.DBus.Properties"

	// mountPollInterval/mountPollAttempts bound how long a Mount or
	// Unmount bus call blocks waiting for the FSM to settle, matching the
	// reference daemon's 120 * 100ms wait loop.
	mountPollInterval = 100 * time.Millisecond
	mountPollAttempts = 120

	credentialPipeLimit = 4096
)

// App owns the bus connection and every published slot.
type App struct {
	conn  *dbus.Conn
	log   zerolog.Logger
	slots []*boundSlot
}

// New claims the well-known bus name on conn. conn must already be
// connected (system or session bus) and auth'd.
func New(conn *dbus.Conn, logger zerolog.Logger) (*App, error) {
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already owned", busName)
	}
	return &App{conn: conn, log: logger}, nil
}

// AddSlot constructs a slot's FSM, publishes its bus object, and starts its
// property refresher. Call once per configured mount point before the
// hotplug listener's Run starts dispatching to DispatchHotplug.
func (a *App) AddSlot(name string, cfg config.MountPoint, super *process.Supervisor, adapter gadget.Adapter) (*fsm.Slot, error) {
	b := &boundSlot{
		app:  a,
		name: name,
		cfg:  cfg,
		path: objectPath(cfg.Mode, name),
		log:  a.log.With().Str("slot", name).Logger(),
	}
	b.slot = fsm.NewSlot(name, cfg, super, adapter, b, b.log)
	b.props = newPropertyStore()
	b.props.setWritable(processIface, "CDInstance", int32(2))

	if err := b.slot.RegisterBus(b.publish); err != nil {
		return nil, fmt.Errorf("register bus object for slot %s: %w", name, err)
	}

	go b.refreshProperties()
	a.slots = append(a.slots, b)
	return b.slot, nil
}

// DispatchHotplug forwards a hotplug event to every slot whose configured
// device matches it, in registration order (spec.md section 4.4).
func (a *App) DispatchHotplug(ev hotplug.Event) {
	for _, b := range a.slots {
		if b.cfg.Device.Name == ev.Device.Name {
			b.slot.HandleHotplug(ev.Change)
		}
	}
}

func objectPath(mode config.Mode, name string) dbus.ObjectPath {
	base := rootPath + "/Proxy/"
	if mode == config.ModeLegacy {
		base = rootPath + "/Legacy/"
	}
	return dbus.ObjectPath(base + name)
}

// boundSlot is the live bus binding for one fsm.Slot: its method handlers,
// its property store, and the refresher that keeps the store in sync with
// the FSM's published Snapshot.
type boundSlot struct {
	app  *App
	name string
	cfg  config.MountPoint
	path dbus.ObjectPath
	log  zerolog.Logger

	slot  *fsm.Slot
	props *propertyStore

	stopOnce sync.Once
	stop     chan struct{}
}

func (b *boundSlot) publish() error {
	b.stop = make(chan struct{})

	b.props.set(mountPointIface, "Device", b.cfg.Device.Path())
	b.props.set(mountPointIface, "EndpointId", b.cfg.EndPointID)
	b.props.set(mountPointIface, "Socket", b.cfg.UnixSocket)
	b.props.set(mountPointIface, "ImageURL", "")
	b.props.set(mountPointIface, "User", "")
	b.props.set(mountPointIface, "WriteProtected", true)
	b.props.set(processIface, "Active", false)
	b.props.set(processIface, "ExitCode", int32(0))

	if err := b.app.conn.Export(b.props, b.path, propertiesIface); err != nil {
		return fmt.Errorf("export properties: %w", err)
	}

	if b.cfg.Mode == config.ModeLegacy {
		if err := b.app.conn.Export(&legacyOps{slot: b}, b.path, legacyIface); err != nil {
			return fmt.Errorf("export legacy iface: %w", err)
		}
	} else {
		if err := b.app.conn.Export(&proxyOps{slot: b}, b.path, proxyIface); err != nil {
			return fmt.Errorf("export proxy iface: %w", err)
		}
	}
	return nil
}

// refreshProperties keeps the property store in sync with the FSM's
// Snapshot. It runs until Close, polling at the same cadence as the
// Mount/Unmount completion wait so bus property reads never lag more than
// one poll period behind the FSM's actual state.
func (b *boundSlot) refreshProperties() {
	ticker := time.NewTicker(mountPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.syncProperties()
		case <-b.stop:
			return
		}
	}
}

func (b *boundSlot) syncProperties() {
	snap := b.slot.Snapshot()
	active := snap.Active()

	b.props.set(processIface, "Active", active)
	b.props.set(processIface, "ExitCode", snap.ExitCode)

	if active && snap.Target != nil {
		b.props.set(mountPointIface, "ImageURL", snap.Target.ImageURL)
		b.props.set(mountPointIface, "User", snap.Target.User)
		b.props.set(mountPointIface, "WriteProtected", !snap.Target.RW)
	} else {
		b.props.set(mountPointIface, "ImageURL", "")
		b.props.set(mountPointIface, "User", "")
		b.props.set(mountPointIface, "WriteProtected", true)
	}
}

// Close stops the property refresher. The bus object itself is left
// exported; the process is expected to exit shortly after.
func (b *boundSlot) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// ResourceCreated/ResourceDeleted implement fsm.Notifier, emitting the
// slot's custom signals on its own service interface.
func (b *boundSlot) ResourceCreated(objectPath string) {
	b.emit("ResourceCreated", objectPath)
}

func (b *boundSlot) ResourceDeleted(objectPath string) {
	b.emit("ResourceDeleted", objectPath)
}

func (b *boundSlot) emit(member, objectPath string) {
	iface := proxyIface
	if b.cfg.Mode == config.ModeLegacy {
		iface = legacyIface
	}
	if err := b.app.conn.Emit(b.path, iface+"."+member, objectPath); err != nil {
		b.log.Warn().Err(err).Str("signal", member).Msg("failed to emit bus signal")
	}
}

func (b *boundSlot) handleMount(imgURL string, rw bool, extra *dbus.Variant) (bool, *dbus.Error) {
	creds, err := extractCredentials(extra)
	if err != nil {
		return false, busErrorFromKind(fsm.ErrInvalidArgument, err.Error())
	}

	target := fsm.Target{ImageURL: imgURL, RW: rw, Creds: creds}
	if err := b.slot.Mount(target); err != nil {
		return false, busErrorFromFSM(err)
	}

	for i := 0; i < mountPollAttempts; i++ {
		snap := b.slot.Snapshot()
		switch snap.Kind {
		case fsm.StateActive:
			return true, nil
		case fsm.StateReady:
			if snap.Err != nil {
				return false, busErrorFromKind(snap.Err.Kind, snap.Err.Message)
			}
			return false, nil
		}
		time.Sleep(mountPollInterval)
	}
	return false, nil
}

func (b *boundSlot) handleUnmount() (bool, *dbus.Error) {
	if err := b.slot.Unmount(); err != nil {
		return false, busErrorFromFSM(err)
	}
	for i := 0; i < mountPollAttempts; i++ {
		if b.slot.Snapshot().Kind == fsm.StateReady {
			break
		}
		time.Sleep(mountPollInterval)
	}
	return true, nil
}

// proxyOps is exported under xyz.openbmc_project.VirtualMedia.Proxy. A
// proxy slot has no nbdkit of its own to feed, so Mount takes no
// arguments.
type proxyOps struct {
	slot *boundSlot
}

func (p *proxyOps) Mount() (bool, *dbus.Error) {
	return p.slot.handleMount("", false, nil)
}

func (p *proxyOps) Unmount() (bool, *dbus.Error) {
	return p.slot.handleUnmount()
}

// legacyOps is exported under xyz.openbmc_project.VirtualMedia.Legacy.
// extra carries an optional unix fd (a pipe readable end) delivering
// `user\0password\0`; a plain int means no credentials were supplied.
type legacyOps struct {
	slot *boundSlot
}

func (l *legacyOps) Mount(imgURL string, rw bool, extra dbus.Variant) (bool, *dbus.Error) {
	return l.slot.handleMount(imgURL, rw, &extra)
}

func (l *legacyOps) Unmount() (bool, *dbus.Error) {
	return l.slot.handleUnmount()
}

func extractCredentials(extra *dbus.Variant) (*vault.Credentials, error) {
	if extra == nil {
		return nil, nil
	}
	fd, ok := extra.Value().(dbus.UnixFD)
	if !ok {
		return nil, nil
	}

	f := os.NewFile(uintptr(fd), "mount-credentials")
	defer f.Close()

	buf := make([]byte, credentialPipeLimit)
	n, err := f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read credential pipe: %w", err)
	}

	user, pass, err := vault.ParsePipePayload(buf[:n])
	if err != nil {
		return nil, err
	}
	return vault.New(user, pass), nil
}

func busErrorFromFSM(err error) *dbus.Error {
	if errors.Is(err, fsm.ErrProtocolViolation) {
		return dbus.NewError("xyz.openbmc_project.VirtualMedia.Error.NotPermitted", []interface{}{err.Error()})
	}
	return dbus.NewError("xyz.openbmc_project.VirtualMedia.Error.Failed", []interface{}{err.Error()})
}

func busErrorFromKind(kind fsm.ErrorKind, msg string) *dbus.Error {
	name := fmt.Sprintf("xyz.openbmc_project.VirtualMedia.Error.Errno%d", int(kind.Errno()))
	return dbus.NewError(name, []interface{}{msg})
}

// propertyStore is a minimal org.freedesktop.DBus.Properties
// implementation. The properties served here are computed from FSM state
// rather than simple stored values, so this is hand-rolled instead of
// reaching for the godbus prop helper package (see DESIGN.md). Most
// properties are read-only snapshots of FSM state; a small set (currently
// just Process.CDInstance, spec.md sections 4.5/6) are bus-writable and
// tracked in writable.
type propertyStore struct {
	mu       sync.Mutex
	props    map[string]map[string]interface{}
	writable map[string]map[string]bool
}

func newPropertyStore() *propertyStore {
	return &propertyStore{
		props:    make(map[string]map[string]interface{}),
		writable: make(map[string]map[string]bool),
	}
}

func (p *propertyStore) set(iface, name string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.props[iface] == nil {
		p.props[iface] = make(map[string]interface{})
	}
	p.props[iface][name] = value
}

// setWritable records value as name's initial value, same as set, and
// additionally marks it as a property Properties.Set may change.
func (p *propertyStore) setWritable(iface, name string, value interface{}) {
	p.set(iface, name, value)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writable[iface] == nil {
		p.writable[iface] = make(map[string]bool)
	}
	p.writable[iface][name] = true
}

func (p *propertyStore) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.props[iface][name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{name})
	}
	return dbus.MakeVariant(v), nil
}

func (p *propertyStore) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]dbus.Variant, len(p.props[iface]))
	for k, v := range p.props[iface] {
		out[k] = dbus.MakeVariant(v)
	}
	return out, nil
}

func (p *propertyStore) Set(iface, name string, value dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writable[iface][name] {
		return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{iface + "." + name})
	}
	if p.props[iface] == nil {
		p.props[iface] = make(map[string]interface{})
	}
	p.props[iface][name] = value.Value()
	return nil
}
