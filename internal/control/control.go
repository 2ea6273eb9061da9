// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package control is the D-Bus IPC surface: GetItems, Publish, Unpublish,
// the daemon's read-only properties and the Changed signal (spec.md §4.4).
package control

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/hughsie/passim/internal/daemonstate"
	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
)

const (
	BusName      = "org.freedesktop.Passim"
	ObjectPath   = dbus.ObjectPath("/")
	InterfaceName = "org.freedesktop.Passim"
)

// ControlPlane is exported on the system bus as the sole object at "/".
type ControlPlane struct {
	conn    *dbus.Conn
	reactor *daemonstate.Reactor
	props   *prop.Properties
	log     *slog.Logger
}

// New connects to the system bus, exports the ControlPlane object and
// requests BusName. Callers must call Close on shutdown.
func New(reactor *daemonstate.Reactor, version string, log *slog.Logger) (*ControlPlane, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "connect to system bus")
	}

	cp := &ControlPlane{conn: conn, reactor: reactor, log: log}

	if err := conn.Export(cp, ObjectPath, InterfaceName); err != nil {
		return nil, errs.Wrap(errs.Transport, err, "export control plane object")
	}

	propsSpec := prop.Map{
		InterfaceName: {
			"DaemonVersion": &prop.Prop{
				Value: version, Writable: false, Emit: prop.EmitTrue,
			},
			"Status": &prop.Prop{
				Value:    uint32(daemonstate.Call(reactor, func(s *daemonstate.State) daemonstate.Status { return s.Status })),
				Writable: false, Emit: prop.EmitTrue,
			},
			"DownloadSaving": &prop.Prop{Value: uint64(0), Writable: false, Emit: prop.EmitTrue},
			"CarbonSaving":   &prop.Prop{Value: float64(0), Writable: false, Emit: prop.EmitTrue},
			"Name": &prop.Prop{
				Value:    daemonstate.Call(reactor, func(s *daemonstate.State) string { return s.Name }),
				Writable: false, Emit: prop.EmitTrue,
			},
			"Uri": &prop.Prop{Value: "", Writable: false, Emit: prop.EmitTrue},
		},
	}
	props, err := prop.Export(conn, ObjectPath, propsSpec)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "export properties")
	}
	cp.props = props

	// Wire the ControlPlane in as the reactor's PropertyNotifier only once
	// its own props are ready to receive SetMust calls (spec.md §4.4: "push
	// notification via PropertiesChanged").
	reactor.Do(func(s *daemonstate.State) { s.Notifier = cp })

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: InterfaceName,
				Methods: []introspect.Method{
					{Name: "GetItems", Args: []introspect.Arg{
						{Name: "items", Type: "aa{sv}", Direction: "out"},
					}},
					{Name: "Publish", Args: []introspect.Arg{
						{Name: "fd", Type: "h", Direction: "in"},
						{Name: "item", Type: "a{sv}", Direction: "in"},
					}},
					{Name: "Unpublish", Args: []introspect.Arg{
						{Name: "hash", Type: "s", Direction: "in"},
					}},
				},
				Signals: []introspect.Signal{{Name: "Changed"}},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, errs.Wrap(errs.Transport, err, "export introspection")
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "request bus name %s", BusName)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errs.New(errs.Transport, "bus name %s already owned", BusName)
	}

	return cp, nil
}

// dbusErrorNames maps an errs.Kind onto the D-Bus error name ControlPlane
// callers see, so "not found" and "permission denied" are distinguishable
// on the wire instead of collapsing into org.freedesktop.DBus.Error.Failed
// (spec.md §7; the original C daemon distinguishes the same cases via
// distinct GIOError codes).
var dbusErrorNames = map[errs.Kind]string{
	errs.InvalidArgs:      "org.freedesktop.Passim.Error.InvalidArgs",
	errs.NotFound:         "org.freedesktop.Passim.Error.NotFound",
	errs.AlreadyExists:    "org.freedesktop.Passim.Error.AlreadyExists",
	errs.PermissionDenied: "org.freedesktop.Passim.Error.PermissionDenied",
	errs.TooLarge:         "org.freedesktop.Passim.Error.TooLarge",
	errs.CorruptData:      "org.freedesktop.Passim.Error.CorruptData",
	errs.NotReady:         "org.freedesktop.Passim.Error.NotReady",
	errs.Transport:        "org.freedesktop.Passim.Error.Transport",
	errs.Io:               "org.freedesktop.Passim.Error.Io",
}

// dbusError maps err onto its D-Bus error name via errs.KindOf, falling
// back to the Io name for errors with no Kind attached.
func dbusError(err error) *dbus.Error {
	name, ok := dbusErrorNames[errs.KindOf(err)]
	if !ok {
		name = dbusErrorNames[errs.Io]
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}

// Close releases the bus name and closes the connection.
func (cp *ControlPlane) Close() error {
	return cp.conn.Close()
}

// NotifyStatus implements daemonstate.PropertyNotifier. It pushes the new
// Status out over the Status D-Bus property, triggering PropertiesChanged
// (spec.md §4.4). SetMust is used rather than Set because Status is a
// read-only property from the bus's point of view; SetMust bypasses that
// writability check for the server's own internal updates.
func (cp *ControlPlane) NotifyStatus(status daemonstate.Status) {
	cp.props.SetMust(InterfaceName, "Status", uint32(status))
}

// NotifySavings implements daemonstate.PropertyNotifier, pushing the running
// DownloadSaving/CarbonSaving totals out over their D-Bus properties.
func (cp *ControlPlane) NotifySavings(downloadSaving uint64, carbonSaving float64) {
	cp.props.SetMust(InterfaceName, "DownloadSaving", downloadSaving)
	cp.props.SetMust(InterfaceName, "CarbonSaving", carbonSaving)
}

// callerIsRoot consults the bus daemon's GetConnectionUnixUser to authorize
// Publish/Unpublish (spec.md §4.4, "Authorization").
func (cp *ControlPlane) callerIsRoot(sender dbus.Sender) *dbus.Error {
	var uid uint32
	obj := cp.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid); err != nil {
		return dbusError(errs.Wrap(errs.Transport, err, "GetConnectionUnixUser"))
	}
	if uid != 0 {
		return dbusError(errs.New(errs.PermissionDenied, "caller uid %d is not root", uid))
	}
	return nil
}

// callerCmdline resolves the basename of the caller's executable via
// GetConnectionUnixProcessID + /proc/<pid>/cmdline (spec.md §4.4).
func (cp *ControlPlane) callerCmdline(sender dbus.Sender) (string, *dbus.Error) {
	var pid uint32
	obj := cp.conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).Store(&pid); err != nil {
		return "", dbusError(errs.Wrap(errs.Transport, err, "GetConnectionUnixProcessID"))
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", dbusError(errs.Wrap(errs.Io, err, "read /proc/%d/cmdline", pid))
	}
	argv0 := strings.SplitN(string(data), "\x00", 2)[0]
	return baseName(argv0), nil
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// GetItems is the read-only enumerate method (spec.md §4.4).
func (cp *ControlPlane) GetItems() ([]map[string]dbus.Variant, *dbus.Error) {
	items := daemonstate.Call(cp.reactor, func(s *daemonstate.State) []*item.Item {
		return s.Store.Items()
	})
	out := make([]map[string]dbus.Variant, 0, len(items))
	for _, it := range items {
		m := it.ToVariantMap()
		vm := make(map[string]dbus.Variant, len(m))
		for k, v := range m {
			vm[k] = dbus.MakeVariant(v)
		}
		out = append(out, vm)
	}
	return out, nil
}

// Publish reads the given file descriptor and stores it as a new Item
// (spec.md §4.4). UID 0 only; cmdline is always derived server-side from
// the caller's own /proc entry, never taken from the client-supplied dict.
func (cp *ControlPlane) Publish(fd dbus.UnixFD, dict map[string]dbus.Variant, sender dbus.Sender) *dbus.Error {
	if derr := cp.callerIsRoot(sender); derr != nil {
		return derr
	}
	cmdline, derr := cp.callerCmdline(sender)
	if derr != nil {
		return derr
	}

	f := os.NewFile(uintptr(fd), "passim-publish-fd")
	if f == nil {
		return dbusError(errs.New(errs.Io, "invalid file descriptor"))
	}
	defer f.Close()

	m := make(map[string]any, len(dict))
	for k, v := range dict {
		m[k] = v.Value()
	}
	builder, err := item.FromVariantMap(m)
	if err != nil {
		return dbusError(err)
	}
	builder.Cmdline = cmdline

	published, err := daemonstate.Call(cp.reactor, func(s *daemonstate.State) result {
		it, err := s.Store.Publish(f, builder)
		if err != nil {
			return result{err: err}
		}
		reregisterAndNotify(s, cp)
		return result{item: it}
	}).unwrap()
	if err != nil {
		return dbusError(err)
	}
	_ = published
	return nil
}

// Unpublish removes hash from the store (spec.md §4.4). UID 0 only.
func (cp *ControlPlane) Unpublish(hash string, sender dbus.Sender) *dbus.Error {
	if derr := cp.callerIsRoot(sender); derr != nil {
		return derr
	}
	_, err := daemonstate.Call(cp.reactor, func(s *daemonstate.State) result {
		if err := s.Store.Unpublish(hash); err != nil {
			return result{err: err}
		}
		reregisterAndNotify(s, cp)
		return result{}
	}).unwrap()
	if err != nil {
		return dbusError(err)
	}
	return nil
}

type result struct {
	item *item.Item
	err  error
}

func (r result) unwrap() (*item.Item, error) { return r.item, r.err }

// reregisterAndNotify re-announces the current item set over discovery and
// emits Changed, both done after the store mutation completes (spec.md
// §5).
func reregisterAndNotify(s *daemonstate.State, cp *ControlPlane) {
	if s.Announcer != nil {
		items := s.Store.Items()
		hashes := make([]string, 0, len(items))
		for _, it := range items {
			if !it.Flags.Disabled() {
				hashes = append(hashes, it.Hash)
			}
		}
		if err := s.Announcer.Announce(hashes); err != nil {
			cp.log.Warn("discovery re-announce failed", "err", err)
		}
	}
	if err := cp.conn.Emit(ObjectPath, InterfaceName+".Changed"); err != nil {
		cp.log.Warn("emit Changed failed", "err", err)
	}
}
