// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package client is the reusable ControlPlane consumer, shared by the
// bundled CLI and any third-party publisher (spec.md §4.5).
package client

import (
	"os"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/hughsie/passim/internal/control"
	"github.com/hughsie/passim/internal/errs"
	"github.com/hughsie/passim/internal/item"
)

// ClientLibrary owns a proxy to the daemon's ControlPlane object, caching
// its properties and refreshing them on PropertiesChanged signals. It does
// not subscribe to the Changed signal.
type ClientLibrary struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu             sync.RWMutex
	version        string
	status         uint32
	downloadSaving uint64
	carbonSaving   float64
	name           string
	uri            string

	signals chan *dbus.Signal
}

// New connects to the system bus and binds to the daemon's ControlPlane
// object, without yet fetching its state; call Load for that.
func New() (*ClientLibrary, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "connect to system bus")
	}
	return &ClientLibrary{
		conn: conn,
		obj:  conn.Object(control.BusName, control.ObjectPath),
	}, nil
}

// Load snapshots every ControlPlane property and subscribes to future
// PropertiesChanged notifications so the cache stays fresh (spec.md §4.5,
// "load()").
func (c *ClientLibrary) Load() error {
	var props map[string]dbus.Variant
	call := c.obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, control.InterfaceName)
	if err := call.Store(&props); err != nil {
		return errs.Wrap(errs.Transport, err, "GetAll properties")
	}
	c.applyProperties(props)

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(control.ObjectPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return errs.Wrap(errs.Transport, err, "subscribe to PropertiesChanged")
	}
	c.signals = make(chan *dbus.Signal, 16)
	c.conn.Signal(c.signals)
	go c.watchSignals()
	return nil
}

func (c *ClientLibrary) watchSignals() {
	for sig := range c.signals {
		if sig.Name != "org.freedesktop.DBus.Properties.PropertiesChanged" {
			continue
		}
		if len(sig.Body) < 2 {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		c.applyProperties(changed)
	}
}

func (c *ClientLibrary) applyProperties(props map[string]dbus.Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := props["DaemonVersion"]; ok {
		c.version, _ = v.Value().(string)
	}
	if v, ok := props["Status"]; ok {
		if n, ok := v.Value().(uint32); ok {
			c.status = n
		}
	}
	if v, ok := props["DownloadSaving"]; ok {
		if n, ok := v.Value().(uint64); ok {
			c.downloadSaving = n
		}
	}
	if v, ok := props["CarbonSaving"]; ok {
		if n, ok := v.Value().(float64); ok {
			c.carbonSaving = n
		}
	}
	if v, ok := props["Name"]; ok {
		c.name, _ = v.Value().(string)
	}
	if v, ok := props["Uri"]; ok {
		c.uri, _ = v.Value().(string)
	}
}

func (c *ClientLibrary) GetVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *ClientLibrary) GetName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *ClientLibrary) GetURI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uri
}

func (c *ClientLibrary) GetStatus() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *ClientLibrary) GetDownloadSaving() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.downloadSaving
}

func (c *ClientLibrary) GetCarbonSaving() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.carbonSaving
}

// GetItems calls ControlPlane.GetItems and deserializes the result.
func (c *ClientLibrary) GetItems() ([]*item.Item, error) {
	var raw []map[string]dbus.Variant
	if err := c.obj.Call(control.InterfaceName+".GetItems", 0).Store(&raw); err != nil {
		return nil, errs.Wrap(errs.Transport, err, "GetItems")
	}
	items := make([]*item.Item, 0, len(raw))
	for _, vm := range raw {
		m := make(map[string]any, len(vm))
		for k, v := range vm {
			m[k] = v.Value()
		}
		it, err := item.FromSnapshotVariantMap(m)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Publish sends builder's content over the bus as a sealed memory file or
// an open file descriptor, plus its metadata dict (spec.md §4.5,
// "publish(item)"). Exactly one of builder.Storage.{Path,Bytes,Stream}
// must be set.
func (c *ClientLibrary) Publish(builder *item.Item) error {
	f, err := c.openStorageFD(builder)
	if err != nil {
		return err
	}
	defer f.Close()

	dict := map[string]dbus.Variant{
		"filename":    dbus.MakeVariant(builder.Basename),
		"max-age":     dbus.MakeVariant(builder.MaxAge),
		"share-limit": dbus.MakeVariant(builder.ShareLimit),
		"flags":       dbus.MakeVariant(uint32(builder.Flags)),
	}

	call := c.obj.Call(control.InterfaceName+".Publish", 0, dbus.UnixFD(f.Fd()), dict)
	if call.Err != nil {
		return errs.Wrap(errs.Transport, call.Err, "Publish")
	}
	return nil
}

func (c *ClientLibrary) openStorageFD(builder *item.Item) (*os.File, error) {
	switch {
	case builder.Storage.Path != "":
		f, err := os.Open(builder.Storage.Path)
		if err != nil {
			return nil, errs.Wrap(errs.Io, err, "open %s", builder.Storage.Path)
		}
		return f, nil
	case builder.Storage.Bytes != nil:
		return sealedMemFile(builder.Storage.Bytes)
	case builder.Storage.Stream != nil:
		if f, ok := builder.Storage.Stream.(*os.File); ok {
			return f, nil
		}
		data, err := readAllClose(builder.Storage.Stream)
		if err != nil {
			return nil, err
		}
		return sealedMemFile(data)
	default:
		return nil, errs.New(errs.InvalidArgs, "item has no content source set")
	}
}

// Unpublish removes hash from the daemon's cache.
func (c *ClientLibrary) Unpublish(hash string) error {
	call := c.obj.Call(control.InterfaceName+".Unpublish", 0, hash)
	if call.Err != nil {
		return errs.Wrap(errs.Transport, call.Err, "Unpublish")
	}
	return nil
}

// Close releases the bus connection.
func (c *ClientLibrary) Close() error {
	if c.signals != nil {
		c.conn.RemoveSignal(c.signals)
		close(c.signals)
	}
	return c.conn.Close()
}
