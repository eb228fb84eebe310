// Universal Chess Relay
// Copyright (c) 2026 The Universal Chess Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Universal Chess Relay.
//
// Universal Chess Relay is free software: you can redistribute it and/or
// modify it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Universal Chess Relay is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Universal Chess Relay.  If not, see <http://www.gnu.org/licenses/>.

package gatt

import (
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// appObject implements org.freedesktop.DBus.ObjectManager for the GATT
// application tree. BlueZ calls GetManagedObjects once during
// RegisterApplication to learn the whole service hierarchy.
type appObject struct {
	server *Server
}

func (a *appObject) GetManagedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, *dbus.Error) {
	return a.server.managedObjects(), nil
}

// serviceObject exports one org.bluez.GattService1.
type serviceObject struct {
	path    dbus.ObjectPath
	uuid    string
	primary bool
	chars   []dbus.ObjectPath
}

func (s *serviceObject) properties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"UUID":            dbus.MakeVariant(s.uuid),
		"Primary":         dbus.MakeVariant(s.primary),
		"Characteristics": dbus.MakeVariant(s.chars),
	}
}

func (s *serviceObject) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != gattServiceInterface {
		return dbus.Variant{}, dbusErrUnknownInterface
	}
	v, ok := s.properties()[prop]
	if !ok {
		return dbus.Variant{}, dbusErrUnknownProperty
	}
	return v, nil
}

func (s *serviceObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != gattServiceInterface {
		return nil, dbusErrUnknownInterface
	}
	return s.properties(), nil
}

// charObject exports one org.bluez.GattCharacteristic1. Writes from the
// central land in ReadValue/WriteValue; notifications go out as
// PropertiesChanged signals on the Value property once the central has
// called StartNotify.
type charObject struct {
	onWrite   func(data []byte)
	path      dbus.ObjectPath
	service   dbus.ObjectPath
	uuid      string
	flags     []string
	value     []byte
	mu        syncutil.Mutex
	notifying bool
}

func (c *charObject) properties() map[string]dbus.Variant {
	c.mu.Lock()
	value := append([]byte(nil), c.value...)
	notifying := c.notifying
	c.mu.Unlock()
	return map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(c.uuid),
		"Service":   dbus.MakeVariant(c.service),
		"Flags":     dbus.MakeVariant(c.flags),
		"Value":     dbus.MakeVariant(value),
		"Notifying": dbus.MakeVariant(notifying),
	}
}

func (c *charObject) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != gattCharInterface {
		return dbus.Variant{}, dbusErrUnknownInterface
	}
	v, ok := c.properties()[prop]
	if !ok {
		return dbus.Variant{}, dbusErrUnknownProperty
	}
	return v, nil
}

func (c *charObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != gattCharInterface {
		return nil, dbusErrUnknownInterface
	}
	return c.properties(), nil
}

func (c *charObject) ReadValue(_ map[string]dbus.Variant) ([]byte, *dbus.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *charObject) WriteValue(value []byte, _ map[string]dbus.Variant) *dbus.Error {
	if c.onWrite == nil {
		c.mu.Lock()
		c.value = append([]byte(nil), value...)
		c.mu.Unlock()
		return nil
	}
	c.onWrite(value)
	return nil
}

func (c *charObject) StartNotify() *dbus.Error {
	c.mu.Lock()
	c.notifying = true
	c.mu.Unlock()
	log.Debug().Str("uuid", c.uuid).Msg("central subscribed to notifications")
	return nil
}

func (c *charObject) StopNotify() *dbus.Error {
	c.mu.Lock()
	c.notifying = false
	c.mu.Unlock()
	log.Debug().Str("uuid", c.uuid).Msg("central unsubscribed from notifications")
	return nil
}

// notify updates Value and, when the central is subscribed, emits the
// PropertiesChanged signal that BlueZ turns into a GATT notification.
func (c *charObject) notify(conn dbusConn, data []byte) error {
	c.mu.Lock()
	c.value = append([]byte(nil), data...)
	notifying := c.notifying
	c.mu.Unlock()
	if !notifying {
		return nil
	}
	return conn.Emit(c.path, propertiesInterface+".PropertiesChanged",
		gattCharInterface,
		map[string]dbus.Variant{"Value": dbus.MakeVariant(data)},
		[]string{})
}

// advObject exports one org.bluez.LEAdvertisement1.
type advObject struct {
	path      dbus.ObjectPath
	localName string
	services  []string
}

func (a *advObject) properties() map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"Type":           dbus.MakeVariant("peripheral"),
		"LocalName":      dbus.MakeVariant(a.localName),
		"IncludeTxPower": dbus.MakeVariant(true),
		"TxPower":        dbus.MakeVariant(int16(0)),
	}
	if len(a.services) > 0 {
		props["ServiceUUIDs"] = dbus.MakeVariant(a.services)
	}
	return props
}

func (a *advObject) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != advertisementInterface {
		return dbus.Variant{}, dbusErrUnknownInterface
	}
	v, ok := a.properties()[prop]
	if !ok {
		return dbus.Variant{}, dbusErrUnknownProperty
	}
	return v, nil
}

func (a *advObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != advertisementInterface {
		return nil, dbusErrUnknownInterface
	}
	return a.properties(), nil
}

func (a *advObject) Release() *dbus.Error {
	log.Debug().Str("name", a.localName).Msg("advertisement released by bluez")
	return nil
}

// agentObject is a NoInputNoOutput org.bluez.Agent1 so pairing attempts
// succeed without any user interaction, matching the fixed-pin-free radios
// the emulated boards ship with.
type agentObject struct{}

func (agentObject) Release() *dbus.Error { return nil }

func (agentObject) RequestPinCode(_ dbus.ObjectPath) (string, *dbus.Error) {
	return "0000", nil
}

func (agentObject) DisplayPinCode(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (agentObject) RequestPasskey(_ dbus.ObjectPath) (uint32, *dbus.Error) {
	return 0, nil
}

func (agentObject) DisplayPasskey(_ dbus.ObjectPath, _, _ uint32) *dbus.Error { return nil }

func (agentObject) RequestConfirmation(_ dbus.ObjectPath, _ uint32) *dbus.Error { return nil }

func (agentObject) RequestAuthorization(_ dbus.ObjectPath) *dbus.Error { return nil }

func (agentObject) AuthorizeService(_ dbus.ObjectPath, _ string) *dbus.Error { return nil }

func (agentObject) Cancel() *dbus.Error { return nil }
