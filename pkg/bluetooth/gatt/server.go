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

// Package gatt runs a BlueZ GATT peripheral over the system D-Bus. It
// exports a GATT application tree plus an advertisement and a
// NoInputNoOutput pairing agent, tracks the single connected central, and
// pushes emulator replies out as characteristic notifications.
package gatt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/universal-chess/relayd/pkg/bluetooth"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

const (
	bluezBus               = "org.bluez"
	bluezRootPath          = dbus.ObjectPath("/org/bluez")
	adapterInterface       = "org.bluez.Adapter1"
	deviceInterface        = "org.bluez.Device1"
	gattManagerInterface   = "org.bluez.GattManager1"
	gattServiceInterface   = "org.bluez.GattService1"
	gattCharInterface      = "org.bluez.GattCharacteristic1"
	advManagerInterface    = "org.bluez.LEAdvertisingManager1"
	advertisementInterface = "org.bluez.LEAdvertisement1"
	agentManagerInterface  = "org.bluez.AgentManager1"
	agentInterface         = "org.bluez.Agent1"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	appPath   = dbus.ObjectPath("/org/universalchess/relayd/gatt")
	advPath   = dbus.ObjectPath("/org/universalchess/relayd/advertisement")
	agentPath = dbus.ObjectPath("/org/universalchess/relayd/agent")

	agentCapability = "NoInputNoOutput"

	// readvertiseDelay is how long we wait before retrying a failed
	// advertisement registration after a central disconnects.
	readvertiseDelay = 2 * time.Second
)

var (
	dbusErrUnknownInterface = dbus.NewError("org.freedesktop.DBus.Error.UnknownInterface", nil)
	dbusErrUnknownProperty  = dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", nil)
)

// dbusConn is the slice of *dbus.Conn the server uses, abstracted so tests
// can stand in a fake bus.
type dbusConn interface {
	Export(v any, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...any) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// Config carries the dependencies of a Server. Zero values select the
// shared system bus, the default adapter, and the real clock.
type Config struct {
	Conn    dbusConn
	Clock   clockwork.Clock
	OnUp    func()
	OnDown  func()
	OnFatal func(err error)
	Adapter string
}

// Server owns one registered GATT application. It is not restartable:
// Activate once, Close once.
type Server struct {
	conn    dbusConn
	clock   clockwork.Clock
	onUp    func()
	onDown  func()
	onFatal func(err error)

	adapter dbus.ObjectPath

	profile  *Profile
	services []*serviceObject
	chars    map[string]*charObject

	sigCh  chan *dbus.Signal
	stopCh chan struct{}
	doneCh chan struct{}

	mu       syncutil.Mutex
	central  dbus.ObjectPath
	active   bool
	watching bool
	stopOnce sync.Once
}

// New builds a Server. OnUp and OnDown fire when the single central
// connects and disconnects; OnFatal fires once if the transport breaks
// underneath a running server.
func New(cfg Config) (*Server, error) {
	conn := cfg.Conn
	if conn == nil {
		sysBus, err := dbus.SystemBus()
		if err != nil {
			return nil, fmt.Errorf("connect system bus: %w: %w", bluetooth.ErrTransportDown, err)
		}
		conn = sysBus
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	adapter := cfg.Adapter
	if adapter == "" {
		adapter = bluetooth.DefaultAdapter
	}
	return &Server{
		conn:    conn,
		clock:   clock,
		onUp:    cfg.OnUp,
		onDown:  cfg.OnDown,
		onFatal: cfg.OnFatal,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
		chars:   make(map[string]*charObject),
		sigCh:   make(chan *dbus.Signal, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Activate exports the profile's object tree and registers it with BlueZ,
// then starts advertising under the profile's local name.
func (s *Server) Activate(profile *Profile) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("gatt: server already active")
	}
	s.profile = profile
	s.active = true
	s.mu.Unlock()

	if err := s.exportTree(profile); err != nil {
		return err
	}
	if err := s.configureAdapter(profile.Name); err != nil {
		return err
	}
	if err := s.registerAgent(); err != nil {
		return err
	}
	if err := s.call(s.adapter, gattManagerInterface+".RegisterApplication",
		appPath, map[string]dbus.Variant{}); err != nil {
		return fmt.Errorf("register gatt application: %w: %w", bluetooth.ErrTransportDown, err)
	}
	if err := s.registerAdvertisement(); err != nil {
		return err
	}

	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("watch device signals: %w: %w", bluetooth.ErrTransportDown, err)
	}
	s.conn.Signal(s.sigCh)
	s.mu.Lock()
	s.watching = true
	s.mu.Unlock()
	go s.watchCentrals()

	log.Info().
		Str("name", profile.Name).
		Str("adapter", string(s.adapter)).
		Msg("gatt application registered, advertising")
	return nil
}

// Close unregisters everything and stops the signal watcher. Safe to call
// more than once.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.conn.RemoveSignal(s.sigCh)
		_ = s.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		)

		s.mu.Lock()
		active := s.active
		watching := s.watching
		s.active = false
		s.mu.Unlock()
		if active {
			if err := s.call(s.adapter, advManagerInterface+".UnregisterAdvertisement", advPath); err != nil {
				log.Debug().Err(err).Msg("unregister advertisement")
			}
			if err := s.call(s.adapter, gattManagerInterface+".UnregisterApplication", appPath); err != nil {
				log.Debug().Err(err).Msg("unregister gatt application")
			}
			if err := s.call(bluezRootPath, agentManagerInterface+".UnregisterAgent", agentPath); err != nil {
				log.Debug().Err(err).Msg("unregister agent")
			}
		}
		if watching {
			<-s.doneCh
		}
	})
	return nil
}

// Write pushes data out the profile's notification characteristic. It
// implements the emulator session sink.
func (s *Server) Write(data []byte) error {
	s.mu.Lock()
	profile := s.profile
	s.mu.Unlock()
	if profile == nil {
		return errors.New("gatt: no active profile")
	}
	return s.Notify(profile.NotifyUUID, data)
}

// Notify sends data as a notification on the characteristic with the given
// UUID. Data sent before the central subscribes is stored but not signalled.
func (s *Server) Notify(uuid string, data []byte) error {
	s.mu.Lock()
	char, ok := s.chars[uuid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("gatt: no characteristic %s", uuid)
	}
	if err := char.notify(s.conn, data); err != nil {
		s.reportFatal(fmt.Errorf("emit notification: %w: %w", bluetooth.ErrTransportDown, err))
		return err
	}
	return nil
}

// Connected reports whether a central is currently connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.central != ""
}

func (s *Server) exportTree(profile *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app := &appObject{server: s}
	if err := s.conn.Export(app, appPath, objectManagerInterface); err != nil {
		return fmt.Errorf("export object manager: %w", err)
	}

	for si, svc := range profile.Services {
		svcPath := dbus.ObjectPath(fmt.Sprintf("%s/service%d", appPath, si))
		obj := &serviceObject{path: svcPath, uuid: svc.UUID, primary: svc.Primary}
		for ci, char := range svc.Characteristics {
			charPath := dbus.ObjectPath(fmt.Sprintf("%s/char%d", svcPath, ci))
			cobj := &charObject{
				onWrite: char.OnWrite,
				path:    charPath,
				service: svcPath,
				uuid:    char.UUID,
				flags:   char.Flags,
				value:   append([]byte(nil), char.Value...),
			}
			obj.chars = append(obj.chars, charPath)
			s.chars[char.UUID] = cobj
			if err := s.conn.Export(cobj, charPath, gattCharInterface); err != nil {
				return fmt.Errorf("export characteristic %s: %w", char.UUID, err)
			}
			if err := s.conn.Export(cobj, charPath, propertiesInterface); err != nil {
				return fmt.Errorf("export characteristic properties %s: %w", char.UUID, err)
			}
		}
		s.services = append(s.services, obj)
		if err := s.conn.Export(obj, svcPath, gattServiceInterface); err != nil {
			return fmt.Errorf("export service %s: %w", svc.UUID, err)
		}
		if err := s.conn.Export(obj, svcPath, propertiesInterface); err != nil {
			return fmt.Errorf("export service properties %s: %w", svc.UUID, err)
		}
	}

	adv := &advObject{path: advPath, localName: profile.Name, services: profile.AdvertiseServices}
	if err := s.conn.Export(adv, advPath, advertisementInterface); err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	if err := s.conn.Export(adv, advPath, propertiesInterface); err != nil {
		return fmt.Errorf("export advertisement properties: %w", err)
	}
	if err := s.conn.Export(agentObject{}, agentPath, agentInterface); err != nil {
		return fmt.Errorf("export agent: %w", err)
	}
	return nil
}

func (s *Server) managedObjects() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	for _, svc := range s.services {
		objects[svc.path] = map[string]map[string]dbus.Variant{
			gattServiceInterface: svc.properties(),
		}
	}
	for _, char := range s.chars {
		objects[char.path] = map[string]map[string]dbus.Variant{
			gattCharInterface: char.properties(),
		}
	}
	return objects
}

// configureAdapter makes the adapter impersonate the board: its alias is
// the board's advertised name and it stays discoverable with no timeout.
func (s *Server) configureAdapter(name string) error {
	props := []struct {
		value any
		name  string
	}{
		{name, "Alias"},
		{true, "Powered"},
		{false, "Pairable"},
		{uint32(0), "DiscoverableTimeout"},
		{true, "Discoverable"},
	}
	for _, p := range props {
		err := s.call(s.adapter, propertiesInterface+".Set",
			adapterInterface, p.name, dbus.MakeVariant(p.value))
		if err != nil {
			return fmt.Errorf("set adapter %s: %w: %w", p.name, bluetooth.ErrTransportDown, err)
		}
	}
	return nil
}

func (s *Server) registerAgent() error {
	if err := s.call(bluezRootPath, agentManagerInterface+".RegisterAgent",
		agentPath, agentCapability); err != nil {
		return fmt.Errorf("register agent: %w: %w", bluetooth.ErrTransportDown, err)
	}
	if err := s.call(bluezRootPath, agentManagerInterface+".RequestDefaultAgent",
		agentPath); err != nil {
		return fmt.Errorf("request default agent: %w: %w", bluetooth.ErrTransportDown, err)
	}
	return nil
}

func (s *Server) registerAdvertisement() error {
	err := s.call(s.adapter, advManagerInterface+".RegisterAdvertisement",
		advPath, map[string]dbus.Variant{})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("register advertisement: %w: %w", bluetooth.ErrTransportDown, err)
	}
	return nil
}

// watchCentrals consumes Device1 PropertiesChanged signals, enforcing the
// one-central policy and re-advertising when the central goes away.
func (s *Server) watchCentrals() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case sig, ok := <-s.sigCh:
			if !ok {
				s.reportFatal(fmt.Errorf("signal stream closed: %w", bluetooth.ErrTransportDown))
				return
			}
			s.handleSignal(sig)
		}
	}
}

func (s *Server) handleSignal(sig *dbus.Signal) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceInterface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	connectedVar, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, ok := connectedVar.Value().(bool)
	if !ok {
		return
	}

	if connected {
		s.centralConnected(sig.Path)
	} else {
		s.centralDisconnected(sig.Path)
	}
}

func (s *Server) centralConnected(path dbus.ObjectPath) {
	s.mu.Lock()
	switch s.central {
	case "":
		s.central = path
		s.mu.Unlock()
		log.Info().Str("device", string(path)).Msg("central connected")
		if s.onUp != nil {
			s.onUp()
		}
	case path:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		log.Warn().Str("device", string(path)).Msg("second central rejected")
		if err := s.call(path, deviceInterface+".Disconnect"); err != nil {
			log.Debug().Err(err).Msg("disconnect extra central")
		}
	}
}

func (s *Server) centralDisconnected(path dbus.ObjectPath) {
	s.mu.Lock()
	if s.central != path {
		s.mu.Unlock()
		return
	}
	s.central = ""
	for _, char := range s.chars {
		char.mu.Lock()
		char.notifying = false
		char.mu.Unlock()
	}
	s.mu.Unlock()

	log.Info().Str("device", string(path)).Msg("central disconnected")
	if s.onDown != nil {
		s.onDown()
	}
	if err := s.registerAdvertisement(); err != nil {
		log.Warn().Err(err).Msg("re-advertise failed, retrying")
		go s.retryAdvertisement()
	}
}

func (s *Server) retryAdvertisement() {
	select {
	case <-s.stopCh:
	case <-s.clock.After(readvertiseDelay):
		if err := s.registerAdvertisement(); err != nil {
			s.reportFatal(err)
		}
	}
}

func (s *Server) reportFatal(err error) {
	s.mu.Lock()
	onFatal := s.onFatal
	s.onFatal = nil
	s.mu.Unlock()
	log.Error().Err(err).Msg("gatt transport failure")
	if onFatal != nil {
		onFatal(err)
	}
}

func (s *Server) call(path dbus.ObjectPath, method string, args ...any) error {
	call := s.conn.Object(bluezBus, path).Call(method, 0, args...)
	return call.Err
}

func isAlreadyExists(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.bluez.Error.AlreadyExists"
	}
	return false
}
