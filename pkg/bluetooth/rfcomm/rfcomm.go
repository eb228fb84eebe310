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

// Package rfcomm serves the classic Bluetooth side of a board. The profile
// is registered with bluetoothd, which publishes the SDP record, accepts the
// RFCOMM socket and hands us the connected file descriptor over D-Bus.
package rfcomm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"github.com/universal-chess/relayd/pkg/bluetooth"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
	"golang.org/x/sys/unix"
)

const (
	bluezBus                = "org.bluez"
	bluezRootPath           = dbus.ObjectPath("/org/bluez")
	profileManagerInterface = "org.bluez.ProfileManager1"
	profileInterface        = "org.bluez.Profile1"

	profilePath = dbus.ObjectPath("/org/universalchess/relayd/spp")

	// serialPortUUID is the standard Serial Port Profile service class.
	serialPortUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultChannel matches the channel the Millennium's radio module
	// announces in its SDP record.
	DefaultChannel = uint16(1)

	readBufSize = 512
)

// dbusConn is the slice of *dbus.Conn the server needs.
type dbusConn interface {
	Export(v any, path dbus.ObjectPath, iface string) error
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Config carries the dependencies of a Server.
type Config struct {
	Conn dbusConn
	// OnData receives every chunk read from the connected client.
	OnData  func(data []byte)
	OnUp    func()
	OnDown  func()
	Name    string
	Channel uint16
}

// Server registers a Serial Port profile and streams bytes between the
// single connected client and the command handler. Write implements the
// emulator session sink.
type Server struct {
	conn     dbusConn
	onData   func(data []byte)
	onUp     func()
	onDown   func()
	name     string
	channel  uint16
	wg       sync.WaitGroup
	mu       syncutil.Mutex
	clientFD int
	active   bool
	stopOnce sync.Once
}

// New builds a Server around an existing bus connection; a nil Conn uses
// the shared system bus.
func New(cfg Config) (*Server, error) {
	conn := cfg.Conn
	if conn == nil {
		sysBus, err := dbus.SystemBus()
		if err != nil {
			return nil, fmt.Errorf("connect system bus: %w: %w", bluetooth.ErrTransportDown, err)
		}
		conn = sysBus
	}
	channel := cfg.Channel
	if channel == 0 {
		channel = DefaultChannel
	}
	return &Server{
		conn:     conn,
		onData:   cfg.OnData,
		onUp:     cfg.OnUp,
		onDown:   cfg.OnDown,
		name:     cfg.Name,
		channel:  channel,
		clientFD: -1,
	}, nil
}

// Activate exports the Profile1 object and registers it with bluetoothd.
func (s *Server) Activate() error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("rfcomm: server already active")
	}
	s.active = true
	s.mu.Unlock()

	if err := s.conn.Export(s, profilePath, profileInterface); err != nil {
		return fmt.Errorf("export profile: %w", err)
	}
	options := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(s.name),
		"Role":                  dbus.MakeVariant("server"),
		"Channel":               dbus.MakeVariant(s.channel),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(true),
	}
	call := s.conn.Object(bluezBus, bluezRootPath).Call(
		profileManagerInterface+".RegisterProfile", 0, profilePath, serialPortUUID, options)
	if call.Err != nil {
		return fmt.Errorf("register serial profile: %w: %w", bluetooth.ErrTransportDown, call.Err)
	}
	log.Info().Str("name", s.name).Uint16("channel", s.channel).Msg("rfcomm profile registered")
	return nil
}

// Close unregisters the profile and drops the connected client.
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		active := s.active
		s.active = false
		fd := s.clientFD
		s.mu.Unlock()

		if fd >= 0 {
			// Shutdown unblocks the read loop, which closes the fd.
			_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		}
		if active {
			call := s.conn.Object(bluezBus, bluezRootPath).Call(
				profileManagerInterface+".UnregisterProfile", 0, profilePath)
			if call.Err != nil {
				log.Debug().Err(call.Err).Msg("unregister serial profile")
			}
		}
		s.wg.Wait()
	})
	return nil
}

// Write sends data to the connected client. It implements the emulator
// session sink.
func (s *Server) Write(data []byte) error {
	s.mu.Lock()
	fd := s.clientFD
	s.mu.Unlock()
	if fd < 0 {
		return errors.New("rfcomm: no client connected")
	}
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("rfcomm write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Connected reports whether a client currently holds the channel.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientFD >= 0
}

// NewConnection is called by bluetoothd with the accepted socket. Only one
// client may hold the channel; later connections are refused.
func (s *Server) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	s.mu.Lock()
	if !s.active || s.clientFD >= 0 {
		s.mu.Unlock()
		_ = unix.Close(int(fd))
		log.Warn().Str("device", string(device)).Msg("rfcomm client refused, channel busy")
		return dbus.NewError("org.bluez.Error.Rejected", nil)
	}
	s.clientFD = int(fd)
	s.mu.Unlock()

	log.Info().Str("device", string(device)).Msg("rfcomm client connected")
	if s.onUp != nil {
		s.onUp()
	}
	s.wg.Add(1)
	go s.readLoop(int(fd))
	return nil
}

// RequestDisconnection is called by bluetoothd when the device asks to
// tear the channel down.
func (s *Server) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	log.Info().Str("device", string(device)).Msg("rfcomm disconnection requested")
	s.dropClient()
	return nil
}

// Release is called when bluetoothd unregisters the profile on its own.
func (s *Server) Release() *dbus.Error {
	log.Debug().Msg("rfcomm profile released by bluez")
	return nil
}

func (s *Server) readLoop(fd int) {
	defer s.wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			break
		}
		if n == 0 {
			break
		}
		if s.onData != nil {
			s.onData(append([]byte(nil), buf[:n]...))
		}
	}

	s.mu.Lock()
	current := s.clientFD == fd
	if current {
		s.clientFD = -1
	}
	s.mu.Unlock()
	_ = unix.Close(fd)
	if current {
		log.Info().Msg("rfcomm client disconnected")
		if s.onDown != nil {
			s.onDown()
		}
	}
}

func (s *Server) dropClient() {
	s.mu.Lock()
	fd := s.clientFD
	s.mu.Unlock()
	if fd >= 0 {
		// Closing the fd unblocks the read loop, which owns the cleanup.
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	}
}
