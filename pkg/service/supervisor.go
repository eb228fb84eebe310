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

// Package service owns the emulator lifecycle: which protocol is active,
// which transports serve it, the client session, and orderly shutdown.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/universal-chess/relayd/pkg/bluetooth"
	"github.com/universal-chess/relayd/pkg/bluetooth/gatt"
	"github.com/universal-chess/relayd/pkg/bluetooth/rfcomm"
	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/serialport"
	"github.com/universal-chess/relayd/pkg/config"
	"github.com/universal-chess/relayd/pkg/emulators"
	"github.com/universal-chess/relayd/pkg/emulators/chessnut"
	"github.com/universal-chess/relayd/pkg/emulators/millennium"
	"github.com/universal-chess/relayd/pkg/emulators/pegasus"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
	"github.com/universal-chess/relayd/pkg/relay"
)

// Protocol selects which board family the daemon impersonates.
type Protocol string

const (
	ProtocolMillennium Protocol = "millennium"
	ProtocolPegasus    Protocol = "pegasus"
	ProtocolChessnut   Protocol = "chessnut"
)

// ParseProtocol validates a --protocol flag value.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolMillennium, ProtocolPegasus, ProtocolChessnut:
		return Protocol(s), nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// Transports is the set of client-facing transports to serve.
type Transports struct {
	BLE    bool
	Rfcomm bool
}

// ParseTransports validates a --transport flag value.
func ParseTransports(s string) (Transports, error) {
	switch s {
	case "ble":
		return Transports{BLE: true}, nil
	case "rfcomm":
		return Transports{Rfcomm: true}, nil
	case "both":
		return Transports{BLE: true, Rfcomm: true}, nil
	default:
		return Transports{}, fmt.Errorf("unknown transport %q", s)
	}
}

// Exit codes per failure kind.
const (
	ExitClean         = 0
	ExitOther         = 1
	ExitLinkDown      = 2
	ExitTransportDown = 3
)

// ExitCode maps the error that ended the daemon to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitClean
	case errors.Is(err, serialport.ErrLinkDown), errors.Is(err, board.ErrUnavailable):
		return ExitLinkDown
	case errors.Is(err, bluetooth.ErrTransportDown):
		return ExitTransportDown
	default:
		return ExitOther
	}
}

const (
	// hardStopTimeout caps how long a graceful shutdown may take before
	// teardown is abandoned.
	hardStopTimeout = 3 * time.Second
)

// Board is the slice of the board controller the supervisor needs.
type Board interface {
	emulators.Board
	Sleep() error
	Stop()
}

// GameControl is the slice of the game manager driven by board keys and
// exposed to emulators.
type GameControl interface {
	emulators.Game
	NewGame() error
	Takeback() error
	Resign(c nchess.Color)
	OfferDraw()
	Turn() nchess.Color
	Stop()
}

// BleServer abstracts the GATT transport for tests.
type BleServer interface {
	Activate(profile *gatt.Profile) error
	Write(data []byte) error
	Close() error
}

// SppServer abstracts the RFCOMM transport for tests.
type SppServer interface {
	Activate() error
	Write(data []byte) error
	Close() error
}

// UpstreamBridge abstracts the relay bridge for tests.
type UpstreamBridge interface {
	Start()
	Send(data []byte) error
	Close() error
}

// Config carries the supervisor's collaborators. The New* factories default
// to the real transports; tests substitute fakes.
type Config struct {
	Bus        *eventbus.Bus
	Board      Board
	Game       GameControl
	Cfg        *config.Instance
	Clock      clockwork.Clock
	NewBle     func(cfg gatt.Config) (BleServer, error)
	NewSpp     func(cfg rfcomm.Config) (SppServer, error)
	NewBridge  func(cfg relay.Config) (UpstreamBridge, error)
	DeviceName string
	Upstream   string
}

// activeSession is everything belonging to one activated protocol.
type activeSession struct {
	protocol Protocol
	emu      emulators.Emulator
	ble      BleServer
	spp      SppServer
	bridge   UpstreamBridge
	session  *emulators.Session
	relaying bool
}

// Supervisor wires one emulator to its transports and owns the lifecycle
// from activation to shutdown.
type Supervisor struct {
	bus        *eventbus.Bus
	brd        Board
	gm         GameControl
	cfg        *config.Instance
	clock      clockwork.Clock
	newBle     func(cfg gatt.Config) (BleServer, error)
	newSpp     func(cfg rfcomm.Config) (SppServer, error)
	newBridge  func(cfg relay.Config) (UpstreamBridge, error)
	deviceName string
	upstream   string

	fatalCh chan error

	mu        syncutil.Mutex
	active    *activeSession
	subs      []eventbus.Subscription
	idleTimer clockwork.Timer
	switching bool
	stopped   bool
	stopOnce  sync.Once
}

// NewSupervisor builds a Supervisor; Start must be called before Activate.
func NewSupervisor(cfg Config) *Supervisor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	newBle := cfg.NewBle
	if newBle == nil {
		newBle = func(c gatt.Config) (BleServer, error) { return gatt.New(c) }
	}
	newSpp := cfg.NewSpp
	if newSpp == nil {
		newSpp = func(c rfcomm.Config) (SppServer, error) { return rfcomm.New(c) }
	}
	newBridge := cfg.NewBridge
	if newBridge == nil {
		newBridge = func(c relay.Config) (UpstreamBridge, error) { return relay.New(c) }
	}
	return &Supervisor{
		bus:        cfg.Bus,
		brd:        cfg.Board,
		gm:         cfg.Game,
		cfg:        cfg.Cfg,
		clock:      clock,
		newBle:     newBle,
		newSpp:     newSpp,
		newBridge:  newBridge,
		deviceName: cfg.DeviceName,
		upstream:   cfg.Upstream,
		fatalCh:    make(chan error, 1),
	}
}

// Start subscribes the supervisor to board keys and availability and arms
// the inactivity timeout.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs,
		s.bus.Subscribe(board.TopicKey, s.onKey),
		s.bus.Subscribe(board.TopicAvailability, s.onAvailability),
		s.bus.Subscribe(board.TopicSensor, func(any) { s.touchIdleTimer() }),
	)
	if idle := s.idleTimeout(); idle > 0 {
		s.idleTimer = s.clock.AfterFunc(idle, s.onIdle)
	}
}

// Wait delivers the error that should end the daemon: nil for a requested
// clean shutdown, a sentinel-wrapped error otherwise.
func (s *Supervisor) Wait() <-chan error {
	return s.fatalCh
}

// Activate switches the daemon to the given protocol. An already active
// protocol is deactivated first; the switch is atomic in the sense that the
// old emulator stops advertising before the new one starts.
func (s *Supervisor) Activate(protocol Protocol, transports Transports) error {
	if !transports.BLE && !transports.Rfcomm {
		return errors.New("service: no transport selected")
	}
	if transports.Rfcomm && !transports.BLE && protocol != ProtocolMillennium {
		return fmt.Errorf("service: protocol %s is BLE only", protocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("service: supervisor stopped")
	}
	if s.switching {
		// A teardown elsewhere still holds the transports; advertising
		// now would overlap with them.
		return errors.New("service: protocol switch in progress")
	}
	if s.active != nil {
		s.deactivateLocked()
	}

	active := &activeSession{protocol: protocol}
	switch protocol {
	case ProtocolMillennium:
		active.emu = millennium.New(s.bus, s.brd, s.gm)
	case ProtocolPegasus:
		active.emu = pegasus.New(s.bus, s.brd, s.gm)
	case ProtocolChessnut:
		active.emu = chessnut.New(s.bus, s.brd, s.gm, s.clock)
	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
	s.active = active

	if s.upstream != "" {
		bridge, err := s.newBridge(relay.Config{
			Addr:       s.upstream,
			Clock:      s.clock,
			Downstream: s.relayDownstream,
			OnFallback: s.onRelayChange,
		})
		if err != nil {
			s.active = nil
			return fmt.Errorf("relay bridge: %w", err)
		}
		active.bridge = bridge
		bridge.Start()
	}

	name := s.resolveDeviceName()
	if transports.BLE {
		ble, err := s.newBle(gatt.Config{
			OnUp:    func() { s.clientUp(s.bleSink()) },
			OnDown:  s.clientDown,
			OnFatal: s.fatal,
		})
		if err != nil {
			s.deactivateLocked()
			return fmt.Errorf("gatt server: %w", err)
		}
		active.ble = ble
		if err := ble.Activate(s.profileFor(protocol, name)); err != nil {
			s.deactivateLocked()
			return fmt.Errorf("gatt activate: %w", err)
		}
	}
	if transports.Rfcomm && protocol == ProtocolMillennium {
		spp, err := s.newSpp(rfcomm.Config{
			Name:    name,
			Channel: uint16(s.cfg.BluetoothConfig().RfcommChannel),
			OnData:  s.handleInbound,
			OnUp:    func() { s.clientUp(s.sppSink()) },
			OnDown:  s.clientDown,
		})
		if err != nil {
			s.deactivateLocked()
			return fmt.Errorf("rfcomm server: %w", err)
		}
		active.spp = spp
		if err := spp.Activate(); err != nil {
			s.deactivateLocked()
			return fmt.Errorf("rfcomm activate: %w", err)
		}
	}

	log.Info().Str("protocol", string(protocol)).Str("name", name).
		Bool("ble", transports.BLE).Bool("rfcomm", active.spp != nil).
		Msg("emulator activated")
	return nil
}

// Deactivate tears the active protocol down: transports first so no new
// client arrives, then the session, then the emulator subscriptions.
func (s *Supervisor) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked()
}

// Shutdown performs the final teardown; it escalates to a hard stop when
// graceful teardown exceeds its deadline. The board sleep command is the
// last blocking step.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.teardown()
		}()
		select {
		case <-done:
			log.Info().Msg("shutdown complete")
		case <-s.clock.After(hardStopTimeout):
			log.Error().Msg("graceful shutdown timed out, hard stop")
		}
	})
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	s.stopped = true
	s.deactivateLocked()
	subs := s.subs
	s.subs = nil
	idle := s.idleTimer
	s.idleTimer = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	if idle != nil {
		idle.Stop()
	}
	s.gm.Stop()

	if err := s.brd.Beep(board.SoundPowerOff); err != nil {
		log.Debug().Err(err).Msg("power-off beep failed")
	}
	if err := s.brd.Sleep(); err != nil {
		log.Warn().Err(err).Msg("board sleep failed, battery drain possible")
	}
	s.brd.Stop()
}

func (s *Supervisor) deactivateLocked() {
	active := s.active
	if active == nil {
		return
	}
	s.active = nil
	session := active.session
	active.session = nil

	// The lock is dropped around the closes so transport callbacks can
	// still take it; switching keeps Activate out until teardown is done.
	s.switching = true
	s.mu.Unlock()

	// The transports are independent; close them in parallel so a slow
	// unregister on one does not delay the others.
	var eg errgroup.Group
	if active.spp != nil {
		eg.Go(active.spp.Close)
	}
	if active.ble != nil {
		eg.Go(active.ble.Close)
	}
	if active.bridge != nil {
		eg.Go(active.bridge.Close)
	}
	if err := eg.Wait(); err != nil {
		log.Debug().Err(err).Msg("transport teardown")
	}
	if session != nil {
		active.emu.OnDisconnect()
		session.Close()
	}
	log.Info().Str("protocol", string(active.protocol)).Msg("emulator deactivated")

	s.mu.Lock()
	s.switching = false
}

// clientUp starts the protocol session for the first client; while one
// client holds a session, further transports' clients are ignored.
func (s *Supervisor) clientUp(sink emulators.Sink) {
	s.mu.Lock()
	active := s.active
	if active == nil || active.session != nil {
		s.mu.Unlock()
		return
	}
	session := emulators.NewSession(sink, s.clock)
	active.session = session
	emu := active.emu
	s.mu.Unlock()

	s.touchIdleTimer()
	emu.OnConnect(session)
}

func (s *Supervisor) clientDown() {
	s.mu.Lock()
	active := s.active
	if active == nil || active.session == nil {
		s.mu.Unlock()
		return
	}
	session := active.session
	active.session = nil
	emu := active.emu
	s.mu.Unlock()

	emu.OnDisconnect()
	session.Close()
}

// handleInbound routes client bytes: to the upstream board while the relay
// is connected, to the local emulator otherwise.
func (s *Supervisor) handleInbound(data []byte) {
	s.touchIdleTimer()
	s.mu.Lock()
	active := s.active
	if active == nil {
		s.mu.Unlock()
		return
	}
	bridge := active.bridge
	relaying := active.relaying
	emu := active.emu
	s.mu.Unlock()

	if bridge != nil && relaying {
		if err := bridge.Send(data); err == nil {
			return
		}
		log.Debug().Msg("upstream send failed, handling locally")
	}
	emu.HandleCommand(data)
}

// relayDownstream mirrors upstream-board traffic to the connected client.
func (s *Supervisor) relayDownstream(data []byte) error {
	s.mu.Lock()
	active := s.active
	var session *emulators.Session
	if active != nil {
		session = active.session
	}
	s.mu.Unlock()
	if session == nil {
		return nil // no client, nothing to mirror
	}
	return session.Send(data)
}

func (s *Supervisor) onRelayChange(relaying bool) {
	s.mu.Lock()
	if s.active != nil {
		s.active.relaying = relaying
	}
	s.mu.Unlock()
	if relaying {
		log.Info().Msg("relaying upstream board")
	} else {
		log.Info().Msg("upstream unreachable, emulating directly")
	}
}

// onKey maps board buttons to game actions.
func (s *Supervisor) onKey(event any) {
	ev, ok := event.(board.KeyEvent)
	if !ok {
		return
	}
	s.touchIdleTimer()
	switch ev.Key {
	case board.KeyBack:
		if err := s.gm.Takeback(); err != nil {
			log.Debug().Err(err).Msg("takeback refused")
		}
	case board.KeyTick:
		if err := s.gm.NewGame(); err != nil {
			log.Warn().Err(err).Msg("new game failed")
		}
	case board.KeyHelp:
		s.gm.OfferDraw()
	case board.KeyDown:
		s.gm.Resign(s.gm.Turn())
	case board.KeyLongPlay:
		log.Info().Msg("power key held, shutting down")
		s.requestStop(nil)
	default:
	}
}

func (s *Supervisor) onAvailability(event any) {
	ev, ok := event.(board.AvailabilityEvent)
	if !ok || ev.Available {
		return
	}
	err := ev.Err
	if err == nil {
		err = serialport.ErrLinkDown
	}
	s.fatal(err)
}

// onIdle fires after the configured inactivity period with no sensor or
// key activity, behaving like a held power key.
func (s *Supervisor) onIdle() {
	log.Info().Msg("inactivity timeout, shutting down")
	s.requestStop(nil)
}

func (s *Supervisor) touchIdleTimer() {
	s.mu.Lock()
	timer := s.idleTimer
	idle := s.idleTimeout()
	s.mu.Unlock()
	if timer != nil && idle > 0 {
		timer.Reset(idle)
	}
}

func (s *Supervisor) idleTimeout() time.Duration {
	return time.Duration(s.cfg.GameConfig().InactivityTimeout) * time.Second
}

func (s *Supervisor) requestStop(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

func (s *Supervisor) fatal(err error) {
	s.requestStop(err)
}

func (s *Supervisor) resolveDeviceName() string {
	if s.deviceName != "" {
		return s.deviceName
	}
	return s.cfg.BluetoothConfig().DeviceName
}

func (s *Supervisor) profileFor(protocol Protocol, name string) *gatt.Profile {
	switch protocol {
	case ProtocolPegasus:
		return gatt.PegasusProfile(name, s.handleInbound)
	case ProtocolChessnut:
		return gatt.ChessnutProfile(name, s.handleInbound)
	default:
		return gatt.MillenniumProfile(name, s.handleInbound)
	}
}

// bleSink resolves the BLE writer of the active session at call time.
func (s *Supervisor) bleSink() emulators.Sink {
	return sinkFunc(func(data []byte) error {
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == nil || active.ble == nil {
			return errors.New("service: ble transport gone")
		}
		return active.ble.Write(data)
	})
}

func (s *Supervisor) sppSink() emulators.Sink {
	return sinkFunc(func(data []byte) error {
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active == nil || active.spp == nil {
			return errors.New("service: rfcomm transport gone")
		}
		return active.spp.Write(data)
	})
}

type sinkFunc func(data []byte) error

func (f sinkFunc) Write(data []byte) error { return f(data) }
