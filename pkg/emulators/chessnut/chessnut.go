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

// Package chessnut emulates a Chessnut Air board.
//
// The protocol is almost entirely asynchronous: once the app enables
// reporting, the board pushes a 38-byte position packet on every change and
// only the battery request has a reply. Commands are framed as
// <command><length><payload>.
package chessnut

import (
	"bytes"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/sensor"
	"github.com/universal-chess/relayd/pkg/emulators"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/game"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// GATT identity. Position packets notify on the FEN characteristic, commands
// arrive on the operation write characteristic.
const (
	FenServiceUUID = "1b7e8261-2877-41c3-b46e-cf057c562023"
	FenCharUUID    = "1b7e8262-2877-41c3-b46e-cf057c562023"
	OpServiceUUID  = "1b7e8271-2877-41c3-b46e-cf057c562023"
	OpWriteUUID    = "1b7e8272-2877-41c3-b46e-cf057c562023"
	OpNotifyUUID   = "1b7e8273-2877-41c3-b46e-cf057c562023"

	DeviceName = "Chessnut Air"
)

// Command bytes. Init, haptic and sound expect no reply.
const (
	cmdInit            = 0x0B
	cmdLedControl      = 0x0A
	cmdEnableReporting = 0x21
	cmdHaptic          = 0x27
	cmdBattery         = 0x29
	cmdSound           = 0x31
)

// Notification header bytes.
const (
	respFenData = 0x01
	respBattery = 0x2A
)

const (
	maxPayloadLen = 64

	batteryLevel = 85
)

// pieceCode maps FEN piece letters to the Chessnut nibble encoding.
var pieceCode = map[byte]byte{
	'q': 1, 'k': 2, 'b': 3, 'p': 4, 'n': 5,
	'R': 6, 'P': 7, 'r': 8, 'B': 9, 'N': 10, 'Q': 11, 'K': 12,
}

// Emulator speaks the Chessnut Air protocol. BLE only.
type Emulator struct {
	bus   *eventbus.Bus
	brd   emulators.Board
	gm    emulators.Game
	clock clockwork.Clock

	mu        syncutil.Mutex
	session   *emulators.Session
	rxBuf     []byte
	reporting bool
	lastState []byte
	connected time.Time
	subs      []eventbus.Subscription
}

// New returns a disconnected Chessnut emulator. The clock feeds the uptime
// counter embedded in position packets.
func New(bus *eventbus.Bus, brd emulators.Board, gm emulators.Game, clock clockwork.Clock) *Emulator {
	return &Emulator{bus: bus, brd: brd, gm: gm, clock: clock}
}

// Name implements emulators.Emulator.
func (e *Emulator) Name() string { return "chessnut" }

// SupportsRfcomm reports that the Chessnut app is BLE only.
func (e *Emulator) SupportsRfcomm() bool { return false }

// OnConnect implements emulators.Emulator.
func (e *Emulator) OnConnect(session *emulators.Session) {
	e.mu.Lock()
	e.session = session
	e.rxBuf = e.rxBuf[:0]
	e.reporting = false
	e.lastState = nil
	e.connected = e.clock.Now()
	e.mu.Unlock()

	e.subs = []eventbus.Subscription{
		e.bus.Subscribe(board.TopicSensor, e.onSensor),
		e.bus.Subscribe(game.TopicGame, e.onGame),
	}
	log.Info().Str("session", session.ID().String()).Msg("chessnut: connected")
}

// OnDisconnect implements emulators.Emulator.
func (e *Emulator) OnDisconnect() {
	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	e.subs = nil

	e.mu.Lock()
	e.session = nil
	e.rxBuf = e.rxBuf[:0]
	e.reporting = false
	e.mu.Unlock()
	log.Info().Msg("chessnut: disconnected")
}

// HandleCommand implements emulators.Emulator.
func (e *Emulator) HandleCommand(data []byte) {
	e.mu.Lock()
	session := e.session
	if session == nil {
		e.mu.Unlock()
		return
	}
	e.rxBuf = append(e.rxBuf, data...)
	var replies [][]byte
	for {
		consumed, reply := e.parseLocked()
		if consumed == 0 {
			break
		}
		e.rxBuf = e.rxBuf[consumed:]
		if reply != nil {
			replies = append(replies, reply)
		}
	}
	e.mu.Unlock()

	for _, r := range replies {
		if err := session.Send(r); err != nil {
			return
		}
	}
}

func (e *Emulator) parseLocked() (int, []byte) {
	if len(e.rxBuf) == 0 {
		return 0, nil
	}

	cmd := e.rxBuf[0]
	if !validCommand(cmd) {
		return 1, nil
	}
	if len(e.rxBuf) < 2 {
		return 0, nil
	}
	length := int(e.rxBuf[1])
	if length > maxPayloadLen {
		log.Debug().Int("len", length).Msg("chessnut: implausible payload length")
		return 1, nil
	}
	total := 2 + length
	if len(e.rxBuf) < total {
		return 0, nil
	}
	return total, e.handleLocked(cmd, e.rxBuf[2:total])
}

func validCommand(cmd byte) bool {
	switch cmd {
	case cmdInit, cmdLedControl, cmdEnableReporting, cmdHaptic, cmdBattery, cmdSound:
		return true
	}
	return false
}

func (e *Emulator) handleLocked(cmd byte, payload []byte) []byte {
	switch cmd {
	case cmdInit:
		log.Debug().Int("len", len(payload)).Msg("chessnut: init")
		return nil
	case cmdEnableReporting:
		e.reporting = true
		// The app expects the current position immediately.
		return e.stateNotificationLocked(^uint64(0))
	case cmdHaptic, cmdSound:
		on := len(payload) > 0 && payload[0] != 0
		log.Debug().Uint8("cmd", cmd).Bool("on", on).Msg("chessnut: feedback toggle")
		return nil
	case cmdBattery:
		return []byte{respBattery, 0x02, batteryLevel & 0x7F, 0x00}
	case cmdLedControl:
		e.ledControlLocked(payload)
		return nil
	}
	return nil
}

// ledControlLocked lights squares from an 8-byte grid: one byte per rank
// starting at rank 8, bit 7 = file a.
func (e *Emulator) ledControlLocked(payload []byte) {
	if len(payload) < 8 {
		log.Debug().Int("len", len(payload)).Msg("chessnut: short led payload")
		return
	}
	var squares []int
	for row, rowByte := range payload[:8] {
		rank := 7 - row
		for file := 0; file < 8; file++ {
			if rowByte&(1<<uint(7-file)) != 0 {
				squares = append(squares, rank*8+file)
			}
		}
	}
	var err error
	switch len(squares) {
	case 0:
		err = e.brd.LedsOff()
	case 1:
		err = e.brd.Led(squares[0])
	default:
		err = e.brd.LedFromTo(squares[0], squares[len(squares)-1])
	}
	if err != nil {
		log.Warn().Err(err).Msg("chessnut: led control failed")
	}
}

// stateNotificationLocked builds the 38-byte position packet: header, 32
// nibble-packed squares running h8 down to a1, uptime seconds little endian,
// two reserved bytes. Squares not in physical are rendered empty so a lifted
// piece is visible mid-move. Returns nil when the packet matches the last
// one sent.
func (e *Emulator) stateNotificationLocked(physical uint64) []byte {
	squares := emulators.Placement(e.gm.FEN())

	packed := make([]byte, 32)
	idx := 0
	for rank := 7; rank >= 0; rank-- {
		for file := 7; file >= 0; file-- {
			sq := rank*8 + file
			var code byte
			if physical&(uint64(1)<<sq) != 0 {
				code = pieceCode[squares[sq]]
			}
			if idx%2 == 0 {
				packed[idx/2] |= code & 0x0F
			} else {
				packed[idx/2] |= (code & 0x0F) << 4
			}
			idx++
		}
	}

	if bytes.Equal(packed, e.lastState) {
		return nil
	}
	e.lastState = packed

	uptime := uint16(e.clock.Since(e.connected).Seconds())
	packet := make([]byte, 0, 38)
	packet = append(packet, respFenData, 0x24)
	packet = append(packet, packed...)
	return append(packet, byte(uptime), byte(uptime>>8), 0x00, 0x00)
}

// onSensor pushes a position packet for every piece event while reporting is
// enabled. Packets for an unsettled position carry the capture sequence the
// app watches for, so they skip the coalescing queue.
func (e *Emulator) onSensor(event any) {
	if _, ok := event.(sensor.Event); !ok {
		return
	}
	e.mu.Lock()
	session := e.session
	var packet []byte
	var inFlight bool
	if session != nil && e.reporting {
		physical := e.brd.Occupancy()
		inFlight = physical != emulators.OccupancyOf(emulators.Placement(e.gm.FEN()))
		packet = e.stateNotificationLocked(physical)
	}
	e.mu.Unlock()
	if packet == nil {
		return
	}

	if inFlight {
		_ = session.Send(packet)
	} else {
		_ = session.SendState(packet)
	}
}

// onGame pushes the settled position after moves, takebacks and new games.
func (e *Emulator) onGame(event any) {
	ev, ok := event.(game.Event)
	if !ok || ev.FEN == "" {
		return
	}
	e.mu.Lock()
	session := e.session
	var packet []byte
	if session != nil && e.reporting {
		packet = e.stateNotificationLocked(^uint64(0))
	}
	e.mu.Unlock()
	if packet != nil {
		_ = session.Send(packet)
	}
}
