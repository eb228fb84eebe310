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

// Package pegasus emulates a DGT Pegasus board over the Nordic UART Service.
//
// Single-byte commands request a reply; the LED control and developer key
// commands carry a length-prefixed payload closed by a 0x00 terminator.
// Replies are framed as <type><len_hi><len_lo><payload> where the length
// covers the whole frame in two 7-bit bytes and no terminator follows.
package pegasus

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/sensor"
	"github.com/universal-chess/relayd/pkg/emulators"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/game"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// Nordic UART Service identity used by the DGT app.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RxCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	TxCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

	DeviceName = "DGT Pegasus"
)

// Command bytes. The reset command opens the session; until it is seen all
// other input is ignored, which keeps protocol auto-detection on shared
// transports from misfiring.
const (
	cmdReset        = 0x40
	cmdBoardDump    = 0x42
	cmdUnknown44    = 0x44
	cmdLongSerial   = 0x45
	cmdTrademark    = 0x47
	cmdVersion      = 0x4D
	cmdSerial       = 0x55
	cmdBattery      = 0x32
	cmdLedControl   = 0x60
	cmdDeveloperKey = 0x63
)

// Reply type bytes.
const (
	respBoardDump   = 0x86
	respFieldUpdate = 0x8E
	respLongSerial  = 0x91
	respTrademark   = 0x92
	respVersion     = 0x93
	respBattery     = 0xA0
	respSerial      = 0xA2
)

const (
	fieldLift  = 0x00
	fieldPlace = 0x01

	maxPacketLen = 1000
)

// Emulator speaks the Pegasus dialect of the DGT bus protocol. BLE only.
type Emulator struct {
	bus *eventbus.Bus
	brd emulators.Board
	gm  emulators.Game

	mu      syncutil.Mutex
	session *emulators.Session
	rxBuf   []byte
	started bool
	flipped bool
	lastFEN string
	subs    []eventbus.Subscription
}

// New returns a disconnected Pegasus emulator.
func New(bus *eventbus.Bus, brd emulators.Board, gm emulators.Game) *Emulator {
	return &Emulator{bus: bus, brd: brd, gm: gm}
}

// Name implements emulators.Emulator.
func (e *Emulator) Name() string { return "pegasus" }

// SupportsRfcomm reports that the Pegasus app is BLE only.
func (e *Emulator) SupportsRfcomm() bool { return false }

// SetOrientation flips square numbering for the current session, for playing
// with black at the near edge. Not persisted across connections.
func (e *Emulator) SetOrientation(flipped bool) {
	e.mu.Lock()
	e.flipped = flipped
	e.mu.Unlock()
}

// OnConnect implements emulators.Emulator.
func (e *Emulator) OnConnect(session *emulators.Session) {
	e.mu.Lock()
	e.session = session
	e.rxBuf = e.rxBuf[:0]
	e.started = false
	e.flipped = false
	e.lastFEN = ""
	e.mu.Unlock()

	e.subs = []eventbus.Subscription{
		e.bus.Subscribe(board.TopicSensor, e.onSensor),
		e.bus.Subscribe(game.TopicGame, e.onGame),
	}
	log.Info().Str("session", session.ID().String()).Msg("pegasus: connected")
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
	e.started = false
	e.mu.Unlock()
	log.Info().Msg("pegasus: disconnected")
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

	b := e.rxBuf[0]
	if !e.started {
		if b != cmdReset {
			return 1, nil
		}
		e.started = true
		e.beginLocked()
		return 1, nil
	}

	switch b {
	case cmdReset:
		e.beginLocked()
		return 1, nil
	case cmdBoardDump:
		return 1, e.boardDumpLocked()
	case cmdSerial:
		return 1, frame(respSerial, []byte(e.serialLocked()))
	case cmdLongSerial:
		return 1, frame(respLongSerial, []byte(e.serialLocked()))
	case cmdTrademark:
		return 1, frame(respTrademark, []byte(e.trademarkLocked()))
	case cmdVersion:
		return 1, frame(respVersion, []byte{1, 0})
	case cmdBattery:
		return 1, frame(respBattery, []byte{0x58, 0, 0, 0, 0, 0, 0, 0, 2})
	case cmdUnknown44:
		return 1, nil
	case cmdLedControl, cmdDeveloperKey:
		return e.parsePacketLocked(b)
	default:
		log.Debug().Uint8("byte", b).Msg("pegasus: discarding unexpected byte")
		return 1, nil
	}
}

// parsePacketLocked handles the length-prefixed commands. The length byte
// counts the payload plus the trailing 0x00 terminator.
func (e *Emulator) parsePacketLocked(cmd byte) (int, []byte) {
	if len(e.rxBuf) < 2 {
		return 0, nil
	}
	length := int(e.rxBuf[1])
	total := 2 + length
	if length == 0 || total > maxPacketLen {
		return 1, nil
	}
	if len(e.rxBuf) < total {
		return 0, nil
	}
	if e.rxBuf[total-1] != 0x00 {
		log.Debug().Uint8("cmd", cmd).Msg("pegasus: missing packet terminator")
		return 1, nil
	}
	payload := e.rxBuf[2 : total-1]

	switch cmd {
	case cmdLedControl:
		e.ledControlLocked(payload)
	case cmdDeveloperKey:
		log.Debug().Int("len", len(payload)).Msg("pegasus: developer key registered")
	}
	return total, nil
}

func (e *Emulator) beginLocked() {
	// The real board does not reply to reset; it just clears its LEDs.
	if err := e.brd.LedsOff(); err != nil {
		log.Warn().Err(err).Msg("pegasus: leds off failed")
	}
}

// ledControlLocked drives the board LEDs from an app LED packet.
// Mode 0 and mode 2 clear; mode 5 lights a field list given as
// [5, speed, mode, intensity, fields...] in hardware numbering.
func (e *Emulator) ledControlLocked(payload []byte) {
	if len(payload) == 0 {
		return
	}
	var err error
	switch payload[0] {
	case 0:
		err = e.brd.LedsOff()
	case 2:
		if len(payload) >= 3 && payload[1] == 0 && payload[2] == 0 {
			err = e.brd.LedsOff()
		}
	case 5:
		if len(payload) < 4 {
			return
		}
		fields := make([]int, 0, len(payload)-4)
		for _, hw := range payload[4:] {
			fields = append(fields, e.fieldFromWireLocked(hw))
		}
		switch len(fields) {
		case 0:
			err = e.brd.LedsOff()
		case 1:
			err = e.brd.Led(fields[0])
		default:
			err = e.brd.LedFromTo(fields[0], fields[len(fields)-1])
		}
	default:
		log.Debug().Uint8("mode", payload[0]).Msg("pegasus: unsupported led mode")
	}
	if err != nil {
		log.Warn().Err(err).Msg("pegasus: led control failed")
	}
}

func (e *Emulator) boardDumpLocked() []byte {
	occupancy := e.brd.Occupancy()
	dump := make([]byte, 64)
	for hw := 0; hw < 64; hw++ {
		if occupancy&(uint64(1)<<e.fieldFromWireLocked(byte(hw))) != 0 {
			dump[hw] = 0x01
		}
	}
	return frame(respBoardDump, dump)
}

func (e *Emulator) serialLocked() string {
	meta := e.brd.Meta()
	if meta.Serial == "" {
		return "P00000000X"
	}
	return meta.Serial
}

func (e *Emulator) trademarkLocked() string {
	meta := e.brd.Meta()
	version := meta.Version
	if version == "" {
		version = "1.00"
	}
	return fmt.Sprintf(
		"Digital Game Technology\r\n"+
			"Copyright (c) 2021 DGT\r\n"+
			"software version: %s, build: 210722\r\n"+
			"hardware version: %s, serial no: %s",
		version, version, e.serialLocked())
}

// fieldFromWireLocked converts between wire numbering (a8 = 0, h1 = 63, the
// DGT electronics order) and the a1-first square index used everywhere else.
// The mapping is its own inverse so it serves both directions.
func (e *Emulator) fieldFromWireLocked(hw byte) int {
	sq := board.RotateField(int(hw))
	if e.flipped {
		sq = 63 - sq
	}
	return sq
}

// onSensor emits a discrete field update for every lift and place. The DGT
// app reconstructs moves from these, so they are never dropped.
func (e *Emulator) onSensor(event any) {
	ev, ok := event.(sensor.Event)
	if !ok {
		return
	}
	e.mu.Lock()
	session := e.session
	var update []byte
	if session != nil && e.started {
		action := byte(fieldLift)
		if ev.Type == sensor.Place {
			action = fieldPlace
		}
		update = frame(respFieldUpdate, []byte{byte(e.fieldFromWireLocked(byte(ev.Square)) & 0x3F), action})
	}
	e.mu.Unlock()
	if update != nil {
		_ = session.Send(update)
	}
}

// onGame refreshes the occupancy dump when the position changes. Dumps are
// advisory next to the field-update stream, so they ride the coalescing
// queue.
func (e *Emulator) onGame(event any) {
	ev, ok := event.(game.Event)
	if !ok || ev.FEN == "" {
		return
	}
	e.mu.Lock()
	session := e.session
	var dump []byte
	if session != nil && e.started && ev.FEN != e.lastFEN {
		e.lastFEN = ev.FEN
		dump = e.boardDumpLocked()
	}
	e.mu.Unlock()
	if dump != nil {
		_ = session.SendState(dump)
	}
}

// frame wraps a reply in the DGT bus framing: type byte, then the whole
// frame length in two 7-bit bytes, big end first.
func frame(respType byte, payload []byte) []byte {
	total := len(payload) + 3
	out := make([]byte, 0, total)
	out = append(out, respType, byte(total>>7)&0x7F, byte(total)&0x7F)
	return append(out, payload...)
}
