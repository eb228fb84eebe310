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

// Package millennium emulates the Millennium ChessLink wire protocol.
//
// Commands are printable ASCII records. The high bit of every byte carries
// odd parity on the wire and is stripped before parsing. Each record ends
// with a two-character lowercase hex checksum, the XOR of the preceding
// characters. Replies use the same framing.
package millennium

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

// GATT identity of a Millennium ChessLink board. The transparent UART service
// is the Microchip BM70 bridge the real board is built on.
const (
	ServiceUUID     = "49535343-fe7d-4ae5-8fa9-9fafd205e455"
	ConfigCharUUID  = "49535343-6daa-4d02-abf6-19569aca69fe"
	Notify1CharUUID = "49535343-aca3-481c-91ec-d85e28a60318"
	TxCharUUID      = "49535343-1e4d-4bd9-ba61-23c647249616"
	RxCharUUID      = "49535343-8841-43f4-a8d4-ecbe34729bb3"
	Notify2CharUUID = "49535343-026e-3a9b-954c-97daef17e26e"

	// DeviceName is what ChessLink-compatible apps scan for.
	DeviceName = "MILLENNIUM CHESS"
)

// Replies to the version and identity requests, matching the board revision
// the companion apps are tested against.
const (
	versionReply  = "v3130"
	identityReply = "i0055mm\n"
)

const e2romSize = 256

// Emulator translates between the ChessLink ASCII protocol and the local
// game. It supports both BLE and RFCOMM transports.
type Emulator struct {
	bus *eventbus.Bus
	brd emulators.Board
	gm  emulators.Game

	mu      syncutil.Mutex
	session *emulators.Session
	rxBuf   []byte
	e2rom   [e2romSize]byte
	lastFEN string
	subs    []eventbus.Subscription
}

// New returns a disconnected Millennium emulator.
func New(bus *eventbus.Bus, brd emulators.Board, gm emulators.Game) *Emulator {
	return &Emulator{bus: bus, brd: brd, gm: gm}
}

// Name implements emulators.Emulator.
func (e *Emulator) Name() string { return "millennium" }

// SupportsRfcomm reports that ChessLink apps may also connect over classic
// Bluetooth SPP.
func (e *Emulator) SupportsRfcomm() bool { return true }

// OnConnect implements emulators.Emulator.
func (e *Emulator) OnConnect(session *emulators.Session) {
	e.mu.Lock()
	e.session = session
	e.rxBuf = e.rxBuf[:0]
	e.e2rom = [e2romSize]byte{}
	e.lastFEN = ""
	e.mu.Unlock()

	e.subs = []eventbus.Subscription{
		e.bus.Subscribe(board.TopicSensor, e.onSensor),
		e.bus.Subscribe(game.TopicGame, e.onGame),
	}
	log.Info().Str("session", session.ID().String()).Msg("millennium: connected")
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
	e.mu.Unlock()
	log.Info().Msg("millennium: disconnected")
}

// HandleCommand implements emulators.Emulator. Input may be fragmented; whole
// records are parsed out as they complete.
func (e *Emulator) HandleCommand(data []byte) {
	e.mu.Lock()
	session := e.session
	if session == nil {
		e.mu.Unlock()
		return
	}
	for _, b := range data {
		e.rxBuf = append(e.rxBuf, b&0x7F)
	}
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

// parseLocked extracts one record from the head of rxBuf. It returns the
// number of bytes consumed (0 when the record is incomplete) and an optional
// reply, already sealed with its checksum.
func (e *Emulator) parseLocked() (int, []byte) {
	if len(e.rxBuf) == 0 {
		return 0, nil
	}

	cmd := e.rxBuf[0]
	switch cmd {
	case 'M', 'S', 's':
		return e.fixedRecord(3, func([]byte) []byte {
			return seal(e.stateRecordLocked())
		})
	case 'V':
		return e.fixedRecord(3, func([]byte) []byte {
			return seal(versionReply)
		})
	case 'I':
		return e.fixedRecord(3, func([]byte) []byte {
			return seal(identityReply)
		})
	case 'X':
		return e.fixedRecord(3, func([]byte) []byte {
			if err := e.brd.LedsOff(); err != nil {
				log.Warn().Err(err).Msg("millennium: leds off failed")
			}
			return seal("x")
		})
	case 'R':
		return e.fixedRecord(5, func(rec []byte) []byte {
			addr, ok := parseHexPair(rec[1], rec[2])
			if !ok {
				return nil
			}
			return seal(fmt.Sprintf("r%c%c%02x", rec[1], rec[2], e.e2rom[addr]))
		})
	case 'W':
		return e.fixedRecord(7, func(rec []byte) []byte {
			addr, okA := parseHexPair(rec[1], rec[2])
			value, okV := parseHexPair(rec[3], rec[4])
			if !okA || !okV {
				return nil
			}
			e.e2rom[addr] = value
			return seal(fmt.Sprintf("w%c%c%c%c", rec[1], rec[2], rec[3], rec[4]))
		})
	case 'L':
		return e.parseLedRecordLocked()
	default:
		// Continuation digits and anything unrecognised are skipped one
		// byte at a time so a corrupted record cannot wedge the parser.
		return 1, nil
	}
}

// fixedRecord waits for a record of total bytes (command, payload, two
// checksum characters), validates the checksum and runs handle on it.
func (e *Emulator) fixedRecord(total int, handle func(rec []byte) []byte) (int, []byte) {
	if len(e.rxBuf) < total {
		return 0, nil
	}
	rec := e.rxBuf[:total]
	if !checksumOK(rec) {
		log.Debug().
			Str("record", string(rec)).
			Msg("millennium: bad command checksum, record dropped")
		return total, nil
	}
	return total, handle(rec)
}

// ledRecordLen covers 'L', a two-character hold time, one hex pair per node
// of the 9x9 LED corner grid, and the checksum.
const ledRecordLen = 1 + 2 + 81*2 + 2

func (e *Emulator) parseLedRecordLocked() (int, []byte) {
	return e.fixedRecord(ledRecordLen, func(rec []byte) []byte {
		squares := ledSquares(rec[3 : 3+81*2])
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
			log.Warn().Err(err).Msg("millennium: led pattern failed")
		}
		return seal("l")
	})
}

// ledSquares decodes the 81-node corner grid into lit squares, ascending.
// Node (row, col) with row 0 on the rank-8 edge; a square is lit when any of
// its four corner nodes is driven.
func ledSquares(hexNodes []byte) []int {
	var nodes [81]byte
	for i := 0; i < 81; i++ {
		v, ok := parseHexPair(hexNodes[2*i], hexNodes[2*i+1])
		if !ok {
			continue
		}
		nodes[i] = v
	}

	var squares []int
	for sq := 0; sq < 64; sq++ {
		file := sq % 8
		rank := sq / 8
		topRow := 7 - rank
		lit := nodes[topRow*9+file] != 0 ||
			nodes[topRow*9+file+1] != 0 ||
			nodes[(topRow+1)*9+file] != 0 ||
			nodes[(topRow+1)*9+file+1] != 0
		if lit {
			squares = append(squares, sq)
		}
	}
	return squares
}

// onSensor publishes an updated state record on every piece event. Frames
// while the position is unsettled are the ones companion apps use to detect
// captures, so they bypass the coalescing queue.
func (e *Emulator) onSensor(event any) {
	if _, ok := event.(sensor.Event); !ok {
		return
	}
	e.mu.Lock()
	session := e.session
	var record []byte
	var inFlight bool
	if session != nil {
		squares := emulators.Placement(e.gm.FEN())
		physical := e.brd.Occupancy()
		inFlight = physical != emulators.OccupancyOf(squares)
		record = seal(maskedStateRecord(squares, physical))
	}
	e.mu.Unlock()
	if session == nil {
		return
	}

	if inFlight {
		_ = session.Send(record)
	} else {
		_ = session.SendState(record)
	}
}

// onGame pushes a fresh state record whenever the authoritative position
// changes: moves, takebacks, and new games.
func (e *Emulator) onGame(event any) {
	ev, ok := event.(game.Event)
	if !ok || ev.FEN == "" {
		return
	}
	e.mu.Lock()
	session := e.session
	var record []byte
	if session != nil && ev.FEN != e.lastFEN {
		e.lastFEN = ev.FEN
		record = seal(stateRecord(emulators.Placement(ev.FEN)))
	}
	e.mu.Unlock()
	if session != nil && record != nil {
		_ = session.Send(record)
	}
}

func (e *Emulator) stateRecordLocked() string {
	return stateRecord(emulators.Placement(e.gm.FEN()))
}

// stateRecord renders 's' plus 64 piece characters, a1 through h8, '.' for
// an empty square.
func stateRecord(squares [64]byte) string {
	return maskedStateRecord(squares, ^uint64(0))
}

// maskedStateRecord is stateRecord restricted to physically occupied
// squares, so a lifted piece shows as empty mid-move.
func maskedStateRecord(squares [64]byte, physical uint64) string {
	buf := make([]byte, 65)
	buf[0] = 's'
	for sq := 0; sq < 64; sq++ {
		c := squares[sq]
		if c == 0 || physical&(uint64(1)<<sq) == 0 {
			c = '.'
		}
		buf[sq+1] = c
	}
	return string(buf)
}

// seal appends the two-character lowercase hex XOR checksum.
func seal(record string) []byte {
	var cs byte
	for i := 0; i < len(record); i++ {
		cs ^= record[i]
	}
	return []byte(fmt.Sprintf("%s%02x", record, cs))
}

// checksumOK verifies the trailing checksum of an inbound record.
func checksumOK(rec []byte) bool {
	body := rec[:len(rec)-2]
	var cs byte
	for _, b := range body {
		cs ^= b
	}
	want, ok := parseHexPair(rec[len(rec)-2], rec[len(rec)-1])
	return ok && want == cs
}

func parseHexPair(hi, lo byte) (byte, bool) {
	h, okH := hexNibble(hi)
	l, okL := hexNibble(lo)
	return h<<4 | l, okH && okL
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
