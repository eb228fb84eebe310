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

package chessnut

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/sensor"
	"github.com/universal-chess/relayd/pkg/emulators"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/game"
)

const startOccupancy = uint64(0xFFFF_0000_0000_FFFF)

type fakeBoard struct {
	mu        sync.Mutex
	occupancy uint64
	actions   []string
}

func (b *fakeBoard) Occupancy() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupancy
}

func (b *fakeBoard) Meta() board.Meta { return board.Meta{} }

func (b *fakeBoard) Led(square int) error {
	b.record(fmt.Sprintf("led %d", square))
	return nil
}

func (b *fakeBoard) LedFromTo(from, to int) error {
	b.record(fmt.Sprintf("fromto %d %d", from, to))
	return nil
}

func (b *fakeBoard) LedsOff() error {
	b.record("off")
	return nil
}

func (b *fakeBoard) Beep(board.Sound) error {
	b.record("beep")
	return nil
}

func (b *fakeBoard) record(action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, action)
}

func (b *fakeBoard) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.actions...)
}

func (b *fakeBoard) setOccupancy(occ uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.occupancy = occ
}

type fakeGame struct{ fen string }

func (g *fakeGame) FEN() string { return g.fen }

type chanSink struct {
	frames chan []byte
}

func (s *chanSink) Write(data []byte) error {
	s.frames <- append([]byte(nil), data...)
	return nil
}

func (s *chanSink) next(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from emulator")
		return nil
	}
}

func (s *chanSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-s.frames:
		t.Fatalf("unexpected frame % x", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	bus   *eventbus.Bus
	brd   *fakeBoard
	emu   *Emulator
	sink  *chanSink
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		bus:   eventbus.New(),
		brd:   &fakeBoard{occupancy: startOccupancy},
		sink:  &chanSink{frames: make(chan []byte, 64)},
		clock: clockwork.NewFakeClock(),
	}
	h.emu = New(h.bus, h.brd, &fakeGame{fen: game.StartFEN}, h.clock)

	session := emulators.NewSession(h.sink, clockwork.NewRealClock())
	h.emu.OnConnect(session)
	t.Cleanup(func() {
		h.emu.OnDisconnect()
		session.Close()
	})
	return h
}

func (h *harness) enableReporting(t *testing.T) []byte {
	t.Helper()
	h.emu.HandleCommand([]byte{cmdEnableReporting, 1, 0x01})
	return h.sink.next(t)
}

func TestEnableReportingSendsStartPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	packet := h.enableReporting(t)

	require.Len(t, packet, 38)
	assert.Equal(t, []byte{respFenData, 0x24}, packet[:2])

	// Nibble pairs run h8 down the board: (g8 n=5, h8 r=8), (e8 k=2, f8 b=3).
	assert.Equal(t, byte(0x58), packet[2])
	assert.Equal(t, byte(0x23), packet[3])
	assert.Equal(t, byte(0x31), packet[4]) // c8 b=3, d8 q=1
	assert.Equal(t, byte(0x85), packet[5]) // a8 r=8, b8 n=5

	// Empty middle ranks and reserved tail.
	assert.Equal(t, byte(0x00), packet[2+8])
	assert.Equal(t, []byte{0, 0, 0, 0}, packet[34:])
}

func TestNoPacketsBeforeReportingEnabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.bus.Publish(board.TopicSensor, sensor.Event{Square: 12, Type: sensor.Lift})
	h.bus.Publish(game.TopicGame, game.Event{Type: game.EventMoveMade, FEN: game.StartFEN})
	h.sink.expectNone(t)
}

func TestBatteryRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emu.HandleCommand([]byte{cmdBattery, 1, 0x00})

	assert.Equal(t, []byte{respBattery, 0x02, batteryLevel, 0x00}, h.sink.next(t))
}

func TestSensorEventSendsMaskedPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enableReporting(t)

	// Lift the e2 pawn: its nibble reads empty while in the air.
	h.brd.setOccupancy(startOccupancy &^ (uint64(1) << 12))
	h.bus.Publish(board.TopicSensor, sensor.Event{Square: 12, Type: sensor.Lift})

	packet := h.sink.next(t)
	require.Len(t, packet, 38)
	// In h8-first order e2 is square 51, the upper nibble of byte 25. Its
	// lower-nibble partner is the f2 pawn.
	assert.Equal(t, byte(0x07), packet[2+25])
}

func TestDuplicatePositionSuppressed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enableReporting(t)

	h.bus.Publish(game.TopicGame, game.Event{Type: game.EventNewGame, FEN: game.StartFEN})
	h.sink.expectNone(t)
}

func TestUptimeCounterAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.enableReporting(t)

	h.clock.Advance(90 * time.Second)
	after := "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	h.bus.Publish(game.TopicGame, game.Event{Type: game.EventMoveMade, FEN: after})

	packet := h.sink.next(t)
	assert.Equal(t, byte(90), packet[34])
	assert.Equal(t, byte(0), packet[35])
}

func TestLedControlSingleSquare(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Rank 4 row with the file-e bit set lights e4.
	grid := []byte{0, 0, 0, 0, 0x08, 0, 0, 0}
	h.emu.HandleCommand(append([]byte{cmdLedControl, 8}, grid...))

	assert.Equal(t, []string{"led 28"}, h.brd.recorded())
}

func TestLedControlSpanAndClear(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// e2 and e4 lit: rank-4 and rank-2 rows, file-e bit.
	grid := []byte{0, 0, 0, 0, 0x08, 0, 0x08, 0}
	h.emu.HandleCommand(append([]byte{cmdLedControl, 8}, grid...))
	h.emu.HandleCommand(append([]byte{cmdLedControl, 8}, make([]byte, 8)...))

	assert.Equal(t, []string{"fromto 28 12", "off"}, h.brd.recorded())
}

func TestSilentCommandsProduceNoReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.emu.HandleCommand([]byte{cmdInit, 2, 0x01, 0x02})
	h.emu.HandleCommand([]byte{cmdHaptic, 1, 0x01})
	h.emu.HandleCommand([]byte{cmdSound, 1, 0x00})
	h.sink.expectNone(t)
}

func TestForeignBytesSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	// Millennium-style ASCII must not wedge the parser.
	h.emu.HandleCommand([]byte("S53"))
	h.emu.HandleCommand([]byte{cmdBattery, 1, 0x00})

	assert.Equal(t, []byte{respBattery, 0x02, batteryLevel, 0x00}, h.sink.next(t))
}

func TestFragmentedCommandReassembled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, b := range []byte{cmdBattery, 1, 0x00} {
		h.emu.HandleCommand([]byte{b})
	}

	assert.Equal(t, []byte{respBattery, 0x02, batteryLevel, 0x00}, h.sink.next(t))
}
