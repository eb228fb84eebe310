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

// Package sensor tracks the physical occupancy of the 64 squares as reported
// by the board's piece-detection matrix, turning raw snapshots into debounced
// lift and place events.
package sensor

import (
	"math/bits"
	"time"
)

// DebounceWindow is how long a square's reading must hold steady before a
// transition is believed. Sliding a piece across a square produces sub-window
// blips that must not surface as events.
const DebounceWindow = 30 * time.Millisecond

// EventType distinguishes a piece leaving a square from one arriving.
type EventType int

const (
	Lift EventType = iota
	Place
)

func (t EventType) String() string {
	if t == Lift {
		return "LIFT"
	}
	return "PLACE"
}

// Event is a confirmed occupancy transition on one square. Square uses a1=0,
// b1=1, ... h8=63 ordering.
type Event struct {
	When   time.Time
	Square int
	Type   EventType
}

// StartOccupancy returns the occupancy bitmap of the standard starting
// position: ranks 1, 2, 7 and 8 populated.
func StartOccupancy() uint64 {
	return 0xFFFF_0000_0000_FFFF
}

// Model is the debounced view of the physical board. It is not safe for
// concurrent use; the board controller owns it from its poll goroutine.
type Model struct {
	pending   map[int]time.Time
	occupancy uint64
}

// NewModel creates a model with the given committed occupancy.
func NewModel(initial uint64) *Model {
	return &Model{
		occupancy: initial,
		pending:   make(map[int]time.Time),
	}
}

// Occupancy returns the committed occupancy bitmap.
func (m *Model) Occupancy() uint64 { return m.occupancy }

// Occupied reports whether the committed state has a piece on square.
func (m *Model) Occupied(square int) bool {
	return m.occupancy&(1<<uint(square)) != 0
}

// Sync replaces the committed occupancy wholesale and discards any pending
// transitions. Used when the logical position is reset under the pieces, such
// as leaving correction mode or starting a new game.
func (m *Model) Sync(occupancy uint64) {
	m.occupancy = occupancy
	m.pending = make(map[int]time.Time)
}

// Apply feeds one raw snapshot into the model and returns the transitions
// that have now survived the debounce window, in ascending square order. A
// square that reverts to its committed state before the window elapses is
// forgotten without an event.
func (m *Model) Apply(raw uint64, now time.Time) []Event {
	changed := raw ^ m.occupancy

	// Reverted squares lose their candidacy.
	for sq := range m.pending {
		if changed&(1<<uint(sq)) == 0 {
			delete(m.pending, sq)
		}
	}

	var events []Event
	for rest := changed; rest != 0; rest &= rest - 1 {
		sq := bits.TrailingZeros64(rest)

		since, ok := m.pending[sq]
		if !ok {
			m.pending[sq] = now
			continue
		}
		if now.Sub(since) < DebounceWindow {
			continue
		}

		bit := uint64(1) << uint(sq)
		typ := Lift
		if raw&bit != 0 {
			typ = Place
		}
		m.occupancy ^= bit
		delete(m.pending, sq)
		events = append(events, Event{Type: typ, Square: sq, When: now})
	}
	return events
}
