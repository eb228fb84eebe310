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

package sensor

import (
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStartOccupancy(t *testing.T) {
	t.Parallel()

	occ := StartOccupancy()
	assert.Equal(t, 32, bits.OnesCount64(occ))
	// e2 occupied, e4 empty.
	assert.NotZero(t, occ&(1<<12))
	assert.Zero(t, occ&(1<<28))
}

func TestLiftSurvivesDebounce(t *testing.T) {
	t.Parallel()

	m := NewModel(StartOccupancy())
	t0 := time.Now()

	lifted := StartOccupancy() &^ (1 << 12) // e2 lifted

	// First sighting only arms the candidate.
	assert.Empty(t, m.Apply(lifted, t0))
	assert.True(t, m.Occupied(12))

	// Still inside the window: no event yet.
	assert.Empty(t, m.Apply(lifted, t0.Add(10*time.Millisecond)))

	events := m.Apply(lifted, t0.Add(DebounceWindow))
	require.Len(t, events, 1)
	assert.Equal(t, Lift, events[0].Type)
	assert.Equal(t, 12, events[0].Square)
	assert.False(t, m.Occupied(12))
}

func TestBlipIsSuppressed(t *testing.T) {
	t.Parallel()

	m := NewModel(StartOccupancy())
	t0 := time.Now()

	blip := StartOccupancy() &^ (1 << 12)
	assert.Empty(t, m.Apply(blip, t0))
	// Reading reverts before the window elapses.
	assert.Empty(t, m.Apply(StartOccupancy(), t0.Add(10*time.Millisecond)))
	// Even a later matching snapshot must rearm from scratch.
	assert.Empty(t, m.Apply(blip, t0.Add(20*time.Millisecond)))
	assert.Empty(t, m.Apply(blip, t0.Add(40*time.Millisecond)))

	events := m.Apply(blip, t0.Add(60*time.Millisecond))
	require.Len(t, events, 1)
	assert.Equal(t, Lift, events[0].Type)
}

func TestMultipleChangesAscendingOrder(t *testing.T) {
	t.Parallel()

	m := NewModel(StartOccupancy())
	t0 := time.Now()

	// e2 lifted and e4 placed in the same snapshot.
	next := StartOccupancy()&^(1<<12) | 1<<28
	m.Apply(next, t0)
	events := m.Apply(next, t0.Add(DebounceWindow))

	require.Len(t, events, 2)
	assert.Equal(t, 12, events[0].Square)
	assert.Equal(t, Lift, events[0].Type)
	assert.Equal(t, 28, events[1].Square)
	assert.Equal(t, Place, events[1].Type)
}

func TestSyncDiscardsPending(t *testing.T) {
	t.Parallel()

	m := NewModel(StartOccupancy())
	t0 := time.Now()

	lifted := StartOccupancy() &^ (1 << 12)
	m.Apply(lifted, t0)

	m.Sync(StartOccupancy())
	assert.Empty(t, m.Apply(StartOccupancy(), t0.Add(DebounceWindow)))
	assert.Equal(t, StartOccupancy(), m.Occupancy())
}

func TestOccupancyConvergesToSteadyInput(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Uint64().Draw(t, "initial")
		target := rapid.Uint64().Draw(t, "target")

		m := NewModel(initial)
		t0 := time.Now()
		for i := 0; i < 4; i++ {
			m.Apply(target, t0.Add(time.Duration(i)*DebounceWindow))
		}
		assert.Equal(t, target, m.Occupancy())
	})
}
