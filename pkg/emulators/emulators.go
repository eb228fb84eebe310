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

// Package emulators defines the contract shared by the protocol emulators and
// the per-client session plumbing they write through. An emulator translates
// game and sensor events into a companion app's wire protocol and parses the
// app's commands back into board and game actions.
package emulators

import (
	"github.com/universal-chess/relayd/pkg/board"
)

// Sink is the write half of a connected transport: a GATT notify
// characteristic or an RFCOMM socket.
type Sink interface {
	Write(data []byte) error
}

// Emulator is implemented by each protocol emulator. OnConnect binds the
// emulator to a client session and establishes its bus subscriptions;
// OnDisconnect tears both down. HandleCommand consumes raw inbound bytes,
// which may arrive fragmented at arbitrary boundaries.
type Emulator interface {
	Name() string
	OnConnect(session *Session)
	OnDisconnect()
	HandleCommand(data []byte)
}

// Board is the subset of the board controller an emulator drives.
type Board interface {
	Occupancy() uint64
	Meta() board.Meta
	Led(square int) error
	LedFromTo(from, to int) error
	LedsOff() error
	Beep(sound board.Sound) error
}

// Game exposes the authoritative position to emulators.
type Game interface {
	FEN() string
}
