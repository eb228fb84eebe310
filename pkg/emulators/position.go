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

package emulators

import "strings"

// Placement decodes the piece-placement field of fen into a 64-entry array
// indexed a1=0 .. h8=63. Occupied squares hold the FEN piece letter, empty
// squares hold zero. Malformed input yields whatever squares were decoded
// before the defect; emulators render the rest as empty.
func Placement(fen string) [64]byte {
	var squares [64]byte

	field := fen
	if i := strings.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}

	rank := 7
	file := 0
	for i := 0; i < len(field); i++ {
		c := field[i]
		switch {
		case c == '/':
			rank--
			file = 0
			if rank < 0 {
				return squares
			}
		case c >= '1' && c <= '8':
			file += int(c - '0')
		default:
			if file < 8 {
				squares[rank*8+file] = c
			}
			file++
		}
	}
	return squares
}

// OccupancyOf reduces a placement to its occupancy bitmap, bit n = square n.
func OccupancyOf(squares [64]byte) uint64 {
	var occ uint64
	for sq, c := range squares {
		if c != 0 {
			occ |= uint64(1) << sq
		}
	}
	return occ
}
