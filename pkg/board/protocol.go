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

package board

// Board controller opcodes. The electronics index fields from a8, so every
// field number crossing this package boundary goes through RotateField.
var (
	opSensorRead = []byte{0xF0, 0x00, 0x07}
	opKeyPoll    = []byte{0x94}
	opLedsOff    = []byte{0xB0, 0x00, 0x07}
	opLedSingle  = []byte{0xB5, 0x00, 0x0A}
	opLedFromTo  = []byte{0xB5, 0x00, 0x0C}
	opBeep       = []byte{0xB1, 0x00, 0x08}
	opSleep      = []byte{0xB2, 0x00, 0x07}
	opMetaProbe  = []byte{0x93}
)

// Inbound frame types.
const (
	typeSensorState = 0xF0
	typeFieldUpdate = 0xB0
	typeKeyEvent    = 0xB1
	typeSleepAck    = 0xB2
	typeMetaReply   = 0x93
)

// Key identifies a front-panel button. Long variants are synthesized from
// hold duration and never appear on the wire.
type Key byte

const (
	KeyBack Key = 0x01
	KeyTick Key = 0x02
	KeyUp   Key = 0x03
	KeyDown Key = 0x04
	KeyHelp Key = 0x05
	KeyPlay Key = 0x06

	KeyLongHelp Key = 0x85
	KeyLongPlay Key = 0x86
)

func (k Key) String() string {
	switch k {
	case KeyBack:
		return "BACK"
	case KeyTick:
		return "TICK"
	case KeyUp:
		return "UP"
	case KeyDown:
		return "DOWN"
	case KeyHelp:
		return "HELP"
	case KeyPlay:
		return "PLAY"
	case KeyLongHelp:
		return "LONG_HELP"
	case KeyLongPlay:
		return "LONG_PLAY"
	}
	return "UNKNOWN"
}

// Sound is a two-byte tone descriptor for the piezo.
type Sound uint16

const (
	SoundKeyPress  Sound = 0x4C08
	SoundWrongMove Sound = 0x4E18
	SoundGameEvent Sound = 0x4C40
	SoundPowerOff  Sound = 0x4C4C
)

// Key press states on the wire.
const (
	keyStateUp   = 0x00
	keyStateDown = 0x01
)

// RotateField maps a hardware field index (a8=0 .. h1=63) to the logical
// square index (a1=0 .. h8=63), and back; the mapping is its own inverse.
func RotateField(field int) int {
	return (7-field/8)*8 + field%8
}
