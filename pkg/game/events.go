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

package game

import (
	nchess "github.com/corentings/chess/v2"

	"github.com/universal-chess/relayd/pkg/eventbus"
)

// TopicGame carries Event values.
const TopicGame eventbus.Topic = "game.event"

// EventType enumerates the game events observable by emulators and the UI.
type EventType string

const (
	EventNewGame         EventType = "NEW_GAME"
	EventWhiteTurn       EventType = "WHITE_TURN"
	EventBlackTurn       EventType = "BLACK_TURN"
	EventMoveMade        EventType = "MOVE_MADE"
	EventIllegalMove     EventType = "ILLEGAL_MOVE"
	EventPromotionNeeded EventType = "PROMOTION_NEEDED"
	EventGameOver        EventType = "GAME_OVER"
	EventCorrectionEnter EventType = "CORRECTION_ENTER"
	EventCorrectionExit  EventType = "CORRECTION_EXIT"
)

// Reason explains a GAME_OVER event.
type Reason string

const (
	ReasonCheckmate            Reason = "CHECKMATE"
	ReasonStalemate            Reason = "STALEMATE"
	ReasonInsufficientMaterial Reason = "INSUFFICIENT_MATERIAL"
	ReasonFiftyMove            Reason = "FIFTY_MOVE"
	ReasonThreefold            Reason = "THREEFOLD"
	ReasonDrawAgreed           Reason = "DRAW_AGREED"
)

// ResignReason reports which color resigned.
func ResignReason(c nchess.Color) Reason {
	if c == nchess.White {
		return "RESIGN_WHITE"
	}
	return "RESIGN_BLACK"
}

// FlagReason reports which color lost on time.
func FlagReason(c nchess.Color) Reason {
	if c == nchess.White {
		return "FLAG_WHITE"
	}
	return "FLAG_BLACK"
}

// Move tags on MOVE_MADE events.
const (
	TagCastleShort = "CASTLE_SHORT"
	TagCastleLong  = "CASTLE_LONG"
	TagPromotion   = "PROMOTION"
	TagCapture     = "CAPTURE"
	TagEnPassant   = "EN_PASSANT"
)

// Event is published on TopicGame. Move, SAN, FEN and Tag are set on
// MOVE_MADE; Reason on GAME_OVER; FEN additionally on NEW_GAME.
type Event struct {
	Type   EventType
	Move   string
	SAN    string
	FEN    string
	Tag    string
	Reason Reason
}

func turnEvent(c nchess.Color) Event {
	if c == nchess.White {
		return Event{Type: EventWhiteTurn}
	}
	return Event{Type: EventBlackTurn}
}
