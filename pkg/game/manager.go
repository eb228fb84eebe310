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

// Package game holds the authoritative chess position and the move-formation
// state machine that turns debounced piece events into committed moves,
// takebacks, and correction guidance.
package game

import (
	"errors"
	"fmt"
	"math/bits"

	nchess "github.com/corentings/chess/v2"
	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/sensor"
	"github.com/universal-chess/relayd/pkg/config"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// BoardDriver is the slice of the board controller the game needs. The
// concrete controller satisfies it; tests use a recorder.
type BoardDriver interface {
	Led(square int) error
	LedFromTo(from, to int) error
	LedsOff() error
	Beep(s board.Sound) error
	Occupancy() uint64
	SyncOccupancy(occupancy uint64) error
}

type fsmState int

const (
	stateIdle fsmState = iota
	stateMoving
	statePromotion
	stateCorrection
)

// ErrNoPromotionPending is returned by SetPromotion outside a promotion stall.
var ErrNoPromotionPending = errors.New("no promotion pending")

// Manager owns the logical game. All mutation happens under one mutex;
// events are published only after the lock is released so subscribers may
// call back in.
type Manager struct {
	bus   *eventbus.Bus
	board BoardDriver
	store *Store
	cfg   *config.Instance

	mu              syncutil.Mutex
	game            *nchess.Game
	baseFEN         string
	moves           []string
	occHistory      []uint64
	promoCandidates []nchess.Move
	physical        uint64
	origin          int
	lifts           int
	places          int
	state           fsmState
	sub             eventbus.Subscription
	subscribed      bool
}

// NewManager wires a manager; call Start to load the persisted position and
// begin consuming sensor events.
func NewManager(bus *eventbus.Bus, drv BoardDriver, store *Store, cfg *config.Instance) *Manager {
	return &Manager{
		bus:    bus,
		board:  drv,
		store:  store,
		cfg:    cfg,
		origin: -1,
	}
}

// Start restores the persisted position, captures the current physical
// occupancy, and subscribes to the sensor stream. If the pieces do not match
// the restored position, correction mode is entered immediately.
func (m *Manager) Start() error {
	fen, err := m.store.Load()
	if err != nil {
		return err
	}
	g, err := gameFromFEN(fen)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.game = g
	m.baseFEN = fen
	m.physical = m.board.Occupancy()
	m.sub = m.bus.Subscribe(board.TopicSensor, m.onSensor)
	m.subscribed = true

	events := []Event{turnEvent(m.game.Position().Turn())}
	if m.physical != m.logicalOccLocked() {
		m.state = stateCorrection
		m.lightDeltaLocked()
		events = append(events, Event{Type: EventCorrectionEnter})
	}
	m.mu.Unlock()

	log.Info().Str("fen", fen).Msg("game restored")
	m.publish(events)
	return nil
}

// Stop detaches from the sensor stream.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed {
		m.bus.Unsubscribe(m.sub)
		m.subscribed = false
	}
}

// FEN returns the current position.
func (m *Manager) FEN() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.game.FEN()
}

// Position returns the current position for read-only inspection.
func (m *Manager) Position() *nchess.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.game.Position()
}

// Turn returns the side to move.
func (m *Manager) Turn() nchess.Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.game.Position().Turn()
}

// Moves returns the committed move list in UCI notation.
func (m *Manager) Moves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.moves))
	copy(out, m.moves)
	return out
}

// InCorrection reports whether the physical board disagrees with the
// logical position.
func (m *Manager) InCorrection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateCorrection
}

// NewGame discards the current game and starts from the initial position.
func (m *Manager) NewGame() error {
	m.mu.Lock()
	m.game = nchess.NewGame()
	m.baseFEN = StartFEN
	m.moves = nil
	m.occHistory = nil
	m.resetPendingLocked()
	if err := m.store.Save(StartFEN); err != nil {
		log.Error().Err(err).Msg("failed to persist position")
	}
	if err := m.board.LedsOff(); err != nil {
		log.Warn().Err(err).Msg("leds off failed")
	}

	events := []Event{
		{Type: EventNewGame, FEN: StartFEN},
		turnEvent(nchess.White),
	}
	if m.physical == m.logicalOccLocked() {
		if err := m.board.SyncOccupancy(m.physical); err != nil {
			log.Warn().Err(err).Msg("occupancy sync failed")
		}
	} else {
		m.state = stateCorrection
		m.lightDeltaLocked()
		events = append(events, Event{Type: EventCorrectionEnter})
	}
	m.mu.Unlock()

	m.publish(events)
	return nil
}

// Resign ends the game with a resignation by the given color.
func (m *Manager) Resign(c nchess.Color) {
	m.mu.Lock()
	m.game.Resign(c)
	fen := m.game.FEN()
	if err := m.store.Save(fen); err != nil {
		log.Error().Err(err).Msg("failed to persist position")
	}
	m.resetPendingLocked()
	m.beepGameEventLocked()
	m.mu.Unlock()

	m.publish([]Event{{Type: EventGameOver, Reason: ResignReason(c), FEN: fen}})
}

// OfferDraw records an agreed draw.
func (m *Manager) OfferDraw() {
	m.mu.Lock()
	if err := m.game.Draw(nchess.DrawOffer); err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Msg("draw not applicable")
		return
	}
	fen := m.game.FEN()
	if err := m.store.Save(fen); err != nil {
		log.Error().Err(err).Msg("failed to persist position")
	}
	m.resetPendingLocked()
	m.beepGameEventLocked()
	m.mu.Unlock()

	m.publish([]Event{{Type: EventGameOver, Reason: ReasonDrawAgreed, FEN: fen}})
}

// Flag ends the game on time forfeit, reported by an external clock.
func (m *Manager) Flag(c nchess.Color) {
	m.mu.Lock()
	m.game.Resign(c)
	fen := m.game.FEN()
	m.resetPendingLocked()
	m.beepGameEventLocked()
	m.mu.Unlock()

	m.publish([]Event{{Type: EventGameOver, Reason: FlagReason(c), FEN: fen}})
}

// Takeback reverts the last half-move on request. The board will usually no
// longer match, so correction guidance follows.
func (m *Manager) Takeback() error {
	m.mu.Lock()
	if len(m.moves) == 0 {
		m.mu.Unlock()
		return errors.New("no move to take back")
	}
	events := m.takebackLocked()
	m.mu.Unlock()

	m.publish(events)
	return nil
}

// SetPromotion supplies the piece choice for a stalled promotion.
func (m *Manager) SetPromotion(pt nchess.PieceType) error {
	m.mu.Lock()
	if m.state != statePromotion {
		m.mu.Unlock()
		return ErrNoPromotionPending
	}
	var events []Event
	found := false
	for _, mv := range m.promoCandidates {
		if mv.Promo() == pt {
			events = m.commitLocked(mv)
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		return fmt.Errorf("no candidate promotion to %v", pt)
	}
	m.publish(events)
	return nil
}

// SetComputerMove indicates an externally chosen move on the LEDs. The move
// commits through the normal sensor flow once the user executes it.
func (m *Manager) SetComputerMove(uci string) error {
	m.mu.Lock()
	mv, err := nchess.UCINotation{}.Decode(m.game.Position(), uci)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("invalid move %q: %w", uci, err)
	}
	return m.board.LedFromTo(int(mv.S1()), int(mv.S2()))
}

func (m *Manager) onSensor(event any) {
	ev, ok := event.(sensor.Event)
	if !ok {
		return
	}

	m.mu.Lock()
	bit := uint64(1) << uint(ev.Square)
	if ev.Type == sensor.Lift {
		m.physical &^= bit
	} else {
		m.physical |= bit
	}

	var events []Event
	switch m.state {
	case stateCorrection:
		events = m.checkCorrectionLocked()
	case statePromotion:
		// Board input is frozen until the choice arrives.
	default:
		if ev.Type == sensor.Lift {
			m.onLiftLocked(ev.Square)
		} else {
			events = m.onPlaceLocked(ev.Square)
		}
	}
	m.mu.Unlock()

	m.publish(events)
}

func (m *Manager) onLiftLocked(sq int) {
	m.lifts++
	m.state = stateMoving
	if m.origin >= 0 {
		return
	}
	// The first lift of a side-to-move piece is the move origin; anything
	// else is a stray lift (captured piece, castling rook, fidgeting).
	piece := m.game.Position().Board().Piece(nchess.Square(sq))
	if piece != nchess.NoPiece && piece.Color() == m.game.Position().Turn() {
		m.origin = sq
	}
}

func (m *Manager) onPlaceLocked(sq int) []Event {
	m.places++

	if events, ok := m.tryCommitLocked(); ok {
		return events
	}
	if m.lifts > m.places {
		// Pieces still in hand; castling and captures complete later.
		return nil
	}

	if m.physical == m.logicalOccLocked() {
		// Everything is back where it was.
		m.resetPendingLocked()
		if err := m.board.LedsOff(); err != nil {
			log.Warn().Err(err).Msg("leds off failed")
		}
		return nil
	}

	if n := len(m.occHistory); n > 0 && m.physical == m.occHistory[n-1] {
		// The pieces reproduce the previous position: a takeback.
		return m.takebackLocked()
	}

	var events []Event
	if m.origin >= 0 {
		events = append(events, Event{Type: EventIllegalMove})
		m.beepErrorLocked()
		if err := m.board.LedFromTo(sq, m.origin); err != nil {
			log.Warn().Err(err).Msg("correction leds failed")
		}
	} else {
		m.lightDeltaLocked()
	}
	origin := m.origin
	m.resetPendingLocked()
	m.state = stateCorrection
	log.Info().Int("square", sq).Int("origin", origin).Msg("entering correction mode")
	return append(events, Event{Type: EventCorrectionEnter})
}

// tryCommitLocked matches the physical occupancy against the occupancy after
// each legal move. Castling and captures fall out naturally: the position
// only matches once every in-flight piece has landed.
func (m *Manager) tryCommitLocked() ([]Event, bool) {
	var matches []nchess.Move
	for _, mv := range m.game.ValidMoves() {
		mv := mv
		next := m.game.Position().Update(&mv)
		if occupancyOf(next.Board()) == m.physical {
			matches = append(matches, mv)
		}
	}

	switch len(matches) {
	case 0:
		return nil, false
	case 1:
		return m.commitLocked(matches[0]), true
	}

	// Several moves share the occupancy only when they differ in promotion
	// piece. Stall until the choice is supplied.
	m.promoCandidates = matches
	m.state = statePromotion
	return []Event{{Type: EventPromotionNeeded}}, true
}

func (m *Manager) commitLocked(mv nchess.Move) []Event {
	pos := m.game.Position()
	san := nchess.AlgebraicNotation{}.Encode(pos, &mv)
	uci := nchess.UCINotation{}.Encode(pos, &mv)

	m.occHistory = append(m.occHistory, occupancyOf(pos.Board()))
	if err := m.game.Move(&mv, nil); err != nil {
		m.occHistory = m.occHistory[:len(m.occHistory)-1]
		log.Error().Err(err).Str("move", uci).Msg("move rejected at commit")
		return nil
	}
	m.moves = append(m.moves, uci)

	// Claimable draws end the game without user action.
	for _, d := range m.game.EligibleDraws() {
		if d == nchess.ThreefoldRepetition || d == nchess.FiftyMoveRule {
			if err := m.game.Draw(d); err == nil {
				break
			}
		}
	}

	fen := m.game.FEN()
	if err := m.store.Save(fen); err != nil {
		log.Error().Err(err).Msg("failed to persist position")
	}

	m.resetPendingLocked()
	if err := m.board.SyncOccupancy(m.physical); err != nil {
		log.Warn().Err(err).Msg("occupancy sync failed")
	}
	if err := m.board.LedsOff(); err != nil {
		log.Warn().Err(err).Msg("leds off failed")
	}

	log.Info().Str("move", uci).Str("san", san).Msg("move committed")
	events := []Event{{Type: EventMoveMade, Move: uci, SAN: san, FEN: fen, Tag: moveTag(&mv)}}
	if reason, over := m.outcomeLocked(); over {
		m.beepGameEventLocked()
		events = append(events, Event{Type: EventGameOver, Reason: reason, FEN: fen})
	}
	return append(events, turnEvent(m.game.Position().Turn()))
}

func (m *Manager) takebackLocked() []Event {
	m.moves = m.moves[:len(m.moves)-1]
	if n := len(m.occHistory); n > 0 {
		m.occHistory = m.occHistory[:n-1]
	}

	g, err := m.rebuildLocked()
	if err != nil {
		log.Error().Err(err).Msg("takeback reconstruction failed")
		return nil
	}
	m.game = g

	fen := m.game.FEN()
	if err := m.store.Save(fen); err != nil {
		log.Error().Err(err).Msg("failed to persist position")
	}
	m.resetPendingLocked()
	if err := m.board.LedsOff(); err != nil {
		log.Warn().Err(err).Msg("leds off failed")
	}

	log.Info().Str("fen", fen).Msg("half-move taken back")
	events := []Event{turnEvent(m.game.Position().Turn())}
	if m.physical == m.logicalOccLocked() {
		if err := m.board.SyncOccupancy(m.physical); err != nil {
			log.Warn().Err(err).Msg("occupancy sync failed")
		}
		return events
	}

	m.state = stateCorrection
	m.lightDeltaLocked()
	return append(events, Event{Type: EventCorrectionEnter})
}

func (m *Manager) checkCorrectionLocked() []Event {
	if m.physical != m.logicalOccLocked() {
		m.lightDeltaLocked()
		return nil
	}

	m.resetPendingLocked()
	if err := m.board.LedsOff(); err != nil {
		log.Warn().Err(err).Msg("leds off failed")
	}
	if err := m.board.SyncOccupancy(m.physical); err != nil {
		log.Warn().Err(err).Msg("occupancy sync failed")
	}
	log.Info().Msg("correction resolved")
	return []Event{{Type: EventCorrectionExit}}
}

// lightDeltaLocked highlights every square where physical and logical
// occupancy disagree.
func (m *Manager) lightDeltaLocked() {
	delta := m.physical ^ m.logicalOccLocked()
	for rest := delta; rest != 0; rest &= rest - 1 {
		sq := bits.TrailingZeros64(rest)
		if err := m.board.Led(sq); err != nil {
			log.Warn().Err(err).Int("square", sq).Msg("correction led failed")
			return
		}
	}
}

func (m *Manager) resetPendingLocked() {
	m.state = stateIdle
	m.origin = -1
	m.lifts = 0
	m.places = 0
	m.promoCandidates = nil
}

func (m *Manager) outcomeLocked() (Reason, bool) {
	if m.game.Outcome() == nchess.NoOutcome {
		return "", false
	}
	switch m.game.Method() {
	case nchess.Checkmate:
		return ReasonCheckmate, true
	case nchess.Stalemate:
		return ReasonStalemate, true
	case nchess.InsufficientMaterial:
		return ReasonInsufficientMaterial, true
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return ReasonFiftyMove, true
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return ReasonThreefold, true
	case nchess.DrawOffer:
		return ReasonDrawAgreed, true
	case nchess.Resignation:
		if m.game.Outcome() == nchess.WhiteWon {
			return ResignReason(nchess.Black), true
		}
		return ResignReason(nchess.White), true
	}
	return ReasonDrawAgreed, true
}

func (m *Manager) rebuildLocked() (*nchess.Game, error) {
	g, err := gameFromFEN(m.baseFEN)
	if err != nil {
		return nil, err
	}
	for _, u := range m.moves {
		if err := g.PushNotationMove(u, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay of %q failed: %w", u, err)
		}
	}
	return g, nil
}

func (m *Manager) logicalOccLocked() uint64 {
	return occupancyOf(m.game.Position().Board())
}

func (m *Manager) beepErrorLocked() {
	if s := m.cfg.SoundConfig(); s.Enabled && s.Error {
		if err := m.board.Beep(board.SoundWrongMove); err != nil {
			log.Warn().Err(err).Msg("beep failed")
		}
	}
}

func (m *Manager) beepGameEventLocked() {
	if s := m.cfg.SoundConfig(); s.Enabled && s.GameEvent {
		if err := m.board.Beep(board.SoundGameEvent); err != nil {
			log.Warn().Err(err).Msg("beep failed")
		}
	}
}

func (m *Manager) publish(events []Event) {
	for _, ev := range events {
		m.bus.Publish(TopicGame, ev)
	}
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	if fen == StartFEN {
		return nchess.NewGame(), nil
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("invalid position %q: %w", fen, err)
	}
	return nchess.NewGame(opt), nil
}

func occupancyOf(b *nchess.Board) uint64 {
	var occ uint64
	for sq := 0; sq < 64; sq++ {
		if b.Piece(nchess.Square(sq)) != nchess.NoPiece {
			occ |= 1 << uint(sq)
		}
	}
	return occ
}

func moveTag(mv *nchess.Move) string {
	switch {
	// Promotion outranks capture for underpromoting takes.
	case mv.Promo() != nchess.NoPieceType:
		return TagPromotion
	case mv.HasTag(nchess.KingSideCastle):
		return TagCastleShort
	case mv.HasTag(nchess.QueenSideCastle):
		return TagCastleLong
	case mv.HasTag(nchess.EnPassant):
		return TagEnPassant
	case mv.HasTag(nchess.Capture):
		return TagCapture
	}
	return ""
}
