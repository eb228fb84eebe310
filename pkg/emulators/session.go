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

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// ErrSessionClosed is returned by Send and SendState after Close.
var ErrSessionClosed = errors.New("emulators: session closed")

const (
	criticalQueueDepth = 32
	stateQueueDepth    = 8

	// stateRate bounds spontaneous board-state notifications. Frames queued
	// with Send bypass the limiter and are never dropped.
	stateRate  = rate.Limit(25)
	stateBurst = 5
)

type queued struct {
	data []byte
}

// Session owns the outbound half of one connected client. All writes to the
// underlying transport happen on a single writer goroutine, so frames queued
// from the inbound parser and from bus handlers never interleave mid-frame.
//
// Two queues feed the writer. The critical queue (Send) preserves every frame
// in order: replies to commands and notifications that change the visible move
// count go here. The state queue (SendState) carries spontaneous board-state
// refreshes; it is rate limited and drops the oldest pending frame when full,
// so a burst of sensor noise costs stale frames rather than memory.
type Session struct {
	id    uuid.UUID
	sink  Sink
	clock clockwork.Clock

	limiter  *rate.Limiter
	critical chan queued
	state    chan queued

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	mu  syncutil.Mutex
	err error
}

// NewSession wraps sink and starts the writer goroutine. The caller must
// Close the session when the client disconnects.
func NewSession(sink Sink, clock clockwork.Clock) *Session {
	s := &Session{
		id:       uuid.New(),
		sink:     sink,
		clock:    clock,
		limiter:  rate.NewLimiter(stateRate, stateBurst),
		critical: make(chan queued, criticalQueueDepth),
		state:    make(chan queued, stateQueueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Send queues data for in-order delivery. Frames queued here are never
// dropped; Send blocks while the queue is full.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.stopCh:
		return ErrSessionClosed
	default:
	}
	select {
	case s.critical <- queued{data: data}:
		return nil
	case <-s.stopCh:
		return ErrSessionClosed
	}
}

// SendState queues a spontaneous board-state notification. When the queue is
// full the oldest pending state frame is dropped in favour of data.
func (s *Session) SendState(data []byte) error {
	for {
		select {
		case <-s.stopCh:
			return ErrSessionClosed
		default:
		}
		select {
		case s.state <- queued{data: data}:
			return nil
		default:
		}
		select {
		case <-s.state:
		default:
		}
	}
}

// Err reports the first write error seen by the writer goroutine.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the writer after it has flushed any queued critical frames.
// Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Session) run() {
	defer close(s.doneCh)
	for {
		// Critical frames always go out ahead of pending state refreshes.
		select {
		case q := <-s.critical:
			s.write(q.data)
			continue
		default:
		}

		select {
		case <-s.stopCh:
			s.flushCritical()
			return
		case q := <-s.critical:
			s.write(q.data)
		case q := <-s.state:
			if !s.throttle() {
				continue
			}
			// Prefer a fresher frame if one arrived while throttled.
			select {
			case fresher := <-s.state:
				q = fresher
			default:
			}
			s.write(q.data)
		}
	}
}

// throttle waits out the rate limiter. Returns false if the session closed
// while waiting, in which case the pending state frame is abandoned.
func (s *Session) throttle() bool {
	d := s.limiter.Reserve().Delay()
	if d <= 0 {
		return true
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Session) flushCritical() {
	for {
		select {
		case q := <-s.critical:
			s.write(q.data)
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) {
	if err := s.sink.Write(data); err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		log.Warn().
			Err(err).
			Str("session", s.id.String()).
			Int("len", len(data)).
			Msg("emulators: session write failed")
	}
}
