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

// Package relay proxies a real upstream board while a client talks to the
// local emulator. Upstream traffic is mirrored downstream, optionally
// rewritten on the way; when the upstream is unreachable the bridge reports
// fallback so the supervisor can emulate directly.
package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// State is the bridge's upstream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 16 * time.Second

	readBufSize = 512
)

// ErrUpstreamDown reports that data could not be forwarded because no
// upstream connection is established.
var ErrUpstreamDown = errors.New("relay: upstream down")

// Dialer connects to the upstream board. The production dialer speaks
// RFCOMM; tests substitute in-memory pipes.
type Dialer interface {
	Dial(addr string) (io.ReadWriteCloser, error)
}

// Rewrite inspects one chunk of relayed traffic and returns what should be
// forwarded instead. Returning nil drops the chunk.
type Rewrite func(data []byte) []byte

// Config carries the dependencies of a Bridge.
type Config struct {
	Dialer Dialer
	Clock  clockwork.Clock
	// Downstream receives upstream traffic after RewriteDown.
	Downstream func(data []byte) error
	// OnFallback reports relaying availability: true when the bridge has
	// an upstream, false when the supervisor should emulate directly.
	OnFallback  func(relaying bool)
	RewriteUp   Rewrite
	RewriteDown Rewrite
	Addr        string
}

// Bridge maintains the upstream connection and forwards traffic both ways.
type Bridge struct {
	dialer      Dialer
	clock       clockwork.Clock
	downstream  func(data []byte) error
	onFallback  func(relaying bool)
	rewriteUp   Rewrite
	rewriteDown Rewrite
	addr        string

	stopCh chan struct{}
	doneCh chan struct{}

	mu        syncutil.Mutex
	state     State
	conn      io.ReadWriteCloser
	lastRelay *bool
	stopOnce  sync.Once
}

// New builds a Bridge; Start must be called before traffic flows.
func New(cfg Config) (*Bridge, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay: upstream address required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &rfcommDialer{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bridge{
		dialer:      dialer,
		clock:       clock,
		downstream:  cfg.Downstream,
		onFallback:  cfg.OnFallback,
		rewriteUp:   cfg.RewriteUp,
		rewriteDown: cfg.RewriteDown,
		addr:        cfg.Addr,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start launches the upstream maintenance loop.
func (b *Bridge) Start() {
	go b.run()
}

// Close drains and disconnects the upstream. Safe to call more than once.
func (b *Bridge) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		b.state = StateDraining
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		<-b.doneCh
	})
	return nil
}

// State returns the current upstream connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Send forwards one downstream-client chunk to the upstream board, applying
// the upstream rewrite hook first.
func (b *Bridge) Send(data []byte) error {
	if b.rewriteUp != nil {
		data = b.rewriteUp(data)
		if data == nil {
			return nil
		}
	}
	b.mu.Lock()
	conn := b.conn
	state := b.state
	b.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrUpstreamDown
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Join(ErrUpstreamDown, err)
	}
	return nil
}

// run dials the upstream, pumps its traffic downstream, and redials with
// exponential backoff when the connection breaks.
func (b *Bridge) run() {
	defer close(b.doneCh)
	backoff := backoffInitial
	for {
		b.setState(StateConnecting)
		conn, err := b.dialer.Dial(b.addr)
		if err != nil {
			b.setState(StateDisconnected)
			b.reportFallback(false)
			log.Warn().Err(err).Str("addr", b.addr).
				Dur("retry_in", backoff).Msg("upstream dial failed")
			select {
			case <-b.stopCh:
				return
			case <-b.clock.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}

		select {
		case <-b.stopCh:
			_ = conn.Close()
			b.setState(StateDisconnected)
			return
		default:
		}

		b.mu.Lock()
		b.conn = conn
		b.state = StateConnected
		b.mu.Unlock()
		backoff = backoffInitial
		b.reportFallback(true)
		log.Info().Str("addr", b.addr).Msg("upstream connected")

		b.pump(conn)

		b.mu.Lock()
		b.state = StateDraining
		b.conn = nil
		b.mu.Unlock()
		_ = conn.Close()
		b.setState(StateDisconnected)
		b.reportFallback(false)

		select {
		case <-b.stopCh:
			return
		default:
			log.Warn().Str("addr", b.addr).Msg("upstream lost, reconnecting")
		}
	}
}

// pump mirrors upstream traffic downstream until the connection breaks.
func (b *Bridge) pump(conn io.Reader) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if b.rewriteDown != nil {
				data = b.rewriteDown(data)
			}
			if data != nil && b.downstream != nil {
				if derr := b.downstream(data); derr != nil {
					log.Debug().Err(derr).Msg("downstream write failed, dropping chunk")
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

// reportFallback tells the supervisor when relaying availability changes.
// Repeated dial failures collapse into a single report.
func (b *Bridge) reportFallback(relaying bool) {
	b.mu.Lock()
	if b.lastRelay != nil && *b.lastRelay == relaying {
		b.mu.Unlock()
		return
	}
	b.lastRelay = &relaying
	b.mu.Unlock()
	if b.onFallback != nil {
		b.onFallback(relaying)
	}
}
