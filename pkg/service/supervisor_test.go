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

package service

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/universal-chess/relayd/pkg/bluetooth"
	"github.com/universal-chess/relayd/pkg/bluetooth/gatt"
	"github.com/universal-chess/relayd/pkg/bluetooth/rfcomm"
	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/serialport"
	"github.com/universal-chess/relayd/pkg/config"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const startOccupancy = uint64(0xFFFF_0000_0000_FFFF)

type fakePlatform struct {
	mu      sync.Mutex
	log     []string
	turn    nchess.Color
	occ     uint64
	sleepOK bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{occ: startOccupancy, turn: nchess.White, sleepOK: true}
}

func (f *fakePlatform) record(entry string) {
	f.mu.Lock()
	f.log = append(f.log, entry)
	f.mu.Unlock()
}

func (f *fakePlatform) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// Board side.
func (f *fakePlatform) Occupancy() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.occ
}
func (f *fakePlatform) Meta() board.Meta         { return board.Meta{Version: "1.0", Serial: "T1"} }
func (f *fakePlatform) Led(sq int) error         { f.record(fmt.Sprintf("led %d", sq)); return nil }
func (f *fakePlatform) LedFromTo(a, b int) error { f.record(fmt.Sprintf("fromto %d %d", a, b)); return nil }
func (f *fakePlatform) LedsOff() error           { f.record("leds off"); return nil }
func (f *fakePlatform) Beep(board.Sound) error   { f.record("beep"); return nil }
func (f *fakePlatform) Sleep() error {
	f.record("board sleep")
	if !f.sleepOK {
		return errors.New("no ack")
	}
	return nil
}
func (f *fakePlatform) Stop() { f.record("board stop") }

// Game side.
func (f *fakePlatform) FEN() string {
	return "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
}
func (f *fakePlatform) NewGame() error  { f.record("new game"); return nil }
func (f *fakePlatform) Takeback() error { f.record("takeback"); return nil }
func (f *fakePlatform) Resign(nchess.Color) { f.record("resign") }
func (f *fakePlatform) OfferDraw() { f.record("offer draw") }
func (f *fakePlatform) Turn() nchess.Color {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turn
}
// gameControl wraps the platform so the game-side Stop is recorded
// separately from the board-side one.
type gameControl struct {
	*fakePlatform
}

func (g gameControl) Stop() { g.record("game stop") }

type fakeBle struct {
	mu      sync.Mutex
	profile *gatt.Profile
	writes  [][]byte
	closed  bool
	events  chan string

	// Optional close gating, for tests that need to hold teardown open.
	closeGate    chan struct{}
	closeEntered chan struct{}
}

func (f *fakeBle) Activate(profile *gatt.Profile) error {
	f.mu.Lock()
	f.profile = profile
	f.mu.Unlock()
	f.events <- "ble activate"
	return nil
}

func (f *fakeBle) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeBle) Close() error {
	f.mu.Lock()
	f.closed = true
	gate, entered := f.closeGate, f.closeEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.events <- "ble close"
	return nil
}

func (f *fakeBle) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type fakeSpp struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	events chan string
}

func (f *fakeSpp) Activate() error { f.events <- "spp activate"; return nil }
func (f *fakeSpp) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}
func (f *fakeSpp) Close() error { f.events <- "spp close"; return nil }

type fakeBridge struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	events  chan string
}

func (f *fakeBridge) Start() { f.events <- "bridge start" }
func (f *fakeBridge) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeBridge) Close() error { f.events <- "bridge close"; return nil }

func (f *fakeBridge) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type harness struct {
	bus      *eventbus.Bus
	platform *fakePlatform
	sup      *Supervisor
	ble      *fakeBle
	spp      *fakeSpp
	bridge   *fakeBridge
	bleCfg   gatt.Config
	sppCfg   rfcomm.Config
	relayCfg relay.Config
	events   chan string
}

type harnessOpts struct {
	upstream   string
	deviceName string
	idleSecs   int
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	events := make(chan string, 64)
	h := &harness{
		bus:      eventbus.New(),
		platform: newFakePlatform(),
		ble:      &fakeBle{events: events},
		spp:      &fakeSpp{events: events},
		bridge:   &fakeBridge{events: events},
		events:   events,
	}
	defaults := config.BaseDefaults
	defaults.Game.InactivityTimeout = opts.idleSecs
	cfg := config.NewInstance("", defaults)

	h.sup = NewSupervisor(Config{
		Bus:        h.bus,
		Board:      h.platform,
		Game:       gameControl{h.platform},
		Cfg:        cfg,
		DeviceName: opts.deviceName,
		Upstream:   opts.upstream,
		NewBle: func(c gatt.Config) (BleServer, error) {
			h.bleCfg = c
			return h.ble, nil
		},
		NewSpp: func(c rfcomm.Config) (SppServer, error) {
			h.sppCfg = c
			return h.spp, nil
		},
		NewBridge: func(c relay.Config) (UpstreamBridge, error) {
			h.relayCfg = c
			return h.bridge, nil
		},
	})
	h.sup.Start()
	t.Cleanup(h.sup.Shutdown)
	return h
}

func (h *harness) expectEvent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.events:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("expected %q, got nothing", want)
	}
}

// expectEvents collects one event per expectation; transport teardown runs
// in parallel so only the set is deterministic.
func (h *harness) expectEvents(t *testing.T, want ...string) {
	t.Helper()
	got := make([]string, 0, len(want))
	for range want {
		select {
		case ev := <-h.events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	require.ElementsMatch(t, want, got)
}

func (h *harness) connectBleClient(t *testing.T) {
	t.Helper()
	require.NotNil(t, h.bleCfg.OnUp, "gatt server never constructed")
	h.bleCfg.OnUp()
}

// sendCommand delivers client bytes the way the GATT transport would:
// through the profile's write characteristic handler.
func (h *harness) sendCommand(t *testing.T, data []byte) {
	t.Helper()
	h.ble.mu.Lock()
	profile := h.ble.profile
	h.ble.mu.Unlock()
	require.NotNil(t, profile)
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			if char.OnWrite != nil {
				char.OnWrite(data)
				return
			}
		}
	}
	t.Fatal("profile has no writable characteristic")
}

func TestActivateMillenniumOnBothTransports(t *testing.T) {
	h := newHarness(t, harnessOpts{deviceName: "MILLENNIUM CHESS Custom"})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true, Rfcomm: true}))
	h.expectEvent(t, "ble activate")
	h.expectEvent(t, "spp activate")

	assert.Equal(t, "MILLENNIUM CHESS Custom", h.ble.profile.Name)
	assert.Equal(t, "MILLENNIUM CHESS Custom", h.sppCfg.Name)
	assert.Equal(t, uint16(1), h.sppCfg.Channel)

	h.sup.Deactivate()
	h.expectEvents(t, "spp close", "ble close")
}

func TestProtocolSwitchClosesOldTransportFirst(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "ble activate")

	require.NoError(t, h.sup.Activate(ProtocolPegasus, Transports{BLE: true}))
	h.expectEvent(t, "ble close")
	h.expectEvent(t, "ble activate")
	assert.Equal(t, "DGT Pegasus", h.ble.profile.Name)
}

func TestActivateRefusedWhileTeardownInFlight(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "ble activate")

	h.ble.mu.Lock()
	h.ble.closeGate = make(chan struct{})
	h.ble.closeEntered = make(chan struct{}, 4)
	h.ble.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sup.Deactivate()
		close(done)
	}()

	// The old transport is mid-close; starting a new protocol now would
	// advertise while it still holds the adapter.
	<-h.ble.closeEntered
	require.Error(t, h.sup.Activate(ProtocolPegasus, Transports{BLE: true}))

	close(h.ble.closeGate)
	<-done
	h.expectEvent(t, "ble close")

	require.NoError(t, h.sup.Activate(ProtocolPegasus, Transports{BLE: true}))
	h.expectEvent(t, "ble activate")
}

func TestRfcommOnlyRequiresMillennium(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.Error(t, h.sup.Activate(ProtocolPegasus, Transports{Rfcomm: true}))
	require.Error(t, h.sup.Activate(ProtocolChessnut, Transports{Rfcomm: true}))
	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{Rfcomm: true}))
}

func TestNoTransportRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.Error(t, h.sup.Activate(ProtocolMillennium, Transports{}))
}

func TestClientCommandAnsweredOverBle(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "ble activate")
	h.connectBleClient(t)

	h.sendCommand(t, []byte("V56"))
	require.Eventually(t, func() bool {
		for _, w := range h.ble.written() {
			if bytes.HasPrefix(w, []byte("v3130")) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "version reply never reached the transport")
}

func TestSecondTransportClientIgnoredWhileSessionActive(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true, Rfcomm: true}))
	h.expectEvent(t, "ble activate")
	h.expectEvent(t, "spp activate")

	h.connectBleClient(t)
	require.NotNil(t, h.sppCfg.OnUp)
	h.sppCfg.OnUp() // ignored: the BLE client already holds the session

	h.sendCommand(t, []byte("V56"))
	require.Eventually(t, func() bool {
		return len(h.ble.written()) > 0
	}, time.Second, 5*time.Millisecond)
	h.spp.mu.Lock()
	defer h.spp.mu.Unlock()
	assert.Empty(t, h.spp.writes, "replies must stay on the first client's transport")
}

func TestRelayRoutesClientBytesUpstream(t *testing.T) {
	h := newHarness(t, harnessOpts{upstream: "00:11:22:AA:BB:CC"})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "bridge start")
	h.expectEvent(t, "ble activate")
	h.connectBleClient(t)

	// Until the upstream connects, commands are emulated locally.
	h.sendCommand(t, []byte("V56"))
	require.Eventually(t, func() bool { return len(h.ble.written()) > 0 },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, h.bridge.sentChunks())

	require.NotNil(t, h.relayCfg.OnFallback)
	h.relayCfg.OnFallback(true)
	h.sendCommand(t, []byte("S51"))
	require.Eventually(t, func() bool {
		chunks := h.bridge.sentChunks()
		return len(chunks) == 1 && bytes.Equal(chunks[0], []byte("S51"))
	}, time.Second, 5*time.Millisecond, "command should go to the real board")
}

func TestRelayFallsBackWhenUpstreamSendFails(t *testing.T) {
	h := newHarness(t, harnessOpts{upstream: "00:11:22:AA:BB:CC"})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "bridge start")
	h.expectEvent(t, "ble activate")
	h.connectBleClient(t)

	h.relayCfg.OnFallback(true)
	h.bridge.mu.Lock()
	h.bridge.sendErr = relay.ErrUpstreamDown
	h.bridge.mu.Unlock()

	h.sendCommand(t, []byte("V56"))
	require.Eventually(t, func() bool {
		for _, w := range h.ble.written() {
			if bytes.HasPrefix(w, []byte("v3130")) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "local emulation should answer when upstream fails")
}

func TestRelayMirrorsUpstreamToClient(t *testing.T) {
	h := newHarness(t, harnessOpts{upstream: "00:11:22:AA:BB:CC"})

	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "bridge start")
	h.expectEvent(t, "ble activate")

	require.NotNil(t, h.relayCfg.Downstream)
	// No client yet: mirrored traffic is dropped, not an error.
	require.NoError(t, h.relayCfg.Downstream([]byte("x2f")))

	h.connectBleClient(t)
	require.NoError(t, h.relayCfg.Downstream([]byte("s...")))
	require.Eventually(t, func() bool {
		for _, w := range h.ble.written() {
			if bytes.Equal(w, []byte("s...")) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "upstream traffic never mirrored to the client")
}

func TestKeyBindings(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyBack})
	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyTick})
	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyHelp})
	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyDown})
	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyUp})

	assert.Equal(t, []string{"takeback", "new game", "offer draw", "resign"},
		h.platform.entries())
}

func TestLongPlayRequestsCleanShutdown(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.bus.Publish(board.TopicKey, board.KeyEvent{Key: board.KeyLongPlay})
	select {
	case err := <-h.sup.Wait():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown never requested")
	}
}

func TestLinkLossIsFatalWithLinkDownCode(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	cause := fmt.Errorf("probe: %w", serialport.ErrLinkDown)
	h.bus.Publish(board.TopicAvailability, board.AvailabilityEvent{Available: false, Err: cause})

	select {
	case err := <-h.sup.Wait():
		require.Error(t, err)
		assert.Equal(t, ExitLinkDown, ExitCode(err))
	case <-time.After(time.Second):
		t.Fatal("link loss never surfaced")
	}
}

func TestShutdownSleepsBoardLast(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.sup.Activate(ProtocolMillennium, Transports{BLE: true}))
	h.expectEvent(t, "ble activate")

	h.sup.Shutdown()
	h.expectEvent(t, "ble close")

	entries := h.platform.entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "board stop", entries[len(entries)-1])
	assert.Equal(t, "board sleep", entries[len(entries)-2])
	assert.Contains(t, entries, "game stop")
}

func TestInactivityTimeoutShutsDown(t *testing.T) {
	bus := eventbus.New()
	platform := newFakePlatform()
	clock := clockwork.NewFakeClock()
	defaults := config.BaseDefaults
	defaults.Game.InactivityTimeout = 60

	sup := NewSupervisor(Config{
		Bus:   bus,
		Board: platform,
		Game:  gameControl{platform},
		Cfg:   config.NewInstance("", defaults),
		Clock: clock,
	})
	sup.Start()
	t.Cleanup(sup.Shutdown)

	clock.Advance(30 * time.Second)
	bus.Publish(board.TopicSensor, struct{}{}) // activity rearms the timer

	clock.Advance(59 * time.Second)
	select {
	case <-sup.Wait():
		t.Fatal("timer fired before the rearmed timeout elapsed")
	default:
	}

	clock.Advance(time.Second)
	select {
	case err := <-sup.Wait():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("inactivity timeout never fired")
	}
}

func TestExitCodeMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ExitClean, ExitCode(nil))
	assert.Equal(t, ExitLinkDown, ExitCode(fmt.Errorf("x: %w", serialport.ErrLinkDown)))
	assert.Equal(t, ExitLinkDown, ExitCode(board.ErrUnavailable))
	assert.Equal(t, ExitTransportDown, ExitCode(fmt.Errorf("x: %w", bluetooth.ErrTransportDown)))
	assert.Equal(t, ExitOther, ExitCode(errors.New("boom")))
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	p, err := ParseProtocol("pegasus")
	require.NoError(t, err)
	assert.Equal(t, ProtocolPegasus, p)
	_, err = ParseProtocol("lichess")
	require.Error(t, err)

	tr, err := ParseTransports("both")
	require.NoError(t, err)
	assert.True(t, tr.BLE)
	assert.True(t, tr.Rfcomm)
	_, err = ParseTransports("serial")
	require.Error(t, err)
}
