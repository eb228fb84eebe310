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

// Package board drives the physical board over the serial link: sensor and
// key polling, LED and sound output, and sleep. A single goroutine owns the
// link; all other callers go through prioritized request queues.
package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/board/sensor"
	"github.com/universal-chess/relayd/pkg/board/serialport"
	"github.com/universal-chess/relayd/pkg/config"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

// Topics published by the controller.
const (
	TopicSensor       eventbus.Topic = "board.sensor"
	TopicKey          eventbus.Topic = "board.key"
	TopicAvailability eventbus.Topic = "board.availability"
)

// ErrUnavailable reports that the controller has stopped serving requests,
// either because it was shut down or because the link failed.
var ErrUnavailable = errors.New("board unavailable")

const (
	// A press held this long surfaces as the long variant of the key.
	longPressThreshold = 1 * time.Second

	// Sustained failures before the board is declared gone.
	maxConsecutiveFailures = 5

	ledIntensity = 0x0A
	ledSpeed     = 0x05

	frameTimeout = 300 * time.Millisecond
)

// KeyEvent is published on TopicKey when a button is released.
type KeyEvent struct {
	Key Key
}

// AvailabilityEvent is published on TopicAvailability when the controller's
// view of the hardware changes.
type AvailabilityEvent struct {
	Err       error
	Available bool
}

// Meta holds the identity the board reports during startup.
type Meta struct {
	Version string
	Serial  string
}

type request struct {
	resp    chan error
	fn      func() error
	op      []byte
	payload []byte
	expect  byte
}

// Controller owns the serial link. Construct with NewController, then Start.
type Controller struct {
	link     *serialport.Link
	bus      eventbus.Publisher
	cfg      *config.Instance
	clock    clockwork.Clock
	sensors  *sensor.Model
	pressed  map[Key]time.Time
	high     chan request
	low      chan request
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu        syncutil.RWMutex
	occupancy uint64
	meta      Meta
	available bool
}

// NewController wires a controller over an opened but not yet addressed link.
func NewController(link *serialport.Link, bus eventbus.Publisher, cfg *config.Instance, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		link:    link,
		bus:     bus,
		cfg:     cfg,
		clock:   clock,
		pressed: make(map[Key]time.Time),
		high:    make(chan request, 16),
		low:     make(chan request, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start performs the address handshake, probes the board identity, seeds the
// occupancy model from a first snapshot, and launches the poll loop.
func (c *Controller) Start() error {
	if err := c.link.Flush(); err != nil {
		return err
	}
	if err := c.link.Handshake(); err != nil {
		return err
	}

	if err := c.probeMeta(); err != nil {
		// Identity is informational; an old firmware without the probe
		// still plays chess.
		log.Warn().Err(err).Msg("board identity probe failed")
	}

	raw, err := c.readSnapshot()
	if err != nil {
		return fmt.Errorf("initial sensor read failed: %w", err)
	}
	c.sensors = sensor.NewModel(raw)

	c.mu.Lock()
	c.occupancy = raw
	c.available = true
	c.mu.Unlock()

	log.Info().
		Str("version", c.meta.Version).
		Str("serial", c.meta.Serial).
		Msg("board controller started")

	go c.run()
	return nil
}

// Stop halts the poll loop and closes the link. Safe to call after the
// controller has already failed.
func (c *Controller) Stop() {
	c.halt()
	<-c.doneCh
	_ = c.link.Close()
}

// halt closes stopCh exactly once, failing all queued and future requests.
func (c *Controller) halt() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Available reports whether the hardware is still reachable.
func (c *Controller) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Meta returns the identity captured at startup.
func (c *Controller) Meta() Meta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Occupancy returns the last committed occupancy bitmap, a1=bit 0.
func (c *Controller) Occupancy() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.occupancy
}

// SyncOccupancy resets the debounce model to the given bitmap, discarding
// transitions in flight. Used when the logical position changes under the
// pieces.
func (c *Controller) SyncOccupancy(occupancy uint64) error {
	return c.submit(true, request{fn: func() error {
		c.sensors.Sync(occupancy)
		c.mu.Lock()
		c.occupancy = occupancy
		c.mu.Unlock()
		return nil
	}})
}

// Led lights a single square.
func (c *Controller) Led(square int) error {
	return c.submit(true, request{
		op:      opLedSingle,
		payload: []byte{ledSpeed, ledIntensity, byte(RotateField(square))},
	})
}

// LedFromTo lights the path of a move, origin and destination.
func (c *Controller) LedFromTo(from, to int) error {
	return c.submit(true, request{
		op:      opLedFromTo,
		payload: []byte{ledSpeed, ledIntensity, byte(RotateField(from)), byte(RotateField(to))},
	})
}

// LedsOff extinguishes every LED.
func (c *Controller) LedsOff() error {
	return c.submit(true, request{op: opLedsOff, payload: []byte{0x00}})
}

// Beep plays a tone, honoring the master sound switch.
func (c *Controller) Beep(s Sound) error {
	if !c.cfg.SoundConfig().Enabled {
		return nil
	}
	return c.submit(true, request{op: opBeep, payload: soundPayload(s)})
}

// soundPayload splits a tone into the big-endian byte pair the wire expects.
func soundPayload(s Sound) []byte {
	return []byte{byte(s >> 8), byte(s)}
}

// Sleep asks the microcontroller to power down the board. The command is
// retried a handful of times inside a two-second window; an unacknowledged
// sleep is reported, not fatal.
func (c *Controller) Sleep() error {
	deadline := c.clock.Now().Add(2 * time.Second)
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		err = c.submit(true, request{op: opSleep, payload: []byte{0x0A}, expect: typeSleepAck})
		if err == nil {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("sleep not acknowledged, retrying")
	}
	return fmt.Errorf("sleep command not acknowledged: %w", err)
}

func (c *Controller) submit(highPri bool, req request) error {
	req.resp = make(chan error, 1)
	q := c.low
	if highPri {
		q = c.high
	}
	select {
	case q <- req:
	case <-c.stopCh:
		return ErrUnavailable
	}
	select {
	case err := <-req.resp:
		return err
	case <-c.stopCh:
		return ErrUnavailable
	}
}

func (c *Controller) run() {
	defer close(c.doneCh)

	serialCfg := c.cfg.SerialConfig()
	sensorTicker := c.clock.NewTicker(time.Second / time.Duration(serialCfg.SensorPollHz))
	defer sensorTicker.Stop()
	keyTicker := c.clock.NewTicker(time.Second / time.Duration(serialCfg.KeyPollHz))
	defer keyTicker.Stop()

	failures := 0
	for {
		// High-priority requests jump the line ahead of polling.
		select {
		case req := <-c.high:
			c.execute(req)
			continue
		default:
		}

		var err error
		select {
		case <-c.stopCh:
			return
		case req := <-c.high:
			c.execute(req)
		case req := <-c.low:
			c.execute(req)
		case <-sensorTicker.Chan():
			err = c.pollSensors()
		case <-keyTicker.Chan():
			err = c.pollKeys()
		}

		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("board poll failed")
			if failures >= maxConsecutiveFailures || errors.Is(err, serialport.ErrLinkDown) {
				c.fail(err)
				return
			}
		} else {
			failures = 0
		}
	}
}

// fail marks the board gone and tells the rest of the daemon.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.available = false
	c.mu.Unlock()

	log.Error().Err(err).Msg("board unreachable, giving up")
	c.bus.Publish(TopicAvailability, AvailabilityEvent{Available: false, Err: err})

	// The poll loop is about to exit; requests must fail fast instead of
	// blocking on a queue nobody drains.
	c.halt()
}

func (c *Controller) execute(req request) {
	if req.fn != nil {
		req.resp <- req.fn()
		return
	}

	if err := c.link.Send(req.op, req.payload); err != nil {
		req.resp <- err
		return
	}
	if req.expect == 0 {
		req.resp <- nil
		return
	}

	deadline := c.clock.Now().Add(frameTimeout)
	for {
		frame, err := c.link.Recv(frameTimeout)
		if err != nil {
			req.resp <- err
			return
		}
		if frame.Type == req.expect {
			req.resp <- nil
			return
		}
		c.handleFrame(frame)
		if !c.clock.Now().Before(deadline) {
			req.resp <- serialport.ErrTimeout
			return
		}
	}
}

// pollSensors requests a full occupancy snapshot and feeds it to the model.
func (c *Controller) pollSensors() error {
	if err := c.link.Send(opSensorRead, nil); err != nil {
		return err
	}
	deadline := c.clock.Now().Add(frameTimeout)
	for {
		frame, err := c.link.Recv(frameTimeout)
		if err != nil {
			return err
		}
		if frame.Type == typeSensorState {
			c.handleSnapshot(frame.Payload)
			return nil
		}
		c.handleFrame(frame)
		if !c.clock.Now().Before(deadline) {
			return serialport.ErrTimeout
		}
	}
}

// pollKeys drains pending key activity. A quiet wire is the common case and
// must not hold the poll goroutine for a full read window, so only frames
// already in flight are collected; a late reply surfaces on the next tick.
func (c *Controller) pollKeys() error {
	if err := c.link.Send(opKeyPoll, nil); err != nil {
		return err
	}
	frames, err := c.link.RecvPending()
	for _, frame := range frames {
		c.handleFrame(frame)
	}
	return err
}

func (c *Controller) handleFrame(frame serialport.Frame) {
	switch frame.Type {
	case typeSensorState:
		c.handleSnapshot(frame.Payload)
	case typeKeyEvent:
		c.handleKey(frame.Payload)
	case typeFieldUpdate:
		// Incremental updates are only a hint; the next snapshot poll
		// picks up the change within the debounce window.
		log.Debug().Msg("field update hint received")
	default:
		log.Debug().Uint8("type", frame.Type).Msg("unexpected frame type")
	}
}

func (c *Controller) handleSnapshot(payload []byte) {
	if len(payload) < 64 {
		log.Warn().Int("len", len(payload)).Msg("short sensor snapshot")
		return
	}

	var raw uint64
	for field, v := range payload[:64] {
		if v != 0 {
			raw |= 1 << uint(RotateField(field))
		}
	}

	events := c.sensors.Apply(raw, c.clock.Now())
	c.mu.Lock()
	c.occupancy = c.sensors.Occupancy()
	c.mu.Unlock()

	for _, ev := range events {
		log.Debug().Stringer("type", ev.Type).Int("square", ev.Square).Msg("sensor event")
		c.bus.Publish(TopicSensor, ev)
	}
}

func (c *Controller) handleKey(payload []byte) {
	if len(payload) < 2 {
		return
	}
	key := Key(payload[0])
	now := c.clock.Now()

	switch payload[1] {
	case keyStateDown:
		c.pressed[key] = now
		if snd := c.cfg.SoundConfig(); snd.Enabled && snd.KeyPress {
			if err := c.link.Send(opBeep, soundPayload(SoundKeyPress)); err != nil {
				log.Warn().Err(err).Msg("key beep failed")
			}
		}
	case keyStateUp:
		pressedAt, ok := c.pressed[key]
		if !ok {
			return
		}
		delete(c.pressed, key)

		if now.Sub(pressedAt) >= longPressThreshold {
			switch key {
			case KeyPlay:
				key = KeyLongPlay
			case KeyHelp:
				key = KeyLongHelp
			}
		}
		log.Debug().Stringer("key", key).Msg("key released")
		c.bus.Publish(TopicKey, KeyEvent{Key: key})
	}
}

// readSnapshot performs one synchronous sensor read, used before the poll
// loop exists.
func (c *Controller) readSnapshot() (uint64, error) {
	if err := c.link.Send(opSensorRead, nil); err != nil {
		return 0, err
	}
	for {
		frame, err := c.link.Recv(frameTimeout)
		if err != nil {
			return 0, err
		}
		if frame.Type != typeSensorState {
			continue
		}
		if len(frame.Payload) < 64 {
			return 0, fmt.Errorf("short sensor snapshot: %d bytes", len(frame.Payload))
		}
		var raw uint64
		for field, v := range frame.Payload[:64] {
			if v != 0 {
				raw |= 1 << uint(RotateField(field))
			}
		}
		return raw, nil
	}
}

func (c *Controller) probeMeta() error {
	if err := c.link.Send(opMetaProbe, nil); err != nil {
		return err
	}
	frame, err := c.link.Recv(frameTimeout)
	if err != nil {
		return err
	}
	if frame.Type != typeMetaReply || len(frame.Payload) < 2 {
		return errors.New("malformed identity reply")
	}

	c.mu.Lock()
	c.meta = Meta{
		Version: fmt.Sprintf("%d.%d", frame.Payload[0], frame.Payload[1]),
		Serial:  string(frame.Payload[2:]),
	}
	c.mu.Unlock()
	return nil
}
