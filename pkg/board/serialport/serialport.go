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

// Package serialport implements the framed half-duplex link to the board
// microcontroller: checksummed frames, the address handshake, and retry with
// exponential backoff.
//
// Outbound frames are laid out as <opcode...><addr1><addr2><payload><checksum>.
// Inbound frames are <type><len_hi><len_lo><addr1><addr2><payload><checksum>,
// with the length encoded as two 7-bit bytes covering the whole frame. The
// checksum in both directions is the byte-wise sum of all preceding bytes,
// truncated to the low 7 bits.
package serialport

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

var (
	// ErrTimeout reports that no complete frame arrived within the deadline.
	ErrTimeout = errors.New("serial read timeout")
	// ErrLinkDown reports a sustained communication failure; the link is
	// unusable until reopened.
	ErrLinkDown = errors.New("serial link down")
	// ErrChecksum reports a frame that failed checksum validation.
	ErrChecksum = errors.New("frame checksum mismatch")
)

const (
	// OpAddrProbe asks the controller to reveal its address pair.
	OpAddrProbe = 0x4D

	// Retry policy for the handshake and for callers using SendRetry.
	maxRetries   = 5
	backoffBase  = 50 * time.Millisecond
	backoffCap   = 1 * time.Second
	readDeadline = 100 * time.Millisecond

	// Port timeout while draining frames already in flight. Short, so a
	// quiet wire does not stall the caller for the full read window.
	drainDeadline = 10 * time.Millisecond

	// A frame is at least type + 2 length bytes + 2 address bytes + checksum.
	minFrameLen = 6
	maxFrameLen = 1 << 14
)

// Port is the subset of a serial port the link needs. It exists so tests can
// inject a scripted port.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Factory opens a serial port at path.
type Factory func(path string, mode *serial.Mode) (Port, error)

// DefaultFactory opens a real serial port.
func DefaultFactory(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// Frame is a decoded inbound frame.
type Frame struct {
	Payload []byte
	Type    byte
	Addr1   byte
	Addr2   byte
}

// Link is the framed transport. It is not safe for concurrent use; the board
// controller serializes access from its poll goroutine.
type Link struct {
	port    Port
	clock   clockwork.Clock
	path    string
	rxBuf   []byte
	addr1   byte
	addr2   byte
	hasAddr bool
}

// Open opens the serial device at 115200 8N1 and returns an unaddressed link.
// Handshake must be called before regular traffic.
func Open(path string, factory Factory, clock clockwork.Clock) (*Link, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	port, err := factory(path, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLinkDown, err)
	}

	if err := port.SetReadTimeout(readDeadline); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Link{port: port, clock: clock, path: path}, nil
}

// Checksum computes the 7-bit additive checksum of b.
func Checksum(b []byte) byte {
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	return byte(sum % 128)
}

// Addr returns the negotiated address pair. Valid only after Handshake.
func (l *Link) Addr() (byte, byte) { return l.addr1, l.addr2 }

// Handshake probes the controller for its address pair with the broadcast
// address and stores it for all subsequent frames. Retried with exponential
// backoff; sustained failure returns ErrLinkDown.
func (l *Link) Handshake() error {
	backoff := backoffBase
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := l.writeFrame([]byte{OpAddrProbe}, 0x00, 0x00, nil); err != nil {
			return fmt.Errorf("%w: address probe write failed: %w", ErrLinkDown, err)
		}

		frame, err := l.Recv(500 * time.Millisecond)
		if err == nil {
			l.addr1 = frame.Addr1
			l.addr2 = frame.Addr2
			l.hasAddr = true
			log.Info().
				Str("device", l.path).
				Uint8("addr1", frame.Addr1).
				Uint8("addr2", frame.Addr2).
				Msg("board address negotiated")
			return nil
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("address probe failed, retrying")

		if attempt < maxRetries {
			l.clock.Sleep(backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
	return fmt.Errorf("%w: address probe exhausted retries", ErrLinkDown)
}

// Send writes one frame stamped with the negotiated address pair.
func (l *Link) Send(opcode []byte, payload []byte) error {
	if !l.hasAddr {
		return errors.New("send before address handshake")
	}
	return l.writeFrame(opcode, l.addr1, l.addr2, payload)
}

func (l *Link) writeFrame(opcode []byte, addr1, addr2 byte, payload []byte) error {
	frame := make([]byte, 0, len(opcode)+2+len(payload)+1)
	frame = append(frame, opcode...)
	frame = append(frame, addr1, addr2)
	frame = append(frame, payload...)
	frame = append(frame, Checksum(frame))

	if _, err := l.port.Write(frame); err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	return nil
}

// Recv blocks until a complete, checksum-valid frame addressed to us arrives
// or the timeout elapses. Frames carrying a foreign address pair are dropped.
func (l *Link) Recv(timeout time.Duration) (Frame, error) {
	deadline := l.clock.Now().Add(timeout)
	for {
		if frame, ok := l.popFrame(); ok {
			if l.hasAddr && (frame.Addr1 != l.addr1 || frame.Addr2 != l.addr2) {
				log.Debug().
					Uint8("addr1", frame.Addr1).
					Uint8("addr2", frame.Addr2).
					Msg("dropping frame with foreign address")
				continue
			}
			return frame, nil
		}

		if !l.clock.Now().Before(deadline) {
			return Frame{}, ErrTimeout
		}

		buf := make([]byte, 256)
		n, err := l.port.Read(buf)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrLinkDown, err)
		}
		l.rxBuf = append(l.rxBuf, buf[:n]...)
	}
}

// RecvPending collects frames that are already in flight. The port timeout is
// shortened for the duration and the first read that produces no bytes ends
// the drain; bytes the controller is still clocking out are picked up on the
// next call. Foreign-address frames are dropped as in Recv.
func (l *Link) RecvPending() ([]Frame, error) {
	if err := l.port.SetReadTimeout(drainDeadline); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	defer func() {
		if err := l.port.SetReadTimeout(readDeadline); err != nil {
			log.Warn().Err(err).Msg("failed to restore read timeout")
		}
	}()

	var frames []Frame
	for {
		for {
			frame, ok := l.popFrame()
			if !ok {
				break
			}
			if l.hasAddr && (frame.Addr1 != l.addr1 || frame.Addr2 != l.addr2) {
				log.Debug().
					Uint8("addr1", frame.Addr1).
					Uint8("addr2", frame.Addr2).
					Msg("dropping frame with foreign address")
				continue
			}
			frames = append(frames, frame)
		}

		buf := make([]byte, 256)
		n, err := l.port.Read(buf)
		if err != nil {
			return frames, fmt.Errorf("%w: %w", ErrLinkDown, err)
		}
		if n == 0 {
			return frames, nil
		}
		l.rxBuf = append(l.rxBuf, buf[:n]...)
	}
}

// popFrame extracts one complete frame from the receive buffer. Bytes that
// cannot begin a valid frame are discarded one at a time to resynchronize.
func (l *Link) popFrame() (Frame, bool) {
	for len(l.rxBuf) >= minFrameLen {
		length := int(l.rxBuf[1])<<7 | int(l.rxBuf[2])
		if length < minFrameLen || length > maxFrameLen {
			l.rxBuf = l.rxBuf[1:]
			continue
		}
		if len(l.rxBuf) < length {
			return Frame{}, false
		}

		raw := l.rxBuf[:length]
		if Checksum(raw[:length-1]) != raw[length-1] {
			log.Debug().Msg("checksum mismatch, resynchronizing")
			l.rxBuf = l.rxBuf[1:]
			continue
		}

		payload := make([]byte, length-minFrameLen)
		copy(payload, raw[5:length-1])
		frame := Frame{
			Type:    raw[0],
			Addr1:   raw[3],
			Addr2:   raw[4],
			Payload: payload,
		}
		l.rxBuf = l.rxBuf[length:]
		return frame, true
	}
	return Frame{}, false
}

// Flush discards any pending inbound bytes, both buffered and on the wire.
func (l *Link) Flush() error {
	l.rxBuf = nil
	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// Close closes the underlying port.
func (l *Link) Close() error {
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}
