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

package relay

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// rfcommDialer opens a classic Bluetooth RFCOMM connection to the upstream
// board. Addresses look like "AA:BB:CC:DD:EE:FF" with an optional "/N"
// channel suffix; the channel defaults to 1.
type rfcommDialer struct{}

func (rfcommDialer) Dial(addr string) (io.ReadWriteCloser, error) {
	bdaddr, channel, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: channel}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s: %w", addr, err)
	}
	return &rfcommConn{fd: fd}, nil
}

// rfcommConn wraps the raw socket as an io.ReadWriteCloser.
type rfcommConn struct {
	fd int
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("rfcomm read: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("rfcomm read: %w", unix.ECONNRESET)
		}
		return n, nil
	}
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("rfcomm write: %w", err)
		}
		total += n
	}
	return total, nil
}

func (c *rfcommConn) Close() error {
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

// parseAddr splits "AA:BB:CC:DD:EE:FF[/channel]" into the byte-reversed
// address the kernel expects and the RFCOMM channel.
func parseAddr(addr string) ([6]byte, uint8, error) {
	var bdaddr [6]byte
	hwPart := addr
	channel := uint8(1)
	if base, chanPart, found := strings.Cut(addr, "/"); found {
		hwPart = base
		parsed, err := strconv.ParseUint(chanPart, 10, 8)
		if err != nil || parsed == 0 {
			return bdaddr, 0, fmt.Errorf("relay: bad rfcomm channel %q", chanPart)
		}
		channel = uint8(parsed)
	}
	parts := strings.Split(hwPart, ":")
	if len(parts) != 6 {
		return bdaddr, 0, fmt.Errorf("relay: bad bluetooth address %q", addr)
	}
	for i, part := range parts {
		octet, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return bdaddr, 0, fmt.Errorf("relay: bad bluetooth address %q", addr)
		}
		// The kernel sockaddr stores the address least significant byte
		// first, the reverse of the printed form.
		bdaddr[5-i] = byte(octet)
	}
	return bdaddr, channel, nil
}
