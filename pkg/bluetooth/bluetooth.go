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

// Package bluetooth holds what the BLE and RFCOMM transports share.
package bluetooth

import "errors"

// ErrTransportDown reports that a transport failed underneath its clients:
// the adapter disappeared, the system bus dropped, or the socket layer broke.
// The supervisor tears the session down and retries after a backoff.
var ErrTransportDown = errors.New("bluetooth: transport down")

// DefaultAdapter is the BlueZ adapter used unless configured otherwise.
const DefaultAdapter = "hci0"
