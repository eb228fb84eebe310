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

package gatt

import (
	"github.com/universal-chess/relayd/pkg/emulators/chessnut"
	"github.com/universal-chess/relayd/pkg/emulators/millennium"
	"github.com/universal-chess/relayd/pkg/emulators/pegasus"
)

// Characteristic flags as BlueZ spells them.
const (
	FlagRead                 = "read"
	FlagWrite                = "write"
	FlagWriteWithoutResponse = "write-without-response"
	FlagNotify               = "notify"
)

// Standard Device Information Service UUIDs.
const (
	deviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	manufacturerNameUUID  = "00002a29-0000-1000-8000-00805f9b34fb"
	modelNumberUUID       = "00002a24-0000-1000-8000-00805f9b34fb"
	serialNumberUUID      = "00002a25-0000-1000-8000-00805f9b34fb"
	firmwareRevisionUUID  = "00002a26-0000-1000-8000-00805f9b34fb"
	hardwareRevisionUUID  = "00002a27-0000-1000-8000-00805f9b34fb"
	softwareRevisionUUID  = "00002a28-0000-1000-8000-00805f9b34fb"
	systemIDUUID          = "00002a23-0000-1000-8000-00805f9b34fb"
	ieeeCertificationUUID = "00002a2a-0000-1000-8000-00805f9b34fb"
	pnpIDUUID             = "00002a50-0000-1000-8000-00805f9b34fb"
)

// Characteristic describes one GATT characteristic of a profile. Value is the
// static payload returned for reads; OnWrite receives inbound central writes.
type Characteristic struct {
	OnWrite func(data []byte)
	UUID    string
	Flags   []string
	Value   []byte
}

// Service groups characteristics under one service UUID.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
	Primary         bool
}

// Profile is everything the GATT server needs to impersonate one board:
// the advertised name, the service tree, and which characteristic carries
// board-to-app notifications.
type Profile struct {
	Name       string
	NotifyUUID string
	// AdvertiseServices lists the service UUIDs to include in the
	// advertisement. Empty means advertise the name alone.
	AdvertiseServices []string
	Services          []*Service
}

func staticChar(uuid string, value []byte) *Characteristic {
	return &Characteristic{UUID: uuid, Flags: []string{FlagRead}, Value: value}
}

// deviceInfoService reproduces the identity block of the Millennium's
// BM78 radio module so vendor apps that probe it stay happy.
func deviceInfoService() *Service {
	return &Service{
		UUID:    deviceInfoServiceUUID,
		Primary: true,
		Characteristics: []*Characteristic{
			staticChar(manufacturerNameUUID, []byte("MCHP")),
			staticChar(modelNumberUUID, []byte("BT5056")),
			staticChar(serialNumberUUID, []byte("3481F4ED7834")),
			staticChar(firmwareRevisionUUID, []byte("5056_SPP     ")),
			staticChar(hardwareRevisionUUID, []byte("2220013")),
			staticChar(softwareRevisionUUID, []byte("0000")),
			staticChar(systemIDUUID, []byte{0, 0, 0, 0, 0, 0, 0, 0}),
			staticChar(ieeeCertificationUUID, []byte{0x00, 0x01, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}),
			staticChar(pnpIDUUID, []byte{0x01, 0x0D, 0x00, 0x00, 0x00, 0x01, 0x00}),
		},
	}
}

// MillenniumProfile builds the transparent-UART profile of a Millennium
// ChessLink board. The vendor app discovers the board by name only, so the
// advertisement carries no service UUIDs.
func MillenniumProfile(name string, onWrite func([]byte)) *Profile {
	if name == "" {
		name = millennium.DeviceName
	}
	return &Profile{
		Name:       name,
		NotifyUUID: millennium.TxCharUUID,
		Services: []*Service{
			deviceInfoService(),
			{
				UUID:    millennium.ServiceUUID,
				Primary: true,
				Characteristics: []*Characteristic{
					{
						UUID:  millennium.ConfigCharUUID,
						Flags: []string{FlagRead, FlagWrite},
						Value: []byte{0x00, 0x24, 0x00, 0x24, 0x00, 0x00, 0x00, 0xF4, 0x01},
					},
					{UUID: millennium.Notify1CharUUID, Flags: []string{FlagNotify}},
					{
						UUID:    millennium.TxCharUUID,
						Flags:   []string{FlagRead, FlagWrite, FlagWriteWithoutResponse, FlagNotify},
						OnWrite: onWrite,
					},
					{
						UUID:    millennium.RxCharUUID,
						Flags:   []string{FlagWrite, FlagWriteWithoutResponse},
						OnWrite: onWrite,
					},
					{UUID: millennium.Notify2CharUUID, Flags: []string{FlagNotify}},
				},
			},
		},
	}
}

// PegasusProfile builds the Nordic UART profile of a DGT Pegasus.
func PegasusProfile(name string, onWrite func([]byte)) *Profile {
	if name == "" {
		name = pegasus.DeviceName
	}
	return &Profile{
		Name:              name,
		NotifyUUID:        pegasus.TxCharUUID,
		AdvertiseServices: []string{pegasus.ServiceUUID},
		Services: []*Service{
			{
				UUID:    pegasus.ServiceUUID,
				Primary: true,
				Characteristics: []*Characteristic{
					{
						UUID:    pegasus.RxCharUUID,
						Flags:   []string{FlagWrite, FlagWriteWithoutResponse},
						OnWrite: onWrite,
					},
					{UUID: pegasus.TxCharUUID, Flags: []string{FlagNotify}},
				},
			},
		},
	}
}

// ChessnutProfile builds the two-service profile of a Chessnut Air: one
// service streams positions, the other carries commands and their replies.
// Replies and positions share the notification path, so both notify
// characteristics are driven by the same sink.
func ChessnutProfile(name string, onWrite func([]byte)) *Profile {
	if name == "" {
		name = chessnut.DeviceName
	}
	return &Profile{
		Name:              name,
		NotifyUUID:        chessnut.FenCharUUID,
		AdvertiseServices: []string{chessnut.FenServiceUUID},
		Services: []*Service{
			{
				UUID:    chessnut.FenServiceUUID,
				Primary: true,
				Characteristics: []*Characteristic{
					{UUID: chessnut.FenCharUUID, Flags: []string{FlagNotify}},
				},
			},
			{
				UUID:    chessnut.OpServiceUUID,
				Primary: true,
				Characteristics: []*Characteristic{
					{
						UUID:    chessnut.OpWriteUUID,
						Flags:   []string{FlagWrite, FlagWriteWithoutResponse},
						OnWrite: onWrite,
					},
					{UUID: chessnut.OpNotifyUUID, Flags: []string{FlagNotify}},
				},
			},
		},
	}
}
