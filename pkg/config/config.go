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

// Package config holds the daemon configuration. Values are stored as TOML on
// disk and accessed through a mutex-guarded Instance so components can read
// settings while the HTTP-less daemon mutates them at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/universal-chess/relayd/pkg/helpers/syncutil"
)

const (
	SchemaVersion = 1

	// HardwareEnv selects the hardware driver family. The default is correct
	// on the target board; the override exists for bench setups with the
	// controller wired to a USB adapter.
	HardwareEnv = "RELAYD_HW"

	HardwareCentaur = "centaur"

	LogFile = "relayd.log"
)

// Serial configures the link to the board microcontroller.
type Serial struct {
	Device       string `toml:"device"`
	SensorPollHz int    `toml:"sensor_poll_hz"`
	KeyPollHz    int    `toml:"key_poll_hz"`
}

// Bluetooth configures the emulated board transports.
type Bluetooth struct {
	DeviceName    string `toml:"device_name,omitempty"`
	RfcommChannel int    `toml:"rfcomm_channel"`
}

// Game configures game state persistence and behavior.
type Game struct {
	FENFile           string `toml:"fen_file"`
	InactivityTimeout int    `toml:"inactivity_timeout"`
}

// Sound gates beep feedback per event category, mirroring the board's
// sound settings menu.
type Sound struct {
	Enabled   bool `toml:"enabled"`
	KeyPress  bool `toml:"key_press"`
	Error     bool `toml:"error"`
	GameEvent bool `toml:"game_event"`
}

// Relay configures the optional upstream board proxy.
type Relay struct {
	Upstream string `toml:"upstream,omitempty"`
}

// Values is the full TOML document.
type Values struct {
	Serial       Serial    `toml:"serial"`
	Bluetooth    Bluetooth `toml:"bluetooth,omitempty"`
	Game         Game      `toml:"game"`
	Sound        Sound     `toml:"sound"`
	Relay        Relay     `toml:"relay,omitempty"`
	ConfigSchema int       `toml:"config_schema"`
	DebugLogging bool      `toml:"debug_logging"`
}

// BaseDefaults are the values used when no config file exists. They are safe
// on the target platform.
var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Serial: Serial{
		Device:       "/dev/serial0",
		SensorPollHz: 25,
		KeyPollHz:    10,
	},
	Bluetooth: Bluetooth{
		RfcommChannel: 1,
	},
	Game: Game{
		FENFile:           "/var/lib/relayd/current.fen",
		InactivityTimeout: 900,
	},
	Sound: Sound{
		Enabled:   true,
		KeyPress:  true,
		Error:     true,
		GameEvent: true,
	},
}

// Instance is a live configuration handle shared across the daemon.
type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewInstance creates an Instance bound to cfgPath, initialized to defaults.
// The file is not read until Load.
func NewInstance(cfgPath string, defaults Values) *Instance {
	return &Instance{
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}
}

// Load reads the config file. A missing file is not an error; the instance
// keeps its defaults and Save will create the file.
func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", c.cfgPath).Msg("config file missing, using defaults")
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	vals := c.defaults
	if err := toml.Unmarshal(data, &vals); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if vals.ConfigSchema != SchemaVersion {
		log.Warn().
			Int("found", vals.ConfigSchema).
			Int("want", SchemaVersion).
			Msg("config schema mismatch, continuing with best effort")
	}

	c.vals = vals
	return nil
}

// Save writes the current values back to disk.
func (c *Instance) Save() error {
	c.mu.RLock()
	vals := c.vals
	c.mu.RUnlock()

	data, err := toml.Marshal(vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.cfgPath), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Path returns the config file path.
func (c *Instance) Path() string { return c.cfgPath }

func (c *Instance) SerialConfig() Serial {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Serial
}

func (c *Instance) BluetoothConfig() Bluetooth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Bluetooth
}

func (c *Instance) GameConfig() Game {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Game
}

func (c *Instance) SoundConfig() Sound {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Sound
}

func (c *Instance) RelayConfig() Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Relay
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

func (c *Instance) SetSound(sound Sound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Sound = sound
}

func (c *Instance) SetInactivityTimeout(seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Game.InactivityTimeout = seconds
}

// Hardware returns the hardware driver family from the environment, or the
// platform default.
func Hardware() string {
	if hw := os.Getenv(HardwareEnv); hw != "" {
		return hw
	}
	return HardwareCentaur
}
