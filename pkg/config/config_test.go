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

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.toml")
}

func TestNewInstanceStartsFromDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewInstance(testPath(t), BaseDefaults)

	assert.Equal(t, "/dev/serial0", cfg.SerialConfig().Device)
	assert.Equal(t, 25, cfg.SerialConfig().SensorPollHz)
	assert.Equal(t, 1, cfg.BluetoothConfig().RfcommChannel)
	assert.Equal(t, 900, cfg.GameConfig().InactivityTimeout)
	assert.True(t, cfg.SoundConfig().Enabled)
	assert.Empty(t, cfg.RelayConfig().Upstream)
	assert.False(t, cfg.DebugLogging())
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewInstance(testPath(t), BaseDefaults)

	require.NoError(t, cfg.Load())
	assert.Equal(t, BaseDefaults.Serial, cfg.SerialConfig())
	assert.Equal(t, BaseDefaults.Game, cfg.GameConfig())
}

func TestLoadOverridesOnlyPresentKeys(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	doc := []byte("config_schema = 1\n\n[serial]\ndevice = \"/dev/ttyUSB0\"\n\n[game]\ninactivity_timeout = 60\n")
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	cfg := NewInstance(path, BaseDefaults)
	require.NoError(t, cfg.Load())

	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialConfig().Device)
	assert.Equal(t, 60, cfg.GameConfig().InactivityTimeout)

	// Keys absent from the file fall through to the defaults.
	assert.Equal(t, 25, cfg.SerialConfig().SensorPollHz)
	assert.Equal(t, BaseDefaults.Game.FENFile, cfg.GameConfig().FENFile)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not = [valid"), 0o600))

	cfg := NewInstance(path, BaseDefaults)
	assert.Error(t, cfg.Load())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "config.toml")

	cfg := NewInstance(path, BaseDefaults)
	cfg.SetDebugLogging(true)
	cfg.SetInactivityTimeout(120)
	cfg.SetSound(Sound{Enabled: true, KeyPress: false, Error: true, GameEvent: false})
	require.NoError(t, cfg.Save())

	reloaded := NewInstance(path, BaseDefaults)
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.DebugLogging())
	assert.Equal(t, 120, reloaded.GameConfig().InactivityTimeout)
	assert.Equal(t, Sound{Enabled: true, KeyPress: false, Error: true, GameEvent: false}, reloaded.SoundConfig())
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	cfg := NewInstance(testPath(t), BaseDefaults)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				cfg.SetDebugLogging(i%2 == 0)
				_ = cfg.DebugLogging()
				_ = cfg.SerialConfig()
				cfg.SetInactivityTimeout(i)
			}
		}()
	}
	wg.Wait()
}

func TestHardwareFromEnvironment(t *testing.T) {
	t.Setenv(HardwareEnv, "")
	assert.Equal(t, HardwareCentaur, Hardware())

	t.Setenv(HardwareEnv, "bench-usb")
	assert.Equal(t, "bench-usb", Hardware())
}
