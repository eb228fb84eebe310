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

package game

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Store persists the current position so surrounding processes can observe
// it. Writes go through a temp file and rename so readers never see a
// partial FEN.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a store writing to path on fs.
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Load returns the persisted FEN. A missing or empty file yields StartFEN
// and leaves the file untouched.
func (s *Store) Load() (string, error) {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return "", fmt.Errorf("failed to stat position file: %w", err)
	}
	if !exists {
		return StartFEN, nil
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return "", fmt.Errorf("failed to read position file: %w", err)
	}

	fen := strings.TrimSpace(string(data))
	if fen == "" {
		return StartFEN, nil
	}
	return fen, nil
}

// Save atomically replaces the persisted FEN.
func (s *Store) Save(fen string) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create position dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(fen+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write position temp file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace position file: %w", err)
	}
	return nil
}
