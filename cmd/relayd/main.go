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

// relayd turns a modified DGT Centaur board into a Millennium, Pegasus or
// Chessnut peripheral over BLE/RFCOMM, optionally relaying a real upstream
// board.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/universal-chess/relayd/pkg/board"
	"github.com/universal-chess/relayd/pkg/board/serialport"
	"github.com/universal-chess/relayd/pkg/config"
	"github.com/universal-chess/relayd/pkg/eventbus"
	"github.com/universal-chess/relayd/pkg/game"
	"github.com/universal-chess/relayd/pkg/helpers"
	"github.com/universal-chess/relayd/pkg/service"
)

const (
	defaultConfigPath = "/etc/relayd/config.toml"
	defaultLogDir     = "/var/log/relayd"

	dispatchQueueDepth = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	protocolFlag := flag.String("protocol", string(service.ProtocolMillennium),
		"board family to emulate: millennium|pegasus|chessnut")
	transportFlag := flag.String("transport", "ble",
		"client transports to serve: ble|rfcomm|both")
	upstreamFlag := flag.String("relay-upstream", "",
		"bluetooth address of a real board to relay (AA:BB:CC:DD:EE:FF[/channel])")
	deviceNameFlag := flag.String("device-name", "",
		"advertised device name (default: the emulated board's own name)")
	configFlag := flag.String("config", defaultConfigPath, "config file path")
	logDirFlag := flag.String("log-dir", defaultLogDir, "log directory")
	foregroundFlag := flag.Bool("foreground", false, "log to stderr as well")
	flag.Parse()

	protocol, err := service.ParseProtocol(*protocolFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return service.ExitOther
	}
	transports, err := service.ParseTransports(*transportFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return service.ExitOther
	}

	if err := helpers.InitLogging(*logDirFlag, *foregroundFlag); err != nil {
		fmt.Fprintln(os.Stderr, "logging setup failed:", err)
		return service.ExitOther
	}

	cfg := config.NewInstance(*configFlag, config.BaseDefaults)
	if err := cfg.Load(); err != nil {
		log.Warn().Err(err).Str("path", *configFlag).Msg("config load failed, using defaults")
	}
	helpers.SetDebugLogging(cfg.DebugLogging())

	if hw := os.Getenv(config.HardwareEnv); hw != "" && hw != config.HardwareCentaur {
		log.Error().Str("hardware", hw).Msg("unsupported hardware driver")
		return service.ExitOther
	}

	link, err := serialport.Open(cfg.SerialConfig().Device, nil, nil)
	if err != nil {
		log.Error().Err(err).Msg("serial open failed")
		return service.ExitCode(err)
	}

	bus := eventbus.New()
	dispatcher := eventbus.NewDispatcher(bus, dispatchQueueDepth)
	dispatcher.Start()
	defer dispatcher.Stop()

	controller := board.NewController(link, dispatcher, cfg, nil)
	if err := controller.Start(); err != nil {
		log.Error().Err(err).Msg("board controller start failed")
		_ = link.Close()
		return service.ExitCode(err)
	}

	store := game.NewStore(afero.NewOsFs(), cfg.GameConfig().FENFile)
	manager := game.NewManager(bus, controller, store, cfg)
	if err := manager.Start(); err != nil {
		log.Error().Err(err).Msg("game manager start failed")
		controller.Stop()
		return service.ExitCode(err)
	}

	supervisor := service.NewSupervisor(service.Config{
		Bus:        bus,
		Board:      controller,
		Game:       manager,
		Cfg:        cfg,
		DeviceName: *deviceNameFlag,
		Upstream:   *upstreamFlag,
	})
	supervisor.Start()

	if err := supervisor.Activate(protocol, transports); err != nil {
		log.Error().Err(err).Msg("emulator activation failed")
		supervisor.Shutdown()
		return service.ExitCode(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var reason error
	select {
	case reason = <-supervisor.Wait():
		if reason != nil {
			log.Error().Err(reason).Msg("fatal failure, shutting down")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
	}
	signal.Stop(sigCh)

	supervisor.Shutdown()
	return service.ExitCode(reason)
}
