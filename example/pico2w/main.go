//go:build rp2350

//----------------------------------------------------------------------
// This file is part of wifiprov.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wifiprov is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wifiprov is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package main

import (
	"context"
	"log/slog"
	"machine"
	"strconv"
	"time"

	"github.com/bfix/wifiprov"
)

// Build-time settings (-ldflags "-X main.Host=...")
var (
	Host      string = "wifiprov"
	IP        string
	Port      string = "564"
	ProbeURL  string = "http://www.weather.com.cn/data/sk/101010100.html"
	ClearBoot string
)

// run firmware
func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// access device
	dev := wifiprov.InitDevice(logger)
	state := wifiprov.NewLEDStatus(dev)
	defer state.Trap(30 * time.Second)
	state.Set(wifiprov.StatOK, 0)

	cfg := wifiprov.DefaultConfig()
	cfg.Hostname = Host
	cfg.ProbeURL = ProbeURL
	cfg.ClearOnBoot = ClearBoot == "yes"
	if port, err := strconv.ParseUint(Port, 10, 16); err == nil {
		cfg.StatusPort = uint16(port)
	}

	nvs, err := wifiprov.FlashNVSDevice()
	if err != nil {
		logger.Error("flash nvs", slog.String("err", err.Error()))
		state.Set(wifiprov.StatNVS, 0)
		return
	}
	wifi := wifiprov.NewPicoWiFi(dev, cfg.Hostname, IP, logger)
	fw, err := wifiprov.NewFirmware(wifiprov.Options{
		Config:      cfg,
		Device:      dev,
		NVS:         nvs,
		Stack:       wifi,
		Provisioner: wifiprov.SerialConsole(),
		Prober:      wifiprov.NewPicoProber(wifi),
		Status:      state,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("firmware", slog.String("err", err.Error()))
		state.Set(wifiprov.StatDEV, 0)
		return
	}
	if err = fw.Main(context.Background()); err != nil {
		logger.Error("firmware stopped", slog.String("err", err.Error()))
	}
}
