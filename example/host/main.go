//go:build !rp2350

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
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bfix/wifiprov"
	"github.com/spf13/cobra"
)

var (
	configFile string
	dbFile     string
	portalAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "wifiprov",
	Short: "Wi-Fi provisioning firmware (host build)",
	Long: `Runs the provisioning firmware on a host: credentials are kept in a
bbolt file, provisioning happens through a web form and the host's
network stands in for the radio.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the firmware and run the probe loop",
	RunE:  runFirmware,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the stored Wi-Fi credential",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *wifiprov.CredentialStore) error {
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential cleared")
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored Wi-Fi network",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(store *wifiprov.CredentialStore) error {
			cred, err := store.Load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cred)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./wifiprov.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFile, "nvs", "wifiprov.db", "non-volatile storage file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&portalAddr, "portal", "127.0.0.1:8080", "provisioning portal address")
	rootCmd.AddCommand(runCmd, clearCmd, showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withStore opens the credential store for a one-shot command.
func withStore(fcn func(*wifiprov.CredentialStore) error) error {
	cfg, err := wifiprov.LoadConfig(configFile)
	if err != nil {
		return err
	}
	nvs, err := wifiprov.OpenBoltNVS(dbFile)
	if err != nil {
		return err
	}
	defer nvs.Shutdown()
	storage := wifiprov.NewStorage(nvs, cfg.Namespace)
	return fcn(wifiprov.NewCredentialStore(storage, cfg.CredentialKey))
}

func runFirmware(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := wifiprov.LoadConfig(configFile)
	if err != nil {
		return err
	}
	nvs, err := wifiprov.OpenBoltNVS(dbFile)
	if err != nil {
		return err
	}
	// closed before a restart re-executes the binary
	dev := &restartDevice{LinuxDevice: wifiprov.InitDevice(logger), nvs: nvs}

	fw, err := wifiprov.NewFirmware(wifiprov.Options{
		Config:      cfg,
		Device:      dev,
		NVS:         nvs,
		Stack:       wifiprov.NewHostWiFi(),
		Provisioner: wifiprov.NewPortal(portalAddr, logger),
		Prober:      wifiprov.NewHTTPProber(&http.Client{Timeout: cfg.ProbeInterval}),
		Logger:      logger,
	})
	if err != nil {
		nvs.Shutdown()
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = fw.Main(ctx)
	nvs.Shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// restartDevice releases the database lock before restarting.
type restartDevice struct {
	*wifiprov.LinuxDevice
	nvs *wifiprov.BoltNVS
}

func (d *restartDevice) Restart() error {
	d.nvs.Shutdown()
	time.Sleep(100 * time.Millisecond)
	return d.LinuxDevice.Restart()
}
