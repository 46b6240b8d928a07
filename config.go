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

package wifiprov

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Version of the firmware
const Version = "0.3.0"

// Config of the firmware
type Config struct {
	Namespace        string        `mapstructure:"namespace"`         // NVS namespace
	CredentialKey    string        `mapstructure:"credential_key"`    // NVS key of the credential
	APName           string        `mapstructure:"ap_name"`           // display name of the provisioning channel
	ProvisionTimeout time.Duration `mapstructure:"provision_timeout"` // 0 = wait forever
	RestartDelay     time.Duration `mapstructure:"restart_delay"`     // delay before restart on boot failure
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`   // bounded status wait
	ConnectAttempts  int           `mapstructure:"connect_attempts"`  // connect tries per boot
	ConnectBackoff   time.Duration `mapstructure:"connect_backoff"`   // delay between tries
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeLimit       int           `mapstructure:"probe_limit"` // max. body bytes read
	Hostname         string        `mapstructure:"hostname"`
	StatusPort       uint16        `mapstructure:"status_port"` // 9p status server (0 = off)
	ClearOnBoot      bool          `mapstructure:"clear_on_boot"`
}

// DefaultConfig returns the reference settings.
func DefaultConfig() *Config {
	return &Config{
		Namespace:        "wifi",
		CredentialKey:    "netcfg",
		APName:           "WiFiProv-Setup",
		ProvisionTimeout: 5 * time.Minute,
		RestartDelay:     time.Second,
		ConnectTimeout:   20 * time.Second,
		ConnectAttempts:  1,
		ConnectBackoff:   5 * time.Second,
		ProbeURL:         "https://www.weather.com.cn/data/sk/101010100.html",
		ProbeInterval:    10 * time.Second,
		ProbeLimit:       3048,
		Hostname:         "wifiprov",
		StatusPort:       564,
	}
}

// Validate the configuration
func (c *Config) Validate() error {
	if c.Namespace == "" || len(c.Namespace) > NVSMaxNameLen {
		return fmt.Errorf("namespace must have 1..%d characters", NVSMaxNameLen)
	}
	if c.CredentialKey == "" || len(c.CredentialKey) > NVSMaxNameLen {
		return fmt.Errorf("credential_key must have 1..%d characters", NVSMaxNameLen)
	}
	if c.APName == "" {
		return errors.New("ap_name is required")
	}
	if c.ProvisionTimeout < 0 || c.RestartDelay < 0 || c.ConnectBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.ConnectAttempts < 1 {
		return errors.New("connect_attempts must be at least 1")
	}
	if c.ProbeURL == "" {
		return errors.New("probe_url is required")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("probe_interval must be positive")
	}
	if c.ProbeLimit <= 0 {
		return errors.New("probe_limit must be positive")
	}
	return nil
}

// orDiscard returns a logger that drops everything if logger is nil.
func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
