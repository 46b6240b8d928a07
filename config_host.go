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

package wifiprov

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the configuration from file (optional), environment
// variables (WIFIPROV_*) and defaults.
func LoadConfig(file string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("wifiprov")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".wifiprov"))
		}
	}
	v.SetEnvPrefix("WIFIPROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every field so environment overrides apply.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("namespace", cfg.Namespace)
	v.SetDefault("credential_key", cfg.CredentialKey)
	v.SetDefault("ap_name", cfg.APName)
	v.SetDefault("provision_timeout", cfg.ProvisionTimeout)
	v.SetDefault("restart_delay", cfg.RestartDelay)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("connect_attempts", cfg.ConnectAttempts)
	v.SetDefault("connect_backoff", cfg.ConnectBackoff)
	v.SetDefault("probe_url", cfg.ProbeURL)
	v.SetDefault("probe_interval", cfg.ProbeInterval)
	v.SetDefault("probe_limit", cfg.ProbeLimit)
	v.SetDefault("hostname", cfg.Hostname)
	v.SetDefault("status_port", cfg.StatusPort)
	v.SetDefault("clear_on_boot", cfg.ClearOnBoot)
}
