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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltNVSPersistsAcrossReboot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvs", "wifiprov.db")

	nvs, err := OpenBoltNVS(path)
	require.NoError(t, err)
	_, err = newTestStore(nvs).Load()
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, newTestStore(nvs).Save(Credential{SSID: "MyNet", Password: "Secret123"}))
	require.NoError(t, nvs.Shutdown())

	nvs, err = OpenBoltNVS(path)
	require.NoError(t, err)
	defer nvs.Shutdown()
	cred, err := newTestStore(nvs).Load()
	require.NoError(t, err)
	assert.Equal(t, Credential{SSID: "MyNet", Password: "Secret123"}, cred)
}

func TestBoltNVSNamespaces(t *testing.T) {
	nvs, err := OpenBoltNVS(filepath.Join(t.TempDir(), "nvs.db"))
	require.NoError(t, err)
	defer nvs.Shutdown()

	a := NewStorage(nvs, "alpha")
	b := NewStorage(nvs, "beta")
	require.NoError(t, a.Write("key", "from alpha"))
	_, err = b.Read("key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	val, err := a.Read("key")
	require.NoError(t, err)
	assert.Equal(t, "from alpha", val)

	_, rc := nvs.Open("namespace-too-long")
	assert.Equal(t, NVSErrKeyTooLong, rc)
	var n int
	assert.Equal(t, NVSErrInvalidHandle, nvs.GetString(999, "key", nil, &n))
	assert.Equal(t, NVSErrInvalidHandle, nvs.SetString(999, "key", "v"))
}
