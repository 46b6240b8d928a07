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
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFlash is an in-memory flash device: erased bytes are 0xff and
// writes can only clear bits.
type memFlash struct {
	data      []byte
	block     int64
	failErase bool
	tornAt    int // bytes written before a power loss (0 = none)
	writes    int
}

func newMemFlash(blocks int, block int64) *memFlash {
	return &memFlash{
		data:  bytes.Repeat([]byte{0xff}, blocks*int(block)),
		block: block,
	}
}

func (f *memFlash) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.data[off:]), nil
}

func (f *memFlash) WriteAt(p []byte, off int64) (int, error) {
	if int64(len(p))%f.WriteBlockSize() != 0 {
		return 0, errors.New("unaligned write")
	}
	n := len(p)
	if f.tornAt > 0 && f.tornAt < n {
		n = f.tornAt
	}
	for i, b := range p[:n] {
		f.data[off+int64(i)] &= b
	}
	f.writes++
	if n < len(p) {
		return n, errors.New("power lost")
	}
	return n, nil
}

func (f *memFlash) Size() int64           { return int64(len(f.data)) }
func (f *memFlash) WriteBlockSize() int64 { return 256 }
func (f *memFlash) EraseBlockSize() int64 { return f.block }

func (f *memFlash) EraseBlocks(start, length int64) error {
	if f.failErase {
		return errors.New("erase failed")
	}
	for i := start * f.block; i < (start+length)*f.block; i++ {
		f.data[i] = 0xff
	}
	return nil
}

func TestFlashNVSPersistsAcrossReboot(t *testing.T) {
	flash := newMemFlash(4, 4096)

	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	_, err = newTestStore(nvs).Load()
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, newTestStore(nvs).Save(Credential{SSID: "MyNet", Password: "Secret123"}))
	require.NoError(t, newTestStore(nvs).Save(Credential{SSID: "Other", Password: "pw"}))

	// reboot
	nvs, err = NewFlashNVS(flash)
	require.NoError(t, err)
	cred, err := newTestStore(nvs).Load()
	require.NoError(t, err)
	assert.Equal(t, Credential{SSID: "Other", Password: "pw"}, cred)

	// only the last two blocks are used
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 2*4096), flash.data[:2*4096])
}

func TestFlashNVSSkipsUnchangedWrites(t *testing.T) {
	flash := newMemFlash(2, 4096)
	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	s := NewStorage(nvs, "wifi")
	require.NoError(t, s.Write("netcfg", "same"))
	require.NoError(t, s.Write("netcfg", "same"))
	assert.Equal(t, 1, flash.writes)
}

func TestFlashNVSCorruptPage(t *testing.T) {
	flash := newMemFlash(2, 4096)
	off := flash.Size() - flash.EraseBlockSize()
	// valid CBOR payload, wrong checksum
	copy(flash.data[off:], []byte("WPNV\x01\x00\x00\x00\x04\x00\x00\x00\x00\x00\x00\x00\xa1\x61\x61\xa0"))

	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	_, err = newTestStore(nvs).Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlashNVSWriteFailureKeepsState(t *testing.T) {
	flash := newMemFlash(2, 4096)
	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	s := NewStorage(nvs, "wifi")
	require.NoError(t, s.Write("netcfg", "before"))

	flash.failErase = true
	err = s.Write("netcfg", "after")
	assert.True(t, IsStorageOp(err, OpWrite))

	val, err := s.Read("netcfg")
	require.NoError(t, err)
	assert.Equal(t, "before", val)

	// reboot
	nvs, err = NewFlashNVS(flash)
	require.NoError(t, err)
	val, err = NewStorage(nvs, "wifi").Read("netcfg")
	require.NoError(t, err)
	assert.Equal(t, "before", val)
}

// power loss in the middle of a write leaves the previous page current
func TestFlashNVSInterruptedWrite(t *testing.T) {
	flash := newMemFlash(2, 4096)
	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	require.NoError(t, newTestStore(nvs).Save(Credential{SSID: "MyNet", Password: "Secret123"}))

	flash.tornAt = flashHeaderLen + 4
	err = newTestStore(nvs).Save(Credential{SSID: "Other", Password: "a much longer password"})
	assert.True(t, IsStorageOp(err, OpWrite))

	// reboot
	flash.tornAt = 0
	nvs, err = NewFlashNVS(flash)
	require.NoError(t, err)
	cred, err := newTestStore(nvs).Load()
	require.NoError(t, err)
	assert.Equal(t, Credential{SSID: "MyNet", Password: "Secret123"}, cred)
}

func TestFlashNVSAlternatesPages(t *testing.T) {
	flash := newMemFlash(2, 4096)
	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	s := NewStorage(nvs, "wifi")
	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.Write("netcfg", v))
	}
	assert.Equal(t, "WPNV", string(flash.data[:4]))
	assert.Equal(t, "WPNV", string(flash.data[4096:4100]))

	nvs, err = NewFlashNVS(flash)
	require.NoError(t, err)
	val, err := NewStorage(nvs, "wifi").Read("netcfg")
	require.NoError(t, err)
	assert.Equal(t, "three", val)

	// the stale page is overwritten next
	require.NoError(t, NewStorage(nvs, "wifi").Write("netcfg", "four"))
	nvs, err = NewFlashNVS(flash)
	require.NoError(t, err)
	val, err = NewStorage(nvs, "wifi").Read("netcfg")
	require.NoError(t, err)
	assert.Equal(t, "four", val)
}

func TestFlashNVSPageFull(t *testing.T) {
	flash := newMemFlash(2, 512)
	nvs, err := NewFlashNVS(flash)
	require.NoError(t, err)
	h, rc := nvs.Open("wifi")
	require.Equal(t, NVSOk, rc)
	defer nvs.Close(h)
	assert.Equal(t, NVSErrNotEnoughRoom, nvs.SetString(h, "big", string(bytes.Repeat([]byte("x"), 600))))
}

func TestFlashNVSTooSmall(t *testing.T) {
	_, err := NewFlashNVS(newMemFlash(1, 4096))
	assert.Error(t, err)
	_, err = NewFlashNVS(newMemFlash(2, 8))
	assert.Error(t, err)
}
