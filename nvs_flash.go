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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// BlockDevice is a flash memory region (machine.Flash on the device).
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	WriteBlockSize() int64
	EraseBlockSize() int64
	EraseBlocks(start, length int64) error
}

// page header: magic, sequence number, payload length and CRC32 of the
// payload (little endian)
var flashMagic = []byte("WPNV")

const flashHeaderLen = 16

// FlashNVS is a persistent NVS primitive in the last two erase blocks of a
// flash device. All namespaces are held in memory and written back as a
// single CBOR document on every change, alternating between the two pages.
// The page with the highest valid sequence number is current, so an
// interrupted write leaves the previous page intact.
type FlashNVS struct {
	dev     BlockDevice
	enc     cbor.EncMode
	mtx     sync.Mutex
	spaces  map[string]map[string]string
	handles map[Handle]string
	next    Handle
	page    int    // current page (0 or 1), -1 if none written
	seq     uint32 // sequence number of the current page
}

var _ NVS = (*FlashNVS)(nil)

// NewFlashNVS loads the store from the flash device. Erased or unreadable
// pages yield an empty store.
func NewFlashNVS(dev BlockDevice) (*FlashNVS, error) {
	if dev.Size() < 2*dev.EraseBlockSize() || dev.EraseBlockSize() <= flashHeaderLen {
		return nil, errors.New("flash too small")
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	f := &FlashNVS{
		dev:     dev,
		enc:     enc,
		spaces:  make(map[string]map[string]string),
		handles: make(map[Handle]string),
		next:    1,
		page:    -1,
	}
	if err = f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

// offset of a storage page
func (f *FlashNVS) offset(page int) int64 {
	return f.dev.Size() - int64(2-page)*f.dev.EraseBlockSize()
}

// readPage returns sequence number and payload of a valid page.
func (f *FlashNVS) readPage(page int) (seq uint32, data []byte, ok bool, err error) {
	hdr := make([]byte, flashHeaderLen)
	if _, err = f.dev.ReadAt(hdr, f.offset(page)); err != nil {
		return 0, nil, false, fmt.Errorf("read flash header: %w", err)
	}
	if !bytes.Equal(hdr[:4], flashMagic) {
		return 0, nil, false, nil
	}
	seq = binary.LittleEndian.Uint32(hdr[4:])
	size := int64(binary.LittleEndian.Uint32(hdr[8:]))
	if size > f.dev.EraseBlockSize()-flashHeaderLen {
		return 0, nil, false, nil
	}
	data = make([]byte, size)
	if _, err = f.dev.ReadAt(data, f.offset(page)+flashHeaderLen); err != nil {
		return 0, nil, false, fmt.Errorf("read flash page: %w", err)
	}
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(hdr[12:]) {
		return 0, nil, false, nil
	}
	return seq, data, true, nil
}

// load namespaces from the newest valid page
func (f *FlashNVS) load() error {
	var spaces map[string]map[string]string
	for page := range 2 {
		seq, data, ok, err := f.readPage(page)
		if err != nil {
			return err
		}
		if !ok || (f.page >= 0 && int32(seq-f.seq) <= 0) {
			continue
		}
		var decoded map[string]map[string]string
		if cbor.Unmarshal(data, &decoded) != nil {
			continue
		}
		f.page, f.seq, spaces = page, seq, decoded
	}
	for ns, kv := range spaces {
		if kv == nil {
			kv = make(map[string]string)
		}
		f.spaces[ns] = kv
	}
	return nil
}

// flush namespaces to the other page
func (f *FlashNVS) flush() int32 {
	data, err := f.enc.Marshal(f.spaces)
	if err != nil {
		return NVSErrFail
	}
	if int64(len(data)) > f.dev.EraseBlockSize()-flashHeaderLen {
		return NVSErrNotEnoughRoom
	}
	seq := f.seq + 1
	page := make([]byte, flashHeaderLen+len(data))
	copy(page, flashMagic)
	binary.LittleEndian.PutUint32(page[4:], seq)
	binary.LittleEndian.PutUint32(page[8:], uint32(len(data)))
	binary.LittleEndian.PutUint32(page[12:], crc32.ChecksumIEEE(data))
	copy(page[flashHeaderLen:], data)
	if bs := f.dev.WriteBlockSize(); bs > 1 {
		if rem := int64(len(page)) % bs; rem != 0 {
			page = append(page, bytes.Repeat([]byte{0xff}, int(bs-rem))...)
		}
	}
	target := 0
	if f.page == 0 {
		target = 1
	}
	off := f.offset(target)
	if f.dev.EraseBlocks(off/f.dev.EraseBlockSize(), 1) != nil {
		return NVSErrFail
	}
	if _, err = f.dev.WriteAt(page, off); err != nil {
		return NVSErrFail
	}
	f.page, f.seq = target, seq
	return NVSOk
}

// Open a namespace.
func (f *FlashNVS) Open(namespace string) (Handle, int32) {
	if rc := checkName(namespace); rc != NVSOk {
		return 0, rc
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	h := f.next
	f.next++
	f.handles[h] = namespace
	return h, NVSOk
}

// GetString reads a value.
func (f *FlashNVS) GetString(h Handle, key string, out []byte, length *int) int32 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ns, ok := f.handles[h]
	if !ok {
		return NVSErrInvalidHandle
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	val, ok := f.spaces[ns][key]
	if !ok {
		return NVSErrNotFound
	}
	return getString(val, out, length)
}

// SetString writes a value and persists the page.
func (f *FlashNVS) SetString(h Handle, key, value string) int32 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	ns, ok := f.handles[h]
	if !ok {
		return NVSErrInvalidHandle
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	if len(value) > NVSMaxValueLen {
		return NVSErrValueTooLong
	}
	kv, ok := f.spaces[ns]
	if !ok {
		kv = make(map[string]string)
		f.spaces[ns] = kv
	}
	old, had := kv[key]
	if had && old == value {
		return NVSOk
	}
	kv[key] = value
	if rc := f.flush(); rc != NVSOk {
		// keep memory in sync with flash
		if had {
			kv[key] = old
		} else {
			delete(kv, key)
		}
		return rc
	}
	return NVSOk
}

// Close a handle.
func (f *FlashNVS) Close(h Handle) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.handles, h)
}
