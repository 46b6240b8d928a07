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

import "sync"

// MemNVS is a volatile NVS primitive. Fault codes can be injected per
// primitive call; a zero fault code means the call behaves normally.
type MemNVS struct {
	FailOpen int32 // status returned by Open
	FailGet  int32 // status returned by GetString
	FailSet  int32 // status returned by SetString

	mtx     sync.Mutex
	spaces  map[string]map[string]string
	handles map[Handle]string
	next    Handle
	opened  int // total number of successful opens
}

var _ NVS = (*MemNVS)(nil)

// NewMemNVS creates an empty volatile store.
func NewMemNVS() *MemNVS {
	return &MemNVS{
		spaces:  make(map[string]map[string]string),
		handles: make(map[Handle]string),
		next:    1,
	}
}

// Open a namespace.
func (m *MemNVS) Open(namespace string) (Handle, int32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.FailOpen != NVSOk {
		return 0, m.FailOpen
	}
	if rc := checkName(namespace); rc != NVSOk {
		return 0, rc
	}
	if _, ok := m.spaces[namespace]; !ok {
		m.spaces[namespace] = make(map[string]string)
	}
	h := m.next
	m.next++
	m.handles[h] = namespace
	m.opened++
	return h, NVSOk
}

// GetString reads a value.
func (m *MemNVS) GetString(h Handle, key string, out []byte, length *int) int32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ns, ok := m.handles[h]
	if !ok {
		return NVSErrInvalidHandle
	}
	if m.FailGet != NVSOk {
		return m.FailGet
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	val, ok := m.spaces[ns][key]
	if !ok {
		return NVSErrNotFound
	}
	return getString(val, out, length)
}

// SetString writes a value.
func (m *MemNVS) SetString(h Handle, key, value string) int32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ns, ok := m.handles[h]
	if !ok {
		return NVSErrInvalidHandle
	}
	if m.FailSet != NVSOk {
		return m.FailSet
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	if len(value) > NVSMaxValueLen {
		return NVSErrValueTooLong
	}
	m.spaces[ns][key] = value
	return NVSOk
}

// Close a handle.
func (m *MemNVS) Close(h Handle) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.handles, h)
}

// OpenHandles returns the number of handles not yet closed.
func (m *MemNVS) OpenHandles() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.handles)
}

// Opened returns the total number of successful opens.
func (m *MemNVS) Opened() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.opened
}

// Poke stores a raw value (bypassing handles), e.g. to simulate corruption.
func (m *MemNVS) Poke(namespace, key, value string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.spaces[namespace]; !ok {
		m.spaces[namespace] = make(map[string]string)
	}
	m.spaces[namespace][key] = value
}
