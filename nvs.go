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
	"strings"
	"sync"
	"unicode/utf8"
)

// NVS status codes (ESP-IDF compatible values).
const (
	NVSOk               int32 = 0
	NVSErrFail          int32 = -1
	NVSErrNotFound      int32 = 0x1102
	NVSErrNotEnoughRoom int32 = 0x1105
	NVSErrInvalidHandle int32 = 0x1107
	NVSErrInvalidName   int32 = 0x1108
	NVSErrInvalidLength int32 = 0x110c
	NVSErrValueTooLong  int32 = 0x110e
	NVSErrKeyTooLong    int32 = 0x110f
)

// Limits of the NVS primitive.
const (
	NVSMaxNameLen  = 15   // namespace and key names
	NVSMaxValueLen = 4000 // string values (without terminator)
)

// Handle of an opened NVS namespace.
type Handle uint32

// NVS is the foreign non-volatile storage primitive. Every call returns a
// status code; NVSOk (0) is success, anything else is an opaque foreign code.
type NVS interface {
	// Open a namespace for reading and writing.
	Open(namespace string) (Handle, int32)

	// GetString reads the value of key into out. If out is nil, only the
	// required buffer length (including the NUL terminator) is stored in
	// length. Otherwise length holds the size of out on entry and the number
	// of bytes written on return.
	GetString(h Handle, key string, out []byte, length *int) int32

	// SetString stores value under key.
	SetString(h Handle, key, value string) int32

	// Close releases the handle.
	Close(h Handle)
}

//----------------------------------------------------------------------

// StorageOp identifies the step of a storage operation that failed.
type StorageOp int

// Storage operation steps
const (
	OpOpen StorageOp = iota
	OpSizeQuery
	OpRead
	OpWrite
	OpDecode
)

// String returns a human-readable step name.
func (op StorageOp) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpSizeQuery:
		return "size query"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDecode:
		return "decode"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// ErrKeyNotFound is matched by storage errors caused by an absent key.
var ErrKeyNotFound = errors.New("nvs key not found")

// StorageError wraps a failed storage operation.
type StorageError struct {
	Op        StorageOp
	Namespace string
	Key       string
	Code      int32 // foreign status (0 if the failure was local)
	Err       error // local cause (may be nil)
}

// Error returns the error message.
func (e *StorageError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "nvs %s %s/%s failed", e.Op, e.Namespace, e.Key)
	if e.Code != NVSOk {
		fmt.Fprintf(&sb, " (status 0x%x)", e.Code)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the local cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports ErrKeyNotFound for lookups of absent keys.
func (e *StorageError) Is(target error) bool {
	return target == ErrKeyNotFound && e.Code == NVSErrNotFound
}

// IsStorageOp returns true if err is a storage error of the given step.
func IsStorageOp(err error, op StorageOp) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Op == op
}

//----------------------------------------------------------------------

// Storage turns the NVS primitive into string read/write operations on a
// single namespace. Handles are opened per call and always released.
// Calls are serialized so that open/use/close sequences never overlap.
type Storage struct {
	nvs       NVS
	namespace string
	mtx       sync.Mutex
}

// NewStorage for the given namespace.
func NewStorage(nvs NVS, namespace string) *Storage {
	return &Storage{
		nvs:       nvs,
		namespace: namespace,
	}
}

// Namespace returns the namespace name.
func (s *Storage) Namespace() string {
	return s.namespace
}

func (s *Storage) fail(op StorageOp, key string, code int32, err error) *StorageError {
	return &StorageError{
		Op:        op,
		Namespace: s.namespace,
		Key:       key,
		Code:      code,
		Err:       err,
	}
}

// Read the string stored under key.
func (s *Storage) Read(key string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	h, rc := s.nvs.Open(s.namespace)
	if rc != NVSOk {
		return "", s.fail(OpOpen, key, rc, nil)
	}
	defer s.nvs.Close(h)

	// two-phase read: query length, then fetch
	var size int
	if rc = s.nvs.GetString(h, key, nil, &size); rc != NVSOk {
		return "", s.fail(OpSizeQuery, key, rc, nil)
	}
	if size < 0 || size > NVSMaxValueLen+1 {
		return "", s.fail(OpSizeQuery, key, NVSOk, fmt.Errorf("invalid length %d", size))
	}
	buf := make([]byte, size)
	n := size
	if rc = s.nvs.GetString(h, key, buf, &n); rc != NVSOk {
		return "", s.fail(OpRead, key, rc, nil)
	}
	if n < 0 || n > size {
		return "", s.fail(OpRead, key, NVSOk, fmt.Errorf("invalid length %d", n))
	}
	buf = buf[:n]
	if n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	if !utf8.Valid(buf) {
		return "", s.fail(OpDecode, key, NVSOk, errors.New("value is not valid UTF-8"))
	}
	return string(buf), nil
}

// Write value under key.
func (s *Storage) Write(key, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return s.fail(OpWrite, key, NVSOk, errors.New("value contains NUL"))
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	h, rc := s.nvs.Open(s.namespace)
	if rc != NVSOk {
		return s.fail(OpOpen, key, rc, nil)
	}
	defer s.nvs.Close(h)

	if rc = s.nvs.SetString(h, key, value); rc != NVSOk {
		return s.fail(OpWrite, key, rc, nil)
	}
	return nil
}

//----------------------------------------------------------------------

// checkName validates namespace and key names.
func checkName(name string) int32 {
	switch {
	case len(name) == 0:
		return NVSErrInvalidName
	case len(name) > NVSMaxNameLen:
		return NVSErrKeyTooLong
	}
	return NVSOk
}

// getString implements the GetString buffer protocol for a stored value.
func getString(value string, out []byte, length *int) int32 {
	if length == nil {
		return NVSErrInvalidLength
	}
	need := len(value) + 1
	if out == nil {
		*length = need
		return NVSOk
	}
	if *length < need || len(out) < need {
		return NVSErrInvalidLength
	}
	copy(out, value)
	out[need-1] = 0
	*length = need
	return NVSOk
}
