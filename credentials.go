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
	"strconv"
	"strings"
	"unicode/utf8"
)

// Credential limits (802.11 SSID and WPA2 passphrase/PSK)
const (
	MaxSSIDLen     = 32
	MaxPasswordLen = 64
)

// Error messages
var (
	ErrNotFound          = errors.New("no credential stored")
	ErrCorrupt           = errors.New("stored credential is corrupt")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrSSIDEmpty         = fmt.Errorf("%w: empty SSID", ErrInvalidCredential)
	ErrSSIDTooLong       = fmt.Errorf("%w: SSID longer than %d bytes", ErrInvalidCredential, MaxSSIDLen)
	ErrPasswordTooLong   = fmt.Errorf("%w: password longer than %d bytes", ErrInvalidCredential, MaxPasswordLen)
	ErrNotUTF8           = fmt.Errorf("%w: not valid UTF-8", ErrInvalidCredential)
	ErrNULByte           = fmt.Errorf("%w: contains NUL byte", ErrInvalidCredential)
)

// Credential of a Wi-Fi network. An empty password denotes an open network.
type Credential struct {
	SSID     string
	Password string
}

// Validate the credential limits. Both fields must be NUL-free UTF-8
// to survive the string storage.
func (c Credential) Validate() error {
	switch {
	case len(c.SSID) == 0:
		return ErrSSIDEmpty
	case len(c.SSID) > MaxSSIDLen:
		return ErrSSIDTooLong
	case len(c.Password) > MaxPasswordLen:
		return ErrPasswordTooLong
	case !utf8.ValidString(c.SSID), !utf8.ValidString(c.Password):
		return ErrNotUTF8
	case strings.IndexByte(c.SSID, 0) >= 0, strings.IndexByte(c.Password, 0) >= 0:
		return ErrNULByte
	}
	return nil
}

// String hides the password.
func (c Credential) String() string {
	return fmt.Sprintf("{ssid=%q passlen=%d}", c.SSID, len(c.Password))
}

// Encode the credential as a single stored value:
// "<len(ssid)>:<ssid><password>".
func (c Credential) Encode() string {
	return strconv.Itoa(len(c.SSID)) + ":" + c.SSID + c.Password
}

// DecodeCredential parses a stored value.
func DecodeCredential(s string) (c Credential, err error) {
	pos := strings.IndexByte(s, ':')
	if pos < 1 || pos > 2 {
		return c, ErrCorrupt
	}
	n, err := strconv.Atoi(s[:pos])
	if err != nil || n < 0 {
		return c, ErrCorrupt
	}
	body := s[pos+1:]
	if n > len(body) {
		return c, ErrCorrupt
	}
	c.SSID, c.Password = body[:n], body[n:]
	if err = c.Validate(); err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return c, nil
}

//----------------------------------------------------------------------

// CredentialStore persists a single Wi-Fi credential under one key.
type CredentialStore struct {
	storage *Storage
	key     string
}

// NewCredentialStore on the given storage and key.
func NewCredentialStore(storage *Storage, key string) *CredentialStore {
	return &CredentialStore{
		storage: storage,
		key:     key,
	}
}

// Load the stored credential. Returns ErrNotFound if no credential is
// stored (absent key or cleared), ErrCorrupt if the value can't be decoded
// or a *StorageError if the storage failed.
func (cs *CredentialStore) Load() (Credential, error) {
	val, err := cs.storage.Read(cs.key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	if len(val) == 0 {
		return Credential{}, ErrNotFound
	}
	return DecodeCredential(val)
}

// Save the credential. Invalid credentials are rejected before anything is
// written.
func (cs *CredentialStore) Save(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return cs.storage.Write(cs.key, c.Encode())
}

// Clear the stored credential.
func (cs *CredentialStore) Clear() error {
	return cs.storage.Write(cs.key, "")
}
