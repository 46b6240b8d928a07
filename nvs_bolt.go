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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BoltNVS is a persistent NVS primitive on the host. Each namespace is a
// bucket in a bbolt database file.
type BoltNVS struct {
	db      *bbolt.DB
	mtx     sync.Mutex
	handles map[Handle][]byte
	next    Handle
}

var _ NVS = (*BoltNVS)(nil)

// OpenBoltNVS opens (or creates) the database file at path.
func OpenBoltNVS(path string) (*BoltNVS, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create nvs directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open nvs database: %w", err)
	}
	return &BoltNVS{
		db:      db,
		handles: make(map[Handle][]byte),
		next:    1,
	}, nil
}

// Shutdown closes the database file.
func (b *BoltNVS) Shutdown() error {
	return b.db.Close()
}

// Open a namespace (creates the bucket on first use).
func (b *BoltNVS) Open(namespace string) (Handle, int32) {
	if rc := checkName(namespace); rc != NVSOk {
		return 0, rc
	}
	bucket := []byte(namespace)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return 0, NVSErrFail
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	h := b.next
	b.next++
	b.handles[h] = bucket
	return h, NVSOk
}

func (b *BoltNVS) bucket(h Handle) ([]byte, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	name, ok := b.handles[h]
	return name, ok
}

// GetString reads a value.
func (b *BoltNVS) GetString(h Handle, key string, out []byte, length *int) int32 {
	name, ok := b.bucket(h)
	if !ok {
		return NVSErrInvalidHandle
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	rc := NVSOk
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(name)
		if bkt == nil {
			rc = NVSErrNotFound
			return nil
		}
		val := bkt.Get([]byte(key))
		if val == nil {
			rc = NVSErrNotFound
			return nil
		}
		rc = getString(string(val), out, length)
		return nil
	})
	if err != nil {
		return NVSErrFail
	}
	return rc
}

// SetString writes a value.
func (b *BoltNVS) SetString(h Handle, key, value string) int32 {
	name, ok := b.bucket(h)
	if !ok {
		return NVSErrInvalidHandle
	}
	if rc := checkName(key); rc != NVSOk {
		return rc
	}
	if len(value) > NVSMaxValueLen {
		return NVSErrValueTooLong
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return NVSErrFail
	}
	return NVSOk
}

// Close a handle.
func (b *BoltNVS) Close(h Handle) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.handles, h)
}
