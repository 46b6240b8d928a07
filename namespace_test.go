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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// build a test namespace
func newNamespace() (ns *Namespace, err error) {
	ns = NewNamespace("sys", "sys")
	if err = ns.NewFile("/readme", 0444, NewTextFile("Just a test...\n")); err != nil {
		return
	}
	if err = ns.NewDir("/sensors", 0777); err != nil {
		return
	}
	err = ns.NewFile("/sensors/temp", 0444, NewFuncFile(
		func() ([]byte, error) {
			s := fmt.Sprintf("%f\n", rand.Float32())
			return []byte(s), nil
		},
	))
	return
}

func TestNamespaceNew(t *testing.T) {
	ns, err := newNamespace()
	require.NoError(t, err)

	e, err := ns.Get("/readme")
	require.NoError(t, err)
	assert.False(t, e.IsDir())
	data, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, "Just a test...\n", string(data))

	e, err = ns.Get("/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, "temp", e.Name())

	root, err := ns.Get("/")
	require.NoError(t, err)
	assert.Same(t, ns.Root(), root)
}

func TestNamespaceErrors(t *testing.T) {
	ns, err := newNamespace()
	require.NoError(t, err)

	_, err = ns.Get("readme")
	assert.ErrorIs(t, err, errNoAbs)
	_, err = ns.Get("/nothing")
	assert.ErrorIs(t, err, errNoFile)
	_, err = ns.Get("/readme/deeper")
	assert.ErrorIs(t, err, errNoDir)

	assert.ErrorIs(t, ns.NewDir("/sensors", 0777), errExists)
	assert.ErrorIs(t, ns.NewFile("/readme/x", 0444, new(ROFile)), errNoDir)
	assert.ErrorIs(t, ns.NewFile("/missing/x", 0444, new(ROFile)), errNoFile)
	assert.ErrorIs(t, ns.NewDir("/", 0777), errBadName)
}

func TestNamespaceQidsAreUnique(t *testing.T) {
	a, err := newNamespace()
	require.NoError(t, err)
	b, err := newNamespace()
	require.NoError(t, err)

	// independent namespaces number their entries independently
	ea, _ := a.Get("/sensors/temp")
	eb, _ := b.Get("/sensors/temp")
	assert.Equal(t, ea.ref.Path, eb.ref.Path)

	seen := make(map[uint64]bool)
	for path := range a.dict {
		assert.False(t, seen[path])
		seen[path] = true
	}
	assert.Len(t, seen, 4)
}

func TestCounterFile(t *testing.T) {
	n := uint64(41)
	f := NewCounterFunc(func() uint64 { n++; return n })
	data, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))
	assert.ErrorIs(t, f.Write([]byte("ignored")), errReadOnly)
}
