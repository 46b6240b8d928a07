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
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProberTruncates(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 5000))
	}))
	defer srv.Close()

	body, err := NewHTTPProber(srv.Client()).Probe(context.Background(), srv.URL, 3048)
	require.NoError(t, err)
	assert.Len(t, body, 3048)
}

func TestHTTPProberStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewHTTPProber(srv.Client()).Probe(context.Background(), srv.URL, 100)
	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeNetwork, pe.Kind)
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPProberUnreachable(t *testing.T) {
	// grab a free port and release it again
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lst.Addr().String()
	lst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewHTTPProber(nil).Probe(ctx, "http://"+addr+"/", 100)
	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeNetwork, pe.Kind)
	assert.Equal(t, "http://"+addr+"/", pe.URL)
}
