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
	"context"
	"fmt"
	"strconv"
)

// Prober fetches a resource and returns at most limit bytes of its body.
type Prober interface {
	Probe(ctx context.Context, url string, limit int) ([]byte, error)
}

// ProbeErrorKind classifies probe failures.
type ProbeErrorKind int

// Probe failure kinds
const (
	ProbeNetwork ProbeErrorKind = iota
	ProbeDecode
)

// ProbeError is returned by failed probes.
type ProbeError struct {
	Kind ProbeErrorKind
	URL  string
	Err  error
}

// Error returns the error message.
func (e *ProbeError) Error() string {
	kind := "network"
	if e.Kind == ProbeDecode {
		kind = "decode"
	}
	return fmt.Sprintf("probe %s failed (%s): %v", e.URL, kind, e.Err)
}

// Unwrap returns the cause.
func (e *ProbeError) Unwrap() error {
	return e.Err
}

// parseHTTPResponse splits a raw (possibly truncated) HTTP/1.x response into
// status code and body.
func parseHTTPResponse(raw []byte) (code int, body []byte, err error) {
	head, body, ok := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !ok {
		return 0, nil, fmt.Errorf("incomplete response header (%d bytes)", len(raw))
	}
	line, _, _ := bytes.Cut(head, []byte("\r\n"))
	fields := bytes.Fields(line)
	if len(fields) < 2 || !bytes.HasPrefix(fields[0], []byte("HTTP/1.")) {
		return 0, nil, fmt.Errorf("malformed status line %q", line)
	}
	if code, err = strconv.Atoi(string(fields[1])); err != nil || code < 100 || code > 999 {
		return 0, nil, fmt.Errorf("malformed status code %q", fields[1])
	}
	return code, body, nil
}
