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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// deadliner is implemented by streams with cancellable reads (net.Conn,
// pollable files).
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Console acquires a credential over a line-oriented serial exchange.
type Console struct {
	in  io.Reader
	out io.Writer
}

var _ Provisioner = (*Console)(nil)

// NewConsole on the given input and output streams.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:  in,
		out: out,
	}
}

// Provision prompts for SSID and password. If ctx is done and the input
// stream has no read deadline, the pending read stays blocked until the
// next line arrives; that line is then discarded.
func (c *Console) Provision(ctx context.Context, name string) (Credential, error) {
	type result struct {
		cred Credential
		err  error
	}
	res := make(chan result, 1)
	go func() {
		cred, err := c.exchange(name)
		res <- result{cred, err}
	}()
	select {
	case <-ctx.Done():
		if d, ok := c.in.(deadliner); ok && d.SetReadDeadline(time.Now()) == nil {
			<-res
			d.SetReadDeadline(time.Time{})
		}
		return Credential{}, ctx.Err()
	case r := <-res:
		return r.cred, r.err
	}
}

func (c *Console) exchange(name string) (cred Credential, err error) {
	rdr := bufio.NewReader(c.in)
	fmt.Fprintf(c.out, "=== %s: Wi-Fi setup ===\n", name)
	for {
		if cred.SSID, err = c.prompt(rdr, "ssid: "); err != nil {
			return
		}
		if cred.Password, err = c.prompt(rdr, "password: "); err != nil {
			return
		}
		if err = cred.Validate(); err == nil {
			fmt.Fprintln(c.out, "ok")
			return
		}
		fmt.Fprintf(c.out, "rejected: %v\n", err)
	}
}

func (c *Console) prompt(rdr *bufio.Reader, label string) (string, error) {
	fmt.Fprint(c.out, label)
	line, err := rdr.ReadString('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
