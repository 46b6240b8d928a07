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
	"log/slog"
	"net/netip"
	"time"
)

// ClientState of the station interface.
type ClientState int

// Client states
const (
	ClientDisconnected ClientState = iota
	ClientTransitional             // associating or waiting for an address
	ClientConnected
)

// APState of the access point interface.
type APState int

// Access point states
const (
	APStopped APState = iota
	APStarted
)

// IPSettings of a connected client.
type IPSettings struct {
	Addr    netip.Prefix
	Gateway netip.Addr
	DNS     netip.Addr
}

// String returns a compact representation.
func (ip IPSettings) String() string {
	return fmt.Sprintf("ip=%s gw=%s dns=%s", ip.Addr, ip.Gateway, ip.DNS)
}

// ClientStatus is the station sub-status.
type ClientStatus struct {
	State ClientState
	IP    IPSettings // valid if connected
}

// Status of the network stack.
type Status struct {
	Client ClientStatus
	AP     APState
}

// IsTransitional returns true while a connection attempt is in progress.
func (s Status) IsTransitional() bool {
	return s.Client.State == ClientTransitional
}

// String returns the status tuple.
func (s Status) String() string {
	var client string
	switch s.Client.State {
	case ClientDisconnected:
		client = "disconnected"
	case ClientTransitional:
		client = "transitional"
	case ClientConnected:
		client = "connected(" + s.Client.IP.String() + ")"
	default:
		client = fmt.Sprintf("client(%d)", s.Client.State)
	}
	ap := "stopped"
	if s.AP == APStarted {
		ap = "started"
	}
	return "(" + client + ", ap " + ap + ")"
}

// ClientConfig of the station interface.
type ClientConfig struct {
	SSID     string
	Password string
}

// ErrWaitTimeout is returned by WiFiStack.WaitStatusWithTimeout.
var ErrWaitTimeout = errors.New("wait for status timed out")

// WiFiStack is the external network stack.
type WiFiStack interface {
	// SetConfiguration starts station mode with the given network.
	SetConfiguration(cfg ClientConfig) error

	// WaitStatusWithTimeout blocks until done(status) is true or the
	// timeout elapsed (ErrWaitTimeout).
	WaitStatusWithTimeout(timeout time.Duration, done func(Status) bool) error

	// Status returns the current status.
	Status() Status
}

// PollStatus is a bounded status poll for WiFiStack implementations.
func PollStatus(get func() Status, timeout, every time.Duration, done func(Status) bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if done(get()) {
			return nil
		}
		left := time.Until(deadline)
		if left <= 0 {
			return ErrWaitTimeout
		}
		time.Sleep(min(every, left))
	}
}

//----------------------------------------------------------------------

// ConnectErrorKind classifies connection failures.
type ConnectErrorKind int

// Connection failure kinds
const (
	ConnectTimeout ConnectErrorKind = iota
	ConnectUnexpectedStatus
)

// ConnectError is returned if the station did not reach the connected state.
type ConnectError struct {
	Kind   ConnectErrorKind
	Status Status // status when giving up
}

// Error returns the error message.
func (e *ConnectError) Error() string {
	if e.Kind == ConnectTimeout {
		return "wifi connect timed out in status " + e.Status.String()
	}
	return "unexpected wifi status " + e.Status.String()
}

// ConnectionManager brings the station interface up.
type ConnectionManager struct {
	stack   WiFiStack
	timeout time.Duration
	logger  *slog.Logger
}

// NewConnectionManager for the given stack and bounded wait.
func NewConnectionManager(stack WiFiStack, timeout time.Duration, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		stack:   stack,
		timeout: timeout,
		logger:  orDiscard(logger),
	}
}

// Connect to the network. No retries are made.
func (m *ConnectionManager) Connect(cred Credential) (IPSettings, error) {
	err := m.stack.SetConfiguration(ClientConfig{
		SSID:     cred.SSID,
		Password: cred.Password,
	})
	if err != nil {
		return IPSettings{}, fmt.Errorf("set wifi configuration: %w", err)
	}
	m.logger.Info("wifi configuration set", slog.String("ssid", cred.SSID), slog.Duration("timeout", m.timeout))

	werr := m.stack.WaitStatusWithTimeout(m.timeout, func(s Status) bool {
		return !s.IsTransitional()
	})
	status := m.stack.Status()
	if werr != nil {
		if errors.Is(werr, ErrWaitTimeout) || status.IsTransitional() {
			return IPSettings{}, &ConnectError{Kind: ConnectTimeout, Status: status}
		}
		return IPSettings{}, fmt.Errorf("wait for wifi status: %w", werr)
	}
	if status.Client.State == ClientConnected && status.AP == APStopped {
		m.logger.Info("wifi connected", slog.String("ip", status.Client.IP.String()))
		return status.Client.IP, nil
	}
	return IPSettings{}, &ConnectError{Kind: ConnectUnexpectedStatus, Status: status}
}
