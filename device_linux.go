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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// LinuxDevice (for testing purposes)
type LinuxDevice struct {
	logger *slog.Logger
}

// LED on or off (logged only)
func (dev *LinuxDevice) LED(on bool) {
	dev.logger.Debug("led", slog.Bool("on", on))
}

// Restart re-executes the running binary with the same arguments.
func (dev *LinuxDevice) Restart() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	dev.logger.Info("restarting", slog.String("exe", exe))
	return unix.Exec(exe, os.Args, os.Environ())
}

// Initialize device
func InitDevice(logger *slog.Logger) *LinuxDevice {
	return &LinuxDevice{logger: orDiscard(logger)}
}

//----------------------------------------------------------------------

// HostWiFi stands in for the radio on a host: the "connection" is the
// first interface that is up and has a non-loopback IPv4 address. The
// configured network is only recorded.
type HostWiFi struct {
	mtx    sync.Mutex
	status Status
	cfg    ClientConfig
	addrs  func() ([]net.Interface, error)
}

var (
	_ WiFiStack = (*HostWiFi)(nil)
	_ Listener  = (*HostWiFi)(nil)
)

// NewHostWiFi creates a disconnected host stack.
func NewHostWiFi() *HostWiFi {
	return &HostWiFi{addrs: net.Interfaces}
}

// SetConfiguration starts a connection attempt.
func (w *HostWiFi) SetConfiguration(cfg ClientConfig) error {
	w.mtx.Lock()
	w.cfg = cfg
	w.status = Status{Client: ClientStatus{State: ClientTransitional}}
	w.mtx.Unlock()
	go w.associate()
	return nil
}

// associate with the host network
func (w *HostWiFi) associate() {
	next := Status{Client: ClientStatus{State: ClientDisconnected}}
	if ip, err := w.hostIP(); err == nil {
		next.Client = ClientStatus{State: ClientConnected, IP: ip}
	}
	w.mtx.Lock()
	w.status = next
	w.mtx.Unlock()
}

// hostIP finds the first usable IPv4 interface address.
func (w *HostWiFi) hostIP() (IPSettings, error) {
	ifcs, err := w.addrs()
	if err != nil {
		return IPSettings{}, err
	}
	for _, ifc := range ifcs {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil {
				continue
			}
			addr, _ := netip.AddrFromSlice(ipn.IP.To4())
			bits, _ := ipn.Mask.Size()
			return IPSettings{Addr: netip.PrefixFrom(addr, bits)}, nil
		}
	}
	return IPSettings{}, errors.New("no usable interface")
}

// WaitStatusWithTimeout polls the status.
func (w *HostWiFi) WaitStatusWithTimeout(timeout time.Duration, done func(Status) bool) error {
	return PollStatus(w.Status, timeout, 50*time.Millisecond, done)
}

// Status returns the current status.
func (w *HostWiFi) Status() Status {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.status
}

// Listen returns a TCP listener on the given port.
func (w *HostWiFi) Listen(port uint16) (net.Listener, error) {
	cfg := new(net.ListenConfig)
	return cfg.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
}
