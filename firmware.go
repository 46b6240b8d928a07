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
	"strings"
	"sync"
	"time"

	"git.sr.ht/~moody/ninep"
)

// acceptBackoff is the pause after a failed Accept.
const acceptBackoff = 100 * time.Millisecond

// Listener is implemented by network stacks that accept TCP connections.
type Listener interface {
	Listen(port uint16) (net.Listener, error)
}

// Options to assemble the firmware.
type Options struct {
	Config      *Config
	Device      Device
	NVS         NVS
	Stack       WiFiStack
	Provisioner Provisioner
	Prober      Prober
	Status      *LEDStatus // LED status display (optional)
	Logger      *slog.Logger
}

// ProbeStats of the steady-state loop.
type ProbeStats struct {
	Count    uint64 // probes performed
	Failures uint64 // failed probes
	Last     []byte // body of the last successful probe
	LastErr  string // error of the last failed probe
}

// Firmware sequences provisioning, connection and the probe loop.
type Firmware struct {
	cfg    *Config
	dev    Device
	store  *CredentialStore
	flow   *Flow
	conn   *ConnectionManager
	stack  WiFiStack
	prober Prober
	status *LEDStatus
	logger *slog.Logger

	mtx   sync.Mutex
	ip    IPSettings
	stats ProbeStats
}

// NewFirmware assembles the firmware from its collaborators.
func NewFirmware(opts Options) (*Firmware, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case opts.Device == nil:
		return nil, errors.New("no device")
	case opts.NVS == nil:
		return nil, errors.New("no nvs")
	case opts.Stack == nil:
		return nil, errors.New("no wifi stack")
	case opts.Provisioner == nil:
		return nil, errors.New("no provisioner")
	case opts.Prober == nil:
		return nil, errors.New("no prober")
	}
	logger := orDiscard(opts.Logger)
	store := NewCredentialStore(NewStorage(opts.NVS, cfg.Namespace), cfg.CredentialKey)
	return &Firmware{
		cfg:    cfg,
		dev:    opts.Device,
		store:  store,
		flow:   NewFlow(store, opts.Provisioner, cfg.APName, cfg.ProvisionTimeout, logger.With("mod", "prov")),
		conn:   NewConnectionManager(opts.Stack, cfg.ConnectTimeout, logger.With("mod", "wifi")),
		stack:  opts.Stack,
		prober: opts.Prober,
		status: opts.Status,
		logger: logger,
	}, nil
}

// Store returns the credential store.
func (fw *Firmware) Store() *CredentialStore {
	return fw.store
}

// Flow returns the provisioning flow.
func (fw *Firmware) Flow() *Flow {
	return fw.flow
}

// Stats returns a snapshot of the probe statistics.
func (fw *Firmware) Stats() ProbeStats {
	fw.mtx.Lock()
	defer fw.mtx.Unlock()
	s := fw.stats
	s.Last = append([]byte(nil), fw.stats.Last...)
	return s
}

// IP returns the settings of the established connection.
func (fw *Firmware) IP() IPSettings {
	fw.mtx.Lock()
	defer fw.mtx.Unlock()
	return fw.ip
}

// Boot obtains a credential and connects. Errors are irrecoverable for
// this boot; the caller decides about restarting.
func (fw *Firmware) Boot(ctx context.Context) (IPSettings, error) {
	fw.logger.Info("system start", slog.String("version", Version))
	if fw.cfg.ClearOnBoot {
		if err := fw.store.Clear(); err != nil {
			fw.logger.Error("clear credential", slog.String("err", err.Error()))
		} else {
			fw.logger.Info("stored credential cleared")
		}
	}
	cred, err := fw.flow.Run(ctx)
	if err != nil {
		fw.status.Set(StatPROV, 0)
		return IPSettings{}, err
	}

	var ip IPSettings
	for attempt := 1; ; attempt++ {
		if ip, err = fw.conn.Connect(cred); err == nil {
			break
		}
		fw.status.Set(StatWIFI, 0)
		fw.logger.Error("wifi connect failed",
			slog.Int("attempt", attempt),
			slog.Int("attempts", fw.cfg.ConnectAttempts),
			slog.String("err", err.Error()),
		)
		if attempt >= fw.cfg.ConnectAttempts {
			return IPSettings{}, err
		}
		if err = sleepCtx(ctx, fw.cfg.ConnectBackoff); err != nil {
			return IPSettings{}, err
		}
	}
	fw.mtx.Lock()
	fw.ip = ip
	fw.mtx.Unlock()
	fw.status.Set(StatOK, 0)
	return ip, nil
}

// Run the probe loop until ctx is done. Probe failures are logged and
// the loop continues with the next interval.
func (fw *Firmware) Run(ctx context.Context) error {
	for {
		fw.probe(ctx)
		if err := sleepCtx(ctx, fw.cfg.ProbeInterval); err != nil {
			return err
		}
	}
}

// probe once and record the result.
func (fw *Firmware) probe(ctx context.Context) {
	fw.logger.Info("about to fetch content", slog.String("url", fw.cfg.ProbeURL))
	pctx, cancel := context.WithTimeout(ctx, fw.cfg.ProbeInterval)
	defer cancel()
	body, err := fw.prober.Probe(pctx, fw.cfg.ProbeURL, fw.cfg.ProbeLimit)

	fw.mtx.Lock()
	fw.stats.Count++
	if err != nil {
		fw.stats.Failures++
		fw.stats.LastErr = err.Error()
	} else {
		fw.stats.Last = body
	}
	fw.mtx.Unlock()

	if err != nil {
		fw.status.Set(StatPROBE, 3)
		fw.logger.Error("probe failed", slog.String("err", err.Error()))
		return
	}
	fw.logger.Info("probe done",
		slog.Int("bytes", len(body)),
		slog.String("body", strings.ToValidUTF8(string(body), "�")),
	)
}

// Main runs the firmware. A failed boot restarts the device after the
// restart delay; Main only returns if the restart failed or ctx is done.
func (fw *Firmware) Main(ctx context.Context) error {
	if _, err := fw.Boot(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fw.logger.Error("boot failed", slog.String("err", err.Error()), slog.Duration("restart", fw.cfg.RestartDelay))
		if err = sleepCtx(ctx, fw.cfg.RestartDelay); err != nil {
			return err
		}
		if err = fw.dev.Restart(); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		return nil
	}
	if fw.cfg.StatusPort != 0 {
		if l, ok := fw.stack.(Listener); ok {
			lst, err := l.Listen(fw.cfg.StatusPort)
			if err != nil {
				fw.status.Set(StatLISTEN, 3)
				fw.logger.Error("status server", slog.String("err", err.Error()))
			} else {
				go fw.Serve(ctx, lst)
			}
		}
	}
	return fw.Run(ctx)
}

//----------------------------------------------------------------------

// Namespace returns the read-only 9p tree with the device state.
func (fw *Firmware) Namespace() *Namespace {
	ns := NewNamespace("sys", "sys")
	ns.NewFile("/version", 0444, NewTextFile(Version+"\n"))
	ns.NewDir("/wifi", 0555)
	ns.NewFile("/wifi/ssid", 0444, NewStringFunc(func() string {
		cred, _ := fw.flow.Credential()
		return cred.SSID
	}))
	ns.NewFile("/wifi/ip", 0444, NewStringFunc(func() string {
		return fw.IP().String()
	}))
	ns.NewFile("/wifi/state", 0444, NewStringFunc(func() string {
		return fw.flow.State().String()
	}))
	ns.NewDir("/probe", 0555)
	ns.NewFile("/probe/count", 0444, NewCounterFunc(func() uint64 {
		return fw.Stats().Count
	}))
	ns.NewFile("/probe/failures", 0444, NewCounterFunc(func() uint64 {
		return fw.Stats().Failures
	}))
	ns.NewFile("/probe/last", 0444, NewFuncFile(func() ([]byte, error) {
		return fw.Stats().Last, nil
	}))
	return ns
}

// Serve the status namespace via 9p on the listener until ctx is done.
func (fw *Firmware) Serve(ctx context.Context, lst net.Listener) {
	ns := fw.Namespace()
	go func() {
		<-ctx.Done()
		lst.Close()
	}()
	fw.logger.Info("status server listening", slog.String("addr", lst.Addr().String()))
	for {
		c, err := lst.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			fw.status.Set(StatLISTEN, 3)
			fw.logger.Error("status server accept", slog.String("err", err.Error()))
			if sleepCtx(ctx, acceptBackoff) != nil {
				return
			}
			continue
		}
		srv := ninep.NewSrv(func() ninep.FS { return ns })
		go srv.ServeIO(c, c)
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
