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
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recDevice records restarts.
type recDevice struct {
	mtx      sync.Mutex
	restarts int
}

func (d *recDevice) LED(bool) {}

func (d *recDevice) Restart() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.restarts++
	return nil
}

// scriptedProber fails the listed calls (1-based).
type scriptedProber struct {
	mtx   sync.Mutex
	fail  map[int]bool
	body  []byte
	calls int
	urls  []string
}

func (p *scriptedProber) Probe(_ context.Context, url string, limit int) ([]byte, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.calls++
	p.urls = append(p.urls, url)
	if p.fail[p.calls] {
		return nil, &ProbeError{Kind: ProbeNetwork, URL: url, Err: errors.New("host unreachable")}
	}
	body := p.body
	if len(body) > limit {
		body = body[:limit]
	}
	return body, nil
}

func (p *scriptedProber) Calls() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.calls
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ProvisionTimeout = time.Second
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.ConnectBackoff = 5 * time.Millisecond
	cfg.ProbeInterval = 10 * time.Millisecond
	cfg.ProbeLimit = 8
	cfg.StatusPort = 0
	return cfg
}

type testRig struct {
	cfg    *Config
	dev    *recDevice
	nvs    *MemNVS
	stack  *fakeStack
	prov   *scriptedProvisioner
	prober *scriptedProber
}

func newRig() *testRig {
	return &testRig{
		cfg:    testConfig(),
		dev:    new(recDevice),
		nvs:    NewMemNVS(),
		stack:  &fakeStack{final: connected(testIP, APStopped)},
		prov:   &scriptedProvisioner{cred: Credential{SSID: "MyNet", Password: "Secret123"}},
		prober: &scriptedProber{body: []byte("0123456789abcdef")},
	}
}

func (r *testRig) firmware(t *testing.T) *Firmware {
	fw, err := NewFirmware(Options{
		Config:      r.cfg,
		Device:      r.dev,
		NVS:         r.nvs,
		Stack:       r.stack,
		Provisioner: r.prov,
		Prober:      r.prober,
	})
	require.NoError(t, err)
	return fw
}

func TestNewFirmwareChecksCollaborators(t *testing.T) {
	_, err := NewFirmware(Options{Config: testConfig()})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.ConnectAttempts = 0
	r := newRig()
	_, err = NewFirmware(Options{Config: cfg, Device: r.dev, NVS: r.nvs, Stack: r.stack, Provisioner: r.prov, Prober: r.prober})
	assert.Error(t, err)
}

func TestBootProvisionsAndConnects(t *testing.T) {
	r := newRig()
	fw := r.firmware(t)

	ip, err := fw.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testIP, ip)
	assert.Equal(t, testIP, fw.IP())
	assert.Equal(t, StateProvisioned, fw.Flow().State())
	assert.Equal(t, "MyNet", r.stack.cfg.SSID)

	// next boot uses the stored credential
	r.prov.calls = 0
	_, err = r.firmware(t).Boot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.prov.calls)
}

func TestBootClearOnBoot(t *testing.T) {
	r := newRig()
	require.NoError(t, r.firmware(t).Store().Save(Credential{SSID: "Old"}))
	r.cfg.ClearOnBoot = true

	_, err := r.firmware(t).Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.prov.calls)
	assert.Equal(t, "MyNet", r.stack.cfg.SSID)
}

func TestBootConnectRetries(t *testing.T) {
	r := newRig()
	r.stack.final = Status{Client: ClientStatus{State: ClientDisconnected}}
	r.cfg.ConnectAttempts = 3
	fw := r.firmware(t)

	_, err := fw.Boot(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectUnexpectedStatus, ce.Kind)
	assert.Equal(t, 3, r.stack.configs)
}

func TestMainRestartsOnProvisioningFailure(t *testing.T) {
	r := newRig()
	r.prov = &scriptedProvisioner{err: errors.New("portal failed")}
	fw := r.firmware(t)

	start := time.Now()
	require.NoError(t, fw.Main(context.Background()))
	assert.Equal(t, 1, r.dev.restarts)
	assert.GreaterOrEqual(t, time.Since(start), r.cfg.RestartDelay)
	assert.Zero(t, r.prober.Calls())
}

func TestMainRestartsOnConnectFailure(t *testing.T) {
	r := newRig()
	r.stack.final = Status{Client: ClientStatus{State: ClientDisconnected}}
	fw := r.firmware(t)

	require.NoError(t, fw.Main(context.Background()))
	assert.Equal(t, 1, r.dev.restarts)

	// the credential survived for the next boot
	cred, err := fw.Store().Load()
	require.NoError(t, err)
	assert.Equal(t, "MyNet", cred.SSID)
}

// an unreachable host fails one probe, the loop keeps probing
func TestRunContinuesAfterProbeFailure(t *testing.T) {
	r := newRig()
	r.prober.fail = map[int]bool{1: true}
	fw := r.firmware(t)
	_, err := fw.Boot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Run(ctx) }()

	require.Eventually(t, func() bool { return r.prober.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	stats := fw.Stats()
	assert.GreaterOrEqual(t, stats.Count, uint64(3))
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Contains(t, stats.LastErr, "host unreachable")
	assert.Equal(t, []byte("01234567"), stats.Last)
	assert.Equal(t, r.cfg.ProbeURL, r.prober.urls[0])
}

func TestMainStopsOnCancel(t *testing.T) {
	r := newRig()
	fw := r.firmware(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Main(ctx) }()

	require.Eventually(t, func() bool { return r.prober.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, r.dev.restarts)
}

func TestFirmwareNamespace(t *testing.T) {
	r := newRig()
	fw := r.firmware(t)
	_, err := fw.Boot(context.Background())
	require.NoError(t, err)
	fw.probe(context.Background())

	ns := fw.Namespace()
	read := func(p string) string {
		e, err := ns.Get(p)
		require.NoError(t, err, p)
		data, err := e.Read()
		require.NoError(t, err, p)
		return string(data)
	}
	assert.Equal(t, Version+"\n", read("/version"))
	assert.Equal(t, "MyNet\n", read("/wifi/ssid"))
	assert.Equal(t, "provisioned\n", read("/wifi/state"))
	assert.Contains(t, read("/wifi/ip"), "192.168.1.42/24")
	assert.Equal(t, "1\n", read("/probe/count"))
	assert.Equal(t, "0\n", read("/probe/failures"))
	assert.Equal(t, "01234567", read("/probe/last"))

	wifi, err := ns.Get("/wifi")
	require.NoError(t, err)
	assert.True(t, wifi.IsDir())
	_, err = ns.Get("/wifi/password")
	assert.Error(t, err)
}

func TestFirmwareLEDStatus(t *testing.T) {
	r := newRig()
	r.stack.final = Status{Client: ClientStatus{State: ClientDisconnected}}
	led := NewLEDStatus(r.dev)
	fw, err := NewFirmware(Options{
		Config:      r.cfg,
		Device:      r.dev,
		NVS:         r.nvs,
		Stack:       r.stack,
		Provisioner: r.prov,
		Prober:      r.prober,
		Status:      led,
	})
	require.NoError(t, err)

	_, err = fw.Boot(context.Background())
	require.Error(t, err)
	code, _ := led.Get()
	assert.Equal(t, StatWIFI, code)

	r.stack.final = connected(testIP, APStopped)
	_, err = fw.Boot(context.Background())
	require.NoError(t, err)
	code, _ = led.Get()
	assert.Equal(t, StatOK, code)

	r.prober.fail = map[int]bool{1: true}
	fw.probe(context.Background())
	code, num := led.Get()
	assert.Equal(t, StatPROBE, code)
	assert.Equal(t, 3, num)
}

func TestMainRestartsOnSaveFailure(t *testing.T) {
	r := newRig()
	r.nvs.FailSet = NVSErrFail
	fw := r.firmware(t)

	require.NoError(t, fw.Main(context.Background()))
	assert.Equal(t, 1, r.dev.restarts)
	assert.Equal(t, 1, r.prov.calls)
	assert.Zero(t, r.stack.configs)
	assert.Zero(t, r.prober.Calls())
}

// failingListener refuses every connection without being closed.
type failingListener struct {
	accepts atomic.Int32
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	return nil, errors.New("too many open files")
}

func (l *failingListener) Close() error { return nil }

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestServeBacksOffOnAcceptError(t *testing.T) {
	fw := newRig().firmware(t)
	lst := new(failingListener)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fw.Serve(ctx, lst)
		close(done)
	}()

	time.Sleep(250 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop")
	}
	assert.GreaterOrEqual(t, lst.accepts.Load(), int32(2))
	assert.LessOrEqual(t, lst.accepts.Load(), int32(4))
}
