//go:build rp2350

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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"machine"
	"math/rand"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/soypat/cyw43439"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

// Raspberry Pico2 W  [RP2350]
type Pico2WDevice struct {
	ref *cyw43439.Device // reference to device
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// Restart the MCU.
func (dev *Pico2WDevice) Restart() error {
	machine.CPUReset()
	return errors.New("reset failed")
}

// Initialize device
func InitDevice(_ *slog.Logger) *Pico2WDevice {
	// access device
	dev := new(Pico2WDevice)
	dev.ref = cyw43439.NewPicoWDevice()
	return dev
}

// FlashNVSDevice returns the NVS primitive on the on-board flash.
func FlashNVSDevice() (*FlashNVS, error) {
	return NewFlashNVS(machine.Flash)
}

//----------------------------------------------------------------------

// SerialConsole returns the provisioning console on the USB serial port.
func SerialConsole() *Console {
	return NewConsole(serialReader{}, machine.Serial)
}

// serialReader blocks until serial input is available.
type serialReader struct{}

func (serialReader) Read(p []byte) (n int, err error) {
	for machine.Serial.Buffered() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	for n < len(p) && machine.Serial.Buffered() > 0 {
		if p[n], err = machine.Serial.ReadByte(); err != nil {
			return
		}
		n++
	}
	return
}

//======================================================================
// derived from https://raw.githubusercontent.com/soypat/cyw43439,
// file '/examples/common/common.go'.
//======================================================================

const mtu = cyw43439.MTU

// PicoWiFi is the station interface of the CYW43439 with a seqs stack.
// Joining and DHCP run asynchronously after SetConfiguration; the status
// is transitional until an address is bound or the join failed.
type PicoWiFi struct {
	dev         *cyw43439.Device
	hostname    string
	requestedIP string // used as static IP if DHCP fails
	logger      *slog.Logger

	mtx    sync.Mutex
	status Status
	inited bool
	stack  *stacks.PortStack
	dhcp   *stacks.DHCPClient
}

var (
	_ WiFiStack = (*PicoWiFi)(nil)
	_ Listener  = (*PicoWiFi)(nil)
)

// NewPicoWiFi on the given device.
func NewPicoWiFi(dev *Pico2WDevice, hostname, requestedIP string, logger *slog.Logger) *PicoWiFi {
	return &PicoWiFi{
		dev:         dev.ref,
		hostname:    hostname,
		requestedIP: requestedIP,
		logger:      orDiscard(logger),
	}
}

// SetConfiguration starts joining the network.
func (w *PicoWiFi) SetConfiguration(cfg ClientConfig) error {
	var reqAddr netip.Addr
	if w.requestedIP != "" {
		var err error
		if reqAddr, err = netip.ParseAddr(w.requestedIP); err != nil {
			return fmt.Errorf("requested ip: %w", err)
		}
	}
	w.setStatus(ClientStatus{State: ClientTransitional})
	go w.join(cfg, reqAddr)
	return nil
}

func (w *PicoWiFi) setStatus(cs ClientStatus) {
	w.mtx.Lock()
	w.status = Status{Client: cs, AP: APStopped}
	w.mtx.Unlock()
}

// join the network and acquire an address.
func (w *PicoWiFi) join(cfg ClientConfig, reqAddr netip.Addr) {
	logger := w.logger
	disconnected := ClientStatus{State: ClientDisconnected}
	if !w.inited {
		wificfg := cyw43439.DefaultWifiConfig()
		wificfg.Logger = logger
		logger.Info("initializing pico W device...")
		devInitTime := time.Now()
		if err := w.dev.Init(wificfg); err != nil {
			logger.Error("cyw43439:Init", slog.String("err", err.Error()))
			w.setStatus(disconnected)
			return
		}
		logger.Info("cyw43439:Init", slog.Duration("duration", time.Since(devInitTime)))
		w.inited = true
	}
	if len(cfg.Password) == 0 {
		logger.Info("joining open network:", slog.String("ssid", cfg.SSID))
	} else {
		logger.Info("joining WPA secure network", slog.String("ssid", cfg.SSID), slog.Int("passlen", len(cfg.Password)))
	}
	if err := w.dev.JoinWPA2(cfg.SSID, cfg.Password); err != nil {
		logger.Error("wifi join failed", slog.String("err", err.Error()))
		w.setStatus(disconnected)
		return
	}
	mac, _ := w.dev.HardwareAddr6()
	logger.Info("wifi join success!", slog.String("mac", net.HardwareAddr(mac[:]).String()))

	if w.stack == nil {
		w.stack = stacks.NewPortStack(stacks.PortStackConfig{
			MAC:             mac,
			MaxOpenPortsUDP: 2, // DHCP + DNS
			MaxOpenPortsTCP: 2, // status server + probe
			MTU:             mtu,
			Logger:          logger,
		})
		w.dev.RecvEthHandle(w.stack.RecvEth)

		// Begin asynchronous packet handling.
		go nicLoop(w.dev, w.stack)
	}

	// Perform DHCP request.
	w.dhcp = stacks.NewDHCPClient(w.stack, dhcp.DefaultClientPort)
	err := w.dhcp.BeginRequest(stacks.DHCPRequestConfig{
		RequestedAddr: reqAddr,
		Xid:           uint32(time.Now().Nanosecond()),
		Hostname:      w.hostname,
	})
	if err != nil {
		logger.Error("DHCP request", slog.String("err", err.Error()))
		w.setStatus(disconnected)
		return
	}
	i := 0
	for w.dhcp.State() != dhcp.StateBound {
		i++
		logger.Info("DHCP ongoing...")
		time.Sleep(time.Second / 2)
		if i > 15 {
			if !reqAddr.IsValid() {
				w.setStatus(disconnected)
				return
			}
			logger.Info("DHCP did not complete, assigning static IP", slog.String("ip", w.requestedIP))
			w.stack.SetAddr(reqAddr)
			w.setStatus(ClientStatus{
				State: ClientConnected,
				IP:    IPSettings{Addr: netip.PrefixFrom(reqAddr, 24)},
			})
			return
		}
	}
	var primaryDNS netip.Addr
	if dnsServers := w.dhcp.DNSServers(); len(dnsServers) > 0 {
		primaryDNS = dnsServers[0]
	}
	ip := w.dhcp.Offer()
	logger.Info("DHCP complete",
		slog.Uint64("cidrbits", uint64(w.dhcp.CIDRBits())),
		slog.String("ourIP", ip.String()),
		slog.String("dns", primaryDNS.String()),
		slog.String("gateway", w.dhcp.Gateway().String()),
		slog.String("router", w.dhcp.Router().String()),
		slog.Duration("lease", w.dhcp.IPLeaseTime()),
	)
	w.stack.SetAddr(ip) // It's important to set the IP address after DHCP completes.
	w.setStatus(ClientStatus{
		State: ClientConnected,
		IP: IPSettings{
			Addr:    netip.PrefixFrom(ip, int(w.dhcp.CIDRBits())),
			Gateway: w.dhcp.Router(),
			DNS:     primaryDNS,
		},
	})
}

// WaitStatusWithTimeout polls the status.
func (w *PicoWiFi) WaitStatusWithTimeout(timeout time.Duration, done func(Status) bool) error {
	return PollStatus(w.Status, timeout, 100*time.Millisecond, done)
}

// Status returns the current status.
func (w *PicoWiFi) Status() Status {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.status
}

// Listen returns a TCP listener on the given port.
func (w *PicoWiFi) Listen(port uint16) (net.Listener, error) {
	if w.stack == nil {
		return nil, errors.New("not connected")
	}
	listener, err := stacks.NewTCPListener(w.stack, stacks.TCPListenerConfig{
		MaxConnections: 1,
		ConnTxBufSize:  512,
		ConnRxBufSize:  512,
	})
	if err != nil {
		return nil, err
	}
	if err = listener.StartListening(port); err != nil {
		return nil, err
	}
	return listener, nil
}

//----------------------------------------------------------------------

// PicoProber fetches plain HTTP resources over the seqs stack.
type PicoProber struct {
	wifi *PicoWiFi
}

var _ Prober = (*PicoProber)(nil)

// NewPicoProber using the connected station interface.
func NewPicoProber(wifi *PicoWiFi) *PicoProber {
	return &PicoProber{wifi: wifi}
}

// Probe fetches rawurl with HTTP/1.0 and returns at most limit body bytes.
func (p *PicoProber) Probe(ctx context.Context, rawurl string, limit int) ([]byte, error) {
	fail := func(kind ProbeErrorKind, err error) ([]byte, error) {
		return nil, &ProbeError{Kind: kind, URL: rawurl, Err: err}
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	if u.Scheme != "http" {
		return fail(ProbeNetwork, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	port := uint16(80)
	if ps := u.Port(); ps != "" {
		v, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return fail(ProbeNetwork, err)
		}
		port = uint16(v)
	}
	stack, dhcpc := p.wifi.stack, p.wifi.dhcp
	if stack == nil || dhcpc == nil {
		return fail(ProbeNetwork, errors.New("not connected"))
	}
	resolver, err := NewResolver(stack, dhcpc)
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	addrs, err := resolver.LookupNetIP(u.Hostname())
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	routerhw, err := ResolveHardwareAddr(stack, dhcpc.Router())
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	conn, err := stacks.NewTCPConn(stack, stacks.TCPConnConfig{
		TxBufSize: 512,
		RxBufSize: 2048,
	})
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	defer conn.Close()
	lport := uint16(rand.Intn(16384) + 49152)
	err = conn.OpenDialTCP(lport, routerhw, netip.AddrPortFrom(addrs[0], port), seqs.Value(rand.Uint32()))
	if err != nil {
		return fail(ProbeNetwork, err)
	}
	for conn.State() != seqs.StateEstablished {
		if ctx.Err() != nil {
			conn.Abort()
			return fail(ProbeNetwork, ctx.Err())
		}
		time.Sleep(50 * time.Millisecond)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	path := u.RequestURI()
	req := "GET " + path + " HTTP/1.0\r\nHost: " + u.Host + "\r\nUser-Agent: wifiprov/" + Version + "\r\nConnection: close\r\n\r\n"
	if _, err = conn.Write([]byte(req)); err != nil {
		return fail(ProbeNetwork, err)
	}
	// room for the response header
	raw := make([]byte, 0, limit+1024)
	buf := make([]byte, 512)
	for len(raw) < cap(raw) {
		n, err := conn.Read(buf[:min(len(buf), cap(raw)-len(raw))])
		raw = append(raw, buf[:n]...)
		if err == io.EOF || (err != nil && len(raw) > 0) {
			break
		}
		if err != nil {
			return fail(ProbeNetwork, err)
		}
	}
	code, body, err := parseHTTPResponse(raw)
	if err != nil {
		return fail(ProbeDecode, err)
	}
	if code < 200 || code > 299 {
		return fail(ProbeNetwork, fmt.Errorf("status %d", code))
	}
	if len(body) > limit {
		body = body[:limit]
	}
	return bytes.Clone(body), nil
}

// ResolveHardwareAddr obtains the hardware address of the given IP address.
func ResolveHardwareAddr(stack *stacks.PortStack, ip netip.Addr) ([6]byte, error) {
	if !ip.IsValid() {
		return [6]byte{}, errors.New("invalid ip")
	}
	arpc := stack.ARP()
	arpc.Abort() // Remove any previous ARP requests.
	err := arpc.BeginResolve(ip)
	if err != nil {
		return [6]byte{}, err
	}
	time.Sleep(4 * time.Millisecond)
	// ARP exchanges should be fast, don't wait too long for them.
	const timeout = time.Second
	const maxretries = 20
	retries := maxretries
	for !arpc.IsDone() && retries > 0 {
		retries--
		if retries == 0 {
			return [6]byte{}, errors.New("arp timed out")
		}
		time.Sleep(timeout / maxretries)
	}
	_, hw, err := arpc.ResultAs6()
	return hw, err
}

// Resolver for host names via the DHCP-provided DNS server.
type Resolver struct {
	stack     *stacks.PortStack
	dns       *stacks.DNSClient
	dhcp      *stacks.DHCPClient
	dnsaddr   netip.Addr
	dnshwaddr [6]byte
}

// NewResolver using the first DNS server offered by DHCP.
func NewResolver(stack *stacks.PortStack, dhcp *stacks.DHCPClient) (*Resolver, error) {
	dnsaddrs := dhcp.DNSServers()
	if len(dnsaddrs) == 0 || !dnsaddrs[0].IsValid() {
		return nil, errors.New("dns addr obtained via DHCP not valid")
	}
	return &Resolver{
		stack:   stack,
		dhcp:    dhcp,
		dns:     stacks.NewDNSClient(stack, dns.ClientPort),
		dnsaddr: dnsaddrs[0],
	}, nil
}

// LookupNetIP returns the IPv4 addresses of host.
func (r *Resolver) LookupNetIP(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	name, err := dns.NewName(host)
	if err != nil {
		return nil, err
	}
	err = r.updateDNSHWAddr()
	if err != nil {
		return nil, err
	}

	err = r.dns.StartResolve(r.dnsConfig(name))
	if err != nil {
		return nil, err
	}
	time.Sleep(5 * time.Millisecond)
	retries := 100

	for retries > 0 {
		done, _ := r.dns.IsDone()
		if done {
			break
		}
		retries--
		time.Sleep(20 * time.Millisecond)
	}
	done, rcode := r.dns.IsDone()
	if !done && retries == 0 {
		return nil, errors.New("dns lookup timed out")
	} else if rcode != dns.RCodeSuccess {
		return nil, errors.New("dns lookup failed:" + rcode.String())
	}
	answers := r.dns.Answers()
	if len(answers) == 0 {
		return nil, errors.New("no dns answers")
	}
	var addrs []netip.Addr
	for i := range answers {
		data := answers[i].RawData()
		if len(data) == 4 {
			addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no ipv4 dns answers")
	}
	return addrs, nil
}

func (r *Resolver) updateDNSHWAddr() (err error) {
	r.dnshwaddr, err = ResolveHardwareAddr(r.stack, r.dnsaddr)
	return err
}

func (r *Resolver) dnsConfig(name dns.Name) stacks.DNSResolveConfig {
	return stacks.DNSResolveConfig{
		Questions: []dns.Question{
			{
				Name:  name,
				Type:  dns.TypeA,
				Class: dns.ClassINET,
			},
		},
		DNSAddr:         r.dnsaddr,
		DNSHWAddr:       r.dnshwaddr,
		EnableRecursion: true,
	}
}

func nicLoop(dev *cyw43439.Device, Stack *stacks.PortStack) {
	// Maximum number of packets to queue before sending them.
	const (
		queueSize                = 3
		maxRetriesBeforeDropping = 3
	)
	var queue [queueSize][mtu]byte
	var lenBuf [queueSize]int
	var retries [queueSize]int
	markSent := func(i int) {
		queue[i] = [mtu]byte{} // Not really necessary.
		lenBuf[i] = 0
		retries[i] = 0
	}
	for {
		stallRx := true
		// Poll for incoming packets.
		for i := 0; i < 1; i++ {
			gotPacket, err := dev.PollOne()
			if err != nil {
				println("poll error:", err.Error())
			}
			if !gotPacket {
				break
			}
			stallRx = false
		}

		// Queue packets to be sent.
		for i := range queue {
			if retries[i] != 0 {
				continue // Packet currently queued for retransmission.
			}
			var err error
			buf := queue[i][:]
			lenBuf[i], err = Stack.HandleEth(buf[:])
			if err != nil {
				println("stack error n(should be 0)=", lenBuf[i], "err=", err.Error())
				lenBuf[i] = 0
				continue
			}
			if lenBuf[i] == 0 {
				break
			}
		}
		stallTx := lenBuf == [queueSize]int{}
		if stallTx {
			if stallRx {
				// Avoid busy waiting when both Rx and Tx stall.
				time.Sleep(51 * time.Millisecond)
			}
			continue
		}

		// Send queued packets.
		for i := range queue {
			n := lenBuf[i]
			if n <= 0 {
				continue
			}
			err := dev.SendEth(queue[i][:n])
			if err != nil {
				// Queue packet for retransmission.
				retries[i]++
				if retries[i] > maxRetriesBeforeDropping {
					markSent(i)
					println("dropped outgoing packet:", err.Error())
				}
			} else {
				markSent(i)
			}
		}
	}
}
