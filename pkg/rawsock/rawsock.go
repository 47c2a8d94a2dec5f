/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package rawsock is the platform layer under the engine: a raw IPv4/IPv6
// sender, two capture backends and the connect-scan dialer.
package rawsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/carverauto/sweepcore/pkg/config"
	"github.com/carverauto/sweepcore/pkg/engine"
	"github.com/carverauto/sweepcore/pkg/logger"
)

const (
	defaultSnapLen     = 65535
	defaultReadTimeout = 100 * time.Millisecond
	captureQueue       = 4096
)

var (
	ErrUnsupportedPlatform = errors.New("raw sockets are not supported on this platform")
	ErrUnsupportedLink     = errors.New("unsupported capture link type")
	ErrUnknownBackend      = errors.New("unknown capture backend")
	ErrNoRoute             = errors.New("no route to target")
	ErrNoInterface         = errors.New("no interface owns the address")
)

// CaptureConfig opens a capture for one session.
type CaptureConfig struct {
	Backend   string
	Interface string
	// Filter is the BPF expression handed to libpcap.
	Filter string
	// Ports, UDP and Discovery drive the compiled filters of the raw
	// backend. It has no link layer, so ARP never reaches it.
	Ports       []uint16
	UDP         bool
	Discovery   bool
	ReadTimeout time.Duration
	Logger      logger.Logger
}

// OpenCapture opens the configured backend.
func OpenCapture(cfg CaptureConfig) (engine.Receiver, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}

	cfg.Logger = cfg.Logger.WithComponent("capture")

	switch cfg.Backend {
	case "", config.CapturePcap:
		return openPcap(cfg)
	case config.CaptureRaw:
		return openRaw(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// classify wraps errors that may clear up on their own in
// engine.ErrTransient.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %w", engine.ErrTransient, err)
	default:
		return err
	}
}

// SourceFor returns the local address the kernel would use to reach dst.
// No packet is sent.
func SourceFor(dst netip.Addr) (netip.Addr, error) {
	network := "udp4"
	if !dst.Unmap().Is4() {
		network = "udp6"
	}

	conn, err := net.Dial(network, netip.AddrPortFrom(dst.Unmap(), 9).String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrNoRoute, dst, err)
	}
	defer func() { _ = conn.Close() }()

	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}

	return ap.Addr().Unmap(), nil
}

// InterfaceFor returns the name of the interface that owns addr.
func InterfaceFor(addr netip.Addr) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			var ip net.IP

			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if got, ok := netip.AddrFromSlice(ip); ok && got.Unmap() == addr.Unmap() {
				return iface.Name, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoInterface, addr)
}

// onLinkPrefixes keeps the interface networks a host can be reached on
// without a router.
func onLinkPrefixes(addrs []net.Addr) []netip.Prefix {
	var out []netip.Prefix

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}

		ip, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}

		ones, _ := ipn.Mask.Size()
		ip = ip.Unmap()

		if ip.Is4() && ones > 32 {
			ones -= 96
		}

		if ip.IsLoopback() || ones == ip.BitLen() {
			continue
		}

		out = append(out, netip.PrefixFrom(ip, ones).Masked())
	}

	return out
}

// NewDialer returns the connect-scan dialer, bound to src when it is set.
func NewDialer(src netip.Addr) *net.Dialer {
	d := &net.Dialer{}

	if src.IsValid() {
		d.LocalAddr = &net.TCPAddr{IP: src.AsSlice()}
	}

	return d
}
