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

//go:build cgo

package rawsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/carverauto/sweepcore/pkg/engine"
	"github.com/carverauto/sweepcore/pkg/packet"
)

var _ engine.LinkTransmitter = (*pcapCapture)(nil)

type pcapCapture struct {
	handle *pcap.Handle
	link   packet.LinkType
	filter string

	// mac and prefixes are empty when the interface could not be read;
	// OnLink then reports false and discovery falls back to ICMP.
	mac      net.HardwareAddr
	prefixes []netip.Prefix

	mu     sync.Mutex
	closed bool
}

func openPcap(cfg CaptureConfig) (engine.Receiver, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("%w: pcap capture needs an interface", engine.ErrResourceFatal)
	}

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: pcap %s: %w", engine.ErrResourceFatal, cfg.Interface, err)
	}
	defer inactive.CleanUp()

	for _, set := range []func() error{
		func() error { return inactive.SetSnapLen(defaultSnapLen) },
		func() error { return inactive.SetPromisc(false) },
		func() error { return inactive.SetTimeout(cfg.ReadTimeout) },
		func() error { return inactive.SetImmediateMode(true) },
	} {
		if err := set(); err != nil {
			return nil, fmt.Errorf("%w: pcap %s: %w", engine.ErrResourceFatal, cfg.Interface, err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("%w: pcap %s: %w", engine.ErrResourceFatal, cfg.Interface, err)
	}

	link, err := linkFor(handle.LinkType())
	if err != nil {
		handle.Close()

		return nil, fmt.Errorf("%w: %s: %w", engine.ErrResourceFatal, cfg.Interface, err)
	}

	if cfg.Filter != "" {
		if err := handle.SetBPFFilter(cfg.Filter); err != nil {
			handle.Close()

			return nil, fmt.Errorf("%w: filter %q: %w", engine.ErrResourceFatal, cfg.Filter, err)
		}
	}

	cfg.Logger.Info().
		Str("interface", cfg.Interface).
		Str("filter", cfg.Filter).
		Str("link", handle.LinkType().String()).
		Msg("Pcap capture opened")

	c := &pcapCapture{handle: handle, link: link, filter: cfg.Filter}

	if iface, err := net.InterfaceByName(cfg.Interface); err == nil {
		c.mac = iface.HardwareAddr

		if addrs, err := iface.Addrs(); err == nil {
			c.prefixes = onLinkPrefixes(addrs)
		}
	} else {
		cfg.Logger.Warn().Err(err).Str("interface", cfg.Interface).Msg("Interface lookup failed, link-layer discovery disabled")
	}

	return c, nil
}

func linkFor(lt layers.LinkType) (packet.LinkType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return packet.LinkEthernet, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return packet.LinkRaw, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedLink, lt)
	}
}

func (c *pcapCapture) Recv(ctx context.Context) (engine.Captured, error) {
	for {
		if err := ctx.Err(); err != nil {
			return engine.Captured{}, err
		}

		data, ci, err := c.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}

			return engine.Captured{}, classify(err)
		}

		return engine.Captured{Data: data, Link: c.link, Timestamp: ci.Timestamp}, nil
	}
}

func (c *pcapCapture) Filter() string { return c.filter }

// SendFrame injects a complete link-layer frame.
func (c *pcapCapture) SendFrame(frame []byte) error {
	if c.link != packet.LinkEthernet {
		return ErrUnsupportedLink
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return net.ErrClosed
	}

	if err := c.handle.WritePacketData(frame); err != nil {
		return classify(err)
	}

	return nil
}

func (c *pcapCapture) HardwareAddr() net.HardwareAddr { return c.mac }

func (c *pcapCapture) OnLink(addr netip.Addr) bool {
	if c.link != packet.LinkEthernet || len(c.mac) != 6 {
		return false
	}

	addr = addr.Unmap()

	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

func (c *pcapCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.handle.Close()
	}

	return nil
}
