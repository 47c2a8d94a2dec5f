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

package prober

import (
	"net/netip"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
)

// timestampLen is the originate, receive and transmit fields of an ICMP
// timestamp message.
const timestampLen = 12

// hostTechnique is the tag domain of host-discovery probes. It is not a
// declared technique, so discovery tags never equal a port probe's.
const hostTechnique models.Technique = 0

// CraftEcho builds an ICMP or ICMPv6 echo request whose identifier and
// sequence number carry the tag.
func (p *Prober) CraftEcho(addr netip.Addr) (ProbeDescriptor, error) {
	typ := packet.ICMPv4EchoRequest
	if !addr.Unmap().Is4() {
		typ = packet.ICMPv6EchoRequest
	}

	return p.craftHost(addr, typ, nil)
}

// CraftTimestamp builds an ICMP timestamp request, which some hosts answer
// while dropping echo. It is IPv4 only.
func (p *Prober) CraftTimestamp(addr netip.Addr) (ProbeDescriptor, error) {
	if !addr.Unmap().Is4() {
		return ProbeDescriptor{}, packet.ErrNotIPv4
	}

	return p.craftHost(addr, packet.ICMPv4TimestampRequest, make([]byte, timestampLen))
}

func (p *Prober) craftHost(addr netip.Addr, typ uint8, payload []byte) (ProbeDescriptor, error) {
	src, err := p.Source(addr)
	if err != nil {
		return ProbeDescriptor{}, err
	}

	dst := addr.Unmap()
	tag := p.Tag(dst, 0, hostTechnique)

	b, err := packet.BuildICMP(packet.ICMPSpec{
		IP:      packet.IPSpec{Src: src, Dst: dst, TTL: p.cfg.TTL, ID: ipID(tag)},
		Type:    typ,
		ID:      uint16(tag >> 16),
		Seq:     uint16(tag),
		Payload: payload,
	})
	if err != nil {
		return ProbeDescriptor{}, err
	}

	return ProbeDescriptor{
		Target: models.Target{Addr: dst, Protocol: models.ProtocolICMP},
		Source: src,
		Tag:    tag,
		Bytes:  b,
	}, nil
}

// ValidateEcho returns the responding host for a genuine echo or timestamp
// reply.
func (p *Prober) ValidateEcho(pk *packet.Parsed) (netip.Addr, bool) {
	answer := pk.IsEchoReply() || (pk.Kind == packet.KindICMPv4 && pk.ICMPType == packet.ICMPv4TimestampReply)
	if !answer || !p.isLocal(pk.Dst) {
		p.dropped.Add(1)
		return netip.Addr{}, false
	}

	tag := p.Tag(pk.Src, 0, hostTechnique)
	if pk.ICMPID != uint16(tag>>16) || pk.ICMPSeq != uint16(tag) {
		p.dropped.Add(1)
		return netip.Addr{}, false
	}

	return pk.Src, true
}
