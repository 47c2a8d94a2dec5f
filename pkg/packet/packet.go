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

// Package packet builds and parses the link, network and transport frames
// used by the scan engine. It performs no I/O.
package packet

import (
	"errors"
	"net"
	"net/netip"

	"github.com/carverauto/sweepcore/pkg/models"
)

var (
	ErrMalformed      = errors.New("malformed packet")
	ErrUnsupported    = errors.New("unsupported packet")
	ErrAddressFamily  = errors.New("source and destination address families differ")
	ErrInvalidAddress = errors.New("invalid address")
	ErrFragmentSize   = errors.New("fragment size must be a positive multiple of 8")
	ErrDontFragment   = errors.New("packet has the don't-fragment bit set")
	ErrNotIPv4        = errors.New("not IPv4")
)

// LinkType describes the framing of captured bytes.
type LinkType uint8

const (
	// LinkRaw is a bare IPv4 or IPv6 datagram.
	LinkRaw LinkType = iota
	// LinkEthernet is an Ethernet II frame.
	LinkEthernet
)

// IP protocol numbers.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// TCPFlags is the TCP control-bit byte.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether every bit in mask is set.
func (f TCPFlags) Has(mask TCPFlags) bool {
	return f&mask == mask
}

// FlagsFor returns the control bits a probe of technique t carries.
func FlagsFor(t models.Technique) TCPFlags {
	switch t {
	case models.TechniqueSYN, models.TechniqueConnect, models.TechniqueIdle:
		return FlagSYN
	case models.TechniqueFIN:
		return FlagFIN
	case models.TechniqueNULL:
		return 0
	case models.TechniqueXmas:
		return FlagFIN | FlagPSH | FlagURG
	case models.TechniqueACK, models.TechniqueWindow:
		return FlagACK
	case models.TechniqueMaimon:
		return FlagFIN | FlagACK
	default:
		return 0
	}
}

// Kind is the innermost decoded layer of a parsed packet.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTCP
	KindUDP
	KindICMPv4
	KindICMPv6
	// KindARP is an ARP reply; Neighbor holds the answer.
	KindARP
	// KindNDP is an IPv6 neighbour advertisement.
	KindNDP
)

// IPSpec holds the network-layer fields common to every crafted probe.
// Src may be any address, which is how idle-scan and decoy probes forge
// their origin.
type IPSpec struct {
	Src          netip.Addr
	Dst          netip.Addr
	TTL          uint8
	ID           uint16
	DontFragment bool
}

// TCPSpec describes a TCP segment.
type TCPSpec struct {
	IP      IPSpec
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
	// MSS adds a maximum-segment-size option when non-zero.
	MSS     uint16
	Payload []byte
}

// UDPSpec describes a UDP datagram. Payload is the protocol-specific probe
// body (DNS query, SNMP get, ...) chosen by the caller.
type UDPSpec struct {
	IP      IPSpec
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ICMPSpec describes an ICMP or ICMPv6 message.
type ICMPSpec struct {
	IP      IPSpec
	Type    uint8
	Code    uint8
	ID      uint16
	Seq     uint16
	Payload []byte
}

// ICMP types and codes used by the engine.
const (
	ICMPv4EchoReply        uint8 = 0
	ICMPv4Unreachable      uint8 = 3
	ICMPv4EchoRequest      uint8 = 8
	ICMPv4TimeExceeded     uint8 = 11
	ICMPv4TimestampRequest uint8 = 13
	ICMPv4TimestampReply   uint8 = 14
	ICMPv4PortUnreach      uint8 = 3

	ICMPv6Unreachable uint8 = 1
	ICMPv6EchoRequest uint8 = 128
	ICMPv6EchoReply   uint8 = 129
	ICMPv6NeighborSol uint8 = 135
	ICMPv6NeighborAdv uint8 = 136
	ICMPv6PortUnreach uint8 = 4
)

// ARPSpec describes an ARP who-has request.
type ARPSpec struct {
	SrcMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstIP  netip.Addr
}

// NDPSpec describes an IPv6 neighbour solicitation.
type NDPSpec struct {
	SrcMAC net.HardwareAddr
	Src    netip.Addr
	Target netip.Addr
}

// Neighbor is a resolved link-layer address from ARP or NDP.
type Neighbor struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// Quoted is the offending datagram header an ICMP error carries.
type Quoted struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	IPID     uint16
	SrcPort  uint16
	DstPort  uint16
	// Seq is only meaningful for TCP and ICMP echo (id<<16|seq).
	Seq    uint32
	HasSeq bool
}

// Parsed is the decoded view of one captured packet.
type Parsed struct {
	Kind     Kind
	Src      netip.Addr
	Dst      netip.Addr
	IPID     uint16
	TTL      uint8
	Protocol uint8

	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16

	ICMPType uint8
	ICMPCode uint8
	ICMPID   uint16
	ICMPSeq  uint16

	Quoted   *Quoted
	Neighbor *Neighbor

	PayloadLen int
}

// IsUnreachable reports whether the packet is an ICMP or ICMPv6
// destination-unreachable error.
func (p *Parsed) IsUnreachable() bool {
	switch p.Kind {
	case KindICMPv4:
		return p.ICMPType == ICMPv4Unreachable
	case KindICMPv6:
		return p.ICMPType == ICMPv6Unreachable
	}

	return false
}

// IsEchoReply reports an ICMP or ICMPv6 echo reply.
func (p *Parsed) IsEchoReply() bool {
	return (p.Kind == KindICMPv4 && p.ICMPType == ICMPv4EchoReply) ||
		(p.Kind == KindICMPv6 && p.ICMPType == ICMPv6EchoReply)
}

// IsPortUnreachable reports an ICMP port-unreachable, the closed-port
// signal for UDP.
func (p *Parsed) IsPortUnreachable() bool {
	switch p.Kind {
	case KindICMPv4:
		return p.ICMPType == ICMPv4Unreachable && p.ICMPCode == ICMPv4PortUnreach
	case KindICMPv6:
		return p.ICMPType == ICMPv6Unreachable && p.ICMPCode == ICMPv6PortUnreach
	}

	return false
}

// ReportsFiltering reports whether a destination-unreachable error says
// the probed port is blocked: host, protocol or port unreachable, or
// administratively prohibited. Codes such as network unreachable or
// fragmentation needed say nothing about the port.
func (p *Parsed) ReportsFiltering() bool {
	switch p.Kind {
	case KindICMPv4:
		if p.ICMPType != ICMPv4Unreachable {
			return false
		}

		switch p.ICMPCode {
		case 1, 2, 3, 9, 10, 13:
			return true
		}
	case KindICMPv6:
		if p.ICMPType != ICMPv6Unreachable {
			return false
		}

		// prohibited, address, port, policy fail, reject route
		switch p.ICMPCode {
		case 1, 3, 4, 5, 6:
			return true
		}
	}

	return false
}

func addrToIP(a netip.Addr) net.IP {
	return net.IP(a.AsSlice())
}

func ipToAddr(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}

	return a.Unmap()
}
