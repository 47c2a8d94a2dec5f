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

package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultTTL is used when a spec leaves TTL unset.
const DefaultTTL = 64

var (
	serializeOptions = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	broadcastMAC     = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// networkLayer returns the IPv4 or IPv6 header for ip. Both addresses must
// belong to the same family.
func networkLayer(ip IPSpec, proto layers.IPProtocol) (gopacket.SerializableLayer, gopacket.NetworkLayer, error) {
	if !ip.Src.IsValid() || !ip.Dst.IsValid() {
		return nil, nil, ErrInvalidAddress
	}

	src, dst := ip.Src.Unmap(), ip.Dst.Unmap()
	if src.Is4() != dst.Is4() {
		return nil, nil, ErrAddressFamily
	}

	ttl := ip.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	if dst.Is4() {
		l := &layers.IPv4{
			Version:  4,
			TTL:      ttl,
			Id:       ip.ID,
			Protocol: proto,
			SrcIP:    addrToIP(src),
			DstIP:    addrToIP(dst),
		}

		if ip.DontFragment {
			l.Flags = layers.IPv4DontFragment
		}

		return l, l, nil
	}

	if proto == layers.IPProtocolICMPv4 {
		proto = layers.IPProtocolICMPv6
	}

	l := &layers.IPv6{
		Version:    6,
		HopLimit:   ttl,
		NextHeader: proto,
		SrcIP:      addrToIP(src),
		DstIP:      addrToIP(dst),
	}

	return l, l, nil
}

func serialize(l ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, l...); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}

	return buf.Bytes(), nil
}

// BuildTCP serialises an IPv4 or IPv6 TCP segment with valid checksums.
func BuildTCP(spec TCPSpec) ([]byte, error) {
	ipLayer, netLayer, err := networkLayer(spec.IP, layers.IPProtocolTCP)
	if err != nil {
		return nil, err
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(spec.SrcPort),
		DstPort: layers.TCPPort(spec.DstPort),
		Seq:     spec.Seq,
		Ack:     spec.Ack,
		Window:  spec.Window,
		FIN:     spec.Flags.Has(FlagFIN),
		SYN:     spec.Flags.Has(FlagSYN),
		RST:     spec.Flags.Has(FlagRST),
		PSH:     spec.Flags.Has(FlagPSH),
		ACK:     spec.Flags.Has(FlagACK),
		URG:     spec.Flags.Has(FlagURG),
		ECE:     spec.Flags.Has(FlagECE),
		CWR:     spec.Flags.Has(FlagCWR),
	}

	if spec.MSS != 0 {
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(spec.MSS >> 8), byte(spec.MSS)},
		}}
	}

	if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
		return nil, err
	}

	return serialize(ipLayer, tcp, gopacket.Payload(spec.Payload))
}

// BuildUDP serialises a UDP datagram carrying spec.Payload.
func BuildUDP(spec UDPSpec) ([]byte, error) {
	ipLayer, netLayer, err := networkLayer(spec.IP, layers.IPProtocolUDP)
	if err != nil {
		return nil, err
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(spec.SrcPort),
		DstPort: layers.UDPPort(spec.DstPort),
	}

	if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
		return nil, err
	}

	return serialize(ipLayer, udp, gopacket.Payload(spec.Payload))
}

// BuildICMP dispatches to BuildICMPv4 or BuildICMPv6 by address family.
func BuildICMP(spec ICMPSpec) ([]byte, error) {
	if spec.IP.Dst.Unmap().Is4() {
		return BuildICMPv4(spec)
	}

	return BuildICMPv6(spec)
}

// BuildICMPv4 serialises an ICMP message (echo, timestamp, unreachable...).
func BuildICMPv4(spec ICMPSpec) ([]byte, error) {
	if !spec.IP.Dst.Unmap().Is4() {
		return nil, ErrNotIPv4
	}

	ipLayer, _, err := networkLayer(spec.IP, layers.IPProtocolICMPv4)
	if err != nil {
		return nil, err
	}

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(spec.Type, spec.Code),
		Id:       spec.ID,
		Seq:      spec.Seq,
	}

	return serialize(ipLayer, icmp, gopacket.Payload(spec.Payload))
}

// BuildICMPv6 serialises an ICMPv6 message. Echo types carry ID and Seq.
func BuildICMPv6(spec ICMPSpec) ([]byte, error) {
	if spec.IP.Dst.Unmap().Is4() {
		return nil, ErrAddressFamily
	}

	ipLayer, netLayer, err := networkLayer(spec.IP, layers.IPProtocolICMPv6)
	if err != nil {
		return nil, err
	}

	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(spec.Type, spec.Code)}
	if err := icmp.SetNetworkLayerForChecksum(netLayer); err != nil {
		return nil, err
	}

	if spec.Type == ICMPv6EchoRequest || spec.Type == ICMPv6EchoReply {
		echo := &layers.ICMPv6Echo{Identifier: spec.ID, SeqNumber: spec.Seq}
		return serialize(ipLayer, icmp, echo, gopacket.Payload(spec.Payload))
	}

	return serialize(ipLayer, icmp, gopacket.Payload(spec.Payload))
}

// BuildARPRequest serialises a broadcast Ethernet ARP who-has frame.
func BuildARPRequest(spec ARPSpec) ([]byte, error) {
	src, dst := spec.SrcIP.Unmap(), spec.DstIP.Unmap()
	if !src.Is4() || !dst.Is4() {
		return nil, ErrNotIPv4
	}

	if len(spec.SrcMAC) != 6 {
		return nil, fmt.Errorf("%w: source MAC %q", ErrInvalidAddress, spec.SrcMAC)
	}

	srcIP, dstIP := src.As4(), dst.As4()

	eth := &layers.Ethernet{
		SrcMAC:       spec.SrcMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(spec.SrcMAC),
		SourceProtAddress: srcIP[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    dstIP[:],
	}

	return serialize(eth, arp)
}

// BuildNeighborSolicitation serialises an Ethernet/IPv6 neighbour
// solicitation addressed to the target's solicited-node multicast group.
func BuildNeighborSolicitation(spec NDPSpec) ([]byte, error) {
	if !spec.Src.Is6() || !spec.Target.Is6() || spec.Target.Is4In6() {
		return nil, fmt.Errorf("%w: neighbour discovery needs IPv6", ErrInvalidAddress)
	}

	if len(spec.SrcMAC) != 6 {
		return nil, fmt.Errorf("%w: source MAC %q", ErrInvalidAddress, spec.SrcMAC)
	}

	target := spec.Target.As16()
	group := netip.AddrFrom16([16]byte{
		0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xff, target[13], target[14], target[15],
	})

	eth := &layers.Ethernet{
		SrcMAC:       spec.SrcMAC,
		DstMAC:       net.HardwareAddr{0x33, 0x33, 0xff, target[13], target[14], target[15]},
		EthernetType: layers.EthernetTypeIPv6,
	}

	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      addrToIP(spec.Src),
		DstIP:      addrToIP(group),
	}

	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}

	ns := &layers.ICMPv6NeighborSolicitation{
		TargetAddress: net.IP(target[:]),
		Options: layers.ICMPv6Options{{
			Type: layers.ICMPv6OptSourceAddress,
			Data: []byte(spec.SrcMAC),
		}},
	}

	return serialize(eth, ip6, icmp, ns)
}
