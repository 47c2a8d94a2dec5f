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
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Parser decodes captured frames into Parsed values. A Parser reuses its
// layer storage between calls and must not be shared between goroutines.
type Parser struct {
	eth     layers.Ethernet
	vlan    layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	echo6   layers.ICMPv6Echo
	adv6    layers.ICMPv6NeighborAdvertisement
	arp     layers.ARP
	payload gopacket.Payload

	fromEthernet *gopacket.DecodingLayerParser
	fromIPv4     *gopacket.DecodingLayerParser
	fromIPv6     *gopacket.DecodingLayerParser

	decoded []gopacket.LayerType
}

// NewParser returns a Parser ready for use.
func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 8)}

	dl := []gopacket.DecodingLayer{
		&p.eth, &p.vlan, &p.ip4, &p.ip6, &p.tcp, &p.udp,
		&p.icmp4, &p.icmp6, &p.echo6, &p.adv6, &p.arp, &p.payload,
	}

	p.fromEthernet = newDecodingParser(layers.LayerTypeEthernet, dl)
	p.fromIPv4 = newDecodingParser(layers.LayerTypeIPv4, dl)
	p.fromIPv6 = newDecodingParser(layers.LayerTypeIPv6, dl)

	return p
}

func newDecodingParser(first gopacket.LayerType, dl []gopacket.DecodingLayer) *gopacket.DecodingLayerParser {
	dlp := gopacket.NewDecodingLayerParser(first, dl...)
	dlp.IgnoreUnsupported = true

	return dlp
}

// Parse decodes one packet with a throwaway Parser. Hot paths should keep
// a Parser per goroutine instead.
func Parse(data []byte, link LinkType) (*Parsed, error) {
	return NewParser().Parse(data, link)
}

// Parse decodes data. It never panics; truncated or garbled input returns
// ErrMalformed and packets without a recognised transport return
// ErrUnsupported.
func (p *Parser) Parse(data []byte, link LinkType) (*Parsed, error) {
	var dlp *gopacket.DecodingLayerParser

	switch link {
	case LinkEthernet:
		dlp = p.fromEthernet
	case LinkRaw:
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty datagram", ErrMalformed)
		}

		switch data[0] >> 4 {
		case 4:
			dlp = p.fromIPv4
		case 6:
			dlp = p.fromIPv6
		default:
			return nil, fmt.Errorf("%w: IP version %d", ErrMalformed, data[0]>>4)
		}
	default:
		return nil, fmt.Errorf("%w: link type %d", ErrUnsupported, link)
	}

	p.decoded = p.decoded[:0]
	if err := dlp.DecodeLayers(data, &p.decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return p.collect()
}

func (p *Parser) collect() (*Parsed, error) {
	out := &Parsed{}

	var (
		network   bool
		transport bool
		// raw ICMPv6 message, gopacket hands the body to the next layer
		icmp6Body []byte
	)

	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			network = true
			out.Src = ipToAddr(p.ip4.SrcIP)
			out.Dst = ipToAddr(p.ip4.DstIP)
			out.IPID = p.ip4.Id
			out.TTL = p.ip4.TTL
			out.Protocol = uint8(p.ip4.Protocol)
		case layers.LayerTypeIPv6:
			network = true
			out.Src = ipToAddr(p.ip6.SrcIP)
			out.Dst = ipToAddr(p.ip6.DstIP)
			out.TTL = p.ip6.HopLimit
			out.Protocol = uint8(p.ip6.NextHeader)
			icmp6Body = p.ip6.Payload
		case layers.LayerTypeTCP:
			transport = true
			out.Kind = KindTCP
			out.SrcPort = uint16(p.tcp.SrcPort)
			out.DstPort = uint16(p.tcp.DstPort)
			out.Seq = p.tcp.Seq
			out.Ack = p.tcp.Ack
			out.Window = p.tcp.Window
			out.Flags = tcpFlags(&p.tcp)
			out.PayloadLen = len(p.tcp.Payload)
		case layers.LayerTypeUDP:
			transport = true
			out.Kind = KindUDP
			out.SrcPort = uint16(p.udp.SrcPort)
			out.DstPort = uint16(p.udp.DstPort)
			out.PayloadLen = len(p.udp.Payload)
		case layers.LayerTypeICMPv4:
			transport = true
			out.Kind = KindICMPv4
			out.ICMPType = p.icmp4.TypeCode.Type()
			out.ICMPCode = p.icmp4.TypeCode.Code()
			out.ICMPID = p.icmp4.Id
			out.ICMPSeq = p.icmp4.Seq
			out.PayloadLen = len(p.icmp4.Payload)

			if isICMPv4Error(out.ICMPType) {
				out.Quoted = parseQuoted(p.icmp4.Payload)
			}
		case layers.LayerTypeICMPv6:
			transport = true
			out.Kind = KindICMPv6
			out.ICMPType = p.icmp6.TypeCode.Type()
			out.ICMPCode = p.icmp6.TypeCode.Code()

			if isICMPv6Error(out.ICMPType) && len(icmp6Body) > 8 {
				out.Quoted = parseQuoted(icmp6Body[8:])
			}
		case layers.LayerTypeICMPv6Echo:
			out.ICMPID = p.echo6.Identifier
			out.ICMPSeq = p.echo6.SeqNumber
		case layers.LayerTypeICMPv6NeighborAdvertisement:
			out.Kind = KindNDP
			out.Neighbor = neighborFromAdvert(&p.adv6)
		case layers.LayerTypeARP:
			if p.arp.Operation != layers.ARPReply || len(p.arp.SourceProtAddress) != 4 {
				return nil, fmt.Errorf("%w: ARP operation %d", ErrUnsupported, p.arp.Operation)
			}

			out.Kind = KindARP
			out.Neighbor = &Neighbor{
				IP:  netip.AddrFrom4([4]byte(p.arp.SourceProtAddress)),
				MAC: cloneMAC(p.arp.SourceHwAddress),
			}
			out.Src = out.Neighbor.IP

			return out, nil
		}
	}

	if !network {
		return nil, fmt.Errorf("%w: no IP layer", ErrUnsupported)
	}

	if !transport {
		return nil, fmt.Errorf("%w: IP protocol %d", ErrUnsupported, out.Protocol)
	}

	return out, nil
}

func tcpFlags(t *layers.TCP) TCPFlags {
	var f TCPFlags

	for _, b := range []struct {
		set  bool
		flag TCPFlags
	}{
		{t.FIN, FlagFIN}, {t.SYN, FlagSYN}, {t.RST, FlagRST}, {t.PSH, FlagPSH},
		{t.ACK, FlagACK}, {t.URG, FlagURG}, {t.ECE, FlagECE}, {t.CWR, FlagCWR},
	} {
		if b.set {
			f |= b.flag
		}
	}

	return f
}

func isICMPv4Error(t uint8) bool {
	switch t {
	case ICMPv4Unreachable, ICMPv4TimeExceeded, 4, 5, 12:
		return true
	}

	return false
}

func isICMPv6Error(t uint8) bool {
	return t >= ICMPv6Unreachable && t <= 4
}

func neighborFromAdvert(na *layers.ICMPv6NeighborAdvertisement) *Neighbor {
	n := &Neighbor{IP: ipToAddr(na.TargetAddress)}

	for _, opt := range na.Options {
		if opt.Type == layers.ICMPv6OptTargetAddress && len(opt.Data) >= 6 {
			n.MAC = cloneMAC(opt.Data[:6])
			break
		}
	}

	return n
}

func cloneMAC(b []byte) net.HardwareAddr {
	return append(net.HardwareAddr(nil), b...)
}

// parseQuoted reads the IP header and leading transport bytes echoed in an
// ICMP error. RFC 792 only guarantees 8 transport bytes, so the transport
// header is read by hand rather than through a full decoder.
func parseQuoted(b []byte) *Quoted {
	if len(b) == 0 {
		return nil
	}

	var (
		q         Quoted
		transport []byte
	)

	switch b[0] >> 4 {
	case 4:
		if len(b) < 20 {
			return nil
		}

		ihl := int(b[0]&0x0f) * 4
		if ihl < 20 || len(b) < ihl {
			return nil
		}

		q.IPID = binary.BigEndian.Uint16(b[4:6])
		q.Protocol = b[9]
		q.Src = netip.AddrFrom4([4]byte(b[12:16]))
		q.Dst = netip.AddrFrom4([4]byte(b[16:20]))
		transport = b[ihl:]
	case 6:
		if len(b) < 40 {
			return nil
		}

		q.Protocol = b[6]
		q.Src = netip.AddrFrom16([16]byte(b[8:24]))
		q.Dst = netip.AddrFrom16([16]byte(b[24:40]))
		transport = b[40:]
	default:
		return nil
	}

	switch q.Protocol {
	case ProtoTCP, ProtoUDP:
		if len(transport) >= 4 {
			q.SrcPort = binary.BigEndian.Uint16(transport[0:2])
			q.DstPort = binary.BigEndian.Uint16(transport[2:4])
		}

		if q.Protocol == ProtoTCP && len(transport) >= 8 {
			q.Seq = binary.BigEndian.Uint32(transport[4:8])
			q.HasSeq = true
		}
	case ProtoICMP, ProtoICMPv6:
		if len(transport) >= 8 {
			q.Seq = binary.BigEndian.Uint32(transport[4:8])
			q.HasSeq = true
		}
	}

	return &q
}
