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
	"math/rand"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sweepcore/internal/fastsum"
	"github.com/carverauto/sweepcore/pkg/models"
)

var (
	src4 = netip.MustParseAddr("192.0.2.10")
	dst4 = netip.MustParseAddr("198.51.100.7")
	src6 = netip.MustParseAddr("2001:db8::10")
	dst6 = netip.MustParseAddr("2001:db8::7")
	mac  = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}

	broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func synSpec() TCPSpec {
	return TCPSpec{
		IP:      IPSpec{Src: src4, Dst: dst4, ID: 0x1234},
		SrcPort: 40000,
		DstPort: 443,
		Seq:     0xdeadbeef,
		Flags:   FlagSYN,
		Window:  1024,
		MSS:     1460,
	}
}

func TestBuildTCPRoundTrip(t *testing.T) {
	pkt, err := BuildTCP(synSpec())
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)

	assert.Equal(t, KindTCP, p.Kind)
	assert.Equal(t, src4, p.Src)
	assert.Equal(t, dst4, p.Dst)
	assert.Equal(t, uint16(0x1234), p.IPID)
	assert.Equal(t, uint8(DefaultTTL), p.TTL)
	assert.Equal(t, uint16(40000), p.SrcPort)
	assert.Equal(t, uint16(443), p.DstPort)
	assert.Equal(t, uint32(0xdeadbeef), p.Seq)
	assert.Equal(t, FlagSYN, p.Flags)
	assert.Equal(t, uint16(1024), p.Window)

	assert.True(t, fastsum.Verify(0, pkt[:20]), "IPv4 header checksum")

	tcp := pkt[20:]
	pseudo := fastsum.PseudoV4(src4.As4(), dst4.As4(), ProtoTCP, len(tcp))
	assert.True(t, fastsum.Verify(pseudo, tcp), "TCP checksum")
}

func TestBuildTCPFlagsPerTechnique(t *testing.T) {
	for _, tech := range models.AllTechniques() {
		if tech.Protocol() != models.ProtocolTCP {
			continue
		}

		spec := synSpec()
		spec.MSS = 0
		spec.Flags = FlagsFor(tech)

		pkt, err := BuildTCP(spec)
		require.NoError(t, err, tech.String())

		p, err := Parse(pkt, LinkRaw)
		require.NoError(t, err, tech.String())
		assert.Equal(t, FlagsFor(tech), p.Flags, tech.String())
	}

	assert.Equal(t, FlagFIN|FlagPSH|FlagURG, FlagsFor(models.TechniqueXmas))
	assert.Equal(t, TCPFlags(0), FlagsFor(models.TechniqueNULL))
	assert.Equal(t, FlagFIN|FlagACK, FlagsFor(models.TechniqueMaimon))
}

func TestBuildTCPv6(t *testing.T) {
	spec := synSpec()
	spec.IP = IPSpec{Src: src6, Dst: dst6, TTL: 50}

	pkt, err := BuildTCP(spec)
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	assert.Equal(t, KindTCP, p.Kind)
	assert.Equal(t, dst6, p.Dst)
	assert.Equal(t, uint8(50), p.TTL)

	tcp := pkt[40:]
	pseudo := fastsum.PseudoV6(src6.As16(), dst6.As16(), ProtoTCP, len(tcp))
	assert.True(t, fastsum.Verify(pseudo, tcp))
}

func TestBuildRejectsBadAddresses(t *testing.T) {
	spec := synSpec()
	spec.IP.Dst = dst6

	_, err := BuildTCP(spec)
	require.ErrorIs(t, err, ErrAddressFamily)

	spec.IP.Dst = netip.Addr{}
	_, err = BuildTCP(spec)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestBuildUDP(t *testing.T) {
	pkt, err := BuildUDP(UDPSpec{
		IP:      IPSpec{Src: src4, Dst: dst4, ID: 7},
		SrcPort: 53000,
		DstPort: 53,
		Payload: []byte{0xab, 0xcd, 0x01, 0x00},
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	assert.Equal(t, KindUDP, p.Kind)
	assert.Equal(t, uint16(53000), p.SrcPort)
	assert.Equal(t, uint16(53), p.DstPort)
	assert.Equal(t, 4, p.PayloadLen)
}

func TestBuildICMPEcho(t *testing.T) {
	pkt, err := BuildICMP(ICMPSpec{
		IP:   IPSpec{Src: src4, Dst: dst4},
		Type: ICMPv4EchoRequest,
		ID:   0x4242,
		Seq:  9,
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	assert.Equal(t, KindICMPv4, p.Kind)
	assert.Equal(t, ICMPv4EchoRequest, p.ICMPType)
	assert.Equal(t, uint16(0x4242), p.ICMPID)
	assert.Equal(t, uint16(9), p.ICMPSeq)
	assert.False(t, p.IsEchoReply())

	pkt, err = BuildICMP(ICMPSpec{
		IP:   IPSpec{Src: src6, Dst: dst6},
		Type: ICMPv6EchoReply,
		ID:   0x4242,
		Seq:  10,
	})
	require.NoError(t, err)

	p, err = Parse(pkt, LinkRaw)
	require.NoError(t, err)
	assert.Equal(t, KindICMPv6, p.Kind)
	assert.Equal(t, ICMPv6EchoReply, p.ICMPType)
	assert.Equal(t, uint16(0x4242), p.ICMPID)
	assert.Equal(t, uint16(10), p.ICMPSeq)
	assert.True(t, p.IsEchoReply())
}

func TestBuildICMPTimestamp(t *testing.T) {
	pkt, err := BuildICMPv4(ICMPSpec{
		IP:      IPSpec{Src: src4, Dst: dst4},
		Type:    ICMPv4TimestampRequest,
		ID:      7,
		Seq:     1,
		Payload: make([]byte, 12),
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	assert.Equal(t, ICMPv4TimestampRequest, p.ICMPType)
	assert.Equal(t, 12, p.PayloadLen)
	assert.Nil(t, p.Quoted)

	_, err = BuildICMPv4(ICMPSpec{IP: IPSpec{Src: src6, Dst: dst6}, Type: ICMPv4EchoRequest})
	require.ErrorIs(t, err, ErrNotIPv4)
}

func TestParseQuotedUnreachable(t *testing.T) {
	probe, err := BuildUDP(UDPSpec{
		IP:      IPSpec{Src: src4, Dst: dst4, ID: 0x0102},
		SrcPort: 52001,
		DstPort: 161,
	})
	require.NoError(t, err)

	// Routers only have to quote the IP header plus 8 bytes.
	pkt, err := BuildICMPv4(ICMPSpec{
		IP:      IPSpec{Src: dst4, Dst: src4},
		Type:    ICMPv4Unreachable,
		Code:    ICMPv4PortUnreach,
		Payload: probe[:28],
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	require.True(t, p.IsPortUnreachable())
	require.NotNil(t, p.Quoted)

	assert.Equal(t, src4, p.Quoted.Src)
	assert.Equal(t, dst4, p.Quoted.Dst)
	assert.Equal(t, ProtoUDP, p.Quoted.Protocol)
	assert.Equal(t, uint16(0x0102), p.Quoted.IPID)
	assert.Equal(t, uint16(52001), p.Quoted.SrcPort)
	assert.Equal(t, uint16(161), p.Quoted.DstPort)
}

func TestParseQuotedTCPSeq(t *testing.T) {
	probe, err := BuildTCP(synSpec())
	require.NoError(t, err)

	pkt, err := BuildICMPv4(ICMPSpec{
		IP:      IPSpec{Src: dst4, Dst: src4},
		Type:    ICMPv4Unreachable,
		Code:    13,
		Payload: probe[:28],
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	require.NotNil(t, p.Quoted)
	assert.True(t, p.IsUnreachable())
	assert.False(t, p.IsPortUnreachable())
	assert.True(t, p.Quoted.HasSeq)
	assert.Equal(t, uint32(0xdeadbeef), p.Quoted.Seq)
}

func TestParseQuotedV6(t *testing.T) {
	probe, err := BuildUDP(UDPSpec{
		IP:      IPSpec{Src: src6, Dst: dst6},
		SrcPort: 50000,
		DstPort: 123,
	})
	require.NoError(t, err)

	pkt, err := BuildICMPv6(ICMPSpec{
		IP:      IPSpec{Src: dst6, Dst: src6},
		Type:    ICMPv6Unreachable,
		Code:    ICMPv6PortUnreach,
		Payload: append(make([]byte, 4), probe...),
	})
	require.NoError(t, err)

	p, err := Parse(pkt, LinkRaw)
	require.NoError(t, err)
	require.True(t, p.IsPortUnreachable())
	require.NotNil(t, p.Quoted)
	assert.Equal(t, dst6, p.Quoted.Dst)
	assert.Equal(t, uint16(50000), p.Quoted.SrcPort)
	assert.Equal(t, uint16(123), p.Quoted.DstPort)
}

func TestParseEthernet(t *testing.T) {
	ipPkt, err := BuildTCP(synSpec())
	require.NoError(t, err)

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.Ethernet{SrcMAC: mac, DstMAC: broadcast, EthernetType: layers.EthernetTypeIPv4},
		gopacket.Payload(ipPkt),
	))

	p, err := Parse(buf.Bytes(), LinkEthernet)
	require.NoError(t, err)
	assert.Equal(t, KindTCP, p.Kind)
	assert.Equal(t, uint16(443), p.DstPort)
}

func TestARP(t *testing.T) {
	req, err := BuildARPRequest(ARPSpec{SrcMAC: mac, SrcIP: src4, DstIP: dst4})
	require.NoError(t, err)
	assert.Equal(t, []byte(broadcast), req[0:6])

	// Requests seen on the capture are other hosts' chatter, not answers.
	_, err = Parse(req, LinkEthernet)
	require.ErrorIs(t, err, ErrUnsupported)
	assert.NotErrorIs(t, err, ErrMalformed)

	peer := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x99}
	d4, s4 := dst4.As4(), src4.As4()

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOptions,
		&layers.Ethernet{SrcMAC: peer, DstMAC: mac, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   peer,
			SourceProtAddress: d4[:],
			DstHwAddress:      mac,
			DstProtAddress:    s4[:],
		},
	))

	p, err := Parse(buf.Bytes(), LinkEthernet)
	require.NoError(t, err)
	assert.Equal(t, KindARP, p.Kind)
	assert.Equal(t, dst4, p.Src)
	require.NotNil(t, p.Neighbor)
	assert.Equal(t, dst4, p.Neighbor.IP)
	assert.Equal(t, peer, p.Neighbor.MAC)

	_, err = BuildARPRequest(ARPSpec{SrcMAC: mac, SrcIP: src6, DstIP: dst6})
	require.ErrorIs(t, err, ErrNotIPv4)

	_, err = BuildARPRequest(ARPSpec{SrcMAC: mac[:4], SrcIP: src4, DstIP: dst4})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNeighborSolicitation(t *testing.T) {
	frame, err := BuildNeighborSolicitation(NDPSpec{SrcMAC: mac, Src: src6, Target: dst6})
	require.NoError(t, err)

	p, err := Parse(frame, LinkEthernet)
	require.NoError(t, err)
	assert.Equal(t, KindICMPv6, p.Kind)
	assert.Equal(t, ICMPv6NeighborSol, p.ICMPType)
	assert.Equal(t, netip.MustParseAddr("ff02::1:ff00:7"), p.Dst)
	assert.Equal(t, net.HardwareAddr{0x33, 0x33, 0xff, 0x00, 0x00, 0x07}, net.HardwareAddr(frame[0:6]))

	_, err = BuildNeighborSolicitation(NDPSpec{SrcMAC: mac, Src: src4, Target: dst4})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestNeighborAdvertisement(t *testing.T) {
	peer := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x77}

	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      net.IP(dst6.AsSlice()),
		DstIP:      net.IP(src6.AsSlice()),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip6))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOptions,
		&layers.Ethernet{SrcMAC: peer, DstMAC: mac, EthernetType: layers.EthernetTypeIPv6},
		ip6, icmp,
		&layers.ICMPv6NeighborAdvertisement{
			Flags:         0x60,
			TargetAddress: net.IP(dst6.AsSlice()),
			Options: layers.ICMPv6Options{{
				Type: layers.ICMPv6OptTargetAddress,
				Data: []byte(peer),
			}},
		},
	))

	p, err := Parse(buf.Bytes(), LinkEthernet)
	require.NoError(t, err)
	assert.Equal(t, KindNDP, p.Kind)
	assert.Equal(t, ICMPv6NeighborAdv, p.ICMPType)
	require.NotNil(t, p.Neighbor)
	assert.Equal(t, dst6, p.Neighbor.IP)
	assert.Equal(t, peer, p.Neighbor.MAC)
}

func TestParseNeverPanics(t *testing.T) {
	var samples [][]byte

	tcp, err := BuildTCP(synSpec())
	require.NoError(t, err)
	samples = append(samples, tcp)

	probe, err := BuildUDP(UDPSpec{IP: IPSpec{Src: src4, Dst: dst4}, SrcPort: 1, DstPort: 2})
	require.NoError(t, err)

	icmp, err := BuildICMPv4(ICMPSpec{
		IP: IPSpec{Src: dst4, Dst: src4}, Type: ICMPv4Unreachable, Code: 3, Payload: probe,
	})
	require.NoError(t, err)
	samples = append(samples, icmp)

	frame := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(frame, gopacket.SerializeOptions{},
		&layers.Ethernet{SrcMAC: mac, DstMAC: broadcast, EthernetType: layers.EthernetTypeIPv4},
		gopacket.Payload(tcp),
	))

	eth := frame.Bytes()

	p := NewParser()

	for _, s := range samples {
		for n := 0; n <= len(s); n++ {
			require.NotPanics(t, func() { _, _ = p.Parse(s[:n], LinkRaw) })
		}
	}

	for n := 0; n <= len(eth); n++ {
		require.NotPanics(t, func() { _, _ = p.Parse(eth[:n], LinkEthernet) })
	}

	rng := rand.New(rand.NewSource(1))
	junk := make([]byte, 128)

	for i := 0; i < 2000; i++ {
		n := rng.Intn(len(junk))
		rng.Read(junk[:n])

		if n > 0 && i%2 == 0 {
			junk[0] = 0x45
		}

		require.NotPanics(t, func() { _, _ = p.Parse(junk[:n], LinkRaw) })
		require.NotPanics(t, func() { _, _ = p.Parse(junk[:n], LinkEthernet) })
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil, LinkRaw)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Parse([]byte{0x10, 0, 0, 0}, LinkRaw)
	require.ErrorIs(t, err, ErrMalformed)

	tcp, err := BuildTCP(synSpec())
	require.NoError(t, err)

	_, err = Parse(tcp[:12], LinkRaw)
	require.Error(t, err)

	// GRE is decoded by nobody here.
	gre := append([]byte(nil), tcp[:20]...)
	gre[9] = 47
	binary.BigEndian.PutUint16(gre[2:4], 20)
	_, err = Parse(gre, LinkRaw)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestFragment(t *testing.T) {
	spec := synSpec()
	spec.Payload = make([]byte, 50)

	for i := range spec.Payload {
		spec.Payload[i] = byte(i)
	}

	pkt, err := BuildTCP(spec)
	require.NoError(t, err)

	frags, err := Fragment(pkt, 16)
	require.NoError(t, err)

	transport := pkt[20:]
	require.Len(t, frags, (len(transport)+15)/16)

	var joined []byte

	for i, f := range frags {
		assert.True(t, fastsum.Verify(0, f[:20]), "fragment %d header checksum", i)
		assert.Equal(t, uint16(len(f)), binary.BigEndian.Uint16(f[2:4]))

		fo := binary.BigEndian.Uint16(f[6:8])
		assert.Equal(t, uint16(i*2), fo&ipv4OffsetMk)
		assert.Equal(t, i < len(frags)-1, fo&ipv4FlagMF != 0)
		assert.Equal(t, pkt[4:6], f[4:6], "fragments share the IP ID")

		joined = append(joined, f[20:]...)
	}

	assert.Equal(t, transport, joined)
}

func TestFragmentErrors(t *testing.T) {
	pkt, err := BuildTCP(synSpec())
	require.NoError(t, err)

	_, err = Fragment(pkt, 12)
	require.ErrorIs(t, err, ErrFragmentSize)

	_, err = Fragment(pkt, 0)
	require.ErrorIs(t, err, ErrFragmentSize)

	single, err := Fragment(pkt, 1024)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, pkt, single[0])

	df := synSpec()
	df.IP.DontFragment = true
	pkt, err = BuildTCP(df)
	require.NoError(t, err)

	_, err = Fragment(pkt, 8)
	require.ErrorIs(t, err, ErrDontFragment)

	spec6 := synSpec()
	spec6.IP = IPSpec{Src: src6, Dst: dst6}
	pkt, err = BuildTCP(spec6)
	require.NoError(t, err)

	_, err = Fragment(pkt, 8)
	require.ErrorIs(t, err, ErrNotIPv4)
}

func TestTCPTemplateMatchesBuild(t *testing.T) {
	base := synSpec()
	base.IP.Dst = netip.Addr{}

	tmpl, err := NewTCPTemplate(base)
	require.NoError(t, err)

	buf := make([]byte, 0, tmpl.Len())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		var d [4]byte
		binary.BigEndian.PutUint32(d[:], rng.Uint32())

		f := TCPFields{
			Dst:     netip.AddrFrom4(d),
			ID:      uint16(rng.Uint32()),
			SrcPort: uint16(rng.Uint32()),
			DstPort: uint16(rng.Uint32()),
			Seq:     rng.Uint32(),
			Ack:     rng.Uint32(),
			Flags:   TCPFlags(rng.Intn(256)),
		}

		got, err := tmpl.Render(buf, f)
		require.NoError(t, err)

		want := base
		want.IP.Dst = f.Dst
		want.IP.ID = f.ID
		want.SrcPort, want.DstPort = f.SrcPort, f.DstPort
		want.Seq, want.Ack, want.Flags = f.Seq, f.Ack, f.Flags

		exp, err := BuildTCP(want)
		require.NoError(t, err)
		require.Equal(t, exp, got, "iteration %d", i)
	}

	_, err = tmpl.Render(nil, TCPFields{Dst: dst6})
	require.ErrorIs(t, err, ErrNotIPv4)
}

func BenchmarkBuildTCP(b *testing.B) {
	spec := synSpec()

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := BuildTCP(spec); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTCPTemplateRender(b *testing.B) {
	tmpl, err := NewTCPTemplate(synSpec())
	if err != nil {
		b.Fatal(err)
	}

	buf := make([]byte, tmpl.Len())
	f := TCPFields{Dst: dst4, SrcPort: 40000, DstPort: 443, Flags: FlagSYN}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		f.Seq = uint32(i)

		if _, err := tmpl.Render(buf, f); err != nil {
			b.Fatal(err)
		}
	}
}
