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

// Package prober crafts stateless probes whose authenticity is carried in a
// keyed tag, and validates responses by recomputing that tag.
package prober

import (
	"errors"
	"fmt"
	"hash"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
)

const (
	// DefaultSourcePort is the base of the per-technique TCP source ports.
	DefaultSourcePort = 40000
	// DefaultWindow is the window advertised by crafted TCP probes.
	DefaultWindow = 1024
	// DefaultMSS is the MSS option carried by crafted TCP probes.
	DefaultMSS = 1460

	udpPortBase  = 49152
	udpPortRange = 16384
)

var (
	ErrNoSource          = errors.New("no source address for target family")
	ErrNotRaw            = errors.New("technique does not craft packets")
	ErrSourcePortOverlap = errors.New("source port range overlaps the UDP tag range")
)

// Config holds the session-wide probe parameters.
type Config struct {
	Key     Key
	Source4 netip.Addr
	Source6 netip.Addr
	// SourcePort is the base TCP source port; technique t uses
	// SourcePort+t so replies identify the technique by destination port.
	SourcePort uint16
	TTL        uint8
	Window     uint16
	MSS        uint16
	// UDPPayloads overrides the per-port UDP probe bodies.
	UDPPayloads map[uint16][]byte
}

// ProbeDescriptor is one crafted probe. Stateless probes are never stored
// beyond the send call.
type ProbeDescriptor struct {
	Target    models.Target
	Technique models.Technique
	Source    netip.Addr
	Tag       uint32
	Bytes     []byte
	SentAt    time.Time
}

// Prober crafts and validates probes for one session. It is safe for
// concurrent use.
type Prober struct {
	cfg      Config
	template *packet.TCPTemplate
	macs     sync.Pool
	dropped  atomic.Uint64
}

// New validates cfg and returns a Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.SourcePort == 0 {
		cfg.SourcePort = DefaultSourcePort
	}

	if int(cfg.SourcePort)+int(models.TechniqueUDP) >= udpPortBase {
		return nil, fmt.Errorf("%w: %d", ErrSourcePortOverlap, cfg.SourcePort)
	}

	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}

	if cfg.MSS == 0 {
		cfg.MSS = DefaultMSS
	}

	if cfg.TTL == 0 {
		cfg.TTL = packet.DefaultTTL
	}

	if !cfg.Source4.IsValid() && !cfg.Source6.IsValid() {
		return nil, ErrNoSource
	}

	cfg.Source4 = cfg.Source4.Unmap()

	p := &Prober{cfg: cfg}
	p.macs.New = func() any { return newMAC(cfg.Key) }

	if cfg.Source4.Is4() {
		tmpl, err := packet.NewTCPTemplate(packet.TCPSpec{
			IP:     packet.IPSpec{Src: cfg.Source4, TTL: cfg.TTL},
			Window: cfg.Window,
			MSS:    cfg.MSS,
		})
		if err != nil {
			return nil, err
		}

		p.template = tmpl
	}

	return p, nil
}

// Tag is the package-level Tag under the session key.
func (p *Prober) Tag(addr netip.Addr, port uint16, t models.Technique) uint32 {
	h := p.macs.Get().(hash.Hash)
	tag := tagWith(h, addr, port, t)
	p.macs.Put(h)

	return tag
}

// SourcePort is the TCP source port probes of technique t are sent from.
func (p *Prober) SourcePort(t models.Technique) uint16 {
	return p.cfg.SourcePort + uint16(t)
}

// SourcePorts lists the local ports replies to raw TCP probes arrive on.
func (p *Prober) SourcePorts() []uint16 {
	ports := make([]uint16, 0, len(models.AllTechniques()))

	for _, t := range models.AllTechniques() {
		if t.Raw() && t.Protocol() == models.ProtocolTCP {
			ports = append(ports, p.SourcePort(t))
		}
	}

	return ports
}

// UDPSourcePorts is the range UDP probes take their tagged source port
// from.
func UDPSourcePorts() (first, last uint16) {
	return udpPortBase, udpPortBase + udpPortRange - 1
}

// Dropped counts responses that failed validation.
func (p *Prober) Dropped() uint64 {
	return p.dropped.Load()
}

// Source returns the local address used for targets of addr's family.
func (p *Prober) Source(addr netip.Addr) (netip.Addr, error) {
	if addr.Unmap().Is4() {
		if !p.cfg.Source4.IsValid() {
			return netip.Addr{}, ErrNoSource
		}

		return p.cfg.Source4, nil
	}

	if !p.cfg.Source6.IsValid() {
		return netip.Addr{}, ErrNoSource
	}

	return p.cfg.Source6, nil
}

// Craft builds the probe for target under technique from the local source.
func (p *Prober) Craft(t models.Target, tech models.Technique) (ProbeDescriptor, error) {
	src, err := p.Source(t.Addr)
	if err != nil {
		return ProbeDescriptor{}, err
	}

	return p.craft(src, t, tech, true)
}

// CraftFrom builds the probe with a forged source address, as used for
// decoys and the spoofed leg of an idle scan. The tag is still computed
// from the real target so replies can be validated if they reach us.
func (p *Prober) CraftFrom(src netip.Addr, t models.Target, tech models.Technique) (ProbeDescriptor, error) {
	return p.craft(src.Unmap(), t, tech, false)
}

func (p *Prober) craft(src netip.Addr, t models.Target, tech models.Technique, own bool) (ProbeDescriptor, error) {
	if !tech.Raw() {
		return ProbeDescriptor{}, fmt.Errorf("%w: %s", ErrNotRaw, tech)
	}

	dst := t.Addr.Unmap()
	tag := p.Tag(dst, t.Port, tech)

	d := ProbeDescriptor{Target: t, Technique: tech, Source: src, Tag: tag}

	var err error

	if tech == models.TechniqueUDP {
		d.Bytes, err = packet.BuildUDP(packet.UDPSpec{
			IP:      packet.IPSpec{Src: src, Dst: dst, TTL: p.cfg.TTL, ID: ipID(tag)},
			SrcPort: udpSourcePort(tag),
			DstPort: t.Port,
			Payload: p.udpPayload(t.Port),
		})

		return d, err
	}

	seq, ack := tcpFields(tech, tag)
	flags := packet.FlagsFor(tech)

	if own && p.template != nil && dst.Is4() {
		d.Bytes, err = p.template.Render(nil, packet.TCPFields{
			Dst:     dst,
			ID:      ipID(tag),
			SrcPort: p.SourcePort(tech),
			DstPort: t.Port,
			Seq:     seq,
			Ack:     ack,
			Flags:   flags,
		})

		return d, err
	}

	d.Bytes, err = packet.BuildTCP(packet.TCPSpec{
		IP:      packet.IPSpec{Src: src, Dst: dst, TTL: p.cfg.TTL, ID: ipID(tag)},
		SrcPort: p.SourcePort(tech),
		DstPort: t.Port,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  p.cfg.Window,
		MSS:     p.cfg.MSS,
	})

	return d, err
}

// CraftIPIDProbe builds the unsolicited SYN/ACK an idle scan sends to the
// zombie. The zombie's RST echoes the tag in its sequence number and
// carries its current IP ID.
func (p *Prober) CraftIPIDProbe(zombie models.Target) (ProbeDescriptor, error) {
	src, err := p.Source(zombie.Addr)
	if err != nil {
		return ProbeDescriptor{}, err
	}

	dst := zombie.Addr.Unmap()
	tag := p.Tag(dst, zombie.Port, models.TechniqueIdle)

	b, err := packet.BuildTCP(packet.TCPSpec{
		IP:      packet.IPSpec{Src: src, Dst: dst, TTL: p.cfg.TTL, ID: ipID(tag)},
		SrcPort: p.SourcePort(models.TechniqueIdle),
		DstPort: zombie.Port,
		Seq:     tag,
		Ack:     tag,
		Flags:   packet.FlagSYN | packet.FlagACK,
		Window:  p.cfg.Window,
	})
	if err != nil {
		return ProbeDescriptor{}, err
	}

	return ProbeDescriptor{
		Target:    zombie,
		Technique: models.TechniqueIdle,
		Source:    src,
		Tag:       tag,
		Bytes:     b,
	}, nil
}

// RST builds the reset that tears down a half-open connection after a
// SYN+ACK, so the target never sees a completed handshake.
func (p *Prober) RST(t models.Target, synAck *packet.Parsed) ([]byte, error) {
	return packet.BuildTCP(packet.TCPSpec{
		IP:      packet.IPSpec{Src: synAck.Dst, Dst: t.Addr.Unmap(), TTL: p.cfg.TTL},
		SrcPort: synAck.DstPort,
		DstPort: t.Port,
		Seq:     synAck.Ack,
		Flags:   packet.FlagRST,
	})
}

// Validate recomputes the tag a response should carry and returns the probed
// target and technique on an exact match. Anything else is counted as
// dropped and never surfaced.
func (p *Prober) Validate(pk *packet.Parsed) (models.Target, models.Technique, bool) {
	t, tech, ok := p.validate(pk)
	if !ok {
		p.dropped.Add(1)
	}

	return t, tech, ok
}

func (p *Prober) validate(pk *packet.Parsed) (models.Target, models.Technique, bool) {
	switch pk.Kind {
	case packet.KindTCP:
		tech, ok := p.techniqueFor(pk.DstPort)
		if !ok || !p.isLocal(pk.Dst) {
			return models.Target{}, 0, false
		}

		t := models.Target{Addr: pk.Src, Port: pk.SrcPort, Protocol: models.ProtocolTCP}
		if !tcpReplyMatches(tech, pk, p.Tag(t.Addr, t.Port, tech)) {
			return models.Target{}, 0, false
		}

		return t, tech, true
	case packet.KindUDP:
		if !p.isLocal(pk.Dst) {
			return models.Target{}, 0, false
		}

		t := models.Target{Addr: pk.Src, Port: pk.SrcPort, Protocol: models.ProtocolUDP}
		if pk.DstPort != udpSourcePort(p.Tag(t.Addr, t.Port, models.TechniqueUDP)) {
			return models.Target{}, 0, false
		}

		return t, models.TechniqueUDP, true
	case packet.KindICMPv4, packet.KindICMPv6:
		return p.validateQuoted(pk)
	}

	return models.Target{}, 0, false
}

// validateQuoted checks the datagram echoed in an ICMP unreachable. The
// error may come from any router on the path, so the target identity is
// taken from the quoted header rather than the outer source.
func (p *Prober) validateQuoted(pk *packet.Parsed) (models.Target, models.Technique, bool) {
	q := pk.Quoted
	if q == nil || !pk.IsUnreachable() || !p.isLocal(q.Src) {
		return models.Target{}, 0, false
	}

	switch q.Protocol {
	case packet.ProtoTCP:
		tech, ok := p.techniqueFor(q.SrcPort)
		if !ok || !q.HasSeq {
			return models.Target{}, 0, false
		}

		t := models.Target{Addr: q.Dst, Port: q.DstPort, Protocol: models.ProtocolTCP}
		if q.Seq != p.Tag(t.Addr, t.Port, tech) {
			return models.Target{}, 0, false
		}

		return t, tech, true
	case packet.ProtoUDP:
		t := models.Target{Addr: q.Dst, Port: q.DstPort, Protocol: models.ProtocolUDP}
		tag := p.Tag(t.Addr, t.Port, models.TechniqueUDP)

		if q.SrcPort != udpSourcePort(tag) {
			return models.Target{}, 0, false
		}

		// IPv6 has no identification field to cross-check.
		if q.Dst.Is4() && q.IPID != ipID(tag) {
			return models.Target{}, 0, false
		}

		return t, models.TechniqueUDP, true
	}

	return models.Target{}, 0, false
}

func (p *Prober) techniqueFor(localPort uint16) (models.Technique, bool) {
	if localPort < p.cfg.SourcePort || localPort-p.cfg.SourcePort > uint16(models.TechniqueUDP) {
		return 0, false
	}

	t := models.Technique(localPort - p.cfg.SourcePort)
	if !t.Valid() || !t.Raw() || t.Protocol() != models.ProtocolTCP {
		return 0, false
	}

	return t, true
}

func (p *Prober) isLocal(a netip.Addr) bool {
	a = a.Unmap()

	if a.Is4() {
		return !p.cfg.Source4.IsValid() || a == p.cfg.Source4
	}

	return !p.cfg.Source6.IsValid() || a == p.cfg.Source6
}

func (p *Prober) udpPayload(port uint16) []byte {
	if b, ok := p.cfg.UDPPayloads[port]; ok {
		return b
	}

	return DefaultUDPPayload(port)
}

// tcpFields places the tag where the reply will echo it. Probes without
// the ACK bit get it back in the reply's acknowledgment number; probes with
// it get it back in the RST's sequence number.
func tcpFields(t models.Technique, tag uint32) (seq, ack uint32) {
	if packet.FlagsFor(t).Has(packet.FlagACK) {
		return tag, tag
	}

	return tag, 0
}

// tcpReplyMatches applies RFC 793 reset generation: a segment without ACK
// is answered with ack = seq + len, where SYN and FIN each count as one.
func tcpReplyMatches(t models.Technique, pk *packet.Parsed, tag uint32) bool {
	switch t {
	case models.TechniqueSYN:
		return pk.Flags.Has(packet.FlagACK) &&
			(pk.Flags.Has(packet.FlagSYN) || pk.Flags.Has(packet.FlagRST)) &&
			pk.Ack == tag+1
	case models.TechniqueFIN, models.TechniqueXmas:
		return pk.Flags.Has(packet.FlagRST) && pk.Ack == tag+1
	case models.TechniqueNULL:
		return pk.Flags.Has(packet.FlagRST) && pk.Ack == tag
	case models.TechniqueACK, models.TechniqueWindow, models.TechniqueMaimon, models.TechniqueIdle:
		return pk.Flags.Has(packet.FlagRST) && pk.Seq == tag
	}

	return false
}

func ipID(tag uint32) uint16 {
	return uint16(tag >> 16)
}

func udpSourcePort(tag uint32) uint16 {
	return udpPortBase + uint16(tag%udpPortRange)
}
