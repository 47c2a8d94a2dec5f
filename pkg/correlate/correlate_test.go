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

package correlate

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/metrics"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

var (
	local  = netip.MustParseAddr("192.0.2.10")
	remote = netip.MustParseAddr("198.51.100.7")
	router = netip.MustParseAddr("203.0.113.1")
)

func tcpPacket(flags packet.TCPFlags, window uint16) *packet.Parsed {
	return &packet.Parsed{Kind: packet.KindTCP, Flags: flags, Window: window}
}

func icmpPacket(typ, code uint8) *packet.Parsed {
	return &packet.Parsed{Kind: packet.KindICMPv4, ICMPType: typ, ICMPCode: code}
}

func TestInterpret(t *testing.T) {
	rst := tcpPacket(packet.FlagRST, 0)
	rstWin := tcpPacket(packet.FlagRST, 512)
	synAck := tcpPacket(packet.FlagSYN|packet.FlagACK, 65535)
	unreach := icmpPacket(packet.ICMPv4Unreachable, 13)
	portUnreach := icmpPacket(packet.ICMPv4Unreachable, packet.ICMPv4PortUnreach)
	udp := &packet.Parsed{Kind: packet.KindUDP}
	silence := Observed{Timeout: true}

	tests := []struct {
		name     string
		tech     models.Technique
		obs      Observed
		state    models.PortState
		evidence models.Evidence
		low      bool
	}{
		{"syn open", models.TechniqueSYN, Observed{Packet: synAck}, models.StateOpen, models.EvidenceSynAck, false},
		{"syn closed", models.TechniqueSYN, Observed{Packet: rst}, models.StateClosed, models.EvidenceRST, false},
		{"syn unreachable", models.TechniqueSYN, Observed{Packet: unreach}, models.StateFiltered, models.EvidenceICMPUnreachable, false},
		{"syn silence", models.TechniqueSYN, silence, models.StateFiltered, models.EvidenceNoResponse, false},

		{"connect open", models.TechniqueConnect, Observed{Connected: true}, models.StateOpen, models.EvidenceHandshake, false},
		{"connect refused", models.TechniqueConnect, Observed{ConnErr: fmt.Errorf("dial: %w", ErrConnRefused)}, models.StateClosed, models.EvidenceConnRefused, false},
		{"connect unreachable", models.TechniqueConnect, Observed{ConnErr: ErrHostUnreachable}, models.StateFiltered, models.EvidenceICMPUnreachable, false},
		{"connect timeout", models.TechniqueConnect, silence, models.StateFiltered, models.EvidenceNoResponse, false},

		{"fin closed", models.TechniqueFIN, Observed{Packet: rst}, models.StateClosed, models.EvidenceRST, false},
		{"fin silence", models.TechniqueFIN, silence, models.StateOpenFiltered, models.EvidenceNoResponse, false},
		{"null silence", models.TechniqueNULL, silence, models.StateOpenFiltered, models.EvidenceNoResponse, false},
		{"xmas unreachable", models.TechniqueXmas, Observed{Packet: unreach}, models.StateFiltered, models.EvidenceICMPUnreachable, false},

		{"ack unfiltered", models.TechniqueACK, Observed{Packet: rst}, models.StateUnfiltered, models.EvidenceRST, false},
		{"ack silence", models.TechniqueACK, silence, models.StateFiltered, models.EvidenceNoResponse, false},
		{"ack unreachable", models.TechniqueACK, Observed{Packet: unreach}, models.StateFiltered, models.EvidenceICMPUnreachable, false},
		{"ack host unreachable", models.TechniqueACK, Observed{Packet: icmpPacket(packet.ICMPv4Unreachable, 1)}, models.StateFiltered, models.EvidenceICMPUnreachable, false},
		{"ack frag needed", models.TechniqueACK, Observed{Packet: icmpPacket(packet.ICMPv4Unreachable, 4)}, models.StateUnknown, models.EvidenceICMPUnreachable, true},
		{"syn net unreachable", models.TechniqueSYN, Observed{Packet: icmpPacket(packet.ICMPv4Unreachable, 0)}, models.StateUnknown, models.EvidenceICMPUnreachable, true},

		{"window open", models.TechniqueWindow, Observed{Packet: rstWin}, models.StateOpen, models.EvidenceRSTWindow, true},
		{"window closed", models.TechniqueWindow, Observed{Packet: rst}, models.StateClosed, models.EvidenceRST, true},
		{"window silence", models.TechniqueWindow, silence, models.StateFiltered, models.EvidenceNoResponse, false},

		{"maimon closed", models.TechniqueMaimon, Observed{Packet: rst}, models.StateClosed, models.EvidenceRST, false},
		{"maimon silence", models.TechniqueMaimon, silence, models.StateOpenFiltered, models.EvidenceNoResponse, false},

		{"udp reply", models.TechniqueUDP, Observed{Packet: udp}, models.StateOpen, models.EvidenceUDPReply, false},
		{"udp port unreachable", models.TechniqueUDP, Observed{Packet: portUnreach}, models.StateClosed, models.EvidenceICMPUnreachable, false},
		{"udp filtered", models.TechniqueUDP, Observed{Packet: unreach}, models.StateFiltered, models.EvidenceICMPUnreachable, false},
		{"udp silence", models.TechniqueUDP, silence, models.StateOpenFiltered, models.EvidenceNoResponse, false},

		{"idle open", models.TechniqueIdle, Observed{HasDelta: true, IPIDDelta: 2}, models.StateOpen, models.EvidenceIPIDDelta, false},
		{"idle closed", models.TechniqueIdle, Observed{HasDelta: true, IPIDDelta: 1}, models.StateClosed, models.EvidenceIPIDDelta, false},
		{"idle noisy", models.TechniqueIdle, Observed{HasDelta: true, IPIDDelta: 5}, models.StateUnknown, models.EvidenceIPIDDelta, true},
		{"idle silent zombie", models.TechniqueIdle, Observed{}, models.StateUnknown, models.EvidenceNoResponse, true},

		{"unexpected syn-ack to fin", models.TechniqueFIN, Observed{Packet: synAck}, models.StateUnknown, models.EvidenceNone, true},
		{"unknown technique", models.Technique(99), silence, models.StateUnknown, models.EvidenceNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Interpret(tt.tech, tt.obs)
			assert.Equal(t, tt.state, v.State)
			assert.Equal(t, tt.evidence, v.Evidence)
			assert.Equal(t, tt.low, v.Confidence == models.ConfidenceLow)
		})
	}
}

func TestInterpretDetails(t *testing.T) {
	v := Interpret(models.TechniqueSYN, Observed{Packet: icmpPacket(packet.ICMPv4Unreachable, 13)})
	assert.Equal(t, "icmp 3/13", v.Detail)

	v = Interpret(models.TechniqueIdle, Observed{HasDelta: true, IPIDDelta: 1})
	assert.Equal(t, "closed|filtered", v.Detail)

	v = Interpret(models.TechniqueWindow, Observed{Packet: tcpPacket(packet.FlagRST, 512)})
	assert.Equal(t, "window 512", v.Detail)
}

func TestEveryTechniqueHasAnInterpretation(t *testing.T) {
	for _, tech := range models.AllTechniques() {
		_, ok := table[tech]
		assert.True(t, ok, tech.String())
	}
}

type sink struct {
	mu       sync.Mutex
	outcomes []models.ScanOutcome
}

func (s *sink) Emit(o models.ScanOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes = append(s.outcomes, o)
}

func (s *sink) all() []models.ScanOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.ScanOutcome(nil), s.outcomes...)
}

type acks struct {
	mu     sync.Mutex
	acks   int
	losses int
}

func (a *acks) OnAck(time.Duration) {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
}

func (a *acks) OnLoss(uint64) {
	a.mu.Lock()
	a.losses++
	a.mu.Unlock()
}

func (a *acks) OnDupLoss(uint64) {
	a.mu.Lock()
	a.losses++
	a.mu.Unlock()
}

type fixture struct {
	prober     *prober.Prober
	tracker    *tracker.Tracker
	correlator *Correlator
	sink       *sink
	feedback   *acks
	stats      *metrics.Stats
	opened     []models.Target
	ipids      []uint16
	hosts      []netip.Addr
}

func newFixture(t *testing.T, stateful func(models.Technique) bool) *fixture {
	t.Helper()

	var key prober.Key
	for i := range key {
		key[i] = byte(i + 1)
	}

	p, err := prober.New(prober.Config{Key: key, Source4: local})
	require.NoError(t, err)

	f := &fixture{prober: p, sink: &sink{}, feedback: &acks{}, stats: &metrics.Stats{}}

	f.correlator = New(Options{
		Validator: p,
		Sink:      f.sink,
		Feedback:  f.feedback,
		Stats:     f.stats,
		Stateful:  stateful,
		OnOpen: func(t models.Target, _ *packet.Parsed) {
			f.opened = append(f.opened, t)
		},
		OnIPID: func(_ models.Target, id uint16) {
			f.ipids = append(f.ipids, id)
		},
		OnHost: func(a netip.Addr) {
			f.hosts = append(f.hosts, a)
		},
		Logger: logger.NewTestLogger(),
	})

	f.tracker = tracker.New(tracker.Config{MaxRetries: 1}, f.feedback, f.correlator, logger.NewTestLogger())
	f.correlator.AttachTracker(f.tracker)

	return f
}

func (f *fixture) probe(t *testing.T, target models.Target, tech models.Technique) *packet.Parsed {
	t.Helper()

	d, err := f.prober.Craft(target, tech)
	require.NoError(t, err)

	pk, err := packet.Parse(d.Bytes, packet.LinkRaw)
	require.NoError(t, err)

	return pk
}

func answer(t *testing.T, probe *packet.Parsed, flags packet.TCPFlags, seq, ack uint32, window uint16) []byte {
	t.Helper()

	b, err := packet.BuildTCP(packet.TCPSpec{
		IP:      packet.IPSpec{Src: probe.Dst, Dst: probe.Src, ID: 4242},
		SrcPort: probe.DstPort,
		DstPort: probe.SrcPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  window,
	})
	require.NoError(t, err)

	return b
}

func TestStatelessOpenEmittedOnce(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 22, Protocol: models.ProtocolTCP}

	probe := f.probe(t, target, models.TechniqueSYN)
	frame := answer(t, probe, packet.FlagSYN|packet.FlagACK, 99, probe.Seq+1, 65535)

	f.correlator.HandleFrame(frame, packet.LinkRaw)
	f.correlator.HandleFrame(frame, packet.LinkRaw)

	out := f.sink.all()
	require.Len(t, out, 1)
	assert.Equal(t, target, out[0].Target)
	assert.Equal(t, models.StateOpen, out[0].State)
	assert.Equal(t, models.EvidenceSynAck, out[0].Evidence)

	assert.Equal(t, []models.Target{target, target}, f.opened, "every SYN+ACK is reset")
	assert.True(t, f.correlator.Resolved(target, models.TechniqueSYN))

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Received)
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(1), snap.Outcomes[models.StateOpen])

	assert.False(t, f.correlator.Timeout(target, models.TechniqueSYN), "answered pair cannot time out")
	assert.Len(t, f.sink.all(), 1)
}

func TestInvalidAndMalformedFramesAreCounted(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 22, Protocol: models.ProtocolTCP}

	probe := f.probe(t, target, models.TechniqueSYN)

	f.correlator.HandleFrame(answer(t, probe, packet.FlagSYN|packet.FlagACK, 1, probe.Seq+2, 1), packet.LinkRaw)
	f.correlator.HandleFrame([]byte{0x45, 0x00}, packet.LinkRaw)

	assert.Empty(t, f.sink.all())
	assert.Empty(t, f.opened)

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.DroppedInvalid)
	assert.Equal(t, uint64(1), snap.Malformed)
}

func TestICMPUnreachableFiltersACKProbe(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 8080, Protocol: models.ProtocolTCP}

	d, err := f.prober.Craft(target, models.TechniqueACK)
	require.NoError(t, err)

	b, err := packet.BuildICMPv4(packet.ICMPSpec{
		IP:      packet.IPSpec{Src: router, Dst: local},
		Type:    packet.ICMPv4Unreachable,
		Code:    13,
		Payload: d.Bytes[:28],
	})
	require.NoError(t, err)

	f.correlator.HandleFrame(b, packet.LinkRaw)

	out := f.sink.all()
	require.Len(t, out, 1)
	assert.Equal(t, models.StateFiltered, out[0].State)
	assert.Equal(t, models.EvidenceICMPUnreachable, out[0].Evidence)
	assert.Equal(t, "icmp 3/13", out[0].Detail)
}

func TestNonFilteringUnreachableIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 8080, Protocol: models.ProtocolTCP}

	d, err := f.prober.Craft(target, models.TechniqueACK)
	require.NoError(t, err)

	for _, code := range []uint8{0, 4, 5} {
		b, err := packet.BuildICMPv4(packet.ICMPSpec{
			IP:      packet.IPSpec{Src: router, Dst: local},
			Type:    packet.ICMPv4Unreachable,
			Code:    code,
			Payload: d.Bytes[:28],
		})
		require.NoError(t, err)

		f.correlator.HandleFrame(b, packet.LinkRaw)
	}

	assert.Empty(t, f.sink.all())
	assert.False(t, f.correlator.Resolved(target, models.TechniqueACK))
	assert.Zero(t, f.stats.Snapshot().DroppedInvalid, "the errors quote a genuine probe")

	require.True(t, f.correlator.Timeout(target, models.TechniqueACK))

	out := f.sink.all()
	require.Len(t, out, 1)
	assert.Equal(t, models.StateFiltered, out[0].State)
	assert.Equal(t, models.EvidenceNoResponse, out[0].Evidence)
}

func TestReportsFilteringCodes(t *testing.T) {
	for code := uint8(0); code < 16; code++ {
		want := code == 1 || code == 2 || code == 3 || code == 9 || code == 10 || code == 13
		assert.Equal(t, want, icmpPacket(packet.ICMPv4Unreachable, code).ReportsFiltering(), "v4 code %d", code)
	}

	v6 := &packet.Parsed{Kind: packet.KindICMPv6, ICMPType: packet.ICMPv6Unreachable, ICMPCode: 1}
	assert.True(t, v6.ReportsFiltering())

	v6.ICMPCode = 0
	assert.False(t, v6.ReportsFiltering())

	assert.False(t, icmpPacket(packet.ICMPv4TimeExceeded, 1).ReportsFiltering())
}

func TestTimeoutAndExpire(t *testing.T) {
	f := newFixture(t, nil)
	a := models.Target{Addr: remote, Port: 1, Protocol: models.ProtocolTCP}
	b := models.Target{Addr: remote, Port: 2, Protocol: models.ProtocolTCP}

	assert.True(t, f.correlator.Timeout(a, models.TechniqueFIN))
	assert.False(t, f.correlator.Timeout(a, models.TechniqueFIN))
	assert.False(t, f.correlator.Expire(a, models.TechniqueFIN))

	assert.True(t, f.correlator.Expire(b, models.TechniqueFIN))
	assert.False(t, f.correlator.Resolved(b, models.TechniqueFIN), "expire does not record")

	out := f.sink.all()
	require.Len(t, out, 2)

	for _, o := range out {
		assert.Equal(t, models.StateOpenFiltered, o.State)
		assert.Equal(t, models.EvidenceNoResponse, o.Evidence)
	}

	assert.Equal(t, 1, f.correlator.ResolvedCount())
}

func TestTrackedResponseGoesThroughTracker(t *testing.T) {
	f := newFixture(t, func(tech models.Technique) bool { return tech == models.TechniqueACK })
	target := models.Target{Addr: remote, Port: 443, Protocol: models.ProtocolTCP}

	h, ok := f.tracker.Begin(target, models.TechniqueACK)
	require.True(t, ok)
	require.True(t, f.tracker.RecordSent(h))

	probe := f.probe(t, target, models.TechniqueACK)
	frame := answer(t, probe, packet.FlagRST, probe.Ack, 0, 0)

	f.correlator.HandleFrame(frame, packet.LinkRaw)
	f.correlator.HandleFrame(frame, packet.LinkRaw)

	out := f.sink.all()
	require.Len(t, out, 1)
	assert.Equal(t, models.StateUnfiltered, out[0].State)
	assert.Equal(t, 0, f.tracker.Len())
	assert.Equal(t, uint64(1), f.stats.Snapshot().Duplicates)
}

func TestUntrackedStatefulReplyIsDuplicate(t *testing.T) {
	f := newFixture(t, func(tech models.Technique) bool { return tech == models.TechniqueACK })
	target := models.Target{Addr: remote, Port: 443, Protocol: models.ProtocolTCP}

	probe := f.probe(t, target, models.TechniqueACK)
	f.correlator.HandleFrame(answer(t, probe, packet.FlagRST, probe.Ack, 0, 0), packet.LinkRaw)

	assert.Empty(t, f.sink.all())
	assert.Equal(t, uint64(1), f.stats.Snapshot().Duplicates)
}

func TestTrackerFinalizationIsGated(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 80, Protocol: models.ProtocolTCP}

	require.True(t, f.correlator.Emit(models.ScanOutcome{Target: target, Technique: models.TechniqueConnect, State: models.StateOpen}))

	h, ok := f.tracker.Begin(target, models.TechniqueConnect)
	require.True(t, ok)
	assert.True(t, f.tracker.RecordResponse(h, Verdict{State: models.StateClosed}))

	out := f.sink.all()
	require.Len(t, out, 1)
	assert.Equal(t, models.StateOpen, out[0].State)
}

func TestZombieRepliesReachIPIDHook(t *testing.T) {
	f := newFixture(t, nil)
	zombie := models.Target{Addr: remote, Port: 80, Protocol: models.ProtocolTCP}

	d, err := f.prober.CraftIPIDProbe(zombie)
	require.NoError(t, err)

	probe, err := packet.Parse(d.Bytes, packet.LinkRaw)
	require.NoError(t, err)

	f.correlator.HandleFrame(answer(t, probe, packet.FlagRST, probe.Ack, 0, 0), packet.LinkRaw)

	assert.Equal(t, []uint16{4242}, f.ipids)
	assert.Empty(t, f.sink.all())
}

func TestStatelessAnswerFeedsRateController(t *testing.T) {
	f := newFixture(t, nil)
	target := models.Target{Addr: remote, Port: 25, Protocol: models.ProtocolTCP}

	probe := f.probe(t, target, models.TechniqueSYN)
	f.correlator.HandleFrame(answer(t, probe, packet.FlagRST|packet.FlagACK, 0, probe.Seq+1, 0), packet.LinkRaw)

	assert.Equal(t, 1, f.feedback.acks)
	require.Len(t, f.sink.all(), 1)
	assert.Equal(t, models.StateClosed, f.sink.all()[0].State)
}

func TestConcurrentDuplicatesEmitOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.correlator.opts.OnOpen = nil

	const targets = 64

	frames := make([][]byte, 0, targets)

	for i := 0; i < targets; i++ {
		target := models.Target{Addr: remote, Port: uint16(1000 + i), Protocol: models.ProtocolTCP}
		probe := f.probe(t, target, models.TechniqueSYN)
		frames = append(frames, answer(t, probe, packet.FlagSYN|packet.FlagACK, 5, probe.Seq+1, 1024))
	}

	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for _, fr := range frames {
				f.correlator.HandleFrame(fr, packet.LinkRaw)
			}
		}()
	}

	wg.Wait()

	assert.Len(t, f.sink.all(), targets)
	assert.Equal(t, targets, f.correlator.ResolvedCount())
	assert.Equal(t, uint64(7*targets), f.stats.Snapshot().Duplicates)
}

func TestDiscoveryAnswersReachHostHook(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.prober.CraftEcho(remote)
	require.NoError(t, err)

	probe, err := packet.Parse(d.Bytes, packet.LinkRaw)
	require.NoError(t, err)

	echo := func(seq uint16) []byte {
		b, err := packet.BuildICMPv4(packet.ICMPSpec{
			IP:   packet.IPSpec{Src: remote, Dst: local},
			Type: packet.ICMPv4EchoReply,
			ID:   probe.ICMPID,
			Seq:  seq,
		})
		require.NoError(t, err)

		return b
	}

	f.correlator.HandleFrame(echo(probe.ICMPSeq), packet.LinkRaw)
	f.correlator.HandleFrame(echo(probe.ICMPSeq+1), packet.LinkRaw)

	neighbor := netip.MustParseAddr("192.0.2.44")
	f.correlator.Handle(&packet.Parsed{
		Kind:     packet.KindARP,
		Src:      neighbor,
		Neighbor: &packet.Neighbor{IP: neighbor},
	})

	assert.Equal(t, []netip.Addr{remote, neighbor}, f.hosts)
	assert.Empty(t, f.sink.all(), "discovery answers are not port outcomes")
	assert.Equal(t, uint64(1), f.stats.Snapshot().DroppedInvalid)
}

func TestDiscoveryAnswersIgnoredWithoutHook(t *testing.T) {
	stats := &metrics.Stats{}

	p, err := prober.New(prober.Config{Key: prober.Key{1}, Source4: local})
	require.NoError(t, err)

	c := New(Options{Validator: p, Sink: &sink{}, Stats: stats})

	neighbor := netip.MustParseAddr("192.0.2.44")
	c.Handle(&packet.Parsed{Kind: packet.KindARP, Neighbor: &packet.Neighbor{IP: neighbor}})

	assert.Equal(t, uint64(1), stats.Snapshot().DroppedInvalid)
}
