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

package idlescan

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

var (
	local      = netip.MustParseAddr("192.0.2.10")
	zombieAddr = netip.MustParseAddr("198.51.100.50")
	victim     = netip.MustParseAddr("203.0.113.80")
)

// network simulates a zombie with a global IP ID counter and a target
// whose open ports answer the zombie with SYN+ACK.
type network struct {
	mu      sync.Mutex
	counter uint16
	open    map[uint16]bool
	noise   uint16
	silent  bool
	deliver func(uint16)
	sent    int
}

func (n *network) Send(b []byte) error {
	pk, err := packet.Parse(b, packet.LinkRaw)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.sent++

	switch {
	case pk.Src == zombieAddr && pk.Dst == victim:
		if n.open[pk.DstPort] {
			// The zombie resets the unsolicited SYN+ACK.
			n.counter++
		}

		n.counter += n.noise
		n.mu.Unlock()
	case pk.Dst == zombieAddr:
		id := n.counter
		n.counter++
		silent := n.silent
		n.mu.Unlock()

		if !silent {
			n.deliver(id)
		}
	default:
		n.mu.Unlock()
	}

	return nil
}

type finals struct {
	mu  sync.Mutex
	out []models.ScanOutcome
}

func (f *finals) Finalize(o models.ScanOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.out = append(f.out, o)
}

func newCodec(t *testing.T) *prober.Prober {
	t.Helper()

	var key prober.Key
	for i := range key {
		key[i] = byte(255 - i)
	}

	p, err := prober.New(prober.Config{Key: key, Source4: local})
	require.NoError(t, err)

	return p
}

func newIdle(t *testing.T, net *network, tr *tracker.Tracker, rounds int) *Prober {
	t.Helper()

	p, err := New(Config{
		Zombie:       models.Target{Addr: zombieAddr, Port: 80},
		ReplyTimeout: 50 * time.Millisecond,
		Settle:       time.Millisecond,
		Retries:      1,
		Rounds:       rounds,
	}, newCodec(t), net, nil, tr, logger.NewTestLogger())
	require.NoError(t, err)

	net.deliver = func(id uint16) { p.Deliver(p.Zombie(), id) }

	return p
}

func target(port uint16) models.Target {
	return models.Target{Addr: victim, Port: port, Protocol: models.ProtocolTCP}
}

func TestProbePortOpen(t *testing.T) {
	net := &network{counter: 1000, open: map[uint16]bool{22: true}}
	p := newIdle(t, net, nil, 1)

	out, diag, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Nil(t, diag)
	assert.Equal(t, models.StateOpen, out.State)
	assert.Equal(t, models.EvidenceIPIDDelta, out.Evidence)
	assert.Equal(t, models.TechniqueIdle, out.Technique)
	assert.Equal(t, uint16(1003), net.counter)
}

func TestProbePortClosed(t *testing.T) {
	net := &network{counter: 1000, open: map[uint16]bool{}}
	p := newIdle(t, net, nil, 1)

	out, diag, err := p.ProbePort(context.Background(), target(23))
	require.NoError(t, err)
	assert.Nil(t, diag)
	assert.Equal(t, models.StateClosed, out.State)
	assert.Equal(t, "closed|filtered", out.Detail)
}

func TestProbePortAcrossWraparound(t *testing.T) {
	net := &network{counter: 65535, open: map[uint16]bool{22: true}}
	p := newIdle(t, net, nil, 1)

	out, _, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, out.State)
}

func TestNoisyZombieProducesDiagnostic(t *testing.T) {
	net := &network{counter: 1000, open: map[uint16]bool{22: true}, noise: 3}
	p := newIdle(t, net, nil, 1)

	out, diag, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, out.State)
	assert.Equal(t, models.ConfidenceLow, out.Confidence)

	require.NotNil(t, diag)
	assert.Equal(t, zombieAddr, diag.Zombie)
	assert.Equal(t, uint16(1000), diag.Baseline)
	assert.Equal(t, uint16(1005), diag.Post)
	assert.Equal(t, uint16(5), diag.Delta)
}

func TestDisagreeingRoundsAreUnknown(t *testing.T) {
	net := &network{counter: 1000, open: map[uint16]bool{22: true}}
	p := newIdle(t, net, nil, 2)

	calls := 0
	inner := net.deliver
	net.deliver = func(id uint16) {
		calls++
		// Unrelated traffic hits the zombie during the second round.
		if calls == 3 {
			net.counter += 4
		}

		inner(id)
	}

	out, diag, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, out.State)
	require.NotNil(t, diag)
	assert.Equal(t, "rounds disagree", diag.Reason)
}

func TestSilentZombie(t *testing.T) {
	net := &network{counter: 1, silent: true}
	p := newIdle(t, net, nil, 1)

	out, diag, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, out.State)
	assert.Equal(t, models.EvidenceNoResponse, out.Evidence)
	require.NotNil(t, diag)
	assert.Equal(t, 2, net.sent, "one probe plus one retry")

	_, err = p.CheckZombie(context.Background(), 3)
	assert.ErrorIs(t, err, ErrZombieSilent)
}

func TestProbePortTracksRecord(t *testing.T) {
	rec := &finals{}
	tr := tracker.New(tracker.Config{}, nil, rec, logger.NewTestLogger())
	net := &network{counter: 7, open: map[uint16]bool{443: true}}
	p := newIdle(t, net, tr, 1)

	_, _, err := p.ProbePort(context.Background(), target(443))
	require.NoError(t, err)

	require.Len(t, rec.out, 1)
	assert.Equal(t, models.StateOpen, rec.out[0].State)
	assert.Equal(t, 0, tr.Len())
}

type rttFeedback struct {
	mu   sync.Mutex
	rtts []time.Duration
}

func (f *rttFeedback) OnAck(rtt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rtts = append(f.rtts, rtt)
}

func (f *rttFeedback) OnLoss(uint64) {}

func (f *rttFeedback) OnDupLoss(uint64) {}

func TestProbePortSamplesZombieRoundTrip(t *testing.T) {
	fb := &rttFeedback{}
	tr := tracker.New(tracker.Config{}, fb, &finals{}, logger.NewTestLogger())
	net := &network{counter: 1000, open: map[uint16]bool{22: true}}
	p := newIdle(t, net, tr, 2)

	const lag = 20 * time.Millisecond

	deliver := net.deliver
	net.deliver = func(id uint16) {
		go func() {
			time.Sleep(lag)
			deliver(id)
		}()
	}

	o, _, err := p.ProbePort(context.Background(), target(22))
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, o.State)

	fb.mu.Lock()
	defer fb.mu.Unlock()

	require.Len(t, fb.rtts, 1, "one sample per record")
	assert.GreaterOrEqual(t, fb.rtts[0], lag)
}

func TestProbePortCancelled(t *testing.T) {
	rec := &finals{}
	tr := tracker.New(tracker.Config{}, nil, rec, logger.NewTestLogger())
	net := &network{counter: 7, silent: true}
	p := newIdle(t, net, tr, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.ProbePort(ctx, target(443))
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, rec.out, 1)
	assert.Equal(t, models.EvidenceCancelled, rec.out[0].Evidence)
}

func TestProbePortRejectsFamilyMismatch(t *testing.T) {
	p := newIdle(t, &network{}, nil, 1)

	_, _, err := p.ProbePort(context.Background(), models.Target{Addr: netip.MustParseAddr("2001:db8::1"), Port: 1})
	assert.ErrorIs(t, err, ErrZombieWrongIP)
}

func TestCheckZombie(t *testing.T) {
	net := &network{counter: 500}
	p := newIdle(t, net, nil, 1)

	report, err := p.CheckZombie(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, report.Accepted)
	assert.Equal(t, ClassIncremental, report.Class)
	assert.Equal(t, []uint16{1, 1, 1}, report.Increments)

	_, err = p.CheckZombie(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTooFewProbes)
}

func TestCheckZombieRejectsBusyHost(t *testing.T) {
	net := &network{counter: 500}
	p := newIdle(t, net, nil, 1)

	busy := net.deliver
	net.deliver = func(id uint16) {
		net.counter += 9
		busy(id)
	}

	report, err := p.CheckZombie(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, ClassIncremental, report.Class)
	assert.False(t, report.Accepted, "increment of 10 exceeds the bound")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		incs []uint16
		want Class
	}{
		{[]uint16{1, 1, 1}, ClassIncremental},
		{[]uint16{2, 2}, ClassIncremental},
		{[]uint16{256, 512, 256}, ClassBrokenLittleEndian},
		{[]uint16{0, 0, 0}, ClassZero},
		{[]uint16{17, 4012, 9}, ClassRandom},
		{[]uint16{1, 2, 1}, ClassRandom},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.incs), "%v", tt.incs)
	}
}

func TestDeliverIgnoresOtherHosts(t *testing.T) {
	p := newIdle(t, &network{}, nil, 1)

	p.Deliver(models.Target{Addr: victim, Port: 80}, 1)
	p.Deliver(p.Zombie(), 2)
	p.Deliver(p.Zombie(), 3)

	assert.Equal(t, uint16(2), <-p.replies)
	assert.Empty(t, p.replies)
}

func TestNewRequiresZombie(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoZombie)
}
