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
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/metrics"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

// Sink receives each outcome once.
type Sink interface {
	Emit(models.ScanOutcome)
}

// Validator recomputes the tag of a captured response.
type Validator interface {
	Validate(*packet.Parsed) (models.Target, models.Technique, bool)
}

// HostValidator authenticates answers to host-discovery probes.
type HostValidator interface {
	ValidateEcho(*packet.Parsed) (netip.Addr, bool)
}

var (
	_ Validator     = (*prober.Prober)(nil)
	_ HostValidator = (*prober.Prober)(nil)
)

// Options wires a Correlator.
type Options struct {
	Validator Validator
	Tracker   *tracker.Tracker
	Sink      Sink
	// Feedback is told about stateless answers; tracked answers reach it
	// through the tracker.
	Feedback tracker.Feedback
	Stats    *metrics.Stats
	// Stateful reports whether a technique's responses belong to the
	// tracker. Defaults to models.Technique.Stateful.
	Stateful func(models.Technique) bool
	// OnOpen is called for every validated SYN+ACK so the caller can
	// reset the half-open connection.
	OnOpen func(models.Target, *packet.Parsed)
	// OnIPID receives the IP ID of every validated zombie reply.
	OnIPID func(zombie models.Target, ipid uint16)
	// OnHost receives every host that answered discovery: a validated
	// echo or timestamp reply, an ARP reply or a neighbour advertisement.
	// Discovery answers are not handled at all while it is nil.
	OnHost func(netip.Addr)
	Now    func() time.Time
	Logger logger.Logger
}

// Correlator matches captured packets to probes and turns them into
// outcomes. All outcomes, tracked or not, pass one seen-set gate, so no
// (target, technique) is emitted twice.
type Correlator struct {
	opts    Options
	seen    *seenSet
	parsers sync.Pool
	logger  logger.Logger
}

// New builds a Correlator. Validator and Sink are required.
func New(opts Options) *Correlator {
	if opts.Stateful == nil {
		opts.Stateful = models.Technique.Stateful
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Stats == nil {
		opts.Stats = &metrics.Stats{}
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Correlator{
		opts: opts,
		seen: newSeenSet(),
		parsers: sync.Pool{New: func() any {
			return packet.NewParser()
		}},
		logger: log.WithComponent("correlate"),
	}
}

// AttachTracker sets the tracker that owns stateful responses. It must be
// called before the first frame is handled.
func (c *Correlator) AttachTracker(t *tracker.Tracker) {
	c.opts.Tracker = t
}

// HandleFrame parses one captured frame and handles it. Frames that do
// not decode are counted and dropped.
func (c *Correlator) HandleFrame(data []byte, link packet.LinkType) {
	c.opts.Stats.IncReceived()

	p := c.parsers.Get().(*packet.Parser)
	parsed, err := p.Parse(data, link)
	c.parsers.Put(p)

	if err != nil {
		if errors.Is(err, packet.ErrMalformed) {
			c.opts.Stats.IncMalformed()
		}

		return
	}

	c.Handle(parsed)
}

// Handle correlates one parsed packet.
func (c *Correlator) Handle(p *packet.Parsed) {
	if p == nil {
		return
	}

	if c.handleHost(p) {
		return
	}

	target, tech, ok := c.opts.Validator.Validate(p)
	if !ok {
		c.opts.Stats.IncDroppedInvalid()
		return
	}

	// The probe stays outstanding and resolves through its silence rule.
	if p.IsUnreachable() && !p.ReportsFiltering() {
		c.logger.Debug().
			Str("target", target.String()).
			Uint8("icmp_type", p.ICMPType).
			Uint8("icmp_code", p.ICMPCode).
			Msg("Ignoring unreachable error that does not describe the port")

		return
	}

	if tech == models.TechniqueIdle {
		if c.opts.OnIPID != nil {
			c.opts.OnIPID(target, p.IPID)
		}

		return
	}

	if tech == models.TechniqueSYN && p.Kind == packet.KindTCP &&
		p.Flags.Has(packet.FlagSYN|packet.FlagACK) && c.opts.OnOpen != nil {
		c.opts.OnOpen(target, p)
	}

	v := Interpret(tech, Observed{Packet: p})

	if c.opts.Stateful(tech) {
		c.handleTracked(target, tech, v)
		return
	}

	if c.seen.contains(models.OutcomeKey{Target: target, Technique: tech}) {
		c.opts.Stats.IncDuplicate()
		return
	}

	if c.opts.Feedback != nil {
		c.opts.Feedback.OnAck(0)
	}

	c.emit(c.outcome(target, tech, v))
}

// handleHost consumes discovery answers. It reports false for packets
// that belong to port probes.
func (c *Correlator) handleHost(p *packet.Parsed) bool {
	if c.opts.OnHost == nil {
		return false
	}

	switch {
	case p.Kind == packet.KindARP || p.Kind == packet.KindNDP:
		if p.Neighbor != nil && p.Neighbor.IP.IsValid() {
			c.opts.OnHost(p.Neighbor.IP)
		}

		return true
	case p.IsEchoReply() || (p.Kind == packet.KindICMPv4 && p.ICMPType == packet.ICMPv4TimestampReply):
		hv, ok := c.opts.Validator.(HostValidator)
		if !ok {
			return false
		}

		host, ok := hv.ValidateEcho(p)
		if !ok {
			c.opts.Stats.IncDroppedInvalid()
			return true
		}

		c.opts.OnHost(host)

		return true
	}

	return false
}

func (c *Correlator) handleTracked(target models.Target, tech models.Technique, v Verdict) {
	if c.opts.Tracker == nil {
		c.logger.Warn().Str("technique", tech.String()).Msg("Tracked response without a tracker")
		return
	}

	h, ok := c.opts.Tracker.Lookup(target, tech)
	if !ok || !c.opts.Tracker.RecordResponse(h, v) {
		c.opts.Stats.IncDuplicate()
	}
}

// Finalize implements tracker.Finalizer.
func (c *Correlator) Finalize(o models.ScanOutcome) {
	c.emit(o)
}

// Emit resolves an outcome produced outside packet correlation, such as a
// connect attempt or an idle-scan decision.
func (c *Correlator) Emit(o models.ScanOutcome) bool {
	return c.emit(o)
}

// Timeout resolves an unanswered stateless probe by its technique's
// silence rule. It returns false when the pair was already resolved.
func (c *Correlator) Timeout(t models.Target, tech models.Technique) bool {
	return c.emit(c.outcome(t, tech, Interpret(tech, Observed{Timeout: true})))
}

// Expire is Timeout without recording the pair. It must only be used
// once receiving has stopped, walking each target at most once.
func (c *Correlator) Expire(t models.Target, tech models.Technique) bool {
	if c.seen.contains(models.OutcomeKey{Target: t, Technique: tech}) {
		return false
	}

	o := c.outcome(t, tech, Interpret(tech, Observed{Timeout: true}))
	c.opts.Stats.IncOutcome(o.State)
	c.opts.Sink.Emit(o)

	return true
}

// Resolved reports whether (t, tech) has produced an outcome.
func (c *Correlator) Resolved(t models.Target, tech models.Technique) bool {
	return c.seen.contains(models.OutcomeKey{Target: t, Technique: tech})
}

// ResolvedCount is the number of pairs recorded as resolved.
func (c *Correlator) ResolvedCount() int {
	return c.seen.len()
}

func (c *Correlator) outcome(t models.Target, tech models.Technique, v Verdict) models.ScanOutcome {
	return models.ScanOutcome{
		Target:     t,
		Technique:  tech,
		State:      v.State,
		Evidence:   v.Evidence,
		Detail:     v.Detail,
		Confidence: v.Confidence,
		Timestamp:  c.opts.Now(),
	}
}

func (c *Correlator) emit(o models.ScanOutcome) bool {
	if !c.seen.insert(o.Key()) {
		c.opts.Stats.IncDuplicate()
		return false
	}

	c.opts.Stats.IncOutcome(o.State)
	c.opts.Sink.Emit(o)

	return true
}
