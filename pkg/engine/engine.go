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

package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/sweepcore/pkg/config"
	"github.com/carverauto/sweepcore/pkg/correlate"
	"github.com/carverauto/sweepcore/pkg/idlescan"
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/metrics"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/ratecontrol"
	"github.com/carverauto/sweepcore/pkg/sequencer"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

const (
	deadlineQueueSize = 1024
	settlePoll        = 10 * time.Millisecond

	// lossSampleEvery is the stride of stateless probes watched for loss.
	lossSampleEvery = 16
	// sampledLossBit keeps sampled loss ids apart from tracker loss ids.
	sampledLossBit = 1 << 63
)

// Deps are the platform pieces a session runs on. Transmitter and
// Receiver are required when any raw technique or host discovery is
// configured; Dialer defaults to a plain net.Dialer.
type Deps struct {
	Transmitter Transmitter
	Receiver    Receiver
	// Link adds ARP and neighbour solicitation to host discovery.
	Link        LinkTransmitter
	Emitter     Emitter
	Diagnostics DiagnosticSink
	Dialer      Dialer
	Meter       metric.Meter
	Logger      logger.Logger
	// SessionID names the session; a random one is drawn when unset.
	SessionID uuid.UUID
}

// pass is one technique applied to the whole target space.
type pass struct {
	technique models.Technique
	seq       *sequencer.Sequencer
}

// Engine is a configured scan session. Build it with New and call Run
// once.
type Engine struct {
	cfg     config.Scan
	deps    Deps
	session *Session
	logger  logger.Logger

	prober     *prober.Prober
	correlator *correlate.Correlator
	idle       *idlescan.Prober

	passes  []pass
	hosts   *sequencer.Sequencer
	live    *hostSet
	decoys  []netip.Addr
	retries int
	raw     bool
	shard   uint64
	shards  uint64

	deadlines chan deadline
	pending   atomic.Int64
	sampled   atomic.Uint64
	lossSeq   atomic.Uint64
	failures  atomic.Int32
	started   atomic.Bool
	now       func() time.Time
}

// New validates cfg and assembles a session. All configuration errors are
// reported here, before anything touches the network.
func New(cfg config.Scan, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deps.Emitter == nil {
		return nil, ErrNoEmitter
	}

	techs, err := cfg.TechniqueList()
	if err != nil {
		return nil, err
	}

	ports, err := cfg.PortList()
	if err != nil {
		return nil, err
	}

	raw := slices.ContainsFunc(techs, models.Technique.Raw) || cfg.Discovery

	if raw && deps.Transmitter == nil {
		return nil, ErrNoTransmitter
	}

	if raw && deps.Receiver == nil {
		return nil, ErrNoReceiver
	}

	if deps.Dialer == nil {
		deps.Dialer = &net.Dialer{}
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}

	rc, err := ratecontrol.New(cfg.RateConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	s := newSession(key, rc, log)
	if deps.SessionID != uuid.Nil {
		s.ID = deps.SessionID
	}

	log = log.WithComponent("engine").WithFields(map[string]interface{}{"session_id": s.ID.String()})
	s.Logger = log

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		session:   s,
		logger:    log,
		retries:   cfg.RetryLimit(),
		raw:       raw,
		deadlines: make(chan deadline, deadlineQueueSize),
		now:       time.Now,
	}

	if e.decoys, err = cfg.DecoyAddrs(); err != nil {
		return nil, err
	}

	if raw {
		if err := e.buildProber(cfg, key); err != nil {
			return nil, err
		}
	}

	var onHost func(netip.Addr)
	if cfg.Discovery {
		e.live = newHostSet()
		onHost = e.live.mark
	}

	e.correlator = correlate.New(correlate.Options{
		Validator: e.prober,
		Sink:      deps.Emitter,
		Feedback:  feedback{rc},
		Stats:     s.Stats,
		Stateful:  e.tracked,
		OnOpen:    e.resetHalfOpen,
		OnIPID:    e.deliverIPID,
		OnHost:    onHost,
		Logger:    log,
	})

	s.Tracker = tracker.New(tracker.Config{
		MaxRetries:  e.retries,
		HostTimeout: cfg.HostTimeoutOrDefault(),
	}, feedback{rc}, e.correlator, log.WithComponent("tracker"))
	e.correlator.AttachTracker(s.Tracker)

	if slices.Contains(techs, models.TechniqueIdle) {
		zombie, err := cfg.ZombieTarget()
		if err != nil {
			return nil, err
		}

		e.idle, err = idlescan.New(idlescan.Config{Zombie: zombie}, e.prober, wire{e}, rc, s.Tracker, log)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
	}

	if err := e.buildPasses(cfg, techs, ports, key); err != nil {
		return nil, err
	}

	if err := s.register(deps.Meter); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return e, nil
}

func (e *Engine) buildProber(cfg config.Scan, key prober.Key) error {
	src, err := cfg.Sources()
	if err != nil {
		return err
	}

	e.prober, err = prober.New(prober.Config{
		Key:        key,
		Source4:    src[0],
		Source6:    src[1],
		SourcePort: cfg.SourcePort,
		TTL:        cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	return nil
}

func (e *Engine) buildPasses(cfg config.Scan, techs []models.Technique, ports []uint16, key prober.Key) error {
	seed := cfg.Seed
	if seed == 0 {
		// The session key gives each session its own order.
		seed = int64(binary.BigEndian.Uint64(key[:8]))
	}

	if cfg.Shards > 0 {
		e.shard, e.shards = uint64(cfg.Shard), uint64(cfg.Shards)
	}

	for _, tech := range techs {
		seq, err := sequencer.New(cfg.Targets, ports, tech.Protocol(), seed)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}

		if e.shards > 0 {
			if _, err := seq.Shard(e.shard, e.shards); err != nil {
				return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
			}
		}

		e.passes = append(e.passes, pass{technique: tech, seq: seq})
	}

	if cfg.Discovery {
		hosts, err := sequencer.NewHosts(cfg.Targets, seed)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}

		e.hosts = hosts
	}

	return nil
}

// Session exposes the shared session state.
func (e *Engine) Session() *Session {
	return e.session
}

// Stats is a snapshot of the session counters.
func (e *Engine) Stats() metrics.Snapshot {
	return e.session.Stats.Snapshot()
}

// Close releases the engine's reference on the session.
func (e *Engine) Close() {
	e.session.Release()
}

// ListenPorts are the local TCP ports replies to cfg's raw probes arrive
// on, for building the capture filter.
func ListenPorts(cfg config.Scan) []uint16 {
	techs, err := cfg.TechniqueList()
	if err != nil {
		return nil
	}

	base := cfg.SourcePort
	if base == 0 {
		base = prober.DefaultSourcePort
	}

	var ports []uint16

	for _, t := range techs {
		if t.Raw() && t.Protocol() == models.ProtocolTCP {
			ports = append(ports, base+uint16(t))
		}
	}

	return ports
}

func (e *Engine) tracked(t models.Technique) bool {
	return t.Stateful() || (t == models.TechniqueACK && e.cfg.TrackACK)
}

// Run executes every technique pass and returns once all outcomes have
// been emitted. Cancelling ctx stops transmission; live tracker records
// are then emitted as cancelled and ctx's error is returned.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.session.Retain()
	defer e.session.Release()

	start := e.now()

	ev := e.logger.Info().
		Int("passes", len(e.passes)).
		Float64("rate", e.session.Rate.Rate()).
		Int("retries", e.retries)
	if e.raw {
		ev = ev.Str("filter", e.deps.Receiver.Filter())
	}

	ev.Msg("Scan started")

	g, gctx := errgroup.WithContext(ctx)

	// Receive, timeout and sweep loops outlive transmission by the grace
	// period and stop when loopCtx is cancelled.
	loopCtx, stopLoops := context.WithCancel(gctx)
	defer stopLoops()

	if e.raw {
		g.Go(func() error { return e.receiveLoop(loopCtx) })
	}

	g.Go(func() error { return e.timeoutLoop(loopCtx) })
	g.Go(func() error { return e.sweepLoop(loopCtx) })

	g.Go(func() error {
		defer stopLoops()

		if err := e.transmit(gctx); err != nil {
			return err
		}

		return e.settle(gctx)
	})

	err := g.Wait()

	if ctx.Err() != nil || err != nil {
		drained := e.session.Tracker.Drain(tracker.Verdict{
			State:      models.StateUnknown,
			Evidence:   models.EvidenceCancelled,
			Confidence: models.ConfidenceLow,
		})

		e.logger.Warn().Err(err).Int("drained", drained).Msg("Scan aborted")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	e.session.Tracker.Drain(tracker.Verdict{State: models.StateFiltered, Evidence: models.EvidenceNoResponse})
	expired := e.expireStateless()

	snap := e.session.Stats.Snapshot()
	e.logger.Info().
		Dur("elapsed", e.now().Sub(start)).
		Uint64("sent", snap.Sent).
		Uint64("received", snap.Received).
		Uint64("outcomes", snap.Total()).
		Int("expired", expired).
		Msg("Scan complete")

	return nil
}

// each walks p's share of the target space, checking ctx between targets.
func (e *Engine) each(ctx context.Context, p pass, fn func(models.Target) error) error {
	next := p.seq.Next

	if e.shards > 0 {
		sh, err := p.seq.Shard(e.shard, e.shards)
		if err != nil {
			return err
		}

		next = sh.Next
	} else {
		p.seq.Reset()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, ok := next()
		if !ok {
			return nil
		}

		if err := fn(t); err != nil {
			return err
		}
	}
}

func (e *Engine) transmit(ctx context.Context) error {
	delay := e.cfg.ScanDelayOrDefault()

	if e.hosts != nil {
		if err := e.discover(ctx); err != nil {
			return err
		}
	}

	for _, p := range e.passes {
		e.logger.Debug().
			Str("technique", p.technique.String()).
			Uint64("targets", p.seq.Len()).
			Msg("Starting pass")

		var err error

		switch p.technique {
		case models.TechniqueConnect:
			err = e.connectPass(ctx, p)
		case models.TechniqueIdle:
			err = e.idlePass(ctx, p)
		default:
			err = e.rawPass(ctx, p, delay)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// settle waits for tracked probes and retransmissions to finish, then
// leaves one grace period for late stateless answers.
func (e *Engine) settle(ctx context.Context) error {
	tick := time.NewTicker(settlePoll)
	defer tick.Stop()

	for e.session.Tracker.Len() > 0 || e.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}

	grace := max(e.session.Rate.RTO(), e.cfg.WaitAfterSendOrDefault())

	e.logger.Debug().Dur("grace", grace).Msg("Transmission finished, waiting for late responses")

	return sleep(ctx, grace)
}

func (e *Engine) receiveLoop(ctx context.Context) error {
	for {
		c, err := e.deps.Receiver.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, ErrTransient) {
				continue
			}

			return fmt.Errorf("%w: receive: %w", ErrResourceFatal, err)
		}

		e.correlator.HandleFrame(c.Data, c.Link)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	tick := time.NewTicker(e.cfg.SweepEvery())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			e.session.Tracker.Sweep(now)
		}
	}
}

// expireStateless resolves every stateless target that never answered.
func (e *Engine) expireStateless() int {
	var n int

	for _, p := range e.passes {
		if !p.technique.Raw() || e.tracked(p.technique) {
			continue
		}

		_ = e.each(context.Background(), p, func(t models.Target) error {
			if e.correlator.Expire(t, p.technique) {
				n++
			}

			return nil
		})
	}

	return n
}

// emitUnresolvable reports a target the session could not probe at all.
func (e *Engine) emitUnresolvable(t models.Target, tech models.Technique, detail string) {
	e.correlator.Emit(models.ScanOutcome{
		Target:     t,
		Technique:  tech,
		State:      models.StateUnknown,
		Detail:     detail,
		Confidence: models.ConfidenceLow,
		Timestamp:  e.now(),
	})
}

// resetHalfOpen tears down the connection a SYN+ACK opened.
func (e *Engine) resetHalfOpen(t models.Target, synAck *packet.Parsed) {
	rst, err := e.prober.RST(t, synAck)
	if err != nil {
		e.logger.Debug().Err(err).Str("target", t.String()).Msg("Failed to build reset")
		return
	}

	if err := e.deps.Transmitter.Send(rst); err != nil {
		e.logger.Debug().Err(err).Str("target", t.String()).Msg("Failed to send reset")
	}
}

func (e *Engine) deliverIPID(zombie models.Target, ipid uint16) {
	if e.idle != nil {
		e.idle.Deliver(zombie, ipid)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
