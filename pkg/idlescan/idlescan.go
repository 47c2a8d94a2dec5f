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

// Package idlescan probes ports indirectly through a zombie host whose IP
// ID counter is global and predictable.
package idlescan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/carverauto/sweepcore/pkg/correlate"
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

const (
	DefaultReplyTimeout = time.Second
	DefaultSettle       = 100 * time.Millisecond
	DefaultRetries      = 2
	DefaultMaxIncrement = 5
	DefaultRounds       = 1
	DefaultCheckProbes  = 4
)

var (
	ErrNoZombie      = errors.New("zombie address is required")
	ErrZombieSilent  = errors.New("zombie did not answer")
	ErrTooFewProbes  = errors.New("zombie check needs at least two probes")
	ErrZombieWrongIP = errors.New("zombie and target address families differ")
)

// Class describes the IP ID sequence a zombie exhibits.
type Class string

const (
	ClassIncremental        Class = "incremental"
	ClassBrokenLittleEndian Class = "broken-little-endian"
	ClassRandom             Class = "random"
	ClassZero               Class = "zero"
)

// Transmitter sends one crafted datagram.
type Transmitter interface {
	Send([]byte) error
}

// Crafter builds the two kinds of probe an idle scan needs.
type Crafter interface {
	CraftIPIDProbe(zombie models.Target) (prober.ProbeDescriptor, error)
	CraftFrom(src netip.Addr, t models.Target, tech models.Technique) (prober.ProbeDescriptor, error)
}

// Pacer gates every transmission.
type Pacer interface {
	AcquirePermit(ctx context.Context) error
}

// Config tunes a Prober.
type Config struct {
	// Zombie is the host and open port whose IP ID is read.
	Zombie       models.Target
	ReplyTimeout time.Duration
	// Settle is how long to wait after the spoofed probe for the target's
	// reply to reach the zombie.
	Settle       time.Duration
	Retries      int
	MaxIncrement uint16
	// Rounds repeats the spoofed round per port; disagreeing rounds make
	// the result unreliable.
	Rounds int
}

// ZombieReport is the result of a suitability check.
type ZombieReport struct {
	Accepted   bool     `json:"accepted"`
	Increments []uint16 `json:"increments"`
	Class      Class    `json:"class"`
}

// Prober runs the idle-scan exchange against one zombie. Probes through
// the same zombie are serialised: the zombie's counter is the only signal
// and concurrent rounds would read each other's increments.
type Prober struct {
	cfg     Config
	codec   Crafter
	tx      Transmitter
	pacer   Pacer
	tracker *tracker.Tracker
	logger  logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	replies chan uint16
}

// New builds a Prober. The tracker and pacer are optional.
func New(cfg Config, codec Crafter, tx Transmitter, pacer Pacer, tr *tracker.Tracker, log logger.Logger) (*Prober, error) {
	if !cfg.Zombie.Addr.IsValid() {
		return nil, ErrNoZombie
	}

	cfg.Zombie.Protocol = models.ProtocolTCP

	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}

	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}

	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	if cfg.MaxIncrement == 0 {
		cfg.MaxIncrement = DefaultMaxIncrement
	}

	if cfg.Rounds <= 0 {
		cfg.Rounds = DefaultRounds
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Prober{
		cfg:     cfg,
		codec:   codec,
		tx:      tx,
		pacer:   pacer,
		tracker: tr,
		logger:  log.WithComponent("idlescan"),
		now:     time.Now,
		replies: make(chan uint16, 1),
	}, nil
}

// Zombie returns the zombie target.
func (p *Prober) Zombie() models.Target {
	return p.cfg.Zombie
}

// Deliver hands a validated zombie reply to the prober. It never blocks;
// replies nobody waits for are dropped.
func (p *Prober) Deliver(zombie models.Target, ipid uint16) {
	if zombie.Addr != p.cfg.Zombie.Addr || zombie.Port != p.cfg.Zombie.Port {
		return
	}

	select {
	case p.replies <- ipid:
	default:
	}
}

// readIPID probes the zombie and returns the IP ID of its reply. sent, when
// set, runs just before every transmission.
func (p *Prober) readIPID(ctx context.Context, sent func()) (uint16, error) {
	d, err := p.codec.CraftIPIDProbe(p.cfg.Zombie)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		p.drain()

		if sent != nil {
			sent()
		}

		if err := p.send(ctx, d.Bytes); err != nil {
			return 0, err
		}

		timer := time.NewTimer(p.cfg.ReplyTimeout)

		select {
		case id := <-p.replies:
			timer.Stop()
			return id, nil
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	return 0, ErrZombieSilent
}

func (p *Prober) drain() {
	for {
		select {
		case <-p.replies:
		default:
			return
		}
	}
}

func (p *Prober) send(ctx context.Context, b []byte) error {
	if p.pacer != nil {
		if err := p.pacer.AcquirePermit(ctx); err != nil {
			return err
		}
	}

	return p.tx.Send(b)
}

func (p *Prober) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CheckZombie sends n baseline probes and classifies the increments. A
// zombie is accepted only when every increment is equal and within
// [1, MaxIncrement].
func (p *Prober) CheckZombie(ctx context.Context, n int) (ZombieReport, error) {
	if n < 2 {
		return ZombieReport{}, ErrTooFewProbes
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uint16, 0, n)

	for i := 0; i < n; i++ {
		id, err := p.readIPID(ctx, nil)
		if err != nil {
			return ZombieReport{}, fmt.Errorf("zombie check probe %d: %w", i+1, err)
		}

		ids = append(ids, id)
	}

	incs := make([]uint16, 0, n-1)
	for i := 1; i < len(ids); i++ {
		incs = append(incs, ids[i]-ids[i-1])
	}

	report := ZombieReport{Increments: incs, Class: classify(incs)}
	report.Accepted = report.Class == ClassIncremental && incs[0] >= 1 && incs[0] <= p.cfg.MaxIncrement

	p.logger.Info().
		Str("zombie", p.cfg.Zombie.String()).
		Str("class", string(report.Class)).
		Bool("accepted", report.Accepted).
		Interface("increments", incs).
		Msg("Checked zombie")

	return report, nil
}

// classify labels a run of increments. A counter that never moves, zero
// or constant, is ClassZero.
func classify(incs []uint16) Class {
	zero := true

	for _, inc := range incs {
		if inc != 0 {
			zero = false
			break
		}
	}

	if zero {
		return ClassZero
	}

	equal, byteSwapped := true, true

	for _, inc := range incs {
		if inc != incs[0] {
			equal = false
		}

		// Hosts that write the counter in host order on little-endian
		// machines step by multiples of 256.
		if inc == 0 || inc%256 != 0 {
			byteSwapped = false
		}
	}

	switch {
	case byteSwapped:
		return ClassBrokenLittleEndian
	case equal && incs[0] != 0:
		return ClassIncremental
	default:
		return ClassRandom
	}
}

// round is one BaselineProbe, SpoofedProbe, ConfirmProbe exchange.
type round struct {
	baseline uint16
	post     uint16
	ok       bool
}

func (r round) delta() uint16 {
	return r.post - r.baseline
}

// ProbePort decides the state of target through the zombie. The returned
// diagnostic is non-nil when the zombie's counter moved in a way that does
// not support a verdict.
func (p *Prober) ProbePort(ctx context.Context, target models.Target) (models.ScanOutcome, *models.ZombieDiagnostic, error) {
	if target.Is4() != p.cfg.Zombie.Is4() {
		return models.ScanOutcome{}, nil, ErrZombieWrongIP
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		h       tracker.Handle
		tracked bool
	)

	if p.tracker != nil {
		h, tracked = p.tracker.Begin(target, models.TechniqueIdle)
	}

	rounds := make([]round, 0, p.cfg.Rounds)

	for i := 0; i < p.cfg.Rounds; i++ {
		r, err := p.probeRound(ctx, target, h, tracked)
		if err != nil && !errors.Is(err, ErrZombieSilent) {
			if tracked {
				p.tracker.RecordResponse(h, tracker.Verdict{State: models.StateUnknown, Evidence: models.EvidenceCancelled})
			}

			return models.ScanOutcome{}, nil, err
		}

		rounds = append(rounds, r)
	}

	v, diag := p.decide(target, rounds)

	if tracked {
		p.tracker.RecordResponse(h, v)
	}

	return models.ScanOutcome{
		Target:     target,
		Technique:  models.TechniqueIdle,
		State:      v.State,
		Evidence:   v.Evidence,
		Detail:     v.Detail,
		Confidence: v.Confidence,
		Timestamp:  p.now(),
	}, diag, nil
}

func (p *Prober) probeRound(ctx context.Context, target models.Target, h tracker.Handle, tracked bool) (round, error) {
	// The spoofed probe is never answered to us, so the baseline exchange
	// with the zombie is the round trip the record measures.
	var sent func()
	if tracked {
		sent = func() { p.tracker.RecordSent(h) }
	}

	base, err := p.readIPID(ctx, sent)
	if err != nil {
		return round{}, err
	}

	if tracked {
		p.tracker.Advance(h, tracker.PhaseEstablished)
	}

	d, err := p.codec.CraftFrom(p.cfg.Zombie.Addr, target, models.TechniqueIdle)
	if err != nil {
		return round{}, err
	}

	if err := p.send(ctx, d.Bytes); err != nil {
		return round{}, err
	}

	if tracked {
		p.tracker.Advance(h, tracker.PhaseClosing)
	}

	if err := p.wait(ctx, p.cfg.Settle); err != nil {
		return round{}, err
	}

	post, err := p.readIPID(ctx, nil)
	if err != nil {
		return round{}, err
	}

	return round{baseline: base, post: post, ok: true}, nil
}

func (p *Prober) decide(target models.Target, rounds []round) (tracker.Verdict, *models.ZombieDiagnostic) {
	first := rounds[0]

	var (
		v      tracker.Verdict
		reason string
	)

	if first.ok {
		v = correlate.Interpret(models.TechniqueIdle, correlate.Observed{IPIDDelta: first.delta(), HasDelta: true})
	} else {
		v = correlate.Interpret(models.TechniqueIdle, correlate.Observed{})
		reason = "zombie did not answer"
	}

	for _, r := range rounds[1:] {
		if reason != "" {
			break
		}

		if !r.ok || r.delta() != first.delta() {
			reason = "rounds disagree"
			v = tracker.Verdict{
				State:      models.StateUnknown,
				Evidence:   models.EvidenceIPIDDelta,
				Detail:     reason,
				Confidence: models.ConfidenceLow,
			}

			break
		}
	}

	if reason == "" && v.State == models.StateUnknown {
		reason = fmt.Sprintf("unexpected ip id delta %d", first.delta())
	}

	if reason == "" {
		return v, nil
	}

	p.logger.Debug().
		Str("target", target.String()).
		Uint16("baseline", first.baseline).
		Uint16("post", first.post).
		Str("reason", reason).
		Msg("Zombie result not asserted")

	return v, &models.ZombieDiagnostic{
		Zombie:    p.cfg.Zombie.Addr,
		Target:    target,
		Baseline:  first.baseline,
		Post:      first.post,
		Delta:     first.delta(),
		Reason:    reason,
		Timestamp: p.now(),
	}
}
