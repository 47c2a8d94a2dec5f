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

// Package tracker keeps per-(target, technique) records for probes that
// need retransmission, RTT measurement or more than one round trip.
package tracker

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
)

const (
	minShards = 4
	maxShards = 64

	// DefaultMaxRetries matches nmap's default retransmission bound.
	DefaultMaxRetries = 10
	// DefaultHostTimeout bounds the lifetime of any record.
	DefaultHostTimeout = 15 * time.Minute

	maxRTTSamples = 8
)

// Phase is the lifecycle position of a record.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseEstablished
	PhaseClosing
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseEstablished:
		return "established"
	case PhaseClosing:
		return "closing"
	default:
		return "terminal"
	}
}

// Feedback receives the congestion signals produced by tracked probes.
// OnDupLoss reports a timeout on a probe that later probes have already
// overtaken, which means the path is still delivering; OnLoss reports a
// timeout with no such evidence.
type Feedback interface {
	OnAck(rtt time.Duration)
	OnLoss(eventID uint64)
	OnDupLoss(eventID uint64)
}

// reorderThreshold is how many later sends must have been answered before
// an expired probe counts as overtaken, mirroring TCP's three duplicate
// acknowledgements.
const reorderThreshold = 3

// Finalizer receives the single outcome of every record.
type Finalizer interface {
	Finalize(models.ScanOutcome)
}

// Verdict is the result a record is finalised with.
type Verdict struct {
	State      models.PortState
	Evidence   models.Evidence
	Detail     string
	Confidence models.Confidence
}

// Handle refers to one record. A handle outlives its record harmlessly:
// operations on a finalised record are no-ops.
type Handle struct {
	key models.OutcomeKey
	id  uint64
}

// Key returns the (target, technique) pair the handle tracks.
func (h Handle) Key() models.OutcomeKey {
	return h.key
}

// ConnectionState is a copy of a live record.
type ConnectionState struct {
	Target      models.Target
	Technique   models.Technique
	Phase       Phase
	ProbesSent  int
	FirstSentAt time.Time
	LastSentAt  time.Time
	Retries     int
	RTTSamples  []time.Duration
}

type record struct {
	id      uint64
	created time.Time
	state   ConnectionState
	// sendSeq orders the record's latest transmission among all sends.
	sendSeq uint64
}

type shard struct {
	mu      sync.RWMutex
	records map[models.OutcomeKey]*record
}

// Config tunes a Tracker.
type Config struct {
	// Shards defaults to GOMAXPROCS clamped to [4, 64].
	Shards      int
	MaxRetries  int
	HostTimeout time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Tracker is a sharded map of live records. Removing a record from its
// shard under the shard lock is the only way to finalise it, which makes
// disposal exactly-once.
type Tracker struct {
	shards   []*shard
	cfg      Config
	feedback Feedback
	final    Finalizer
	nextID   atomic.Uint64
	sendSeq  atomic.Uint64
	// answered is the highest sendSeq that drew a reply.
	answered atomic.Uint64
	logger   logger.Logger
}

// New returns a Tracker. feedback may be nil.
func New(cfg Config, feedback Feedback, final Finalizer, log logger.Logger) *Tracker {
	if cfg.Shards <= 0 {
		cfg.Shards = runtime.GOMAXPROCS(0)
	}

	cfg.Shards = min(max(cfg.Shards, minShards), maxShards)

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = DefaultHostTimeout
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	t := &Tracker{
		shards:   make([]*shard, cfg.Shards),
		cfg:      cfg,
		feedback: feedback,
		final:    final,
		logger:   log,
	}

	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[models.OutcomeKey]*record)}
	}

	return t
}

func (t *Tracker) shardFor(k models.OutcomeKey) *shard {
	return t.shards[k.Hash()%uint32(len(t.shards))]
}

// Begin creates a Pending record unless a live one already exists for the
// key, in which case it returns false.
func (t *Tracker) Begin(target models.Target, tech models.Technique) (Handle, bool) {
	k := models.OutcomeKey{Target: target, Technique: tech}
	sh := t.shardFor(k)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.records[k]; ok {
		return Handle{}, false
	}

	r := &record{
		id:      t.nextID.Add(1),
		created: t.cfg.Now(),
		state:   ConnectionState{Target: target, Technique: tech, Phase: PhasePending},
	}
	sh.records[k] = r

	return Handle{key: k, id: r.id}, true
}

// Lookup returns the handle of the live record for (target, technique).
func (t *Tracker) Lookup(target models.Target, tech models.Technique) (Handle, bool) {
	k := models.OutcomeKey{Target: target, Technique: tech}
	sh := t.shardFor(k)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.records[k]
	if !ok {
		return Handle{}, false
	}

	return Handle{key: k, id: r.id}, true
}

// with runs fn on h's record under its shard lock. It returns false when
// the record is gone or was replaced.
func (t *Tracker) with(h Handle, fn func(*record)) bool {
	sh := t.shardFor(h.key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.records[h.key]
	if !ok || r.id != h.id {
		return false
	}

	fn(r)

	return true
}

// take removes h's record. Only the caller that gets it back may finalise.
func (t *Tracker) take(h Handle) (*record, bool) {
	sh := t.shardFor(h.key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.records[h.key]
	if !ok || r.id != h.id {
		return nil, false
	}

	delete(sh.records, h.key)

	return r, true
}

// RecordSent notes a (re)transmission.
func (t *Tracker) RecordSent(h Handle) bool {
	now := t.cfg.Now()

	return t.with(h, func(r *record) {
		if r.state.ProbesSent == 0 {
			r.state.FirstSentAt = now
		}

		r.state.ProbesSent++
		r.state.LastSentAt = now
		r.sendSeq = t.sendSeq.Add(1)
	})
}

func (t *Tracker) markAnswered(seq uint64) {
	for {
		cur := t.answered.Load()
		if seq <= cur || t.answered.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Advance moves a multi-round record forward. Phases never move backwards
// and Terminal is only reached through finalisation.
func (t *Tracker) Advance(h Handle, p Phase) bool {
	if p == PhaseTerminal {
		return false
	}

	var (
		advanced bool
		rtt      time.Duration
	)

	now := t.cfg.Now()

	t.with(h, func(r *record) {
		if p <= r.state.Phase {
			return
		}

		if r.state.Phase == PhasePending {
			rtt = t.sample(r, now)
			t.markAnswered(r.sendSeq)
		}

		r.state.Phase = p
		advanced = true
	})

	if rtt > 0 && t.feedback != nil {
		t.feedback.OnAck(rtt)
	}

	return advanced
}

// sample records the round trip since the last send. Replies to a
// retransmitted probe cannot be matched to a specific send and are not
// sampled, whether or not the retransmission went through RecordTimeout.
func (t *Tracker) sample(r *record, now time.Time) time.Duration {
	if r.state.ProbesSent != 1 || r.state.Retries > 0 {
		return 0
	}

	rtt := now.Sub(r.state.LastSentAt)
	if rtt <= 0 {
		return 0
	}

	r.state.RTTSamples = appendSample(r.state.RTTSamples, rtt)

	return rtt
}

// RecordResponse finalises h with v. A record that is still Pending feeds
// its round trip back as an RTT sample.
func (t *Tracker) RecordResponse(h Handle, v Verdict) bool {
	r, ok := t.take(h)
	if !ok {
		return false
	}

	now := t.cfg.Now()

	var rtt time.Duration

	if r.state.Phase == PhasePending {
		rtt = t.sample(r, now)
		t.markAnswered(r.sendSeq)

		if rtt > 0 && t.feedback != nil {
			t.feedback.OnAck(rtt)
		}
	} else if n := len(r.state.RTTSamples); n > 0 {
		rtt = r.state.RTTSamples[n-1]
	}

	t.finalize(r, v, rtt, now)

	return true
}

// RecordTimeout handles an expired wait on h. While retries remain it
// counts one and returns true; the caller retransmits. Otherwise the record
// is finalised with exhausted and false is returned. Each timeout is a loss
// event for the congestion controller.
func (t *Tracker) RecordTimeout(h Handle, exhausted Verdict) bool {
	var (
		retry  bool
		lossID uint64
		seq    uint64
	)

	ok := t.with(h, func(r *record) {
		lossID = r.id<<8 | uint64(r.state.Retries&0xff)
		seq = r.sendSeq

		if r.state.Retries < t.cfg.MaxRetries {
			r.state.Retries++
			retry = true
		}
	})
	if !ok {
		return false
	}

	if t.feedback != nil {
		if seq > 0 && t.answered.Load() >= seq+reorderThreshold {
			t.feedback.OnDupLoss(lossID)
		} else {
			t.feedback.OnLoss(lossID)
		}
	}

	if retry {
		return true
	}

	if r, ok := t.take(h); ok {
		t.finalize(r, exhausted, 0, t.cfg.Now())
	}

	return false
}

// Sweep evicts every record older than the host timeout as Filtered and
// returns how many it evicted.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.cfg.HostTimeout)

	evicted := t.removeWhere(func(r *record) bool {
		return !r.created.After(cutoff)
	})

	for _, r := range evicted {
		t.finalize(r, Verdict{State: models.StateFiltered, Evidence: models.EvidenceHostTimeout}, 0, now)
	}

	if len(evicted) > 0 {
		t.logger.Debug().
			Int("evicted", len(evicted)).
			Dur("host_timeout", t.cfg.HostTimeout).
			Msg("Swept expired tracker records")
	}

	return len(evicted)
}

// Drain finalises every live record with v. It is used on cancellation so
// that no record is silently dropped.
func (t *Tracker) Drain(v Verdict) int {
	drained := t.removeWhere(func(*record) bool { return true })
	now := t.cfg.Now()

	for _, r := range drained {
		t.finalize(r, v, 0, now)
	}

	if len(drained) > 0 {
		t.logger.Info().Int("records", len(drained)).Str("state", v.State.String()).Msg("Drained tracker")
	}

	return len(drained)
}

func (t *Tracker) removeWhere(match func(*record) bool) []*record {
	var out []*record

	for _, sh := range t.shards {
		sh.mu.Lock()

		for k, r := range sh.records {
			if match(r) {
				delete(sh.records, k)
				out = append(out, r)
			}
		}

		sh.mu.Unlock()
	}

	return out
}

func (t *Tracker) finalize(r *record, v Verdict, rtt time.Duration, now time.Time) {
	r.state.Phase = PhaseTerminal

	t.final.Finalize(models.ScanOutcome{
		Target:     r.state.Target,
		Technique:  r.state.Technique,
		State:      v.State,
		Evidence:   v.Evidence,
		Detail:     v.Detail,
		Confidence: v.Confidence,
		RTT:        rtt,
		Timestamp:  now,
	})
}

// State returns a copy of h's live record.
func (t *Tracker) State(h Handle) (ConnectionState, bool) {
	sh := t.shardFor(h.key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.records[h.key]
	if !ok || r.id != h.id {
		return ConnectionState{}, false
	}

	cs := r.state
	cs.RTTSamples = append([]time.Duration(nil), r.state.RTTSamples...)

	return cs, true
}

// Len is the number of live records.
func (t *Tracker) Len() int {
	n := 0

	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}

	return n
}

func appendSample(s []time.Duration, d time.Duration) []time.Duration {
	if len(s) == maxRTTSamples {
		copy(s, s[1:])
		s = s[:maxRTTSamples-1]
	}

	return append(s, d)
}
