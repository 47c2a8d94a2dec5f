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

// Package ratecontrol implements the session-wide congestion controller
// that paces probe transmission.
package ratecontrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultMinRate    = 1.0
	DefaultMaxRate    = 10000.0
	DefaultMaxCwnd    = 10000
	DefaultInitialRTT = time.Second
	DefaultMinRTO     = 100 * time.Millisecond
	DefaultMaxRTO     = 10 * time.Second
	DefaultLossWindow = 4096

	// burstWindow is how much transmit time a single token burst may cover.
	burstWindow = 10 * time.Millisecond
	// clockGranularity is the G term of RFC 6298.
	clockGranularity = time.Millisecond
)

var ErrInvalidRate = errors.New("invalid rate configuration")

// Phase is the congestion-control phase.
type Phase uint8

const (
	SlowStart Phase = iota
	CongestionAvoidance
	FastRecovery
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "slow-start"
	case CongestionAvoidance:
		return "congestion-avoidance"
	default:
		return "fast-recovery"
	}
}

// Config bounds the controller.
type Config struct {
	MinRate    float64       `json:"min_rate" yaml:"min_rate"`
	MaxRate    float64       `json:"max_rate" yaml:"max_rate"`
	MaxCwnd    int           `json:"max_cwnd" yaml:"max_cwnd"`
	InitialRTT time.Duration `json:"initial_rtt" yaml:"initial_rtt"`
	MinRTO     time.Duration `json:"min_rto" yaml:"min_rto"`
	MaxRTO     time.Duration `json:"max_rto" yaml:"max_rto"`
	// LossWindow is how many recent loss event ids are remembered for
	// deduplication.
	LossWindow int `json:"loss_window" yaml:"loss_window"`
	// Reno enables fast recovery for losses reported through OnDupLoss.
	Reno bool `json:"reno" yaml:"reno"`
}

// RateState is a snapshot of the controller.
type RateState struct {
	Cwnd     int
	Ssthresh int
	Phase    Phase
	SRTT     time.Duration
	RTTVar   time.Duration
	RTO      time.Duration
	Rate     float64
	Acks     uint64
	Losses   uint64
}

// Controller is one AIMD window shared by every probe of a session. State
// changes happen under a single mutex; AcquirePermit only touches the
// limiter, which has its own synchronisation.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	cwnd     int
	ssthresh int
	phase    Phase
	acc      int

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	hasRTT bool

	acks   uint64
	losses uint64

	lossRing []uint64
	lossSeen map[uint64]struct{}
	lossNext int

	limiter *rate.Limiter
}

// New validates cfg, fills defaults and returns a controller in SlowStart
// with cwnd 1.
func New(cfg Config) (*Controller, error) {
	if cfg.MinRate == 0 {
		cfg.MinRate = DefaultMinRate
	}

	if cfg.MaxRate == 0 {
		cfg.MaxRate = math.Max(DefaultMaxRate, cfg.MinRate)
	}

	if cfg.MinRate < 0 || cfg.MaxRate < 0 || cfg.MinRate > cfg.MaxRate {
		return nil, fmt.Errorf("%w: min %.3f max %.3f", ErrInvalidRate, cfg.MinRate, cfg.MaxRate)
	}

	if math.IsInf(cfg.MaxRate, 0) || math.IsNaN(cfg.MaxRate) || math.IsNaN(cfg.MinRate) {
		return nil, fmt.Errorf("%w: rates must be finite", ErrInvalidRate)
	}

	if cfg.MaxCwnd <= 0 {
		cfg.MaxCwnd = DefaultMaxCwnd
	}

	if cfg.InitialRTT <= 0 {
		cfg.InitialRTT = DefaultInitialRTT
	}

	if cfg.MinRTO <= 0 {
		cfg.MinRTO = DefaultMinRTO
	}

	if cfg.MaxRTO <= 0 {
		cfg.MaxRTO = DefaultMaxRTO
	}

	if cfg.MinRTO > cfg.MaxRTO {
		return nil, fmt.Errorf("%w: min rto %s above max rto %s", ErrInvalidRate, cfg.MinRTO, cfg.MaxRTO)
	}

	if cfg.LossWindow <= 0 {
		cfg.LossWindow = DefaultLossWindow
	}

	c := &Controller{
		cfg:      cfg,
		cwnd:     1,
		ssthresh: cfg.MaxCwnd,
		phase:    SlowStart,
		rto:      clampDur(cfg.InitialRTT, cfg.MinRTO, cfg.MaxRTO),
		lossRing: make([]uint64, 0, cfg.LossWindow),
		lossSeen: make(map[uint64]struct{}, cfg.LossWindow),
	}

	r := c.rateLocked()
	c.limiter = rate.NewLimiter(rate.Limit(r), burstFor(r))

	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// OnAck records an acknowledged probe. rtt <= 0 means no usable sample.
func (c *Controller) OnAck(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acks++

	if rtt > 0 {
		c.sampleLocked(rtt)
	}

	switch c.phase {
	case SlowStart:
		c.cwnd++

		if c.cwnd >= c.ssthresh {
			c.phase = CongestionAvoidance
			c.acc = 0
		}
	case CongestionAvoidance:
		c.acc++

		if c.acc >= c.cwnd {
			c.cwnd++
			c.acc = 0
		}
	case FastRecovery:
		c.cwnd = c.ssthresh
		c.phase = CongestionAvoidance
		c.acc = 0
	}

	c.cwnd = min(c.cwnd, c.cfg.MaxCwnd)
	c.updateLimiterLocked()
}

// OnLoss applies a timeout-style loss: ssthresh = max(cwnd/2, 2), cwnd = 1,
// back to SlowStart. Each event id is applied at most once; the return
// value reports whether this call applied it.
func (c *Controller) OnLoss(eventID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rememberLocked(eventID) {
		return false
	}

	c.losses++
	c.ssthresh = max(c.cwnd/2, 2)
	c.cwnd = 1
	c.phase = SlowStart
	c.acc = 0
	c.updateLimiterLocked()

	return true
}

// OnDupLoss reports a loss inferred from a later probe being answered
// while an earlier one is still outstanding. With Reno enabled the window
// is halved into FastRecovery; otherwise it is treated like OnLoss.
func (c *Controller) OnDupLoss(eventID uint64) bool {
	if !c.cfg.Reno {
		return c.OnLoss(eventID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rememberLocked(eventID) {
		return false
	}

	c.losses++

	if c.phase == FastRecovery {
		return true
	}

	// The window always shrinks by at least one, down to the floor.
	c.ssthresh = max(c.cwnd/2, 2)
	c.cwnd = max(min(c.ssthresh, c.cwnd-1), 1)
	c.phase = FastRecovery
	c.acc = 0
	c.updateLimiterLocked()

	return true
}

func (c *Controller) rememberLocked(id uint64) bool {
	if _, dup := c.lossSeen[id]; dup {
		return false
	}

	if len(c.lossRing) < cap(c.lossRing) {
		c.lossRing = append(c.lossRing, id)
	} else {
		delete(c.lossSeen, c.lossRing[c.lossNext])
		c.lossRing[c.lossNext] = id
		c.lossNext = (c.lossNext + 1) % len(c.lossRing)
	}

	c.lossSeen[id] = struct{}{}

	return true
}

// sampleLocked is the RFC 6298 estimator.
func (c *Controller) sampleLocked(r time.Duration) {
	if !c.hasRTT {
		c.srtt = r
		c.rttvar = r / 2
		c.hasRTT = true
	} else {
		diff := c.srtt - r
		if diff < 0 {
			diff = -diff
		}

		c.rttvar = (3*c.rttvar + diff) / 4
		c.srtt = (7*c.srtt + r) / 8
	}

	c.rto = clampDur(c.srtt+max(clockGranularity, 4*c.rttvar), c.cfg.MinRTO, c.cfg.MaxRTO)
}

func (c *Controller) rateLocked() float64 {
	rtt := c.cfg.InitialRTT
	if c.hasRTT && c.srtt > 0 {
		rtt = c.srtt
	}

	r := float64(c.cwnd) / rtt.Seconds()

	return math.Min(math.Max(r, c.cfg.MinRate), c.cfg.MaxRate)
}

func (c *Controller) updateLimiterLocked() {
	r := c.rateLocked()
	c.limiter.SetLimit(rate.Limit(r))
	c.limiter.SetBurst(burstFor(r))
}

func burstFor(r float64) int {
	return max(1, int(r*burstWindow.Seconds()))
}

// Rate is the current pacing rate in probes per second.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rateLocked()
}

// RTO is the current retransmission timeout.
func (c *Controller) RTO() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rto
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() RateState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return RateState{
		Cwnd:     c.cwnd,
		Ssthresh: c.ssthresh,
		Phase:    c.phase,
		SRTT:     c.srtt,
		RTTVar:   c.rttvar,
		RTO:      c.rto,
		Rate:     c.rateLocked(),
		Acks:     c.acks,
		Losses:   c.losses,
	}
}

// AcquirePermit is the single admission point for every transmission. It
// waits for the pacing limiter and returns early with the context's error
// on cancellation.
func (c *Controller) AcquirePermit(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("acquire permit: %w", err)
	}

	return nil
}

func clampDur(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}
