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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/sweepcore/pkg/correlate"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

const (
	sendAttempts    = 3
	initialBackoff  = time.Millisecond
	maxBackoff      = 8 * time.Millisecond
	maxSendFailures = 64
)

func (e *Engine) rawPass(ctx context.Context, p pass, delay time.Duration) error {
	return e.each(ctx, p, func(t models.Target) error {
		if e.skipDown(t, p.technique) {
			return nil
		}

		if err := e.session.Rate.AcquirePermit(ctx); err != nil {
			return err
		}

		if err := e.rawProbe(ctx, t, p.technique); err != nil {
			return err
		}

		return sleep(ctx, delay)
	})
}

// rawProbe sends one crafted probe and schedules its timeout when the
// technique needs one.
func (e *Engine) rawProbe(ctx context.Context, t models.Target, tech models.Technique) error {
	if _, err := e.prober.Source(t.Addr); err != nil {
		e.emitUnresolvable(t, tech, err.Error())
		return nil
	}

	var (
		h       tracker.Handle
		tracked = e.tracked(tech)
	)

	if tracked {
		var ok bool
		if h, ok = e.session.Tracker.Begin(t, tech); !ok {
			return nil
		}

		e.session.Tracker.RecordSent(h)
	}

	if err := e.sendProbe(ctx, t, tech); err != nil {
		return err
	}

	switch {
	case tracked:
		e.schedule(ctx, deadline{target: t, technique: tech, handle: h, tracked: true})
	case tech == models.TechniqueUDP && e.retries > 0:
		e.schedule(ctx, deadline{target: t, technique: tech})
	case answersEveryPort(tech) && e.sampled.Add(1)%lossSampleEvery == 1:
		e.schedule(ctx, deadline{target: t, technique: tech, watch: true})
	}

	return nil
}

// answersEveryPort reports techniques a reachable host answers on open and
// closed ports alike, so silence past the RTO is a loss or a filter. FIN,
// NULL, Xmas and Maimon are excluded: silence is their open reply.
func answersEveryPort(tech models.Technique) bool {
	switch tech {
	case models.TechniqueSYN, models.TechniqueACK, models.TechniqueWindow:
		return true
	}

	return false
}

// sendProbe writes the decoy copies of a probe followed by the real one.
func (e *Engine) sendProbe(ctx context.Context, t models.Target, tech models.Technique) error {
	d, err := e.prober.Craft(t, tech)
	if err != nil {
		return fmt.Errorf("craft %s %s: %w", tech, t, err)
	}

	for _, src := range e.decoys {
		if src.Is4() != t.Is4() {
			continue
		}

		dd, err := e.prober.CraftFrom(src, t, tech)
		if err != nil {
			return fmt.Errorf("craft decoy %s: %w", src, err)
		}

		if err := e.write(ctx, dd.Bytes); err != nil {
			return err
		}
	}

	return e.write(ctx, d.Bytes)
}

// write fragments pkt when configured and hands the frames to the
// transmitter.
func (e *Engine) write(ctx context.Context, pkt []byte) error {
	frames := [][]byte{pkt}

	if e.cfg.FragmentSize > 0 && len(pkt) > 0 && pkt[0]>>4 == 4 {
		var err error

		if frames, err = packet.Fragment(pkt, e.cfg.FragmentSize); err != nil {
			return fmt.Errorf("fragment: %w", err)
		}
	}

	if bt, ok := e.deps.Transmitter.(BatchTransmitter); ok && len(frames) > 1 {
		n, err := bt.SendBatch(frames)
		for range n {
			e.session.Stats.IncSent()
		}

		if n == len(frames) {
			e.failures.Store(0)
			return nil
		}

		if err != nil && !errors.Is(err, ErrTransient) {
			e.session.Stats.IncSendError()
			return fmt.Errorf("%w: send batch: %w", ErrResourceFatal, err)
		}

		frames = frames[n:]
	}

	for _, f := range frames {
		if err := e.sendFrame(ctx, f); err != nil {
			return err
		}
	}

	return nil
}

// sendFrame retries transient failures with a short exponential backoff.
// A frame that still fails is dropped; a long run of such drops means the
// interface is gone.
func (e *Engine) sendFrame(ctx context.Context, f []byte) error {
	var err error

	backoff := initialBackoff

	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = e.deps.Transmitter.Send(f); err == nil {
			e.failures.Store(0)
			e.session.Stats.IncSent()

			return nil
		}

		if !errors.Is(err, ErrTransient) {
			e.session.Stats.IncSendError()
			return fmt.Errorf("%w: send: %w", ErrResourceFatal, err)
		}

		if attempt < sendAttempts {
			if serr := sleep(ctx, backoff); serr != nil {
				return serr
			}

			backoff = min(backoff*2, maxBackoff)
		}
	}

	e.session.Stats.IncSendError()

	if n := e.failures.Add(1); n >= maxSendFailures {
		return fmt.Errorf("%w: %d consecutive sends failed: %w", ErrResourceFatal, n, err)
	}

	e.logger.Debug().Err(err).Msg("Dropped frame after transient send failures")

	return nil
}

// schedule arms d one RTO from now.
func (e *Engine) schedule(ctx context.Context, d deadline) {
	d.at = e.now().Add(e.session.Rate.RTO())
	e.pending.Add(1)

	select {
	case e.deadlines <- d:
	case <-ctx.Done():
		e.pending.Add(-1)
	}
}

func (e *Engine) timeoutLoop(ctx context.Context) error {
	var h deadlineHeap

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var fire <-chan time.Time

		if at, ok := h.next(); ok {
			timer.Reset(at.Sub(e.now()))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case d := <-e.deadlines:
			h.push(d)
		case <-fire:
			for _, d := range h.due(e.now()) {
				if err := e.expire(ctx, d, &h); err != nil {
					return err
				}
			}
		}
	}
}

// expire handles one elapsed deadline: the probe is sent again while
// retries remain, otherwise it is resolved by its timeout rule.
func (e *Engine) expire(ctx context.Context, d deadline, h *deadlineHeap) error {
	if d.watch {
		e.pending.Add(-1)

		if !e.correlator.Resolved(d.target, d.technique) {
			e.session.Rate.OnLoss(sampledLossBit | e.lossSeq.Add(1))
		}

		return nil
	}

	if d.tracked {
		v := correlate.Interpret(d.technique, correlate.Observed{Timeout: true})
		if !e.session.Tracker.RecordTimeout(d.handle, v) {
			e.pending.Add(-1)
			return nil
		}

		e.session.Tracker.RecordSent(d.handle)
	} else {
		if d.attempt >= e.retries || e.correlator.Resolved(d.target, d.technique) {
			e.pending.Add(-1)
			return nil
		}

		d.attempt++
	}

	if err := e.session.Rate.AcquirePermit(ctx); err != nil {
		e.pending.Add(-1)
		return nil
	}

	e.session.Stats.IncRetransmit()

	if err := e.sendProbe(ctx, d.target, d.technique); err != nil {
		if errors.Is(err, ErrResourceFatal) {
			e.pending.Add(-1)
			return err
		}

		e.logger.Debug().Err(err).Str("target", d.target.String()).Msg("Retransmission failed")
	}

	d.at = e.now().Add(e.session.Rate.RTO())
	h.push(d)

	return nil
}

// wire lets the idle prober share the engine's send path.
type wire struct {
	e *Engine
}

func (w wire) Send(pkt []byte) error {
	return w.e.write(context.Background(), pkt)
}
