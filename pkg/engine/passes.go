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
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carverauto/sweepcore/pkg/correlate"
	"github.com/carverauto/sweepcore/pkg/idlescan"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

// connectPass runs full handshakes through the dialer with at most
// Workers connections in flight.
func (e *Engine) connectPass(ctx context.Context, p pass) error {
	sem := semaphore.NewWeighted(int64(e.cfg.Workers()))

	var wg sync.WaitGroup

	err := e.each(ctx, p, func(t models.Target) error {
		if e.skipDown(t, models.TechniqueConnect) {
			return nil
		}

		if err := e.session.Rate.AcquirePermit(ctx); err != nil {
			return err
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			e.connect(ctx, t)
		}()

		return nil
	})

	wg.Wait()

	return err
}

// connect dials t until it answers or the tracker runs out of retries.
func (e *Engine) connect(ctx context.Context, t models.Target) {
	tr := e.session.Tracker

	h, ok := tr.Begin(t, models.TechniqueConnect)
	if !ok {
		return
	}

	addr := netip.AddrPortFrom(t.Addr, t.Port).String()

	for {
		tr.RecordSent(h)
		e.session.Stats.IncSent()

		dialCtx, cancel := context.WithTimeout(ctx, e.session.Rate.RTO())
		conn, err := e.deps.Dialer.DialContext(dialCtx, "tcp", addr)
		cancel()

		if err == nil {
			tr.Advance(h, tracker.PhaseEstablished)

			if cerr := conn.Close(); cerr != nil {
				e.logger.Debug().Err(cerr).Str("target", t.String()).Msg("Failed to close connection")
			}

			tr.RecordResponse(h, correlate.Interpret(models.TechniqueConnect, correlate.Observed{Connected: true}))

			return
		}

		if ctx.Err() != nil {
			// Drained as cancelled by Run.
			return
		}

		if isTimeout(err) {
			if tr.RecordTimeout(h, correlate.Interpret(models.TechniqueConnect, correlate.Observed{Timeout: true})) {
				e.session.Stats.IncRetransmit()
				continue
			}

			return
		}

		tr.RecordResponse(h, correlate.Interpret(models.TechniqueConnect, correlate.Observed{ConnErr: classifyDialError(err)}))

		return
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// classifyDialError maps kernel errors onto the correlator's sentinels.
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, correlate.ErrConnRefused), errors.Is(err, correlate.ErrHostUnreachable):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", correlate.ErrConnRefused, err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %w", correlate.ErrHostUnreachable, err)
	default:
		return err
	}
}

// idlePass vets the zombie and then probes every target through it.
func (e *Engine) idlePass(ctx context.Context, p pass) error {
	report, err := e.idle.CheckZombie(ctx, idlescan.DefaultCheckProbes)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w: %w", ErrZombieUnsuitable, err)
	}

	if !report.Accepted {
		return fmt.Errorf("%w: %s ip id sequence, increments %v", ErrZombieUnsuitable, report.Class, report.Increments)
	}

	zombie := e.idle.Zombie()

	return e.each(ctx, p, func(t models.Target) error {
		if t.Addr == zombie.Addr {
			e.emitUnresolvable(t, models.TechniqueIdle, "target is the zombie")
			return nil
		}

		if e.skipDown(t, models.TechniqueIdle) {
			return nil
		}

		start := time.Now()

		_, diag, err := e.idle.ProbePort(ctx, t)

		switch {
		case errors.Is(err, idlescan.ErrZombieWrongIP):
			e.emitUnresolvable(t, models.TechniqueIdle, err.Error())
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, ErrResourceFatal) {
				return err
			}

			e.logger.Debug().Err(err).Str("target", t.String()).Msg("Idle probe failed")
		}

		if diag != nil {
			e.session.Stats.IncDiagnostic()

			if e.deps.Diagnostics != nil {
				e.deps.Diagnostics.Diagnostic(*diag)
			}
		}

		e.logger.Trace().Str("target", t.String()).Dur("took", time.Since(start)).Msg("Idle probe done")

		return nil
	})
}
