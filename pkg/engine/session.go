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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/metrics"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/ratecontrol"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

// Session is the state shared by every component of one scan. It is
// reference counted: the engine holds one reference for its lifetime and
// another while Run is active. Metric export stops when the last reference
// is released.
type Session struct {
	ID        uuid.UUID
	Key       prober.Key
	Rate      *ratecontrol.Controller
	Tracker   *tracker.Tracker
	Stats     *metrics.Stats
	Logger    logger.Logger
	StartedAt time.Time

	refs         atomic.Int32
	registration metric.Registration
	closeOnce    sync.Once
}

func newSession(key prober.Key, rc *ratecontrol.Controller, log logger.Logger) *Session {
	s := &Session{
		ID:        uuid.New(),
		Key:       key,
		Rate:      rc,
		Stats:     &metrics.Stats{},
		Logger:    log,
		StartedAt: time.Now(),
	}

	s.refs.Store(1)

	return s
}

// register exports the session counters through meter.
func (s *Session) register(meter metric.Meter) error {
	if meter == nil {
		return nil
	}

	reg, err := metrics.Register(meter, s.Stats, s.ID.String())
	if err != nil {
		return err
	}

	s.registration = reg

	return nil
}

// Retain adds a reference.
func (s *Session) Retain() *Session {
	s.refs.Add(1)

	return s
}

// Release drops a reference and closes the session when it was the last.
func (s *Session) Release() {
	if s.refs.Add(-1) == 0 {
		s.close()
	}
}

// Refs is the current reference count.
func (s *Session) Refs() int {
	return int(s.refs.Load())
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.registration != nil {
			if err := s.registration.Unregister(); err != nil {
				s.Logger.Warn().Err(err).Msg("Failed to unregister session metrics")
			}
		}

		s.Logger.Debug().Dur("lifetime", time.Since(s.StartedAt)).Msg("Session closed")
	})
}

// feedback adapts the rate controller to the tracker's Feedback contract.
type feedback struct {
	rc *ratecontrol.Controller
}

func (f feedback) OnAck(rtt time.Duration) { f.rc.OnAck(rtt) }

func (f feedback) OnLoss(id uint64) { f.rc.OnLoss(id) }

func (f feedback) OnDupLoss(id uint64) { f.rc.OnDupLoss(id) }
