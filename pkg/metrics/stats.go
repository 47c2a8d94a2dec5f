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

// Package metrics holds the per-session scan counters and exports them as
// OpenTelemetry observable counters.
package metrics

import (
	"sync/atomic"

	"github.com/carverauto/sweepcore/pkg/models"
)

const numStates = int(models.StateUnfiltered) + 1

// Stats are the counters of one scan session. The zero value is ready to
// use and every method is safe for concurrent use.
type Stats struct {
	sent           atomic.Uint64
	sendErrors     atomic.Uint64
	retransmits    atomic.Uint64
	received       atomic.Uint64
	malformed      atomic.Uint64
	droppedInvalid atomic.Uint64
	duplicates     atomic.Uint64
	diagnostics    atomic.Uint64
	outcomes       [numStates]atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Sent           uint64                      `json:"sent"`
	SendErrors     uint64                      `json:"send_errors"`
	Retransmits    uint64                      `json:"retransmits"`
	Received       uint64                      `json:"received"`
	Malformed      uint64                      `json:"malformed"`
	DroppedInvalid uint64                      `json:"dropped_invalid"`
	Duplicates     uint64                      `json:"duplicates"`
	Diagnostics    uint64                      `json:"diagnostics"`
	Outcomes       map[models.PortState]uint64 `json:"outcomes"`
}

// Total is the number of emitted outcomes.
func (s Snapshot) Total() uint64 {
	var n uint64
	for _, v := range s.Outcomes {
		n += v
	}

	return n
}

func (s *Stats) IncSent()           { s.sent.Add(1) }
func (s *Stats) IncSendError()      { s.sendErrors.Add(1) }
func (s *Stats) IncRetransmit()     { s.retransmits.Add(1) }
func (s *Stats) IncReceived()       { s.received.Add(1) }
func (s *Stats) IncMalformed()      { s.malformed.Add(1) }
func (s *Stats) IncDroppedInvalid() { s.droppedInvalid.Add(1) }
func (s *Stats) IncDuplicate()      { s.duplicates.Add(1) }
func (s *Stats) IncDiagnostic()     { s.diagnostics.Add(1) }

// IncOutcome counts one emitted outcome by state.
func (s *Stats) IncOutcome(state models.PortState) {
	if int(state) < numStates {
		s.outcomes[state].Add(1)
	}
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	out := Snapshot{
		Sent:           s.sent.Load(),
		SendErrors:     s.sendErrors.Load(),
		Retransmits:    s.retransmits.Load(),
		Received:       s.received.Load(),
		Malformed:      s.malformed.Load(),
		DroppedInvalid: s.droppedInvalid.Load(),
		Duplicates:     s.duplicates.Load(),
		Diagnostics:    s.diagnostics.Load(),
		Outcomes:       make(map[models.PortState]uint64, numStates),
	}

	for i := range s.outcomes {
		if v := s.outcomes[i].Load(); v > 0 {
			out.Outcomes[models.PortState(i)] = v
		}
	}

	return out
}
