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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the scan counters.
const MeterName = "sweepcore.engine"

const (
	metricProbesSent     = "sweepcore_probes_sent_total"
	metricSendErrors     = "sweepcore_send_errors_total"
	metricRetransmits    = "sweepcore_retransmits_total"
	metricReceived       = "sweepcore_packets_received_total"
	metricMalformed      = "sweepcore_packets_malformed_total"
	metricDroppedInvalid = "sweepcore_packets_dropped_invalid_total"
	metricDuplicates     = "sweepcore_responses_duplicate_total"
	metricDiagnostics    = "sweepcore_zombie_diagnostics_total"
	metricOutcomes       = "sweepcore_outcomes_total"
)

// Register exposes s through meter as observable counters tagged with the
// session id. The caller unregisters the returned handle when the session
// ends.
func Register(meter metric.Meter, s *Stats, sessionID string) (metric.Registration, error) {
	type counter struct {
		name, desc string
		load       func(Snapshot) uint64
		inst       metric.Int64ObservableCounter
	}

	counters := []*counter{
		{name: metricProbesSent, desc: "Probes handed to the transmitter", load: func(s Snapshot) uint64 { return s.Sent }},
		{name: metricSendErrors, desc: "Probes the transmitter failed to send", load: func(s Snapshot) uint64 { return s.SendErrors }},
		{name: metricRetransmits, desc: "Probes sent again after a timeout", load: func(s Snapshot) uint64 { return s.Retransmits }},
		{name: metricReceived, desc: "Packets read from the capture source", load: func(s Snapshot) uint64 { return s.Received }},
		{name: metricMalformed, desc: "Captured packets that failed to parse", load: func(s Snapshot) uint64 { return s.Malformed }},
		{name: metricDroppedInvalid, desc: "Responses that failed tag validation", load: func(s Snapshot) uint64 { return s.DroppedInvalid }},
		{name: metricDuplicates, desc: "Responses for already resolved targets", load: func(s Snapshot) uint64 { return s.Duplicates }},
		{name: metricDiagnostics, desc: "Idle-scan zombie reliability diagnostics", load: func(s Snapshot) uint64 { return s.Diagnostics }},
	}

	instruments := make([]metric.Observable, 0, len(counters)+1)

	for _, c := range counters {
		inst, err := meter.Int64ObservableCounter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}

		c.inst = inst
		instruments = append(instruments, inst)
	}

	outcomes, err := meter.Int64ObservableCounter(metricOutcomes,
		metric.WithDescription("Scan outcomes emitted, by port state"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricOutcomes, err)
	}

	instruments = append(instruments, outcomes)

	session := attribute.String("session_id", sessionID)

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := s.Snapshot()
		attrs := metric.WithAttributes(session)

		for _, c := range counters {
			// #nosec G115 - counters stay far below 2^63
			o.ObserveInt64(c.inst, int64(c.load(snap)), attrs)
		}

		for state, n := range snap.Outcomes {
			// #nosec G115 - counters stay far below 2^63
			o.ObserveInt64(outcomes, int64(n),
				metric.WithAttributes(session, attribute.String("state", state.String())))
		}

		return nil
	}, instruments...)
	if err != nil {
		return nil, fmt.Errorf("register scan metrics: %w", err)
	}

	return reg, nil
}
