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
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
)

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(models.ScanOutcome)

func (f EmitterFunc) Emit(o models.ScanOutcome) { f(o) }

// LogEmitter writes every outcome as a structured log line. Closed and
// filtered ports are logged at debug so the info stream stays readable.
type LogEmitter struct {
	Logger logger.Logger
}

func (l LogEmitter) Emit(o models.ScanOutcome) {
	ev := l.Logger.Debug()
	if o.State == models.StateOpen || o.State == models.StateOpenFiltered || o.State == models.StateUnfiltered {
		ev = l.Logger.Info()
	}

	ev.Str("target", o.Target.String()).
		Str("technique", o.Technique.String()).
		Str("state", o.State.String()).
		Str("evidence", o.Evidence.String()).
		Str("confidence", o.Confidence.String()).
		Str("detail", o.Detail).
		Dur("rtt", o.RTT).
		Msg("Port resolved")
}

func (l LogEmitter) Diagnostic(d models.ZombieDiagnostic) {
	l.Logger.Warn().
		Str("zombie", d.Zombie.String()).
		Str("target", d.Target.String()).
		Uint16("baseline_ipid", d.Baseline).
		Uint16("post_ipid", d.Post).
		Uint16("delta", d.Delta).
		Msg(d.Reason)
}

// Fanout sends each outcome to every emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(o models.ScanOutcome) {
	for _, e := range f {
		e.Emit(o)
	}
}
