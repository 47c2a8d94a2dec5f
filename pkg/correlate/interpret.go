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

// Package correlate turns validated responses and timeouts into scan
// outcomes, one interpretation function per technique.
package correlate

import (
	"errors"
	"fmt"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/tracker"
)

var (
	// ErrConnRefused marks a connect attempt answered with a reset.
	ErrConnRefused = errors.New("connection refused")
	// ErrHostUnreachable marks a connect attempt rejected by an ICMP error.
	ErrHostUnreachable = errors.New("host unreachable")
)

// Verdict is the interpreted result of one observation.
type Verdict = tracker.Verdict

// Observed is what came back for a probe: a packet, a timeout, the result
// of a connect attempt, or an idle-scan IP ID delta.
type Observed struct {
	Packet *packet.Parsed

	Timeout bool

	Connected bool
	ConnErr   error

	IPIDDelta uint16
	HasDelta  bool
}

type interpretFunc func(Observed) Verdict

var table = map[models.Technique]interpretFunc{
	models.TechniqueSYN:     interpretSYN,
	models.TechniqueConnect: interpretConnect,
	models.TechniqueFIN:     interpretStealth,
	models.TechniqueNULL:    interpretStealth,
	models.TechniqueXmas:    interpretStealth,
	models.TechniqueACK:     interpretACK,
	models.TechniqueWindow:  interpretWindow,
	models.TechniqueMaimon:  interpretMaimon,
	models.TechniqueIdle:    interpretIdle,
	models.TechniqueUDP:     interpretUDP,
}

// Interpret maps an observation to a verdict under technique t.
func Interpret(t models.Technique, o Observed) Verdict {
	fn, ok := table[t]
	if !ok {
		return Verdict{State: models.StateUnknown, Detail: "unknown technique", Confidence: models.ConfidenceLow}
	}

	return fn(o)
}

var (
	noResponse = Verdict{State: models.StateFiltered, Evidence: models.EvidenceNoResponse}
	unexpected = Verdict{State: models.StateUnknown, Detail: "unexpected response", Confidence: models.ConfidenceLow}
)

func unreachable(p *packet.Parsed) Verdict {
	detail := fmt.Sprintf("icmp %d/%d", p.ICMPType, p.ICMPCode)

	if !p.ReportsFiltering() {
		return Verdict{State: models.StateUnknown, Evidence: models.EvidenceICMPUnreachable, Detail: detail, Confidence: models.ConfidenceLow}
	}

	return Verdict{State: models.StateFiltered, Evidence: models.EvidenceICMPUnreachable, Detail: detail}
}

func isRST(p *packet.Parsed) bool {
	return p.Kind == packet.KindTCP && p.Flags.Has(packet.FlagRST)
}

func interpretSYN(o Observed) Verdict {
	if o.Timeout {
		return noResponse
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.IsUnreachable():
		return unreachable(p)
	case isRST(p):
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceRST}
	case p.Kind == packet.KindTCP && p.Flags.Has(packet.FlagSYN|packet.FlagACK):
		return Verdict{State: models.StateOpen, Evidence: models.EvidenceSynAck}
	}

	return unexpected
}

func interpretConnect(o Observed) Verdict {
	switch {
	case o.Connected:
		return Verdict{State: models.StateOpen, Evidence: models.EvidenceHandshake}
	case errors.Is(o.ConnErr, ErrConnRefused):
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceConnRefused}
	case errors.Is(o.ConnErr, ErrHostUnreachable):
		return Verdict{State: models.StateFiltered, Evidence: models.EvidenceICMPUnreachable, Detail: o.ConnErr.Error()}
	case o.Timeout:
		return noResponse
	case o.ConnErr != nil:
		return Verdict{
			State:      models.StateFiltered,
			Evidence:   models.EvidenceNoResponse,
			Detail:     o.ConnErr.Error(),
			Confidence: models.ConfidenceLow,
		}
	}

	return unexpected
}

// interpretStealth covers FIN, NULL and Xmas. RFC 793 closed ports answer
// with a reset and open ports drop the segment, so silence is ambiguous.
func interpretStealth(o Observed) Verdict {
	if o.Timeout {
		return Verdict{State: models.StateOpenFiltered, Evidence: models.EvidenceNoResponse}
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.IsUnreachable():
		return unreachable(p)
	case isRST(p):
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceRST}
	}

	return unexpected
}

func interpretACK(o Observed) Verdict {
	if o.Timeout {
		return noResponse
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.IsUnreachable():
		return unreachable(p)
	case isRST(p):
		return Verdict{State: models.StateUnfiltered, Evidence: models.EvidenceRST}
	}

	return unexpected
}

// interpretWindow reads the window of the reset. Some stacks advertise a
// non-zero window on resets from open ports; the rule is a heuristic.
func interpretWindow(o Observed) Verdict {
	if o.Timeout {
		return noResponse
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.IsUnreachable():
		return unreachable(p)
	case isRST(p) && p.Window > 0:
		return Verdict{
			State:      models.StateOpen,
			Evidence:   models.EvidenceRSTWindow,
			Detail:     fmt.Sprintf("window %d", p.Window),
			Confidence: models.ConfidenceLow,
		}
	case isRST(p):
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceRST, Confidence: models.ConfidenceLow}
	}

	return unexpected
}

// interpretMaimon handles FIN/ACK. Compliant stacks reset every port, so
// only silence from BSD-derived stacks tells open apart.
func interpretMaimon(o Observed) Verdict {
	if o.Timeout {
		return Verdict{State: models.StateOpenFiltered, Evidence: models.EvidenceNoResponse}
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.IsUnreachable():
		return unreachable(p)
	case isRST(p):
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceRST}
	}

	return unexpected
}

func interpretUDP(o Observed) Verdict {
	if o.Timeout {
		return Verdict{State: models.StateOpenFiltered, Evidence: models.EvidenceNoResponse}
	}

	p := o.Packet

	switch {
	case p == nil:
		return unexpected
	case p.Kind == packet.KindUDP:
		return Verdict{State: models.StateOpen, Evidence: models.EvidenceUDPReply}
	case p.IsPortUnreachable():
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceICMPUnreachable, Detail: "port unreachable"}
	case p.IsUnreachable():
		return unreachable(p)
	}

	return unexpected
}

// interpretIdle decides from the zombie's IP ID delta between the baseline
// and confirm probes. The delta is taken modulo 2^16 by the caller.
func interpretIdle(o Observed) Verdict {
	if !o.HasDelta {
		return Verdict{
			State:      models.StateUnknown,
			Evidence:   models.EvidenceNoResponse,
			Detail:     "zombie did not answer",
			Confidence: models.ConfidenceLow,
		}
	}

	switch o.IPIDDelta {
	case 2:
		return Verdict{State: models.StateOpen, Evidence: models.EvidenceIPIDDelta, Detail: "delta 2"}
	case 1:
		return Verdict{State: models.StateClosed, Evidence: models.EvidenceIPIDDelta, Detail: "closed|filtered"}
	}

	return Verdict{
		State:      models.StateUnknown,
		Evidence:   models.EvidenceIPIDDelta,
		Detail:     fmt.Sprintf("delta %d", o.IPIDDelta),
		Confidence: models.ConfidenceLow,
	}
}
