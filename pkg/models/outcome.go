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

package models

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	errUnknownState      = errors.New("unknown port state")
	errUnknownEvidence   = errors.New("unknown evidence")
	errUnknownConfidence = errors.New("unknown confidence")
)

// PortState is the reachability verdict for a (target, technique) pair.
type PortState uint8

const (
	StateUnknown PortState = iota
	StateOpen
	StateClosed
	StateFiltered
	StateOpenFiltered
	StateUnfiltered
)

func (s PortState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFiltered:
		return "filtered"
	case StateOpenFiltered:
		return "open|filtered"
	case StateUnfiltered:
		return "unfiltered"
	default:
		return "unknown"
	}
}

// ParsePortState is the inverse of PortState.String.
func ParsePortState(v string) (PortState, error) {
	for s := StateUnknown; s <= StateUnfiltered; s++ {
		if s.String() == v {
			return s, nil
		}
	}

	return StateUnknown, fmt.Errorf("%w: %q", errUnknownState, v)
}

func (s PortState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PortState) UnmarshalText(b []byte) error {
	v, err := ParsePortState(string(b))
	if err != nil {
		return err
	}

	*s = v

	return nil
}

// Evidence records what was observed when a verdict was reached, so that
// "no response" and "ICMP unreachable" stay distinguishable downstream.
type Evidence uint8

const (
	EvidenceNone Evidence = iota
	EvidenceSynAck
	EvidenceRST
	EvidenceRSTWindow
	EvidenceICMPUnreachable
	EvidenceNoResponse
	EvidenceConnRefused
	EvidenceHandshake
	EvidenceUDPReply
	EvidenceIPIDDelta
	EvidenceCancelled
	EvidenceHostTimeout
	EvidenceHostDown
)

var evidenceNames = [...]string{
	EvidenceNone:            "none",
	EvidenceSynAck:          "syn-ack",
	EvidenceRST:             "reset",
	EvidenceRSTWindow:       "reset-window",
	EvidenceICMPUnreachable: "icmp-unreachable",
	EvidenceNoResponse:      "no-response",
	EvidenceConnRefused:     "conn-refused",
	EvidenceHandshake:       "handshake",
	EvidenceUDPReply:        "udp-response",
	EvidenceIPIDDelta:       "ipid-delta",
	EvidenceCancelled:       "cancelled",
	EvidenceHostTimeout:     "host-timeout",
	EvidenceHostDown:        "host-down",
}

func (e Evidence) String() string {
	if int(e) < len(evidenceNames) {
		return evidenceNames[e]
	}

	return "unknown"
}

func ParseEvidence(v string) (Evidence, error) {
	for i, name := range evidenceNames {
		if name == v {
			return Evidence(i), nil
		}
	}

	return EvidenceNone, fmt.Errorf("%w: %q", errUnknownEvidence, v)
}

func (e Evidence) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Evidence) UnmarshalText(b []byte) error {
	v, err := ParseEvidence(string(b))
	if err != nil {
		return err
	}

	*e = v

	return nil
}

// Confidence grades how much a verdict can be trusted.
type Confidence uint8

const (
	ConfidenceHigh Confidence = iota
	ConfidenceLow
)

func (c Confidence) String() string {
	if c == ConfidenceLow {
		return "low"
	}

	return "high"
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	switch string(b) {
	case "high":
		*c = ConfidenceHigh
	case "low":
		*c = ConfidenceLow
	default:
		return fmt.Errorf("%w: %q", errUnknownConfidence, b)
	}

	return nil
}

// ScanOutcome is emitted exactly once per (target, technique) per session.
type ScanOutcome struct {
	Target     Target        `json:"target"`
	Technique  Technique     `json:"technique"`
	State      PortState     `json:"state"`
	Evidence   Evidence      `json:"evidence"`
	Detail     string        `json:"detail,omitempty"`
	Confidence Confidence    `json:"confidence"`
	RTT        time.Duration `json:"rtt,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Key returns the identity under which the outcome is unique.
func (o ScanOutcome) Key() OutcomeKey {
	return OutcomeKey{Target: o.Target, Technique: o.Technique}
}

// OutcomeKey identifies a (target, technique) pair.
type OutcomeKey struct {
	Target    Target
	Technique Technique
}

// ZombieDiagnostic flags an idle-scan result that could not be asserted.
// It is delivered separately from the normal outcome stream.
type ZombieDiagnostic struct {
	Zombie    netip.Addr `json:"zombie"`
	Target    Target     `json:"target"`
	Baseline  uint16     `json:"baseline_ipid"`
	Post      uint16     `json:"post_ipid"`
	Delta     uint16     `json:"delta"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

type targetJSON struct {
	Addr     netip.Addr `json:"addr"`
	Port     uint16     `json:"port"`
	Protocol Protocol   `json:"protocol"`
}

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{t.Addr, t.Port, t.Protocol})
}

func (t *Target) UnmarshalJSON(b []byte) error {
	var v targetJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*t = Target(v)

	return nil
}

// Hash is a stable 32-bit hash of the key, used to pick shards. It is
// identical across processes for the same key.
func (k OutcomeKey) Hash() uint32 {
	var b [20]byte

	a := k.Target.Addr.Unmap().As16()
	copy(b[:16], a[:])
	binary.BigEndian.PutUint16(b[16:18], k.Target.Port)
	b[18] = byte(k.Target.Protocol)
	b[19] = byte(k.Technique)

	return uint32(xxhash.Sum64(b[:]))
}
