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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errUnknownTechnique = errors.New("unknown technique")

// Technique is the closed set of probing methods. Adding a technique means
// adding a constant here and its interpretation in the correlator.
type Technique uint8

const (
	TechniqueSYN Technique = iota + 1
	TechniqueConnect
	TechniqueFIN
	TechniqueNULL
	TechniqueXmas
	TechniqueACK
	TechniqueWindow
	TechniqueMaimon
	TechniqueIdle
	TechniqueUDP
)

var techniqueNames = map[Technique]string{
	TechniqueSYN:     "syn",
	TechniqueConnect: "connect",
	TechniqueFIN:     "fin",
	TechniqueNULL:    "null",
	TechniqueXmas:    "xmas",
	TechniqueACK:     "ack",
	TechniqueWindow:  "window",
	TechniqueMaimon:  "maimon",
	TechniqueIdle:    "idle",
	TechniqueUDP:     "udp",
}

// AllTechniques lists every technique in declaration order.
func AllTechniques() []Technique {
	return []Technique{
		TechniqueSYN, TechniqueConnect, TechniqueFIN, TechniqueNULL, TechniqueXmas,
		TechniqueACK, TechniqueWindow, TechniqueMaimon, TechniqueIdle, TechniqueUDP,
	}
}

func (t Technique) String() string {
	if name, ok := techniqueNames[t]; ok {
		return name
	}

	return fmt.Sprintf("technique(%d)", uint8(t))
}

// Valid reports whether t is one of the declared techniques.
func (t Technique) Valid() bool {
	_, ok := techniqueNames[t]
	return ok
}

// ParseTechnique accepts the lowercase name ("syn") or the nmap flag ("sS").
func ParseTechnique(s string) (Technique, error) {
	key := strings.ToLower(strings.TrimSpace(s))

	for t, name := range techniqueNames {
		if name == key {
			return t, nil
		}
	}

	switch key {
	case "ss":
		return TechniqueSYN, nil
	case "st":
		return TechniqueConnect, nil
	case "sf":
		return TechniqueFIN, nil
	case "sn":
		return TechniqueNULL, nil
	case "sx":
		return TechniqueXmas, nil
	case "sa":
		return TechniqueACK, nil
	case "sw":
		return TechniqueWindow, nil
	case "sm":
		return TechniqueMaimon, nil
	case "si":
		return TechniqueIdle, nil
	case "su":
		return TechniqueUDP, nil
	}

	return 0, fmt.Errorf("%w: %q", errUnknownTechnique, s)
}

// Protocol is the transport protocol the technique probes.
func (t Technique) Protocol() Protocol {
	if t == TechniqueUDP {
		return ProtocolUDP
	}

	return ProtocolTCP
}

// Stateful reports whether the technique always needs a tracker record.
// ACK becomes stateful only when retransmission is requested, which is a
// session decision rather than a property of the technique.
func (t Technique) Stateful() bool {
	return t == TechniqueConnect || t == TechniqueIdle
}

// Raw reports whether the technique crafts its own packets.
func (t Technique) Raw() bool {
	return t != TechniqueConnect
}

func (t Technique) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Technique) UnmarshalText(b []byte) error {
	parsed, err := ParseTechnique(string(b))
	if err != nil {
		return err
	}

	*t = parsed

	return nil
}

func (t Technique) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
