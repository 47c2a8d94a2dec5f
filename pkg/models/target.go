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

// Package models provides the data model shared by the scan engine components.
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

var (
	errUnknownProtocol = errors.New("unknown protocol")
	errInvalidDuration = errors.New("invalid duration")
)

// Protocol is the transport protocol of a target.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota + 1
	ProtocolUDP
	ProtocolICMP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	default:
		return "proto(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParseProtocol parses "tcp", "udp" or "icmp".
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "icmp":
		return ProtocolICMP, nil
	}

	return 0, fmt.Errorf("%w: %q", errUnknownProtocol, s)
}

func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}

	*p = v

	return nil
}

// Target is one (address, port, protocol) triple. It is a comparable value
// and is never mutated after the sequencer produces it.
type Target struct {
	Addr     netip.Addr
	Port     uint16
	Protocol Protocol
}

func (t Target) String() string {
	return netip.AddrPortFrom(t.Addr, t.Port).String() + "/" + t.Protocol.String()
}

// Is4 reports whether the target address is IPv4 (including v4-mapped).
func (t Target) Is4() bool {
	return t.Addr.Unmap().Is4()
}
