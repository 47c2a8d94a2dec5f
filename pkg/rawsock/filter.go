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

package rawsock

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/prober"
)

const (
	acceptAll          = 0xffff
	icmpEchoReply      = 0
	icmpUnreachable    = 3
	icmpTimestampReply = 14
)

// BuildFilter returns the libpcap expression that admits replies to the
// session's probes: TCP to the per-technique source ports, UDP to the tag
// range and ICMP unreachables. Discovery adds echo and timestamp replies,
// neighbour advertisements and ARP.
func BuildFilter(ports []uint16, techniques []models.Technique, discovery bool) string {
	var clauses []string

	if len(ports) > 0 {
		ps := make([]string, 0, len(ports))
		for _, p := range ports {
			ps = append(ps, "dst port "+strconv.Itoa(int(p)))
		}

		clauses = append(clauses, "(tcp and ("+strings.Join(ps, " or ")+"))")
	}

	if slices.Contains(techniques, models.TechniqueUDP) {
		first, last := prober.UDPSourcePorts()
		clauses = append(clauses, fmt.Sprintf("(udp and dst portrange %d-%d)", first, last))
	}

	if slices.ContainsFunc(techniques, models.Technique.Raw) {
		clauses = append(clauses, "(icmp and icmp[icmptype] == icmp-unreach)", "(icmp6 and ip6[40] == 1)")
	}

	if discovery {
		clauses = append(clauses,
			"(icmp and (icmp[icmptype] == icmp-echoreply or icmp[icmptype] == icmp-tstampreply))",
			"(icmp6 and (ip6[40] == 129 or ip6[40] == 136))",
			"arp",
		)
	}

	return strings.Join(clauses, " or ")
}

// The programs below run on raw IPv4 sockets, where the packet starts at
// the IP header. X is loaded with the header length first.

// tcpProgram admits TCP segments addressed to one of ports.
func tcpProgram(ports []uint16) []bpf.Instruction {
	n := len(ports)
	prog := []bpf.Instruction{
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 2, Size: 2},
	}

	for i, p := range ports {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(p), SkipTrue: uint8(n - i)})
	}

	return append(prog, bpf.RetConstant{Val: 0}, bpf.RetConstant{Val: acceptAll})
}

// udpProgram admits datagrams addressed to the UDP tag range.
func udpProgram() []bpf.Instruction {
	first, _ := prober.UDPSourcePorts()

	return []bpf.Instruction{
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: uint32(first), SkipFalse: 1},
		bpf.RetConstant{Val: acceptAll},
		bpf.RetConstant{Val: 0},
	}
}

// icmpProgram admits destination-unreachable errors, and echo and
// timestamp replies when discovery is on.
func icmpProgram(discovery bool) []bpf.Instruction {
	types := []uint32{icmpUnreachable}
	if discovery {
		types = append(types, icmpEchoReply, icmpTimestampReply)
	}

	n := len(types)
	prog := []bpf.Instruction{
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 0, Size: 1},
	}

	for i, typ := range types {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: typ, SkipTrue: uint8(n - i)})
	}

	return append(prog, bpf.RetConstant{Val: 0}, bpf.RetConstant{Val: acceptAll})
}

func assemble(prog []bpf.Instruction) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("assemble capture filter: %w", err)
	}

	return raw, nil
}
