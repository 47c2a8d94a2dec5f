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

// Package engine runs one hybrid scan session: it drives the sequencer
// through the prober, feeds captured traffic to the correlator and owns the
// timers that resolve unanswered probes.
package engine

//go:generate mockgen -destination=mock_engine.go -package=engine github.com/carverauto/sweepcore/pkg/engine Transmitter,BatchTransmitter,LinkTransmitter,Receiver,Emitter,DiagnosticSink,Dialer

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
)

// Transmitter puts crafted datagrams on the wire. Implementations must be
// safe for concurrent use. A failure that may succeed on retry wraps
// ErrTransient.
type Transmitter interface {
	Send(pkt []byte) error
}

// BatchTransmitter is implemented by transmitters that can hand several
// datagrams to the kernel at once. It returns how many were sent.
type BatchTransmitter interface {
	Transmitter
	SendBatch(pkts [][]byte) (int, error)
}

// LinkTransmitter injects whole link-layer frames on the capture
// interface. Host discovery uses it for ARP and neighbour solicitation;
// without one, discovery relies on ICMP alone.
type LinkTransmitter interface {
	SendFrame(frame []byte) error
	HardwareAddr() net.HardwareAddr
	// OnLink reports whether addr is directly reachable on the interface.
	OnLink(addr netip.Addr) bool
}

// Captured is one frame read from the capture source.
type Captured struct {
	Data      []byte
	Link      packet.LinkType
	Timestamp time.Time
}

// Receiver yields captured frames. Recv returns promptly once ctx is done.
type Receiver interface {
	Recv(ctx context.Context) (Captured, error)
	// Filter is the BPF expression the capture was opened with.
	Filter() string
	Close() error
}

// Emitter receives every outcome of the session exactly once.
type Emitter interface {
	Emit(outcome models.ScanOutcome)
}

// DiagnosticSink receives idle-scan diagnostics.
type DiagnosticSink interface {
	Diagnostic(diag models.ZombieDiagnostic)
}

// Dialer opens full TCP connections for connect scans.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
