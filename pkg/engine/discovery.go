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
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/packet"
	"github.com/carverauto/sweepcore/pkg/prober"
)

// hostSet is the set of hosts that answered discovery.
type hostSet struct {
	mu sync.RWMutex
	up map[netip.Addr]struct{}
}

func newHostSet() *hostSet {
	return &hostSet{up: make(map[netip.Addr]struct{})}
}

func (h *hostSet) mark(a netip.Addr) {
	a = a.Unmap()

	h.mu.Lock()
	h.up[a] = struct{}{}
	h.mu.Unlock()
}

func (h *hostSet) has(a netip.Addr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.up[a.Unmap()]

	return ok
}

func (h *hostSet) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.up)
}

// discover sends echo, timestamp and neighbour probes to every target host
// and waits one grace period for the answers. Every shard walks all hosts,
// since each shard holds ports of every host.
func (e *Engine) discover(ctx context.Context) error {
	e.hosts.Reset()

	var probed int

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, ok := e.hosts.Next()
		if !ok {
			break
		}

		// Unresolvable targets are reported by the port passes.
		if _, err := e.prober.Source(t.Addr); err != nil {
			continue
		}

		if err := e.session.Rate.AcquirePermit(ctx); err != nil {
			return err
		}

		if err := e.discoverHost(ctx, t.Addr); err != nil {
			return err
		}

		probed++
	}

	grace := max(e.session.Rate.RTO(), e.cfg.WaitAfterSendOrDefault())
	if err := sleep(ctx, grace); err != nil {
		return err
	}

	e.logger.Info().
		Int("probed", probed).
		Int("up", e.live.len()).
		Dur("grace", grace).
		Msg("Host discovery finished")

	return nil
}

func (e *Engine) discoverHost(ctx context.Context, addr netip.Addr) error {
	if e.deps.Link != nil && e.deps.Link.OnLink(addr) {
		e.sendNeighborProbe(addr)
	}

	crafts := []func(netip.Addr) (prober.ProbeDescriptor, error){e.prober.CraftEcho}
	if addr.Is4() {
		crafts = append(crafts, e.prober.CraftTimestamp)
	}

	for _, craft := range crafts {
		d, err := craft(addr)
		if err != nil {
			return fmt.Errorf("craft discovery probe %s: %w", addr, err)
		}

		if err := e.write(ctx, d.Bytes); err != nil {
			return err
		}
	}

	return nil
}

// sendNeighborProbe asks for addr's link-layer address. A lost frame only
// costs the ICMP probes' answer, so failures are logged and dropped.
func (e *Engine) sendNeighborProbe(addr netip.Addr) {
	src, err := e.prober.Source(addr)
	if err != nil {
		return
	}

	mac := e.deps.Link.HardwareAddr()

	var frame []byte

	if addr.Is4() {
		frame, err = packet.BuildARPRequest(packet.ARPSpec{SrcMAC: mac, SrcIP: src, DstIP: addr})
	} else {
		frame, err = packet.BuildNeighborSolicitation(packet.NDPSpec{SrcMAC: mac, Src: src, Target: addr})
	}

	if err != nil {
		e.logger.Debug().Err(err).Str("host", addr.String()).Msg("Failed to build neighbour probe")
		return
	}

	if err := e.deps.Link.SendFrame(frame); err != nil {
		e.session.Stats.IncSendError()
		e.logger.Debug().Err(err).Str("host", addr.String()).Msg("Failed to send neighbour probe")

		return
	}

	e.session.Stats.IncSent()
}

// skipDown resolves t without probing when discovery found its host silent.
func (e *Engine) skipDown(t models.Target, tech models.Technique) bool {
	if e.live == nil || e.live.has(t.Addr) {
		return false
	}

	if _, err := e.prober.Source(t.Addr); err != nil {
		// Reported as unresolvable by the pass itself.
		return false
	}

	e.correlator.Emit(models.ScanOutcome{
		Target:     t,
		Technique:  tech,
		State:      models.StateUnknown,
		Evidence:   models.EvidenceHostDown,
		Detail:     "no answer to host discovery",
		Confidence: models.ConfidenceLow,
		Timestamp:  e.now(),
	})

	return true
}
