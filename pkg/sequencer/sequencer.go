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

// Package sequencer enumerates a target space of address ranges times ports
// in a pseudo-random order without materialising it.
package sequencer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/projectdiscovery/blackrock"
	"github.com/projectdiscovery/mapcidr"

	"github.com/carverauto/sweepcore/pkg/models"
)

var (
	ErrNoRanges      = errors.New("no target ranges")
	ErrInvalidRange  = errors.New("invalid target range")
	ErrNoPorts       = errors.New("empty port list")
	ErrInvalidPort   = errors.New("port 0 is not scannable")
	ErrSpaceTooLarge = errors.New("target space exceeds 2^63 entries")
	ErrInvalidShard  = errors.New("invalid shard")
)

// block is one coalesced network together with its offset in the host index.
type block struct {
	start uint64
	count uint64

	v4    bool
	base4 uint32
	base6 *big.Int
	bits  int
}

// Sequencer maps a dense index space [0, Len()) to targets through a
// blackrock permutation. Next is safe for concurrent use.
type Sequencer struct {
	blocks []block
	ports  []uint16
	proto  models.Protocol
	hosts  uint64
	total  uint64
	seed   int64

	perm   *blackrock.BlackRock
	cursor atomic.Uint64
}

// New builds a sequencer over ranges (CIDRs or single addresses) times
// ports. The same seed always yields the same order.
func New(ranges []string, ports []uint16, proto models.Protocol, seed int64) (*Sequencer, error) {
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}

	for _, p := range ports {
		if p == 0 {
			return nil, ErrInvalidPort
		}
	}

	return build(ranges, ports, proto, seed)
}

// NewHosts walks every address of ranges once, in permuted order. Targets
// carry port 0 and the ICMP protocol; host discovery uses it.
func NewHosts(ranges []string, seed int64) (*Sequencer, error) {
	return build(ranges, []uint16{0}, models.ProtocolICMP, seed)
}

func build(ranges []string, ports []uint16, proto models.Protocol, seed int64) (*Sequencer, error) {
	nets, err := parseRanges(ranges)
	if err != nil {
		return nil, err
	}

	v4, v6 := mapcidr.CoalesceCIDRs(nets)

	s := &Sequencer{
		ports: append([]uint16(nil), ports...),
		proto: proto,
		seed:  seed,
	}

	for _, n := range append(v4, v6...) {
		if err := s.addBlock(n); err != nil {
			return nil, err
		}
	}

	if s.hosts == 0 {
		return nil, ErrNoRanges
	}

	if s.hosts > math.MaxInt64/uint64(len(s.ports)) {
		return nil, ErrSpaceTooLarge
	}

	s.total = s.hosts * uint64(len(s.ports))
	s.perm = blackrock.New(int64(s.total), seed)

	return s, nil
}

func parseRanges(ranges []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(ranges))

	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		if start, end, ok := strings.Cut(r, "-"); ok {
			blocks, err := rangeBlocks(strings.TrimSpace(start), strings.TrimSpace(end))
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRange, r, err)
			}

			nets = append(nets, blocks...)

			continue
		}

		if strings.Contains(r, "/") {
			_, n, err := net.ParseCIDR(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRange, r)
			}

			nets = append(nets, n)

			continue
		}

		addr, err := netip.ParseAddr(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, r)
		}

		addr = addr.Unmap()
		nets = append(nets, &net.IPNet{
			IP:   net.IP(addr.AsSlice()),
			Mask: net.CIDRMask(addr.BitLen(), addr.BitLen()),
		})
	}

	if len(nets) == 0 {
		return nil, ErrNoRanges
	}

	return nets, nil
}

// rangeBlocks splits the inclusive range start-end into CIDR blocks.
func rangeBlocks(start, end string) ([]*net.IPNet, error) {
	cidrs, err := mapcidr.IpRangeToCIDR(start, end)
	if err != nil {
		return nil, err
	}

	out := make([]*net.IPNet, 0, len(cidrs))

	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}

		out = append(out, n)
	}

	return out, nil
}

func (s *Sequencer) addBlock(n *net.IPNet) error {
	ones, size := n.Mask.Size()

	ip4 := n.IP.To4()
	if ip4 != nil && size == 128 {
		ones, size = ones-96, 32
	}

	if size-ones > 62 {
		return fmt.Errorf("%w: %s", ErrSpaceTooLarge, n)
	}

	count := mapcidr.AddressCountIpnet(n)

	b := block{start: s.hosts, count: count}

	if ip4 != nil && size == 32 {
		b.v4 = true
		b.base4 = binary.BigEndian.Uint32(ip4)
	} else {
		base, bits, err := mapcidr.IPToInteger(n.IP)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRange, n, err)
		}

		b.base6, b.bits = base, bits
	}

	if s.hosts+count < s.hosts || s.hosts+count > math.MaxInt64 {
		return ErrSpaceTooLarge
	}

	s.hosts += count
	s.blocks = append(s.blocks, b)

	return nil
}

// Len is the size of the target space.
func (s *Sequencer) Len() uint64 {
	return s.total
}

// Seed returns the permutation seed.
func (s *Sequencer) Seed() int64 {
	return s.seed
}

// Next returns the target at the next cursor position. It returns false
// once every index has been handed out.
func (s *Sequencer) Next() (models.Target, bool) {
	i := s.cursor.Add(1) - 1
	if i >= s.total {
		return models.Target{}, false
	}

	return s.At(i), true
}

// Reset rewinds the cursor for another pass in the same order.
func (s *Sequencer) Reset() {
	s.cursor.Store(0)
}

// Consumed is the number of indices handed out so far, capped at Len.
func (s *Sequencer) Consumed() uint64 {
	return min(s.cursor.Load(), s.total)
}

// At maps the i-th index of the walk to its target. i must be < Len.
func (s *Sequencer) At(i uint64) models.Target {
	p := uint64(s.perm.Shuffle(int64(i)))

	np := uint64(len(s.ports))

	return models.Target{
		Addr:     s.host(p / np),
		Port:     s.ports[p%np],
		Protocol: s.proto,
	}
}

func (s *Sequencer) host(h uint64) netip.Addr {
	k := sort.Search(len(s.blocks), func(j int) bool {
		return s.blocks[j].start+s.blocks[j].count > h
	})

	b := &s.blocks[k]
	off := h - b.start

	if b.v4 {
		var a [4]byte
		// #nosec G115 - off < block size <= 2^32
		binary.BigEndian.PutUint32(a[:], b.base4+uint32(off))

		return netip.AddrFrom4(a)
	}

	ip := mapcidr.IntegerToIP(new(big.Int).Add(b.base6, new(big.Int).SetUint64(off)), b.bits)
	a, _ := netip.AddrFromSlice(ip)

	return a.Unmap()
}

// Shard is worker k's view of an n-way split: it walks indices k, k+n, ...
// Shards of the same Sequencer are disjoint and together cover every index.
type Shard struct {
	seq    *Sequencer
	k, n   uint64
	size   uint64
	cursor atomic.Uint64
}

// Shard returns the k-th of n shards. Its cursor is independent of Next.
func (s *Sequencer) Shard(k, n uint64) (*Shard, error) {
	if n == 0 || k >= n {
		return nil, fmt.Errorf("%w: %d/%d", ErrInvalidShard, k, n)
	}

	var size uint64
	if k < s.total {
		size = (s.total - k + n - 1) / n
	}

	return &Shard{seq: s, k: k, n: n, size: size}, nil
}

// Len is the number of indices owned by the shard.
func (sh *Shard) Len() uint64 {
	return sh.size
}

// Next returns the shard's next target.
func (sh *Shard) Next() (models.Target, bool) {
	j := sh.cursor.Add(1) - 1
	if j >= sh.size {
		return models.Target{}, false
	}

	return sh.seq.At(sh.k + j*sh.n), true
}
