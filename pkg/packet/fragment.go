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

package packet

import (
	"encoding/binary"

	"github.com/carverauto/sweepcore/internal/fastsum"
)

const (
	ipv4FlagDF   = 0x4000
	ipv4FlagMF   = 0x2000
	ipv4OffsetMk = 0x1fff
)

// Fragment splits an IPv4 datagram into fragments whose payloads are at most
// fragSize bytes. A datagram that already fits is returned as a single copy.
// Every fragment carries a copy of the original header with recomputed
// length, offset, flags and checksum.
func Fragment(pkt []byte, fragSize int) ([][]byte, error) {
	if fragSize <= 0 || fragSize%8 != 0 {
		return nil, ErrFragmentSize
	}

	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}

	ihl := int(pkt[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(pkt[2:4]))

	if ihl < 20 || total < ihl || total > len(pkt) {
		return nil, ErrMalformed
	}

	flagsOff := binary.BigEndian.Uint16(pkt[6:8])
	if flagsOff&ipv4FlagDF != 0 {
		return nil, ErrDontFragment
	}

	payload := pkt[ihl:total]
	if len(payload) <= fragSize {
		return [][]byte{append([]byte(nil), pkt[:total]...)}, nil
	}

	baseOff := int(flagsOff & ipv4OffsetMk)
	more := flagsOff&ipv4FlagMF != 0

	frags := make([][]byte, 0, (len(payload)+fragSize-1)/fragSize)

	for off := 0; off < len(payload); off += fragSize {
		end := min(off+fragSize, len(payload))

		f := make([]byte, ihl+end-off)
		copy(f, pkt[:ihl])
		copy(f[ihl:], payload[off:end])

		binary.BigEndian.PutUint16(f[2:4], uint16(len(f)))

		fo := uint16(baseOff + off/8)
		if end < len(payload) || more {
			fo |= ipv4FlagMF
		}

		binary.BigEndian.PutUint16(f[6:8], fo)

		f[10], f[11] = 0, 0
		binary.BigEndian.PutUint16(f[10:12], fastsum.Checksum(f[:ihl]))

		frags = append(frags, f)
	}

	return frags, nil
}
