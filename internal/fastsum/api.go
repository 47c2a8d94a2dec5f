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

// Package fastsum computes Internet (RFC 1071) checksums for crafted probes.
package fastsum

// Fold32 folds a 32-bit partial sum to 16 bits and returns the 1's complement.
func Fold32(sum uint32) uint16 {
	s := sum
	s = (s & 0xFFFF) + (s >> 16)
	s = (s & 0xFFFF) + (s >> 16)
	// #nosec G115 - Truncation is intentional for checksum calculation
	return ^uint16(s)
}

// Checksum computes the Internet checksum (1's complement) over b.
func Checksum(b []byte) uint16 {
	return Fold32(SumBE16(b))
}

// PseudoV4 returns the unfolded sum of the IPv4 pseudo-header for a
// transport segment of the given protocol and length.
func PseudoV4(src, dst [4]byte, proto uint8, length int) uint32 {
	var sum uint32

	sum += uint32(src[0])<<8 | uint32(src[1])
	sum += uint32(src[2])<<8 | uint32(src[3])
	sum += uint32(dst[0])<<8 | uint32(dst[1])
	sum += uint32(dst[2])<<8 | uint32(dst[3])
	sum += uint32(proto)
	// #nosec G115 - segment length never exceeds 16 bits on IPv4
	sum += uint32(uint16(length))

	return sum
}

// PseudoV6 returns the unfolded sum of the IPv6 pseudo-header (RFC 8200 §8.1).
func PseudoV6(src, dst [16]byte, next uint8, length int) uint32 {
	sum := SumBE16(src[:]) + SumBE16(dst[:])

	// #nosec G115 - upper-layer length is a 32-bit field
	l := uint32(length)
	sum += l >> 16
	sum += l & 0xFFFF
	sum += uint32(next)

	return sum
}

// TransportV4 computes a TCP/UDP checksum over an IPv4 pseudo-header, the
// transport header and its payload. The header's checksum field must be
// zeroed by the caller.
func TransportV4(src, dst [4]byte, proto uint8, hdr, payload []byte) uint16 {
	sum := PseudoV4(src, dst, proto, len(hdr)+len(payload))
	sum += SumBE16(hdr)

	if len(payload) != 0 {
		sum += SumBE16(payload)
	}

	return Fold32(sum)
}

// TransportV6 is TransportV4 for IPv6 (TCP, UDP and ICMPv6 all use it).
func TransportV6(src, dst [16]byte, next uint8, hdr, payload []byte) uint16 {
	sum := PseudoV6(src, dst, next, len(hdr)+len(payload))
	sum += SumBE16(hdr)

	if len(payload) != 0 {
		sum += SumBE16(payload)
	}

	return Fold32(sum)
}

// Verify reports whether data, including its embedded checksum, sums to the
// all-ones value. partial is an optional pseudo-header sum.
func Verify(partial uint32, data []byte) bool {
	return Fold32(partial+SumBE16(data)) == 0
}
