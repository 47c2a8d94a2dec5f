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

package fastsum

// SumBE16 returns the (unfolded) one's-complement sum of 16-bit big-endian
// words over b. Odd last byte (if any) is treated as high-order byte.
func SumBE16(b []byte) uint32 {
	var sum uint32

	i := 0
	n := len(b)

	for n >= 8 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
		sum += uint32(b[i+2])<<8 | uint32(b[i+3])
		sum += uint32(b[i+4])<<8 | uint32(b[i+5])
		sum += uint32(b[i+6])<<8 | uint32(b[i+7])
		i += 8
		n -= 8
	}

	for n >= 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
		i += 2
		n -= 2
	}

	if n == 1 {
		sum += uint32(b[i]) << 8
	}

	return sum
}
