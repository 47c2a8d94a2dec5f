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

package prober

// Protocol-aware UDP probe bodies. Services such as DNS and NTP ignore empty
// datagrams, so an open port would otherwise stay silent.
var udpPayloads = map[uint16][]byte{
	// DNS: version.bind TXT CH
	53: {
		0x00, 0x06, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x07, 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x04, 'b', 'i', 'n', 'd', 0x00,
		0x00, 0x10, 0x00, 0x03,
	},
	// NTP v4 client request
	123: append([]byte{0xe3, 0x00, 0x04, 0xfa}, make([]byte, 44)...),
	// NetBIOS wildcard node status query
	137: {
		0x80, 0xf0, 0x00, 0x10, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x20, 'C', 'K', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A',
		'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A', 'A',
		'A', 'A', 'A', 'A', 'A', 0x00, 0x00, 0x21, 0x00, 0x01,
	},
}

// DefaultUDPPayload returns the built-in probe body for port, or nil.
func DefaultUDPPayload(port uint16) []byte {
	return udpPayloads[port]
}
