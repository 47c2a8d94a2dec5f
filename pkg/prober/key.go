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

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/netip"

	"golang.org/x/crypto/blake2b"

	"github.com/carverauto/sweepcore/pkg/models"
)

// KeySize is the length of a session key in bytes.
const KeySize = 32

var ErrKeySize = errors.New("session key must be 32 bytes")

// Key is the per-session secret every probe tag is derived from.
type Key [KeySize]byte

// NewKey returns a random session key.
func NewKey() (Key, error) {
	var k Key

	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate session key: %w", err)
	}

	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key

	if len(b) != KeySize {
		return Key{}, fmt.Errorf("%w: got %d", ErrKeySize, len(b))
	}

	copy(k[:], b)

	return k, nil
}

// KeyFromHex decodes a hex-encoded session key.
func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode session key: %w", err)
	}

	return KeyFromBytes(b)
}

// String redacts the key so it never ends up in logs.
func (k Key) String() string {
	return "Key(redacted)"
}

// Hex returns the key in the form KeyFromHex accepts.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func newMAC(k Key) hash.Hash {
	h, err := blake2b.New256(k[:])
	if err != nil {
		// only returned for keys longer than 64 bytes
		panic(err)
	}

	return h
}

// Tag computes the keyed tag for (addr, port, technique). IPv4 and
// v4-mapped IPv6 forms of an address yield the same tag.
func Tag(k Key, addr netip.Addr, port uint16, t models.Technique) uint32 {
	return tagWith(newMAC(k), addr, port, t)
}

func tagWith(h hash.Hash, addr netip.Addr, port uint16, t models.Technique) uint32 {
	var in [19]byte

	a := addr.Unmap().As16()
	copy(in[:16], a[:])
	binary.BigEndian.PutUint16(in[16:18], port)
	in[18] = byte(t)

	h.Reset()
	h.Write(in[:])

	var sum [blake2b.Size256]byte

	return binary.BigEndian.Uint32(h.Sum(sum[:0]))
}
