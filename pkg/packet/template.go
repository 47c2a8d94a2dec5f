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
	"net/netip"

	"github.com/carverauto/sweepcore/internal/fastsum"
)

// TCPFields are the per-probe values patched into a TCPTemplate.
type TCPFields struct {
	Dst     netip.Addr
	ID      uint16
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
}

// TCPTemplate is an IPv4 TCP probe serialised once and patched per target.
// Render produces the same bytes BuildTCP would for the merged spec.
type TCPTemplate struct {
	base []byte
	ihl  int
	src  [4]byte
}

// NewTCPTemplate serialises spec as the template base. The destination,
// ports, sequence numbers, flags and IP ID are overwritten on every Render.
func NewTCPTemplate(spec TCPSpec) (*TCPTemplate, error) {
	if !spec.IP.Src.Unmap().Is4() {
		return nil, ErrNotIPv4
	}

	if !spec.IP.Dst.IsValid() {
		spec.IP.Dst = netip.IPv4Unspecified()
	}

	b, err := BuildTCP(spec)
	if err != nil {
		return nil, err
	}

	return &TCPTemplate{
		base: b,
		ihl:  int(b[0]&0x0f) * 4,
		src:  spec.IP.Src.Unmap().As4(),
	}, nil
}

// Len is the size of every rendered packet.
func (t *TCPTemplate) Len() int {
	return len(t.base)
}

// Render writes a probe into buf, growing it if needed, and returns the
// filled slice.
func (t *TCPTemplate) Render(buf []byte, f TCPFields) ([]byte, error) {
	dst := f.Dst.Unmap()
	if !dst.Is4() {
		return nil, ErrNotIPv4
	}

	if cap(buf) < len(t.base) {
		buf = make([]byte, len(t.base))
	}

	buf = buf[:len(t.base)]
	copy(buf, t.base)

	d := dst.As4()

	ip := buf[:t.ihl]
	binary.BigEndian.PutUint16(ip[4:6], f.ID)
	copy(ip[16:20], d[:])
	ip[10], ip[11] = 0, 0
	binary.BigEndian.PutUint16(ip[10:12], fastsum.Checksum(ip))

	tcp := buf[t.ihl:]
	binary.BigEndian.PutUint16(tcp[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], f.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], f.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], f.Ack)
	tcp[13] = byte(f.Flags)
	tcp[16], tcp[17] = 0, 0
	binary.BigEndian.PutUint16(tcp[16:18], fastsum.TransportV4(t.src, d, ProtoTCP, tcp, nil))

	return buf, nil
}
