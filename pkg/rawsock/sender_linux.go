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

//go:build linux && (amd64 || arm64 || 386)

package rawsock

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/carverauto/sweepcore/pkg/engine"
)

const (
	maxBatch    = 64
	ipv4Version = 4
	ipv6Version = 6
)

var errMalformed = errors.New("packet too short for its IP header")

// Sender writes fully formed IP packets through raw sockets.
type Sender struct {
	fd4 int
	fd6 int

	mu   sync.Mutex
	msgs []mmsghdr
	iovs []unix.Iovec
	sas  []unix.RawSockaddrInet4
}

var _ engine.BatchTransmitter = (*Sender)(nil)

// OpenSender opens the IPv4 socket and, when the host allows it, an IPv6
// socket. Both carry caller-built headers.
func OpenSender() (*Sender, error) {
	fd4, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: raw socket: %w", engine.ErrResourceFatal, err)
	}

	if err := unix.SetsockoptInt(fd4, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd4)

		return nil, fmt.Errorf("%w: IP_HDRINCL: %w", engine.ErrResourceFatal, err)
	}

	s := &Sender{
		fd4:  fd4,
		fd6:  -1,
		msgs: make([]mmsghdr, maxBatch),
		iovs: make([]unix.Iovec, maxBatch),
		sas:  make([]unix.RawSockaddrInet4, maxBatch),
	}

	// IPPROTO_RAW on AF_INET6 implies IPV6_HDRINCL.
	if fd6, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_RAW); err == nil {
		s.fd6 = fd6
	}

	return s, nil
}

// Send writes one packet to the destination in its header.
func (s *Sender) Send(pkt []byte) error {
	if len(pkt) == 0 {
		return errMalformed
	}

	switch pkt[0] >> 4 {
	case ipv4Version:
		if len(pkt) < 20 {
			return errMalformed
		}

		sa := &unix.SockaddrInet4{}
		copy(sa.Addr[:], pkt[16:20])

		return classify(unix.Sendto(s.fd4, pkt, 0, sa))
	case ipv6Version:
		if len(pkt) < 40 {
			return errMalformed
		}

		if s.fd6 < 0 {
			return fmt.Errorf("%w: no IPv6 raw socket", engine.ErrResourceFatal)
		}

		sa := &unix.SockaddrInet6{}
		copy(sa.Addr[:], pkt[24:40])

		return classify(unix.Sendto(s.fd6, pkt, 0, sa))
	default:
		return errMalformed
	}
}

// SendBatch writes up to len(pkts) packets and reports how many went out.
// IPv4 batches go through one sendmmsg call per chunk; anything else is
// sent one at a time.
func (s *Sender) SendBatch(pkts [][]byte) (int, error) {
	for _, p := range pkts {
		if len(p) < 20 || p[0]>>4 != ipv4Version {
			return s.sendEach(pkts)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0

	for sent < len(pkts) {
		chunk := pkts[sent:]
		if len(chunk) > maxBatch {
			chunk = chunk[:maxBatch]
		}

		for i, p := range chunk {
			s.sas[i] = unix.RawSockaddrInet4{Family: unix.AF_INET}
			copy(s.sas[i].Addr[:], p[16:20])

			s.iovs[i] = unix.Iovec{Base: &p[0]}
			s.iovs[i].SetLen(len(p))

			s.msgs[i] = mmsghdr{}
			s.msgs[i].Hdr.Name = (*byte)(unsafe.Pointer(&s.sas[i]))
			s.msgs[i].Hdr.Namelen = unix.SizeofSockaddrInet4
			s.msgs[i].Hdr.Iov = &s.iovs[i]
			s.msgs[i].Hdr.SetIovlen(1)
		}

		n, err := sendmmsg(s.fd4, s.msgs[:len(chunk)], 0)
		if n > 0 {
			sent += n
		}

		if err != nil {
			return sent, classify(err)
		}

		if n <= 0 {
			return sent, classify(unix.EAGAIN)
		}
	}

	return sent, nil
}

func (s *Sender) sendEach(pkts [][]byte) (int, error) {
	for i, p := range pkts {
		if err := s.Send(p); err != nil {
			return i, err
		}
	}

	return len(pkts), nil
}

// Close releases both sockets.
func (s *Sender) Close() error {
	err := unix.Close(s.fd4)

	if s.fd6 >= 0 {
		err = errors.Join(err, unix.Close(s.fd6))
	}

	return err
}
