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

//go:build linux

package rawsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"

	"github.com/carverauto/sweepcore/pkg/engine"
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/packet"
)

// rawCapture reads IPv4 replies from one raw socket per protocol, each
// with a kernel filter attached.
type rawCapture struct {
	conns   []*ipv4.RawConn
	filter  string
	timeout time.Duration
	logger  logger.Logger

	frames chan engine.Captured
	errs   chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type rawListener struct {
	network string
	program []bpf.Instruction
}

func openRaw(cfg CaptureConfig) (engine.Receiver, error) {
	listeners := []rawListener{{network: "ip4:icmp", program: icmpProgram(cfg.Discovery)}}

	if len(cfg.Ports) > 0 {
		listeners = append(listeners, rawListener{network: "ip4:tcp", program: tcpProgram(cfg.Ports)})
	}

	if cfg.UDP {
		listeners = append(listeners, rawListener{network: "ip4:udp", program: udpProgram()})
	}

	c := &rawCapture{
		filter:  describe(listeners),
		timeout: cfg.ReadTimeout,
		logger:  cfg.Logger,
		frames:  make(chan engine.Captured, captureQueue),
		errs:    make(chan error, len(listeners)),
		done:    make(chan struct{}),
	}

	for _, l := range listeners {
		conn, err := listenRaw(l)
		if err != nil {
			_ = c.Close()

			return nil, fmt.Errorf("%w: %s: %w", engine.ErrResourceFatal, l.network, err)
		}

		c.conns = append(c.conns, conn)
	}

	for _, conn := range c.conns {
		c.wg.Add(1)

		go c.read(conn)
	}

	c.logger.Info().Str("filter", c.filter).Int("sockets", len(c.conns)).Msg("Raw capture opened")

	return c, nil
}

func listenRaw(l rawListener) (*ipv4.RawConn, error) {
	pc, err := net.ListenPacket(l.network, "0.0.0.0")
	if err != nil {
		return nil, err
	}

	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		_ = pc.Close()

		return nil, err
	}

	prog, err := assemble(l.program)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	if err := conn.SetBPF(prog); err != nil {
		_ = conn.Close()

		return nil, err
	}

	return conn, nil
}

func describe(listeners []rawListener) string {
	names := make([]string, 0, len(listeners))
	for _, l := range listeners {
		names = append(names, l.network)
	}

	return "bpf(" + strings.Join(names, ",") + ")"
}

func (c *rawCapture) read(conn *ipv4.RawConn) {
	defer c.wg.Done()

	buf := make([]byte, defaultSnapLen)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.fail(err)

			return
		}

		h, payload, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			c.fail(err)

			return
		}

		hdr, err := h.Marshal()
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping unparsable datagram")

			continue
		}

		data := make([]byte, 0, len(hdr)+len(payload))
		data = append(data, hdr...)
		data = append(data, payload...)

		select {
		case c.frames <- engine.Captured{Data: data, Link: packet.LinkRaw, Timestamp: time.Now()}:
		case <-c.done:
			return
		}
	}
}

func (c *rawCapture) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func (c *rawCapture) Recv(ctx context.Context) (engine.Captured, error) {
	select {
	case <-ctx.Done():
		return engine.Captured{}, ctx.Err()
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return engine.Captured{}, err
	case <-c.done:
		return engine.Captured{}, net.ErrClosed
	}
}

func (c *rawCapture) Filter() string { return c.filter }

func (c *rawCapture) Close() error {
	var err error

	c.once.Do(func() {
		close(c.done)

		for _, conn := range c.conns {
			err = errors.Join(err, conn.Close())
		}

		c.wg.Wait()
	})

	return err
}
