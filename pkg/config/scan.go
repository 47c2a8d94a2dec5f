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

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/projectdiscovery/mapcidr"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/prober"
	"github.com/carverauto/sweepcore/pkg/ratecontrol"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid scan configuration")

// Capture backends.
const (
	CapturePcap = "pcap"
	CaptureRaw  = "raw"
)

const (
	DefaultWaitAfterSend  = 2 * time.Second
	DefaultConnectWorkers = 256
	DefaultSweepInterval  = 5 * time.Second
	DefaultNATSSubject    = "sweepcore.outcomes"
)

// NATS configures the optional outcome publisher.
type NATS struct {
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
	// Stream enables JetStream publishing into the named stream.
	Stream string `json:"stream,omitempty" yaml:"stream,omitempty"`
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Creds  string `json:"creds,omitempty" yaml:"creds,omitempty" sensitive:"true"`
}

// Metrics configures OTLP/gRPC export of the session counters.
type Metrics struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Insecure bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" sensitive:"true"`
	Interval models.Duration   `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Scan is the configuration bundle of one session.
type Scan struct {
	Targets    []string `json:"targets" yaml:"targets"`
	Ports      string   `json:"ports" yaml:"ports"`
	Techniques []string `json:"techniques" yaml:"techniques"`
	Timing     string   `json:"timing,omitempty" yaml:"timing,omitempty"`

	// MinRate, MaxRate and Retries override the timing template when set.
	MinRate     float64         `json:"min_rate,omitempty" yaml:"min_rate,omitempty"`
	MaxRate     float64         `json:"max_rate,omitempty" yaml:"max_rate,omitempty"`
	MaxCwnd     int             `json:"max_cwnd,omitempty" yaml:"max_cwnd,omitempty"`
	Retries     *int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	InitialRTT  models.Duration `json:"initial_rtt,omitempty" yaml:"initial_rtt,omitempty"`
	HostTimeout models.Duration `json:"host_timeout,omitempty" yaml:"host_timeout,omitempty"`
	ScanDelay   models.Duration `json:"scan_delay,omitempty" yaml:"scan_delay,omitempty"`
	// WaitAfterSend is the minimum grace period before unanswered
	// stateless probes are resolved.
	WaitAfterSend models.Duration `json:"wait_after_send,omitempty" yaml:"wait_after_send,omitempty"`
	Reno          bool            `json:"reno,omitempty" yaml:"reno,omitempty"`
	// TrackACK makes ACK probes stateful so they are retransmitted.
	TrackACK bool `json:"track_ack,omitempty" yaml:"track_ack,omitempty"`
	// Discovery pings every host before the port passes; ports of hosts
	// that stay silent are reported unknown without being probed.
	Discovery bool `json:"discovery,omitempty" yaml:"discovery,omitempty"`

	Decoys       []string `json:"decoys,omitempty" yaml:"decoys,omitempty"`
	FragmentSize int      `json:"fragment_size,omitempty" yaml:"fragment_size,omitempty"`
	SourcePort   uint16   `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	Source4      string   `json:"source4,omitempty" yaml:"source4,omitempty"`
	Source6      string   `json:"source6,omitempty" yaml:"source6,omitempty"`
	TTL          uint8    `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	// Zombie is "host:port" of the idle-scan zombie.
	Zombie string `json:"zombie,omitempty" yaml:"zombie,omitempty"`

	SessionKey string `json:"session_key,omitempty" yaml:"session_key,omitempty" sensitive:"true"`
	Seed       int64  `json:"seed,omitempty" yaml:"seed,omitempty"`
	// Shard and Shards split the target space across cooperating scanners.
	Shard  int `json:"shard,omitempty" yaml:"shard,omitempty"`
	Shards int `json:"shards,omitempty" yaml:"shards,omitempty"`

	Interface      string          `json:"interface,omitempty" yaml:"interface,omitempty"`
	Capture        string          `json:"capture,omitempty" yaml:"capture,omitempty"`
	ConnectWorkers int             `json:"connect_workers,omitempty" yaml:"connect_workers,omitempty"`
	SweepInterval  models.Duration `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	Logging *logger.Config `json:"logging,omitempty" yaml:"logging,omitempty"`
	NATS    *NATS          `json:"nats,omitempty" yaml:"nats,omitempty"`
	Metrics *Metrics       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate reports the first problem in the bundle.
func (s *Scan) Validate() error {
	if len(s.Targets) == 0 {
		return invalid("no targets")
	}

	for _, t := range s.Targets {
		if !validRange(t) {
			return invalid("bad target range %q", t)
		}
	}

	if _, err := s.PortList(); err != nil {
		return err
	}

	techs, err := s.TechniqueList()
	if err != nil {
		return err
	}

	tmpl, err := s.Template()
	if err != nil {
		return err
	}

	rc := s.RateConfig()
	if rc.MinRate > rc.MaxRate {
		return invalid("min_rate %.3f exceeds max_rate %.3f", rc.MinRate, rc.MaxRate)
	}

	if s.Retries != nil && *s.Retries < 0 {
		return invalid("negative retries")
	}

	if s.FragmentSize < 0 || s.FragmentSize%8 != 0 {
		return invalid("fragment_size %d is not a multiple of 8", s.FragmentSize)
	}

	if _, err := s.DecoyAddrs(); err != nil {
		return err
	}

	if _, err := s.Sources(); err != nil {
		return err
	}

	if _, err := s.Key(); err != nil {
		return err
	}

	if s.Shards < 0 || s.Shard < 0 || (s.Shards > 0 && s.Shard >= s.Shards) {
		return invalid("shard %d of %d", s.Shard, s.Shards)
	}

	switch s.Capture {
	case "", CapturePcap, CaptureRaw:
	default:
		return invalid("unknown capture backend %q", s.Capture)
	}

	if s.NATS != nil && s.NATS.URL == "" {
		return invalid("nats.url is required")
	}

	if s.Metrics != nil && s.Metrics.Endpoint == "" {
		return invalid("metrics.endpoint is required")
	}

	return s.validateCombinations(techs, tmpl)
}

func (s *Scan) validateCombinations(techs []models.Technique, tmpl ratecontrol.Template) error {
	for _, t := range techs {
		switch t {
		case models.TechniqueIdle:
			if _, err := s.ZombieTarget(); err != nil {
				return err
			}

			if tmpl.Level == 5 {
				return invalid("idle scan cannot run at %s", tmpl)
			}
		case models.TechniqueConnect:
			if s.FragmentSize > 0 || len(s.Decoys) > 0 {
				return invalid("connect scan cannot use fragmentation or decoys")
			}
		}
	}

	return nil
}

func validRange(s string) bool {
	s = strings.TrimSpace(s)

	if start, end, ok := strings.Cut(s, "-"); ok {
		_, err := mapcidr.IpRangeToCIDR(strings.TrimSpace(start), strings.TrimSpace(end))
		return err == nil
	}

	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}

	_, err := netip.ParseAddr(s)

	return err == nil
}

// PortList expands "22,80,8000-8010" into a sorted, de-duplicated list.
func (s *Scan) PortList() ([]uint16, error) {
	return ParsePorts(s.Ports)
}

// ParsePorts parses a comma-separated list of ports and inclusive ranges.
func ParsePorts(spec string) ([]uint16, error) {
	seen := make(map[uint16]struct{})

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}

		first, err := parsePort(lo)
		if err != nil {
			return nil, err
		}

		last, err := parsePort(hi)
		if err != nil {
			return nil, err
		}

		if first > last {
			return nil, invalid("port range %q is reversed", part)
		}

		for p := uint32(first); p <= uint32(last); p++ {
			seen[uint16(p)] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return nil, invalid("no ports")
	}

	ports := make([]uint16, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	return ports, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, invalid("bad port %q", s)
	}

	return uint16(n), nil
}

// TechniqueList parses the configured techniques, defaulting to SYN.
func (s *Scan) TechniqueList() ([]models.Technique, error) {
	if len(s.Techniques) == 0 {
		return []models.Technique{models.TechniqueSYN}, nil
	}

	out := make([]models.Technique, 0, len(s.Techniques))
	seen := make(map[models.Technique]bool)

	for _, name := range s.Techniques {
		t, err := models.ParseTechnique(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	return out, nil
}

// Template resolves the timing template, T3 when unset.
func (s *Scan) Template() (ratecontrol.Template, error) {
	if s.Timing == "" {
		return ratecontrol.DefaultTemplate(), nil
	}

	t, err := ratecontrol.LookupTemplate(s.Timing)
	if err != nil {
		return ratecontrol.Template{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return t, nil
}

// RateConfig is the template's controller configuration with explicit
// overrides applied.
func (s *Scan) RateConfig() ratecontrol.Config {
	tmpl, err := s.Template()
	if err != nil {
		tmpl = ratecontrol.DefaultTemplate()
	}

	rc := tmpl.Config()

	if s.MinRate > 0 {
		rc.MinRate = s.MinRate
	}

	if s.MaxRate > 0 {
		rc.MaxRate = s.MaxRate
	}

	if s.MaxCwnd > 0 {
		rc.MaxCwnd = s.MaxCwnd
	}

	if s.InitialRTT > 0 {
		rc.InitialRTT = s.InitialRTT.Std()
	}

	rc.Reno = s.Reno

	return rc
}

// RetryLimit is the explicit retry count or the template's.
func (s *Scan) RetryLimit() int {
	if s.Retries != nil {
		return *s.Retries
	}

	tmpl, err := s.Template()
	if err != nil {
		return ratecontrol.DefaultTemplate().MaxRetries
	}

	return tmpl.MaxRetries
}

// HostTimeoutOrDefault is the explicit host timeout or the template's.
func (s *Scan) HostTimeoutOrDefault() time.Duration {
	if s.HostTimeout > 0 {
		return s.HostTimeout.Std()
	}

	tmpl, err := s.Template()
	if err != nil || tmpl.HostTimeout <= 0 {
		return 0
	}

	return tmpl.HostTimeout
}

// ScanDelayOrDefault is the explicit scan delay or the template's.
func (s *Scan) ScanDelayOrDefault() time.Duration {
	if s.ScanDelay > 0 {
		return s.ScanDelay.Std()
	}

	tmpl, err := s.Template()
	if err != nil {
		return 0
	}

	return tmpl.ScanDelay
}

// WaitAfterSendOrDefault is the configured grace period or DefaultWaitAfterSend.
func (s *Scan) WaitAfterSendOrDefault() time.Duration {
	if s.WaitAfterSend > 0 {
		return s.WaitAfterSend.Std()
	}

	return DefaultWaitAfterSend
}

// DecoyAddrs parses the decoy source addresses.
func (s *Scan) DecoyAddrs() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(s.Decoys))

	for _, d := range s.Decoys {
		a, err := netip.ParseAddr(strings.TrimSpace(d))
		if err != nil {
			return nil, invalid("bad decoy %q", d)
		}

		out = append(out, a.Unmap())
	}

	return out, nil
}

// Sources parses the configured local source addresses. Either may be
// the zero Addr when unset.
func (s *Scan) Sources() ([2]netip.Addr, error) {
	var out [2]netip.Addr

	for i, raw := range []string{s.Source4, s.Source6} {
		if raw == "" {
			continue
		}

		a, err := netip.ParseAddr(raw)
		if err != nil {
			return out, invalid("bad source address %q", raw)
		}

		a = a.Unmap()
		if (i == 0) != a.Is4() {
			return out, invalid("source address %q has the wrong family", raw)
		}

		out[i] = a
	}

	return out, nil
}

// ZombieTarget parses the idle-scan zombie.
func (s *Scan) ZombieTarget() (models.Target, error) {
	if s.Zombie == "" {
		return models.Target{}, invalid("idle scan needs a zombie")
	}

	ap, err := netip.ParseAddrPort(s.Zombie)
	if err != nil {
		a, aerr := netip.ParseAddr(s.Zombie)
		if aerr != nil {
			return models.Target{}, invalid("bad zombie %q", s.Zombie)
		}

		// nmap probes port 80 when none is given.
		ap = netip.AddrPortFrom(a, 80)
	}

	if ap.Port() == 0 {
		return models.Target{}, invalid("bad zombie port in %q", s.Zombie)
	}

	return models.Target{Addr: ap.Addr().Unmap(), Port: ap.Port(), Protocol: models.ProtocolTCP}, nil
}

// Key decodes the session key. An empty key yields a fresh random one.
func (s *Scan) Key() (prober.Key, error) {
	if s.SessionKey == "" {
		return prober.NewKey()
	}

	k, err := prober.KeyFromHex(s.SessionKey)
	if err != nil {
		return prober.Key{}, fmt.Errorf("%w: session_key: %w", ErrInvalidConfig, err)
	}

	return k, nil
}

// CaptureBackend is the configured backend, pcap when unset.
func (s *Scan) CaptureBackend() string {
	if s.Capture == "" {
		return CapturePcap
	}

	return s.Capture
}

// Workers is the connect-scan concurrency.
func (s *Scan) Workers() int {
	if s.ConnectWorkers > 0 {
		return s.ConnectWorkers
	}

	return DefaultConnectWorkers
}

// SweepEvery is the tracker sweep interval.
func (s *Scan) SweepEvery() time.Duration {
	if s.SweepInterval > 0 {
		return s.SweepInterval.Std()
	}

	return DefaultSweepInterval
}
