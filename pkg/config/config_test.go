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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/models"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func validScan() Scan {
	return Scan{
		Targets:    []string{"192.0.2.0/24", "2001:db8::1"},
		Ports:      "22,80,8000-8002",
		Techniques: []string{"syn"},
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "scan.json", `{
		"targets": ["192.0.2.0/28"],
		"ports": "443",
		"techniques": ["sS", "udp"],
		"timing": "T4",
		"host_timeout": "30s",
		"nats": {"url": "nats://127.0.0.1:4222"}
	}`)

	var cfg Scan
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, []string{"192.0.2.0/28"}, cfg.Targets)
	assert.Equal(t, 30*time.Second, cfg.HostTimeoutOrDefault())

	techs, err := cfg.TechniqueList()
	require.NoError(t, err)
	assert.Equal(t, []models.Technique{models.TechniqueSYN, models.TechniqueUDP}, techs)

	tmpl, err := cfg.Template()
	require.NoError(t, err)
	assert.Equal(t, 4, tmpl.Level)
	assert.Equal(t, 6, cfg.RetryLimit())
}

func TestLoadSkipsValidation(t *testing.T) {
	path := writeFile(t, "partial.json", `{"ports": "22"}`)

	var cfg Scan
	require.NoError(t, NewConfig(nil).Load(context.Background(), path, &cfg))
	assert.Equal(t, "22", cfg.Ports)

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "scan.yaml", `
targets:
  - 198.51.100.0/30
ports: "1-3"
techniques: [fin, xmas]
wait_after_send: 500ms
retries: 0
logging:
  level: debug
`)

	var cfg Scan
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	ports, err := cfg.PortList()
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, ports)
	assert.Equal(t, 500*time.Millisecond, cfg.WaitAfterSendOrDefault())
	assert.Equal(t, 0, cfg.RetryLimit())
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverlay(t *testing.T) {
	path := writeFile(t, "scan.json", `{"targets": ["192.0.2.1"], "ports": "80"}`)

	t.Setenv("SWEEPCORE_PORTS", "22,23")
	t.Setenv("SWEEPCORE_TECHNIQUES", "ack, window")
	t.Setenv("SWEEPCORE_MAX_RATE", "250")
	t.Setenv("SWEEPCORE_SCAN_DELAY", "10ms")
	t.Setenv("SWEEPCORE_RETRIES", "3")
	t.Setenv("SWEEPCORE_NATS_URL", "nats://example:4222")
	t.Setenv("SWEEPCORE_METRICS_ENDPOINT", "otel-collector:4317")
	t.Setenv("SWEEPCORE_METRICS_INSECURE", "true")
	t.Setenv("SWEEPCORE_METRICS_INTERVAL", "30s")
	t.Setenv("SWEEPCORE_DISCOVERY", "true")

	var cfg Scan
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "22,23", cfg.Ports)
	assert.Equal(t, []string{"ack", "window"}, cfg.Techniques)
	assert.InDelta(t, 250, cfg.RateConfig().MaxRate, 0)
	assert.Equal(t, 10*time.Millisecond, cfg.ScanDelayOrDefault())
	assert.Equal(t, 3, cfg.RetryLimit())
	assert.True(t, cfg.Discovery)
	require.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "otel-collector:4317", cfg.Metrics.Endpoint)
	assert.True(t, cfg.Metrics.Insecure)
	assert.Equal(t, 30*time.Second, cfg.Metrics.Interval.Std())
	assert.Nil(t, cfg.Logging, "untouched nested pointers stay nil")
}

func TestEnvSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("SWEEPCORE_CONFIG_JSON", `{"targets": ["192.0.2.9"], "ports": "53", "techniques": ["udp"]}`)

	var cfg Scan
	require.NoError(t, NewConfig(nil).LoadAndValidate(context.Background(), "ignored.json", &cfg))
	assert.Equal(t, "53", cfg.Ports)
}

func TestInvalidSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "kv")

	var cfg Scan
	err := NewConfig(nil).LoadAndValidate(context.Background(), "", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestLoadErrors(t *testing.T) {
	var cfg Scan

	err := NewConfig(nil).LoadAndValidate(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &cfg)
	require.Error(t, err)

	bad := writeFile(t, "bad.yaml", "targets: [unterminated")
	err = NewConfig(nil).LoadAndValidate(context.Background(), bad, &cfg)
	require.Error(t, err)

	empty := writeFile(t, "empty.json", `{}`)
	err = NewConfig(nil).LoadAndValidate(context.Background(), empty, &cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	retries := -1

	tests := []struct {
		name   string
		mutate func(*Scan)
		ok     bool
	}{
		{"valid", func(*Scan) {}, true},
		{"no targets", func(s *Scan) { s.Targets = nil }, false},
		{"bad range", func(s *Scan) { s.Targets = []string{"192.0.2.0/33"} }, false},
		{"address range", func(s *Scan) { s.Targets = []string{"192.0.2.1-192.0.2.30"} }, true},
		{"reversed address range", func(s *Scan) { s.Targets = []string{"192.0.2.30-192.0.2.1"} }, false},
		{"no ports", func(s *Scan) { s.Ports = "" }, false},
		{"port zero", func(s *Scan) { s.Ports = "0" }, false},
		{"reversed range", func(s *Scan) { s.Ports = "90-80" }, false},
		{"unknown technique", func(s *Scan) { s.Techniques = []string{"sZ"} }, false},
		{"unknown timing", func(s *Scan) { s.Timing = "T9" }, false},
		{"min above max", func(s *Scan) { s.MinRate, s.MaxRate = 500, 100 }, false},
		{"negative retries", func(s *Scan) { s.Retries = &retries }, false},
		{"fragment not multiple of 8", func(s *Scan) { s.FragmentSize = 12 }, false},
		{"fragment ok", func(s *Scan) { s.FragmentSize = 16 }, true},
		{"bad decoy", func(s *Scan) { s.Decoys = []string{"nope"} }, false},
		{"idle without zombie", func(s *Scan) { s.Techniques = []string{"idle"} }, false},
		{"idle with zombie", func(s *Scan) {
			s.Techniques = []string{"idle"}
			s.Zombie = "198.51.100.9:443"
		}, true},
		{"idle at T5", func(s *Scan) {
			s.Techniques = []string{"idle"}
			s.Zombie = "198.51.100.9"
			s.Timing = "insane"
		}, false},
		{"connect with decoys", func(s *Scan) {
			s.Techniques = []string{"connect"}
			s.Decoys = []string{"192.0.2.77"}
		}, false},
		{"connect with fragments", func(s *Scan) {
			s.Techniques = []string{"sT"}
			s.FragmentSize = 8
		}, false},
		{"bad key", func(s *Scan) { s.SessionKey = "abc" }, false},
		{"good key", func(s *Scan) { s.SessionKey = testKeyHex }, true},
		{"source family", func(s *Scan) { s.Source4 = "2001:db8::5" }, false},
		{"shard out of range", func(s *Scan) { s.Shard, s.Shards = 2, 2 }, false},
		{"unknown capture", func(s *Scan) { s.Capture = "afpacket" }, false},
		{"nats without url", func(s *Scan) { s.NATS = &NATS{} }, false},
		{"metrics without endpoint", func(s *Scan) { s.Metrics = &Metrics{Insecure: true} }, false},
		{"metrics", func(s *Scan) { s.Metrics = &Metrics{Endpoint: "otel:4317"} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validScan()
			tt.mutate(&s)

			err := s.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts(" 443, 80,79-81,65535 ")
	require.NoError(t, err)
	assert.Equal(t, []uint16{79, 80, 81, 443, 65535}, ports)

	_, err = ParsePorts("65536")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParsePorts("a-b")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestZombieTarget(t *testing.T) {
	s := Scan{Zombie: "198.51.100.9"}

	z, err := s.ZombieTarget()
	require.NoError(t, err)
	assert.Equal(t, uint16(80), z.Port)
	assert.Equal(t, models.ProtocolTCP, z.Protocol)

	s.Zombie = "[2001:db8::9]:8080"
	z, err = s.ZombieTarget()
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), z.Port)
	assert.True(t, z.Addr.Is6())
}

func TestKey(t *testing.T) {
	s := Scan{SessionKey: testKeyHex}

	k, err := s.Key()
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k.Hex())

	s.SessionKey = ""
	a, err := s.Key()
	require.NoError(t, err)
	b, err := s.Key()
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "unset keys are random")
}

func TestRateConfigOverrides(t *testing.T) {
	s := validScan()
	s.Timing = "polite"
	s.MaxRate = 7
	s.Reno = true
	s.InitialRTT = models.Duration(250 * time.Millisecond)

	rc := s.RateConfig()
	assert.InDelta(t, 2.5, rc.MinRate, 0)
	assert.InDelta(t, 7, rc.MaxRate, 0)
	assert.True(t, rc.Reno)
	assert.Equal(t, 250*time.Millisecond, rc.InitialRTT)
	assert.Equal(t, 400*time.Millisecond, s.ScanDelayOrDefault())
}

func TestDefaults(t *testing.T) {
	var s Scan

	assert.Equal(t, CapturePcap, s.CaptureBackend())
	assert.Equal(t, DefaultConnectWorkers, s.Workers())
	assert.Equal(t, DefaultSweepInterval, s.SweepEvery())
	assert.Equal(t, DefaultWaitAfterSend, s.WaitAfterSendOrDefault())

	techs, err := s.TechniqueList()
	require.NoError(t, err)
	assert.Equal(t, []models.Technique{models.TechniqueSYN}, techs)
}

func TestSanitizedDropsSecrets(t *testing.T) {
	s := validScan()
	s.SessionKey = testKeyHex
	s.NATS = &NATS{URL: "nats://x", Creds: "/secret.creds"}

	data, err := Sanitized(&s)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))

	assert.NotContains(t, out, "session_key")
	assert.Equal(t, "22,80,8000-8002", out["ports"])

	nats, ok := out["nats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "nats://x", nats["url"])
	assert.NotContains(t, nats, "creds")
	assert.NotContains(t, out, "decoys", "empty omitempty fields are skipped")
}
