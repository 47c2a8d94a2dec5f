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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/sweepcore/pkg/config"
	"github.com/carverauto/sweepcore/pkg/engine"
	"github.com/carverauto/sweepcore/pkg/logger"
	"github.com/carverauto/sweepcore/pkg/metrics"
	"github.com/carverauto/sweepcore/pkg/models"
	"github.com/carverauto/sweepcore/pkg/natsemit"
	"github.com/carverauto/sweepcore/pkg/rawsock"
	"github.com/carverauto/sweepcore/pkg/version"
)

const metricsFlushTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to scan config file (JSON or YAML)")
	targets := flag.String("targets", "", "Comma-separated targets (addresses, CIDRs, first-last ranges)")
	ports := flag.String("ports", "", "Port list, e.g. 22,80,1000-2000")
	techniques := flag.String("technique", "", "Comma-separated techniques (syn, connect, fin, null, xmas, ack, window, maimon, idle, udp)")
	timing := flag.String("timing", "", "Timing template T0-T5")
	zombie := flag.String("zombie", "", "Idle-scan zombie host:port")
	discovery := flag.Bool("discovery", false, "Ping every host before scanning its ports")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetFullVersion())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Scan

	// Validation runs in engine.New once the flag overrides are applied.
	if err := config.NewConfig(nil).Load(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(&cfg, *targets, *ports, *techniques, *timing, *zombie)

	if *discovery {
		cfg.Discovery = true
	}

	scanLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	scanLogger = scanLogger.WithComponent("sweepcore")

	if err := cfg.Validate(); err != nil {
		return err
	}

	techs, err := cfg.TechniqueList()
	if err != nil {
		return err
	}

	raw := slices.ContainsFunc(techs, models.Technique.Raw) || cfg.Discovery

	if err := resolveSources(&cfg, scanLogger); err != nil {
		return err
	}

	sessionID := uuid.New()
	deps := engine.Deps{Logger: scanLogger, SessionID: sessionID}

	sources, _ := cfg.Sources()
	deps.Dialer = rawsock.NewDialer(sources[0])

	logEmitter := engine.LogEmitter{Logger: scanLogger.WithComponent("outcomes")}
	deps.Emitter = logEmitter
	deps.Diagnostics = logEmitter

	if cfg.Metrics != nil {
		provider, err := metrics.NewProvider(ctx, metrics.ProviderConfig{
			ServiceVersion: version.GetVersion(),
			Endpoint:       cfg.Metrics.Endpoint,
			Insecure:       cfg.Metrics.Insecure,
			Headers:        cfg.Metrics.Headers,
			ExportInterval: cfg.Metrics.Interval.Std(),
		})
		if err != nil {
			return err
		}

		defer func() {
			// ctx is already cancelled on interrupt; the last collection
			// still has to reach the collector.
			flushCtx, cancel := context.WithTimeout(context.Background(), metricsFlushTimeout)
			defer cancel()

			if err := provider.Shutdown(flushCtx); err != nil {
				scanLogger.Warn().Err(err).Msg("Metrics provider did not flush cleanly")
			}
		}()

		deps.Meter = provider.Meter(metrics.MeterName)
	}

	if cfg.NATS != nil && cfg.NATS.URL != "" {
		pub, err := natsemit.Connect(ctx, *cfg.NATS, sessionID.String(), scanLogger)
		if err != nil {
			return err
		}

		defer func() {
			if err := pub.Close(); err != nil {
				scanLogger.Warn().Err(err).Msg("Outcome publisher did not flush cleanly")
			}
		}()

		deps.Emitter = engine.Fanout{logEmitter, pub}
		deps.Diagnostics = pub
	}

	if raw {
		closeRaw, err := openRaw(&cfg, &deps, techs, sources, scanLogger)
		if err != nil {
			return err
		}

		defer closeRaw()
	}

	e, err := engine.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create scan session: %w", err)
	}
	defer e.Close()

	scanLogger.Info().
		Str("version", version.GetVersion()).
		Str("session_id", sessionID.String()).
		Strs("targets", cfg.Targets).
		Str("ports", cfg.Ports).
		Msg("Starting sweepcore")

	runErr := e.Run(ctx)

	stats := e.Stats()
	scanLogger.Info().
		Uint64("sent", stats.Sent).
		Uint64("received", stats.Received).
		Uint64("retransmits", stats.Retransmits).
		Uint64("outcomes", stats.Total()).
		Msg("Session finished")

	if errors.Is(runErr, context.Canceled) {
		return nil
	}

	return runErr
}

func applyFlags(cfg *config.Scan, targets, ports, techniques, timing, zombie string) {
	if targets != "" {
		cfg.Targets = splitList(targets)
	}

	if ports != "" {
		cfg.Ports = ports
	}

	if techniques != "" {
		cfg.Techniques = splitList(techniques)
	}

	if timing != "" {
		cfg.Timing = timing
	}

	if zombie != "" {
		cfg.Zombie = zombie
	}
}

func splitList(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// resolveSources fills unset source addresses with the ones the kernel
// would pick for the first target of each family.
func resolveSources(cfg *config.Scan, log logger.Logger) error {
	for _, t := range cfg.Targets {
		addr, ok := firstAddr(t)
		if !ok {
			continue
		}

		slot := &cfg.Source6
		if addr.Is4() {
			slot = &cfg.Source4
		}

		if *slot != "" {
			continue
		}

		src, err := rawsock.SourceFor(addr)
		if err != nil {
			log.Warn().Err(err).Str("target", t).Msg("No route for target family")

			continue
		}

		*slot = src.String()
		log.Debug().Str("source", *slot).Str("target", t).Msg("Resolved source address")
	}

	if cfg.Source4 == "" && cfg.Source6 == "" {
		return fmt.Errorf("%w: no source address for any target", config.ErrInvalidConfig)
	}

	return nil
}

func firstAddr(target string) (netip.Addr, bool) {
	if p, err := netip.ParsePrefix(target); err == nil {
		return p.Masked().Addr().Unmap(), true
	}

	if i := strings.IndexByte(target, '-'); i > 0 {
		target = target[:i]
	}

	a, err := netip.ParseAddr(target)
	if err != nil {
		return netip.Addr{}, false
	}

	return a.Unmap(), true
}

func openRaw(cfg *config.Scan, deps *engine.Deps, techs []models.Technique, sources [2]netip.Addr, log logger.Logger) (func(), error) {
	backend := cfg.CaptureBackend()

	if cfg.Interface == "" && backend == config.CapturePcap {
		src := sources[0]
		if !src.IsValid() {
			src = sources[1]
		}

		iface, err := rawsock.InterfaceFor(src)
		if err != nil {
			return nil, err
		}

		cfg.Interface = iface
	}

	sender, err := rawsock.OpenSender()
	if err != nil {
		return nil, err
	}

	listen := engine.ListenPorts(*cfg)

	capture, err := rawsock.OpenCapture(rawsock.CaptureConfig{
		Backend:   backend,
		Interface: cfg.Interface,
		Filter:    rawsock.BuildFilter(listen, techs, cfg.Discovery),
		Ports:     listen,
		UDP:       slices.Contains(techs, models.TechniqueUDP),
		Discovery: cfg.Discovery,
		Logger:    log,
	})
	if err != nil {
		_ = sender.Close()

		return nil, err
	}

	deps.Transmitter = sender
	deps.Receiver = capture

	if lt, ok := capture.(engine.LinkTransmitter); ok && cfg.Discovery {
		deps.Link = lt
	}

	return func() {
		_ = capture.Close()
		_ = sender.Close()
	}, nil
}
