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

package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.31.0"
)

// ErrExportDisabled is returned by NewProvider when no collector endpoint
// is configured.
var ErrExportDisabled = errors.New("metrics export disabled")

const (
	defaultServiceName    = "sweepcore"
	defaultExportInterval = 15 * time.Second
)

// ProviderConfig captures what is needed to ship the scan counters to an
// OTLP collector.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	Headers        map[string]string
	// ExportInterval defaults to 15 seconds when zero.
	ExportInterval time.Duration
}

// NewProvider builds a MeterProvider that periodically pushes to the
// configured OTLP/gRPC endpoint. The caller owns the provider and must
// Shutdown it to flush the final collection.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*sdkmetric.MeterProvider, error) {
	if cfg.Endpoint == "" {
		return nil, ErrExportDisabled
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}

	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}

	return newProvider(ctx, cfg, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)))
}

func newProvider(ctx context.Context, cfg ProviderConfig, reader sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(name))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}

	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}
