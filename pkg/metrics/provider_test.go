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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewProviderRequiresEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), ProviderConfig{})
	require.ErrorIs(t, err, ErrExportDisabled)
	assert.Nil(t, p)
}

func TestNewProviderBuildsExporter(t *testing.T) {
	// The gRPC client connects lazily, so construction succeeds without a
	// collector listening.
	p, err := NewProvider(context.Background(), ProviderConfig{
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
		Headers:  map[string]string{"x-tenant": "lab"},
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = p.Shutdown(ctx)
}

func TestProviderResourceAndCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()

	p, err := newProvider(context.Background(), ProviderConfig{ServiceVersion: "1.2.3"}, reader)
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	var s Stats

	reg, err := Register(p.Meter(MeterName), &s, "session-2")
	require.NoError(t, err)

	t.Cleanup(func() { _ = reg.Unregister() })

	s.IncRetransmit()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	name, ok := rm.Resource.Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "sweepcore", name.AsString())

	ver, ok := rm.Resource.Set().Value(attribute.Key("service.version"))
	require.True(t, ok)
	assert.Equal(t, "1.2.3", ver.AsString())

	retrans := sumOf(t, &rm, metricRetransmits)
	require.Len(t, retrans, 1)
	assert.Equal(t, int64(1), retrans[0].Value)
}
