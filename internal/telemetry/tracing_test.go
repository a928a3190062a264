package telemetry

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: "none"}, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil)
	assert.ErrorContains(t, err, "unsupported trace exporter")

	_, err = SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil)
	assert.ErrorContains(t, err, "requires endpoint")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestResourceCarriesServiceAndEnvironment(t *testing.T) {
	res, err := newResource(TraceConfig{ServiceName: ServiceWorker, Environment: "staging"})
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, ServiceWorker, attrs["service.name"])
	assert.Equal(t, "staging", attrs["deployment.environment"])

	res, err = newResource(TraceConfig{})
	require.NoError(t, err)
	found := false
	for _, kv := range res.Attributes() {
		if kv.Key == "service.name" {
			found = kv.Value.AsString() == ServiceAPI
		}
	}
	assert.True(t, found)
}
