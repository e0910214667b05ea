// Package observe provides the relay's observability primitives:
// OpenTelemetry metric instruments with a Prometheus exporter bridge so
// the standard /metrics endpoint keeps working.
//
// A package-level default Metrics instance is installed by InitProvider
// for convenience; tests should use NewMetrics with a private
// metric.MeterProvider to avoid cross-test pollution.
package observe

import (
	"context"

	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// meterName is the instrumentation scope name for all relay metrics.
const meterName = "github.com/openduck/mallard"

// Directions for the MessagesRelayed and AudioFrames counters.
const (
	DirClientToProvider = "client_to_provider"
	DirProviderToClient = "provider_to_client"
)

// Metrics holds the relay's metric instruments. All fields are safe for
// concurrent use; the underlying OTel types handle synchronisation.
type Metrics struct {
	// ActiveSessions tracks currently live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsTotal counts sessions ever started.
	SessionsTotal metric.Int64Counter

	// MessagesRelayed counts non-audio envelopes relayed. Use with
	// attribute.String("direction", ...).
	MessagesRelayed metric.Int64Counter

	// AudioFrames counts audio frames relayed. Use with
	// attribute.String("direction", ...).
	AudioFrames metric.Int64Counter

	// SessionErrors counts session-fatal errors. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter

	// BargeIns counts playback-buffer clears triggered by user speech.
	BargeIns metric.Int64Counter
}

// NewMetrics creates a fully initialised Metrics using the given
// MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("mallard.sessions.active",
		metric.WithDescription("Number of live relay sessions.")); err != nil {
		return nil, err
	}
	if met.SessionsTotal, err = m.Int64Counter("mallard.sessions.total",
		metric.WithDescription("Total relay sessions started.")); err != nil {
		return nil, err
	}
	if met.MessagesRelayed, err = m.Int64Counter("mallard.messages.relayed",
		metric.WithDescription("Non-audio envelopes relayed, by direction.")); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("mallard.audio.frames",
		metric.WithDescription("Audio frames relayed, by direction.")); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("mallard.sessions.errors",
		metric.WithDescription("Session-fatal errors, by kind.")); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("mallard.audio.barge_ins",
		metric.WithDescription("Playback buffer clears triggered by user speech.")); err != nil {
		return nil, err
	}
	return met, nil
}

// DefaultMetrics is the process-wide Metrics instance, installed by
// InitProvider. Nil until then; use the Record helpers which tolerate nil.
var DefaultMetrics *Metrics

// InitProvider initialises the OTel SDK with a Prometheus exporter
// bridge, registers it as the global meter provider, and installs
// DefaultMetrics. Returns a shutdown function to defer from main.
func InitProvider(ctx context.Context, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	met, err := NewMetrics(mp)
	if err != nil {
		return nil, err
	}
	DefaultMetrics = met

	return mp.Shutdown, nil
}

// Direction builds the direction attribute set used by the counters.
func Direction(dir string) metric.AddOption {
	return metric.WithAttributes(attribute.String("direction", dir))
}

// ErrorKind builds the kind attribute set for SessionErrors.
func ErrorKind(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", kind))
}
