package otel_test

import (
	"context"
	"testing"
	"time"

	otelapi "go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	toolotel "github.com/mantleworks/toolgate/otel"
	"github.com/mantleworks/toolgate/provider"
)

// newTestMeter returns a meter backed by a manual reader for collecting
// metrics in tests.
func newTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

// newTestTracer returns a tracer provider backed by an in-memory span
// exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestProviderObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-provider-observer")
	tracer := tracenoop.NewTracerProvider().Tracer("test-provider-observer")

	observer, err := toolotel.NewProviderObserver(meter, tracer)
	if err != nil {
		t.Fatalf("NewProviderObserver() error = %v", err)
	}

	observer.ObserveHandshake(provider.HandshakeObservation{
		Identifier: "a1b2c3d4",
		Kind:       provider.TransportHTTP,
		Tools:      3,
		DurationMS: 80,
		Success:    true,
	})
	observer.ObserveInvoke(provider.InvokeObservation{
		Identifier: "a1b2c3d4",
		Tool:       "search",
		Kind:       provider.TransportHTTP,
		DurationMS: 120,
		Success:    false,
		ErrorKind:  provider.ErrorKindTimeout,
	})
	observer.ObserveReap(provider.ReapObservation{
		Identifier: "a1b2c3d4",
		Kind:       provider.TransportHTTP,
		IdleFor:    31 * time.Minute,
		Closed:     true,
	})

	rm := collectMetrics(t, reader)

	handshakes := findMetric(rm, "toolgate.provider.handshakes")
	if handshakes == nil {
		t.Fatal("toolgate.provider.handshakes metric not found")
	}
	if _, ok := handshakes.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("toolgate.provider.handshakes type = %T, want Sum[int64]", handshakes.Data)
	}

	invocations := findMetric(rm, "toolgate.provider.invocations")
	if invocations == nil {
		t.Fatal("toolgate.provider.invocations metric not found")
	}
	if _, ok := invocations.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("toolgate.provider.invocations type = %T, want Sum[int64]", invocations.Data)
	}

	reaped := findMetric(rm, "toolgate.provider.reaped")
	if reaped == nil {
		t.Fatal("toolgate.provider.reaped metric not found")
	}
	if _, ok := reaped.Data.(metricdata.Sum[int64]); !ok {
		t.Fatalf("toolgate.provider.reaped type = %T, want Sum[int64]", reaped.Data)
	}

	latency := findMetric(rm, "toolgate.provider.latency")
	if latency == nil {
		t.Fatal("toolgate.provider.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("toolgate.provider.latency type = %T, want Histogram[float64]", latency.Data)
	}
}

func TestProviderObserverEmitsSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	_, mp := newTestMeter()

	observer, err := toolotel.NewProviderObserver(
		mp.Meter("test-spans"),
		tp.Tracer("test-spans"),
	)
	if err != nil {
		t.Fatalf("NewProviderObserver() error = %v", err)
	}

	observer.ObserveInvoke(provider.InvokeObservation{
		Identifier: "a1b2c3d4",
		Tool:       "search",
		Kind:       provider.TransportHTTP,
		DurationMS: 40,
		Success:    true,
	})
	observer.ObserveHandshake(provider.HandshakeObservation{
		Identifier: "ffee0011",
		Kind:       provider.TransportStdio,
		DurationMS: 900,
		Success:    false,
		ErrorKind:  provider.ErrorKindTransport,
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	if spans[0].Name != "provider.invoke" {
		t.Errorf("spans[0].Name = %q, want provider.invoke", spans[0].Name)
	}
	if spans[0].Status.Code != otelcodes.Ok {
		t.Errorf("spans[0] status = %v, want Ok", spans[0].Status.Code)
	}

	if spans[1].Name != "provider.handshake" {
		t.Errorf("spans[1].Name = %q, want provider.handshake", spans[1].Name)
	}
	if spans[1].Status.Code != otelcodes.Error {
		t.Errorf("spans[1] status = %v, want Error", spans[1].Status.Code)
	}
	if spans[1].Status.Description != provider.ErrorKindTransport {
		t.Errorf("spans[1] description = %q, want %q", spans[1].Status.Description, provider.ErrorKindTransport)
	}
}

func TestSetupInstallsGlobalProviders(t *testing.T) {
	t.Cleanup(func() {
		otelapi.SetTracerProvider(tracenoop.NewTracerProvider())
		otelapi.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	p, err := toolotel.Setup(context.Background(), toolotel.Config{
		ServiceName: "toolgate-test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if _, ok := otelapi.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("global tracer provider = %T, want SDK provider", otelapi.GetTracerProvider())
	}
	if _, ok := otelapi.GetMeterProvider().(*sdkmetric.MeterProvider); !ok {
		t.Fatalf("global meter provider = %T, want SDK provider", otelapi.GetMeterProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
