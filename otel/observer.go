// Package otel records provider registry activity into OpenTelemetry.
package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mantleworks/toolgate/provider"
)

// ProviderObserver records registry handshakes, invocations and idle reaps
// as OpenTelemetry metrics and spans.
type ProviderObserver struct {
	tracer trace.Tracer

	handshakes  metric.Int64Counter
	invocations metric.Int64Counter
	reaped      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewProviderObserver creates an observer bound to the provided meter/tracer.
func NewProviderObserver(meter metric.Meter, tracer trace.Tracer) (*ProviderObserver, error) {
	handshakes, err := meter.Int64Counter(
		"toolgate.provider.handshakes",
		metric.WithDescription("Number of provider add attempts"),
	)
	if err != nil {
		return nil, err
	}
	invocations, err := meter.Int64Counter(
		"toolgate.provider.invocations",
		metric.WithDescription("Number of provider tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	reaped, err := meter.Int64Counter(
		"toolgate.provider.reaped",
		metric.WithDescription("Number of idle provider sessions reaped"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolgate.provider.latency",
		metric.WithDescription("Provider operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ProviderObserver{
		tracer:      tracer,
		handshakes:  handshakes,
		invocations: invocations,
		reaped:      reaped,
		latency:     latency,
	}, nil
}

// ObserveHandshake records one add-provider outcome, cached hits included.
func (o *ProviderObserver) ObserveHandshake(observation provider.HandshakeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("identifier", observation.Identifier),
		attribute.String("transport", string(observation.Kind)),
		attribute.Bool("cached", observation.Cached),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", observation.ErrorKind))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.handshakes.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "provider.handshake", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorKind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveInvoke records one tool invocation outcome.
func (o *ProviderObserver) ObserveInvoke(observation provider.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("identifier", observation.Identifier),
		attribute.String("tool_name", observation.Tool),
		attribute.String("transport", string(observation.Kind)),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", observation.ErrorKind))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, float64(time.Duration(observation.DurationMS)*time.Millisecond)/float64(time.Second), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "provider.invoke", trace.WithAttributes(attrs...))
	if !observation.Success {
		span.SetStatus(codes.Error, observation.ErrorKind)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObserveReap records one idle-session teardown.
func (o *ProviderObserver) ObserveReap(observation provider.ReapObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("identifier", observation.Identifier),
		attribute.String("transport", string(observation.Kind)),
		attribute.Bool("closed", observation.Closed),
		attribute.Float64("idle_seconds", observation.IdleFor.Seconds()),
	}
	o.reaped.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

var _ provider.Observer = (*ProviderObserver)(nil)
