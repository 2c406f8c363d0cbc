package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

type Observability struct {
	meterProvider    *metric.MeterProvider
	meter            otelmetric.Meter
	deliveryCounter  otelmetric.Int64Counter
	deliveryDuration otelmetric.Float64Histogram
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	deliveryCounter, _ := meter.Int64Counter(
		"notifications.delivered",
		otelmetric.WithDescription("Number of notification delivery attempts"),
	)

	deliveryDuration, _ := meter.Float64Histogram(
		"notifications.delivery_duration",
		otelmetric.WithDescription("Notification delivery duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:    provider,
		meter:            meter,
		deliveryCounter:  deliveryCounter,
		deliveryDuration: deliveryDuration,
	}
}

func (o *Observability) RecordDelivery(ctx context.Context, channel, outcome string) {
	if o.deliveryCounter != nil {
		o.deliveryCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		))
	}
}

func (o *Observability) RecordDeliveryDuration(ctx context.Context, duration time.Duration, channel string) {
	if o.deliveryDuration != nil {
		o.deliveryDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("channel", channel),
		))
	}
}

func (o *Observability) Shutdown() {
	if o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
