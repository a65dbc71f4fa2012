package subscription

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/getpup/pupstream/es/subscription"

type telemetry struct {
	tracer trace.Tracer

	cycles          metric.Int64Counter
	delivered       metric.Int64Counter
	failed          metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	t.cycles, err = meter.Int64Counter(
		"pupstream.dispatch.cycles",
		metric.WithDescription("Number of claimed dispatch cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	t.delivered, err = meter.Int64Counter(
		"pupstream.dispatch.delivered",
		metric.WithDescription("Number of events accepted by listeners"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	t.failed, err = meter.Int64Counter(
		"pupstream.dispatch.failed",
		metric.WithDescription("Number of events rejected by listeners"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	t.handlerDuration, err = meter.Float64Histogram(
		"pupstream.dispatch.handler.duration",
		metric.WithDescription("Listener execution duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}
