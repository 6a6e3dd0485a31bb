package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/sells-group/census-loader"

// Instruments holds the metric instruments shared by the loader and server.
type Instruments struct {
	ClassifyCount    metric.Int64Counter
	ClassifyDuration metric.Float64Histogram
	ClassifyErrors   metric.Int64Counter
	UnitDuration     metric.Float64Histogram
	UnitErrors       metric.Int64Counter
	RequestDuration  metric.Float64Histogram
}

// NewInstruments creates instruments from the global MeterProvider.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// The SDK hands back no-op instruments alongside any error.
	classifyCount, _ := meter.Int64Counter("census.classify.count",
		metric.WithDescription("Classification requests served"),
	)
	classifyDuration, _ := meter.Float64Histogram("census.classify.duration",
		metric.WithDescription("Classification query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	classifyErrors, _ := meter.Int64Counter("census.classify.errors",
		metric.WithDescription("Failed classification queries"),
	)
	unitDuration, _ := meter.Float64Histogram("census.dispatch.unit.duration",
		metric.WithDescription("Work unit duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	unitErrors, _ := meter.Int64Counter("census.dispatch.unit.errors",
		metric.WithDescription("Work units that returned an error"),
	)
	requestDuration, _ := meter.Float64Histogram("census.http.request.duration",
		metric.WithDescription("Map data request duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		ClassifyCount:    classifyCount,
		ClassifyDuration: classifyDuration,
		ClassifyErrors:   classifyErrors,
		UnitDuration:     unitDuration,
		UnitErrors:       unitErrors,
		RequestDuration:  requestDuration,
	}
}

// RecordClassify records one classification call.
func (i *Instruments) RecordClassify(ctx context.Context, method string, ms float64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("method", method))
	i.ClassifyCount.Add(ctx, 1, attrs)
	i.ClassifyDuration.Record(ctx, ms, attrs)
	if failed {
		i.ClassifyErrors.Add(ctx, 1, attrs)
	}
}

// RecordUnit records one dispatched work unit.
func (i *Instruments) RecordUnit(ctx context.Context, ms float64, failed bool) {
	i.UnitDuration.Record(ctx, ms)
	if failed {
		i.UnitErrors.Add(ctx, 1)
	}
}

// RecordRequest records one HTTP request against a route pattern.
func (i *Instruments) RecordRequest(ctx context.Context, route string, status int, ms float64) {
	i.RequestDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}
