package pipeline

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-audiobook/pipeline"

type instruments struct {
	tracer      trace.Tracer
	synthesized metric.Int64Counter
	failed      metric.Int64Counter
	skipped     metric.Int64Counter
	runs        metric.Int64Counter
	duration    metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) *instruments {
	ins, err := buildInstruments(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		ins, _ = buildInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}
	ins.tracer = otel.Tracer(instrumentationName)
	return ins
}

func buildInstruments(meter metric.Meter) (*instruments, error) {
	var ins instruments
	var err error
	if ins.synthesized, err = meter.Int64Counter("audiobook.chunks.synthesized",
		metric.WithDescription("Chunks converted to audio")); err != nil {
		return nil, err
	}
	if ins.failed, err = meter.Int64Counter("audiobook.chunks.failed",
		metric.WithDescription("Chunks whose synthesis failed")); err != nil {
		return nil, err
	}
	if ins.skipped, err = meter.Int64Counter("audiobook.chunks.skipped",
		metric.WithDescription("Blank chunks not sent to a backend")); err != nil {
		return nil, err
	}
	if ins.runs, err = meter.Int64Counter("audiobook.runs",
		metric.WithDescription("Pipeline runs by terminal status")); err != nil {
		return nil, err
	}
	if ins.duration, err = meter.Float64Histogram("audiobook.run.duration",
		metric.WithDescription("Wall time of a pipeline run"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &ins, nil
}
