package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Instruments bundles the metrics and tracer used by a session
type Instruments struct {
	Tracer trace.Tracer

	framesReceived metric.Int64Counter
	messagesLogged metric.Int64Counter
	catchupPages   metric.Int64Counter
	callDuration   metric.Float64Histogram
}

// NewInstruments creates instruments on meter. Nil arguments fall back to noop providers.
func NewInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(serviceName)
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(serviceName)
	}

	frames, err := meter.Int64Counter("heimlog.frames.received",
		metric.WithDescription("Inbound frames by packet type"))
	if err != nil {
		return nil, err
	}
	logged, err := meter.Int64Counter("heimlog.messages.logged",
		metric.WithDescription("Chat messages appended to the log"))
	if err != nil {
		return nil, err
	}
	pages, err := meter.Int64Counter("heimlog.catchup.pages",
		metric.WithDescription("History pages fetched during catchup"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("heimlog.call.duration",
		metric.WithDescription("Correlated request round trip in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		framesReceived: frames,
		messagesLogged: logged,
		catchupPages:   pages,
		callDuration:   duration,
	}, nil
}

// Noop returns instruments that record nothing
func Noop() *Instruments {
	inst, _ := NewInstruments(nil, nil)
	return inst
}

func (i *Instruments) FrameReceived(ctx context.Context, packetType string) {
	i.framesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", packetType)))
}

func (i *Instruments) MessagesLogged(ctx context.Context, n int) {
	i.messagesLogged.Add(ctx, int64(n))
}

func (i *Instruments) CatchupPage(ctx context.Context) {
	i.catchupPages.Add(ctx, 1)
}

func (i *Instruments) CallFinished(ctx context.Context, packetType, outcome string, elapsed time.Duration) {
	i.callDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("type", packetType),
			attribute.String("outcome", outcome),
		))
}
