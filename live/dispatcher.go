package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "livedash"

// Sink consumes the payload of one envelope type.
type Sink func(ctx context.Context, data json.RawMessage) error

// Sinks maps an envelope type to its consumer.
type Sinks map[string]Sink

// Dispatcher routes decoded envelopes to the sink registered for their
// type. The registry is copied at construction and never changes, so
// nothing received over the wire can alter local routing.
type Dispatcher struct {
	sinks   map[string]Sink
	logger  logrus.FieldLogger
	metrics *Metrics
	tracer  trace.Tracer
}

// NewDispatcher copies sinks into a fixed registry. Nil sinks are skipped.
func NewDispatcher(sinks Sinks) *Dispatcher {
	registry := make(map[string]Sink, len(sinks))
	for messageType, sink := range sinks {
		if messageType == "" || sink == nil {
			continue
		}
		registry[messageType] = sink
	}
	return &Dispatcher{
		sinks:  registry,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer(tracerName),
	}
}

// SetLogger sets the logger on the receiver.
func (dispatcher *Dispatcher) SetLogger(logger logrus.FieldLogger) *Dispatcher {
	if dispatcher != nil && logger != nil {
		dispatcher.logger = logger
	}
	return dispatcher
}

// SetMetrics sets the metrics on the receiver.
func (dispatcher *Dispatcher) SetMetrics(metrics *Metrics) *Dispatcher {
	if dispatcher != nil {
		dispatcher.metrics = metrics
	}
	return dispatcher
}

// SetTracer sets the tracer on the receiver.
func (dispatcher *Dispatcher) SetTracer(tracer trace.Tracer) *Dispatcher {
	if dispatcher != nil && tracer != nil {
		dispatcher.tracer = tracer
	}
	return dispatcher
}

// Types returns the registered envelope types in sorted order.
func (dispatcher *Dispatcher) Types() []string {
	if dispatcher == nil {
		return nil
	}
	types := make([]string, 0, len(dispatcher.sinks))
	for messageType := range dispatcher.sinks {
		types = append(types, messageType)
	}
	sort.Strings(types)
	return types
}

// Handles reports whether a sink is registered for messageType.
func (dispatcher *Dispatcher) Handles(messageType string) bool {
	if dispatcher == nil {
		return false
	}
	_, ok := dispatcher.sinks[messageType]
	return ok
}

// Dispatch invokes the sink for envelope.Type synchronously. Unknown types
// and sink failures, panics included, are logged, counted and returned; they
// never escape as panics.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, envelope Envelope) (err error) {
	if dispatcher == nil {
		return NewError(CommandError, "nil Dispatcher")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sink, ok := dispatcher.sinks[envelope.Type]
	if !ok {
		dispatcher.metrics.recordDropped(DropUnknownType)
		dispatcher.logger.WithField("type", envelope.Type).Debug("dropping envelope with unknown type")
		return NewError(ProtocolError, fmt.Sprintf("no sink for type %q", envelope.Type))
	}

	ctx, span := dispatcher.tracer.Start(ctx, "live.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("livedash.type", envelope.Type)),
	)
	defer span.End()

	err = dispatcher.invoke(ctx, sink, envelope)
	if err != nil {
		dispatcher.metrics.recordSinkError(envelope.Type)
		dispatcher.logger.WithError(err).WithField("type", envelope.Type).Error("sink failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	dispatcher.metrics.recordDispatched(envelope.Type)
	return nil
}

func (dispatcher *Dispatcher) invoke(ctx context.Context, sink Sink, envelope Envelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = NewError(SinkError, fmt.Sprintf("sink for %q panicked: %v", envelope.Type, recovered))
		}
	}()
	if sinkErr := sink(ctx, envelope.Data); sinkErr != nil {
		return NewError(SinkError, fmt.Sprintf("sink for %q", envelope.Type), sinkErr)
	}
	return nil
}
