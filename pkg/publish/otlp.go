package publish

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/tracer"
)

const attrProjectID = "seetrace.project_id"

// OTLPPublisher replays batches into an OpenTelemetry SDK pipeline, keeping
// the agent-assigned trace and span ids.
type OTLPPublisher struct {
	tracerProvider *sdktr.TracerProvider
	tracer         tr.Tracer
}

// NewOTLPPublisher exports through exporter. batched selects the SDK batcher
// over the synchronous span processor.
func NewOTLPPublisher(exporter sdktr.SpanExporter, batched bool) *OTLPPublisher {
	processor := sdktr.WithSyncer(exporter)
	if batched {
		processor = sdktr.WithBatcher(exporter)
	}
	provider := sdktr.NewTracerProvider(
		processor,
		sdktr.WithSampler(sdktr.AlwaysSample()),
		sdktr.WithIDGenerator(replayIDs{}),
		sdktr.WithResource(resource.NewSchemaless(attr.String("service.name", config.AgentName))))
	return &OTLPPublisher{
		tracerProvider: provider,
		tracer:         provider.Tracer(config.AgentName),
	}
}

func NewGRPCPublisher(ctx context.Context, endpoint string, insecure bool) (*OTLPPublisher, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(config.AgentName + "/" + config.AgentVersion)),
	}
	if endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}
	return NewOTLPPublisher(exporter, true), nil
}

func NewStdoutPublisher() (*OTLPPublisher, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return NewOTLPPublisher(exporter, false), nil
}

func (p *OTLPPublisher) Publish(ctx context.Context, projectID string, batch []byte) error {
	decoded, err := tracer.DecodeBatch(batch)
	if err != nil {
		return fmt.Errorf("decoding batch: %w", err)
	}
	for _, trace := range decoded.Traces {
		if err := p.replayTrace(ctx, projectID, trace); err != nil {
			logrus.WithError(err).WithField("traceId", trace.TraceID()).Warn("SeeTrace couldn't replay trace")
		}
	}
	return p.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes and releases the exporter.
func (p *OTLPPublisher) Shutdown(ctx context.Context) error {
	return p.tracerProvider.Shutdown(ctx)
}

func (p *OTLPPublisher) replayTrace(ctx context.Context, projectID string, trace *tracer.Trace) error {
	traceID, err := convertTraceID(trace.TraceID())
	if err != nil {
		return err
	}
	for _, span := range trace.Spans() {
		spanID, err := convertSpanID(span.SpanID)
		if err != nil {
			return err
		}

		spanCtx := ctx
		if span.ParentSpanID != tracer.NoParentSpanID && span.ParentSpanID != "" {
			parentID, err := convertSpanID(span.ParentSpanID)
			if err != nil {
				return err
			}
			spanCtx = tr.ContextWithRemoteSpanContext(spanCtx, tr.NewSpanContext(tr.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     parentID,
				TraceFlags: tr.FlagsSampled,
				Remote:     true,
			}))
		}
		spanCtx = withReplayIDs(spanCtx, traceID, spanID)

		startOpts := []tr.SpanStartOption{
			tr.WithTimestamp(span.StartTime),
			tr.WithSpanKind(convertKind(span.Kind)),
			tr.WithAttributes(attr.String(attrProjectID, projectID)),
		}
		for k, v := range span.Labels {
			startOpts = append(startOpts, tr.WithAttributes(attr.String(k, v)))
		}
		_, s := p.tracer.Start(spanCtx, span.Name, startOpts...)
		s.End(tr.WithTimestamp(span.EndTime))
	}
	return nil
}

func convertKind(kind tracer.SpanKind) tr.SpanKind {
	switch kind {
	case tracer.SpanKindRPCServer:
		return tr.SpanKindServer
	case tracer.SpanKindRPCClient:
		return tr.SpanKindClient
	default:
		return tr.SpanKindInternal
	}
}

// ids shorter than 32 hex chars are left-padded, as incoming headers may carry them
func convertTraceID(id string) (tr.TraceID, error) {
	if len(id) < 32 {
		id = strings.Repeat("0", 32-len(id)) + id
	}
	return tr.TraceIDFromHex(strings.ToLower(id))
}

func convertSpanID(id string) (tr.SpanID, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return tr.SpanID{}, fmt.Errorf("invalid span id %q: %w", id, err)
	}
	var sid tr.SpanID
	binary.BigEndian.PutUint64(sid[:], n)
	return sid, nil
}

type replayKey struct{}

type replayIDsValue struct {
	traceID tr.TraceID
	spanID  tr.SpanID
}

func withReplayIDs(ctx context.Context, traceID tr.TraceID, spanID tr.SpanID) context.Context {
	return context.WithValue(ctx, replayKey{}, replayIDsValue{traceID: traceID, spanID: spanID})
}

// replayIDs hands the SDK the ids carried by the context.
type replayIDs struct{}

func (replayIDs) NewIDs(ctx context.Context) (tr.TraceID, tr.SpanID) {
	v, _ := ctx.Value(replayKey{}).(replayIDsValue)
	return v.traceID, v.spanID
}

func (replayIDs) NewSpanID(ctx context.Context, _ tr.TraceID) tr.SpanID {
	v, _ := ctx.Value(replayKey{}).(replayIDsValue)
	return v.spanID
}
