package filters

import (
	"context"
	"encoding/binary"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/albertbausili/stratum/pkg/stratum"
)

// TracingConfig defines the configuration options for the tracing filter.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "stratum")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "stratum",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a filter that opens an OpenTelemetry span per call.
func Tracing() *stratum.Filter {
	return TracingWithConfig(DefaultTracingConfig())
}

// Spans are Go objects; call state regions are raw bytes, so the region
// holds a registry handle instead.
var (
	spanMu  sync.Mutex
	spans   = make(map[uint64]trace.Span)
	spanSeq uint64
)

func storeSpan(s trace.Span) uint64 {
	spanMu.Lock()
	defer spanMu.Unlock()
	spanSeq++
	spans[spanSeq] = s
	return spanSeq
}

func takeSpan(handle uint64) trace.Span {
	spanMu.Lock()
	defer spanMu.Unlock()
	s := spans[handle]
	delete(spans, handle)
	return s
}

// TracingWithConfig returns a tracing filter with custom configuration. The
// span opens once the receive walk has decoded the call's metadata and ends
// at call teardown, carrying the call's final status.
func TracingWithConfig(config TracingConfig) *stratum.Filter {
	if config.TracerName == "" {
		config.TracerName = "stratum"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := otel.Tracer(config.TracerName)

	return &stratum.Filter{
		Name:          "tracing",
		CallStateSize: 8,

		StartStreamOp: func(elem *stratum.CallElement, batch *stratum.StreamOpBatch) {
			if batch.RecvInitialMetadata == nil {
				stratum.CallNextOp(elem, batch)
				return
			}
			md := batch.RecvInitialMetadata
			state := elem.CallData
			next := batch.OnComplete
			batch.OnComplete = func(err error) {
				if err == nil {
					path := metadataValue(*md, ":path")
					if !skipMap[path] {
						parent := config.Propagator.Extract(context.Background(), metadataCarrier(*md))
						_, span := tracer.Start(
							parent,
							"rpc "+path,
							trace.WithSpanKind(trace.SpanKindServer),
						)
						span.SetAttributes(
							attribute.String("rpc.path", path),
							attribute.String("rpc.authority", metadataValue(*md, ":authority")),
						)
						binary.LittleEndian.PutUint64(state, storeSpan(span))
					}
				}
				if next != nil {
					next(err)
				}
			}
			stratum.CallNextOp(elem, batch)
		},

		DestroyCall: func(elem *stratum.CallElement, final *stratum.CallFinalInfo, then func()) {
			if handle := binary.LittleEndian.Uint64(elem.CallData); handle != 0 {
				if span := takeSpan(handle); span != nil {
					if final.Status != nil {
						span.RecordError(final.Status)
						span.SetStatus(codes.Error, final.Status.Error())
					} else {
						span.SetStatus(codes.Ok, "")
					}
					span.SetAttributes(attribute.Int64("rpc.duration_ms", final.Latency.Milliseconds()))
					span.End()
				}
			}
			if then != nil {
				then()
			}
		},
	}
}

// metadataCarrier adapts header metadata to the propagation carrier
// interface for trace context extraction.
type metadataCarrier [][2]string

func (c metadataCarrier) Get(key string) string { return metadataValue(c, key) }

func (c metadataCarrier) Set(key, value string) {}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h[0])
	}
	return keys
}
