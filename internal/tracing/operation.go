package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

const tracerName = "github.com/kenneth/jose-keywrap/internal/crypto"

// Attribute keys recorded on key management spans. Key material is never recorded.
const (
	AttrAlgorithm   = attribute.Key("jose.alg")
	AttrOperation   = attribute.Key("jose.key_management.operation")
	AttrIterations  = attribute.Key("jose.pbes2.iterations")
	AttrCEKSizeBits = attribute.Key("jose.cek_size_bits")
)

// StartKeyOperation starts a span for a generate, wrap or unwrap call.
func StartKeyOperation(ctx context.Context, operation, alg string, cekSizeBits int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrAlgorithm.String(alg),
	}
	if cekSizeBits > 0 {
		attrs = append(attrs, AttrCEKSizeBits.Int(cekSizeBits))
	}
	return otel.Tracer(tracerName).Start(ctx, "KeyManagement "+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndKeyOperation records the outcome on span and ends it. An unwrap
// authentication failure is an expected outcome and is recorded as an event,
// not as a span error.
func EndKeyOperation(span trace.Span, iterations int, err error) {
	if iterations > 0 {
		span.SetAttributes(AttrIterations.Int(iterations))
	}
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, crypto.ErrUnwrapAuthentication):
		span.AddEvent("unwrap authentication failed")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
