package log

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/opentracing/opentracing-go"
)

// WithTraceID returns a Logger that has information about the traceID in
// its details.
func WithTraceID(traceID string, l log.Logger) log.Logger {
	return log.With(l, "traceID", traceID)
}

// WithContext returns a Logger carrying whatever span context ctx holds.
func WithContext(ctx context.Context, l log.Logger) log.Logger {
	traceID, ok := ExtractSampledTraceID(ctx)
	if !ok {
		return l
	}
	return WithTraceID(traceID, l)
}

// ExtractSampledTraceID gets the span's trace ID, if ctx carries a
// span whose tracer's context type exposes one as a fmt.Stringer
// (true of Jaeger's and most vendor span context implementations).
func ExtractSampledTraceID(ctx context.Context) (string, bool) {
	sp := opentracing.SpanFromContext(ctx)
	if sp == nil {
		return "", false
	}
	stringer, ok := sp.Context().(fmt.Stringer)
	if !ok {
		return "", false
	}
	return stringer.String(), true
}
