// Package spanlogger unifies a context's opentracing span with a
// go-kit logger, so a call site logs once and gets both a span field
// and a structured log line out of it.
package spanlogger

import (
	"context"

	"github.com/go-kit/log"
	"github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"

	utillog "github.com/cortexproject/remotequery/pkg/util/log"
)

// SpanLogger unifies tracing and logging, to reduce repetition.
type SpanLogger struct {
	log.Logger
	opentracing.Span
}

// New makes a new SpanLogger, decorating base with the method name
// and whatever trace context ctx carries.
func New(ctx context.Context, base log.Logger, method string, kvps ...interface{}) (*SpanLogger, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, method)
	logger := &SpanLogger{
		Logger: log.With(utillog.WithContext(ctx, base), "method", method),
		Span:   span,
	}
	if len(kvps) > 0 {
		logger.Log(kvps...)
	}
	return logger, ctx
}

func (s *SpanLogger) Log(kvps ...interface{}) error {
	s.Logger.Log(kvps...)
	fields, err := otlog.InterleavedKVToFields(kvps...)
	if err != nil {
		return err
	}
	s.Span.LogFields(fields...)
	return nil
}
