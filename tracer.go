package refcache

import "context"

// SpanAttr is a key/value attribute attached to a span.
type SpanAttr struct {
	Key   string
	Value any
}

// Attr builds a span attribute.
func Attr(key string, value any) SpanAttr { return SpanAttr{Key: key, Value: value} }

// Span is one traced operation. End must be called exactly once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// Tracer starts spans around cache operations. The default is a no-op; the
// observer package provides an OpenTelemetry-backed implementation.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

type nopTracer struct{}

type nopSpan struct{}

var _ Tracer = nopTracer{}

func (nopTracer) Start(ctx context.Context, _ string, _ ...SpanAttr) (context.Context, Span) {
	return ctx, nopSpan{}
}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}
