package observer

import (
	"context"
	"time"

	"github.com/nevindra/refcache"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps a refcache.Backend with OTEL instrumentation:
// per-op spans, hit/miss counters, and duration histograms.
type ObservedBackend struct {
	inner refcache.Backend
	inst  *Instruments
	name  string
}

var _ refcache.Backend = (*ObservedBackend)(nil)

// WrapBackend returns an instrumented backend. name labels the cache in
// metrics.
func WrapBackend(inner refcache.Backend, inst *Instruments, name string) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst, name: name}
}

func (o *ObservedBackend) Get(ctx context.Context, key string) (*refcache.Entry, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.get", trace.WithAttributes(
		AttrCacheName.String(o.name),
	))
	defer span.End()
	start := time.Now()

	entry, err := o.inner.Get(ctx, key)

	status := "hit"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case entry == nil:
		status = "miss"
		o.inst.CacheMisses.Add(ctx, 1, metric.WithAttributes(AttrCacheName.String(o.name)))
	default:
		o.inst.CacheHits.Add(ctx, 1, metric.WithAttributes(AttrCacheName.String(o.name)))
	}
	o.record(ctx, "get", status, start)
	span.SetAttributes(AttrStatus.String(status))
	return entry, err
}

func (o *ObservedBackend) Set(ctx context.Context, key string, e refcache.Entry) error {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.set", trace.WithAttributes(
		AttrCacheName.String(o.name),
		AttrNamespace.String(e.Namespace),
	))
	defer span.End()
	start := time.Now()

	err := o.inner.Set(ctx, key, e)
	o.finish(ctx, span, "set", start, err)

	// Structured log for writes; reads are too chatty.
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityDebug)
	rec.SetBody(otellog.StringValue("entry stored"))
	rec.AddAttributes(
		otellog.String("cache.name", o.name),
		otellog.String("cache.namespace", e.Namespace),
	)
	o.inst.Logger.Emit(ctx, rec)
	return err
}

func (o *ObservedBackend) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.delete", trace.WithAttributes(
		AttrCacheName.String(o.name),
	))
	defer span.End()
	start := time.Now()

	removed, err := o.inner.Delete(ctx, key)
	o.finish(ctx, span, "delete", start, err)
	return removed, err
}

func (o *ObservedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := o.inner.Exists(ctx, key)
	o.record(ctx, "exists", statusOf(err), start)
	return ok, err
}

func (o *ObservedBackend) Clear(ctx context.Context, namespace string) (int, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "backend.clear", trace.WithAttributes(
		AttrCacheName.String(o.name),
		AttrNamespace.String(namespace),
	))
	defer span.End()
	start := time.Now()

	n, err := o.inner.Clear(ctx, namespace)
	o.finish(ctx, span, "clear", start, err)
	return n, err
}

func (o *ObservedBackend) Keys(ctx context.Context, namespace string) ([]string, error) {
	start := time.Now()
	keys, err := o.inner.Keys(ctx, namespace)
	o.record(ctx, "keys", statusOf(err), start)
	return keys, err
}

func (o *ObservedBackend) Close() error { return o.inner.Close() }

func (o *ObservedBackend) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	status := statusOf(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStatus.String(status))
	o.record(ctx, op, status, start)
}

func (o *ObservedBackend) record(ctx context.Context, op, status string, start time.Time) {
	attrs := metric.WithAttributes(
		AttrCacheName.String(o.name),
		AttrCacheOp.String(op),
		attribute.String("status", status),
	)
	o.inst.BackendOps.Add(ctx, 1, attrs)
	o.inst.OpDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		AttrCacheName.String(o.name),
		AttrCacheOp.String(op),
	))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
