package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for cache observability spans and metrics.
var (
	AttrCacheName = attribute.Key("cache.name")
	AttrCacheOp   = attribute.Key("cache.op")
	AttrNamespace = attribute.Key("cache.namespace")
	AttrStatus    = attribute.Key("cache.status")

	AttrRefID    = attribute.Key("cache.ref_id")
	AttrToolName = attribute.Key("tool.name")
)
