package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys
const (
	// MCP tool attributes
	AttrMCPToolName     = "mcp.tool.name"
	AttrMCPToolStatus   = "mcp.tool.status"
	AttrMCPToolDuration = "mcp.tool.duration_ms"

	// Load attributes
	AttrLoadCategory = "poi.load.category"
	AttrLoadTag      = "poi.load.tag"
	AttrLoadForce    = "poi.load.force_refresh"
	AttrLoadIndexed  = "poi.load.indexed"
	AttrLoadRejected = "poi.load.rejected"
	AttrLoadDropped  = "poi.load.dropped"
	AttrLoadState    = "poi.load.state"

	// Cache attributes
	AttrCacheHit  = "poi.cache.hit"
	AttrCacheKey  = "poi.cache.key"
	AttrCachePath = "poi.cache.path"

	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrHTTPURL        = "http.url"
	AttrHTTPBytes      = "http.response.bytes"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Service names
const (
	ServiceOverpass = "overpass"
	ServiceIndex    = "index"
)

// LoadAttributes returns the attributes describing one pipeline load
func LoadAttributes(category, tag string, force bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrLoadCategory, category),
		attribute.String(AttrLoadTag, tag),
		attribute.Bool(AttrLoadForce, force),
	}
}

// CacheAttributes returns attributes for cache lookups
func CacheAttributes(hit bool, key, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
		attribute.String(AttrCachePath, path),
	}
}

// ErrorAttributes returns attributes for errors
func ErrorAttributes(errorType string, err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errorType),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
