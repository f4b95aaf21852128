// Package queries builds Overpass QL queries for bulk POI downloads.
package queries

import (
	"fmt"
	"strings"

	"github.com/NERVsystems/poiloader/pkg/core"
)

const (
	// DefaultAreaID is the Overpass area searched when a QuerySpec does not name one
	DefaultAreaID int64 = 3602171347

	// DefaultTimeoutSeconds is the server-side timeout requested for bulk queries
	DefaultTimeoutSeconds = 600
)

// QuerySpec identifies one bulk download: every node, way and relation inside
// an area whose tag Key equals Value.
type QuerySpec struct {
	AreaID   int64
	TagKey   string
	TagValue string
}

// NewQuerySpec returns a validated QuerySpec. areaID <= 0 selects DefaultAreaID.
func NewQuerySpec(areaID int64, key, value string) (QuerySpec, error) {
	if areaID <= 0 {
		areaID = DefaultAreaID
	}
	spec := QuerySpec{AreaID: areaID, TagKey: key, TagValue: value}
	if err := spec.Validate(); err != nil {
		return QuerySpec{}, err
	}
	return spec, nil
}

// Validate rejects tags that are empty or would break the query grammar.
func (s QuerySpec) Validate() error {
	if err := core.ValidateTag("tag key", s.TagKey, core.MaxTagKeyLength); err != nil {
		return err
	}
	if err := core.ValidateTag("tag value", s.TagValue, core.MaxTagValueLength); err != nil {
		return err
	}
	if s.AreaID <= 0 {
		return core.ValidationError{
			Code:    string(core.ErrInvalidParameter),
			Message: fmt.Sprintf("area id must be positive, got %d", s.AreaID),
		}
	}
	return nil
}

// Tag returns the filter in key=value form.
func (s QuerySpec) Tag() string {
	return s.TagKey + "=" + s.TagValue
}

// CacheKey names the cached response for this spec. It depends only on the tag pair.
// The usual form is key-value; when either token contains '-' the pair is joined
// with '=' instead, which tag tokens cannot contain, so distinct pairs never share a key.
func (s QuerySpec) CacheKey() string {
	if strings.Contains(s.TagKey, "-") || strings.Contains(s.TagValue, "-") {
		return s.TagKey + "=" + s.TagValue
	}
	return s.TagKey + "-" + s.TagValue
}

// Build renders the bulk area query for spec with the default server timeout.
func Build(spec QuerySpec) (string, error) {
	return BuildWithTimeout(spec, DefaultTimeoutSeconds)
}

// BuildWithTimeout renders the bulk area query for spec. Ways and relations are
// returned with their center coordinates and metadata.
func BuildWithTimeout(spec QuerySpec, timeoutSeconds int) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	return NewOverpassBuilder().
		WithTimeout(timeoutSeconds).
		WithArea(spec.AreaID).
		WithElements("node", "way", "relation").
		WithTag(spec.TagKey, spec.TagValue).
		WithOutput("center meta").
		Build(), nil
}

// OverpassBuilder provides a fluent interface for building Overpass API queries.
type OverpassBuilder struct {
	outFormat string
	timeout   int
	areaID    int64
	elements  []string
	tags      []tagFilter
	output    string
}

type tagFilter struct {
	key   string
	value string
}

// NewOverpassBuilder creates a builder requesting JSON output with a 25s timeout.
func NewOverpassBuilder() *OverpassBuilder {
	return &OverpassBuilder{
		outFormat: "json",
		timeout:   25,
		output:    "body",
	}
}

// WithTimeout sets the server-side query timeout in seconds
func (b *OverpassBuilder) WithTimeout(seconds int) *OverpassBuilder {
	b.timeout = seconds
	return b
}

// WithArea restricts every element filter to the given Overpass area id
func (b *OverpassBuilder) WithArea(id int64) *OverpassBuilder {
	b.areaID = id
	return b
}

// WithElements sets the element kinds to query ("node", "way", "relation")
func (b *OverpassBuilder) WithElements(kinds ...string) *OverpassBuilder {
	b.elements = append(b.elements, kinds...)
	return b
}

// WithTag adds a key=value filter applied to every element kind.
// An empty value only checks for the presence of the key.
func (b *OverpassBuilder) WithTag(key, value string) *OverpassBuilder {
	b.tags = append(b.tags, tagFilter{key: key, value: value})
	return b
}

// WithOutput sets the out statement mode, e.g. "body" or "center meta"
func (b *OverpassBuilder) WithOutput(mode string) *OverpassBuilder {
	b.output = mode
	return b
}

// Build returns the complete Overpass query string.
func (b *OverpassBuilder) Build() string {
	var q strings.Builder

	fmt.Fprintf(&q, "[out:%s][timeout:%d];\n", b.outFormat, b.timeout)

	scope := ""
	if b.areaID > 0 {
		fmt.Fprintf(&q, "area(%d)->.searchArea;\n", b.areaID)
		scope = "(area.searchArea)"
	}

	q.WriteString("(\n")
	for _, kind := range b.elements {
		q.WriteString("\t")
		q.WriteString(kind)
		for _, tag := range b.tags {
			q.WriteString(tag.String())
		}
		q.WriteString(scope)
		q.WriteString(";\n")
	}
	q.WriteString(");\n")

	fmt.Fprintf(&q, "out %s;\n", b.output)
	return q.String()
}

func (t tagFilter) String() string {
	if t.value == "" {
		return "[" + t.key + "]"
	}
	return "[" + t.key + "=" + t.value + "]"
}
