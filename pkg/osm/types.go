// Package osm decodes Overpass API responses into POI records.
package osm

import "strconv"

// IDPrefix marks record identifiers that come from OpenStreetMap so they do not
// collide with identifiers from other sources in the same index.
const IDPrefix = "OSM:"

// ElementType is the kind of an Overpass element.
type ElementType string

// Possible values are node, way and relation.
const (
	ElementTypeNode     ElementType = "node"
	ElementTypeWay      ElementType = "way"
	ElementTypeRelation ElementType = "relation"
)

// Coordinates holds an optional lat/lon pair as it appears in a response.
// Either field is nil when it was absent.
type Coordinates struct {
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`
}

// Location returns the pair when both halves are present.
func (c *Coordinates) Location() (Location, bool) {
	if c == nil || c.Lat == nil || c.Lon == nil {
		return Location{}, false
	}
	return Location{Lat: *c.Lat, Lon: *c.Lon}, true
}

// Element represents an element returned from the Overpass API. Nodes carry
// their own coordinates; ways and relations carry Center when queried with
// "out center".
type Element struct {
	ID   *int64      `json:"id"`
	Type ElementType `json:"type"`
	Coordinates
	Center *Coordinates      `json:"center,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Record is the normalized POI handed to the index.
type Record struct {
	ID       string   `json:"id"`
	Category string   `json:"type"`
	Location Location `json:"location"`
	Name     string   `json:"name"`
}

// DropReason explains why an element produced no record.
type DropReason string

// Drop reasons, also used as metric labels.
const (
	DropNone            DropReason = ""
	DropUnknownType     DropReason = "unknown_type"
	DropMissingID       DropReason = "missing_id"
	DropMissingLocation DropReason = "missing_location"
	DropMissingName     DropReason = "missing_name"
	DropMalformed       DropReason = "malformed"
)

// ToRecord converts e into a Record for category. It returns a non-empty
// DropReason instead of a record when a mandatory attribute is missing.
func (e Element) ToRecord(category string) (Record, DropReason) {
	var (
		loc Location
		ok  bool
	)
	switch e.Type {
	case ElementTypeNode:
		loc, ok = e.Coordinates.Location()
	case ElementTypeWay, ElementTypeRelation:
		loc, ok = e.Center.Location()
	default:
		return Record{}, DropUnknownType
	}
	if e.ID == nil {
		return Record{}, DropMissingID
	}
	if !ok {
		return Record{}, DropMissingLocation
	}

	name := e.Tags["name"]
	if name == "" {
		return Record{}, DropMissingName
	}

	return Record{
		ID:       IDPrefix + strconv.FormatInt(*e.ID, 10),
		Category: category,
		Location: loc,
		Name:     name,
	}, DropNone
}
