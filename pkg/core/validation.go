package core

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxTagKeyLength bounds the length of an OSM tag key in a query
	MaxTagKeyLength = 100
	// MaxTagValueLength bounds the length of an OSM tag value in a query
	MaxTagValueLength = 200
)

// tagTokenPattern matches the characters that can be embedded unquoted in an
// Overpass QL tag filter.
var tagTokenPattern = regexp.MustCompile(`^[\p{L}\p{N}_:.\-]+$`)

// ValidationError represents a validation error for coordinates or query input
type ValidationError struct {
	Code     string
	Message  string
	Guidance string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	if e.Guidance != "" {
		return fmt.Sprintf("%s: %s. %s", e.Code, e.Message, e.Guidance)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidateTag checks that a tag key or value is non-empty and cannot break the query grammar.
// name is used in error messages ("tag key", "tag value").
func ValidateTag(name, token string, maxLen int) error {
	if token == "" {
		return ValidationError{
			Code:     string(ErrEmptyParameter),
			Message:  fmt.Sprintf("%s must not be empty", name),
			Guidance: "Provide an OSM tag such as amenity=cafe",
		}
	}
	if len(token) > maxLen {
		return ValidationError{
			Code:    string(ErrInvalidParameter),
			Message: fmt.Sprintf("%s too long: %d characters (maximum: %d)", name, len(token), maxLen),
		}
	}
	if !tagTokenPattern.MatchString(token) || strings.Contains(token, "..") {
		return ValidationError{
			Code:     string(ErrInvalidParameter),
			Message:  fmt.Sprintf("%s %q contains characters that are not allowed in a query", name, token),
			Guidance: "Use only letters, digits, '_', ':', '.' and '-'",
		}
	}
	return nil
}

// ValidateCoords checks if latitude and longitude are within valid ranges
func ValidateCoords(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return ValidationError{
			Code:     "INVALID_LATITUDE",
			Message:  fmt.Sprintf("Latitude must be between -90 and 90, got %f", lat),
			Guidance: "Ensure latitude is in decimal degrees",
		}
	}
	if lon < -180 || lon > 180 {
		return ValidationError{
			Code:     "INVALID_LONGITUDE",
			Message:  fmt.Sprintf("Longitude must be between -180 and 180, got %f", lon),
			Guidance: "Ensure longitude is in decimal degrees",
		}
	}
	return nil
}

// ValidateRadius checks if a radius is within the valid range
func ValidateRadius(radius, maxRadius float64) error {
	if radius <= 0 {
		return ValidationError{
			Code:     "INVALID_RADIUS",
			Message:  fmt.Sprintf("Radius must be greater than 0, got %f", radius),
			Guidance: "Specify a positive radius value",
		}
	}
	if maxRadius > 0 && radius > maxRadius {
		return ValidationError{
			Code:     "RADIUS_TOO_LARGE",
			Message:  fmt.Sprintf("Radius must be less than or equal to %f, got %f", maxRadius, radius),
			Guidance: fmt.Sprintf("Specify a radius less than %f", maxRadius),
		}
	}
	return nil
}
