package core

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateTag(t *testing.T) {
	tests := []struct {
		token    string
		wantCode ErrorCode
	}{
		{token: "amenity"},
		{token: "addr:city"},
		{token: "fast_food"},
		{token: "café"},
		{token: "", wantCode: ErrEmptyParameter},
		{token: "a..b", wantCode: ErrInvalidParameter},
		{token: `cafe"]`, wantCode: ErrInvalidParameter},
		{token: "cafe;out", wantCode: ErrInvalidParameter},
		{token: "two words", wantCode: ErrInvalidParameter},
		{token: strings.Repeat("k", MaxTagKeyLength+1), wantCode: ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			err := ValidateTag("tag key", tt.token, MaxTagKeyLength)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var valErr ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if valErr.Code != string(tt.wantCode) {
				t.Errorf("code = %s, want %s", valErr.Code, tt.wantCode)
			}
			if CodeOf(err) != ErrInvalidInput {
				t.Errorf("CodeOf = %s, want %s", CodeOf(err), ErrInvalidInput)
			}
		})
	}
}

func TestValidateCoords(t *testing.T) {
	tests := []struct {
		lat, lon float64
		wantErr  bool
	}{
		{lat: 47.4979, lon: 19.0402},
		{lat: -90, lon: 180},
		{lat: 90.1, lon: 0, wantErr: true},
		{lat: 0, lon: -180.5, wantErr: true},
	}
	for _, tt := range tests {
		if err := ValidateCoords(tt.lat, tt.lon); (err != nil) != tt.wantErr {
			t.Errorf("ValidateCoords(%v, %v) error = %v, wantErr %v", tt.lat, tt.lon, err, tt.wantErr)
		}
	}
}

func TestValidateRadius(t *testing.T) {
	if err := ValidateRadius(500, 1000); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateRadius(5000, 0); err != nil {
		t.Errorf("zero max should not bound the radius: %v", err)
	}
	for _, r := range []float64{0, -1, 1001} {
		if err := ValidateRadius(r, 1000); err == nil {
			t.Errorf("radius %v should be rejected", r)
		}
	}
}
