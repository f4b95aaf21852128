package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"validation", ValidationError{Code: "X", Message: "bad"}, ErrInvalidInput},
		{"fetch", &FetchError{Attempts: 3, Cause: cause}, ErrFetchFailed},
		{"wrapped fetch", fmt.Errorf("load: %w", &FetchError{Attempts: 3, Cause: cause}), ErrFetchFailed},
		{"parse", &ParseError{Path: "x.json", Cause: cause}, ErrParseError},
		{"cancel", &CancellationError{Op: "fetch", Cause: context.Canceled}, ErrCancelled},
		{"reject", &SinkRejectionError{RecordID: "OSM:1", Reason: "bad"}, ErrSinkRejected},
		{"connectivity", &SinkConnectivityError{Sink: "http", Cause: cause}, ErrSinkUnavailable},
		{"mcp", NewError(ErrRateLimit, "slow down"), ErrRateLimit},
		{"other", cause, ErrInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCancelled(t *testing.T) {
	err := Cancelled("fetch", fmt.Errorf("do: %w", context.DeadlineExceeded))
	var cancelErr *CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected CancellationError, got %T", err)
	}
	if cancelErr.Op != "fetch" {
		t.Errorf("unexpected op %q", cancelErr.Op)
	}

	plain := errors.New("plain")
	if got := Cancelled("fetch", plain); got != plain {
		t.Errorf("expected non-context error to pass through, got %v", got)
	}
}

func TestErrorsUnwrapCause(t *testing.T) {
	cause := errors.New("connection refused")
	errs := []error{
		&FetchError{Cause: cause},
		&ParseError{Cause: cause},
		&CancellationError{Cause: cause},
		&SinkRejectionError{Cause: cause},
		&SinkConnectivityError{Cause: cause},
	}
	for _, err := range errs {
		if !errors.Is(err, cause) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
		if !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("%T message lacks cause: %s", err, err.Error())
		}
	}
}

func TestToMCPErrorAddsGuidance(t *testing.T) {
	e := ToMCPError(&SinkConnectivityError{Sink: "http", Cause: errors.New("dial tcp")})
	if e.Code != string(ErrSinkUnavailable) {
		t.Errorf("unexpected code %q", e.Code)
	}
	if e.Guidance == "" {
		t.Error("expected guidance")
	}
	if res := e.ToMCPResult(); res == nil || !res.IsError {
		t.Error("expected an error tool result")
	}
}

func TestValidateTagErrorCases(t *testing.T) {
	tests := []struct {
		token   string
		wantErr bool
	}{
		{"amenity", false},
		{"fast_food", false},
		{"addr:city", false},
		{"name:en", false},
		{"Café", false},
		{"", true},
		{"a]b", true},
		{"a\nb", true},
		{"a b", true},
		{"x\"y", true},
		{"../etc", true},
		{"a/b", true},
		{strings.Repeat("a", MaxTagKeyLength+1), true},
	}
	for _, tt := range tests {
		err := ValidateTag("tag key", tt.token, MaxTagKeyLength)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateTag(%q) error = %v, wantErr %v", tt.token, err, tt.wantErr)
		}
	}
}
