// Package core provides the error taxonomy, input validation and retry policy
// shared by the loader packages.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrorCode defines standard error codes for load failures
type ErrorCode string

// Standard error codes
const (
	// Input validation errors
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrEmptyParameter   ErrorCode = "EMPTY_PARAMETER"
	ErrInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Service errors
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrFetchFailed        ErrorCode = "FETCH_FAILED"
	ErrCancelled          ErrorCode = "CANCELLED"

	// Data errors
	ErrParseError    ErrorCode = "PARSE_ERROR"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"

	// Sink errors
	ErrSinkRejected    ErrorCode = "SINK_REJECTED"
	ErrSinkUnavailable ErrorCode = "SINK_UNAVAILABLE"
)

// MCPError is the error shape returned to MCP clients.
type MCPError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Query       string   `json:"query,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Guidance    string   `json:"guidance,omitempty"`
}

// Error implements the error interface
func (e MCPError) Error() string {
	if e.Guidance != "" {
		return fmt.Sprintf("%s: %s. %s", e.Code, e.Message, e.Guidance)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new MCPError with the given code and message
func NewError(code ErrorCode, message string) *MCPError {
	return &MCPError{
		Code:    string(code),
		Message: message,
	}
}

// WithQuery adds query information to the error
func (e *MCPError) WithQuery(query string) *MCPError {
	e.Query = query
	return e
}

// WithGuidance adds guidance information to the error
func (e *MCPError) WithGuidance(guidance string) *MCPError {
	e.Guidance = guidance
	return e
}

// ToMCPResult converts the error to an MCP tool result
func (e *MCPError) ToMCPResult() *mcp.CallToolResult {
	errorJSON, err := json.Marshal(e)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %s - %s", e.Code, e.Message))
	}
	return mcp.NewToolResultError(string(errorJSON))
}

// FetchError reports that the Overpass download failed after all retry attempts.
type FetchError struct {
	Query    string
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("overpass fetch failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ParseError reports a response that is not a usable Overpass document.
type ParseError struct {
	Path  string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// CancellationError reports that the caller cancelled the operation or its deadline passed.
type CancellationError struct {
	Op    string
	Cause error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s cancelled: %v", e.Op, e.Cause)
}

func (e *CancellationError) Unwrap() error { return e.Cause }

// SinkRejectionError is returned by a sink that refused a single record.
// The load continues with the next record.
type SinkRejectionError struct {
	RecordID string
	Reason   string
	Cause    error
}

func (e *SinkRejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("record %s rejected: %s: %v", e.RecordID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("record %s rejected: %s", e.RecordID, e.Reason)
}

func (e *SinkRejectionError) Unwrap() error { return e.Cause }

// SinkConnectivityError is returned by a sink that cannot be reached.
// It aborts the remaining records of the load.
type SinkConnectivityError struct {
	Sink  string
	Cause error
}

func (e *SinkConnectivityError) Error() string {
	return fmt.Sprintf("sink %s unavailable: %v", e.Sink, e.Cause)
}

func (e *SinkConnectivityError) Unwrap() error { return e.Cause }

// Cancelled wraps a context error as a CancellationError. Other errors pass through.
func Cancelled(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancellationError{Op: op, Cause: err}
	}
	return err
}

// CodeOf classifies err into an ErrorCode.
func CodeOf(err error) ErrorCode {
	var (
		valErr    ValidationError
		valErrPtr *ValidationError
		fetchErr  *FetchError
		parseErr  *ParseError
		cancelErr *CancellationError
		rejectErr *SinkRejectionError
		connErr   *SinkConnectivityError
		mcpErr    *MCPError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cancelErr):
		return ErrCancelled
	case errors.As(err, &valErr), errors.As(err, &valErrPtr):
		return ErrInvalidInput
	case errors.As(err, &fetchErr):
		return ErrFetchFailed
	case errors.As(err, &parseErr):
		return ErrParseError
	case errors.As(err, &connErr):
		return ErrSinkUnavailable
	case errors.As(err, &rejectErr):
		return ErrSinkRejected
	case errors.As(err, &mcpErr):
		return ErrorCode(mcpErr.Code)
	default:
		return ErrInternalError
	}
}

// ToMCPError converts any loader error into the MCP error shape with guidance.
func ToMCPError(err error) *MCPError {
	code := CodeOf(err)
	e := NewError(code, err.Error())
	switch code {
	case ErrInvalidInput:
		e.WithGuidance("Tag keys and values may only contain letters, digits, '_', ':', '.' and '-'")
	case ErrFetchFailed:
		e.WithGuidance("The Overpass API could not be reached. Try again later or load from the cache")
	case ErrParseError:
		e.WithGuidance("The cached response is malformed. Reload with force_refresh to fetch it again")
	case ErrSinkUnavailable:
		e.WithGuidance("The search index is unreachable. Records after the failure were not indexed")
	case ErrCancelled:
		e.WithGuidance("The load was cancelled before it finished")
	}
	return e
}

// ServiceError creates an error for an unexpected HTTP status from an external service
func ServiceError(service string, statusCode int, message string) *MCPError {
	var code ErrorCode
	var guidance string

	switch statusCode {
	case http.StatusTooManyRequests:
		code = ErrRateLimit
		guidance = "The service is rate-limited. Please try again in a few moments."
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = ErrServiceTimeout
		guidance = "The query timed out on the server. Try a smaller area or a more specific tag."
	case http.StatusBadRequest:
		code = ErrInvalidInput
		guidance = "The query was rejected by the server. Check the tag filter."
	default:
		code = ErrServiceUnavailable
		guidance = "The service is temporarily unavailable. Please try again later."
	}

	return NewError(code, fmt.Sprintf("%s service error: %s", service, message)).
		WithGuidance(guidance)
}
