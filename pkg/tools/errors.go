package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/pipeline"
)

// Common error guidance messages
const (
	GuidanceLoadInProgress = "A load for this category is already running. Wait for it to finish and try again."
	GuidanceNoIndex        = "Searching requires the in-memory index. Start the loader without -sink-url."
	GuidanceNotLoaded      = "Run load_pois first to populate the index."
)

// ErrorResponse returns a plain error result
func ErrorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// LoadErrorResult converts a load failure into a tool error result.
func LoadErrorResult(err error) *mcp.CallToolResult {
	return loadError(err).ToMCPResult()
}

func loadError(err error) *core.MCPError {
	if errors.Is(err, pipeline.ErrLoadInProgress) {
		return core.NewError(core.ErrServiceUnavailable, err.Error()).WithGuidance(GuidanceLoadInProgress)
	}
	return core.ToMCPError(err)
}

// UnknownCategoryResult reports a category that is not configured.
func UnknownCategoryResult(category string, available []string) *mcp.CallToolResult {
	e := core.NewError(core.ErrInvalidParameter, fmt.Sprintf("unknown category %q", category)).
		WithGuidance("Use list_categories to see the configured categories")
	e.Suggestions = available
	return e.ToMCPResult()
}

// withUsageExample appends an example call of tool to the guidance of e.
func withUsageExample(e *core.MCPError, tool string) *core.MCPError {
	example := "Example arguments: " + GetToolUsageExample(tool)
	if e.Guidance == "" {
		return e.WithGuidance(example)
	}
	return e.WithGuidance(e.Guidance + ". " + example)
}

// jsonResult marshals v into a text result
func jsonResult(logger *slog.Logger, v interface{}) *mcp.CallToolResult {
	resultBytes, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to marshal result", "error", err)
		return ErrorResponse("Failed to generate result")
	}
	return mcp.NewToolResultText(string(resultBytes))
}

// GetToolUsageExample returns an example JSON snippet for using a specific tool
func GetToolUsageExample(toolName string) string {
	examples := map[string]string{
		"load_pois": `{
  "category": "cafe",
  "force_refresh": false
}`,
		"search_pois": `{
  "latitude": 47.4979,
  "longitude": 19.0402,
  "radius": 1000,
  "category": "cafe",
  "limit": 10
}`,
		"list_categories": `{}`,
	}

	if example, ok := examples[toolName]; ok {
		return example
	}
	return "{}"
}
