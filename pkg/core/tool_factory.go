package core

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolFactory builds tool definitions with the parameter conventions shared
// by the loader tools.
type ToolFactory struct{}

// NewToolFactory creates a new tool factory
func NewToolFactory() *ToolFactory {
	return &ToolFactory{}
}

// CreateBasicTool creates a tool with no parameters
func (f *ToolFactory) CreateBasicTool(name, description string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(description))
}

// CreateLoadTool creates a tool that takes an optional category and force flag
func (f *ToolFactory) CreateLoadTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("category",
			mcp.Description("Configured category to load; omit to load every category"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Download again even when a cached response exists"),
			mcp.DefaultBool(false),
		),
	)
}

// CreateSearchTool creates a tool with coordinates, radius, category and limit parameters
func (f *ToolFactory) CreateSearchTool(name, description string, defaultRadius, maxRadius float64, defaultLimit, maxLimit int) mcp.Tool {
	radiusDesc := "Search radius in meters"
	if maxRadius > 0 {
		radiusDesc += fmt.Sprintf(" (max %.0f)", maxRadius)
	}

	limitDesc := "Maximum number of results to return"
	if maxLimit > 0 {
		limitDesc += fmt.Sprintf(" (max %d)", maxLimit)
	}

	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithNumber("latitude",
			mcp.Required(),
			mcp.Description("The latitude coordinate of the center point"),
		),
		mcp.WithNumber("longitude",
			mcp.Required(),
			mcp.Description("The longitude coordinate of the center point"),
		),
		mcp.WithNumber("radius",
			mcp.Description(radiusDesc),
			mcp.DefaultNumber(defaultRadius),
		),
		mcp.WithString("category",
			mcp.Description("Loaded category to search; omit to search every category"),
		),
		mcp.WithNumber("limit",
			mcp.Description(limitDesc),
			mcp.DefaultNumber(float64(defaultLimit)),
		),
	)
}
