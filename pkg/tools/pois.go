package tools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/pipeline"
	"github.com/NERVsystems/poiloader/pkg/sink"
)

const (
	defaultSearchRadius = 1000.0
	maxSearchLimit      = 100
)

// LoadOutput describes the outcome of one category load
type LoadOutput struct {
	Category     string         `json:"category"`
	Tag          string         `json:"tag"`
	State        string         `json:"state"`
	SuccessCount int64          `json:"success_count"`
	Rejected     int64          `json:"rejected"`
	Dropped      int64          `json:"dropped"`
	DurationMs   int64          `json:"duration_ms"`
	Error        *core.MCPError `json:"error,omitempty"`
}

// LoadResponse is the load_pois result
type LoadResponse struct {
	Loads  []LoadOutput `json:"loads"`
	Failed int          `json:"failed"`
}

// SearchResponse is the search_pois result
type SearchResponse struct {
	POIs           []sink.Hit `json:"pois"`
	Count          int        `json:"count"`
	DistanceFilter bool       `json:"distance_filter"`
	Guidance       string     `json:"guidance,omitempty"`
}

// CategoryInfo describes one configured category
type CategoryInfo struct {
	Name           string      `json:"name"`
	Tag            string      `json:"tag"`
	State          string      `json:"state"`
	DistanceFilter bool        `json:"distance_filter"`
	Indexed        *int        `json:"indexed,omitempty"`
	LastLoad       *LoadOutput `json:"last_load,omitempty"`
}

// CategoriesResponse is the list_categories result
type CategoriesResponse struct {
	Categories []CategoryInfo `json:"categories"`
}

func loadOutput(p *pipeline.Pipeline, res pipeline.Result, err error) LoadOutput {
	out := LoadOutput{
		Category:     p.Category(),
		Tag:          p.Spec().Tag(),
		State:        p.State().String(),
		SuccessCount: res.SuccessCount,
		Rejected:     res.Rejected,
		Dropped:      res.Dropped,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if err != nil {
		out.Error = loadError(err)
	}
	return out
}

// LoadPOIsTool returns the load_pois tool definition
func (r *Registry) LoadPOIsTool() mcp.Tool {
	return r.factory.CreateLoadTool("load_pois",
		"Download points of interest from the Overpass API and index them. Cached responses are reused unless force_refresh is set.")
}

// HandleLoadPOIs loads one category, or all of them when no category is given.
func (r *Registry) HandleLoadPOIs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := r.logger.With("tool", "load_pois")

	category := mcp.ParseString(req, "category", "")
	force := mcp.ParseBoolean(req, "force_refresh", false)

	if category != "" {
		p, ok := r.catalog.Pipeline(category)
		if !ok {
			return UnknownCategoryResult(category, r.catalog.Names()), nil
		}
		res, err := p.Load(ctx, force)
		if errors.Is(err, pipeline.ErrLoadInProgress) {
			return LoadErrorResult(err), nil
		}
		resp := LoadResponse{Loads: []LoadOutput{loadOutput(p, res, err)}}
		if err == nil {
			return jsonResult(logger, resp), nil
		}

		// A failed load still reports what was indexed before the failure.
		logger.Warn("load failed", "category", category, "indexed", res.SuccessCount, "error", err)
		resp.Failed = 1
		result := jsonResult(logger, resp)
		result.IsError = true
		return result, nil
	}

	pipelines := r.catalog.Pipelines()
	outcomes := pipeline.LoadAll(ctx, pipelines, force, r.catalog.Concurrency())

	resp := LoadResponse{Loads: make([]LoadOutput, len(outcomes))}
	for i, o := range outcomes {
		resp.Loads[i] = loadOutput(pipelines[i], o.Result, o.Err)
		if o.Err != nil {
			resp.Failed++
		}
	}
	logger.Info("loaded all categories", "categories", len(outcomes), "failed", resp.Failed)
	return jsonResult(logger, resp), nil
}

// SearchPOIsTool returns the search_pois tool definition
func (r *Registry) SearchPOIsTool() mcp.Tool {
	return r.factory.CreateSearchTool("search_pois",
		"Find loaded points of interest within a radius of a location, nearest first",
		defaultSearchRadius, sink.MaxSearchRadius, sink.DefaultSearchLimit, maxSearchLimit)
}

// HandleSearchPOIs searches the in-memory index.
func (r *Registry) HandleSearchPOIs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := r.logger.With("tool", "search_pois")

	index := r.catalog.Index()
	if index == nil {
		return core.NewError(core.ErrServiceUnavailable, "no in-memory index").
			WithGuidance(GuidanceNoIndex).ToMCPResult(), nil
	}

	latitude := mcp.ParseFloat64(req, "latitude", 0)
	longitude := mcp.ParseFloat64(req, "longitude", 0)
	radius := mcp.ParseFloat64(req, "radius", defaultSearchRadius)
	category := mcp.ParseString(req, "category", "")
	limit := int(mcp.ParseFloat64(req, "limit", float64(sink.DefaultSearchLimit)))
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	distanceFilter := true
	if category != "" {
		p, ok := r.catalog.Pipeline(category)
		if !ok {
			return UnknownCategoryResult(category, r.catalog.Names()), nil
		}
		distanceFilter = p.DistanceFilterEnabled()
	}
	if !distanceFilter {
		return core.NewError(core.ErrInvalidParameter, "distance filtering is disabled for category "+category).ToMCPResult(), nil
	}

	hits, err := index.Search(latitude, longitude, radius, category, limit)
	if err != nil {
		return withUsageExample(core.ToMCPError(err), "search_pois").ToMCPResult(), nil
	}
	resp := SearchResponse{POIs: hits, Count: len(hits), DistanceFilter: true}
	if hits == nil {
		resp.POIs = []sink.Hit{}
		if r.neverLoaded(category) {
			resp.Guidance = GuidanceNotLoaded
		}
	}

	logger.Debug("search complete", "category", category, "radius", radius, "results", len(hits))
	return jsonResult(logger, resp), nil
}

// neverLoaded reports whether no pipeline matching category has run a load yet.
// An empty category matches every pipeline.
func (r *Registry) neverLoaded(category string) bool {
	for _, p := range r.catalog.Pipelines() {
		if (category == "" || p.Category() == category) && p.State() != pipeline.Idle {
			return false
		}
	}
	return true
}

// ListCategoriesTool returns the list_categories tool definition
func (r *Registry) ListCategoriesTool() mcp.Tool {
	return r.factory.CreateBasicTool("list_categories",
		"List the configured POI categories with their OSM tag, load state and indexed record count")
}

// HandleListCategories reports every configured category.
func (r *Registry) HandleListCategories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	logger := r.logger.With("tool", "list_categories")

	var counts map[string]int
	if index := r.catalog.Index(); index != nil {
		counts = index.Categories()
	}

	resp := CategoriesResponse{Categories: []CategoryInfo{}}
	for _, p := range r.catalog.Pipelines() {
		info := CategoryInfo{
			Name:           p.Category(),
			Tag:            p.Spec().Tag(),
			State:          p.State().String(),
			DistanceFilter: p.DistanceFilterEnabled(),
		}
		if counts != nil {
			n := counts[p.Category()]
			info.Indexed = &n
		}
		if p.State() == pipeline.Completed || p.State() == pipeline.Failed {
			res, err := p.LastResult()
			last := loadOutput(p, res, err)
			info.LastLoad = &last
		}
		resp.Categories = append(resp.Categories, info)
	}
	return jsonResult(logger, resp), nil
}
