package tools

import (
	"github.com/NERVsystems/poiloader/pkg/pipeline"
	"github.com/NERVsystems/poiloader/pkg/sink"
)

// Catalog is the set of configured pipelines the tools operate on, plus the
// in-memory index when records are kept in process.
type Catalog struct {
	pipelines   map[string]*pipeline.Pipeline
	names       []string
	index       *sink.MemoryIndex
	concurrency int
}

// NewCatalog creates a catalog. index may be nil when records go to an external store.
func NewCatalog(index *sink.MemoryIndex, concurrency int, pipelines ...*pipeline.Pipeline) *Catalog {
	c := &Catalog{
		pipelines:   make(map[string]*pipeline.Pipeline, len(pipelines)),
		index:       index,
		concurrency: concurrency,
	}
	for _, p := range pipelines {
		if _, dup := c.pipelines[p.Category()]; dup {
			continue
		}
		c.pipelines[p.Category()] = p
		c.names = append(c.names, p.Category())
	}
	return c
}

// Names returns the category names in configuration order
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Pipeline returns the pipeline for category
func (c *Catalog) Pipeline(category string) (*pipeline.Pipeline, bool) {
	p, ok := c.pipelines[category]
	return p, ok
}

// Pipelines returns every pipeline in configuration order
func (c *Catalog) Pipelines() []*pipeline.Pipeline {
	out := make([]*pipeline.Pipeline, len(c.names))
	for i, name := range c.names {
		out[i] = c.pipelines[name]
	}
	return out
}

// Index returns the in-memory index, or nil
func (c *Catalog) Index() *sink.MemoryIndex {
	return c.index
}

// Concurrency returns the number of categories loaded at once
func (c *Catalog) Concurrency() int {
	return c.concurrency
}
