package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of pipelines LoadAll runs at once
const DefaultConcurrency = 2

// Outcome pairs a load result with its error.
type Outcome struct {
	Result
	Err error `json:"-"`
}

// LoadAll loads every pipeline with at most concurrency running at once and
// returns the outcomes in input order. A failed pipeline does not stop the others.
func LoadAll(ctx context.Context, pipelines []*Pipeline, forceRefresh bool, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	out := make([]Outcome, len(pipelines))
	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, p := range pipelines {
		g.Go(func() error {
			res, err := p.Load(ctx, forceRefresh)
			out[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AnyFailed reports whether any outcome carries an error.
func AnyFailed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}
