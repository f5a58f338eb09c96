package breakdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/cache"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
	"golang.org/x/sync/errgroup"
)

// WarmReport summarizes a Warm or WarmAll run.
type WarmReport struct {
	Roots    int
	Warmed   int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// Warm computes the trees of one breakdown for every root through a pool of
// cfg.Workers goroutines. Unknown roots are skipped. A failing root does not
// stop the others; their errors are joined into the returned error.
func (s *Service) Warm(ctx context.Context, entity, breakdown string, roots []uint32) (WarmReport, error) {
	return s.warm(ctx, entity, breakdown, roots, func(ctx context.Context, root uint32) error {
		_, err := s.Tree(ctx, api.Query{Entity: entity, Breakdown: breakdown, Root: root})
		return err
	})
}

// WarmAll computes every registered breakdown of entity for every root. The
// breakdowns of one root share a single enumeration of its citation links.
// Breakdowns already computed for a root are loaded, not recomputed.
func (s *Service) WarmAll(ctx context.Context, entity string, roots []uint32) (WarmReport, error) {
	et, err := shape.ParseEntityType(entity)
	if err != nil {
		return WarmReport{Roots: len(roots)}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	shapes := s.registry.Shapes(et)
	if len(shapes) == 0 {
		return WarmReport{Roots: len(roots)}, fmt.Errorf("%w: no breakdowns for %s", ErrNotFound, et)
	}

	return s.warm(ctx, et.String(), "all", roots, func(ctx context.Context, root uint32) error {
		if _, err := s.graph.WorksOf(et, root); err != nil {
			return fmt.Errorf("look up %s %d: %w", et, root, err)
		}
		reqs := make([]cache.Request, len(shapes))
		for i, sh := range shapes {
			reqs[i] = cache.Request{Key: cache.Key{Entity: et.String(), Breakdown: sh.ID, Root: root}}
		}
		_, errs := s.cache.GetTrees(ctx, reqs, s.computeBatch)
		return errors.Join(errs...)
	})
}

// warm runs fn for every root through a pool of cfg.Workers goroutines and
// tallies the outcomes. Roots fn reports as unknown are skipped.
func (s *Service) warm(ctx context.Context, entity, breakdown string, roots []uint32, fn func(context.Context, uint32) error) (WarmReport, error) {
	start := time.Now()
	report := WarmReport{Roots: len(roots)}

	var (
		mu      sync.Mutex
		errs    []error
		warmed  atomic.Int64
		skipped atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, root := range roots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := fn(gctx, root)
			switch {
			case err == nil:
				if n := warmed.Add(1); n%100 == 0 {
					s.logger.Info("warming", "breakdown", breakdown, "warmed", n, "roots", len(roots))
				}
			case errors.Is(err, graph.ErrNotFound):
				skipped.Add(1)
			case errors.Is(err, ErrInvalidQuery), errors.Is(err, shape.ErrUnknownBreakdown):
				// Every root would fail the same way.
				return err
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("root %d: %w", root, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Warmed = int(warmed.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = len(errs)
	report.Duration = time.Since(start)
	s.logger.Info("warmed breakdown",
		"entity", entity,
		"breakdown", breakdown,
		"roots", report.Roots,
		"warmed", report.Warmed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, errors.Join(errs...)
}

// Roots lists every root entity of the given type, when the graph can
// enumerate them.
func (s *Service) Roots(entity string) ([]uint32, error) {
	et, err := shape.ParseEntityType(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	lister, ok := s.graph.(graph.EntityLister)
	if !ok {
		return nil, fmt.Errorf("list %s roots: graph cannot enumerate entities", et)
	}
	return lister.Entities(et)
}
