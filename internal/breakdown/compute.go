package breakdown

import (
	"context"
	"fmt"
	"time"

	"github.com/agentic-research/citefold/internal/cache"
	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/partition"
	"github.com/agentic-research/citefold/internal/prune"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/stream"
)

// compute is the cache controller's ComputeFunc: produce the root's records,
// fold them per period, and prune every period tree.
func (s *Service) compute(ctx context.Context, req cache.Request) (*cache.Result, error) {
	entity, err := shape.ParseEntityType(req.Entity)
	if err != nil {
		return nil, err
	}
	sh, err := s.registry.Lookup(entity, req.Breakdown)
	if err != nil {
		return nil, err
	}
	filter, err := stream.ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	estimate, err := s.producer.EstimateLinks(ctx, sh.Entity, req.Root)
	if err != nil {
		return nil, fmt.Errorf("estimate %s: %w", req.Key, err)
	}

	records := 0
	produce := func(ctx context.Context, sink stream.Sink) error {
		n, err := s.producer.Produce(ctx, sh, req.Root, filter, sink)
		records = n
		return err
	}
	full, err := partition.New(sh, s.graph, s.cfg.Partition, s.logger).Build(ctx, produce, estimate, req.ForceSpill)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", req.Key, err)
	}

	res := s.result(sh, full)
	s.logger.Debug("computed breakdown",
		"breakdown", sh.String(),
		"root", req.Root,
		"records", records,
		"estimate", estimate,
		"duration", time.Since(start))
	return res, nil
}

// computeBatch is the cache.BatchFunc behind WarmAll. Every request names the
// same entity and root; the records of all their shapes come from one
// enumeration of the root's citation links, each shape feeding its own
// partition batch.
func (s *Service) computeBatch(ctx context.Context, reqs []cache.Request) ([]*cache.Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	first := reqs[0]
	entity, err := shape.ParseEntityType(first.Entity)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	estimate, err := s.producer.EstimateLinks(ctx, entity, first.Root)
	if err != nil {
		return nil, fmt.Errorf("estimate %s %d: %w", entity, first.Root, err)
	}

	shapes := make([]*shape.Shape, len(reqs))
	batches := make([]*partition.Batch, 0, len(reqs))
	defer func() {
		for _, b := range batches {
			b.Close()
		}
	}()
	plans := make([]stream.Plan, len(reqs))
	for i, req := range reqs {
		if req.Entity != first.Entity || req.Root != first.Root {
			return nil, fmt.Errorf("compute batch: %s is not under %s %d", req.Key, entity, first.Root)
		}
		sh, err := s.registry.Lookup(entity, req.Breakdown)
		if err != nil {
			return nil, err
		}
		filter, err := stream.ParseFilter(req.Filter)
		if err != nil {
			return nil, err
		}
		b := partition.New(sh, s.graph, s.cfg.Partition, s.logger).Start(estimate, req.ForceSpill)
		batches = append(batches, b)
		shapes[i] = sh
		plans[i] = stream.Plan{Shape: sh, Filter: filter, Sink: b.Add}
	}

	counts, err := s.producer.ProduceAll(ctx, entity, first.Root, plans)
	if err != nil {
		return nil, fmt.Errorf("produce %s %d: %w", entity, first.Root, err)
	}

	out := make([]*cache.Result, len(reqs))
	for i, b := range batches {
		full, err := b.Finish(ctx)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", reqs[i].Key, err)
		}
		out[i] = s.result(shapes[i], full)
	}
	s.logger.Debug("computed breakdown batch",
		"entity", entity.String(),
		"root", first.Root,
		"breakdowns", len(reqs),
		"records", counts,
		"estimate", estimate,
		"duration", time.Since(start))
	return out, nil
}

// result prunes every period tree of sh.
func (s *Service) result(sh *shape.Shape, full []*fold.Node) *cache.Result {
	pruner := prune.New(sh, s.baselines).WithLimits(s.cfg.ByLinks, s.cfg.BySpecificity)
	pruned := make([]*fold.Node, len(full))
	for i, n := range full {
		pruned[i] = pruner.Prune(n)
	}
	return &cache.Result{Depth: sh.Depth(), Full: full, Pruned: pruned}
}
