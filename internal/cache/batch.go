package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/agentic-research/citefold/internal/fold"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BatchFunc computes several keys in one pass and returns one result per
// request, in order. A returned error fails every request of the batch.
type BatchFunc func(ctx context.Context, reqs []Request) ([]*Result, error)

// GetTrees returns the pruned tree of every request. Absent keys are claimed
// together and computed by a single call to compute; keys another caller is
// computing, or has computed, are served as GetTree serves them. errs[i]
// belongs to reqs[i].
func (c *Controller) GetTrees(ctx context.Context, reqs []Request, compute BatchFunc) ([]*fold.Node, []error) {
	ctx, span := tracer.Start(ctx, "Controller.GetTrees")
	span.SetAttributes(attribute.Int("cache.requests", len(reqs)))
	defer span.End()

	trees := make([]*fold.Node, len(reqs))
	errs := make([]error, len(reqs))
	cells := make([]*cell, len(reqs))

	var claimed []int
	c.mu.Lock()
	for i, req := range reqs {
		if req.Period < 0 || req.Period >= c.opts.Periods {
			errs[i] = fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPeriod, req.Period, c.opts.Periods)
			continue
		}
		cl, ok := c.cells[req.Key]
		if !ok || (cl.state == stateFailed && time.Since(cl.failedAt) >= c.opts.ErrorTTL) {
			cl = &cell{state: stateInProgress, done: make(chan struct{})}
			c.cells[req.Key] = cl
			cells[i] = cl
			claimed = append(claimed, i)
		}
	}
	c.mu.Unlock()

	if len(claimed) > 0 {
		c.runBatch(ctx, reqs, claimed, cells, compute, trees, errs)
	}

	for i, req := range reqs {
		if cells[i] != nil || errs[i] != nil {
			continue
		}
		trees[i], errs[i] = c.GetTree(ctx, req)
	}
	for _, err := range errs {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			break
		}
	}
	return trees, errs
}

// runBatch settles every claimed cell. Keys already persisted are recovered;
// the rest go to compute together.
func (c *Controller) runBatch(ctx context.Context, reqs []Request, claimed []int, cells []*cell, compute BatchFunc, trees []*fold.Node, errs []error) {
	wctx := context.WithoutCancel(ctx)

	var todo []int
	for _, i := range claimed {
		complete, err := c.persisted(wctx, reqs[i].Key)
		switch {
		case err != nil:
			errs[i] = c.settle(reqs[i].Key, cells[i], err)
		case complete:
			c.recovered.Add(1)
			recoveredTotal.Inc()
			_ = c.settle(reqs[i].Key, cells[i], nil)
			trees[i], errs[i] = c.load(ctx, reqs[i])
		default:
			todo = append(todo, i)
		}
	}
	if len(todo) == 0 {
		return
	}

	batch := make([]Request, len(todo))
	for j, i := range todo {
		batch[j] = reqs[i]
	}
	c.computations.Add(int64(len(todo)))
	start := time.Now()
	results, err := c.safeComputeBatch(wctx, batch, compute)
	if err == nil && len(results) != len(batch) {
		err = fmt.Errorf("compute batch: %d results for %d requests", len(results), len(batch))
	}

	for j, i := range todo {
		req := reqs[i]
		kerr := err
		var res *Result
		if kerr == nil {
			res = results[j]
			if kerr = c.check(req.Key, res); kerr == nil {
				kerr = c.persist(wctx, req.Key, res)
			}
		}

		result := "ok"
		if kerr != nil {
			result = "error"
		}
		computeTotal.WithLabelValues(req.Breakdown, result).Inc()
		computeDuration.WithLabelValues(req.Breakdown).Observe(time.Since(start).Seconds())

		if cerr := c.settle(req.Key, cells[i], kerr); cerr != nil {
			errs[i] = cerr
			continue
		}
		trees[i] = res.Pruned[req.Period]
	}
	c.logger.Info("computed tree batch", "keys", len(todo), "duration", time.Since(start))
}

func (c *Controller) safeComputeBatch(ctx context.Context, reqs []Request, compute BatchFunc) (res []*Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrComputePanic, r)
		}
	}()
	return compute(ctx, reqs)
}
