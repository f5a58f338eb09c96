// Package cache guarantees that each breakdown tree is computed at most once.
//
// Every key moves through Absent -> InProgress -> Done, or to Failed when its
// computation errors. The first caller for an absent key computes every
// period, persists full and pruned trees, and returns its in-memory result.
// Callers arriving meanwhile block on the key's wait channel. Later callers
// load the pruned tree from the store. A failed key releases its waiters
// with the error and is retried once ErrorTTL has passed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/citefold/internal/codec"
	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/store"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidPeriod = errors.New("cache: period out of range")
	ErrComputePanic  = errors.New("cache: computation panicked")
	ErrInProgress    = errors.New("cache: computation in progress")
)

// Key identifies one computation. A computation covers every period.
type Key struct {
	Entity    string
	Breakdown string
	Root      uint32
	// Filter is the connection filter in "30,10" form, or empty.
	Filter string
}

func (k Key) String() string {
	s := k.Entity + "/" + k.Breakdown + "/" + strconv.FormatUint(uint64(k.Root), 10)
	if k.Filter != "" {
		s += "~" + k.Filter
	}
	return s
}

// storeKey is the persisted key of one period of k.
func (k Key) storeKey(period int) string {
	return store.TreeKey(k.Entity, k.Breakdown, period, k.Root, k.Filter)
}

// Request asks for one period of a key.
type Request struct {
	Key
	Period int
	// ForceSpill is passed through to the computation.
	ForceSpill bool
}

// Result is what a computation produces: one full and one pruned tree per
// period.
type Result struct {
	Depth  int
	Full   []*fold.Node
	Pruned []*fold.Node
}

// ComputeFunc builds the trees of req.Key. It runs detached from the
// triggering request's cancellation.
type ComputeFunc func(ctx context.Context, req Request) (*Result, error)

// ComputeError is the error a failed key hands to its callers.
type ComputeError struct {
	Key      Key
	Err      error
	FailedAt time.Time
	RetryAt  time.Time
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s: %v (retry after %s)", e.Key, e.Err, e.RetryAt.Format(time.RFC3339))
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Options configures a Controller.
type Options struct {
	// Periods is the number of period trees per key.
	Periods int
	// Compress zstd-compresses persisted trees.
	Compress bool
	// ErrorTTL is how long a failed key keeps returning its error.
	ErrorTTL time.Duration
	Logger   *slog.Logger
}

type state int

const (
	stateInProgress state = iota
	stateDone
	stateFailed
)

// cell is the shared result slot of one key. done is closed when the state
// leaves InProgress; err and failedAt are immutable after that.
type cell struct {
	state    state
	done     chan struct{}
	err      *ComputeError
	failedAt time.Time
}

// Stats counts controller activity.
type Stats struct {
	Computations int64
	Loads        int64
	Waits        int64
	Failures     int64
	Recovered    int64
}

// Controller is the compute-once cache over full and pruned tree stores.
type Controller struct {
	full    store.Store
	pruned  store.Store
	compute ComputeFunc
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	cells  map[Key]*cell
	flight singleflight.Group

	computations atomic.Int64
	loads        atomic.Int64
	waits        atomic.Int64
	failures     atomic.Int64
	recovered    atomic.Int64
}

func NewController(full, pruned store.Store, compute ComputeFunc, opts Options) *Controller {
	if opts.Periods <= 0 {
		opts.Periods = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		full:    full,
		pruned:  pruned,
		compute: compute,
		opts:    opts,
		logger:  logger,
		cells:   make(map[Key]*cell),
	}
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Computations: c.computations.Load(),
		Loads:        c.loads.Load(),
		Waits:        c.waits.Load(),
		Failures:     c.failures.Load(),
		Recovered:    c.recovered.Load(),
	}
}

// GetTree returns the pruned tree of req. A caller blocked on another
// caller's computation returns early when its own ctx ends; the computation
// itself always runs to completion.
func (c *Controller) GetTree(ctx context.Context, req Request) (*fold.Node, error) {
	ctx, span := startSpan(ctx, "GetTree", req)
	defer span.End()

	if req.Period < 0 || req.Period >= c.opts.Periods {
		err := fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPeriod, req.Period, c.opts.Periods)
		span.RecordError(err)
		return nil, err
	}

	for {
		c.mu.Lock()
		cl, ok := c.cells[req.Key]
		if !ok || (cl.state == stateFailed && time.Since(cl.failedAt) >= c.opts.ErrorTTL) {
			cl = &cell{state: stateInProgress, done: make(chan struct{})}
			c.cells[req.Key] = cl
			c.mu.Unlock()
			n, err := c.run(ctx, req, cl)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			return n, err
		}
		st := cl.state
		c.mu.Unlock()

		switch st {
		case stateInProgress:
			c.waits.Add(1)
			waitTotal.WithLabelValues(req.Breakdown).Inc()
			select {
			case <-cl.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.mu.Lock()
			st = cl.state
			c.mu.Unlock()
			if st == stateFailed {
				return nil, cl.err
			}
		case stateFailed:
			return nil, cl.err
		}

		n, err := c.load(ctx, req)
		if errors.Is(err, store.ErrNotFound) {
			// Persisted trees were removed underneath a done key.
			c.forget(req.Key, cl)
			continue
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return n, err
	}
}

// run is executed by the sole computing party of a key.
func (c *Controller) run(ctx context.Context, req Request, cl *cell) (*fold.Node, error) {
	res, err := c.execute(context.WithoutCancel(ctx), req)
	if cerr := c.settle(req.Key, cl, err); cerr != nil {
		return nil, cerr
	}
	if res == nil {
		return c.load(ctx, req)
	}
	return res.Pruned[req.Period], nil
}

// settle moves cl out of InProgress and releases its waiters.
func (c *Controller) settle(k Key, cl *cell, err error) *ComputeError {
	c.mu.Lock()
	if err != nil {
		now := time.Now()
		cl.state = stateFailed
		cl.failedAt = now
		cl.err = &ComputeError{Key: k, Err: err, FailedAt: now, RetryAt: now.Add(c.opts.ErrorTTL)}
	} else {
		cl.state = stateDone
	}
	close(cl.done)
	c.mu.Unlock()

	if err != nil {
		c.failures.Add(1)
		c.logger.Error("tree computation failed", "key", k.String(), "error", err)
		return cl.err
	}
	return nil
}

// execute recovers a key from the pruned store when every period is already
// persisted, and otherwise computes and persists it. A nil result means the
// key was recovered.
func (c *Controller) execute(ctx context.Context, req Request) (res *Result, err error) {
	complete, err := c.persisted(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if complete {
		c.recovered.Add(1)
		recoveredTotal.Inc()
		c.logger.Debug("recovered persisted trees", "key", req.Key.String())
		return nil, nil
	}

	c.computations.Add(1)
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		computeTotal.WithLabelValues(req.Breakdown, result).Inc()
		computeDuration.WithLabelValues(req.Breakdown).Observe(time.Since(start).Seconds())
	}()

	res, err = c.safeCompute(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.check(req.Key, res); err != nil {
		return nil, err
	}
	if err := c.persist(ctx, req.Key, res); err != nil {
		return nil, err
	}
	c.logger.Info("computed tree",
		"key", req.Key.String(),
		"links", res.Full[0].LinkCount,
		"duration", time.Since(start))
	return res, nil
}

func (c *Controller) safeCompute(ctx context.Context, req Request) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w: %v", ErrComputePanic, r)
		}
	}()
	return c.compute(ctx, req)
}

func (c *Controller) check(k Key, res *Result) error {
	if res == nil || len(res.Full) != c.opts.Periods || len(res.Pruned) != c.opts.Periods {
		var full, pruned int
		if res != nil {
			full, pruned = len(res.Full), len(res.Pruned)
		}
		return fmt.Errorf("compute %s: %d full and %d pruned trees, want %d", k, full, pruned, c.opts.Periods)
	}
	return nil
}

func (c *Controller) persisted(ctx context.Context, k Key) (bool, error) {
	for p := 0; p < c.opts.Periods; p++ {
		ok, err := c.pruned.Exists(ctx, k.storeKey(p))
		if err != nil {
			return false, fmt.Errorf("check %s: %w", k, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// persist writes every full tree before any pruned tree, so a complete set
// of pruned trees implies the full trees exist too.
func (c *Controller) persist(ctx context.Context, k Key, res *Result) error {
	for _, target := range []struct {
		s     store.Store
		trees []*fold.Node
	}{{c.full, res.Full}, {c.pruned, res.Pruned}} {
		for p, tree := range target.trees {
			data, err := codec.Marshal(tree, res.Depth, c.opts.Compress)
			if err != nil {
				return fmt.Errorf("encode %s period %d: %w", k, p, err)
			}
			if err := target.s.Put(ctx, k.storeKey(p), data); err != nil {
				return fmt.Errorf("persist %s period %d: %w", k, p, err)
			}
		}
	}
	return nil
}

// load reads one pruned tree. Concurrent loads of the same blob share one
// read and decode, which runs detached from any single caller's ctx; each
// caller stops waiting when its own ctx ends.
func (c *Controller) load(ctx context.Context, req Request) (*fold.Node, error) {
	key := req.Key.storeKey(req.Period)
	readCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		data, err := c.pruned.Get(readCtx, key)
		if err != nil {
			return nil, err
		}
		n, _, err := codec.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		c.loads.Add(1)
		loadTotal.WithLabelValues(req.Breakdown).Inc()
		return n, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*fold.Node), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forget drops cl if it is still the key's cell.
func (c *Controller) forget(k Key, cl *cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cells[k] == cl {
		delete(c.cells, k)
	}
}

// Invalidate deletes every persisted tree of k and resets it to Absent.
func (c *Controller) Invalidate(ctx context.Context, k Key) error {
	c.mu.Lock()
	cl, ok := c.cells[k]
	if ok && cl.state == stateInProgress {
		c.mu.Unlock()
		return fmt.Errorf("invalidate %s: %w", k, ErrInProgress)
	}
	delete(c.cells, k)
	c.mu.Unlock()

	for p := 0; p < c.opts.Periods; p++ {
		if err := c.pruned.Delete(ctx, k.storeKey(p)); err != nil {
			return fmt.Errorf("invalidate %s: %w", k, err)
		}
		if err := c.full.Delete(ctx, k.storeKey(p)); err != nil {
			return fmt.Errorf("invalidate %s: %w", k, err)
		}
	}
	return nil
}
