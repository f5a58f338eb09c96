// Package partition folds a root's records per time period and publishes
// cumulative period trees: the tree of period p covers every citation made
// in p or any later period.
//
// Records are bucketed by the publication year of the citing work, not of
// the cited source work, so a period counts the citations made during it
// regardless of when the cited work appeared.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/stream"
	"golang.org/x/sync/errgroup"
)

// DefaultSpillThreshold is the estimated link count above which records
// are spilled to disk.
const DefaultSpillThreshold = 5_000_000

// Config tunes a Partitioner.
type Config struct {
	Periods Periods
	// SpillThreshold is compared against the estimated link count; zero
	// disables spilling unless forced.
	SpillThreshold int
	// SpillDir holds temporary spill files; empty uses os.TempDir.
	SpillDir string
	// Workers bounds concurrent bucket folds.
	Workers int
}

// DefaultConfig returns the default breakpoints and thresholds.
func DefaultConfig() Config {
	return Config{
		Periods:        DefaultPeriods(),
		SpillThreshold: DefaultSpillThreshold,
		Workers:        4,
	}
}

// ProduceFunc emits a root's records into sink.
type ProduceFunc func(ctx context.Context, sink stream.Sink) error

// Partitioner buckets one shape's records by the citing work's year.
type Partitioner struct {
	engine *fold.Engine
	years  graph.Getters
	cfg    Config
	logger *slog.Logger
}

func New(sh *shape.Shape, years graph.Getters, cfg Config, logger *slog.Logger) *Partitioner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Periods.Len() == 0 {
		cfg.Periods = DefaultPeriods()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Partitioner{
		engine: fold.New(sh, fold.RetainSources()),
		years:  years,
		cfg:    cfg,
		logger: logger,
	}
}

// Periods returns the partitioner's periods.
func (p *Partitioner) Periods() Periods { return p.cfg.Periods }

// Build runs produce once and returns one cumulative, stripped tree per
// period. estimate is the expected link count; above the spill threshold, or
// when forceSpill is set, records go through per-year temporary files.
func (p *Partitioner) Build(ctx context.Context, produce ProduceFunc, estimate int, forceSpill bool) ([]*fold.Node, error) {
	b := p.Start(estimate, forceSpill)
	defer b.Close()
	if err := produce(ctx, b.Add); err != nil {
		return nil, fmt.Errorf("produce records: %w", err)
	}
	return b.Finish(ctx)
}

// Batch is one build in progress. Records are fed through Add, which lets
// several batches of different shapes share one enumeration.
type Batch struct {
	p        *Partitioner
	spill    bool
	estimate int
	start    time.Time
	years    *yearMemo
	folders  []*fold.Folder
	sp       *spiller
}

// Start begins a build. The caller must Close the batch.
func (p *Partitioner) Start(estimate int, forceSpill bool) *Batch {
	b := &Batch{
		p:        p,
		spill:    forceSpill || (p.cfg.SpillThreshold > 0 && estimate > p.cfg.SpillThreshold),
		estimate: estimate,
		start:    time.Now(),
		years:    newYearMemo(p.years),
	}
	if b.spill {
		dir := p.cfg.SpillDir
		if dir == "" {
			dir = os.TempDir()
		}
		b.sp = newSpiller(dir)
	} else {
		b.folders = make([]*fold.Folder, p.cfg.Periods.Len())
		for i := range b.folders {
			b.folders[i] = p.engine.NewFolder(0)
		}
	}
	return b
}

// Add buckets one record by the publication year of its citing work. It is a
// stream.Sink.
func (b *Batch) Add(r stream.Record) error {
	y, err := b.years.of(r.Citing)
	if err != nil {
		return err
	}
	if b.spill {
		return b.sp.write(y, &r)
	}
	b.folders[b.p.cfg.Periods.Of(y)].Push(r)
	return nil
}

// Finish folds every bucket and returns one cumulative, stripped tree per
// period.
func (b *Batch) Finish(ctx context.Context) ([]*fold.Node, error) {
	var (
		buckets []*fold.Node
		err     error
	)
	if b.spill {
		buckets, err = b.finishSpilled(ctx)
	} else {
		buckets, err = b.finishInMemory(ctx)
	}
	if err != nil {
		return nil, err
	}

	trees := Cumulate(buckets)
	b.p.logger.Debug("partitioned",
		"breakdown", b.p.engine.Shape().String(),
		"spill", b.spill,
		"estimate", b.estimate,
		"links", trees[0].LinkCount,
		"duration", time.Since(b.start))
	return trees, nil
}

// Close removes spill files. It is safe to call more than once.
func (b *Batch) Close() {
	if b.sp != nil {
		b.sp.cleanup()
	}
}

func (b *Batch) finishInMemory(ctx context.Context) ([]*fold.Node, error) {
	buckets := make([]*fold.Node, len(b.folders))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(b.p.cfg.Workers)
	for i, f := range b.folders {
		g.Go(func() (err error) {
			buckets[i], err = finish(f.Finish)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func (b *Batch) finishSpilled(ctx context.Context) ([]*fold.Node, error) {
	sp := b.sp
	if err := sp.closeWriters(); err != nil {
		return nil, err
	}

	buckets := make([]*fold.Node, b.p.cfg.Periods.Len())
	for _, y := range sp.years() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := b.p.engine.NewFolder(sp.count(y))
		if err := sp.read(y, f.Push); err != nil {
			return nil, err
		}
		tree, err := finish(f.Finish)
		if err != nil {
			return nil, err
		}
		b.p.logger.Debug("folded spill year", "year", y, "records", sp.count(y), "links", tree.LinkCount)

		i := b.p.cfg.Periods.Of(y)
		if buckets[i] == nil {
			buckets[i] = tree
		} else {
			buckets[i] = fold.Merge(buckets[i], tree)
		}
	}
	for i := range buckets {
		if buckets[i] == nil {
			buckets[i] = b.p.engine.Fold(nil)
		}
	}
	return buckets, nil
}

// ErrFoldPanic wraps a panic raised while folding a bucket.
var ErrFoldPanic = errors.New("partition: bucket fold panicked")

func finish(fn func() *fold.Node) (n *fold.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = nil, fmt.Errorf("%w: %v", ErrFoldPanic, r)
		}
	}()
	return fn(), nil
}

// Cumulate merges per-period bucket trees from the latest period to the
// earliest so each result covers its own period and every later one.
// Buckets must carry retained sources; the results are stripped.
func Cumulate(buckets []*fold.Node) []*fold.Node {
	n := len(buckets)
	cum := make([]*fold.Node, n)
	if n == 0 {
		return cum
	}
	cum[n-1] = buckets[n-1]
	for i := n - 2; i >= 0; i-- {
		cum[i] = fold.Merge(buckets[i], cum[i+1])
		fold.Strip(cum[i+1])
	}
	fold.Strip(cum[0])
	return cum
}

// yearMemo caches publication years for one build.
type yearMemo struct {
	g    graph.Getters
	seen map[uint32]uint16
}

func newYearMemo(g graph.Getters) *yearMemo {
	return &yearMemo{g: g, seen: make(map[uint32]uint16)}
}

func (m *yearMemo) of(work uint32) (uint16, error) {
	if y, ok := m.seen[work]; ok {
		return y, nil
	}
	y, err := m.g.Year(work)
	if err != nil {
		return 0, fmt.Errorf("year of work %d: %w", work, err)
	}
	m.seen[work] = y
	return y, nil
}
