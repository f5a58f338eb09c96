package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
)

// DefaultMemoLimit caps the attribute memo of one production run.
const DefaultMemoLimit = 1 << 20

var unknownOnly = []uint32{shape.Unknown}

// Producer enumerates flat records for a root entity by nesting attribute
// lookups: for each work of the root, for each citing work, for each value
// of each level in turn.
type Producer struct {
	g         graph.Getters
	logger    *slog.Logger
	memoLimit int
}

// Option configures a Producer.
type Option func(*Producer)

func WithLogger(l *slog.Logger) Option {
	return func(p *Producer) { p.logger = l }
}

// WithMemoLimit bounds the number of memoized (dimension, work) lookups.
func WithMemoLimit(n int) Option {
	return func(p *Producer) { p.memoLimit = n }
}

func NewProducer(g graph.Getters, opts ...Option) *Producer {
	p := &Producer{g: g, logger: slog.Default(), memoLimit: DefaultMemoLimit}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plan is one shape to produce during a shared enumeration.
type Plan struct {
	Shape  *shape.Shape
	Filter Filter
	Sink   Sink
}

// Produce emits every record of sh under root into sink and returns how many
// were emitted.
func (p *Producer) Produce(ctx context.Context, sh *shape.Shape, root uint32, filter Filter, sink Sink) (int, error) {
	counts, err := p.ProduceAll(ctx, sh.Entity, root, []Plan{{Shape: sh, Filter: filter, Sink: sink}})
	if len(counts) == 0 {
		return 0, err
	}
	return counts[0], err
}

// ProduceAll enumerates the root's works and citing edges once and expands
// every plan against each edge. Attribute lookups are memoized across plans,
// so shapes that share leading levels share the lookups too.
func (p *Producer) ProduceAll(ctx context.Context, entity shape.EntityType, root uint32, plans []Plan) ([]int, error) {
	for _, pl := range plans {
		if pl.Shape.Entity != entity {
			return nil, fmt.Errorf("plan %s: root entity is %s", pl.Shape, entity)
		}
		if len(pl.Filter.Prefix) > pl.Shape.Depth() {
			return nil, fmt.Errorf("plan %s: filter %q deeper than shape", pl.Shape, pl.Filter)
		}
	}

	start := time.Now()
	works, err := p.g.WorksOf(entity, root)
	if err != nil {
		return nil, err
	}

	r := &run{p: p, memo: make(map[memoKey][]uint32)}
	counts := make([]int, len(plans))
	var rec Record
	for _, w := range works {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		citing, err := p.g.CitingWorks(w)
		if err != nil {
			return counts, err
		}
		for _, c := range citing {
			rec = Record{Source: w, Citing: c}
			for i := range plans {
				n, err := r.expand(&plans[i], &rec, 0)
				counts[i] += n
				if err != nil {
					return counts, err
				}
			}
		}
	}

	p.logger.Debug("produced records",
		"entity", entity.String(),
		"root", root,
		"works", len(works),
		"plans", len(plans),
		"records", counts,
		"duration", time.Since(start))
	return counts, nil
}

// EstimateLinks counts the citation links under root. Partitioning uses it to
// choose the spill path before any record is produced.
func (p *Producer) EstimateLinks(ctx context.Context, entity shape.EntityType, root uint32) (int, error) {
	works, err := p.g.WorksOf(entity, root)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range works {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		citing, err := p.g.CitingWorks(w)
		if err != nil {
			return n, err
		}
		n += len(citing)
	}
	return n, nil
}

type memoKey struct {
	dim  shape.DimensionKind
	work uint32
}

// run holds per-call state so a Producer stays safe for concurrent use.
type run struct {
	p    *Producer
	memo map[memoKey][]uint32
}

func (r *run) values(dim shape.DimensionKind, work uint32) ([]uint32, error) {
	k := memoKey{dim: dim, work: work}
	if v, ok := r.memo[k]; ok {
		return v, nil
	}
	vals, err := r.p.g.Attributes(dim, work)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		vals = unknownOnly
	}
	if len(r.memo) >= r.p.memoLimit {
		clear(r.memo)
	}
	r.memo[k] = vals
	return vals, nil
}

func (r *run) expand(pl *Plan, rec *Record, level int) (int, error) {
	if level == pl.Shape.Depth() {
		return 1, pl.Sink(*rec)
	}
	l := pl.Shape.Levels[level]
	basis := l.Basis()
	work := rec.Citing
	if basis.SourceSide() {
		work = rec.Source
	}
	vals, err := r.values(l.Dim, work)
	if err != nil {
		return 0, err
	}
	if basis.FirstOnly() && len(vals) > 1 {
		vals = vals[:1]
	}

	n := 0
	for _, v := range vals {
		if !pl.Filter.Allows(level, v) {
			continue
		}
		rec.Dims[level] = v
		k, err := r.expand(pl, rec, level+1)
		n += k
		if err != nil {
			return n, err
		}
	}
	rec.Dims[level] = 0
	return n, nil
}
