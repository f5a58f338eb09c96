// Package prune trims collapsed trees for display. Each node keeps its
// largest children by link count plus the children most over-represented
// relative to the corpus-wide baseline.
package prune

import (
	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
)

const (
	DefaultByLinks       = 16
	DefaultBySpecificity = 16
)

// Pruner prunes trees of one breakdown shape.
type Pruner struct {
	shape         *shape.Shape
	base          graph.Baselines
	byLinks       int
	bySpecificity int
}

// New returns a pruner with the default limits. base may be nil, in which
// case every specificity is zero.
func New(sh *shape.Shape, base graph.Baselines) *Pruner {
	return &Pruner{shape: sh, base: base, byLinks: DefaultByLinks, bySpecificity: DefaultBySpecificity}
}

// WithLimits overrides the per-node child limits.
func (p *Pruner) WithLimits(byLinks, bySpecificity int) *Pruner {
	p.byLinks, p.bySpecificity = byLinks, bySpecificity
	return p
}

// Prune is shorthand for New(sh, base).Prune(root).
func Prune(root *fold.Node, sh *shape.Shape, base graph.Baselines) *fold.Node {
	return New(sh, base).Prune(root)
}

// Prune returns a pruned copy of root. The input is not modified and
// retained source lists are not copied.
func (p *Pruner) Prune(root *fold.Node) *fold.Node {
	ancestors := make([]uint32, 0, p.shape.Depth()+1)
	return p.prune(root, 0, ancestors)
}

type ranked struct {
	id          uint32
	links       uint32
	specificity float64
}

// Lower ids rank higher on ties.
func byLinks(a, b ranked) bool {
	if a.links != b.links {
		return a.links < b.links
	}
	return a.id > b.id
}

func bySpecificity(a, b ranked) bool {
	if a.specificity != b.specificity {
		return a.specificity < b.specificity
	}
	return a.id > b.id
}

func (p *Pruner) prune(n *fold.Node, depth int, ancestors []uint32) *fold.Node {
	out := &fold.Node{Aggregate: n.Aggregate}
	if n.IsLeaf() {
		return out
	}
	out.Children = make(map[uint32]*fold.Node)
	if len(n.Children) == 0 {
		return out
	}

	ancestors = append(ancestors, n.LinkCount)
	level := p.shape.Levels[depth]
	denom := ancestors[level.NormIndex]

	top := NewTopK(p.byLinks, byLinks)
	special := NewTopK(p.bySpecificity, bySpecificity)
	for id, c := range n.Children {
		r := ranked{id: id, links: c.LinkCount, specificity: p.specificity(level, id, c.LinkCount, denom)}
		top.Offer(r)
		special.Offer(r)
	}

	for _, items := range [][]ranked{top.Items(), special.Items()} {
		for _, r := range items {
			if _, done := out.Children[r.id]; !done {
				out.Children[r.id] = p.prune(n.Children[r.id], depth+1, ancestors)
			}
		}
	}
	return out
}

func (p *Pruner) specificity(level shape.Level, id, links, denom uint32) float64 {
	if p.base == nil || denom == 0 {
		return 0
	}
	b, ok := p.base.Baseline(p.shape.Entity, level.Dim, level.Basis(), id)
	if !ok || b <= 0 {
		return 0
	}
	return (float64(links) / float64(denom)) / b
}
