package prune

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var twoLevel = &shape.Shape{ID: "sc", Entity: shape.EntityInstitution, Levels: []shape.Level{
	{Dim: shape.DimSubfield, Combine: shape.Disjunctive},
	{Dim: shape.DimCountry, Combine: shape.Intersecting, NormIndex: 0},
}}

func leaf(links uint32) *fold.Node {
	return &fold.Node{Aggregate: fold.Aggregate{LinkCount: links, SourceCount: 1, TopSourceLinks: links}}
}

func wide(children int, rng *rand.Rand) *fold.Node {
	n := &fold.Node{Children: make(map[uint32]*fold.Node)}
	for i := 0; i < children; i++ {
		links := uint32(1 + rng.Intn(100))
		n.Children[uint32(i)] = leaf(links)
		n.LinkCount += links
	}
	return n
}

func TestTopK(t *testing.T) {
	tk := NewTopK(3, func(a, b int) bool { return a < b })
	for _, v := range []int{5, 1, 9, 3, 7, 2} {
		tk.Offer(v)
	}
	got := append([]int(nil), tk.Items()...)
	sort.Ints(got)
	assert.Equal(t, []int{5, 7, 9}, got)

	zero := NewTopK(0, func(a, b int) bool { return a < b })
	zero.Offer(1)
	assert.Empty(t, zero.Items())
}

func TestPrune_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	root := &fold.Node{Children: make(map[uint32]*fold.Node)}
	for sf := uint32(0); sf < 50; sf++ {
		c := wide(60, rng)
		root.Children[sf] = c
		root.LinkCount += c.LinkCount
	}

	base := graph.NewBaselineTable()
	for v := uint32(0); v < 60; v++ {
		base.Set(shape.EntityAny, shape.DimCountry, shape.BasisCiting, v, 0.001+float64(v)/100)
	}
	pruned := Prune(root, twoLevel, base)

	var check func(in, out *fold.Node)
	check = func(in, out *fold.Node) {
		assert.Equal(t, in.Aggregate, out.Aggregate)
		if in.IsLeaf() {
			assert.True(t, out.IsLeaf())
			return
		}
		assert.LessOrEqual(t, len(out.Children), DefaultByLinks+DefaultBySpecificity)
		assert.GreaterOrEqual(t, len(out.Children), min(len(in.Children), DefaultByLinks))

		var bestID, best uint32
		for _, id := range in.ChildIDs() {
			if in.Children[id].LinkCount > best {
				bestID, best = id, in.Children[id].LinkCount
			}
		}
		assert.Contains(t, out.Children, bestID, "keeps the highest-weight child")
		for id, c := range out.Children {
			require.Contains(t, in.Children, id, "never introduces children")
			check(in.Children[id], c)
		}
	}
	check(root, pruned)
	assert.Len(t, root.Children, 50, "input is not modified")
}

func TestPrune_SpecificityKeepsRareChildren(t *testing.T) {
	// Child 99 is small but far above its baseline share.
	n := &fold.Node{Children: make(map[uint32]*fold.Node)}
	for i := uint32(0); i < 40; i++ {
		n.Children[i] = leaf(100)
		n.LinkCount += 100
	}
	n.Children[99] = leaf(5)
	n.LinkCount += 5

	sh := &shape.Shape{ID: "c", Entity: shape.EntityInstitution, Levels: []shape.Level{{Dim: shape.DimCountry}}}
	base := graph.NewBaselineTable()
	for i := uint32(0); i < 40; i++ {
		base.Set(shape.EntityInstitution, shape.DimCountry, shape.BasisCitingFirst, i, 0.5)
	}
	base.Set(shape.EntityInstitution, shape.DimCountry, shape.BasisCitingFirst, 99, 0.0001)

	out := Prune(n, sh, base)
	assert.Contains(t, out.Children, uint32(99))
	// Equal specificity ties go to low ids, which the link ranking already kept.
	assert.Len(t, out.Children, 17)

	// Without baselines only the link ranking applies; ties go to low ids.
	out = Prune(n, sh, nil)
	assert.NotContains(t, out.Children, uint32(99))
	assert.Len(t, out.Children, 16)
	for i := uint32(0); i < 16; i++ {
		assert.Contains(t, out.Children, i)
	}
}

func TestPrune_NormIndexUsesAncestor(t *testing.T) {
	sh := &shape.Shape{ID: "x", Entity: shape.EntityInstitution, Levels: []shape.Level{
		{Dim: shape.DimSubfield},
		{Dim: shape.DimCountry, NormIndex: 0},
	}}
	p := New(sh, nil)
	base := graph.NewBaselineTable()
	base.Set(shape.EntityInstitution, shape.DimCountry, shape.BasisCitingFirst, 7, 0.5)
	p.base = base

	// Share of 10 links against a root of 100 is 0.1; against 0.5 baseline, 0.2.
	assert.InDelta(t, 0.2, p.specificity(sh.Levels[1], 7, 10, 100), 1e-9)
	assert.Zero(t, p.specificity(sh.Levels[1], 8, 10, 100), "missing baseline")
	assert.Zero(t, p.specificity(sh.Levels[1], 7, 10, 0), "empty denominator")
}

func TestPrune_LimitsAndEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	sh := &shape.Shape{ID: "c", Entity: shape.EntityInstitution, Levels: []shape.Level{{Dim: shape.DimCountry}}}
	out := New(sh, nil).WithLimits(2, 0).Prune(wide(10, rng))
	assert.Len(t, out.Children, 2)

	empty := &fold.Node{Children: map[uint32]*fold.Node{}}
	out = Prune(empty, sh, nil)
	assert.NotNil(t, out.Children)
	assert.Empty(t, out.Children)
}
