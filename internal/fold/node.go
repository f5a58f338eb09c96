package fold

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrCountOverflow is the panic value when a 32-bit count would wrap.
var ErrCountOverflow = errors.New("fold: count overflow")

// Aggregate is the collapsed summary of the links under one node.
type Aggregate struct {
	LinkCount      uint32
	SourceCount    uint32
	TopSource      uint32
	TopSourceLinks uint32
}

// SourceLinks is the link count of one source work.
type SourceLinks struct {
	Source uint32
	Links  uint32
}

// Node is a collapsed tree node. Children is nil at full depth.
//
// Sources is only populated when the engine retains per-source counts for
// period merging; Strip removes it before a tree is published.
type Node struct {
	Aggregate
	Children map[uint32]*Node
	Sources  []SourceLinks
}

// IsLeaf reports whether n sits at full depth.
func (n *Node) IsLeaf() bool { return n.Children == nil }

// ChildIDs returns the child dimension ids in ascending order.
func (n *Node) ChildIDs() []uint32 {
	ids := make([]uint32, 0, len(n.Children))
	for id := range n.Children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Walk visits n and its descendants depth-first in ascending child id order.
func Walk(n *Node, fn func(depth int, id uint32, n *Node)) {
	var walk func(depth int, id uint32, n *Node)
	walk = func(depth int, id uint32, n *Node) {
		fn(depth, id, n)
		for _, cid := range n.ChildIDs() {
			walk(depth+1, cid, n.Children[cid])
		}
	}
	walk(0, 0, n)
}

// Strip drops retained source lists from n and its descendants.
func Strip(n *Node) {
	if n == nil {
		return
	}
	n.Sources = nil
	for _, c := range n.Children {
		Strip(c)
	}
}

// Equal compares the collapsed fields and child structure of two trees.
// Retained source lists are ignored.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Aggregate != b.Aggregate || a.IsLeaf() != b.IsLeaf() || len(a.Children) != len(b.Children) {
		return false
	}
	for id, ac := range a.Children {
		bc, ok := b.Children[id]
		if !ok || !Equal(ac, bc) {
			return false
		}
	}
	return true
}

func addCount(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		panic(fmt.Errorf("%w: %d + %d", ErrCountOverflow, a, b))
	}
	return a + b
}

// aggregate summarizes a source list sorted by ascending source id. The top
// source is the first seen among those with the most links.
func aggregate(sources []SourceLinks) Aggregate {
	var agg Aggregate
	for _, s := range sources {
		agg.LinkCount = addCount(agg.LinkCount, s.Links)
		if s.Links > agg.TopSourceLinks {
			agg.TopSource = s.Source
			agg.TopSourceLinks = s.Links
		}
	}
	agg.SourceCount = uint32(len(sources))
	return agg
}
