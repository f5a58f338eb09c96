package fold

// Merge combines two trees of the same shape disjunctively: link counts add,
// children are unioned and matching children merge recursively. The result
// shares nothing with its inputs.
//
// Both trees must carry retained sources (see RetainSources) for source
// counts and top sources to be exact. Without them the source count is the
// sum of both sides, capped at the link count, and the larger top source wins.
func Merge(a, b *Node) *Node {
	out := &Node{}
	if exact(a) && exact(b) {
		out.Sources = addSources(a.Sources, b.Sources)
		out.Aggregate = aggregate(out.Sources)
	} else {
		out.Aggregate = approximate(a.Aggregate, b.Aggregate)
	}

	if a.IsLeaf() && b.IsLeaf() {
		return out
	}
	out.Children = make(map[uint32]*Node, max(len(a.Children), len(b.Children)))
	for id, ac := range a.Children {
		if bc, ok := b.Children[id]; ok {
			out.Children[id] = Merge(ac, bc)
		} else {
			out.Children[id] = Clone(ac)
		}
	}
	for id, bc := range b.Children {
		if _, ok := a.Children[id]; !ok {
			out.Children[id] = Clone(bc)
		}
	}
	return out
}

// Clone deep-copies n, including retained sources.
func Clone(n *Node) *Node {
	out := &Node{Aggregate: n.Aggregate}
	if n.Sources != nil {
		out.Sources = append([]SourceLinks(nil), n.Sources...)
	}
	if n.Children != nil {
		out.Children = make(map[uint32]*Node, len(n.Children))
		for id, c := range n.Children {
			out.Children[id] = Clone(c)
		}
	}
	return out
}

func exact(n *Node) bool { return n.Sources != nil || n.LinkCount == 0 }

func addSources(a, b []SourceLinks) []SourceLinks {
	out := make([]SourceLinks, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Source < b[j].Source:
			out = append(out, a[i])
			i++
		case a[i].Source > b[j].Source:
			out = append(out, b[j])
			j++
		default:
			out = append(out, SourceLinks{Source: a[i].Source, Links: addCount(a[i].Links, b[j].Links)})
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func approximate(a, b Aggregate) Aggregate {
	out := Aggregate{
		LinkCount:   addCount(a.LinkCount, b.LinkCount),
		SourceCount: addCount(a.SourceCount, b.SourceCount),
	}
	out.SourceCount = min(out.SourceCount, out.LinkCount)
	out.TopSource, out.TopSourceLinks = a.TopSource, a.TopSourceLinks
	if b.TopSourceLinks > a.TopSourceLinks || (b.TopSourceLinks == a.TopSourceLinks && b.TopSource < a.TopSource) {
		out.TopSource, out.TopSourceLinks = b.TopSource, b.TopSourceLinks
	}
	return out
}
