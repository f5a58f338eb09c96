package codec

import (
	"strconv"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/fold"
)

// Project converts a collapsed tree of the given depth to its JSON form.
func Project(n *fold.Node, depth int) *api.Tree {
	t := &api.Tree{
		LinkCount:      n.LinkCount,
		SourceCount:    n.SourceCount,
		TopSourceID:    n.TopSource,
		TopSourceLinks: n.TopSourceLinks,
	}
	if depth == 0 || n.IsLeaf() {
		t.Kind = api.KindLeaf
		return t
	}
	t.Kind = api.KindInternal
	t.Children = make(map[string]*api.Tree, len(n.Children))
	for id, c := range n.Children {
		t.Children[strconv.FormatUint(uint64(id), 10)] = Project(c, depth-1)
	}
	return t
}

// ChildIDs collects the dimension values present at each level of t, used
// to build the label and baseline side tables.
func ChildIDs(t *api.Tree, depth int) []map[uint32]struct{} {
	levels := make([]map[uint32]struct{}, depth)
	for i := range levels {
		levels[i] = make(map[uint32]struct{})
	}
	var walk func(t *api.Tree, level int)
	walk = func(t *api.Tree, level int) {
		if level >= depth {
			return
		}
		for key, c := range t.Children {
			id, err := strconv.ParseUint(key, 10, 32)
			if err != nil {
				continue
			}
			levels[level][uint32(id)] = struct{}{}
			walk(c, level+1)
		}
	}
	walk(t, 0)
	return levels
}
