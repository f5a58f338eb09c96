package fold

import (
	"container/heap"

	"github.com/agentic-research/citefold/internal/stream"
)

// recordHeap is a min-heap of records ordered by (dims[:depth], source,
// citing). It owns its backing slice: records are pushed by append and the
// heap is built in place once the partition is complete.
type recordHeap struct {
	recs  []stream.Record
	depth int
}

func (h *recordHeap) Len() int { return len(h.recs) }

func (h *recordHeap) Less(i, j int) bool {
	return stream.Compare(&h.recs[i], &h.recs[j], h.depth) < 0
}

func (h *recordHeap) Swap(i, j int) { h.recs[i], h.recs[j] = h.recs[j], h.recs[i] }

func (h *recordHeap) Push(x any) { h.recs = append(h.recs, x.(stream.Record)) }

func (h *recordHeap) Pop() any {
	old := h.recs
	r := old[len(old)-1]
	h.recs = old[:len(old)-1]
	return r
}

// drain pops every record in ascending order.
func (h *recordHeap) drain(fn func(r *stream.Record) error) error {
	heap.Init(h)
	for h.Len() > 0 {
		r := heap.Pop(h).(stream.Record)
		if err := fn(&r); err != nil {
			return err
		}
	}
	return nil
}
