package prune

import "container/heap"

// TopK keeps the k highest ranked items seen so far. less orders items from
// lowest to highest rank; once full, pushing an item that does not outrank
// the current minimum drops it.
type TopK[T any] struct {
	k     int
	less  func(a, b T) bool
	items []T
}

func NewTopK[T any](k int, less func(a, b T) bool) *TopK[T] {
	return &TopK[T]{k: k, less: less, items: make([]T, 0, k)}
}

func (t *TopK[T]) Len() int           { return len(t.items) }
func (t *TopK[T]) Less(i, j int) bool { return t.less(t.items[i], t.items[j]) }
func (t *TopK[T]) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *TopK[T]) Push(x any)         { t.items = append(t.items, x.(T)) }

func (t *TopK[T]) Pop() any {
	old := t.items
	x := old[len(old)-1]
	t.items = old[:len(old)-1]
	return x
}

// Offer considers one item.
func (t *TopK[T]) Offer(x T) {
	if t.k <= 0 {
		return
	}
	if len(t.items) < t.k {
		heap.Push(t, x)
		return
	}
	if t.less(t.items[0], x) {
		t.items[0] = x
		heap.Fix(t, 0)
	}
}

// Items returns the kept items in no particular order.
func (t *TopK[T]) Items() []T { return t.items }
