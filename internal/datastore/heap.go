package datastore

import "container/heap"

// expiryHeap is a min-heap of entries ordered by expiresAt. Entries track
// their own position so Expire and Delete can fix or remove them in place.
type expiryHeap []*entry

var _ heap.Interface = (*expiryHeap)(nil)

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// track schedules e, or moves it after its expiresAt changed.
func (h *expiryHeap) track(e *entry) {
	if e.index >= 0 {
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, e)
}

// untrack drops e from the heap if it is scheduled.
func (h *expiryHeap) untrack(e *entry) {
	if e.index >= 0 {
		heap.Remove(h, e.index)
	}
}

func (h expiryHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
