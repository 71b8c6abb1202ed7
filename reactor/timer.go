package reactor

import "time"

// delayedWork is one push_work closure waiting for its deadline. Equal
// deadlines break ties by enqueue order (seq), matching the ordering
// guarantee that delayed closures with equal deadlines run in enqueue order.
type delayedWork struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// timerHeap is a container/heap min-heap ordered by (deadline, seq).
type timerHeap []*delayedWork

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	item := x.(*delayedWork)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
