package scheduler

// readyHeap is a max-heap over ready tasks keyed by (priority desc,
// submission sequence asc). The sequence number doubles as the FIFO
// tie-break and is assigned once at submission.
type readyHeap []*taskState

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}

func (h *readyHeap) Push(x interface{}) {
	ts := x.(*taskState)
	ts.heapIndex = len(*h)
	*h = append(*h, ts)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ts := old[n-1]
	old[n-1] = nil
	ts.heapIndex = -1
	*h = old[:n-1]
	return ts
}
