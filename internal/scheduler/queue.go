package scheduler

import (
	"container/heap"
	"time"

	"github.com/azos-dev/azos/internal/models"
)

// entry is one queued task. seq breaks ties between tasks submitted in
// the same instant so ordering stays deterministic.
type entry struct {
	task      *models.Task
	rank      int
	submitted time.Time
	seq       uint64
	index     int
}

// taskHeap orders entries by priority rank, then submission time, then
// submission sequence.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	if !h[i].submitted.Equal(h[j].submitted) {
		return h[i].submitted.Before(h[j].submitted)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *taskHeap) push(e *entry) { heap.Push(h, e) }

func (h *taskHeap) pop() *entry {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*entry)
}
