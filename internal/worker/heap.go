package worker

import (
	"container/heap"
	"time"
)

// Client is anything a Worker schedules: a mountpoint's producer tick or a
// single listener's tick (SPEC_FULL.md §5, §9: "cooperative scheduling via
// schedule_ms"). Tick returns the delay until the next run; a client that
// returns done=true is dropped from the worker without being rescheduled
// (its owner has already released it).
type Client interface {
	ID() string
	Tick(now time.Time) (next time.Duration, done bool)
}

// scheduled is one heap entry: a client and the time it is next due.
// Adapted from the retrieved corpus's BufferQueue (pkg/sendspin/scheduler.go),
// generalized from ordering audio.Buffer by PlayAt to ordering Client by
// scheduleAt.
type scheduled struct {
	client    Client
	scheduleAt time.Time
	index     int
}

type clientHeap []*scheduled

func (h clientHeap) Len() int { return len(h) }

func (h clientHeap) Less(i, j int) bool {
	return h[i].scheduleAt.Before(h[j].scheduleAt)
}

func (h clientHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *clientHeap) Push(x interface{}) {
	item := x.(*scheduled)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *clientHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

var _ heap.Interface = (*clientHeap)(nil)
