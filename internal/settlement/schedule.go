package settlement

import (
	"container/heap"

	"github.com/google/uuid"
)

// expiry is one timer entry. final entries are grace deadlines: the trade
// settles on a fallback price if still no exit tick exists.
type expiry struct {
	at    int64 // ms since epoch
	id    uuid.UUID
	final bool
}

// expiryHeap is a min-heap on at.
type expiryHeap []expiry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiry)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *expiryHeap) push(e expiry) { heap.Push(h, e) }

// popDue removes every entry with at <= now.
func (h *expiryHeap) popDue(now int64) []expiry {
	var due []expiry
	for h.Len() > 0 && (*h)[0].at <= now {
		due = append(due, heap.Pop(h).(expiry))
	}
	return due
}

// next returns the earliest entry time.
func (h expiryHeap) next() (int64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[0].at, true
}
