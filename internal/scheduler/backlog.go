package scheduler

import (
	"container/heap"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Backlog ────────────────────────────────────────────────────────────────
// Priority-ordered backlog of pending tasks. Binary heap keyed by
// (priority descending, submission sequence ascending), so ties within a
// priority band dequeue FIFO. Retried tasks keep their original sequence
// but carry a NotBefore gate for backoff.

// backlogItem wraps a task with scheduling metadata.
type backlogItem struct {
	task *domain.Task
	seq  uint64
	// NotBefore gates retried tasks until their backoff elapses.
	notBefore time.Time
	// excluded lists nodes that already failed this task.
	excluded map[string]bool
	index    int
	removed  bool
}

type backlogHeap []*backlogItem

func (h backlogHeap) Len() int { return len(h) }

func (h backlogHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h backlogHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *backlogHeap) Push(x any) {
	item := x.(*backlogItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *backlogHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// backlog is not safe for concurrent use; the Scheduler serializes access.
type backlog struct {
	heap    backlogHeap
	byID    map[string]*backlogItem
	nextSeq uint64
}

func newBacklog() *backlog {
	return &backlog{byID: make(map[string]*backlogItem)}
}

// push inserts a task, assigning the next submission sequence.
func (b *backlog) push(t *domain.Task, notBefore time.Time, excluded map[string]bool) *backlogItem {
	if excluded == nil {
		excluded = make(map[string]bool)
	}
	item := &backlogItem{task: t, seq: b.nextSeq, notBefore: notBefore, excluded: excluded}
	b.nextSeq++
	heap.Push(&b.heap, item)
	b.byID[t.ID] = item
	return item
}

// requeue re-inserts a previously popped item, preserving its sequence.
func (b *backlog) requeue(item *backlogItem) {
	item.removed = false
	heap.Push(&b.heap, item)
	b.byID[item.task.ID] = item
}

// pop removes and returns the highest-priority item, skipping nothing:
// eligibility (notBefore) is the caller's concern because a gated item
// must not block lower-priority eligible work behind it.
func (b *backlog) pop() *backlogItem {
	for b.heap.Len() > 0 {
		item := heap.Pop(&b.heap).(*backlogItem)
		if item.removed {
			continue
		}
		delete(b.byID, item.task.ID)
		return item
	}
	return nil
}

// remove lazily deletes a task from the backlog. Returns false if the
// task is not queued.
func (b *backlog) remove(taskID string) bool {
	item, ok := b.byID[taskID]
	if !ok {
		return false
	}
	item.removed = true
	delete(b.byID, taskID)
	return true
}

// contains reports whether the task is queued.
func (b *backlog) contains(taskID string) bool {
	_, ok := b.byID[taskID]
	return ok
}

// depth returns the number of queued tasks.
func (b *backlog) depth() int {
	return len(b.byID)
}
