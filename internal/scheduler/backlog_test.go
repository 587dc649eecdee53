package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

func TestBacklog_PriorityOrder(t *testing.T) {
	b := newBacklog()
	b.push(&domain.Task{ID: "low", Priority: 1}, time.Time{}, nil)
	b.push(&domain.Task{ID: "high", Priority: 5}, time.Time{}, nil)
	b.push(&domain.Task{ID: "mid", Priority: 3}, time.Time{}, nil)

	want := []string{"high", "mid", "low"}
	for _, id := range want {
		item := b.pop()
		if item == nil {
			t.Fatalf("pop returned nil, want %s", id)
		}
		if item.task.ID != id {
			t.Errorf("popped %s, want %s", item.task.ID, id)
		}
	}
	if b.pop() != nil {
		t.Error("empty backlog popped an item")
	}
}

func TestBacklog_FIFOWithinPriority(t *testing.T) {
	b := newBacklog()
	for i := 0; i < 5; i++ {
		b.push(&domain.Task{ID: fmt.Sprintf("t%d", i), Priority: 3}, time.Time{}, nil)
	}
	for i := 0; i < 5; i++ {
		item := b.pop()
		want := fmt.Sprintf("t%d", i)
		if item.task.ID != want {
			t.Errorf("popped %s, want %s (submission order)", item.task.ID, want)
		}
	}
}

func TestBacklog_Remove(t *testing.T) {
	b := newBacklog()
	b.push(&domain.Task{ID: "keep", Priority: 3}, time.Time{}, nil)
	b.push(&domain.Task{ID: "drop", Priority: 5}, time.Time{}, nil)

	if !b.remove("drop") {
		t.Fatal("remove returned false for a queued task")
	}
	if b.remove("drop") {
		t.Error("remove returned true twice")
	}
	if b.contains("drop") {
		t.Error("removed task still reported present")
	}

	item := b.pop()
	if item == nil || item.task.ID != "keep" {
		t.Fatalf("pop skipped removal incorrectly: %+v", item)
	}
}

func TestBacklog_RequeueKeepsState(t *testing.T) {
	b := newBacklog()
	b.push(&domain.Task{ID: "t1", Priority: 3}, time.Time{}, nil)

	item := b.pop()
	item.excluded["node-a"] = true
	item.notBefore = time.Now().Add(time.Hour)
	b.requeue(item)

	got := b.pop()
	if got == nil {
		t.Fatal("requeued item not poppable")
	}
	if !got.excluded["node-a"] {
		t.Error("exclusion state lost across requeue")
	}
	if got.notBefore.IsZero() {
		t.Error("backoff gate lost across requeue")
	}
}

func TestBacklog_Depth(t *testing.T) {
	b := newBacklog()
	if b.depth() != 0 {
		t.Fatalf("empty depth = %d", b.depth())
	}
	b.push(&domain.Task{ID: "a", Priority: 1}, time.Time{}, nil)
	b.push(&domain.Task{ID: "b", Priority: 1}, time.Time{}, nil)
	b.remove("a")
	if b.depth() != 1 {
		t.Errorf("depth = %d, want 1 after one removal", b.depth())
	}
}
