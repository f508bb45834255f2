package concurrency

import (
	"container/heap"
	"fmt"
)

// taskHeap orders tasks by descending priority, then by submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		// Higher priority values come first
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	t, ok := x.(*Task)
	if !ok {
		panic(fmt.Sprintf("taskHeap.Push: unexpected type %T, want *Task", x))
	}
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return t
}

// TaskQueue is the batch dispatch queue. It is owned by a single control loop
// and is not safe for concurrent use.
type TaskQueue struct {
	items taskHeap
	next  int
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Enqueue adds a task. Tasks seen for the first time get a submission sequence
// number; re-enqueued retries keep theirs so they do not lose their FIFO slot.
func (q *TaskQueue) Enqueue(t *Task) {
	if t.seq == 0 {
		q.next++
		t.seq = q.next
	}
	heap.Push(&q.items, t)
}

// Dequeue removes the highest priority task, or returns nil when empty.
func (q *TaskQueue) Dequeue() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Task)
}

// Peek returns the next task without removing it.
func (q *TaskQueue) Peek() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	return len(q.items)
}

// Drain empties the queue and returns its tasks in dispatch order.
func (q *TaskQueue) Drain() []*Task {
	out := make([]*Task, 0, len(q.items))
	for q.Len() > 0 {
		out = append(out, q.Dequeue())
	}
	return out
}
