package concurrent

// taskQueue is a bounded FIFO of tasks. Storage grows on demand up to
// capacity, so the default unbounded capacity (math.MaxInt32) costs nothing
// until tasks actually back up. Not safe for concurrent use; the executor
// guards it with its own mutex.
type taskQueue struct {
	items    []Task
	head     int // next read position
	capacity int
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{capacity: capacity}
}

// offer appends task unless the queue is at capacity.
func (q *taskQueue) offer(task Task) bool {
	if q.len() >= q.capacity {
		return false
	}
	if q.head > 0 && q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.items = append(q.items, task)
	return true
}

// poll removes the oldest task.
func (q *taskQueue) poll() (Task, bool) {
	if q.len() == 0 {
		return nil, false
	}
	task := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return task, true
}

// drain removes and returns every queued task in FIFO order.
func (q *taskQueue) drain() []Task {
	if q.len() == 0 {
		return nil
	}
	out := make([]Task, q.len())
	copy(out, q.items[q.head:])
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}

func (q *taskQueue) len() int {
	return len(q.items) - q.head
}

func (q *taskQueue) remaining() int {
	return q.capacity - q.len()
}
