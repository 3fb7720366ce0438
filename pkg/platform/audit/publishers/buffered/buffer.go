package buffered

import (
	"sync"

	audit "audittrail/pkg/platform/audit"
)

// RingBuffer is a bounded, thread-safe FIFO of records. When full, the
// oldest record is dropped to make room.
type RingBuffer struct {
	mu       sync.Mutex
	records  []audit.Record
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 10000
	}
	return &RingBuffer{
		records:  make([]audit.Record, capacity),
		capacity: capacity,
	}
}

// Enqueue adds rec, dropping the oldest record if necessary. It reports
// whether a record was dropped.
func (b *RingBuffer) Enqueue(rec audit.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if b.count >= b.capacity {
		b.records[b.tail] = audit.Record{}
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		dropped = true
	}

	b.records[b.head] = rec
	b.head = (b.head + 1) % b.capacity
	b.count++
	return dropped
}

// DequeueBatch removes up to n records, oldest first.
func (b *RingBuffer) DequeueBatch(n int) []audit.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || n <= 0 {
		return nil
	}
	n = min(n, b.count)

	out := make([]audit.Record, n)
	for i := range n {
		out[i] = b.records[b.tail]
		b.records[b.tail] = audit.Record{}
		b.tail = (b.tail + 1) % b.capacity
	}
	b.count -= n
	return out
}

// Len returns the number of buffered records.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Dropped returns how many records were discarded because the buffer was full.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
