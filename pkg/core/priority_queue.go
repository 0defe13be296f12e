package core

import "sync"

// Item is anything that can be priority-ordered.
type Item interface {
	Less(Item) bool
}

// PriorityQueue is a mutex-guarded min-heap. The backtest runner uses it to
// merge candles from several pairs into one chronological stream.
type PriorityQueue struct {
	mu     sync.Mutex
	length int
	data   []Item
}

// NewPriorityQueue builds a queue from the given items, heapifying in place.
func NewPriorityQueue(data []Item) *PriorityQueue {
	q := &PriorityQueue{
		data:   data,
		length: len(data),
	}
	for i := q.length >> 1; i >= 0 && q.length > 0; i-- {
		q.down(i)
	}
	return q
}

// Push adds an item.
func (q *PriorityQueue) Push(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.data = append(q.data, item)
	q.length++
	q.up(q.length - 1)
}

// Pop removes and returns the lowest item, or nil when empty.
func (q *PriorityQueue) Pop() Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.length == 0 {
		return nil
	}

	top := q.data[0]
	q.length--
	if q.length > 0 {
		q.data[0] = q.data[q.length]
		q.down(0)
	}
	q.data = q.data[:q.length]
	return top
}

// Peek returns the lowest item without removing it, or nil when empty.
func (q *PriorityQueue) Peek() Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.length == 0 {
		return nil
	}
	return q.data[0]
}

// Len returns the number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.length
}

func (q *PriorityQueue) down(pos int) {
	data := q.data
	half := q.length >> 1
	item := data[pos]

	for pos < half {
		left := (pos << 1) + 1
		right := left + 1

		best, bestPos := data[left], left
		if right < q.length && data[right].Less(best) {
			best, bestPos = data[right], right
		}
		if !best.Less(item) {
			break
		}
		data[pos] = best
		pos = bestPos
	}
	data[pos] = item
}

func (q *PriorityQueue) up(pos int) {
	data := q.data
	item := data[pos]

	for pos > 0 {
		parent := (pos - 1) >> 1
		current := data[parent]
		if !item.Less(current) {
			break
		}
		data[pos] = current
		pos = parent
	}
	data[pos] = item
}
