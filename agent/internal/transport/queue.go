package transport

// frame is one outbound message. done, when non-nil, is closed once the
// encoded frame has been written to the request body.
type frame struct {
	v    any
	done chan struct{}
}

// queue is the delivery queue: sends made while not connected, in order.
// A positive limit evicts the oldest entry when full.
type queue struct {
	items []frame
	limit int
}

// push appends f and reports whether an older entry was evicted to make room.
func (q *queue) push(f frame) (evicted bool) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items[0] = frame{}
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, f)
	return evicted
}

// drain returns all entries and empties the queue.
func (q *queue) drain() []frame {
	out := q.items
	q.items = nil
	return out
}

func (q *queue) len() int { return len(q.items) }
