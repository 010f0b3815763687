package threadengine

// compactThreshold is the number of consumed slots after which jobQueue will
// consider moving its live elements back to the start of the slice.
const compactThreshold = 64

// jobQueue is an unsynchronized FIFO of jobs. It is always accessed with
// Engine.mu held.
type jobQueue struct {
	items []Job
	head  int
}

func (q *jobQueue) len() int {
	return len(q.items) - q.head
}

func (q *jobQueue) push(job Job) {
	q.items = append(q.items, job)
}

func (q *jobQueue) pop() (Job, bool) {
	if q.head == len(q.items) {
		return nil, false
	}

	job := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return job, true
}

// clear drops every queued job, returning how many there were.
func (q *jobQueue) clear() int {
	n := q.len()
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return n
}
