package server

import "sync"

// job is a unit of work to run on a specific connection's own goroutine:
// a broadcast is queued into each target connection's event loop rather
// than executed on the caller's thread.
type job func(*Connection)

// opQueue is an unbounded FIFO of jobs with the same enqueue-then-wake
// shape as transfer.ConnectionContext's send queue: a caller on another
// connection's goroutine pushes a job, and this connection's own jobLoop
// goroutine wakes, drains, and runs it.
type opQueue struct {
	mu   sync.Mutex
	jobs []job
	wake chan struct{}
}

func newOpQueue() *opQueue {
	return &opQueue{wake: make(chan struct{}, 1)}
}

func (q *opQueue) push(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *opQueue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}
