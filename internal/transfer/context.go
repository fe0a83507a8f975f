package transfer

import (
	"sync"
	"time"
)

// ConnectionContext holds the per-connection FIFO of outbound
// SendStreams, the table of in-progress RecvStreams keyed by destination
// path, the device id this socket belongs to, and the last heartbeat
// seen on it.
//
// Every field is guarded by one mutex rather than split per concern: each
// access (the read loop opening and finishing receives, Pump taking and
// advancing the send queue head, other goroutines enqueueing sends or
// checking liveness) is short, so one lock serves them all.
type ConnectionContext struct {
	DeviceID int

	mu            sync.Mutex
	queue         []*SendStream
	recv          map[string]*RecvStream
	lastHeartbeat time.Time

	wake chan struct{}
}

// NewConnectionContext returns a context for a connection already
// associated with deviceID (0 if not yet known).
func NewConnectionContext(deviceID int) *ConnectionContext {
	return &ConnectionContext{
		DeviceID: deviceID,
		recv:     make(map[string]*RecvStream),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends s to the outbound FIFO and wakes a goroutine blocked on
// Notify. Pump (pump.go) blocks on Notify rather than polling, and
// wire.Conn's blocking Write supplies back-pressure: the next stream is
// not dequeued until the previous one's bytes are actually sent.
func (c *ConnectionContext) Enqueue(s *SendStream) {
	c.mu.Lock()
	c.queue = append(c.queue, s)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever Enqueue adds a
// stream, so a sender goroutine can block instead of polling an empty
// queue.
func (c *ConnectionContext) Notify() <-chan struct{} {
	return c.wake
}

// Head returns the stream currently driving the socket, or nil if the
// queue is empty. At most one SendStream drives the socket at a time:
// the queue head.
func (c *ConnectionContext) Head() *SendStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	return c.queue[0]
}

// Advance pops the head once it has sent every byte of its Size,
// exposing the next stream (if any) as the new head.
func (c *ConnectionContext) Advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return
	}
	if !c.queue[0].Done() {
		return
	}
	_ = c.queue[0].Close()
	c.queue = c.queue[1:]
}

// DropHead pops and closes the head stream unconditionally, regardless of
// whether it finished sending. Used when the head stream can no longer
// make progress (e.g. a read error), so it does not wedge the queue.
func (c *ConnectionContext) DropHead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return
	}
	_ = c.queue[0].Close()
	c.queue = c.queue[1:]
}

// QueueLen reports the number of outbound streams still queued,
// including the head.
func (c *ConnectionContext) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// BeginRecv opens a RecvStream for finalAbsPath, or returns
// ErrRecvInProgress if one is already open for that path.
func (c *ConnectionContext) BeginRecv(finalAbsPath string, size uint64) (*RecvStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.recv[finalAbsPath]; ok {
		return nil, ErrRecvInProgress
	}
	rs, err := NewRecvStream(finalAbsPath, size)
	if err != nil {
		return nil, err
	}
	c.recv[finalAbsPath] = rs
	return rs, nil
}

// RecvFor looks up the in-progress RecvStream for finalAbsPath. A data
// frame for an unknown path is a late arrival after an abort and is
// silently dropped by the caller when ok is false.
func (c *ConnectionContext) RecvFor(finalAbsPath string) (rs *RecvStream, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok = c.recv[finalAbsPath]
	return rs, ok
}

// EndRecv drops the bookkeeping entry for finalAbsPath, whether the
// stream completed or was aborted.
func (c *ConnectionContext) EndRecv(finalAbsPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recv, finalAbsPath)
}

// Touch records that a heartbeat (or any traffic establishing liveness)
// was just seen on this connection.
func (c *ConnectionContext) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
}

// LastHeartbeat returns the last time Touch was called.
func (c *ConnectionContext) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Abort closes every open stream (the head's read handle, and every
// pending receive's write handle, leaving their temp files for a future
// sync to evict) without attempting to finish them. Called on disconnect:
// a ConnectionContext does not survive across reconnects.
func (c *ConnectionContext) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.queue {
		_ = s.Close()
	}
	c.queue = nil
	for path, rs := range c.recv {
		_ = rs.Abort()
		delete(c.recv, path)
	}
}
