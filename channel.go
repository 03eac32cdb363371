package imagequeue

import (
	"context"
	"sync"
)

// taskChannel is an unbounded FIFO between many producers and one consumer.
// push never blocks; pop blocks until a task arrives, the channel is closed,
// or ctx is done.
type taskChannel struct {
	mu     sync.Mutex
	items  []*ImageTask
	closed bool
	signal chan struct{} // capacity 1: "items or closed changed"
}

func newTaskChannel() *taskChannel {
	return &taskChannel{signal: make(chan struct{}, 1)}
}

func (c *taskChannel) push(t *ImageTask) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, t)
	c.mu.Unlock()

	c.notify()
	return true
}

func (c *taskChannel) pop(ctx context.Context) (*ImageTask, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrQueueStopped
		}
		if len(c.items) > 0 {
			t := c.items[0]
			c.items[0] = nil
			c.items = c.items[1:]
			c.mu.Unlock()
			return t, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.signal:
		}
	}
}

// close stops the channel and drops any backlog, returning how many tasks
// were discarded.
func (c *taskChannel) close() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	c.closed = true
	dropped := len(c.items)
	c.items = nil
	c.mu.Unlock()

	c.notify()
	return dropped
}

func (c *taskChannel) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *taskChannel) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}
