package rib

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrFamine is returned by Pop when no message arrived within the timeout.
	ErrFamine = errors.New("rib: queue famine")
	// ErrQueueClosed is returned once the queue is closed and drained.
	ErrQueueClosed = errors.New("rib: queue closed")
)

// Queue is the bounded upstream queue. Messages pop in arrival order
// whatever their protocol timestamps; a stop sentinel pops after every data
// message and is never refused for lack of space.
type Queue struct {
	mu       sync.Mutex
	items    messageHeap
	capacity int
	seq      uint64
	closed   bool

	ready chan struct{}
	space chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// Push blocks while the queue is full. Messages without a sequence number
// get the next one.
func (q *Queue) Push(ctx context.Context, m *Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			signal(q.space)
			return ErrQueueClosed
		}
		if m.Kind == KindStop || len(q.items) < q.capacity {
			q.seq++
			if m.Seq == 0 {
				m.Seq = q.seq
			}
			heap.Push(&q.items, m)
			free := len(q.items) < q.capacity
			q.mu.Unlock()
			signal(q.ready)
			if free {
				signal(q.space)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// Pop waits up to timeout for a message. A non-positive timeout waits until
// ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := heap.Pop(&q.items).(*Message)
			left := len(q.items)
			q.mu.Unlock()
			signal(q.space)
			if left > 0 {
				signal(q.ready)
			}
			return m, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			signal(q.ready)
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, ErrFamine
		case <-q.ready:
		}
	}
}

// Close refuses further pushes. Queued messages can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.ready)
	signal(q.space)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if (a.Kind == KindStop) != (b.Kind == KindStop) {
		return b.Kind == KindStop
	}
	return a.Seq < b.Seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
