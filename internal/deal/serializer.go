package deal

import (
	"context"
	"sync"
)

// Serializer runs submissions for the same key one at a time, in the order
// they arrived. Different keys never wait on each other.
type Serializer struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	pending []func()
	running bool
}

func NewSerializer() *Serializer {
	return &Serializer{queues: make(map[string]*queue)}
}

// Do enqueues fn behind earlier submissions for key and waits for its result.
// If ctx ends first Do returns ctx.Err(); fn still runs later with the same
// ctx and is expected to notice the cancellation.
func (s *Serializer) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	s.mu.Lock()
	if s.queues == nil {
		s.queues = make(map[string]*queue)
	}
	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
	}
	q.pending = append(q.pending, func() { done <- fn(ctx) })
	start := !q.running
	q.running = true
	s.mu.Unlock()

	if start {
		go s.drain(key, q)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of submissions waiting or running for key.
func (s *Serializer) Depth(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		return 0
	}
	n := len(q.pending)
	if q.running {
		n++
	}
	return n
}

func (s *Serializer) drain(key string, q *queue) {
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		s.mu.Unlock()
		job()
	}
}
