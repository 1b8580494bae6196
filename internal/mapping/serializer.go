package mapping

import "sync"

// Serializer runs at most one operation per key at a time. Callers queued
// behind an in-flight operation run strictly in arrival order, and a key's
// queue is discarded once drained. This is what turns concurrent
// lookup-or-create requests for the same identity into a critical section.
type Serializer struct {
	mu      sync.Mutex
	pending map[string][]func(done func())
}

func NewSerializer() *Serializer {
	return &Serializer{pending: make(map[string][]func(done func()))}
}

// Do runs op for key, or queues it behind the currently running operation.
// op must call done exactly once when it has finished; the next queued
// operation (if any) runs on the goroutine that called done.
func (s *Serializer) Do(key string, op func(done func())) {
	s.mu.Lock()
	if queue, inFlight := s.pending[key]; inFlight {
		s.pending[key] = append(queue, op)
		s.mu.Unlock()
		return
	}
	s.pending[key] = nil
	s.mu.Unlock()

	op(func() { s.next(key) })
}

func (s *Serializer) next(key string) {
	s.mu.Lock()
	queue := s.pending[key]
	if len(queue) == 0 {
		delete(s.pending, key)
		s.mu.Unlock()
		return
	}
	op := queue[0]
	s.pending[key] = queue[1:]
	s.mu.Unlock()

	op(func() { s.next(key) })
}
