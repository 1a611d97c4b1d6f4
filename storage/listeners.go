package storage

import (
	"context"
	"sync"

	"carchat/dispatch"
	"carchat/models"
)

// listenerHub fans message events out to per-conversation subscribers.
// Each subscriber owns an unbounded queue drained by its own goroutine, so a
// slow callback never blocks writers and events arrive in publish order.
type listenerHub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

type subscription struct {
	topic string
	fn    func(models.MessageEvent)
	gate  dispatch.Gate

	mu      sync.Mutex
	queue   []models.MessageEvent
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newListenerHub() *listenerHub {
	return &listenerHub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *listenerHub) subscribe(ctx context.Context, topic string, fn func(models.MessageEvent)) func() {
	sub := &subscription{
		topic: topic,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		return func() {}
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		sub.run(ctx)
		h.remove(sub)
	}()

	return func() {
		h.remove(sub)
		sub.stop()
	}
}

func (h *listenerHub) publish(topic string, event models.MessageEvent) {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs[topic]))
	for sub := range h.subs[topic] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(event)
	}
}

func (h *listenerHub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, sub.topic)
		}
	}
}

func (h *listenerHub) closeAll() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, subs := range all {
		for sub := range subs {
			sub.stop()
		}
	}
}

func (s *subscription) enqueue(event models.MessageEvent) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
	// Outside once so a callback stopping itself never waits on a concurrent stop.
	s.gate.Close()
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for s.deliverNext() {
		}
	}
}

// deliverNext runs the callback for the oldest queued event. It reports false
// when the queue is empty or the subscription has stopped.
func (s *subscription) deliverNext() bool {
	if !s.gate.Enter() {
		return false
	}
	defer s.gate.Leave()

	s.mu.Lock()
	if s.stopped || len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	event := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.fn(event)
	return true
}
