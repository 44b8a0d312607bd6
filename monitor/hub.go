package monitor

import "sync"

// Hub is an in-process [ActivityObserver]. Publishers call Publish; every
// subscriber receives the signal synchronously.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Signal)
}

// NewHub creates an empty [Hub].
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Signal))}
}

func (h *Hub) Subscribe(fn func(Signal)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(s Signal) {
	h.mu.RLock()
	fns := make([]func(Signal), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
