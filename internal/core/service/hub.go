package service

import (
	"sync"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

// Per-task channel bounds. The event buffer sits between the CPU-bound worker
// and the delivery goroutine; subscriber buffers absorb slow consumers.
const (
	eventBuffer      = 128
	subscriberBuffer = 32
)

// Hub bridges the optimization worker with progress subscribers. The worker
// pushes events into a bounded per-task channel; a single delivery goroutine
// drains it and redistributes to subscribers, so consumer code never runs on
// the worker goroutine and per-task ordering is preserved deterministically.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	log     *zap.Logger
}

type stream struct {
	events chan domain.Event

	mu     sync.Mutex
	subs   []chan domain.Event
	closed bool
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		streams: make(map[string]*stream),
		log:     log,
	}
}

// Open allocates the stream for a task and starts its delivery goroutine.
// Must be called before the worker publishes.
func (h *Hub) Open(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[taskID]; ok {
		return
	}
	s := &stream{events: make(chan domain.Event, eventBuffer)}
	h.streams[taskID] = s
	go h.deliver(taskID, s)
}

// Publish enqueues an event in emission order. Safe to call from the worker
// goroutine; the send blocks only if the delivery goroutine falls an entire
// buffer behind. Publishing a terminal event ends the stream.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.Lock()
	s, ok := h.streams[ev.TaskID]
	h.mu.Unlock()
	if !ok {
		return
	}
	s.events <- ev
	if ev.Terminal() {
		close(s.events)
		h.mu.Lock()
		delete(h.streams, ev.TaskID)
		h.mu.Unlock()
	}
}

// Subscribe attaches a consumer to a task's stream. The returned channel is
// closed after the terminal event; the cancel func detaches early. ok is
// false once the stream has already finished.
func (h *Hub) Subscribe(taskID string) (<-chan domain.Event, func(), bool) {
	h.mu.Lock()
	s, ok := h.streams[taskID]
	h.mu.Unlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan domain.Event, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() { s.detach(ch) }
	return ch, cancel, true
}

// deliver drains the per-task event channel in order and fans out to
// subscribers. Progress deliveries are best-effort: a subscriber whose buffer
// is full is pruned rather than retried, per the bounded-delivery policy.
// Terminal events supersede in-flight progress: if a subscriber's buffer is
// full, queued progress events are discarded to make room.
func (h *Hub) deliver(taskID string, s *stream) {
	for ev := range s.events {
		s.mu.Lock()
		kept := s.subs[:0]
		for _, ch := range s.subs {
			if ev.Terminal() {
				sendSuperseding(ch, ev)
				kept = append(kept, ch)
				continue
			}
			select {
			case ch <- ev:
				kept = append(kept, ch)
			default:
				close(ch)
				h.log.Warn("Pruned slow progress subscriber", zap.String("task_id", taskID))
			}
		}
		s.subs = kept
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
}

// sendSuperseding delivers a terminal event, dropping the subscriber's oldest
// undelivered events until it fits. The delivery goroutine is the only
// sender, so draining here cannot race another send.
func sendSuperseding(ch chan domain.Event, ev domain.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (s *stream) detach(ch chan domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(ch)
			return
		}
	}
}
