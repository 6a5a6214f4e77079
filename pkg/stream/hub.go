package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/star-ga/clawshake/pkg/models"
)

// Event is the websocket envelope for one committed shake transition.
type Event struct {
	Type       string             `json:"type"`
	At         time.Time          `json:"at"`
	Shake      *models.Shake      `json:"shake,omitempty"`
	Settlement *models.Settlement `json:"settlement,omitempty"`
}

// Ready is the greeting sent when a subscriber attaches.
func Ready() Event {
	return Event{Type: "ready", At: time.Now().UTC()}
}

// Transition wraps a committed engine transition for fan-out.
func Transition(op string, shake models.Shake, settle *models.Settlement) Event {
	return Event{Type: op, At: time.Now().UTC(), Shake: &shake, Settlement: settle}
}

// Subscription drains hub events from C until Close.
type Subscription struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches from the hub and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Hub fans committed transitions out to live subscribers. Publishing never
// blocks: a subscriber with a full buffer loses the event and the hub counts
// the drop.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
