package stream

import (
	"testing"

	"github.com/star-ga/clawshake/pkg/models"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)
	defer a.Close()
	defer b.Close()

	h.Publish(Transition("RELEASE",
		models.Shake{ID: 1, Status: "RELEASED"},
		&models.Settlement{ShakeID: 1, WorkerNet: 975, Fee: 25}))
	for _, sub := range []*Subscription{a, b} {
		select {
		case evt := <-sub.C():
			if evt.Type != "RELEASE" {
				t.Fatalf("type = %s", evt.Type)
			}
			if evt.Shake == nil || evt.Shake.ID != 1 {
				t.Fatalf("shake = %+v", evt.Shake)
			}
			if evt.Settlement == nil || evt.Settlement.WorkerNet != 975 {
				t.Fatalf("settlement = %+v", evt.Settlement)
			}
		default:
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	defer sub.Close()
	h.Publish(Transition("A", models.Shake{ID: 1}, nil))
	h.Publish(Transition("B", models.Shake{ID: 2}, nil))
	if got := len(sub.ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if evt := <-sub.C(); evt.Type != "A" {
		t.Fatalf("kept event = %s, want A", evt.Type)
	}
	if got := h.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(1)
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel still open after close")
	}
	// Second close must be a no-op.
	sub.Close()
	h.Publish(Transition("X", models.Shake{ID: 3}, nil))
	if got := h.Dropped(); got != 0 {
		t.Fatalf("dropped = %d after detach, want 0", got)
	}
}

func TestReadyEnvelope(t *testing.T) {
	evt := Ready()
	if evt.Type != "ready" || evt.Shake != nil || evt.Settlement != nil {
		t.Fatalf("ready = %+v", evt)
	}
	if evt.At.IsZero() {
		t.Fatal("timestamp missing")
	}
}
