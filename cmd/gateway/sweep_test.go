package main

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestRefundSweepSettlesExpiredShakes(t *testing.T) {
	t.Setenv("REFUND_SWEEP_INTERVAL", "10ms")
	s, h := newTestServer(t)
	fund(t, h, "alice", 500)

	ctx := context.Background()
	shake, err := s.Engine.Create(ctx, "alice", 500, 50*time.Millisecond, []byte("task"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.refundExpiredLoop(loopCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Engine.Get(ctx, shake.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == "REFUNDED" {
			if bal := s.Ledger.Balance("alice"); bal != 500 {
				t.Fatalf("alice balance = %d, want 500", bal)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper never refunded the expired shake")
}

func TestSweepIgnoresUnexpiredShakes(t *testing.T) {
	t.Setenv("REFUND_SWEEP_INTERVAL", "10ms")
	s, h := newTestServer(t)
	fund(t, h, "alice", 500)
	rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{
		"amount": 500, "deadline_seconds": 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	go s.refundExpiredLoop(loopCtx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	got, err := s.Engine.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "PENDING" {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
}
