package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/star-ga/clawshake/pkg/stream"
)

func TestStreamEventsDeliversTransitions(t *testing.T) {
	_, h := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("first event = %s", ready.Type)
	}

	fund(t, h, "alice", 1000)
	rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{
		"amount": 1000, "deadline_seconds": 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "CREATE" {
		t.Fatalf("event type = %s", evt.Type)
	}
	if evt.Shake == nil || evt.Shake.ID != 1 || evt.Shake.Amount != 1000 {
		t.Fatalf("event shake = %+v", evt.Shake)
	}
}

func TestWSOriginPatterns(t *testing.T) {
	if got := wsOriginPatterns(""); got != nil {
		t.Fatalf("empty = %v", got)
	}
	got := wsOriginPatterns(" a.example.com , b.example.com ,")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("patterns = %v", got)
	}
}
