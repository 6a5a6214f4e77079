package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/star-ga/clawshake/pkg/cache"
	"github.com/star-ga/clawshake/pkg/engine"
	"github.com/star-ga/clawshake/pkg/feepolicy"
	"github.com/star-ga/clawshake/pkg/ledger"
	"github.com/star-ga/clawshake/pkg/metrics"
	"github.com/star-ga/clawshake/pkg/models"
	"github.com/star-ga/clawshake/pkg/ratelimit"
	"github.com/star-ga/clawshake/pkg/reputation"
	"github.com/star-ga/clawshake/pkg/shakestore"
	"github.com/star-ga/clawshake/pkg/stream"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	custody := ledger.NewMemory()
	s := &Server{
		Ledger:              custody,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Cache:               cache.NewMemoryCache(),
		RateLimiter:         ratelimit.NewInMemory(time.Minute),
		RateLimitPerMinute:  100,
		MaxRequestBodyBytes: 1 << 20,
		FaucetEnabled:       true,
		IdempotencyTTL:      time.Minute,
	}
	s.Fees = feepolicy.NewLinear("treasury")
	s.Engine = engine.New(shakestore.NewMemory(), custody, engine.Config{
		DisputeWindow:  48 * time.Hour,
		ProtocolFeeBps: 250,
		Treasury:       "treasury",
	},
		engine.WithFeePolicy(s.Fees),
		engine.WithReputation(reputation.NewMemory()),
		engine.WithNotify(s.onTransition),
	)
	return s, s.routes()
}

func do(t *testing.T, h http.Handler, method, path, principal string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else if method == http.MethodPost {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(principalHeader, principal)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeShake(t *testing.T, rec *httptest.ResponseRecorder) models.Shake {
	t.Helper()
	var s models.Shake
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode shake: %v (body %s)", err, rec.Body.String())
	}
	return s
}

func fund(t *testing.T, h http.Handler, principal string, amount uint64) {
	t.Helper()
	body := map[string]interface{}{"principal": principal, "amount": amount}
	if rec := do(t, h, http.MethodPost, "/v1/dev/mint", "", body); rec.Code != http.StatusOK {
		t.Fatalf("mint: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/v1/dev/approve", "", body); rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	_, h := newTestServer(t)
	fund(t, h, "alice", 10000)

	rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{
		"amount":           10000,
		"deadline_seconds": 3600,
		"task_fingerprint": []byte("task"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	s := decodeShake(t, rec)
	if s.ID != 1 || s.Status != "PENDING" {
		t.Fatalf("created = %+v", s)
	}

	if rec = do(t, h, http.MethodPost, "/v1/shakes/1/accept", "bob", nil); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/v1/shakes/1/deliver", "bob", map[string]interface{}{
		"delivery_fingerprint": []byte("proof"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deliver: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, h, http.MethodPost, "/v1/shakes/1/release", "alice", nil); rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	if s = decodeShake(t, rec); s.Status != "RELEASED" {
		t.Fatalf("status = %s", s.Status)
	}

	rec = do(t, h, http.MethodGet, "/v1/shakes/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/shakes?status=RELEASED", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var wrapper struct {
		Items []models.Shake `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &wrapper); err != nil || len(wrapper.Items) != 1 {
		t.Fatalf("list body = %s err=%v", rec.Body.String(), err)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	_, h := newTestServer(t)
	fund(t, h, "alice", 1000)

	if rec := do(t, h, http.MethodGet, "/v1/shakes/99", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing shake: %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{
		"amount": 0, "deadline_seconds": 3600,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{
		"amount": 1000, "deadline_seconds": 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	do(t, h, http.MethodPost, "/v1/shakes/1/accept", "bob", nil)

	// Wrong principal on deliver.
	rec = do(t, h, http.MethodPost, "/v1/shakes/1/deliver", "carol", map[string]interface{}{})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("deliver by stranger: %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != "NOT_WORKER" {
		t.Fatalf("code = %q err=%v", body.Code, err)
	}

	// State violation maps to conflict.
	if rec = do(t, h, http.MethodPost, "/v1/shakes/1/release", "alice", nil); rec.Code != http.StatusConflict {
		t.Fatalf("premature release: %d", rec.Code)
	}
	// Pull failure maps to bad gateway.
	rec = do(t, h, http.MethodPost, "/v1/shakes", "underfunded", map[string]interface{}{
		"amount": 500, "deadline_seconds": 3600,
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unfunded create: %d", rec.Code)
	}
}

func TestMutationsRequirePrincipal(t *testing.T) {
	_, h := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/v1/shakes", "", map[string]interface{}{"amount": 1}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("create without principal: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/shakes/1/accept", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("accept without principal: %d", rec.Code)
	}
	// Reads stay open.
	if rec := do(t, h, http.MethodGet, "/v1/shakes", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("anonymous list: %d", rec.Code)
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	s, h := newTestServer(t)
	fund(t, h, "alice", 20000)

	body, _ := json.Marshal(map[string]interface{}{"amount": 10000, "deadline_seconds": 3600})
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/shakes", bytes.NewReader(body))
		req.Header.Set(principalHeader, "alice")
		req.Header.Set("X-Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	first := post()
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := post()
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatal("replay header missing")
	}
	if decodeShake(t, second).ID != decodeShake(t, first).ID {
		t.Fatal("replay created a second shake")
	}
	// The replay never re-entered the engine, so only one pull happened.
	custody, err := s.Ledger.CustodyBalance(context.Background())
	if err != nil || custody != 10000 {
		t.Fatalf("custody = %d err=%v, want 10000", custody, err)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	s, h := newTestServer(t)
	s.RateLimitPerMinute = 2
	fund(t, h, "alice", 1000)
	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{"amount": 1, "deadline_seconds": 60})
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled early", i+1)
		}
	}
	rec := do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{"amount": 1, "deadline_seconds": 60})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	_, h := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics/prometheus", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus: %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("clawshake_endpoint_count")) {
		t.Fatalf("prometheus body:\n%s", rec.Body.String())
	}
}

func TestSubtreeEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	fund(t, h, "alice", 10000)
	do(t, h, http.MethodPost, "/v1/shakes", "alice", map[string]interface{}{"amount": 10000, "deadline_seconds": 3600})
	do(t, h, http.MethodPost, "/v1/shakes/1/accept", "bob", nil)
	rec := do(t, h, http.MethodPost, "/v1/shakes/1/children", "bob", map[string]interface{}{
		"amount": 4000, "deadline_seconds": 1800,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("child: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/v1/shakes/1/subtree", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("subtree: %d", rec.Code)
	}
	var view models.SubtreeView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Remaining != 6000 || len(view.Children) != 1 || view.Children[0].Shake.ID != 2 {
		t.Fatalf("view = %+v", view)
	}
}

func TestBadShakeID(t *testing.T) {
	_, h := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/v1/shakes/notanumber", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "42")
	if got := envInt("X_INT", 7); got != 42 {
		t.Fatalf("envInt = %d", got)
	}
	if got := envInt("X_MISSING", 7); got != 7 {
		t.Fatalf("envInt default = %d", got)
	}
	t.Setenv("X_DUR", "90s")
	if got := envDuration("X_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("envDuration = %s", got)
	}
	t.Setenv("X_DUR_SECS", "30")
	if got := envDuration("X_DUR_SECS", time.Minute); got != 30*time.Second {
		t.Fatalf("envDuration seconds = %s", got)
	}
	t.Setenv("X_BOOL", "true")
	if !envBool("X_BOOL") {
		t.Fatal("envBool true")
	}
	if envBool("X_BOOL_MISSING") {
		t.Fatal("envBool missing")
	}
}

func TestUpdateFeesTreasuryOnly(t *testing.T) {
	s, h := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/admin/fees", "mallory", map[string]interface{}{"base_bps": 100})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-treasury update: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/admin/fees", "treasury", map[string]interface{}{"base_bps": 2000})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("above-cap update: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/admin/fees", "treasury", map[string]interface{}{
		"base_bps": 100, "depth_premium_bps": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("treasury update: %d %s", rec.Code, rec.Body.String())
	}
	if got := s.Fees.FeeBps(1000, 2); got != 120 {
		t.Fatalf("bps after update = %d, want 120", got)
	}
}

func TestSettlementEventConversion(t *testing.T) {
	ev := engine.Event{
		Op:    "RELEASE",
		Shake: models.Shake{ID: 3, Status: "RELEASED", Worker: "bob"},
		Settlement: &models.Settlement{
			ShakeID: 3, Status: "RELEASED", WorkerNet: 9750, Fee: 250,
		},
	}
	out := settlementEvent(ev)
	if out.EventID == "" {
		t.Fatal("event id missing")
	}
	if out.ShakeID != 3 || out.WorkerNet != 9750 || out.Fee != 250 || out.Worker != "bob" {
		t.Fatalf("event = %+v", out)
	}
}
