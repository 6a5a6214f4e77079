package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	shakeState    map[string]int64
	errorCode     map[string]int64
	gauges        map[string]float64
	settleLatency SettleLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type SettleLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	ShakeTotals     map[string]int64        `json:"shake_totals"`
	ErrorCodes      map[string]int64        `json:"error_codes"`
	Gauges          map[string]float64      `json:"gauges"`
	SettleLatencyMS SettleLatencyStat       `json:"settle_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		shakeState: map[string]int64{},
		errorCode:  map[string]int64{},
		gauges:     map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) AddShakeState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.shakeState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncShakeState(state string) {
	r.AddShakeState(state, 1)
}

func (r *Registry) IncErrorCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

func (r *Registry) ObserveSettleLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleLatency.Count++
	r.settleLatency.TotalMS += ms
	r.settleLatency.LastMS = ms
	if ms > r.settleLatency.MaxMS {
		r.settleLatency.MaxMS = ms
	}
	r.settleLatency.AvgMS = float64(r.settleLatency.TotalMS) / float64(r.settleLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		ShakeTotals:     make(map[string]int64, len(r.shakeState)),
		ErrorCodes:      make(map[string]int64, len(r.errorCode)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		SettleLatencyMS: r.settleLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.shakeState {
		out.ShakeTotals[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP clawshake_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE clawshake_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "clawshake_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP clawshake_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE clawshake_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "clawshake_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP clawshake_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE clawshake_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "clawshake_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP clawshake_shake_total shake transitions by state\n")
		b.WriteString("# TYPE clawshake_shake_total counter\n")
		for _, state := range SortedKeys(snap.ShakeTotals) {
			fmt.Fprintf(b, "clawshake_shake_total{state=%q} %d\n", state, snap.ShakeTotals[state])
		}
		b.WriteString("# HELP clawshake_error_total engine failures by code\n")
		b.WriteString("# TYPE clawshake_error_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "clawshake_error_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP clawshake_gauge operational gauge metrics\n")
		b.WriteString("# TYPE clawshake_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "clawshake_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP clawshake_settle_latency_ms settlement latency in ms\n")
		b.WriteString("# TYPE clawshake_settle_latency_ms gauge\n")
		fmt.Fprintf(b, "clawshake_settle_latency_ms{stat=%q} %d\n", "last", snap.SettleLatencyMS.LastMS)
		fmt.Fprintf(b, "clawshake_settle_latency_ms{stat=%q} %.3f\n", "avg", snap.SettleLatencyMS.AvgMS)
		fmt.Fprintf(b, "clawshake_settle_latency_ms{stat=%q} %d\n", "max", snap.SettleLatencyMS.MaxMS)
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
