package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/star-ga/clawshake/pkg/cache"
	"github.com/star-ga/clawshake/pkg/engine"
	"github.com/star-ga/clawshake/pkg/feepolicy"
	"github.com/star-ga/clawshake/pkg/ledger"
	"github.com/star-ga/clawshake/pkg/metrics"
	"github.com/star-ga/clawshake/pkg/ratelimit"
	"github.com/star-ga/clawshake/pkg/reputation"
	"github.com/star-ga/clawshake/pkg/shakefsm"
	"github.com/star-ga/clawshake/pkg/shakestore"
	"github.com/star-ga/clawshake/pkg/statebus"
	"github.com/star-ga/clawshake/pkg/stream"
	"github.com/star-ga/clawshake/pkg/telemetry"
)

type Server struct {
	Engine              *engine.Engine
	Fees                *feepolicy.Linear
	Ledger              *ledger.Memory
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Cache               cache.Cache
	Producer            *statebus.Producer
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	FaucetEnabled       bool
	IdempotencyTTL      time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, "clawshake-gateway")
	if err != nil {
		log.Fatalf("telemetry init: %v", err)
	}
	defer func() {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctxShutdown)
	}()

	treasury := strings.TrimSpace(os.Getenv("TREASURY"))
	if treasury == "" {
		treasury = "treasury"
	}
	cfg := engine.Config{
		DisputeWindow:  envDuration("DISPUTE_WINDOW", engine.DefaultDisputeWindow),
		ProtocolFeeBps: uint16(envInt("PROTOCOL_FEE_BPS", feepolicy.DefaultBaseBps)),
		Treasury:       treasury,
	}

	var store shakestore.Store
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STORE"))) {
	case "", "memory":
		store = shakestore.NewMemory()
	case "postgres":
		pool, err := shakestore.NewPostgresPool(ctx)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := shakestore.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = shakestore.NewPostgres(pool)
	default:
		log.Fatalf("unknown STORE %q", os.Getenv("STORE"))
	}

	redisClient, err := cache.NewRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, using in-memory fallbacks: %v", err)
		redisClient = nil
	}

	custody := ledger.NewMemory()
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	sink := reputation.NewSink(ctx, redisClient)

	var producer *statebus.Producer
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		topic := strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
		if topic == "" {
			topic = "clawshake.settlements"
		}
		producer, err = statebus.NewProducer(statebus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   topic,
		})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer producer.Close()
	}

	s := &Server{
		Ledger:              custody,
		Metrics:             reg,
		Events:              hub,
		Cache:               cache.New(ctx, redisClient),
		Producer:            producer,
		RateLimiter:         ratelimit.NewInMemory(time.Minute),
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 600),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		FaucetEnabled:       envBool("DEV_FAUCET"),
		IdempotencyTTL:      envDuration("IDEMPOTENCY_TTL", 10*time.Minute),
	}
	s.Fees = feepolicy.NewLinear(treasury)
	s.Engine = engine.New(store, custody, cfg,
		engine.WithFeePolicy(s.Fees),
		engine.WithReputation(sink),
		engine.WithNotify(s.onTransition),
	)

	go s.refundExpiredLoop(ctx)

	addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	log.Printf("gateway listening on %s (treasury=%s window=%s)", addr, treasury, cfg.DisputeWindow)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("clawshake-gateway"))
	r.Use(httpxSecurity)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Get("/v1/events", s.streamEvents)

	r.Route("/v1/shakes", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.createShake)
		r.Get("/", s.listShakes)
		r.Get("/{shake_id}", s.getShake)
		r.Get("/{shake_id}/subtree", s.getSubtree)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/{shake_id}/accept", s.acceptShake)
			r.Post("/{shake_id}/deliver", s.deliverShake)
			r.Post("/{shake_id}/children", s.createChildShake)
			r.Post("/{shake_id}/dispute", s.disputeShake)
			r.Post("/{shake_id}/release", s.releaseShake)
			r.Post("/{shake_id}/resolve", s.resolveDispute)
			r.Post("/{shake_id}/refund", s.refundShake)
		})
	})
	r.Post("/v1/admin/fees", s.updateFees)
	if s.FaucetEnabled {
		r.Post("/v1/dev/mint", s.devMint)
		r.Post("/v1/dev/approve", s.devApprove)
	}
	return r
}

// onTransition fans a committed transition out to metrics, the live event
// hub, and (for terminal outcomes) the settlement bus. The engine invokes it
// synchronously on every operation, so the broker write happens on its own
// goroutine: a degraded Kafka must not slow down settlements.
func (s *Server) onTransition(ev engine.Event) {
	s.Metrics.IncShakeState(ev.Shake.Status)
	s.Events.Publish(stream.Transition(ev.Op, ev.Shake, ev.Settlement))
	if s.Producer == nil || ev.Settlement == nil {
		return
	}
	evt := settlementEvent(ev)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Producer.Publish(ctx, evt); err != nil {
			log.Printf("settlement bus publish failed for shake %d: %v", evt.ShakeID, err)
		}
	}()
}

// refundExpiredLoop sweeps Pending and Active shakes whose deadline passed.
func (s *Server) refundExpiredLoop(ctx context.Context) {
	interval := envDuration("REFUND_SWEEP_INTERVAL", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := 0
			for _, status := range []string{shakefsm.Pending, shakefsm.Active} {
				items, err := s.Engine.List(ctx, status, 500)
				if err != nil {
					log.Printf("refund sweep list failed: %v", err)
					continue
				}
				for _, item := range items {
					if _, err := s.Engine.Refund(ctx, "sweeper", item.ID); err == nil {
						swept++
					} else if shakefsm.CodeOf(err) != shakefsm.DeadlineNotPassed {
						log.Printf("refund sweep shake %d: %v", item.ID, err)
					}
				}
			}
			if swept > 0 {
				log.Printf("refund sweep settled %d expired shakes", swept)
			}
		}
	}
}

func settlementEvent(ev engine.Event) statebus.SettlementEvent {
	out := statebus.SettlementEvent{
		EventID: uuid.New().String(),
		Op:      ev.Op,
		ShakeID: ev.Shake.ID,
		Status:  ev.Shake.Status,
		Worker:  ev.Shake.Worker,
		At:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ev.Settlement != nil {
		out.WorkerNet = ev.Settlement.WorkerNet
		out.Fee = ev.Settlement.Fee
		out.Refunded = ev.Settlement.Refunded
	}
	return out
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

func envBool(key string) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
