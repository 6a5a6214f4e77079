package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/star-ga/clawshake/pkg/feepolicy"
	"github.com/star-ga/clawshake/pkg/ledger"
	"github.com/star-ga/clawshake/pkg/models"
	"github.com/star-ga/clawshake/pkg/reputation"
	"github.com/star-ga/clawshake/pkg/shakefsm"
	"github.com/star-ga/clawshake/pkg/shakestore"
)

const DefaultDisputeWindow = 48 * time.Hour

// Config carries the engine scalars. Treasury is constructor-immutable: it
// receives fees and is the only principal allowed to resolve disputes.
type Config struct {
	DisputeWindow  time.Duration
	ProtocolFeeBps uint16
	Treasury       string
}

// Event is emitted after every committed transition.
type Event struct {
	Op         string             `json:"op"`
	Shake      models.Shake       `json:"shake"`
	Settlement *models.Settlement `json:"settlement,omitempty"`
}

// Engine is the single-entry facade over the shake state machine. Every
// operation runs as one serialized atomic store transaction; the ledger and
// the reputation sink are the only blocking collaborators.
type Engine struct {
	mu     sync.Mutex
	store  shakestore.Store
	ledger ledger.Ledger
	rep    reputation.Sink
	fees   feepolicy.Policy
	cfg    Config
	now    func() time.Time
	notify func(Event)
}

type Option func(*Engine)

// WithClock injects the time source; tests advance it manually.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFeePolicy binds a dynamic fee policy. Without one the engine applies
// the static ProtocolFeeBps scalar.
func WithFeePolicy(p feepolicy.Policy) Option {
	return func(e *Engine) { e.fees = p }
}

func WithReputation(sink reputation.Sink) Option {
	return func(e *Engine) { e.rep = sink }
}

// WithNotify registers a callback invoked after each committed transition.
// The callback runs on the operation's goroutine but outside the engine
// lock, so it can observe state without stalling concurrent operations.
func WithNotify(fn func(Event)) Option {
	return func(e *Engine) { e.notify = fn }
}

func New(store shakestore.Store, lg ledger.Ledger, cfg Config, opts ...Option) *Engine {
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}
	if cfg.ProtocolFeeBps == 0 {
		cfg.ProtocolFeeBps = feepolicy.DefaultBaseBps
	}
	e := &Engine{
		store:  store,
		ledger: lg,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) emit(op string, s models.Shake, settle *models.Settlement) {
	if e.notify != nil {
		e.notify(Event{Op: op, Shake: s, Settlement: settle})
	}
}

func (e *Engine) record(ctx context.Context, out reputation.Outcome) {
	if e.rep == nil {
		return
	}
	if err := e.rep.Record(ctx, out); err != nil {
		log.Printf("reputation sink rejected shake %d: %v", out.ShakeID, err)
	}
}

func (e *Engine) feeBps(amount uint64, depth int) uint16 {
	if e.fees != nil {
		return e.fees.FeeBps(amount, depth)
	}
	bps := e.cfg.ProtocolFeeBps
	if bps > feepolicy.MaxFeeBps {
		bps = feepolicy.MaxFeeBps
	}
	return bps
}

func getShake(ctx context.Context, tx shakestore.Tx, id uint64) (models.Shake, error) {
	s, err := tx.Get(ctx, id)
	if errors.Is(err, shakestore.ErrNotFound) {
		return models.Shake{}, shakefsm.Wrap(shakefsm.NotFound, err)
	}
	return s, err
}

// Get is a snapshot read at the current committed version.
func (e *Engine) Get(ctx context.Context, id uint64) (models.Shake, error) {
	var out models.Shake
	err := e.store.View(ctx, func(tx shakestore.Tx) error {
		var err error
		out, err = getShake(ctx, tx, id)
		return err
	})
	return out, err
}

func (e *Engine) List(ctx context.Context, status string, limit int) ([]models.Shake, error) {
	var out []models.Shake
	err := e.store.View(ctx, func(tx shakestore.Tx) error {
		var err error
		out, err = tx.List(ctx, status, limit)
		return err
	})
	return out, err
}

// Subtree returns a shake with its transitive descendants and budgets.
func (e *Engine) Subtree(ctx context.Context, id uint64) (models.SubtreeView, error) {
	var out models.SubtreeView
	err := e.store.View(ctx, func(tx shakestore.Tx) error {
		var err error
		out, err = subtreeView(ctx, tx, id)
		return err
	})
	return out, err
}

// CustodyBalance reads the engine's custodied stablecoin balance.
func (e *Engine) CustodyBalance(ctx context.Context) (uint64, error) {
	return e.ledger.CustodyBalance(ctx)
}
