package shakestore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/star-ga/clawshake/pkg/models"
)

// beginner is the slice of pgxpool.Pool the store needs.
type beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres maps the three keyed maps onto tables; every engine operation runs
// inside a single SQL transaction so the multi-key commit stays atomic.
type Postgres struct {
	db beginner
}

func NewPostgres(db beginner) *Postgres { return &Postgres{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS shakes (
	id BIGINT PRIMARY KEY,
	requester TEXT NOT NULL,
	worker TEXT NOT NULL DEFAULT '',
	amount BIGINT NOT NULL,
	parent_id BIGINT NOT NULL DEFAULT 0,
	is_child BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	deadline_at TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	task_fingerprint BYTEA,
	delivery_fingerprint BYTEA,
	dispute_frozen_until TIMESTAMPTZ,
	requester_pubkey_hash BYTEA,
	encrypted_delivery_key BYTEA
);
CREATE INDEX IF NOT EXISTS shakes_status_idx ON shakes(status, id DESC);
CREATE TABLE IF NOT EXISTS shake_children (
	parent_id BIGINT NOT NULL,
	child_id BIGINT NOT NULL,
	ord BIGSERIAL,
	PRIMARY KEY (parent_id, child_id)
);
CREATE TABLE IF NOT EXISTS shake_budgets (
	id BIGINT PRIMARY KEY,
	remaining BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS shake_counters (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Migrate creates the store tables if missing.
func Migrate(ctx context.Context, db execer) error {
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *Postgres) Update(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (p *Postgres) View(ctx context.Context, fn func(tx Tx) error) error {
	return p.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (p *Postgres) run(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	t := &pgTx{tx: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback(ctx)
		return err
	}
	return sqlTx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

// Monetary columns hold the uint64 bit pattern in BIGINT: values above
// 1<<63-1 show up negative in SQL but round-trip exactly. No query does
// arithmetic or ordering on them.
func amountToDB(u uint64) int64 { return int64(u) }

func amountFromDB(v int64) uint64 { return uint64(v) }

const shakeColumns = `id, requester, worker, amount, parent_id, is_child, created_at, deadline_at,
	delivered_at, status, task_fingerprint, delivery_fingerprint, dispute_frozen_until,
	requester_pubkey_hash, encrypted_delivery_key`

func (t *pgTx) Get(ctx context.Context, id uint64) (models.Shake, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+shakeColumns+` FROM shakes WHERE id=$1`, int64(id))
	s, err := scanShake(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Shake{}, ErrNotFound
	}
	return s, err
}

func (t *pgTx) Put(ctx context.Context, s models.Shake) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shakes (`+shakeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			worker=EXCLUDED.worker,
			delivered_at=EXCLUDED.delivered_at,
			status=EXCLUDED.status,
			delivery_fingerprint=EXCLUDED.delivery_fingerprint,
			dispute_frozen_until=EXCLUDED.dispute_frozen_until,
			encrypted_delivery_key=EXCLUDED.encrypted_delivery_key
	`, int64(s.ID), s.Requester, s.Worker, amountToDB(s.Amount), int64(s.ParentID), s.IsChild,
		s.CreatedAt, s.DeadlineAt, nullableTime(s.DeliveredAt), s.Status,
		s.TaskFingerprint, s.DeliveryFingerprint, nullableTime(s.DisputeFrozenUntil),
		s.RequesterPubKeyHash, s.EncryptedDeliveryKey)
	return err
}

func (t *pgTx) Children(ctx context.Context, id uint64) ([]uint64, error) {
	rows, err := t.tx.Query(ctx, `SELECT child_id FROM shake_children WHERE parent_id=$1 ORDER BY ord`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		out = append(out, uint64(child))
	}
	return out, rows.Err()
}

func (t *pgTx) AppendChild(ctx context.Context, parent, child uint64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO shake_children (parent_id, child_id) VALUES ($1,$2)`, int64(parent), int64(child))
	return err
}

func (t *pgTx) Remaining(ctx context.Context, id uint64) (uint64, error) {
	var remaining int64
	err := t.tx.QueryRow(ctx, `SELECT remaining FROM shake_budgets WHERE id=$1`, int64(id)).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amountFromDB(remaining), err
}

func (t *pgTx) SetRemaining(ctx context.Context, id uint64, units uint64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO shake_budgets (id, remaining) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET remaining=EXCLUDED.remaining
	`, int64(id), amountToDB(units))
	return err
}

func (t *pgTx) NextID(ctx context.Context) (uint64, error) {
	var value int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO shake_counters (name, value) VALUES ('next_id', 1)
		ON CONFLICT (name) DO UPDATE SET value = shake_counters.value + 1
		RETURNING value
	`).Scan(&value)
	return uint64(value), err
}

func (t *pgTx) List(ctx context.Context, status string, limit int) ([]models.Shake, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = t.tx.Query(ctx, `SELECT `+shakeColumns+` FROM shakes ORDER BY id DESC LIMIT $1`, limit)
	} else {
		rows, err = t.tx.Query(ctx, `SELECT `+shakeColumns+` FROM shakes WHERE status=$1 ORDER BY id DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Shake
	for rows.Next() {
		s, err := scanShake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanShake(row pgx.Row) (models.Shake, error) {
	var (
		s                 models.Shake
		id, amount        int64
		parentID          int64
		delivered, frozen *time.Time
	)
	err := row.Scan(&id, &s.Requester, &s.Worker, &amount, &parentID, &s.IsChild,
		&s.CreatedAt, &s.DeadlineAt, &delivered, &s.Status, &s.TaskFingerprint,
		&s.DeliveryFingerprint, &frozen, &s.RequesterPubKeyHash, &s.EncryptedDeliveryKey)
	if err != nil {
		return models.Shake{}, err
	}
	s.ID = uint64(id)
	s.Amount = amountFromDB(amount)
	s.ParentID = uint64(parentID)
	if delivered != nil {
		s.DeliveredAt = *delivered
	}
	if frozen != nil {
		s.DisputeFrozenUntil = *frozen
	}
	return s, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
