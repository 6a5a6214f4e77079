package engine

import (
	"context"
	"log"
	"time"

	"github.com/star-ga/clawshake/pkg/feepolicy"
	"github.com/star-ga/clawshake/pkg/models"
	"github.com/star-ga/clawshake/pkg/reputation"
	"github.com/star-ga/clawshake/pkg/shakefsm"
	"github.com/star-ga/clawshake/pkg/shakestore"
)

// Create locks amount from the caller into custody and opens a Pending root
// shake. The ledger pull happens before any state mutation; if the commit
// fails afterwards the pull is compensated with a push back to the caller.
func (e *Engine) Create(ctx context.Context, caller string, amount uint64, deadlineIn time.Duration, taskFingerprint, pubKeyHash []byte) (models.Shake, error) {
	if amount == 0 {
		return models.Shake{}, shakefsm.E(shakefsm.AmountZero)
	}
	if deadlineIn <= 0 {
		return models.Shake{}, shakefsm.E(shakefsm.DeadlineZero)
	}
	created, err := e.createLocked(ctx, caller, amount, deadlineIn, taskFingerprint, pubKeyHash)
	if err != nil {
		return models.Shake{}, err
	}
	e.emit("CREATE", created, nil)
	return created, nil
}

func (e *Engine) createLocked(ctx context.Context, caller string, amount uint64, deadlineIn time.Duration, taskFingerprint, pubKeyHash []byte) (models.Shake, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if err := e.ledger.Pull(ctx, caller, amount); err != nil {
		return models.Shake{}, shakefsm.Wrap(shakefsm.LedgerPullFailed, err)
	}
	var created models.Shake
	err := e.store.Update(ctx, func(tx shakestore.Tx) error {
		id, err := tx.NextID(ctx)
		if err != nil {
			return err
		}
		created = models.Shake{
			ID:                  id,
			Requester:           caller,
			Amount:              amount,
			CreatedAt:           now,
			DeadlineAt:          now.Add(deadlineIn),
			Status:              shakefsm.Pending,
			TaskFingerprint:     taskFingerprint,
			RequesterPubKeyHash: pubKeyHash,
		}
		return tx.Put(ctx, created)
	})
	if err != nil {
		if pushErr := e.ledger.Push(ctx, caller, amount); pushErr != nil {
			log.Printf("custody compensation failed for %s after aborted create: %v", caller, pushErr)
		}
		return models.Shake{}, err
	}
	return created, nil
}

// Accept binds the caller as worker and initializes the remaining budget.
func (e *Engine) Accept(ctx context.Context, caller string, id uint64) (models.Shake, error) {
	return e.transition(ctx, "ACCEPT", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Pending {
			return s, nil, shakefsm.E(shakefsm.NotPending)
		}
		if !now.Before(s.DeadlineAt) {
			return s, nil, shakefsm.Timing(shakefsm.DeadlinePassed, now, s.DeadlineAt)
		}
		if s.Worker != "" {
			return s, nil, shakefsm.E(shakefsm.AlreadyAccepted)
		}
		if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Active); err != nil {
			return s, nil, err
		}
		s.Worker = caller
		if err := tx.SetRemaining(ctx, id, s.Amount); err != nil {
			return s, nil, err
		}
		return s, nil, tx.Put(ctx, s)
	})
}

// Deliver records the delivery proof fingerprint and starts the dispute window.
func (e *Engine) Deliver(ctx context.Context, caller string, id uint64, deliveryFingerprint, encryptedKey []byte) (models.Shake, error) {
	return e.transition(ctx, "DELIVER", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Active {
			return s, nil, shakefsm.E(shakefsm.NotActive)
		}
		if caller != s.Worker {
			return s, nil, shakefsm.E(shakefsm.NotWorker)
		}
		if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Delivered); err != nil {
			return s, nil, err
		}
		s.DeliveryFingerprint = deliveryFingerprint
		s.EncryptedDeliveryKey = encryptedKey
		s.DeliveredAt = now
		return s, nil, tx.Put(ctx, s)
	})
}

// CreateChild carves a sub-contract out of the parent's remaining budget.
// No ledger movement: the parent's original deposit already covers the child.
func (e *Engine) CreateChild(ctx context.Context, caller string, parentID uint64, amount uint64, deadlineIn time.Duration, taskFingerprint []byte) (models.Shake, error) {
	return e.transition(ctx, "CREATE_CHILD", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		parent, err := getShake(ctx, tx, parentID)
		if err != nil {
			return parent, nil, err
		}
		if parent.Status != shakefsm.Active {
			return parent, nil, shakefsm.E(shakefsm.ParentNotActive)
		}
		if caller != parent.Worker {
			return parent, nil, shakefsm.E(shakefsm.NotParentWorker)
		}
		if amount == 0 {
			return parent, nil, shakefsm.E(shakefsm.AmountZero)
		}
		remaining, err := tx.Remaining(ctx, parentID)
		if err != nil {
			return parent, nil, err
		}
		if amount > remaining {
			return parent, nil, shakefsm.E(shakefsm.ExceedsParentBudget)
		}
		if deadlineIn <= 0 {
			return parent, nil, shakefsm.E(shakefsm.DeadlineZero)
		}
		if err := tx.SetRemaining(ctx, parentID, remaining-amount); err != nil {
			return parent, nil, err
		}
		id, err := tx.NextID(ctx)
		if err != nil {
			return parent, nil, err
		}
		child := models.Shake{
			ID:              id,
			Requester:       caller,
			Amount:          amount,
			ParentID:        parentID,
			IsChild:         true,
			CreatedAt:       now,
			DeadlineAt:      now.Add(deadlineIn),
			Status:          shakefsm.Pending,
			TaskFingerprint: taskFingerprint,
		}
		if err := tx.Put(ctx, child); err != nil {
			return child, nil, err
		}
		return child, nil, tx.AppendChild(ctx, parentID, id)
	})
}

// Dispute freezes the whole ancestor chain until the dispute resolves.
func (e *Engine) Dispute(ctx context.Context, caller string, id uint64) (models.Shake, error) {
	return e.transition(ctx, "DISPUTE", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Delivered {
			return s, nil, shakefsm.E(shakefsm.NotDelivered)
		}
		if caller != s.Requester {
			return s, nil, shakefsm.E(shakefsm.NotRequester)
		}
		windowEnd := s.DeliveredAt.Add(e.cfg.DisputeWindow)
		if !now.Before(windowEnd) {
			return s, nil, shakefsm.Timing(shakefsm.DisputeWindowClosed, now, windowEnd)
		}
		if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Disputed); err != nil {
			return s, nil, err
		}
		if err := tx.Put(ctx, s); err != nil {
			return s, nil, err
		}
		return s, nil, freezeAncestors(ctx, tx, s)
	})
}

// Release settles a Delivered shake: worker is paid amount minus child spend
// minus fee, treasury receives the fee. The requester may release early;
// anyone may release once the effective window has elapsed.
func (e *Engine) Release(ctx context.Context, caller string, id uint64) (models.Shake, error) {
	return e.settle(ctx, "RELEASE", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Delivered {
			return s, nil, shakefsm.E(shakefsm.NotDelivered)
		}
		clean, err := subtreeClean(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if !clean {
			return s, nil, shakefsm.E(shakefsm.SubtreeNotClean)
		}
		kids, err := tx.Children(ctx, id)
		if err != nil {
			return s, nil, err
		}
		for _, kid := range kids {
			child, err := getShake(ctx, tx, kid)
			if err != nil {
				return s, nil, err
			}
			if !shakefsm.IsTerminal(child.Status) {
				return s, nil, shakefsm.E(shakefsm.ChildrenNotSettled)
			}
		}
		if caller != s.Requester {
			windowEnd := s.DeliveredAt.Add(e.cfg.DisputeWindow)
			if s.DisputeFrozenUntil.After(windowEnd) {
				windowEnd = s.DisputeFrozenUntil
			}
			if now.Before(windowEnd) {
				return s, nil, shakefsm.Timing(shakefsm.DisputeWindowActive, now, windowEnd)
			}
		}
		settle, err := e.payout(ctx, tx, &s)
		if err != nil {
			return s, nil, err
		}
		return s, settle, tx.Put(ctx, s)
	})
}

// Resolve is the single authoritative treasury decision on a Disputed shake.
func (e *Engine) Resolve(ctx context.Context, caller string, id uint64, workerWins bool) (models.Shake, error) {
	return e.settle(ctx, "RESOLVE", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Disputed {
			return s, nil, shakefsm.E(shakefsm.NotDisputed)
		}
		if caller != e.cfg.Treasury {
			return s, nil, shakefsm.E(shakefsm.NotTreasury)
		}
		var settle *models.Settlement
		if workerWins {
			if settle, err = e.payout(ctx, tx, &s); err != nil {
				return s, nil, err
			}
		} else {
			remaining, err := tx.Remaining(ctx, id)
			if err != nil {
				return s, nil, err
			}
			if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Refunded); err != nil {
				return s, nil, err
			}
			// Allocated child funds stay escrowed under the children; only
			// the parent's own unallocated portion returns to the requester.
			settle = &models.Settlement{ShakeID: s.ID, Status: s.Status, Refunded: remaining}
		}
		if err := tx.Put(ctx, s); err != nil {
			return s, nil, err
		}
		return s, settle, unfreezeAncestors(ctx, tx, s)
	})
}

// Refund returns custody to the requester once the deadline has passed with
// the shake still Pending or Active.
func (e *Engine) Refund(ctx context.Context, caller string, id uint64) (models.Shake, error) {
	return e.settle(ctx, "REFUND", func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error) {
		s, err := getShake(ctx, tx, id)
		if err != nil {
			return s, nil, err
		}
		if s.Status != shakefsm.Pending && s.Status != shakefsm.Active {
			return s, nil, shakefsm.E(shakefsm.CannotRefund)
		}
		if now.Before(s.DeadlineAt) {
			return s, nil, shakefsm.Timing(shakefsm.DeadlineNotPassed, now, s.DeadlineAt)
		}
		refund := s.Amount
		if s.Status == shakefsm.Active {
			remaining, err := tx.Remaining(ctx, id)
			if err != nil {
				return s, nil, err
			}
			refund = remaining
		}
		if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Refunded); err != nil {
			return s, nil, err
		}
		settle := &models.Settlement{ShakeID: s.ID, Status: s.Status, Refunded: refund}
		return s, settle, tx.Put(ctx, s)
	})
}

// payout computes the Released settlement for s and mutates its status.
// child_spend is closed-form: the budget already shrank at each hire.
func (e *Engine) payout(ctx context.Context, tx shakestore.Tx, s *models.Shake) (*models.Settlement, error) {
	d, err := depth(ctx, tx, *s)
	if err != nil {
		return nil, err
	}
	remaining, err := tx.Remaining(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	bps := e.feeBps(s.Amount, d)
	fee := feepolicy.Fee(s.Amount, bps)
	if fee > remaining {
		fee = remaining
	}
	if s.Status, err = shakefsm.Transition(s.Status, shakefsm.Released); err != nil {
		return nil, err
	}
	return &models.Settlement{
		ShakeID:   s.ID,
		Status:    s.Status,
		WorkerNet: remaining - fee,
		Fee:       fee,
		FeeBps:    bps,
		Depth:     d,
	}, nil
}

// transition runs a pure state mutation as one atomic store transaction.
func (e *Engine) transition(ctx context.Context, op string, fn func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error)) (models.Shake, error) {
	out, settle, err := e.apply(ctx, false, fn)
	if err != nil {
		return out, err
	}
	e.emit(op, out, settle)
	return out, nil
}

// settle commits the terminal status first, then moves money. Pushes after
// the status write keep retries idempotent: a second attempt is rejected on
// the status precondition. A failed push therefore surfaces as
// LEDGER_PUSH_FAILED for out-of-band reconciliation instead of reopening the
// shake.
func (e *Engine) settle(ctx context.Context, op string, fn func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error)) (models.Shake, error) {
	out, settle, err := e.apply(ctx, true, fn)
	if err != nil {
		return out, err
	}
	e.emit(op, out, settle)
	return out, nil
}

// apply serializes fn as one store transaction, optionally disbursing the
// resulting settlement before the lock releases. The ledger and the
// reputation sink are the only collaborators allowed to block in here; the
// notify callback always runs after the lock so a slow subscriber cannot
// stall other operations.
func (e *Engine) apply(ctx context.Context, disburse bool, fn func(tx shakestore.Tx, now time.Time) (models.Shake, *models.Settlement, error)) (models.Shake, *models.Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var (
		out    models.Shake
		settle *models.Settlement
	)
	err := e.store.Update(ctx, func(tx shakestore.Tx) error {
		var err error
		out, settle, err = fn(tx, now)
		return err
	})
	if err != nil {
		return models.Shake{}, nil, err
	}
	if disburse && settle != nil {
		if err := e.disburse(ctx, out, settle); err != nil {
			return out, nil, err
		}
	}
	return out, settle, nil
}

func (e *Engine) disburse(ctx context.Context, s models.Shake, settle *models.Settlement) error {
	switch settle.Status {
	case shakefsm.Released:
		if settle.WorkerNet > 0 {
			if err := e.ledger.Push(ctx, s.Worker, settle.WorkerNet); err != nil {
				return shakefsm.Wrap(shakefsm.LedgerPushFailed, err)
			}
		}
		if settle.Fee > 0 {
			if err := e.ledger.Push(ctx, e.cfg.Treasury, settle.Fee); err != nil {
				return shakefsm.Wrap(shakefsm.LedgerPushFailed, err)
			}
		}
		e.record(ctx, reputation.Outcome{ShakeID: s.ID, Worker: s.Worker, Earned: settle.WorkerNet, Success: true})
	case shakefsm.Refunded:
		if settle.Refunded > 0 {
			if err := e.ledger.Push(ctx, s.Requester, settle.Refunded); err != nil {
				return shakefsm.Wrap(shakefsm.LedgerPushFailed, err)
			}
		}
		if s.Worker != "" {
			e.record(ctx, reputation.Outcome{ShakeID: s.ID, Worker: s.Worker, Earned: 0, Success: false})
		}
	}
	return nil
}
