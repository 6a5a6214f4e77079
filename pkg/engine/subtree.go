package engine

import (
	"context"
	"time"

	"github.com/star-ga/clawshake/pkg/models"
	"github.com/star-ga/clawshake/pkg/shakefsm"
	"github.com/star-ga/clawshake/pkg/shakestore"
)

// subtreeClean reports whether no descendant of id is Disputed. Iterative over
// an explicit stack so pathological trees cannot exhaust the host stack.
func subtreeClean(ctx context.Context, tx shakestore.Tx, id uint64) (bool, error) {
	stack := []uint64{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kids, err := tx.Children(ctx, n)
		if err != nil {
			return false, err
		}
		for _, kid := range kids {
			child, err := getShake(ctx, tx, kid)
			if err != nil {
				return false, err
			}
			if child.Status == shakefsm.Disputed {
				return false, nil
			}
			stack = append(stack, kid)
		}
	}
	return true, nil
}

// depth counts the parent edges from s up to its root.
func depth(ctx context.Context, tx shakestore.Tx, s models.Shake) (int, error) {
	d := 0
	for s.IsChild {
		parent, err := getShake(ctx, tx, s.ParentID)
		if err != nil {
			return 0, err
		}
		s = parent
		d++
	}
	return d, nil
}

// freezeAncestors stamps the freeze sentinel on every Active or Delivered
// ancestor of s. A frozen ancestor cannot auto-release on its own window.
func freezeAncestors(ctx context.Context, tx shakestore.Tx, s models.Shake) error {
	cur := s
	for cur.IsChild {
		parent, err := getShake(ctx, tx, cur.ParentID)
		if err != nil {
			return err
		}
		if parent.Status == shakefsm.Active || parent.Status == shakefsm.Delivered {
			parent.DisputeFrozenUntil = shakefsm.FreezeCeiling
			if err := tx.Put(ctx, parent); err != nil {
				return err
			}
		}
		cur = parent
	}
	return nil
}

// unfreezeAncestors clears the sentinel on each ancestor whose subtree is
// clean again. Runs after a dispute resolves, inside the same transaction.
func unfreezeAncestors(ctx context.Context, tx shakestore.Tx, s models.Shake) error {
	cur := s
	for cur.IsChild {
		parent, err := getShake(ctx, tx, cur.ParentID)
		if err != nil {
			return err
		}
		if shakefsm.IsFrozen(parent.DisputeFrozenUntil) {
			clean, err := subtreeClean(ctx, tx, parent.ID)
			if err != nil {
				return err
			}
			if clean {
				parent.DisputeFrozenUntil = time.Time{}
				if err := tx.Put(ctx, parent); err != nil {
					return err
				}
			}
		}
		cur = parent
	}
	return nil
}

func subtreeView(ctx context.Context, tx shakestore.Tx, id uint64) (models.SubtreeView, error) {
	s, err := getShake(ctx, tx, id)
	if err != nil {
		return models.SubtreeView{}, err
	}
	remaining, err := tx.Remaining(ctx, id)
	if err != nil {
		return models.SubtreeView{}, err
	}
	view := models.SubtreeView{Shake: s, Remaining: remaining}
	kids, err := tx.Children(ctx, id)
	if err != nil {
		return models.SubtreeView{}, err
	}
	for _, kid := range kids {
		child, err := subtreeView(ctx, tx, kid)
		if err != nil {
			return models.SubtreeView{}, err
		}
		view.Children = append(view.Children, child)
	}
	return view, nil
}
