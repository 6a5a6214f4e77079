package shakestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/star-ga/clawshake/pkg/models"
)

func TestMemoryUpdateCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Update(ctx, func(tx Tx) error {
		id, err := tx.NextID(ctx)
		if err != nil {
			return err
		}
		if id != 1 {
			t.Fatalf("first id = %d, want 1", id)
		}
		return tx.Put(ctx, models.Shake{ID: id, Requester: "alice", Amount: 100, Status: "PENDING", CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	var got models.Shake
	err = m.View(ctx, func(tx Tx) error {
		var err error
		got, err = tx.Get(ctx, 1)
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got.Requester != "alice" || got.Amount != 100 {
		t.Fatalf("unexpected shake %+v", got)
	}
}

func TestMemoryUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	err := m.Update(ctx, func(tx Tx) error {
		if _, err := tx.NextID(ctx); err != nil {
			return err
		}
		if err := tx.Put(ctx, models.Shake{ID: 1, Amount: 50}); err != nil {
			return err
		}
		if err := tx.SetRemaining(ctx, 1, 50); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("update err = %v, want boom", err)
	}
	err = m.View(ctx, func(tx Tx) error {
		if _, err := tx.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("aborted put leaked: %v", err)
		}
		remaining, err := tx.Remaining(ctx, 1)
		if err != nil {
			return err
		}
		if remaining != 0 {
			t.Fatalf("aborted budget leaked: %d", remaining)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	// The aborted NextID must not burn an id.
	err = m.Update(ctx, func(tx Tx) error {
		id, err := tx.NextID(ctx)
		if err != nil {
			return err
		}
		if id != 1 {
			t.Fatalf("id after rollback = %d, want 1", id)
		}
		return tx.Put(ctx, models.Shake{ID: id})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMemoryChildrenKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Update(ctx, func(tx Tx) error {
		for _, id := range []uint64{5, 3, 9} {
			if err := tx.AppendChild(ctx, 1, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = m.View(ctx, func(tx Tx) error {
		kids, err := tx.Children(ctx, 1)
		if err != nil {
			return err
		}
		want := []uint64{5, 3, 9}
		if len(kids) != len(want) {
			t.Fatalf("children = %v, want %v", kids, want)
		}
		for i := range want {
			if kids[i] != want[i] {
				t.Fatalf("children = %v, want %v", kids, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMemoryListFiltersAndLimits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.Update(ctx, func(tx Tx) error {
		for i := uint64(1); i <= 5; i++ {
			status := "PENDING"
			if i%2 == 0 {
				status = "ACTIVE"
			}
			if err := tx.Put(ctx, models.Shake{ID: i, Status: status}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	err = m.View(ctx, func(tx Tx) error {
		all, err := tx.List(ctx, "", 0)
		if err != nil {
			return err
		}
		if len(all) != 5 || all[0].ID != 5 {
			t.Fatalf("list = %d items, newest %d", len(all), all[0].ID)
		}
		active, err := tx.List(ctx, "ACTIVE", 0)
		if err != nil {
			return err
		}
		if len(active) != 2 {
			t.Fatalf("active = %d, want 2", len(active))
		}
		limited, err := tx.List(ctx, "", 2)
		if err != nil {
			return err
		}
		if len(limited) != 2 || limited[0].ID != 5 || limited[1].ID != 4 {
			t.Fatalf("limited = %+v", limited)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMemoryViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.View(ctx, func(tx Tx) error {
		if err := tx.Put(ctx, models.Shake{ID: 1}); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("put in view: %v", err)
		}
		if err := tx.AppendChild(ctx, 1, 2); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("append child in view: %v", err)
		}
		if err := tx.SetRemaining(ctx, 1, 10); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("set remaining in view: %v", err)
		}
		if _, err := tx.NextID(ctx); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("next id in view: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMemoryRemainingDefaultsToZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.View(ctx, func(tx Tx) error {
		remaining, err := tx.Remaining(ctx, 42)
		if err != nil {
			return err
		}
		if remaining != 0 {
			t.Fatalf("remaining = %d, want 0", remaining)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
