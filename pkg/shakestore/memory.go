package shakestore

import (
	"context"
	"sort"
	"sync"

	"github.com/star-ga/clawshake/pkg/models"
)

// Memory keeps the whole store in process. Update clones the maps, runs the
// function against the clone, and swaps on success, so a failed operation
// leaves no partial mutation behind.
type Memory struct {
	mu        sync.RWMutex
	shakes    map[uint64]models.Shake
	children  map[uint64][]uint64
	remaining map[uint64]uint64
	nextID    uint64
}

func NewMemory() *Memory {
	return &Memory{
		shakes:    map[uint64]models.Shake{},
		children:  map[uint64][]uint64{},
		remaining: map[uint64]uint64{},
	}
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		shakes:    cloneShakes(m.shakes),
		children:  cloneChildren(m.children),
		remaining: cloneRemaining(m.remaining),
		nextID:    m.nextID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.shakes = tx.shakes
	m.children = tx.children
	m.remaining = tx.remaining
	m.nextID = tx.nextID
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{
		shakes:    m.shakes,
		children:  m.children,
		remaining: m.remaining,
		nextID:    m.nextID,
		readOnly:  true,
	})
}

type memTx struct {
	shakes    map[uint64]models.Shake
	children  map[uint64][]uint64
	remaining map[uint64]uint64
	nextID    uint64
	readOnly  bool
}

func (t *memTx) Get(ctx context.Context, id uint64) (models.Shake, error) {
	s, ok := t.shakes[id]
	if !ok {
		return models.Shake{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) Put(ctx context.Context, s models.Shake) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.shakes[s.ID] = s
	return nil
}

func (t *memTx) Children(ctx context.Context, id uint64) ([]uint64, error) {
	kids := t.children[id]
	out := make([]uint64, len(kids))
	copy(out, kids)
	return out, nil
}

func (t *memTx) AppendChild(ctx context.Context, parent, child uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.children[parent] = append(t.children[parent], child)
	return nil
}

func (t *memTx) Remaining(ctx context.Context, id uint64) (uint64, error) {
	return t.remaining[id], nil
}

func (t *memTx) SetRemaining(ctx context.Context, id uint64, units uint64) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.remaining[id] = units
	return nil
}

func (t *memTx) NextID(ctx context.Context) (uint64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	t.nextID++
	return t.nextID, nil
}

func (t *memTx) List(ctx context.Context, status string, limit int) ([]models.Shake, error) {
	ids := make([]uint64, 0, len(t.shakes))
	for id, s := range t.shakes {
		if status != "" && s.Status != status {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Shake, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.shakes[id])
	}
	return out, nil
}

func cloneShakes(in map[uint64]models.Shake) map[uint64]models.Shake {
	out := make(map[uint64]models.Shake, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneChildren(in map[uint64][]uint64) map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(in))
	for k, v := range in {
		kids := make([]uint64, len(v))
		copy(kids, v)
		out[k] = kids
	}
	return out
}

func cloneRemaining(in map[uint64]uint64) map[uint64]uint64 {
	out := make(map[uint64]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
