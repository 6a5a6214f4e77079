package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrTransferFailed        = errors.New("transfer failed")
)

// Ledger is the narrow capability surface the engine holds over the
// stablecoin ledger. All operations are all-or-nothing.
type Ledger interface {
	// Pull moves units from a principal into the engine's custody.
	Pull(ctx context.Context, from string, units uint64) error
	// Push moves units from custody out to a principal.
	Push(ctx context.Context, to string, units uint64) error
	// CustodyBalance reads the engine's own balance for sanity checks.
	CustodyBalance(ctx context.Context) (uint64, error)
}

// Memory is an in-process ledger used in tests and single-node deployments.
// Allowances are granted toward the engine's custody account.
type Memory struct {
	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[string]uint64
	custody    uint64
	failPush   map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		balances:   map[string]uint64{},
		allowances: map[string]uint64{},
		failPush:   map[string]bool{},
	}
}

func (m *Memory) Mint(principal string, units uint64) {
	m.mu.Lock()
	m.balances[principal] += units
	m.mu.Unlock()
}

func (m *Memory) Approve(principal string, units uint64) {
	m.mu.Lock()
	m.allowances[principal] = units
	m.mu.Unlock()
}

// FailPushTo makes pushes to a principal fail, for exercising the fatal path.
func (m *Memory) FailPushTo(principal string, fail bool) {
	m.mu.Lock()
	m.failPush[principal] = fail
	m.mu.Unlock()
}

func (m *Memory) Balance(principal string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[principal]
}

func (m *Memory) Pull(ctx context.Context, from string, units uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[from] < units {
		return fmt.Errorf("pull %d from %s: %w", units, from, ErrInsufficientAllowance)
	}
	if m.balances[from] < units {
		return fmt.Errorf("pull %d from %s: %w", units, from, ErrInsufficientBalance)
	}
	m.allowances[from] -= units
	m.balances[from] -= units
	m.custody += units
	return nil
}

func (m *Memory) Push(ctx context.Context, to string, units uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPush[to] {
		return fmt.Errorf("push %d to %s: %w", units, to, ErrTransferFailed)
	}
	if m.custody < units {
		return fmt.Errorf("push %d to %s: %w", units, to, ErrTransferFailed)
	}
	m.custody -= units
	m.balances[to] += units
	return nil
}

func (m *Memory) CustodyBalance(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody, nil
}
