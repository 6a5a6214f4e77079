package feepolicy

import (
	"errors"
	"sync"
)

const (
	MaxFeeBps              = 1000
	DefaultBaseBps         = 250
	DefaultDepthPremiumBps = 25
)

var (
	ErrNotTreasury = errors.New("caller is not the treasury")
	ErrAboveCap    = errors.New("fee bps above cap")
)

// Policy computes the basis-point fee for a settlement at a given chain depth.
type Policy interface {
	FeeBps(amount uint64, depth int) uint16
}

// Linear is the default depth-adjusted policy: base + depth*premium, clamped.
// Scalars are mutable only by the treasury principal.
type Linear struct {
	mu         sync.RWMutex
	treasury   string
	baseBps    uint16
	premiumBps uint16
}

func NewLinear(treasury string) *Linear {
	return &Linear{
		treasury:   treasury,
		baseBps:    DefaultBaseBps,
		premiumBps: DefaultDepthPremiumBps,
	}
}

func (p *Linear) FeeBps(amount uint64, depth int) uint16 {
	p.mu.RLock()
	base, premium := p.baseBps, p.premiumBps
	p.mu.RUnlock()
	if depth < 0 {
		depth = 0
	}
	bps := uint64(base) + uint64(depth)*uint64(premium)
	if bps > MaxFeeBps {
		bps = MaxFeeBps
	}
	return uint16(bps)
}

func (p *Linear) SetBaseBps(caller string, bps uint16) error {
	return p.set(caller, bps, &p.baseBps)
}

func (p *Linear) SetDepthPremiumBps(caller string, bps uint16) error {
	return p.set(caller, bps, &p.premiumBps)
}

func (p *Linear) set(caller string, bps uint16, target *uint16) error {
	if caller != p.treasury {
		return ErrNotTreasury
	}
	if bps > MaxFeeBps {
		return ErrAboveCap
	}
	p.mu.Lock()
	*target = bps
	p.mu.Unlock()
	return nil
}

// Static applies one scalar regardless of depth; used when no dynamic policy
// is bound to the engine.
type Static uint16

func (s Static) FeeBps(amount uint64, depth int) uint16 {
	if s > MaxFeeBps {
		return MaxFeeBps
	}
	return uint16(s)
}

// Fee computes amount*bps/10000 without overflowing uint64. Splitting the
// amount keeps the quotient exact: floor(a*b/10000) == (a/10000)*b + (a%10000)*b/10000.
func Fee(amount uint64, bps uint16) uint64 {
	return (amount/10000)*uint64(bps) + (amount%10000)*uint64(bps)/10000
}
