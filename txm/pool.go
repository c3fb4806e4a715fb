package txm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// AccountPool hands out exclusive use of relayer accounts. The free list is a
// buffered channel, so acquisition order is round-robin: an account released
// goes to the back of the line. Holding an account serializes nonce
// assignment for it; there is at most one in-flight submission per account.
//
// Busy state is process-local. After a restart the pool is rebuilt with every
// account free; the persisted nonce ledger and record store carry the real
// in-flight picture, so an account orphaned mid-submission by a crash comes
// back usable.
type AccountPool struct {
	lggr     logger.Logger
	blocking bool
	free     chan common.Address

	lock sync.RWMutex
	busy map[common.Address]bool
}

func NewAccountPool(lggr logger.Logger, accounts []common.Address, blocking bool) *AccountPool {
	p := &AccountPool{
		lggr:     logger.Named(lggr, "AccountPool"),
		blocking: blocking,
		free:     make(chan common.Address, len(accounts)),
		busy:     make(map[common.Address]bool, len(accounts)),
	}
	for _, a := range accounts {
		p.busy[a] = false
		p.free <- a
	}
	return p
}

// Acquire returns a free account and marks it busy. With the blocking policy
// it queues until one frees up or ctx is done; otherwise it fails fast with
// ErrPoolExhausted.
func (p *AccountPool) Acquire(ctx context.Context) (common.Address, error) {
	if p.blocking {
		select {
		case a := <-p.free:
			p.setBusy(a, true)
			return a, nil
		case <-ctx.Done():
			return common.Address{}, ctx.Err()
		}
	}

	select {
	case a := <-p.free:
		p.setBusy(a, true)
		return a, nil
	default:
		return common.Address{}, ErrPoolExhausted
	}
}

// Release marks the account free again. Must be called exactly once per
// Acquire, regardless of the submission's outcome.
func (p *AccountPool) Release(account common.Address) {
	p.lock.Lock()
	wasBusy, known := p.busy[account]
	if known && wasBusy {
		p.busy[account] = false
	}
	p.lock.Unlock()

	if !known || !wasBusy {
		p.lggr.Errorw("release of account that was not acquired", "account", account)
		return
	}
	p.free <- account
}

func (p *AccountPool) Busy(account common.Address) bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.busy[account]
}

func (p *AccountPool) Size() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.busy)
}

func (p *AccountPool) FreeCount() int {
	return len(p.free)
}

func (p *AccountPool) Accounts() []common.Address {
	p.lock.RLock()
	defer p.lock.RUnlock()
	out := make([]common.Address, 0, len(p.busy))
	for a := range p.busy {
		out = append(out, a)
	}
	return out
}

func (p *AccountPool) setBusy(account common.Address, b bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.busy[account] = b
}
