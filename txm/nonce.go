package txm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/swapnet-labs/metatx-relay/chain"
)

// NonceLedger owns the per-account nonce sequence. Reservations are strictly
// increasing per account; the counter is persisted before a reserved value is
// handed out, so a crash between reservation and broadcast can leave a stuck
// in-flight nonce but never reuse one.
type NonceLedger struct {
	lggr   logger.Logger
	store  NonceStore
	client chain.Client

	lock     sync.Mutex
	accounts map[common.Address]*accountNonces
}

type accountNonces struct {
	lock     sync.Mutex
	synced   bool
	next     uint64
	inFlight map[uint64]struct{}
}

func NewNonceLedger(lggr logger.Logger, store NonceStore, client chain.Client) *NonceLedger {
	return &NonceLedger{
		lggr:     logger.Named(lggr, "NonceLedger"),
		store:    store,
		client:   client,
		accounts: map[common.Address]*accountNonces{},
	}
}

func (l *NonceLedger) forAccount(account common.Address) *accountNonces {
	l.lock.Lock()
	defer l.lock.Unlock()
	acct, ok := l.accounts[account]
	if !ok {
		acct = &accountNonces{inFlight: map[uint64]struct{}{}}
		l.accounts[account] = acct
	}
	return acct
}

// SyncFromChain reconciles the persisted counter with the confirmed on-chain
// nonce. Called at startup for every relayer account; reservations for an
// unsynced account sync lazily. The counter only ever moves forward, so a
// nonce confirmed on chain is never handed out again.
func (l *NonceLedger) SyncFromChain(ctx context.Context, account common.Address) error {
	acct := l.forAccount(account)
	acct.lock.Lock()
	defer acct.lock.Unlock()
	return l.syncLocked(ctx, account, acct)
}

func (l *NonceLedger) syncLocked(ctx context.Context, account common.Address, acct *accountNonces) error {
	entry, found, err := l.store.LoadNonceEntry(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load nonce entry for %s: %w", account, err)
	}
	if found {
		acct.next = entry.NextNonce
		acct.inFlight = map[uint64]struct{}{}
		for _, n := range entry.InFlight {
			acct.inFlight[n] = struct{}{}
		}
	}

	chainNonce, err := l.client.NonceAt(ctx, account, nil)
	if err != nil {
		return fmt.Errorf("failed to get confirmed nonce for %s: %w", account, err)
	}
	if chainNonce > acct.next {
		if found {
			l.lggr.Warnw("persisted nonce behind chain, advancing", "account", account, "persisted", acct.next, "chain", chainNonce)
		}
		acct.next = chainNonce
	}
	// Nonces below the confirmed counter were consumed on chain. Reserved
	// nonces at or above it stay in flight until a receipt shows up.
	for n := range acct.inFlight {
		if n < chainNonce {
			delete(acct.inFlight, n)
		}
	}

	if err := l.persistLocked(ctx, account, acct); err != nil {
		return err
	}

	acct.synced = true
	l.lggr.Debugw("nonce ledger synced", "account", account, "nextNonce", acct.next, "inFlight", len(acct.inFlight))
	return nil
}

// Reserve atomically hands out the account's next nonce and records it as
// in-flight. The counter is persisted before the value is returned.
func (l *NonceLedger) Reserve(ctx context.Context, account common.Address) (uint64, error) {
	acct := l.forAccount(account)
	acct.lock.Lock()
	defer acct.lock.Unlock()

	if !acct.synced {
		if err := l.syncLocked(ctx, account, acct); err != nil {
			return 0, err
		}
	}

	nonce := acct.next
	acct.next++
	acct.inFlight[nonce] = struct{}{}

	if err := l.persistLocked(ctx, account, acct); err != nil {
		// Roll back so the reservation never escapes without durability.
		acct.next = nonce
		delete(acct.inFlight, nonce)
		return 0, err
	}

	return nonce, nil
}

// Release returns a nonce that never reached the network. Releasing a
// broadcast nonce is forbidden by the caller contract: it would leave a gap in
// the chain-level sequence.
func (l *NonceLedger) Release(ctx context.Context, account common.Address, nonce uint64) error {
	acct := l.forAccount(account)
	acct.lock.Lock()
	defer acct.lock.Unlock()

	if _, ok := acct.inFlight[nonce]; !ok {
		return fmt.Errorf("nonce %d not in flight for %s", nonce, account)
	}
	delete(acct.inFlight, nonce)

	// The pool serializes reservations per account, so a pre-send failure
	// always releases the most recent reservation and the counter can step
	// back without creating a gap.
	if nonce == acct.next-1 {
		acct.next = nonce
	} else {
		l.lggr.Warnw("released non-latest nonce, sequence gap until reuse", "account", account, "nonce", nonce, "nextNonce", acct.next)
	}

	return l.persistLocked(ctx, account, acct)
}

// Confirm removes a nonce from the in-flight set once a receipt was observed
// (success or revert, either way the nonce is consumed).
func (l *NonceLedger) Confirm(ctx context.Context, account common.Address, nonce uint64) error {
	acct := l.forAccount(account)
	acct.lock.Lock()
	defer acct.lock.Unlock()

	if _, ok := acct.inFlight[nonce]; !ok {
		return fmt.Errorf("nonce %d not in flight for %s", nonce, account)
	}
	delete(acct.inFlight, nonce)
	return l.persistLocked(ctx, account, acct)
}

func (l *NonceLedger) InFlightCount(account common.Address) int {
	acct := l.forAccount(account)
	acct.lock.Lock()
	defer acct.lock.Unlock()
	return len(acct.inFlight)
}

func (l *NonceLedger) persistLocked(ctx context.Context, account common.Address, acct *accountNonces) error {
	entry := NonceEntry{NextNonce: acct.next, InFlight: make([]uint64, 0, len(acct.inFlight))}
	for n := range acct.inFlight {
		entry.InFlight = append(entry.InFlight, n)
	}
	if err := l.store.SaveNonceEntry(ctx, account, entry); err != nil {
		return fmt.Errorf("failed to persist nonce entry for %s: %w", account, err)
	}
	return nil
}
