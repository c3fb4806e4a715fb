package txm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/maps"
)

// RecordStore is the durable home of RelayRecords, keyed by request
// identifier. Implementations must return copies; callers never share memory
// with the store.
type RecordStore interface {
	// CreateIfAbsent inserts the record if no record exists for its ID.
	// It returns the stored record and whether the insert happened. This is
	// the idempotency gate: concurrent submits of the same ID race here and
	// exactly one wins.
	CreateIfAbsent(ctx context.Context, rec *RelayRecord) (*RelayRecord, bool, error)
	Update(ctx context.Context, rec *RelayRecord) error
	Get(ctx context.Context, id string) (*RelayRecord, error)
	// NonTerminal returns records in Broadcast or Included state, the ones the
	// status tracker owns.
	NonTerminal(ctx context.Context) ([]*RelayRecord, error)
	// PreBroadcast returns records still in Received, Signing or Broadcasting
	// state. Only the submission path writes those, so after a restart they
	// are stranded leftovers of a crashed submission.
	PreBroadcast(ctx context.Context) ([]*RelayRecord, error)
	// ReapTerminal drops terminal records last updated before the cutoff and
	// returns how many were removed.
	ReapTerminal(ctx context.Context, cutoff time.Time) (int, error)
}

// NonceEntry is the persisted nonce ledger state for one account.
type NonceEntry struct {
	NextNonce uint64
	InFlight  []uint64
}

// NonceStore persists per-account nonce counters. The ledger serializes
// access per account; implementations only need atomic single-entry writes.
type NonceStore interface {
	LoadNonceEntry(ctx context.Context, account common.Address) (NonceEntry, bool, error)
	SaveNonceEntry(ctx context.Context, account common.Address, entry NonceEntry) error
}

// MemoryStore implements RecordStore and NonceStore in process memory.
// Used in tests and for running relayd without a database.
type MemoryStore struct {
	lock    sync.RWMutex
	records map[string]*RelayRecord
	nonces  map[common.Address]NonceEntry
}

var (
	_ RecordStore = &MemoryStore{}
	_ NonceStore  = &MemoryStore{}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]*RelayRecord{},
		nonces:  map[common.Address]NonceEntry{},
	}
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, rec *RelayRecord) (*RelayRecord, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if existing, ok := s.records[rec.ID]; ok {
		return existing.Copy(), false, nil
	}
	s.records[rec.ID] = rec.Copy()
	return rec.Copy(), true, nil
}

func (s *MemoryStore) Update(_ context.Context, rec *RelayRecord) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("no such record: %s", rec.ID)
	}
	s.records[rec.ID] = rec.Copy()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*RelayRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return rec.Copy(), nil
}

func (s *MemoryStore) NonTerminal(_ context.Context) ([]*RelayRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []*RelayRecord
	for _, rec := range s.records {
		if rec.State == Broadcast || rec.State == Included {
			out = append(out, rec.Copy())
		}
	}
	return out, nil
}

func (s *MemoryStore) PreBroadcast(_ context.Context) ([]*RelayRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []*RelayRecord
	for _, rec := range s.records {
		switch rec.State {
		case Received, Signing, Broadcasting:
			out = append(out, rec.Copy())
		}
	}
	return out, nil
}

func (s *MemoryStore) ReapTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	reaped := 0
	for id, rec := range s.records {
		if rec.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			reaped++
		}
	}
	return reaped, nil
}

// RecordCount reports how many records the store currently holds.
func (s *MemoryStore) RecordCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) LoadNonceEntry(_ context.Context, account common.Address) (NonceEntry, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	entry, ok := s.nonces[account]
	if !ok {
		return NonceEntry{}, false, nil
	}
	entry.InFlight = append([]uint64(nil), entry.InFlight...)
	return entry, true, nil
}

func (s *MemoryStore) SaveNonceEntry(_ context.Context, account common.Address, entry NonceEntry) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	entry.InFlight = append([]uint64(nil), entry.InFlight...)
	s.nonces[account] = entry
	return nil
}

// NonceAccounts lists accounts with persisted ledger state.
func (s *MemoryStore) NonceAccounts() []common.Address {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return maps.Keys(s.nonces)
}
