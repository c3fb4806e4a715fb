package txm

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"
)

func testRecord(id string, state TxState) *RelayRecord {
	now := time.Now()
	return &RelayRecord{
		ID:       id,
		From:     common.HexToAddress("0x01"),
		To:       common.HexToAddress("0x02"),
		Nonce:    1,
		Value:    big.NewInt(100),
		GasLimit: 21000,
		State:    state,
		Attempts: []TxAttempt{
			{Hash: common.HexToHash("0xaa"), GasPrice: big.NewInt(40), BroadcastAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryStoreCreateIfAbsent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)

	rec := testRecord("id-1", Received)
	stored, created, err := store.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, rec.ID, stored.ID)

	// A second create with the same ID loses the race and gets the winner's
	// record back, not its own.
	dupe := testRecord("id-1", Received)
	dupe.Nonce = 99
	stored, created, err = store.CreateIfAbsent(ctx, dupe)
	require.NoError(t, err)
	require.False(t, created)
	assert.Equal(t, uint64(1), stored.Nonce)
	assert.Equal(t, 1, store.RecordCount())
}

func TestMemoryStoreCopyIsolation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)

	rec := testRecord("id-1", Broadcast)
	_, _, err := store.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)

	// Mutating the caller's record or a returned copy must not leak into the
	// stored one.
	rec.State = Failed
	rec.Attempts[0].GasPrice.SetInt64(999)

	got, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, Broadcast, got.State)
	assert.Zero(t, big.NewInt(40).Cmp(got.Attempts[0].GasPrice))

	got.Attempts = append(got.Attempts, TxAttempt{Hash: common.HexToHash("0xbb")})
	again, err := store.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Len(t, again.Attempts, 1)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, err := store.Get(tests.Context(t), "nope")
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestMemoryStoreNonTerminal(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)

	for _, rec := range []*RelayRecord{
		testRecord("received", Received),
		testRecord("broadcast", Broadcast),
		testRecord("included", Included),
		testRecord("confirmed", Confirmed),
		testRecord("failed", Failed),
	} {
		_, _, err := store.CreateIfAbsent(ctx, rec)
		require.NoError(t, err)
	}

	open, err := store.NonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	ids := map[string]bool{}
	for _, rec := range open {
		ids[rec.ID] = true
	}
	// Pre-broadcast records belong to the submission path, not the tracker.
	assert.True(t, ids["broadcast"])
	assert.True(t, ids["included"])
}

func TestMemoryStorePreBroadcast(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)

	for _, rec := range []*RelayRecord{
		testRecord("received", Received),
		testRecord("signing", Signing),
		testRecord("broadcasting", Broadcasting),
		testRecord("broadcast", Broadcast),
		testRecord("confirmed", Confirmed),
	} {
		_, _, err := store.CreateIfAbsent(ctx, rec)
		require.NoError(t, err)
	}

	stranded, err := store.PreBroadcast(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 3)
	ids := map[string]bool{}
	for _, rec := range stranded {
		ids[rec.ID] = true
	}
	assert.True(t, ids["received"])
	assert.True(t, ids["signing"])
	assert.True(t, ids["broadcasting"])
}

func TestMemoryStoreReapTerminal(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)

	old := testRecord("old-confirmed", Confirmed)
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)
	fresh := testRecord("fresh-confirmed", Confirmed)
	oldOpen := testRecord("old-broadcast", Broadcast)
	oldOpen.UpdatedAt = old.UpdatedAt

	for _, rec := range []*RelayRecord{old, fresh, oldOpen} {
		_, _, err := store.CreateIfAbsent(ctx, rec)
		require.NoError(t, err)
	}

	reaped, err := store.ReapTerminal(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = store.Get(ctx, "old-confirmed")
	require.ErrorIs(t, err, ErrTxNotFound)
	// Non-terminal records are never reaped, however stale.
	_, err = store.Get(ctx, "old-broadcast")
	require.NoError(t, err)
}

func TestMemoryStoreNonceEntries(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := tests.Context(t)
	account := common.HexToAddress("0x05")

	_, found, err := store.LoadNonceEntry(ctx, account)
	require.NoError(t, err)
	require.False(t, found)

	entry := NonceEntry{NextNonce: 12, InFlight: []uint64{10, 11}}
	require.NoError(t, store.SaveNonceEntry(ctx, account, entry))

	// The store keeps its own copy of the in-flight slice.
	entry.InFlight[0] = 99

	got, found, err := store.LoadNonceEntry(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(12), got.NextNonce)
	assert.Equal(t, []uint64{10, 11}, got.InFlight)
	assert.Equal(t, []common.Address{account}, store.NonceAccounts())
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, Received.CanTransitionTo(Signing))
	assert.True(t, Broadcast.CanTransitionTo(Included))
	assert.True(t, Included.CanTransitionTo(Confirmed))
	// Reorg: an included transaction can fall back to broadcast.
	assert.True(t, Included.CanTransitionTo(Broadcast))

	assert.False(t, Received.CanTransitionTo(Broadcast))
	assert.False(t, Broadcast.CanTransitionTo(Received))

	// Terminal states accept nothing.
	for _, next := range []TxState{Received, Signing, Broadcasting, Broadcast, Included, Confirmed, Failed} {
		assert.False(t, Confirmed.CanTransitionTo(next), "Confirmed -> %s", next)
		assert.False(t, Failed.CanTransitionTo(next), "Failed -> %s", next)
	}
}
