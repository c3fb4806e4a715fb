package txm

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/utils/tests"

	"github.com/swapnet-labs/metatx-relay/mocks"
)

var testAccount = common.HexToAddress("0x27b1fdb04752bbc536007a920d24acb045561c26")

func newTestLedger(t *testing.T, chainNonce uint64) (*NonceLedger, *MemoryStore) {
	client := mocks.NewChainClient(t)
	client.On("NonceAt", mock.Anything, mock.Anything, mock.Anything).Maybe().Return(chainNonce, nil)

	store := NewMemoryStore()
	return NewNonceLedger(logger.Test(t), store, client), store
}

func TestNonceLedgerReserve(t *testing.T) {
	t.Parallel()

	t.Run("initializes from confirmed chain nonce", func(t *testing.T) {
		ledger, _ := newTestLedger(t, 7)
		ctx := tests.Context(t)

		nonce, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, uint64(7), nonce)

		nonce, err = ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, uint64(8), nonce)
	})

	t.Run("concurrent reservations are gapless and duplicate-free", func(t *testing.T) {
		ledger, _ := newTestLedger(t, 100)
		ctx := tests.Context(t)

		const n = 50
		nonces := make(chan uint64, n)
		errs := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				nonce, err := ledger.Reserve(ctx, testAccount)
				if err != nil {
					errs <- err
					return
				}
				nonces <- nonce
			}()
		}
		wg.Wait()
		close(nonces)
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		seen := map[uint64]bool{}
		for nonce := range nonces {
			require.False(t, seen[nonce], "duplicate nonce %d", nonce)
			seen[nonce] = true
		}
		for i := uint64(100); i < 100+n; i++ {
			require.True(t, seen[i], "missing nonce %d", i)
		}
	})

	t.Run("persists counter before returning", func(t *testing.T) {
		ledger, store := newTestLedger(t, 0)
		ctx := tests.Context(t)

		nonce, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)

		entry, found, err := store.LoadNonceEntry(ctx, testAccount)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, nonce+1, entry.NextNonce)
		require.Equal(t, []uint64{nonce}, entry.InFlight)
	})
}

func TestNonceLedgerRelease(t *testing.T) {
	t.Parallel()

	t.Run("released nonce is handed out again", func(t *testing.T) {
		ledger, _ := newTestLedger(t, 3)
		ctx := tests.Context(t)

		nonce, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.NoError(t, ledger.Release(ctx, testAccount, nonce))

		again, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, nonce, again)
	})

	t.Run("unknown nonce errors", func(t *testing.T) {
		ledger, _ := newTestLedger(t, 3)
		ctx := tests.Context(t)

		err := ledger.Release(ctx, testAccount, 99)
		require.ErrorContains(t, err, "not in flight")
	})
}

func TestNonceLedgerConfirm(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger(t, 0)
	ctx := tests.Context(t)

	nonce, err := ledger.Reserve(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.InFlightCount(testAccount))

	require.NoError(t, ledger.Confirm(ctx, testAccount, nonce))
	require.Equal(t, 0, ledger.InFlightCount(testAccount))

	// Confirming is not releasing: the counter does not step back.
	next, err := ledger.Reserve(ctx, testAccount)
	require.NoError(t, err)
	require.Equal(t, nonce+1, next)
}

func TestNonceLedgerRecovery(t *testing.T) {
	t.Parallel()

	t.Run("persisted counter behind chain advances", func(t *testing.T) {
		// Simulates a restart after other processes consumed nonces: the
		// store remembers nextNonce=2 but the chain confirmed through 9.
		client := mocks.NewChainClient(t)
		client.On("NonceAt", mock.Anything, testAccount, mock.Anything).Return(uint64(10), nil)

		store := NewMemoryStore()
		ctx := tests.Context(t)
		require.NoError(t, store.SaveNonceEntry(ctx, testAccount, NonceEntry{NextNonce: 2, InFlight: []uint64{1}}))

		ledger := NewNonceLedger(logger.Test(t), store, client)
		require.NoError(t, ledger.SyncFromChain(ctx, testAccount))

		nonce, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, uint64(10), nonce)

		// The stale in-flight nonce below the confirmed counter was dropped.
		require.Equal(t, 1, ledger.InFlightCount(testAccount))
	})

	t.Run("crash between reservation and broadcast never reuses the nonce", func(t *testing.T) {
		client := mocks.NewChainClient(t)
		client.On("NonceAt", mock.Anything, testAccount, mock.Anything).Return(uint64(5), nil)

		store := NewMemoryStore()
		ctx := tests.Context(t)

		ledger := NewNonceLedger(logger.Test(t), store, client)
		nonce, err := ledger.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, uint64(5), nonce)

		// "Crash": a fresh ledger over the same store. The reserved-but-never-
		// broadcast nonce stays stuck in flight rather than being reused.
		recovered := NewNonceLedger(logger.Test(t), store, client)
		require.NoError(t, recovered.SyncFromChain(ctx, testAccount))

		next, err := recovered.Reserve(ctx, testAccount)
		require.NoError(t, err)
		require.Equal(t, uint64(6), next)
		require.Equal(t, 2, recovered.InFlightCount(testAccount))
	})
}
