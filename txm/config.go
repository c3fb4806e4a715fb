package txm

import (
	"math/big"
	"time"
)

type Config struct {
	// ChainID of the target ledger; fetched from the node when nil.
	ChainID *big.Int

	// BlockingAcquire queues submissions when the pool is exhausted instead of
	// failing fast with ErrPoolExhausted.
	BlockingAcquire bool

	// BroadcastRetries bounds transient-error retries per broadcast, with
	// BroadcastRetryDelay between attempts.
	BroadcastRetries    uint
	BroadcastRetryDelay time.Duration

	// ConfirmPollPeriod drives the status tracker loop.
	ConfirmPollPeriod time.Duration
	// StallTimeout is how long an attempt may sit without a receipt before a
	// gas-bumped resubmission on the same nonce.
	StallTimeout time.Duration
	// MaxResubmissions bounds gas-bumped resubmissions before Failed(Expired).
	MaxResubmissions uint
	// Confirmations is the block depth required after inclusion before a
	// record is Confirmed.
	Confirmations uint64

	GasOracle GasOracleConfig

	// Terminal records are kept for RetentionPeriod and reaped on a
	// ReapInterval cadence.
	RetentionPeriod time.Duration
	ReapInterval    time.Duration
}
