package txm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/loop"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/utils"

	"github.com/swapnet-labs/metatx-relay/chain"
)

var _ services.Service = &Txm{}

const (
	defaultBroadcastRetries    = 3
	defaultBroadcastRetryDelay = 2 * time.Second
	defaultConfirmPollPeriod   = 5 * time.Second
	defaultStallTimeout        = 90 * time.Second
	defaultMaxResubmissions    = 5
	defaultReapInterval        = time.Minute
	defaultRetentionPeriod     = time.Hour
	defaultGasPollPeriod       = 15 * time.Second
	defaultGasFetchTimeout     = 2 * time.Second
	defaultBumpPercent         = 10
)

// Txm is the transaction relay engine and its only upward-facing entry point.
// Submit validates nothing about the meta-transaction itself; it assigns a
// relayer account and a nonce, prices, signs and broadcasts, and hands the
// record to the tracker loop. GetStatus serves read-only snapshots.
type Txm struct {
	services.StateMachine
	lggr   logger.Logger
	ks     loop.Keystore
	client chain.Client
	cfg    Config

	records RecordStore
	ledger  *NonceLedger
	pool    *AccountPool
	oracle  *GasOracle
	signer  types.Signer

	chStop services.StopChan
	done   sync.WaitGroup
}

func New(lggr logger.Logger, ks loop.Keystore, client chain.Client, records RecordStore, nonces NonceStore, cfg Config) *Txm {
	if cfg.BroadcastRetries == 0 {
		cfg.BroadcastRetries = defaultBroadcastRetries
	}
	if cfg.BroadcastRetryDelay == 0 {
		cfg.BroadcastRetryDelay = defaultBroadcastRetryDelay
	}
	if cfg.ConfirmPollPeriod == 0 {
		cfg.ConfirmPollPeriod = defaultConfirmPollPeriod
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.MaxResubmissions == 0 {
		cfg.MaxResubmissions = defaultMaxResubmissions
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = defaultRetentionPeriod
	}
	if cfg.GasOracle.PollPeriod == 0 {
		cfg.GasOracle.PollPeriod = defaultGasPollPeriod
	}
	if cfg.GasOracle.FetchTimeout == 0 {
		cfg.GasOracle.FetchTimeout = defaultGasFetchTimeout
	}
	if cfg.GasOracle.BumpPercent == 0 {
		cfg.GasOracle.BumpPercent = defaultBumpPercent
	}

	lggr = logger.Named(lggr, "Txm")
	return &Txm{
		lggr:    lggr,
		ks:      ks,
		client:  client,
		cfg:     cfg,
		records: records,
		ledger:  NewNonceLedger(lggr, nonces, client),
		oracle:  NewGasOracle(lggr, client, cfg.GasOracle),
		chStop:  make(services.StopChan),
	}
}

func (t *Txm) Name() string {
	return t.lggr.Name()
}

func (t *Txm) HealthReport() map[string]error {
	return map[string]error{t.Name(): t.Healthy()}
}

func (t *Txm) Start(ctx context.Context) error {
	return t.StartOnce("Txm", func() error {
		accountIDs, err := t.ks.Accounts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list keystore accounts: %w", err)
		}
		if len(accountIDs) == 0 {
			return fmt.Errorf("keystore has no relayer accounts")
		}

		accounts := make([]common.Address, 0, len(accountIDs))
		for _, id := range accountIDs {
			if !common.IsHexAddress(id) {
				return fmt.Errorf("keystore account %q is not an address", id)
			}
			accounts = append(accounts, common.HexToAddress(id))
		}

		chainID := t.cfg.ChainID
		if chainID == nil {
			chainID, err = t.client.ChainID(ctx)
			if err != nil {
				return fmt.Errorf("failed to get chain id: %w", err)
			}
		}
		t.signer = types.LatestSignerForChainID(chainID)

		// Recovery: reconcile every account's counter with the confirmed
		// on-chain nonce before accepting submissions.
		for _, account := range accounts {
			if err := t.ledger.SyncFromChain(ctx, account); err != nil {
				return err
			}
		}
		if err := t.recoverStranded(ctx); err != nil {
			return err
		}
		t.pool = NewAccountPool(t.lggr, accounts, t.cfg.BlockingAcquire)

		if err := t.oracle.Start(ctx); err != nil {
			return fmt.Errorf("failed to start gas oracle: %w", err)
		}

		t.done.Add(2)
		go t.trackerLoop()
		go t.reapLoop()

		t.lggr.Infow("started", "accounts", len(accounts), "chainID", chainID)
		return nil
	})
}

func (t *Txm) Close() error {
	return t.StopOnce("Txm", func() error {
		close(t.chStop)
		t.done.Wait()
		return t.oracle.Close()
	})
}

// recoverStranded finalizes records a previous process left in a pre-broadcast
// state. No loop ever advances those again, so without this they would answer
// status queries forever without reaching a terminal state or being reaped.
// A nonce reserved by such a record stays in flight: the crashed process may
// have broadcast without recording it, and the ledger sync keeps the counter
// honest either way.
func (t *Txm) recoverStranded(ctx context.Context) error {
	stranded, err := t.records.PreBroadcast(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load stranded records")
	}
	for _, rec := range stranded {
		rec.Reason = ReasonPreSend
		if err := t.transition(ctx, rec, Failed); err != nil {
			return errors.Wrapf(err, "failed to finalize stranded record %s", rec.ID)
		}
		t.lggr.Warnw("finalized record stranded by a previous process", "id", rec.ID, "nonce", rec.Nonce)
	}
	return nil
}

// Submit relays a validated meta-transaction: assign account and nonce, price,
// sign, broadcast. It returns once the transaction is broadcast (or failed
// pre-send); confirmation is the tracker's job. Submitting an identifier that
// was already accepted returns the existing record unchanged.
func (t *Txm) Submit(ctx context.Context, req *TxRequest) (*RelayRecord, error) {
	if err := t.Ready(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	rec := &RelayRecord{
		ID:          id,
		To:          req.To,
		Data:        append([]byte(nil), req.Data...),
		Value:       cloneBig(req.Value),
		GasLimit:    req.GasLimit,
		MaxGasPrice: cloneBig(req.MaxGasPrice),
		State:       Received,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Fast path for duplicates, before touching the pool.
	if existing, err := t.records.Get(ctx, id); err == nil {
		t.lggr.Debugw("duplicate submission, returning existing record", "id", id, "state", existing.State)
		return existing, nil
	} else if !errors.Is(err, ErrTxNotFound) {
		return nil, errors.Wrap(err, "failed to look up relay record")
	}

	from, err := t.pool.Acquire(ctx)
	if err != nil {
		// Not accepted: nothing was stored, a later retry of the same
		// identifier starts fresh.
		return nil, err
	}
	defer t.pool.Release(from)

	nonce, err := t.ledger.Reserve(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve nonce")
	}

	rec.From = from
	rec.Nonce = nonce

	// The record is stored only once its account and nonce are assigned, so
	// every identifier a caller ever got back stays queryable. Losing the
	// insert race means a duplicate won concurrently; hand back its record
	// and return the fresh reservation.
	stored, created, err := t.records.CreateIfAbsent(ctx, rec)
	if err != nil {
		if rerr := t.ledger.Release(ctx, from, nonce); rerr != nil {
			t.lggr.Errorw("failed to release nonce after create failure", "id", id, "nonce", nonce, "err", rerr)
		}
		return nil, errors.Wrap(err, "failed to create relay record")
	}
	if !created {
		if rerr := t.ledger.Release(ctx, from, nonce); rerr != nil {
			t.lggr.Errorw("failed to release nonce after duplicate submission", "id", id, "nonce", nonce, "err", rerr)
		}
		t.lggr.Debugw("duplicate submission, returning existing record", "id", id, "state", stored.State)
		return stored, nil
	}

	if err := t.transition(ctx, rec, Signing); err != nil {
		return t.failPreSend(ctx, rec, err)
	}

	price, err := t.oracle.CurrentPrice(TierStandard)
	if err != nil {
		return t.failPreSend(ctx, rec, errors.Wrap(err, "failed to price transaction"))
	}
	// The first attempt may be clipped to the caller's ceiling; only bumps
	// refuse to exceed it.
	if req.MaxGasPrice != nil && price.Cmp(req.MaxGasPrice) > 0 {
		price = new(big.Int).Set(req.MaxGasPrice)
	}

	signedTx, err := t.buildAndSign(ctx, rec, price)
	if err != nil {
		return t.failPreSend(ctx, rec, err)
	}

	if err := t.transition(ctx, rec, Broadcasting); err != nil {
		return t.failPreSend(ctx, rec, err)
	}

	if err := t.broadcastWithRetry(ctx, signedTx); err != nil {
		return t.failPreSend(ctx, rec, err)
	}

	rec.Attempts = append(rec.Attempts, TxAttempt{Hash: signedTx.Hash(), GasPrice: price, BroadcastAt: time.Now()})
	if err := t.transition(ctx, rec, Broadcast); err != nil {
		return nil, err
	}

	promSubmissions.WithLabelValues("broadcast").Inc()
	t.lggr.Infow("transaction broadcast", "id", id, "from", from, "nonce", nonce, "txHash", signedTx.Hash(), "gasPrice", price)

	return rec.Copy(), nil
}

// GetStatus returns a read-only snapshot of the record. It never errors for
// an identifier that was accepted by Submit.
func (t *Txm) GetStatus(ctx context.Context, id string) (*RelayRecord, error) {
	return t.records.Get(ctx, id)
}

// SignerStatus describes one relayer account for the status surface.
type SignerStatus struct {
	Account        common.Address
	Busy           bool
	InFlightNonces int
	Balance        *big.Int
}

func (t *Txm) SignerStatus(ctx context.Context) ([]SignerStatus, error) {
	if err := t.Ready(); err != nil {
		return nil, err
	}
	var out []SignerStatus
	for _, account := range t.pool.Accounts() {
		s := SignerStatus{
			Account:        account,
			Busy:           t.pool.Busy(account),
			InFlightNonces: t.ledger.InFlightCount(account),
		}
		if bal, err := t.client.BalanceAt(ctx, account, nil); err == nil {
			s.Balance = bal
		}
		out = append(out, s)
	}
	return out, nil
}

// InflightCount reports how many records the tracker currently owns.
func (t *Txm) InflightCount() int {
	recs, err := t.records.NonTerminal(context.Background())
	if err != nil {
		return 0
	}
	return len(recs)
}

func (t *Txm) buildAndSign(ctx context.Context, rec *RelayRecord, gasPrice *big.Int) (*types.Transaction, error) {
	value := rec.Value
	if value == nil {
		value = new(big.Int)
	}
	to := rec.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    rec.Nonce,
		GasPrice: gasPrice,
		Gas:      rec.GasLimit,
		To:       &to,
		Value:    value,
		Data:     rec.Data,
	})

	h := t.signer.Hash(tx)
	sig, err := t.ks.Sign(ctx, rec.From.Hex(), h.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	signedTx, err := tx.WithSignature(t.signer, sig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to attach signature")
	}
	return signedTx, nil
}

func (t *Txm) broadcastWithRetry(ctx context.Context, tx *types.Transaction) error {
	var lastErr error
	for attempt := uint(1); attempt <= t.cfg.BroadcastRetries; attempt++ {
		err := t.client.SendTransaction(ctx, tx)
		if err == nil {
			return nil
		}
		// The node already has this transaction in its mempool; the broadcast
		// achieved its purpose.
		if strings.Contains(err.Error(), "already known") {
			t.lggr.Debugw("transaction already known", "txHash", tx.Hash())
			return nil
		}
		if !retryableBroadcastError(err) {
			return err
		}

		lastErr = err
		t.lggr.Debugw("transient broadcast error, retrying after delay", "attempt", attempt, "txHash", tx.Hash(), "err", err)

		select {
		case <-time.After(t.cfg.BroadcastRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("broadcast retries exhausted: %w", lastErr)
}

// retryableBroadcastError reports whether a broadcast failure is worth another
// attempt with the same payload. Nonce and funding errors will not heal on
// their own; everything else is treated as a transient network condition.
func retryableBroadcastError(err error) bool {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds block gas limit"):
		return false
	}
	return true
}

// failPreSend finalizes a record that never reached the network: the nonce
// goes back to the ledger, the record goes terminal, and the classified error
// is surfaced to the caller.
func (t *Txm) failPreSend(ctx context.Context, rec *RelayRecord, cause error) (*RelayRecord, error) {
	if err := t.ledger.Release(ctx, rec.From, rec.Nonce); err != nil {
		t.lggr.Errorw("failed to release nonce after pre-send failure", "id", rec.ID, "nonce", rec.Nonce, "err", err)
	}

	rec.Reason = ReasonPreSend
	if err := t.transition(ctx, rec, Failed); err != nil {
		t.lggr.Errorw("failed to finalize pre-send failure", "id", rec.ID, "err", err)
	}
	promSubmissions.WithLabelValues("presend_failure").Inc()
	t.lggr.Errorw("pre-send failure", "id", rec.ID, "from", rec.From, "nonce", rec.Nonce, "err", cause)

	return rec.Copy(), cause
}

func (t *Txm) transition(ctx context.Context, rec *RelayRecord, to TxState) error {
	if !rec.State.CanTransitionTo(to) {
		return fmt.Errorf("invalid state transition: %s -> %s (id: %s)", rec.State, to, rec.ID)
	}
	rec.State = to
	rec.UpdatedAt = time.Now()
	if to.Terminal() {
		promTerminal.WithLabelValues(to.String(), rec.Reason.String()).Inc()
	}
	if err := t.records.Update(ctx, rec); err != nil {
		return errors.Wrapf(err, "failed to persist state %s for %s", to, rec.ID)
	}
	return nil
}

func (t *Txm) trackerLoop() {
	defer t.done.Done()

	ctx, cancel := t.chStop.NewCtx()
	defer cancel()

	t.lggr.Debugw("trackerLoop: started")

	tick := time.After(utils.WithJitter(t.cfg.ConfirmPollPeriod))
	for {
		select {
		case <-tick:
			start := time.Now()
			t.checkNonTerminal(ctx)
			remaining := t.cfg.ConfirmPollPeriod - time.Since(start)
			tick = time.After(utils.WithJitter(remaining.Abs()))
		case <-t.chStop:
			t.lggr.Debugw("trackerLoop: stopped")
			return
		}
	}
}

func (t *Txm) checkNonTerminal(ctx context.Context) {
	recs, err := t.records.NonTerminal(ctx)
	if err != nil {
		t.lggr.Errorw("could not load non-terminal records", "err", err)
		return
	}
	promInflight.Set(float64(len(recs)))
	if len(recs) == 0 {
		return
	}

	head, err := t.client.BlockNumber(ctx)
	if err != nil {
		t.lggr.Errorw("could not get latest block number", "err", err)
		return
	}

	for _, rec := range recs {
		t.pollRecord(ctx, rec, head)
	}
}

// pollRecord advances one record's state machine. The tracker loop is the
// single writer for every record past Broadcast.
func (t *Txm) pollRecord(ctx context.Context, rec *RelayRecord, head uint64) {
	receipt := t.findReceipt(ctx, rec)

	switch {
	case receipt != nil && receipt.Status == types.ReceiptStatusFailed:
		// Reverted on chain. The nonce was consumed regardless.
		rec.Reason = ReasonReverted
		if err := t.transition(ctx, rec, Failed); err != nil {
			t.lggr.Errorw("could not finalize reverted record", "id", rec.ID, "err", err)
			return
		}
		if err := t.ledger.Confirm(ctx, rec.From, rec.Nonce); err != nil {
			t.lggr.Errorw("could not confirm reverted nonce", "id", rec.ID, "err", err)
		}
		t.lggr.Warnw("transaction reverted", "id", rec.ID, "txHash", receipt.TxHash, "blockNumber", receipt.BlockNumber)

	case receipt != nil:
		if rec.State == Broadcast {
			rec.IncludedBlock = receipt.BlockNumber.Uint64()
			if err := t.transition(ctx, rec, Included); err != nil {
				t.lggr.Errorw("could not mark record included", "id", rec.ID, "err", err)
				return
			}
			t.lggr.Infow("transaction included", "id", rec.ID, "txHash", receipt.TxHash, "blockNumber", rec.IncludedBlock)
		}
		if rec.State == Included && head >= rec.IncludedBlock+t.cfg.Confirmations {
			if err := t.transition(ctx, rec, Confirmed); err != nil {
				t.lggr.Errorw("could not confirm record", "id", rec.ID, "err", err)
				return
			}
			if err := t.ledger.Confirm(ctx, rec.From, rec.Nonce); err != nil {
				t.lggr.Errorw("could not confirm nonce", "id", rec.ID, "err", err)
			}
			t.lggr.Infow("transaction confirmed", "id", rec.ID, "txHash", receipt.TxHash, "blockNumber", rec.IncludedBlock)
		}

	case rec.State == Included:
		// Receipt disappeared after inclusion: reorg. Back to the retry loop.
		t.lggr.Warnw("receipt missing after inclusion, moving back to broadcast", "id", rec.ID)
		rec.IncludedBlock = 0
		if err := t.transition(ctx, rec, Broadcast); err != nil {
			t.lggr.Errorw("could not move reorged record back to broadcast", "id", rec.ID, "err", err)
		}

	default:
		latest := rec.LatestAttempt()
		if latest == nil {
			t.lggr.Errorw("broadcast record without attempts", "id", rec.ID)
			return
		}
		if time.Since(latest.BroadcastAt) < t.cfg.StallTimeout {
			return
		}

		// The nonce may have been consumed by something else entirely (an
		// operator transaction, a previous process). No attempt of ours can
		// land then.
		confirmedNonce, err := t.client.NonceAt(ctx, rec.From, nil)
		if err == nil && confirmedNonce > rec.Nonce {
			rec.Reason = ReasonDropped
			if terr := t.transition(ctx, rec, Failed); terr != nil {
				t.lggr.Errorw("could not finalize dropped record", "id", rec.ID, "err", terr)
				return
			}
			if cerr := t.ledger.Confirm(ctx, rec.From, rec.Nonce); cerr != nil {
				t.lggr.Errorw("could not confirm dropped nonce", "id", rec.ID, "err", cerr)
			}
			t.lggr.Warnw("nonce consumed without receipt, transaction dropped", "id", rec.ID, "nonce", rec.Nonce, "confirmedNonce", confirmedNonce)
			return
		}

		t.resubmit(ctx, rec)
	}
}

// findReceipt scans the record's attempts newest-first; any attempt may have
// landed, not just the latest bump.
func (t *Txm) findReceipt(ctx context.Context, rec *RelayRecord) *types.Receipt {
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		receipt, err := t.client.TransactionReceipt(ctx, rec.Attempts[i].Hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				t.lggr.Errorw("could not get receipt", "id", rec.ID, "txHash", rec.Attempts[i].Hash, "err", err)
			}
			continue
		}
		if receipt != nil {
			return receipt
		}
	}
	return nil
}

// resubmit rebroadcasts a stalled record on the same nonce with a bumped gas
// price. Exceeding the resubmission budget or the caller's ceiling expires the
// record; the nonce stays reserved until an operator clears it, since
// releasing it would desynchronize the on-chain sequence.
func (t *Txm) resubmit(ctx context.Context, rec *RelayRecord) {
	if uint(len(rec.Attempts)) > t.cfg.MaxResubmissions {
		rec.Reason = ReasonExpired
		if err := t.transition(ctx, rec, Failed); err != nil {
			t.lggr.Errorw("could not expire record", "id", rec.ID, "err", err)
			return
		}
		t.lggr.Errorw("resubmission budget exhausted, transaction expired", "id", rec.ID, "nonce", rec.Nonce, "attempts", len(rec.Attempts))
		return
	}

	latest := rec.LatestAttempt()
	bumped, err := t.oracle.Bump(latest.GasPrice, rec.MaxGasPrice)
	if err != nil {
		if errors.Is(err, ErrGasCapExceeded) {
			rec.Reason = ReasonExpired
			if terr := t.transition(ctx, rec, Failed); terr != nil {
				t.lggr.Errorw("could not expire capped record", "id", rec.ID, "err", terr)
				return
			}
			t.lggr.Errorw("gas cap exceeded, transaction expired", "id", rec.ID, "nonce", rec.Nonce, "lastGasPrice", latest.GasPrice, "cap", rec.MaxGasPrice)
			return
		}
		t.lggr.Errorw("could not bump gas price", "id", rec.ID, "err", err)
		return
	}

	signedTx, err := t.buildAndSign(ctx, rec, bumped)
	if err != nil {
		t.lggr.Errorw("could not sign resubmission", "id", rec.ID, "err", err)
		return
	}

	if err := t.broadcastWithRetry(ctx, signedTx); err != nil {
		// Leave the record as-is; the next poll cycle tries again.
		t.lggr.Errorw("resubmission failed to broadcast", "id", rec.ID, "txHash", signedTx.Hash(), "err", err)
		return
	}

	rec.Attempts = append(rec.Attempts, TxAttempt{Hash: signedTx.Hash(), GasPrice: bumped, BroadcastAt: time.Now()})
	rec.UpdatedAt = time.Now()
	if err := t.records.Update(ctx, rec); err != nil {
		t.lggr.Errorw("could not persist resubmission attempt", "id", rec.ID, "err", err)
		return
	}

	promResubmissions.Inc()
	t.lggr.Infow("resubmitted with bumped gas price", "id", rec.ID, "nonce", rec.Nonce, "attempt", len(rec.Attempts), "previousTxHash", latest.Hash, "txHash", signedTx.Hash(), "gasPrice", bumped)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func (t *Txm) reapLoop() {
	defer t.done.Done()

	ctx, cancel := t.chStop.NewCtx()
	defer cancel()

	tick := time.After(t.cfg.ReapInterval)
	for {
		select {
		case <-tick:
			cutoff := time.Now().Add(-t.cfg.RetentionPeriod)
			reaped, err := t.records.ReapTerminal(ctx, cutoff)
			if err != nil {
				t.lggr.Errorw("failed to reap terminal records", "err", err)
			} else if reaped > 0 {
				t.lggr.Debugw("reaped terminal records", "count", reaped)
			}
			tick = time.After(t.cfg.ReapInterval)
		case <-t.chStop:
			return
		}
	}
}
