package txm

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrPoolExhausted is returned by Submit when no relayer account is free
	// and the pool is configured to fail fast. Callers should retry later.
	ErrPoolExhausted = errors.New("relayer account pool exhausted")

	// ErrGasCapExceeded is returned when a gas price bump would exceed the
	// request's max gas price ceiling. We never silently under-bump.
	ErrGasCapExceeded = errors.New("gas price bump exceeds cap")

	// ErrTxNotFound is returned by GetStatus for an identifier that was never
	// accepted by Submit.
	ErrTxNotFound = errors.New("transaction not found")
)

type TxState int

const (
	NotFound TxState = iota
	Received
	Signing
	Broadcasting
	Broadcast
	Included
	Confirmed
	Failed
)

func (s TxState) String() string {
	switch s {
	case NotFound:
		return "NotFound"
	case Received:
		return "Received"
	case Signing:
		return "Signing"
	case Broadcasting:
		return "Broadcasting"
	case Broadcast:
		return "Broadcast"
	case Included:
		return "Included"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("TxState(%d)", s)
	}
}

// Terminal states accept no further transitions.
func (s TxState) Terminal() bool {
	return s == Confirmed || s == Failed
}

var stateTransitions = map[TxState][]TxState{
	Received:     {Signing, Failed},
	Signing:      {Broadcasting, Failed},
	Broadcasting: {Broadcast, Failed},
	Broadcast:    {Included, Failed},
	// Included can move back to Broadcast if the receipt disappears in a reorg.
	Included: {Confirmed, Broadcast, Failed},
}

func (s TxState) CanTransitionTo(t TxState) bool {
	allowed, exists := stateTransitions[s]
	if !exists {
		return false
	}

	for _, a := range allowed {
		if t == a {
			return true
		}
	}

	return false
}

// FailureReason classifies terminal failures on a RelayRecord.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	// ReasonPreSend: signing or broadcast failed before any on-chain
	// footprint. The nonce was released; the request may be retried.
	ReasonPreSend
	// ReasonReverted: the transaction executed and reverted. The nonce was
	// consumed on chain.
	ReasonReverted
	// ReasonDropped: the account's confirmed nonce advanced past the record's
	// nonce without any attempt landing, so the nonce was consumed elsewhere.
	ReasonDropped
	// ReasonExpired: the transaction stalled past the resubmission budget or
	// the gas price ceiling. The nonce stays reserved until an operator
	// intervenes; releasing it would desynchronize the on-chain sequence.
	ReasonExpired
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonPreSend:
		return "PreSend"
	case ReasonReverted:
		return "Reverted"
	case ReasonDropped:
		return "Dropped"
	case ReasonExpired:
		return "Expired"
	default:
		return fmt.Sprintf("FailureReason(%d)", r)
	}
}

// TxRequest is an already-validated, already-signed meta-transaction payload.
// Signature and payload validation happen upstream; the relay only assigns an
// account and a nonce, prices the transaction, and submits it.
type TxRequest struct {
	// ID is the meta-transaction hash and uniquely identifies the request.
	// Submitting the same ID twice returns the existing record.
	ID       string
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	// MaxGasPrice is an optional ceiling in wei. Gas bumps never exceed it.
	MaxGasPrice *big.Int
}

// TxAttempt is one broadcast of a record's transaction. The first attempt is
// the original submission, subsequent ones are gas-bumped resubmissions on the
// same nonce.
type TxAttempt struct {
	Hash        common.Hash
	GasPrice    *big.Int
	BroadcastAt time.Time
}

// RelayRecord is the authoritative status object for a submitted request.
// It is single-writer: the submission path owns it until it reaches Broadcast,
// after which the status tracker owns it. Readers always get deep copies.
type RelayRecord struct {
	ID    string
	From  common.Address
	Nonce uint64

	To          common.Address
	Data        []byte
	Value       *big.Int
	GasLimit    uint64
	MaxGasPrice *big.Int

	State  TxState
	Reason FailureReason

	// Attempts is append-only, ordered by broadcast time.
	Attempts []TxAttempt

	IncludedBlock uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *RelayRecord) LatestAttempt() *TxAttempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

func (r *RelayRecord) Terminal() bool {
	return r.State.Terminal()
}

// Copy returns a deep copy so readers never observe a partially updated
// attempt list.
func (r *RelayRecord) Copy() *RelayRecord {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	if r.Value != nil {
		c.Value = new(big.Int).Set(r.Value)
	}
	if r.MaxGasPrice != nil {
		c.MaxGasPrice = new(big.Int).Set(r.MaxGasPrice)
	}
	c.Attempts = make([]TxAttempt, len(r.Attempts))
	for i, a := range r.Attempts {
		c.Attempts[i] = TxAttempt{Hash: a.Hash, BroadcastAt: a.BroadcastAt}
		if a.GasPrice != nil {
			c.Attempts[i].GasPrice = new(big.Int).Set(a.GasPrice)
		}
	}
	return &c
}
