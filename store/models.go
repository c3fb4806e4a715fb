package store

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/swapnet-labs/metatx-relay/txm"
)

// relayRecord is the relay_records row. Attempt lists and big integers are
// stored as JSON/decimal strings; postgres numeric mapping is not worth the
// precision risk for values that are only ever round-tripped.
type relayRecord struct {
	ID          string `gorm:"primaryKey"`
	FromAddress string `gorm:"index"`
	Nonce       uint64
	ToAddress   string
	Data        []byte
	Value       string
	GasLimit    uint64
	MaxGasPrice string
	State       int `gorm:"index"`
	Reason      int
	Attempts    string

	IncludedBlock uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (relayRecord) TableName() string {
	return "relay_records"
}

type storedAttempt struct {
	Hash        string    `json:"hash"`
	GasPrice    string    `json:"gasPrice"`
	BroadcastAt time.Time `json:"broadcastAt"`
}

// nonceEntry is the nonce_entries row, one per relayer account.
type nonceEntry struct {
	Account   string `gorm:"primaryKey"`
	NextNonce uint64
	InFlight  string
	UpdatedAt time.Time
}

func (nonceEntry) TableName() string {
	return "nonce_entries"
}

func toModel(rec *txm.RelayRecord) (*relayRecord, error) {
	attempts := make([]storedAttempt, len(rec.Attempts))
	for i, a := range rec.Attempts {
		attempts[i] = storedAttempt{
			Hash:        a.Hash.Hex(),
			GasPrice:    bigToString(a.GasPrice),
			BroadcastAt: a.BroadcastAt,
		}
	}
	raw, err := json.Marshal(attempts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode attempts")
	}

	return &relayRecord{
		ID:            rec.ID,
		FromAddress:   rec.From.Hex(),
		Nonce:         rec.Nonce,
		ToAddress:     rec.To.Hex(),
		Data:          rec.Data,
		Value:         bigToString(rec.Value),
		GasLimit:      rec.GasLimit,
		MaxGasPrice:   bigToString(rec.MaxGasPrice),
		State:         int(rec.State),
		Reason:        int(rec.Reason),
		Attempts:      string(raw),
		IncludedBlock: rec.IncludedBlock,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

// updateColumns lists every mutable column explicitly, zero values included.
func (m *relayRecord) updateColumns() map[string]any {
	return map[string]any{
		"from_address":   m.FromAddress,
		"nonce":          m.Nonce,
		"to_address":     m.ToAddress,
		"data":           m.Data,
		"value":          m.Value,
		"gas_limit":      m.GasLimit,
		"max_gas_price":  m.MaxGasPrice,
		"state":          m.State,
		"reason":         m.Reason,
		"attempts":       m.Attempts,
		"included_block": m.IncludedBlock,
		"updated_at":     m.UpdatedAt,
	}
}

func fromModel(m *relayRecord) (*txm.RelayRecord, error) {
	var stored []storedAttempt
	if m.Attempts != "" {
		if err := json.Unmarshal([]byte(m.Attempts), &stored); err != nil {
			return nil, errors.Wrapf(err, "corrupt attempts for record %s", m.ID)
		}
	}
	attempts := make([]txm.TxAttempt, len(stored))
	for i, a := range stored {
		attempts[i] = txm.TxAttempt{
			Hash:        common.HexToHash(a.Hash),
			GasPrice:    stringToBig(a.GasPrice),
			BroadcastAt: a.BroadcastAt,
		}
	}

	return &txm.RelayRecord{
		ID:            m.ID,
		From:          common.HexToAddress(m.FromAddress),
		Nonce:         m.Nonce,
		To:            common.HexToAddress(m.ToAddress),
		Data:          m.Data,
		Value:         stringToBig(m.Value),
		GasLimit:      m.GasLimit,
		MaxGasPrice:   stringToBig(m.MaxGasPrice),
		State:         txm.TxState(m.State),
		Reason:        txm.FailureReason(m.Reason),
		Attempts:      attempts,
		IncludedBlock: m.IncludedBlock,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func bigToString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func stringToBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
