// Package keystore holds the relayer signing credentials behind the
// loop.Keystore seam, so the engine never touches raw private keys.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/smartcontractkit/chainlink-common/pkg/loop"
)

// InMemory keeps keys in process memory, keyed by their 0x address. Suitable
// for relayers provisioned from environment secrets; an HSM-backed
// implementation would satisfy the same interface.
type InMemory struct {
	keys map[string]*ecdsa.PrivateKey
}

var _ loop.Keystore = &InMemory{}

func New() *InMemory {
	return &InMemory{keys: map[string]*ecdsa.PrivateKey{}}
}

// NewFromHexKeys builds a keystore from hex-encoded private keys (with or
// without 0x prefix), e.g. from a RELAYER_KEYS environment variable.
func NewFromHexKeys(hexKeys []string) (*InMemory, error) {
	ks := New()
	for i, hk := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hk), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key at index %d: %w", i, err)
		}
		ks.Add(key)
	}
	return ks, nil
}

func (ks *InMemory) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ks.keys[addr.Hex()] = key
	return addr
}

// Sign signs the given hash with the account's key. A nil hash only checks
// that the account exists.
func (ks *InMemory) Sign(ctx context.Context, account string, hash []byte) ([]byte, error) {
	key, ok := ks.keys[account]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", account)
	}
	if hash == nil {
		return nil, nil
	}
	return crypto.Sign(hash, key)
}

func (ks *InMemory) Accounts(ctx context.Context) ([]string, error) {
	accounts := make([]string, 0, len(ks.keys))
	for id := range ks.keys {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Addresses returns the account set as addresses, in Accounts order.
func (ks *InMemory) Addresses() []common.Address {
	ids, _ := ks.Accounts(context.Background())
	out := make([]common.Address, len(ids))
	for i, id := range ids {
		out[i] = common.HexToAddress(id)
	}
	return out
}
