// Package store persists relay records and the nonce ledger in postgres.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/swapnet-labs/metatx-relay/txm"
)

// Store implements txm.RecordStore and txm.NonceStore on postgres via gorm.
type Store struct {
	db   *gorm.DB
	lggr logger.Logger
}

var (
	_ txm.RecordStore = &Store{}
	_ txm.NonceStore  = &Store{}
)

// Open connects to postgres and migrates the schema.
func Open(dsn string, lggr logger.Logger) (*Store, error) {
	lggr = logger.Named(lggr, "Store")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(lggr),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := db.AutoMigrate(&relayRecord{}, &nonceEntry{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}

	return &Store{db: db, lggr: lggr}, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, rec *txm.RelayRecord) (*txm.RelayRecord, bool, error) {
	m, err := toModel(rec)
	if err != nil {
		return nil, false, err
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "failed to insert relay record")
	}
	if res.RowsAffected > 0 {
		return rec.Copy(), true, nil
	}

	existing, err := s.Get(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) Update(ctx context.Context, rec *txm.RelayRecord) error {
	m, err := toModel(rec)
	if err != nil {
		return err
	}

	// Column map, not struct: struct-form Updates would skip zero values and
	// drop resets like IncludedBlock going back to 0 after a reorg.
	res := s.db.WithContext(ctx).Model(&relayRecord{}).Where("id = ?", m.ID).Updates(m.updateColumns())
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update relay record %s", m.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("no such record: %s", m.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*txm.RelayRecord, error) {
	var m relayRecord
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, txm.ErrTxNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load relay record %s", id)
	}
	return fromModel(&m)
}

func (s *Store) NonTerminal(ctx context.Context) ([]*txm.RelayRecord, error) {
	var ms []relayRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", []int{int(txm.Broadcast), int(txm.Included)}).
		Order("created_at asc").
		Find(&ms).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load non-terminal records")
	}

	out := make([]*txm.RelayRecord, 0, len(ms))
	for i := range ms {
		rec, err := fromModel(&ms[i])
		if err != nil {
			// Surface the corruption but keep tracking the healthy rows.
			s.lggr.Errorw("skipping corrupt relay record", "id", ms[i].ID, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) PreBroadcast(ctx context.Context) ([]*txm.RelayRecord, error) {
	var ms []relayRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", []int{int(txm.Received), int(txm.Signing), int(txm.Broadcasting)}).
		Order("created_at asc").
		Find(&ms).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pre-broadcast records")
	}

	out := make([]*txm.RelayRecord, 0, len(ms))
	for i := range ms {
		rec, err := fromModel(&ms[i])
		if err != nil {
			s.lggr.Errorw("skipping corrupt relay record", "id", ms[i].ID, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ReapTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []int{int(txm.Confirmed), int(txm.Failed)}, cutoff).
		Delete(&relayRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to reap terminal records")
	}
	return int(res.RowsAffected), nil
}

func (s *Store) LoadNonceEntry(ctx context.Context, account common.Address) (txm.NonceEntry, bool, error) {
	var m nonceEntry
	err := s.db.WithContext(ctx).First(&m, "account = ?", account.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return txm.NonceEntry{}, false, nil
	}
	if err != nil {
		return txm.NonceEntry{}, false, errors.Wrapf(err, "failed to load nonce entry for %s", account)
	}

	var inFlight []uint64
	if m.InFlight != "" {
		if err := json.Unmarshal([]byte(m.InFlight), &inFlight); err != nil {
			return txm.NonceEntry{}, false, errors.Wrapf(err, "corrupt in-flight set for %s", account)
		}
	}
	return txm.NonceEntry{NextNonce: m.NextNonce, InFlight: inFlight}, true, nil
}

// SaveNonceEntry upserts the account's counter in a transaction with a row
// lock, so the persisted sequence moves atomically even with multiple relayd
// processes pointed at one database.
func (s *Store) SaveNonceEntry(ctx context.Context, account common.Address, entry txm.NonceEntry) error {
	raw, err := json.Marshal(entry.InFlight)
	if err != nil {
		return errors.Wrap(err, "failed to encode in-flight set")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing nonceEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "account = ?", account.Hex()).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(err, "failed to lock nonce entry for %s", account)
		}

		m := nonceEntry{
			Account:   account.Hex(),
			NextNonce: entry.NextNonce,
			InFlight:  string(raw),
			UpdatedAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account"}},
			UpdateAll: true,
		}).Create(&m).Error; err != nil {
			return errors.Wrapf(err, "failed to save nonce entry for %s", account)
		}
		return nil
	})
}
