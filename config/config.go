// Package config holds the TOML configuration for relayd.
package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/pelletier/go-toml/v2"

	commonconfig "github.com/smartcontractkit/chainlink-common/pkg/config"

	"github.com/swapnet-labs/metatx-relay/txm"
)

type RelayConfig struct {
	// ChainID of the target ledger, decimal. Fetched from the node if unset.
	ChainID *string

	Node    NodeConfig
	Relay   ChainConfig
	Metrics MetricsConfig
}

type NodeConfig struct {
	Name *string
	URL  *commonconfig.URL
}

type ChainConfig struct {
	BlockingAcquire *bool

	BroadcastRetries    *uint
	BroadcastRetryDelay *commonconfig.Duration

	ConfirmPollPeriod *commonconfig.Duration
	StallTimeout      *commonconfig.Duration
	MaxResubmissions  *uint
	Confirmations     *uint64

	GasBumpPercent      *uint64
	GasPollPeriod       *commonconfig.Duration
	GasFetchTimeout     *commonconfig.Duration
	DefaultGasPriceGwei *uint64

	RetentionPeriod *commonconfig.Duration
	ReapInterval    *commonconfig.Duration
}

type MetricsConfig struct {
	Address *string
	// BalancePollPeriod drives the relayer balance monitor.
	BalancePollPeriod *commonconfig.Duration
}

// Load reads and validates a TOML config file, applying defaults.
func Load(path string) (*RelayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (*RelayConfig, error) {
	d := toml.NewDecoder(r)
	d.DisallowUnknownFields()

	var cfg RelayConfig
	if err := d.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config toml: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}
	return &cfg, nil
}

func (c *RelayConfig) SetDefaults() {
	if c.Relay.BlockingAcquire == nil {
		b := true
		c.Relay.BlockingAcquire = &b
	}
	if c.Relay.BroadcastRetries == nil {
		v := uint(3)
		c.Relay.BroadcastRetries = &v
	}
	if c.Relay.BroadcastRetryDelay == nil {
		c.Relay.BroadcastRetryDelay = commonconfig.MustNewDuration(2 * time.Second)
	}
	if c.Relay.ConfirmPollPeriod == nil {
		c.Relay.ConfirmPollPeriod = commonconfig.MustNewDuration(5 * time.Second)
	}
	if c.Relay.StallTimeout == nil {
		c.Relay.StallTimeout = commonconfig.MustNewDuration(90 * time.Second)
	}
	if c.Relay.MaxResubmissions == nil {
		v := uint(5)
		c.Relay.MaxResubmissions = &v
	}
	if c.Relay.Confirmations == nil {
		v := uint64(3)
		c.Relay.Confirmations = &v
	}
	if c.Relay.GasBumpPercent == nil {
		v := uint64(10)
		c.Relay.GasBumpPercent = &v
	}
	if c.Relay.GasPollPeriod == nil {
		c.Relay.GasPollPeriod = commonconfig.MustNewDuration(15 * time.Second)
	}
	if c.Relay.GasFetchTimeout == nil {
		c.Relay.GasFetchTimeout = commonconfig.MustNewDuration(2 * time.Second)
	}
	if c.Relay.DefaultGasPriceGwei == nil {
		v := uint64(20)
		c.Relay.DefaultGasPriceGwei = &v
	}
	if c.Relay.RetentionPeriod == nil {
		c.Relay.RetentionPeriod = commonconfig.MustNewDuration(24 * time.Hour)
	}
	if c.Relay.ReapInterval == nil {
		c.Relay.ReapInterval = commonconfig.MustNewDuration(time.Minute)
	}
	if c.Metrics.Address == nil {
		v := ":9100"
		c.Metrics.Address = &v
	}
	if c.Metrics.BalancePollPeriod == nil {
		c.Metrics.BalancePollPeriod = commonconfig.MustNewDuration(30 * time.Second)
	}
}

func (c *RelayConfig) ValidateConfig() error {
	var err error
	if c.Node.Name == nil {
		err = errors.Join(err, commonconfig.ErrMissing{Name: "Node.Name", Msg: "required"})
	} else if *c.Node.Name == "" {
		err = errors.Join(err, commonconfig.ErrEmpty{Name: "Node.Name", Msg: "required"})
	}
	if c.Node.URL == nil {
		err = errors.Join(err, commonconfig.ErrMissing{Name: "Node.URL", Msg: "required"})
	}
	if c.ChainID != nil {
		if _, ok := new(big.Int).SetString(*c.ChainID, 10); !ok {
			err = errors.Join(err, commonconfig.ErrInvalid{Name: "ChainID", Value: *c.ChainID, Msg: "must be a decimal integer"})
		}
	}
	if c.Relay.GasBumpPercent != nil && *c.Relay.GasBumpPercent == 0 {
		err = errors.Join(err, commonconfig.ErrInvalid{Name: "Relay.GasBumpPercent", Value: 0, Msg: "bump must be non-zero or resubmissions never reprice"})
	}
	return err
}

// TxmConfig maps the file config onto the engine config.
func (c *RelayConfig) TxmConfig() txm.Config {
	var chainID *big.Int
	if c.ChainID != nil {
		chainID, _ = new(big.Int).SetString(*c.ChainID, 10)
	}
	return txm.Config{
		ChainID:             chainID,
		BlockingAcquire:     *c.Relay.BlockingAcquire,
		BroadcastRetries:    *c.Relay.BroadcastRetries,
		BroadcastRetryDelay: c.Relay.BroadcastRetryDelay.Duration(),
		ConfirmPollPeriod:   c.Relay.ConfirmPollPeriod.Duration(),
		StallTimeout:        c.Relay.StallTimeout.Duration(),
		MaxResubmissions:    *c.Relay.MaxResubmissions,
		Confirmations:       *c.Relay.Confirmations,
		GasOracle: txm.GasOracleConfig{
			PollPeriod:   c.Relay.GasPollPeriod.Duration(),
			FetchTimeout: c.Relay.GasFetchTimeout.Duration(),
			BumpPercent:  *c.Relay.GasBumpPercent,
			DefaultPrice: new(big.Int).Mul(new(big.Int).SetUint64(*c.Relay.DefaultGasPriceGwei), big.NewInt(params.GWei)),
		},
		RetentionPeriod: c.Relay.RetentionPeriod.Duration(),
		ReapInterval:    c.Relay.ReapInterval.Duration(),
	}
}
