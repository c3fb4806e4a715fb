package txm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
	"github.com/smartcontractkit/chainlink-common/pkg/utils"
)

// ErrNoGasPrice is returned when no price was ever fetched and no default is
// configured.
var ErrNoGasPrice = errors.New("no gas price available")

type GasTier int

const (
	TierSafe GasTier = iota
	TierStandard
	TierFast
)

func (t GasTier) String() string {
	switch t {
	case TierSafe:
		return "safe"
	case TierStandard:
		return "standard"
	case TierFast:
		return "fast"
	default:
		return "unknown"
	}
}

// tier multipliers in percent of the upstream suggested price
var tierPercent = map[GasTier]int64{
	TierSafe:     90,
	TierStandard: 100,
	TierFast:     120,
}

type SuggestGasPriceClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type GasOracleConfig struct {
	PollPeriod   time.Duration
	FetchTimeout time.Duration
	// BumpPercent is the minimum relative increase applied by Bump.
	BumpPercent uint64
	// DefaultPrice serves callers before the first successful refresh.
	DefaultPrice *big.Int
}

// GasOracle polls the node for a recommended gas price and serves cached
// values. Callers are never blocked on the upstream: a refresh failure keeps
// the last-known price.
type GasOracle struct {
	services.StateMachine
	lggr   logger.Logger
	client SuggestGasPriceClient
	cfg    GasOracleConfig

	chStop services.StopChan
	done   sync.WaitGroup

	lock      sync.RWMutex
	basePrice *big.Int
	updatedAt time.Time
}

func NewGasOracle(lggr logger.Logger, client SuggestGasPriceClient, cfg GasOracleConfig) *GasOracle {
	return &GasOracle{
		lggr:      logger.Named(lggr, "GasOracle"),
		client:    client,
		cfg:       cfg,
		chStop:    make(services.StopChan),
		basePrice: cfg.DefaultPrice,
	}
}

func (o *GasOracle) Name() string {
	return o.lggr.Name()
}

func (o *GasOracle) Start(ctx context.Context) error {
	return o.StartOnce("GasOracle", func() error {
		o.refresh(ctx)
		o.done.Add(1)
		go o.pollLoop()
		return nil
	})
}

func (o *GasOracle) Close() error {
	return o.StopOnce("GasOracle", func() error {
		close(o.chStop)
		o.done.Wait()
		return nil
	})
}

func (o *GasOracle) HealthReport() map[string]error {
	return map[string]error{o.Name(): o.Healthy()}
}

func (o *GasOracle) pollLoop() {
	defer o.done.Done()

	ctx, cancel := o.chStop.NewCtx()
	defer cancel()

	tick := time.After(utils.WithJitter(o.cfg.PollPeriod))
	for {
		select {
		case <-tick:
			o.refresh(ctx)
			tick = time.After(utils.WithJitter(o.cfg.PollPeriod))
		case <-o.chStop:
			return
		}
	}
}

func (o *GasOracle) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	price, err := o.client.SuggestGasPrice(fetchCtx)
	if err != nil {
		// Keep serving the last-known value.
		o.lggr.Warnw("failed to refresh gas price, keeping last-known value", "err", err)
		return
	}

	o.lock.Lock()
	o.basePrice = price
	o.updatedAt = time.Now()
	o.lock.Unlock()

	o.lggr.Debugw("gas price refreshed", "price", price)
}

// CurrentPrice returns the cached recommendation scaled for the tier.
func (o *GasOracle) CurrentPrice(tier GasTier) (*big.Int, error) {
	o.lock.RLock()
	defer o.lock.RUnlock()

	if o.basePrice == nil {
		return nil, ErrNoGasPrice
	}
	pct, ok := tierPercent[tier]
	if !ok {
		pct = tierPercent[TierStandard]
	}
	return mulPercent(o.basePrice, pct), nil
}

// Bump computes a price strictly greater than prev by the configured percent.
// If a ceiling is set and the bumped price would exceed it, Bump returns
// ErrGasCapExceeded instead of clipping: an under-bumped resubmission would
// never be prioritized over the original.
func (o *GasOracle) Bump(prev *big.Int, ceiling *big.Int) (*big.Int, error) {
	bumped := mulPercent(prev, 100+int64(o.cfg.BumpPercent))
	if bumped.Cmp(prev) <= 0 {
		bumped = new(big.Int).Add(prev, big.NewInt(1))
	}
	if ceiling != nil && bumped.Cmp(ceiling) > 0 {
		return nil, ErrGasCapExceeded
	}
	return bumped, nil
}

func mulPercent(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}
