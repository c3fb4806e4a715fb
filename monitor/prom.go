package monitor

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var promRelayerBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{Name: "relayer_balance", Help: "Relayer account balances"},
	[]string{"account", "chainID", "denomination"},
)

func (b *balanceMonitor) updateProm(acc common.Address, wei *big.Int) {
	v := weiToEth(wei)
	promRelayerBalance.WithLabelValues(acc.Hex(), b.chainID, "ETH").Set(v)
}

// weiToEth converts wei to ether, with enough precision for a balance gauge.
func weiToEth(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether)).Float64()
	return f
}
