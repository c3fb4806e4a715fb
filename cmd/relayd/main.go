// relayd runs the meta-transaction relay engine: it accepts validated,
// user-signed swap payloads from the upstream API layer, submits them on
// chain from the configured relayer accounts, and tracks them to a terminal
// state.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/swapnet-labs/metatx-relay/chain"
	"github.com/swapnet-labs/metatx-relay/config"
	"github.com/swapnet-labs/metatx-relay/keystore"
	"github.com/swapnet-labs/metatx-relay/monitor"
	"github.com/swapnet-labs/metatx-relay/store"
	"github.com/swapnet-labs/metatx-relay/txm"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "relayd.toml", "path to the TOML config file")
	flag.Parse()

	lggr, err := logger.New()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = lggr.Sync() }()
	lggr = logger.Named(lggr, "Relayd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		lggr.Fatalw("failed to load config", "path", *configPath, "err", err)
	}

	rawKeys := os.Getenv("RELAYER_KEYS")
	if rawKeys == "" {
		lggr.Fatalw("RELAYER_KEYS is not set; expected comma-separated hex private keys")
	}
	ks, err := keystore.NewFromHexKeys(strings.Split(rawKeys, ","))
	if err != nil {
		lggr.Fatalw("failed to load relayer keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chain.Dial(ctx, cfg.Node.URL.String())
	if err != nil {
		lggr.Fatalw("failed to connect to node", "node", *cfg.Node.Name, "err", err)
	}

	var records txm.RecordStore
	var nonces txm.NonceStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		st, err := store.Open(dsn, lggr)
		if err != nil {
			lggr.Fatalw("failed to open store", "err", err)
		}
		records, nonces = st, st
	} else {
		// Without a database, records and nonce counters do not survive a
		// restart. Fine for development, not for production.
		lggr.Warnw("DATABASE_URL not set, using in-memory store")
		mem := txm.NewMemoryStore()
		records, nonces = mem, mem
	}

	relay := txm.New(lggr, ks, client, records, nonces, cfg.TxmConfig())
	if err := relay.Start(ctx); err != nil {
		lggr.Fatalw("failed to start relay engine", "err", err)
	}

	chainID := ""
	if cfg.ChainID != nil {
		chainID = *cfg.ChainID
	}
	balanceMonitor := monitor.NewBalanceMonitor(chainID, monitorConfig{cfg}, lggr, ks, func() (monitor.BalanceClient, error) {
		return client, nil
	})
	if err := balanceMonitor.Start(ctx); err != nil {
		lggr.Fatalw("failed to start balance monitor", "err", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: *cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lggr.Errorw("metrics server failed", "err", err)
		}
	}()

	lggr.Infow("relayd started", "node", *cfg.Node.Name, "metrics", *cfg.Metrics.Address)
	<-ctx.Done()
	lggr.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lggr.Errorw("failed to stop metrics server", "err", err)
	}
	if err := balanceMonitor.Close(); err != nil {
		lggr.Errorw("failed to stop balance monitor", "err", err)
	}
	if err := relay.Close(); err != nil {
		lggr.Errorw("failed to stop relay engine", "err", err)
	}
}

type monitorConfig struct {
	cfg *config.RelayConfig
}

func (m monitorConfig) BalancePollPeriod() time.Duration {
	return m.cfg.Metrics.BalancePollPeriod.Duration()
}
