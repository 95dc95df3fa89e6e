// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// tce-node runs a single Topos Certificate Exchange validator: it loads a
// genesis file and a runtime configuration, wires the broadcast, gossip,
// synchronization, and public API subsystems together, and serves the peer
// transport and public API over HTTP until signaled to stop. Grounded on
// the teacher's cmd/simulator/main/main.go entrypoint shape
// (BuildFlagSet/BuildViper/BuildConfig, then a single long-running call),
// with the admin subcommands of cmd/evm-node/main.go's urfave/cli.App
// layered in front of it for the genesis-template/show-head operations.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	luxlog "github.com/luxfi/log"

	"github.com/luxfi/database"
	"github.com/luxfi/database/factory"
	"github.com/luxfi/database/memdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/topos-protocol/tce-node/api"
	"github.com/topos-protocol/tce-node/broadcast/task"
	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/cmd/tce-node/admincmd"
	"github.com/topos-protocol/tce-node/config"
	"github.com/topos-protocol/tce-node/genesis"
	"github.com/topos-protocol/tce-node/gossip"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/network"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/signing"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/sync"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

// shutdownGracePeriod bounds how long the HTTP servers get to drain
// in-flight requests once a shutdown signal arrives.
const shutdownGracePeriod = 10 * time.Second

func main() {
	if len(os.Args) > 1 && isAdminCommand(os.Args[1]) {
		app := &cli.App{Name: "tce-node", Usage: "Topos Certificate Exchange node", Commands: admincmd.Commands}
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func isAdminCommand(name string) bool {
	for _, c := range admincmd.Commands {
		if c.Name == name {
			return true
		}
	}
	return false
}

// sinkRef breaks the construction cycle between the Task Manager (which
// needs a Sink at construction) and the Gossip Adapter (which needs the
// Task Manager at construction): the Manager is built against this
// forwarding shim, and adapter is filled in once the Adapter itself exists.
type sinkRef struct {
	adapter *gossip.Adapter
}

func (s *sinkRef) SendEcho(certID certificate.ID)  { s.adapter.SendEcho(certID) }
func (s *sinkRef) SendReady(certID certificate.ID) { s.adapter.SendReady(certID) }
func (s *sinkRef) Deliver(certID certificate.ID, proof *wire.ProofOfDelivery) {
	s.adapter.Deliver(certID, proof)
}

func run(args []string) error {
	fs := config.BuildFlagSet()
	v, err := config.BuildViper(fs, args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("couldn't configure flags: %w", err)
	}

	cfg, err := config.BuildConfig(v)
	if err != nil {
		return err
	}

	// Validate log_level even though the root logger has no level-filter
	// hook yet (log.NewLogger falls back to the process root logger); an
	// operator typo should still fail fast rather than be silently ignored.
	if _, err := log.LvlFromString(cfg.LogLevel); err != nil {
		return fmt.Errorf("parsing %s: %w", config.LogLevelKey, err)
	}
	handler := log.NewTerminalHandler(os.Stderr, true)
	logger := log.NewLogger(handler)
	log.SetDefault(logger)

	gen, err := genesis.Load(cfg.GenesisPath)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}
	vs, err := gen.ValidatorSet()
	if err != nil {
		return fmt.Errorf("building validator set: %w", err)
	}
	if cfg.EchoThreshold > 0 || cfg.ReadyThreshold > 0 || cfg.DeliveryThreshold > 0 {
		thresholds := vs.Thresholds
		if cfg.EchoThreshold > 0 {
			thresholds.Echo = cfg.EchoThreshold
		}
		if cfg.ReadyThreshold > 0 {
			thresholds.ReadyEcho = cfg.ReadyThreshold
		}
		if cfg.DeliveryThreshold > 0 {
			thresholds.ReadyDeliver = cfg.DeliveryThreshold
		}
		vs = validator.NewSetWithThresholds(vs.Epoch, vs.Members(), thresholds)
	}
	dir, err := gen.Directory()
	if err != nil {
		return fmt.Errorf("building peer directory: %w", err)
	}

	var self *signing.Key
	if cfg.SigningKey != "" {
		self, err = signing.LoadKey(cfg.SigningKey)
	} else {
		self, err = signing.GenerateKey()
	}
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}
	if !vs.Contains(self.ID) {
		logger.Warn("local validator ID is not a member of the genesis validator set", "id", self.ID)
	}

	registry := validator.NewRegistry(vs)
	history := validator.NewHistory(vs)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.MetricsNamespace)

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	pendingPool := pool.NewPending()
	st := store.New(pendingPool, pool.NewPrecedence())
	if err := st.WithPersistence(db); err != nil {
		return fmt.Errorf("replaying persisted deliveries: %w", err)
	}

	node := network.NewNode(self.ID, dir, logger)

	ref := &sinkRef{}
	tasks := task.NewManager(self.ID, ref, cfg.MaxTasks, cfg.MaxBufferSize, cfg.CommandChannelSize, m, logger)
	adapter := gossip.New(node, tasks, pendingPool, st, registry, self, m, logger)
	ref.adapter = adapter

	transport := sync.NewTransport(node)
	node.SetResponder(transport.HandleResponse)
	syncHandler := sync.NewHandler(st, cfg.SyncLimitPerSubnet)
	node.SetRequestHandler(syncHandler.HandleRequest)
	synchronizer := sync.New(self.ID, st, history, transport, m, logger)
	synchronizer.SetInterval(cfg.SyncInterval)

	svc := api.New(st, tasks, adapter, history, m, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, cfg.NetworkBootstrapTimeout)
	if err := synchronizer.Tick(bootstrapCtx); err != nil {
		logger.Warn("initial bootstrap reconciliation did not complete", "error", err)
	}
	bootstrapCancel()

	go synchronizer.Run(ctx)

	peerServer := &http.Server{Addr: cfg.PeerAddr, Handler: node.Handler()}
	apiMux := http.NewServeMux()
	apiMux.Handle("/", api.Handler(svc))
	apiMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: apiMux}

	errCh := make(chan error, 2)
	go func() { errCh <- peerServer.ListenAndServe() }()
	go func() { errCh <- apiServer.ListenAndServe() }()

	logger.Info("tce-node started", "peer_addr", cfg.PeerAddr, "http_addr", cfg.HTTPAddr, "validators", vs.Size())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()
	_ = peerServer.Shutdown(shutdownCtx)
	_ = apiServer.Shutdown(shutdownCtx)
	return nil
}

// openDatabase builds the store's backing database per cfg.DBType: "memdb"
// for an ephemeral in-memory store, or a disk-backed driver name accepted
// by factory.New, persisted under cfg.DataDir.
func openDatabase(cfg *config.Config) (database.Database, error) {
	if cfg.DBType == "" || cfg.DBType == "memdb" {
		return memdb.New(), nil
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%s requires %s to be set", config.DBTypeKey, config.DataDirKey)
	}
	dbDir := filepath.Join(cfg.DataDir, "db")
	if err := os.MkdirAll(dbDir, 0o700); err != nil {
		return nil, err
	}
	return factory.New(cfg.DBType, dbDir, false, nil, prometheus.NewRegistry(), luxlog.NewNoOpLogger(), "store", "meterdb")
}
