// Package relayer wires the coordinator's components together and owns
// the process-level boot sequence. Grounded on the teacher's Relayer
// struct (internal/relayer/relayer.go): the same performBootSequence /
// Start / Stop / logStartupInfo shape, reworked from a fixed
// Ethereum-plus-Sui pair onto an arbitrary-width chain table and from the
// teacher's polling chain watcher onto the Reaper-driven Lifecycle
// Controller this spec describes.
package relayer

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/api"
	"github.com/unite-defi/relayer/internal/bus"
	"github.com/unite-defi/relayer/internal/chain"
	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/coordinator"
	"github.com/unite-defi/relayer/internal/logging"
	"github.com/unite-defi/relayer/internal/oracle"
	"github.com/unite-defi/relayer/internal/partialfill"
	"github.com/unite-defi/relayer/internal/reaper"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/sig"
	"github.com/unite-defi/relayer/internal/store"
)

// Relayer orchestrates every component of the coordinator process.
type Relayer struct {
	config *config.Config
	log    *zap.Logger

	db       *sql.DB
	gateways map[string]chain.Gateway

	bus        *bus.Bus
	controller *coordinator.Controller
	deposits   *safety.Ledger
	reaper     *reaper.Reaper
	apiServer  *api.Server

	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// New builds every component from cfg. It opens the Order Store (applying
// migrations) and connects to the message bus; the chain reachability
// probes run later in Start's boot sequence, mirroring the teacher's
// New/performBootSequence split.
func New(cfg *config.Config) (*Relayer, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("relayer: build logger: %w", err)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("relayer: open order store: %w", err)
	}
	orderStore := store.NewOrderStore(db)

	gateways := make(map[string]chain.Gateway, len(cfg.Chains))
	for id, chainCfg := range cfg.Chains {
		gw, err := chain.NewEVMGateway(chain.EVMConfig{
			ChainID:       chainCfg.ChainID,
			HTTPUrl:       chainCfg.HTTPUrl,
			PrivateKeyHex: chainCfg.PrivateKey,
			EscrowFactory: chainCfg.EscrowFactory,
			GasLimit:      chainCfg.GasLimit,
			GasPriceGwei:  chainCfg.GasPriceGwei,
			ConfirmPoll:   chainCfg.BlockTime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("relayer: build gateway for chain %s: %w", id, err)
		}
		gateways[id] = gw
	}

	messageBus, err := bus.Connect(cfg.Bus.URL, cfg.Bus.OrderSubject, cfg.Bus.SecretSubject, log)
	if err != nil {
		return nil, fmt.Errorf("relayer: connect message bus: %w", err)
	}

	escrowFactories := make(map[string]string, len(cfg.Chains))
	minSafetyDeposits := make(map[string]int64, len(cfg.Chains))
	minSafetyDepositBig := make(map[string]*big.Int, len(cfg.Chains))
	for id, chainCfg := range cfg.Chains {
		escrowFactories[id] = chainCfg.EscrowFactory
		minSafetyDeposits[id] = chainCfg.MinSafetyDeposit
		minSafetyDepositBig[id] = big.NewInt(chainCfg.MinSafetyDeposit)
	}
	verifier := sig.NewVerifier("unite-defi-coordinator", "1", func(chainID string) (string, error) {
		addr, ok := escrowFactories[chainID]
		if !ok {
			return "", fmt.Errorf("relayer: no escrow factory configured for chain %s", chainID)
		}
		return addr, nil
	})

	deposits := safety.NewLedger(safety.Config{ForfeitWindow: 30 * 24 * time.Hour})
	partials := partialfill.NewTracker()

	controller := coordinator.New(coordinator.Deps{
		Store:            orderStore,
		Bus:              messageBus,
		Verifier:         verifier,
		Gateways:         gateways,
		Oracle:           oracle.NewStaticTable(nil),
		Decimals:         chain.NewDecimalsResolver(gateways),
		Deposits:         deposits,
		MinSafetyDeposit: minSafetyDepositBig,
		Partials:         partials,
		Config:           cfg.Coordinator,
		Log:              log,
	})

	reap := reaper.New(orderStore, controller, deposits, cfg.Coordinator, log)

	var minDeposit int64
	for _, v := range minSafetyDeposits {
		if v > minDeposit {
			minDeposit = v
		}
	}
	apiServer := api.NewServer(cfg.API, controller, minDeposit, log)

	return &Relayer{
		config:     cfg,
		log:        log,
		db:         db,
		gateways:   gateways,
		bus:        messageBus,
		controller: controller,
		deposits:   deposits,
		reaper:     reap,
		apiServer:  apiServer,
	}, nil
}

// Start runs the boot sequence, then every long-lived component, blocking
// until ctx is cancelled.
func (r *Relayer) Start(ctx context.Context) error {
	r.log.Info("starting coordinator")

	ctx, cancel := context.WithCancel(ctx)
	r.stopFunc = cancel

	if err := r.performBootSequence(ctx); err != nil {
		cancel()
		return fmt.Errorf("relayer: boot sequence failed: %w", err)
	}
	r.logStartupInfo()

	r.reaper.Start(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.apiServer.Start(ctx); err != nil {
			r.log.Error("control-plane server error", zap.Error(err))
		}
	}()

	r.log.Info("all coordinator components started")
	<-ctx.Done()
	r.log.Info("shutdown initiated")
	return nil
}

// performBootSequence probes every configured chain gateway before any
// order traffic is accepted, mirroring the teacher's connect-then-validate
// boot checklist. An unreachable chain is logged as a warning; it does not
// fail the boot.
func (r *Relayer) performBootSequence(ctx context.Context) error {
	r.log.Info("performing boot sequence", zap.Int("chain_count", len(r.gateways)))
	for chainID, gw := range r.gateways {
		if _, err := gw.Allowance(ctx, "0x0000000000000000000000000000000000000000", "0x0000000000000000000000000000000000000000", "0x0000000000000000000000000000000000000000"); err != nil {
			r.log.Warn("chain reachability probe failed, continuing", zap.String("chain_id", chainID), zap.Error(err))
		}
	}
	return nil
}

// Stop cancels every background component and waits for them to exit.
func (r *Relayer) Stop() {
	r.log.Info("stopping coordinator")
	if r.stopFunc != nil {
		r.stopFunc()
	}
	r.reaper.Stop()
	r.bus.Close()
	if err := r.db.Close(); err != nil {
		r.log.Warn("close database failed", zap.Error(err))
	}
	r.wg.Wait()
	r.log.Info("coordinator stopped")
}

func (r *Relayer) logStartupInfo() {
	r.log.Info("coordinator configuration",
		zap.String("api_addr", fmt.Sprintf("%s:%d", r.config.API.Host, r.config.API.Port)),
		zap.Int("chains", len(r.gateways)),
		zap.Duration("fast_auction_duration", r.config.Coordinator.FastAuctionDuration),
		zap.Duration("commitment_window", r.config.Coordinator.ResolverCommitmentWindow),
		zap.Int("max_concurrent_settlements", r.config.Coordinator.MaxConcurrentSettlements),
	)
}
