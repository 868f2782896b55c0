// Command sequencer runs the full zelana-labs/sequencer process: it
// loads configuration, opens the durable store, restores shielded
// state, and wires TxRouter, BatchManager, Prover, Settler, and
// Pipeline together with the UDP Transport, ThresholdMempool, HTTP
// API, BridgeIngestor, and metrics server. Grounded on main.go's own
// phased startup and signal-driven shutdown (Phase N log lines,
// os/signal + context cancellation, deferred resource close).
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"

	"github.com/zelana-labs/sequencer/internal/api"
	"github.com/zelana-labs/sequencer/internal/batchmgr"
	"github.com/zelana-labs/sequencer/internal/config"
	"github.com/zelana-labs/sequencer/internal/l1"
	"github.com/zelana-labs/sequencer/internal/mempool"
	"github.com/zelana-labs/sequencer/internal/metrics"
	"github.com/zelana-labs/sequencer/internal/pipeline"
	"github.com/zelana-labs/sequencer/internal/prover"
	"github.com/zelana-labs/sequencer/internal/settler"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/transport"
	"github.com/zelana-labs/sequencer/internal/txindex"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("[Phase 1] opening durable store backend=%s dir=%s", cfg.StoreBackend, cfg.DataDir)
	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("[Phase 1] open store: %v", err)
	}
	st := store.New(db)

	log.Printf("[Phase 2] restoring shielded state depth=%d history=%d", cfg.MerkleDepth, cfg.RootHistoryLen)
	shield, err := shielded.Load(st, cfg.MerkleDepth, cfg.RootHistoryLen)
	if err != nil {
		log.Fatalf("[Phase 2] restore shielded state: %v", err)
	}

	log.Printf("[Phase 3] constructing prover mode=%s", cfg.ProverMode)
	pv, err := buildProver(cfg)
	if err != nil {
		log.Fatalf("[Phase 3] build prover: %v", err)
	}

	m := metrics.New()

	var sttl *settler.Settler
	if !cfg.DevMode {
		log.Printf("[Phase 4] dialing L1 settler rpc=%s chain=%d", cfg.L1RPCURL, cfg.L1ChainID)
		sttl, err = settler.New(settler.Config{
			RPCURL:             cfg.L1RPCURL,
			ChainID:            cfg.L1ChainID,
			BridgeContractAddr: common.HexToAddress(cfg.BridgeContractAddr),
			PrivateKeyHex:      cfg.L1PrivateKey,
			MaxRetries:         cfg.MaxSettlementRetries,
			RetryBase:          cfg.SettlementRetryBase,
			PollInterval:       cfg.PollInterval,
			Metrics:            m,
		})
		if err != nil {
			log.Fatalf("[Phase 4] settler: %v", err)
		}
	} else {
		log.Printf("[Phase 4] dev mode: settlement disabled, nothing submits to L1")
	}

	log.Printf("[Phase 5] loading operator keypair from %s", cfg.SequencerKeypairPath)
	signer, err := loadOperatorKey(cfg.SequencerKeypairPath)
	if err != nil {
		log.Fatalf("[Phase 5] operator keypair: %v", err)
	}

	log.Printf("[Phase 5] constructing BatchManager max_tx=%d max_shielded=%d", cfg.MaxTransactions, cfg.MaxShielded)
	mgr, err := batchmgr.New(batchmgr.Config{
		MaxTransactions: cfg.MaxTransactions,
		MaxShielded:     cfg.MaxShielded,
		MaxBatchAge:     cfg.MaxBatchAge,
		MinTransactions: cfg.MinTransactions,
		Signer:          signer,
	}, st, shield, nil, log.New(log.Writer(), "[BatchManager] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("[Phase 5] batchmgr: %v", err)
	}

	var idx *txindex.Index
	if cfg.DatabaseURL != "" {
		log.Printf("[Phase 6] connecting txindex database")
		idx, err = txindex.New(cfg.DatabaseURL, log.New(log.Writer(), "[TxIndex] ", log.LstdFlags))
		if err != nil {
			log.Printf("[Phase 6] txindex unavailable, falling back to StateStore-only status lookups: %v", err)
			idx = nil
		} else {
			defer idx.Close()
		}
	}

	mp, err := mempool.New(mempool.Config{
		Threshold:     cfg.CommitteeThreshold,
		CommitteeSize: cfg.CommitteeSize,
		Window:        cfg.MempoolWindow,
		FreezeWait:    cfg.MempoolFreezeWait,
	}, mgr, log.New(log.Writer(), "[Mempool] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("[Phase 6] mempool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runMempoolDriver(ctx, mp, log.New(log.Writer(), "[Mempool] ", log.LstdFlags))

	log.Printf("[Phase 7] starting UDP transport on %s", cfg.UDPAddr)
	udpServer, err := transport.Listen(cfg.UDPAddr, mgr, log.New(log.Writer(), "[Transport] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("[Phase 7] transport: %v", err)
	}
	defer udpServer.Close()
	go func() {
		if err := udpServer.Serve(); err != nil {
			log.Printf("[Phase 7] transport serve stopped: %v", err)
		}
	}()

	var ingestor *l1.Ingestor
	if !cfg.DevMode {
		log.Printf("[Phase 8] starting BridgeIngestor from block %d", cfg.BridgeStartSlot)
		l1Client, err := l1.NewClient(cfg.L1RPCURL, cfg.BridgeContractAddr)
		if err != nil {
			log.Fatalf("[Phase 8] l1 client: %v", err)
		}
		ingestor, err = l1.New(l1.Config{
			StartBlock:   cfg.BridgeStartSlot,
			PollInterval: cfg.BridgePollEvery,
		}, l1Client, mgr, st, log.New(log.Writer(), "[BridgeIngestor] ", log.LstdFlags))
		if err != nil {
			log.Fatalf("[Phase 8] bridge ingestor: %v", err)
		}
		ingestor.Start(ctx)
		defer ingestor.Stop()
	} else {
		log.Printf("[Phase 8] dev mode: bridge ingestor disabled, use POST /dev/deposit")
	}

	log.Printf("[Phase 9] starting batch pipeline prove_in_flight=%d settle_in_flight=%d", cfg.ProveInFlight, cfg.SettleInFlight)
	var pl *pipeline.Pipeline
	if !cfg.DevMode {
		pl = pipeline.New(pipeline.Config{
			ProveInFlight:  cfg.ProveInFlight,
			SettleInFlight: cfg.SettleInFlight,
			ShutdownGrace:  cfg.ShutdownGrace,
			Metrics:        m,
		}, mgr, st, shield, pv, sttl, log.New(log.Writer(), "[Pipeline] ", log.LstdFlags))
		go func() {
			if err := pl.Run(ctx); err != nil {
				log.Printf("[Phase 9] pipeline stopped: %v", err)
			}
		}()
	} else {
		log.Printf("[Phase 9] dev mode: pipeline disabled, seal batches manually via POST /batch")
	}

	handlers := api.New(mgr, st, shield, mp, idx, cfg.DevMode, log.New(log.Writer(), "[API] ", log.LstdFlags))
	mux := http.NewServeMux()
	handlers.Routes(mux)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Printf("[Phase 10] HTTP API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Phase 10] http server stopped: %v", err)
		}
	}()
	go func() {
		log.Printf("[Phase 10] metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Phase 10] metrics server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown signal received, draining...")

	cancel()
	_ = httpServer.Shutdown(context.Background())
	_ = metricsServer.Shutdown(context.Background())
	log.Println("shutdown complete")
}

func printHelp() {
	fmt.Println(`zelana sequencer

Environment variables (see internal/config for the full list and defaults):
  ZL_LISTEN_ADDR        HTTP API listen address
  ZL_UDP_ADDR           Encrypted transport UDP listen address
  ZL_METRICS_ADDR       Prometheus metrics listen address
  ZL_L1_RPC_URL         L1 RPC endpoint
  ZL_KEYPAIR_PATH       Sequencer operator keypair path (required)
  ZL_DEV_MODE           Disable L1 settlement/bridge ingestion for local dev`)
}

// runMempoolDriver freezes queued encrypted submissions into ordered
// blocks and finalizes them once committee members have posted enough
// shares via POST /mempool/share. Freezing happens on a fixed tick
// rather than per-submission so a block's size reflects whatever
// arrived during one window instead of racing the first submitter.
func runMempoolDriver(ctx context.Context, mp *mempool.Mempool, logger *log.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var pending []uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mp.QueueDepth() > 0 {
				id, n, err := mp.FreezeNext(0)
				if err != nil {
					logger.Printf("freeze: %v", err)
				} else if n > 0 {
					logger.Printf("froze block %d with %d transactions, awaiting committee shares", id, n)
					pending = append(pending, id)
				}
			}

			still := pending[:0]
			for _, id := range pending {
				submitted, done, err := mp.Finalize(id)
				if err != nil {
					logger.Printf("finalize block %d: %v", id, err)
					continue
				}
				if !done {
					still = append(still, id)
					continue
				}
				logger.Printf("finalized block %d: %d transactions submitted", id, len(submitted))
			}
			pending = still
		}
	}
}

// loadOperatorKey reads the sequencer's ed25519 identity key from an
// on-disk 64-byte raw seed||pubkey file, generating and persisting one
// on first run so a fresh dev instance doesn't need a manual step.
// Every sealed batch is signed with this key so a client can verify
// batch provenance before the batch's proof settles on L1.
func loadOperatorKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keypair file %s: expected %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
		}
		return ed25519.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keypair file: %w", err)
	}

	_, priv, genErr := ed25519.GenerateKey(nil)
	if genErr != nil {
		return nil, fmt.Errorf("generate keypair: %w", genErr)
	}
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o700); mkErr != nil {
		return nil, fmt.Errorf("create keypair dir: %w", mkErr)
	}
	if writeErr := os.WriteFile(path, priv, 0o600); writeErr != nil {
		return nil, fmt.Errorf("write keypair file: %w", writeErr)
	}
	log.Printf("[Phase 5] generated new operator keypair at %s", path)
	return priv, nil
}

func openDB(cfg *config.Config) (dbm.DB, error) {
	if cfg.StoreBackend == "memdb" {
		return dbm.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return dbm.NewGoLevelDB("sequencer", cfg.DataDir)
}

func buildProver(cfg *config.Config) (prover.Prover, error) {
	switch cfg.ProverMode {
	case "mock":
		return prover.NewMockProver(), nil
	case "groth16":
		p := prover.NewGroth16Prover()
		csPath := filepath.Join(filepath.Dir(cfg.ProvingKeyPath), "circuit.cs")
		if err := p.LoadKeys(csPath, cfg.ProvingKeyPath, cfg.VerifyingKeyPath); err != nil {
			return nil, err
		}
		return p, nil
	case "remote":
		return prover.NewRemoteProver(cfg.RemoteProverURL), nil
	default:
		return nil, fmt.Errorf("unknown prover mode %q", cfg.ProverMode)
	}
}
