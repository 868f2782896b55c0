package l1

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Submitter is the subset of *batchmgr.Manager BridgeIngestor needs to
// hand a deposit to TxRouter. Deposit idempotence is enforced
// downstream by TxRouter's DepositSeen check against the committed
// store, not here, so re-delivering the same log after a restart is
// harmless.
type Submitter interface {
	Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error)
}

// ethClient is the subset of *Client the poll loop needs, narrowed so
// tests can drive Ingestor without a live RPC endpoint.
type ethClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterDepositLogs(ctx context.Context, fromBlock, toBlock uint64) ([]ethtypes.Log, error)
	parseDepositLog(log ethtypes.Log) (*parsedDeposit, error)
}

// Cursor persists the last L1 block BridgeIngestor has fully processed,
// so a restart resumes from there instead of re-scanning from
// BridgeStartSlot.
type Cursor interface {
	GetBridgeCursor() (uint64, bool, error)
	SetBridgeCursor(uint64) error
}

// Config configures the poll loop.
type Config struct {
	StartBlock    uint64        // used only if Cursor has never been set
	PollInterval  time.Duration
	MaxBlockRange uint64 // cap per FilterLogs call, mirrors the teacher's RPC-rate-limit guard
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 4 * time.Second
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
}

// Ingestor polls an L1 bridge contract for Deposit events and submits
// each one to TxRouter as a DepositEvent transaction. One poll
// goroutine, ticker-driven, the same shape as
// pkg/anchor/event_watcher.go's pollLoop/pollEvents.
type Ingestor struct {
	cfg       Config
	client    ethClient
	submitter Submitter
	cursor    Cursor
	logger    *log.Logger

	mu                  sync.Mutex
	lastProcessedBlock  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Ingestor. The starting block is read from cursor if
// it has a prior value, else from cfg.StartBlock.
func New(cfg Config, client ethClient, submitter Submitter, cursor Cursor, logger *log.Logger) (*Ingestor, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.New(log.Writer(), "[BridgeIngestor] ", log.LstdFlags)
	}

	start := cfg.StartBlock
	if last, ok, err := cursor.GetBridgeCursor(); err != nil {
		return nil, fmt.Errorf("l1: read bridge cursor: %w", err)
	} else if ok {
		start = last
	}

	return &Ingestor{
		cfg:                cfg,
		client:             client,
		submitter:          submitter,
		cursor:             cursor,
		logger:             logger,
		lastProcessedBlock: start,
	}, nil
}

// Start begins the poll loop. Stop must be called to release its
// goroutine.
func (in *Ingestor) Start(ctx context.Context) {
	in.ctx, in.cancel = context.WithCancel(ctx)
	in.wg.Add(1)
	go in.pollLoop()
}

// Stop cancels the poll loop and waits for it to exit.
func (in *Ingestor) Stop() {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
}

// LastProcessedBlock returns the most recently persisted cursor value.
func (in *Ingestor) LastProcessedBlock() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastProcessedBlock
}

func (in *Ingestor) pollLoop() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			if err := in.pollOnce(); err != nil {
				in.logger.Printf("poll error: %v", err)
			}
		}
	}
}

// pollOnce fetches and submits one batch of Deposit logs, bounded to
// cfg.MaxBlockRange blocks per the teacher's own rate-limit guard
// against provider log-query caps.
func (in *Ingestor) pollOnce() error {
	tip, err := in.client.BlockNumber(in.ctx)
	if err != nil {
		return fmt.Errorf("l1: block number: %w", err)
	}

	in.mu.Lock()
	fromBlock := in.lastProcessedBlock + 1
	in.mu.Unlock()

	if fromBlock > tip {
		return nil
	}

	toBlock := tip
	if toBlock-fromBlock > in.cfg.MaxBlockRange {
		toBlock = fromBlock + in.cfg.MaxBlockRange
	}

	var logs []ethtypes.Log
	for attempt := 0; attempt < in.cfg.RetryAttempts; attempt++ {
		logs, err = in.client.FilterDepositLogs(in.ctx, fromBlock, toBlock)
		if err == nil {
			break
		}
		if attempt < in.cfg.RetryAttempts-1 {
			time.Sleep(in.cfg.RetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("l1: filter deposit logs after %d attempts: %w", in.cfg.RetryAttempts, err)
	}

	for _, raw := range logs {
		pd, err := in.client.parseDepositLog(raw)
		if err != nil {
			in.logger.Printf("skipping unparseable deposit log: %v", err)
			continue
		}
		if err := in.submitDeposit(pd); err != nil {
			in.logger.Printf("submit deposit l1Seq=%s failed: %v", pd.L1Seq, err)
		}
	}

	in.mu.Lock()
	in.lastProcessedBlock = toBlock
	in.mu.Unlock()
	if err := in.cursor.SetBridgeCursor(toBlock); err != nil {
		return fmt.Errorf("l1: persist bridge cursor: %w", err)
	}

	if len(logs) > 0 {
		in.logger.Printf("processed %d deposit logs from block %d to %d", len(logs), fromBlock, toBlock)
	}
	return nil
}

func (in *Ingestor) submitDeposit(pd *parsedDeposit) error {
	var to types.AccountID
	copy(to[:], pd.To[:])

	ev := &types.DepositEvent{
		To:     to,
		Amount: pd.Amount.Uint64(),
		L1Seq:  pd.L1Seq.Uint64(),
		Domain: pd.Domain.Uint64(),
	}

	var txHash [32]byte
	copy(txHash[:], depositTxHash(ev))

	_, err := in.submitter.Submit(txHash, router.Transaction{Kind: types.KindDeposit, Deposit: ev})
	return err
}

// depositTxHash derives a stable identifier for a deposit from its
// To, Amount, L1Seq and Domain fields alone, so redelivering the same log after a crash
// produces the same hash rather than a fresh one. It is not a circuit-
// verified value, so Keccak256 is used rather than internal/hashing's
// MiMC.
func depositTxHash(ev *types.DepositEvent) []byte {
	buf := make([]byte, 0, types.AccountIDSize+8+8+8)
	buf = append(buf, ev.To[:]...)
	buf = binary.BigEndian.AppendUint64(buf, ev.Amount)
	buf = binary.BigEndian.AppendUint64(buf, ev.L1Seq)
	buf = binary.BigEndian.AppendUint64(buf, ev.Domain)
	return crypto.Keccak256(buf)
}
