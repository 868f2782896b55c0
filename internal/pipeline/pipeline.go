// Package pipeline links BatchManager, Prover, and Settler into three
// concurrent stages — accumulate, prove, settle — connected by bounded
// channels, per spec §5 and §4.7's architecture diagram (the original's
// accumulate/prove/settle module split, carried over even though its Rust
// source bodies were truncated in retrieval; only the doc-comment shape
// of that diagram is grounding here, the stage/channel implementation
// below is this module's own). Ordering invariants: batches seal in
// strictly increasing batch_index, a batch's pre_state_root matches the
// prior batch's post_state_root, proving may complete out of order but
// settlement is released strictly in order, and backpressure on the
// prove queue defers sealing rather than blocking transaction ingress.
package pipeline

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zelana-labs/sequencer/internal/batchmgr"
	"github.com/zelana-labs/sequencer/internal/metrics"
	"github.com/zelana-labs/sequencer/internal/prover"
	"github.com/zelana-labs/sequencer/internal/settler"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Config bounds each stage's in-flight work, per spec §5's resource
// model: one batch accumulating and up to ProveInFlight batches proving
// concurrently. Settlement is always one batch at a time, since it must
// serialize by batch_index on L1; SettleInFlight is accepted but not
// consulted by the stages.
type Config struct {
	ProveInFlight  int
	SettleInFlight int
	SealPollEvery  time.Duration
	ShutdownGrace  time.Duration
	Metrics        *metrics.Metrics
}

type provedBatch struct {
	batch *types.Batch
	proof *prover.BatchProof
}

// batchSettler is the subset of *settler.Settler the settle stage needs;
// accepting the interface (rather than the concrete type) lets tests
// substitute a fake L1 without dialing a real RPC endpoint.
type batchSettler interface {
	Settle(ctx context.Context, batch *types.Batch, proof *prover.BatchProof) (*settler.L1Ref, error)
}

// Pipeline owns the accumulate -> prove -> settle stage goroutines.
type Pipeline struct {
	cfg     Config
	mgr     *batchmgr.Manager
	store   *store.StateStore
	shield  *shielded.State
	prover  prover.Prover
	settler batchSettler
	logger  *log.Logger

	sealed chan *types.Batch
	proved chan provedBatch

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	lastErr error
}

// New constructs a Pipeline around an already-opened BatchManager,
// durable StateStore, shielded engine, Prover, and Settler.
func New(cfg Config, mgr *batchmgr.Manager, st *store.StateStore, shield *shielded.State, p prover.Prover, s batchSettler, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[Pipeline] ", log.LstdFlags)
	}
	if cfg.ProveInFlight <= 0 {
		cfg.ProveInFlight = 4
	}
	if cfg.SettleInFlight <= 0 {
		cfg.SettleInFlight = 1
	}
	if cfg.SealPollEvery <= 0 {
		cfg.SealPollEvery = 20 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		mgr:     mgr,
		store:   st,
		shield:  shield,
		prover:  p,
		settler: s,
		logger:  logger,
		sealed:  make(chan *types.Batch, cfg.ProveInFlight),
		proved:  make(chan provedBatch, cfg.ProveInFlight),
	}
}

// Run starts the three stage goroutines and blocks until ctx is
// cancelled, then drains best-effort up to ShutdownGrace before
// returning.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.accumulateLoop(runCtx)

	for i := 0; i < p.cfg.ProveInFlight; i++ {
		p.wg.Add(1)
		go p.proveLoop(runCtx)
	}

	// Settlement is a single goroutine regardless of SettleInFlight: the
	// ordering invariant (batch N+1 never submitted before N confirms)
	// requires one serializing consumer. SettleInFlight is not consulted:
	// the proved channel buffers up to ProveInFlight entries, and the
	// reorder heap behind it is unbounded.
	p.wg.Add(1)
	go p.settleLoop(runCtx)

	<-ctx.Done()
	p.shutdown()
	return p.Err()
}

// shutdown cancels stage goroutines and waits up to ShutdownGrace for
// in-flight proving/settling to finish, then returns regardless.
func (p *Pipeline) shutdown() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Printf("shutdown grace period elapsed with stages still draining")
		p.cancel()
	}
}

func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr == nil {
		p.lastErr = err
	}
}

// accumulateLoop polls the seal policy and, once it fires (or a sealed
// slot frees up after having been full), seals the batch and commits it
// durably before handing it to the prove stage. Sealing itself never
// blocks transaction ingress — Manager.Submit is independent of this
// loop — but a full p.sealed channel defers the next Seal call until a
// slot opens, matching spec §5's backpressure rule.
func (p *Pipeline) accumulateLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SealPollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.sealFinal()
			close(p.sealed)
			return
		case <-ticker.C:
			if !p.mgr.ShouldSeal() {
				continue
			}
			if err := p.sealAndCommit(ctx, false); err != nil {
				p.setErr(fmt.Errorf("pipeline: seal: %w", err))
			}
		}
	}
}

// sealFinal seals whatever transactions remain accumulating on shutdown,
// best-effort, so no submitted-and-accepted transaction is silently
// dropped by a clean shutdown.
func (p *Pipeline) sealFinal() {
	if p.mgr.TxCount() == 0 {
		return
	}
	if err := p.sealAndCommit(context.Background(), true); err != nil {
		p.setErr(fmt.Errorf("pipeline: final seal: %w", err))
	}
}

func (p *Pipeline) sealAndCommit(ctx context.Context, force bool) error {
	batch, err := p.mgr.Seal(force)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	if err := p.commit(batch); err != nil {
		return err
	}

	// A full channel blocks here rather than drops the batch. This is
	// the backpressure point spec §5 describes: it stalls future seals,
	// not submissions, which Manager.Submit continues to accept. ctx.Done
	// still wins so shutdown isn't stuck behind a permanently full stage.
	select {
	case p.sealed <- batch:
		p.cfg.Metrics.RecordBatchSealed(len(p.sealed))
	case <-ctx.Done():
	}
	return nil
}

// commit persists a sealed batch's effects to StateStore in one atomic
// write, per CommitBatch's contract.
func (p *Pipeline) commit(batch *types.Batch) error {
	cr := store.CommitResult{
		AccountUpdates:      make(map[types.AccountID]types.AccountState),
		TxHashToStatus:      make(map[[32]byte]string),
		BatchIndex:          batch.Index,
		ShieldedRootHistory: p.shield.RootHistory(),
	}

	for _, o := range batch.Outcomes {
		for id, st := range o.Diff.AccountUpdates {
			cr.AccountUpdates[id] = st
		}
		cr.Nullifiers = append(cr.Nullifiers, o.Diff.Nullifiers...)
		cr.Commitments = append(cr.Commitments, o.Diff.Commitments...)
		cr.EncryptedNotes = append(cr.EncryptedNotes, o.Diff.EncryptedNotes...)
		cr.TxHashToStatus[o.TxHash] = "accepted"
		if o.Diff.DepositL1Seq != nil {
			cr.DepositL1Seqs = append(cr.DepositL1Seqs, *o.Diff.DepositL1Seq)
		}
	}

	batchJSON, err := marshalBatch(batch)
	if err != nil {
		return err
	}
	cr.BatchJSON = batchJSON

	cr.Header = store.NewBlockHeader(batch.Index, batch.PreStateRoot, batch.PostStateRoot, uint32(batch.TxCount()), batch.OpenedAt, 0)

	if _, err := p.store.CommitBatch(cr); err != nil {
		return fmt.Errorf("commit batch %d: %w", batch.Index, err)
	}
	return nil
}

// proveLoop pulls sealed batches and proves them concurrently; proofs may
// land out of order relative to batch_index, the settle stage's reorder
// buffer restores order before release.
func (p *Pipeline) proveLoop(ctx context.Context) {
	defer p.wg.Done()
	for batch := range p.sealed {
		proof, err := p.prover.Prove(ctx, batch)
		if err != nil {
			p.setErr(fmt.Errorf("pipeline: prove batch %d: %w", batch.Index, err))
			continue
		}
		select {
		case p.proved <- provedBatch{batch: batch, proof: proof}:
			p.cfg.Metrics.RecordBatchProved(len(p.proved))
		case <-ctx.Done():
			return
		}
	}
}

// settleLoop holds proved batches in a min-heap keyed by batch_index and
// releases them to Settler strictly in order, never submitting batch N+1
// before batch N is confirmed on L1. Once a settlement fails, its error
// is recorded (see Err) and no later batch is released.
func (p *Pipeline) settleLoop(ctx context.Context) {
	defer p.wg.Done()

	pending := &provedHeap{}
	heap.Init(pending)
	var next uint64
	initialized := false
	halted := false

	drainReady := func() {
		for !halted && pending.Len() > 0 && (*pending)[0].batch.Index == next {
			item := heap.Pop(pending).(provedBatch)
			if _, err := p.settler.Settle(ctx, item.batch, item.proof); err != nil {
				p.setErr(fmt.Errorf("pipeline: settle batch %d: %w", item.batch.Index, err))
				halted = true
			}
			p.cfg.Metrics.RecordBatchProved(pending.Len())
			next++
		}
	}

	for {
		select {
		case item, ok := <-p.proved:
			if !ok {
				return
			}
			if !initialized {
				next = item.batch.Index
				initialized = true
			}
			heap.Push(pending, item)
			drainReady()
		case <-ctx.Done():
			return
		}
	}
}

func marshalBatch(batch *types.Batch) ([]byte, error) {
	return json.Marshal(batch)
}

// provedHeap orders provedBatch items by batch_index so settleLoop can
// release them strictly in order even though proving completes out of
// order.
type provedHeap []provedBatch

func (h provedHeap) Len() int            { return len(h) }
func (h provedHeap) Less(i, j int) bool  { return h[i].batch.Index < h[j].batch.Index }
func (h provedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *provedHeap) Push(x interface{}) { *h = append(*h, x.(provedBatch)) }
func (h *provedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
