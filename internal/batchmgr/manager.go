// Package batchmgr accumulates executed-transaction diffs into an ordered
// batch, applies the seal policy, and computes the roots and hash a
// sealed batch carries into the Prover.
package batchmgr

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zelana-labs/sequencer/internal/hashing"
	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Config is the seal policy: seal when tx_count >= MaxTransactions OR
// shielded_count >= MaxShielded OR (age >= MaxBatchAge AND tx_count >=
// MinTransactions). Signer is optional; when set, every sealed batch
// carries an ed25519 attestation over its BatchHash.
type Config struct {
	MaxTransactions int
	MaxShielded     int
	MaxBatchAge     time.Duration
	MinTransactions int
	Signer          ed25519.PrivateKey
}

// accountOverlayReader answers account reads from a per-batch working
// overlay first, falling back to the durable store. Every successfully
// executed transaction's diff is folded into the overlay immediately so
// the next transaction in the same batch sees up-to-date balance/nonce.
type accountOverlayReader struct {
	overlay map[types.AccountID]types.AccountState
	store   *store.StateStore
}

func (r *accountOverlayReader) GetAccount(id types.AccountID) (types.AccountState, error) {
	if st, ok := r.overlay[id]; ok {
		return st, nil
	}
	return r.store.GetAccount(id)
}

// batchShieldedReader layers a batch-local pending-nullifier set on top of
// the frozen pre-batch shielded snapshot, so a second transaction in the
// same batch spending a nullifier the first just consumed correctly
// rejects instead of both silently double-inserting it.
type batchShieldedReader struct {
	snapshot shielded.Snapshot
	pending  map[types.Nullifier]struct{}
}

func (r *batchShieldedReader) NullifierExists(n types.Nullifier) bool {
	if _, ok := r.pending[n]; ok {
		return true
	}
	return r.snapshot.NullifierExists(n)
}

func (r *batchShieldedReader) RootInHistory(root types.Root) bool {
	return r.snapshot.RootInHistory(root)
}

// batchDepositSeen layers a batch-local pending-deposit set on top of the
// durable store's credited-deposit index.
type batchDepositSeen struct {
	store   *store.StateStore
	pending map[uint64]struct{}
}

func (d *batchDepositSeen) Seen(l1Seq uint64) (bool, error) {
	if _, ok := d.pending[l1Seq]; ok {
		return true, nil
	}
	return d.store.DepositCredited(l1Seq)
}

// Manager accumulates diffs into the current batch and seals it per
// Config. One Manager instance owns exactly one in-flight accumulating
// batch at a time; the Pipeline hands sealed batches onward.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	store   *store.StateStore
	shield  *shielded.State
	verify  router.ShieldedProofVerifier
	logger  *log.Logger

	batchIndex      uint64
	accountOverlay  map[types.AccountID]types.AccountState
	pendingNullif   map[types.Nullifier]struct{}
	pendingDeposits map[uint64]struct{}
	shieldedSnap    shielded.Snapshot
	outcomes        []types.TxOutcome
	withdrawals     []types.PendingWithdrawal
	shieldedCount   int
	openedAt        time.Time
	preStateRoot    types.Root
	preShieldedRoot types.Root
}

// New constructs a Manager starting at batchIndex with the store's latest
// persisted roots as the first batch's pre-roots.
func New(cfg Config, st *store.StateStore, shield *shielded.State, verify router.ShieldedProofVerifier, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[BatchManager] ", log.LstdFlags)
	}
	preStateRoot, err := st.LatestStateRoot()
	if err != nil {
		return nil, fmt.Errorf("batchmgr: read latest state root: %w", err)
	}
	header, ok, err := st.LatestBlockHeader()
	if err != nil {
		return nil, err
	}
	var nextIndex uint64
	if ok {
		nextIndex = header.BatchID + 1
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		shield: shield,
		verify: verify,
		logger: logger,
	}
	m.openBatch(nextIndex, preStateRoot, shield.CurrentRoot())
	return m, nil
}

func (m *Manager) openBatch(index uint64, preStateRoot, preShieldedRoot types.Root) {
	m.batchIndex = index
	m.accountOverlay = make(map[types.AccountID]types.AccountState)
	m.pendingNullif = make(map[types.Nullifier]struct{})
	m.pendingDeposits = make(map[uint64]struct{})
	m.shieldedSnap = m.shield.Snapshot()
	m.outcomes = nil
	m.withdrawals = nil
	m.shieldedCount = 0
	m.openedAt = time.Now()
	m.preStateRoot = preStateRoot
	m.preShieldedRoot = preShieldedRoot
}

// Submit executes tx against the currently accumulating batch. On accept
// the diff is folded into the working overlay and recorded as an
// outcome; on reject nothing in the batch changes.
func (m *Manager) Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := router.Ctx{
		Accounts:    &accountOverlayReader{overlay: m.accountOverlay, store: m.store},
		Shielded:    &batchShieldedReader{snapshot: m.shieldedSnap, pending: m.pendingNullif},
		Deposits:    &batchDepositSeen{store: m.store, pending: m.pendingDeposits},
		ShieldedVer: m.verify,
	}

	diff, err := router.Execute(ctx, tx)
	if err != nil {
		return types.Diff{}, err
	}

	for id, st := range diff.AccountUpdates {
		m.accountOverlay[id] = st
	}
	for _, n := range diff.Nullifiers {
		m.pendingNullif[n] = struct{}{}
	}
	if diff.DepositL1Seq != nil {
		m.pendingDeposits[*diff.DepositL1Seq] = struct{}{}
	}
	m.withdrawals = append(m.withdrawals, diff.Withdrawals...)
	if diff.IsShielded {
		m.shieldedCount++
	}
	m.outcomes = append(m.outcomes, types.TxOutcome{TxHash: txHash, Kind: tx.Kind, Diff: diff})

	return diff, nil
}

// ShouldSeal reports whether the seal policy currently fires.
func (m *Manager) ShouldSeal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldSealLocked()
}

func (m *Manager) shouldSealLocked() bool {
	txCount := len(m.outcomes)
	if txCount >= m.cfg.MaxTransactions {
		return true
	}
	if m.shieldedCount >= m.cfg.MaxShielded {
		return true
	}
	age := time.Since(m.openedAt)
	if age >= m.cfg.MaxBatchAge && txCount >= m.cfg.MinTransactions {
		return true
	}
	return false
}

// TxCount returns the current accumulating batch's transaction count.
func (m *Manager) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outcomes)
}

// Seal closes the current batch (if non-empty, or if force is set),
// computes its roots and hash, applies its shielded effects to the
// shielded engine, and opens the next batch. It does not itself persist
// to StateStore — the pipeline's accumulate stage calls Seal, then
// StateStore.CommitBatch, in that order, under its own single-writer
// discipline.
func (m *Manager) Seal(force bool) (*types.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.outcomes) == 0 && !force {
		return nil, nil
	}

	var commitments []types.Commitment
	var spends []types.ShieldedSpend
	var notes []types.EncryptedNote
	for _, o := range m.outcomes {
		commitments = append(commitments, o.Diff.Commitments...)
		notes = append(notes, o.Diff.EncryptedNotes...)
		// Spends are reconstructed from the router-emitted nullifier list;
		// the referenced root isn't retained per-nullifier past Execute,
		// since the shielded engine only needs the nullifier itself to
		// mark it spent.
		for _, n := range o.Diff.Nullifiers {
			spends = append(spends, types.ShieldedSpend{Nullifier: n})
		}
	}

	postShieldedRoot, err := m.shield.ApplyBatch(commitments, spends, notes)
	if err != nil {
		return nil, fmt.Errorf("batchmgr: apply shielded effects: %w", err)
	}
	m.shield.SealRoot(postShieldedRoot)

	fullAccounts := make(map[types.AccountID]types.AccountState)
	if err := m.store.IterateAccounts(func(id types.AccountID, st types.AccountState) error {
		fullAccounts[id] = st
		return nil
	}); err != nil {
		return nil, fmt.Errorf("batchmgr: snapshot accounts: %w", err)
	}
	for id, st := range m.accountOverlay {
		fullAccounts[id] = st
	}
	postStateRoot := store.ComputeAccountRoot(fullAccounts)

	withdrawalRoot := BuildWithdrawalMerkleRoot(m.withdrawals)
	batchHash := computeBatchHash(m.outcomes)

	batch := &types.Batch{
		Index:            m.batchIndex,
		Outcomes:         m.outcomes,
		ShieldedCount:    m.shieldedCount,
		PreStateRoot:     m.preStateRoot,
		PostStateRoot:    postStateRoot,
		PreShieldedRoot:  m.preShieldedRoot,
		PostShieldedRoot: postShieldedRoot,
		WithdrawalRoot:   withdrawalRoot,
		Withdrawals:      m.withdrawals,
		BatchHash:        batchHash,
		Status:           types.BatchSealed,
		OpenedAt:         m.openedAt.UnixMilli(),
		SealedAt:         time.Now().UnixMilli(),
	}

	if len(m.cfg.Signer) == ed25519.PrivateKeySize {
		batch.SequencerPubKey = append([]byte(nil), m.cfg.Signer.Public().(ed25519.PublicKey)...)
		batch.SequencerSignature = ed25519.Sign(m.cfg.Signer, batchHash[:])
	}

	m.openBatch(m.batchIndex+1, postStateRoot, postShieldedRoot)
	return batch, nil
}

// computeBatchHash hashes the canonical transaction sequence: each
// outcome's tx hash, in router-emitted order.
func computeBatchHash(outcomes []types.TxOutcome) [32]byte {
	h := hashing.New()
	h.Write([]byte{hashing.DomainBatchHash})
	for _, o := range outcomes {
		h.Write(o.TxHash[:])
	}
	return h.Sum32()
}
