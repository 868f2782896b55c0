package shielded

import (
	"fmt"
	"sync"

	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

// State is the in-memory shielded engine: a commitment Merkle tree, a
// nullifier-membership cache, and a bounded history of sealed roots.
// Persisted bytes (commitments, nullifiers, encrypted notes) are owned by
// store.StateStore; State is rebuilt from it on startup via Load and kept
// in lockstep with it by BatchManager, which calls ApplyBatch in the same
// logical step as StateStore.CommitBatch.
//
// Per the source's invariant, root history gains an entry only when a
// batch seals, not on every commitment append — so State mutates (tree
// growth, nullifier insertion, history append) exactly once per sealed
// batch, in ApplyBatch.
type State struct {
	mu          sync.RWMutex
	tree        *Tree
	nullifiers  map[types.Nullifier]struct{}
	rootHistory []types.Root
	historyCap  int
	notes       []types.EncryptedNote
}

// New constructs an empty shielded State of the given fixed tree depth and
// bounded root-history length H.
func New(depth, historyCap int) (*State, error) {
	tree, err := NewTree(depth)
	if err != nil {
		return nil, err
	}
	return &State{
		tree:        tree,
		nullifiers:  make(map[types.Nullifier]struct{}),
		rootHistory: make([]types.Root, 0, historyCap),
		historyCap:  historyCap,
	}, nil
}

// Load rebuilds a State from a StateStore's persisted bytes, replaying
// commitments in index order and reloading the nullifier cache and root
// history.
func Load(st *store.StateStore, depth, historyCap int) (*State, error) {
	s, err := New(depth, historyCap)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		index uint64
		c     types.Commitment
	}
	var commitments []indexed
	if err := st.IterateCommitments(func(index uint64, c types.Commitment) error {
		commitments = append(commitments, indexed{index, c})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("shielded: replay commitments: %w", err)
	}
	for i := range commitments {
		if _, _, err := s.tree.Append(commitments[i].c); err != nil {
			return nil, fmt.Errorf("shielded: replay commitment %d: %w", commitments[i].index, err)
		}
	}

	if err := st.IterateNullifiers(func(n types.Nullifier) error {
		s.nullifiers[n] = struct{}{}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("shielded: replay nullifiers: %w", err)
	}

	history, err := st.GetShieldedRootHistory()
	if err != nil {
		return nil, err
	}
	s.rootHistory = history

	notes, err := st.ScanEncryptedNotes()
	if err != nil {
		return nil, err
	}
	s.notes = notes

	return s, nil
}

// Snapshot is a read-only view handed to TxRouter: it reflects the state
// as of the last sealed batch and is never mutated mid-batch, matching
// the source's "router sees the pre-batch snapshot" ordering invariant.
type Snapshot struct {
	tree        *Tree
	nullifiers  map[types.Nullifier]struct{}
	rootHistory []types.Root
}

// Snapshot returns a read-only view of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nullifiers := make(map[types.Nullifier]struct{}, len(s.nullifiers))
	for n := range s.nullifiers {
		nullifiers[n] = struct{}{}
	}
	history := append([]types.Root(nil), s.rootHistory...)
	return Snapshot{tree: s.tree, nullifiers: nullifiers, rootHistory: history}
}

// NullifierExists reports whether n has already been spent as of this
// snapshot.
func (sn Snapshot) NullifierExists(n types.Nullifier) bool {
	_, ok := sn.nullifiers[n]
	return ok
}

// RootInHistory reports whether root is one of the retained sealed roots.
func (sn Snapshot) RootInHistory(root types.Root) bool {
	for _, r := range sn.rootHistory {
		if r == root {
			return true
		}
	}
	return false
}

// MerklePath returns the inclusion path for a commitment already present
// in the tree as of this snapshot.
func (sn Snapshot) MerklePath(c types.Commitment) (*InclusionProof, error) {
	idx, err := sn.tree.FindLeafIndex(c)
	if err != nil {
		return nil, err
	}
	return sn.tree.MerklePath(idx)
}

// CurrentRoot returns the tree root as of this snapshot.
func (sn Snapshot) CurrentRoot() types.Root { return sn.tree.Root() }

// ApplyBatch appends a sealed batch's new commitments to the tree, marks
// its spent nullifiers, appends its new encrypted notes to the scan log,
// and returns the resulting shielded root. It does not itself append to
// root history — callers (BatchManager) call SealRoot once the batch's
// root has also been durably committed via StateStore.
func (s *State) ApplyBatch(commitments []types.Commitment, spends []types.ShieldedSpend, notes []types.EncryptedNote) (types.Root, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range commitments {
		if _, _, err := s.tree.Append(c); err != nil {
			return types.Root{}, err
		}
	}
	for _, spend := range spends {
		if _, ok := s.nullifiers[spend.Nullifier]; ok {
			return types.Root{}, fmt.Errorf("shielded: %w", store.ErrNullifierSpent)
		}
		s.nullifiers[spend.Nullifier] = struct{}{}
	}
	s.notes = append(s.notes, notes...)

	return s.tree.Root(), nil
}

// SealRoot appends root to the bounded root history, evicting the oldest
// entry once historyCap is exceeded. Called once per sealed batch.
func (s *State) SealRoot(root types.Root) []types.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootHistory = append(s.rootHistory, root)
	if len(s.rootHistory) > s.historyCap {
		s.rootHistory = s.rootHistory[len(s.rootHistory)-s.historyCap:]
	}
	return append([]types.Root(nil), s.rootHistory...)
}

// Scan returns every stored encrypted note decryptable by viewingKey. This
// is a linear scan over the note log; O(log-storage) retrieval is not
// required.
func (s *State) Scan(viewingKey []byte, canDecrypt func(vk []byte, note types.EncryptedNote) bool) []types.EncryptedNote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EncryptedNote
	for _, n := range s.notes {
		if canDecrypt(viewingKey, n) {
			out = append(out, n)
		}
	}
	return out
}

// CurrentRoot returns the live tree root.
func (s *State) CurrentRoot() types.Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Root()
}

// RootHistory returns a copy of the bounded sealed-root history.
func (s *State) RootHistory() []types.Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Root(nil), s.rootHistory...)
}
