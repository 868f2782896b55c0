package store

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/types"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	return New(dbm.NewMemDB())
}

func TestGetAccount_DefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	id := types.AccountID{0x01}

	st, err := s.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, types.AccountState{}, st)
}

func TestCommitBatch_MonotonicBatchID(t *testing.T) {
	s := newTestStore(t)

	cr1 := CommitResult{
		Header:         NewBlockHeader(1, types.Root{}, types.Root{0xaa}, 1, 0, 0),
		AccountUpdates: map[types.AccountID]types.AccountState{},
	}
	_, err := s.CommitBatch(cr1)
	require.NoError(t, err)

	root, err := s.LatestStateRoot()
	require.NoError(t, err)
	require.Equal(t, types.Root{0xaa}, root)

	cr2 := CommitResult{Header: NewBlockHeader(1, types.Root{0xaa}, types.Root{0xbb}, 1, 0, 0)}
	_, err = s.CommitBatch(cr2)
	require.ErrorIs(t, err, ErrBlockNotMonotonic)

	cr3 := CommitResult{Header: NewBlockHeader(2, types.Root{0xaa}, types.Root{0xbb}, 1, 0, 0)}
	_, err = s.CommitBatch(cr3)
	require.NoError(t, err)
}

func TestCommitBatch_NullifierAndAccountsPersist(t *testing.T) {
	s := newTestStore(t)
	id := types.AccountID{0x02}
	var n types.Nullifier
	n[0] = 0x09

	cr := CommitResult{
		Header: NewBlockHeader(1, types.Root{}, types.Root{0x01}, 1, 0, 0),
		AccountUpdates: map[types.AccountID]types.AccountState{
			id: {Balance: 100, Nonce: 1},
		},
		Nullifiers: []types.Nullifier{n},
	}
	_, err := s.CommitBatch(cr)
	require.NoError(t, err)

	st, err := s.GetAccount(id)
	require.NoError(t, err)
	require.Equal(t, types.AccountState{Balance: 100, Nonce: 1}, st)

	exists, err := s.NullifierExists(n)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestComputeAccountRoot_OrderIndependent(t *testing.T) {
	a := types.AccountID{0x01}
	b := types.AccountID{0x02}
	accounts := map[types.AccountID]types.AccountState{
		a: {Balance: 10, Nonce: 0},
		b: {Balance: 20, Nonce: 1},
	}
	r1 := ComputeAccountRoot(accounts)
	r2 := ComputeAccountRoot(accounts)
	require.Equal(t, r1, r2)

	// Rebuilding the map in different insertion order must not change the root,
	// since ComputeAccountRoot sorts by AccountId before hashing.
	accounts2 := map[types.AccountID]types.AccountState{
		b: {Balance: 20, Nonce: 1},
		a: {Balance: 10, Nonce: 0},
	}
	r3 := ComputeAccountRoot(accounts2)
	require.Equal(t, r1, r3)
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := NewBlockHeader(42, types.Root{0x01}, types.Root{0x02}, 7, 12345, 3)
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 96)

	got, err := UnmarshalBlockHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
}
