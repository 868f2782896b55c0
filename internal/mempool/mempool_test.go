package mempool

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/types"
)

// fakeSubmitter records the order in which transactions are handed to
// TxRouter, standing in for *batchmgr.Manager.
type fakeSubmitter struct {
	mu  sync.Mutex
	txs []*types.SignedTransaction
}

func (f *fakeSubmitter) Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx.Transfer)
	return types.Diff{}, nil
}

func (f *fakeSubmitter) amounts() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.txs))
	for i, tx := range f.txs {
		out[i] = tx.Amount
	}
	return out
}

func sampleTx(amount uint64) *types.SignedTransaction {
	return &types.SignedTransaction{From: types.AccountID{0x01}, To: types.AccountID{0x02}, Amount: amount, Nonce: 0, SignerPubKey: []byte{0xAB}}
}

func TestMempool_RejectsReplayedCommitTag(t *testing.T) {
	kg, err := GenerateCommittee(2, 3)
	require.NoError(t, err)

	mp, err := New(Config{Threshold: 2, CommitteeSize: 3, Window: 16, FreezeWait: time.Second}, &fakeSubmitter{}, nil)
	require.NoError(t, err)

	blob, eph, err := Seal(kg.PublicKey, [32]byte{0x01}, sampleTx(10), time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	_, err = mp.Submit(blob, eph)
	require.NoError(t, err)

	// Resubmitting the identical wire blob must be rejected: its commit
	// tag is the Keccak256 of the unchanged ciphertext.
	_, err = mp.Submit(blob, eph)
	require.ErrorIs(t, err, ErrReplayedCommitTag)
}

// TestMempool_CommitBeforeReveal verifies that a block's submission
// order is fixed by FreezeNext (queue position), not by the order in
// which committee shares happen to arrive, and that shares requested
// out of order still release transactions to TxRouter in queue order.
func TestMempool_CommitBeforeReveal(t *testing.T) {
	kg, err := GenerateCommittee(2, 3)
	require.NoError(t, err)

	fs := &fakeSubmitter{}
	mp, err := New(Config{Threshold: 2, CommitteeSize: 3, Window: 16, FreezeWait: time.Second}, fs, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Hour).UnixMilli()
	ephemerals := make([]*big.Int, 3)
	for i := 0; i < 3; i++ {
		blob, eph, err := Seal(kg.PublicKey, [32]byte{byte(i + 1)}, sampleTx(uint64(i+1)), deadline)
		require.NoError(t, err)
		pos, err := mp.Submit(blob, eph)
		require.NoError(t, err)
		require.Equal(t, uint64(i), pos)
		ephemerals[i] = eph
	}

	// Freeze fixes the order before any committee member is asked for a
	// share.
	blockID, n, err := mp.FreezeNext(3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 0, mp.QueueDepth())

	// Supply threshold shares in reverse transaction order: position 2
	// reaches threshold first, position 0 last.
	for txIdx := 2; txIdx >= 0; txIdx-- {
		for _, share := range kg.Shares[:2] {
			dshare := ComputeDecryptionShare(share, ephemerals[txIdx])
			_, err := mp.AddShare(blockID, txIdx, dshare)
			require.NoError(t, err)
		}
	}

	submittedPositions, done, err := mp.Finalize(blockID)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []uint64{0, 1, 2}, submittedPositions)
	require.Equal(t, []uint64{1, 2, 3}, fs.amounts())
}

// TestMempool_FinalizeWaitsForThreshold verifies Finalize returns
// "not yet" rather than dropping the block before FreezeWait elapses.
func TestMempool_FinalizeWaitsForThreshold(t *testing.T) {
	kg, err := GenerateCommittee(2, 3)
	require.NoError(t, err)

	fs := &fakeSubmitter{}
	mp, err := New(Config{Threshold: 2, CommitteeSize: 3, Window: 16, FreezeWait: time.Hour}, fs, nil)
	require.NoError(t, err)

	blob, eph, err := Seal(kg.PublicKey, [32]byte{0x01}, sampleTx(1), time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	_, err = mp.Submit(blob, eph)
	require.NoError(t, err)

	blockID, _, err := mp.FreezeNext(1)
	require.NoError(t, err)

	// Only one of two required shares supplied.
	_, err = mp.AddShare(blockID, 0, ComputeDecryptionShare(kg.Shares[0], eph))
	require.NoError(t, err)

	submitted, done, err := mp.Finalize(blockID)
	require.NoError(t, err)
	require.False(t, done)
	require.Nil(t, submitted)
	require.Empty(t, fs.amounts())
}

// TestMempool_FinalizeDropsBlockAfterLivenessTimeout verifies the
// whole frozen block is requeued once FreezeWait elapses without
// reaching threshold, and a subsequent freeze/finalize with enough
// shares still succeeds.
func TestMempool_FinalizeDropsBlockAfterLivenessTimeout(t *testing.T) {
	kg, err := GenerateCommittee(2, 3)
	require.NoError(t, err)

	fs := &fakeSubmitter{}
	mp, err := New(Config{Threshold: 2, CommitteeSize: 3, Window: 16, FreezeWait: time.Millisecond}, fs, nil)
	require.NoError(t, err)

	blob, eph, err := Seal(kg.PublicKey, [32]byte{0x01}, sampleTx(7), time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	_, err = mp.Submit(blob, eph)
	require.NoError(t, err)

	blockID, _, err := mp.FreezeNext(1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	submitted, done, err := mp.Finalize(blockID)
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, submitted)
	require.Equal(t, 1, mp.QueueDepth(), "dropped block's transaction returns to the queue")

	blockID2, _, err := mp.FreezeNext(1)
	require.NoError(t, err)
	for _, share := range kg.Shares[:2] {
		_, err := mp.AddShare(blockID2, 0, ComputeDecryptionShare(share, eph))
		require.NoError(t, err)
	}
	submitted, done, err = mp.Finalize(blockID2)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []uint64{0}, submitted)
}
