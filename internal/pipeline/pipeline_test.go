package pipeline

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/batchmgr"
	"github.com/zelana-labs/sequencer/internal/prover"
	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/settler"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

// fakeSettler records the order in which batches are settled, standing
// in for a real L1 connection in tests.
type fakeSettler struct {
	mu    sync.Mutex
	order []uint64
}

func (f *fakeSettler) Settle(ctx context.Context, batch *types.Batch, proof *prover.BatchProof) (*settler.L1Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, batch.Index)
	return &settler.L1Ref{}, nil
}

func (f *fakeSettler) snapshot() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.order))
	copy(out, f.order)
	return out
}

func newPipelineHarness(t *testing.T) (*Pipeline, *batchmgr.Manager, *store.StateStore, *fakeSettler) {
	t.Helper()
	st := store.New(dbm.NewMemDB())
	sh, err := shielded.New(8, 4)
	require.NoError(t, err)

	cfg := batchmgr.Config{MaxTransactions: 1, MaxShielded: 1000, MaxBatchAge: time.Hour, MinTransactions: 1}
	mgr, err := batchmgr.New(cfg, st, sh, nil, nil)
	require.NoError(t, err)

	fs := &fakeSettler{}
	pl := New(Config{ProveInFlight: 4, SettleInFlight: 1, SealPollEvery: time.Millisecond, ShutdownGrace: time.Second},
		mgr, st, sh, prover.NewMockProver(), fs, nil)
	return pl, mgr, st, fs
}

// submitTransfer submits one transfer from a freshly funded account,
// identified by seq so each call in a test uses a distinct signer and
// tx hash (every fresh account starts at nonce 0).
func submitTransfer(t *testing.T, mgr *batchmgr.Manager, st *store.StateStore, seq uint64) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	require.NoError(t, st.PutAccount(from, types.AccountState{Balance: 1000, Nonce: 0}))

	to := types.AccountID{0x02}
	tx := &types.SignedTransaction{From: from, To: to, Amount: 1, Nonce: 0, SignerPubKey: pub}
	tx.Signature = ed25519.Sign(priv, tx.CanonicalBytes())
	var txHash [32]byte
	txHash[0] = byte(seq + 1)
	_, err = mgr.Submit(txHash, router.Transaction{Kind: types.KindTransfer, Transfer: tx})
	require.NoError(t, err)
}

func TestPipeline_SettlesBatchesInIncreasingOrder(t *testing.T) {
	pl, mgr, st, fs := newPipelineHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pl.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		submitTransfer(t, mgr, st, uint64(i))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(fs.snapshot()) >= 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	order := fs.snapshot()
	for i := 1; i < len(order); i++ {
		require.Equal(t, order[i-1]+1, order[i], "settlement must release strictly in increasing batch_index order")
	}
}

func TestPipeline_CommitsSealedBatchesToStore(t *testing.T) {
	pl, mgr, st, fs := newPipelineHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pl.Run(ctx)
		close(done)
	}()

	submitTransfer(t, mgr, st, 0)

	require.Eventually(t, func() bool {
		return len(fs.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	header, ok, err := st.LatestBlockHeader()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0), header.BatchID)
}
