package batchmgr

import (
	"crypto/ed25519"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.StateStore, *shielded.State) {
	t.Helper()
	st := store.New(dbm.NewMemDB())
	sh, err := shielded.New(8, 4)
	require.NoError(t, err)
	m, err := New(cfg, st, sh, nil, nil)
	require.NoError(t, err)
	return m, st, sh
}

func signedTransfer(t *testing.T, from, to types.AccountID, amount, nonce uint64, pub ed25519.PublicKey, priv ed25519.PrivateKey) *types.SignedTransaction {
	t.Helper()
	tx := &types.SignedTransaction{From: from, To: to, Amount: amount, Nonce: nonce, SignerPubKey: pub}
	tx.Signature = ed25519.Sign(priv, tx.CanonicalBytes())
	return tx
}

func TestManager_SealProducesBatchWithRoots(t *testing.T) {
	cfg := Config{MaxTransactions: 2, MaxShielded: 1000, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, st, _ := newTestManager(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	require.NoError(t, st.PutAccount(from, types.AccountState{Balance: 100, Nonce: 0}))

	to := types.AccountID{0x02}
	tx := signedTransfer(t, from, to, 40, 0, pub, priv)
	_, err = m.Submit([32]byte{0x01}, router.Transaction{Kind: types.KindTransfer, Transfer: tx})
	require.NoError(t, err)

	require.False(t, m.ShouldSeal())

	batch, err := m.Seal(true)
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, uint64(0), batch.Index)
	require.Equal(t, 1, batch.TxCount())
	require.Equal(t, types.BatchSealed, batch.Status)
	require.NotEqual(t, batch.PreStateRoot, batch.PostStateRoot)
}

func TestManager_SealPolicy_MaxTransactions(t *testing.T) {
	cfg := Config{MaxTransactions: 2, MaxShielded: 1000, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, st, _ := newTestManager(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	require.NoError(t, st.PutAccount(from, types.AccountState{Balance: 1000, Nonce: 0}))

	to := types.AccountID{0x02}
	tx0 := signedTransfer(t, from, to, 10, 0, pub, priv)
	_, err = m.Submit([32]byte{0x01}, router.Transaction{Kind: types.KindTransfer, Transfer: tx0})
	require.NoError(t, err)
	require.False(t, m.ShouldSeal())

	tx1 := signedTransfer(t, from, to, 10, 1, pub, priv)
	_, err = m.Submit([32]byte{0x02}, router.Transaction{Kind: types.KindTransfer, Transfer: tx1})
	require.NoError(t, err)
	require.True(t, m.ShouldSeal())
}

func TestManager_Seal_SignsBatchWhenSignerConfigured(t *testing.T) {
	signerPub, signerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cfg := Config{MaxTransactions: 10, MaxShielded: 10, MaxBatchAge: time.Hour, MinTransactions: 1, Signer: signerPriv}
	m, _, _ := newTestManager(t, cfg)

	batch, err := m.Seal(true)
	require.NoError(t, err)
	require.Equal(t, []byte(signerPub), batch.SequencerPubKey)
	require.True(t, ed25519.Verify(signerPub, batch.BatchHash[:], batch.SequencerSignature))
}

func TestManager_Seal_NoSignatureWithoutSigner(t *testing.T) {
	cfg := Config{MaxTransactions: 10, MaxShielded: 10, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, _, _ := newTestManager(t, cfg)

	batch, err := m.Seal(true)
	require.NoError(t, err)
	require.Nil(t, batch.SequencerSignature)
	require.Nil(t, batch.SequencerPubKey)
}

func TestManager_Seal_EmptyBatchWithoutForceReturnsNil(t *testing.T) {
	cfg := Config{MaxTransactions: 10, MaxShielded: 10, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, _, _ := newTestManager(t, cfg)

	batch, err := m.Seal(false)
	require.NoError(t, err)
	require.Nil(t, batch)
}

func TestManager_Seal_AdvancesBatchIndexAndPreRoots(t *testing.T) {
	cfg := Config{MaxTransactions: 10, MaxShielded: 10, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, st, _ := newTestManager(t, cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	require.NoError(t, st.PutAccount(from, types.AccountState{Balance: 100, Nonce: 0}))
	to := types.AccountID{0x02}

	tx0 := signedTransfer(t, from, to, 10, 0, pub, priv)
	_, err = m.Submit([32]byte{0x01}, router.Transaction{Kind: types.KindTransfer, Transfer: tx0})
	require.NoError(t, err)
	batch0, err := m.Seal(true)
	require.NoError(t, err)
	require.NotNil(t, batch0)

	// No writes have been committed to the store yet (that's the
	// pipeline's job); the account overlay from batch0 is lost once the
	// next batch opens, so tx1 is validated against the durable store and
	// reuses nonce 0. batch1's pre_state_root is still chained from
	// batch0's post_state_root by Seal.
	tx1 := signedTransfer(t, from, to, 5, 0, pub, priv)
	_, err = m.Submit([32]byte{0x02}, router.Transaction{Kind: types.KindTransfer, Transfer: tx1})
	require.NoError(t, err)
	batch1, err := m.Seal(true)
	require.NoError(t, err)
	require.NotNil(t, batch1)

	require.Equal(t, batch0.Index+1, batch1.Index)
	require.Equal(t, batch0.PostStateRoot, batch1.PreStateRoot)
}

func TestManager_ShieldedDoubleSpendWithinBatch(t *testing.T) {
	cfg := Config{MaxTransactions: 10, MaxShielded: 10, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, _, sh := newTestManager(t, cfg)

	// Seed a sealed root into shielded history directly, as if a prior
	// batch had already sealed with one commitment, so the double-spend
	// test below can reference a root that is actually retained.
	var seed types.Commitment
	seed[0] = 0xaa
	sealedRoot, err := sh.ApplyBatch([]types.Commitment{seed}, nil, nil)
	require.NoError(t, err)
	sh.SealRoot(sealedRoot)
	m.openBatch(m.batchIndex, m.preStateRoot, sealedRoot)

	var n types.Nullifier
	n[0] = 0x01
	root := sealedRoot

	stx1 := &types.ShieldedTransaction{Spends: []types.ShieldedSpend{{Nullifier: n, ReferencedRoot: root}}}
	_, err = m.Submit([32]byte{0x01}, router.Transaction{Kind: types.KindShielded, Shielded: stx1})
	require.NoError(t, err)

	stx2 := &types.ShieldedTransaction{Spends: []types.ShieldedSpend{{Nullifier: n, ReferencedRoot: root}}}
	_, err = m.Submit([32]byte{0x02}, router.Transaction{Kind: types.KindShielded, Shielded: stx2})
	var rej *router.RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, router.RejectNullifierAlreadySpent, rej.Kind)
}
