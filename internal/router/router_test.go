package router

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/types"
)

type memAccounts map[types.AccountID]types.AccountState

func (m memAccounts) GetAccount(id types.AccountID) (types.AccountState, error) {
	return m[id], nil
}

type memDeposits map[uint64]bool

func (m memDeposits) Seen(l1Seq uint64) (bool, error) { return m[l1Seq], nil }

type memShielded struct {
	nullifiers map[types.Nullifier]struct{}
	roots      map[types.Root]struct{}
}

func (m memShielded) NullifierExists(n types.Nullifier) bool { _, ok := m.nullifiers[n]; return ok }
func (m memShielded) RootInHistory(r types.Root) bool        { _, ok := m.roots[r]; return ok }

func signedTransfer(t *testing.T, from, to types.AccountID, amount, nonce uint64, pub ed25519.PublicKey, priv ed25519.PrivateKey) *types.SignedTransaction {
	t.Helper()
	tx := &types.SignedTransaction{From: from, To: to, Amount: amount, Nonce: nonce, SignerPubKey: pub}
	tx.Signature = ed25519.Sign(priv, tx.CanonicalBytes())
	return tx
}

func TestExecuteTransfer_HappyPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	to := types.AccountID{0x02}

	accounts := memAccounts{from: {Balance: 100, Nonce: 0}}
	ctx := Ctx{Accounts: accounts, Deposits: memDeposits{}}

	tx := signedTransfer(t, from, to, 25, 0, pub, priv)
	diff, err := Execute(ctx, Transaction{Kind: types.KindTransfer, Transfer: tx})
	require.NoError(t, err)
	require.Equal(t, uint64(75), diff.AccountUpdates[from].Balance)
	require.Equal(t, uint64(1), diff.AccountUpdates[from].Nonce)
	require.Equal(t, uint64(25), diff.AccountUpdates[to].Balance)
}

func TestExecuteTransfer_NonceReject(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])

	accounts := memAccounts{from: {Balance: 100, Nonce: 1}}
	ctx := Ctx{Accounts: accounts, Deposits: memDeposits{}}

	tx := signedTransfer(t, from, types.AccountID{0x02}, 10, 0, pub, priv)
	_, err = Execute(ctx, Transaction{Kind: types.KindTransfer, Transfer: tx})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectInvalidNonce, rej.Kind)
}

func TestExecuteDeposit_Idempotent(t *testing.T) {
	to := types.AccountID{0x03}
	accounts := memAccounts{to: {Balance: 0, Nonce: 0}}
	deposits := memDeposits{42: true}
	ctx := Ctx{Accounts: accounts, Deposits: deposits}

	diff, err := Execute(ctx, Transaction{Kind: types.KindDeposit, Deposit: &types.DepositEvent{To: to, Amount: 50, L1Seq: 42}})
	require.NoError(t, err)
	require.Empty(t, diff.AccountUpdates)
}

func TestExecuteDeposit_Credits(t *testing.T) {
	to := types.AccountID{0x03}
	accounts := memAccounts{to: {Balance: 0, Nonce: 0}}
	ctx := Ctx{Accounts: accounts, Deposits: memDeposits{}}

	diff, err := Execute(ctx, Transaction{Kind: types.KindDeposit, Deposit: &types.DepositEvent{To: to, Amount: 50, L1Seq: 1}})
	require.NoError(t, err)
	require.Equal(t, uint64(50), diff.AccountUpdates[to].Balance)
}

func TestExecuteShielded_DoubleSpendAgainstFrozenSet(t *testing.T) {
	var n types.Nullifier
	n[0] = 0x01
	var root types.Root
	root[0] = 0xaa

	shieldedView := memShielded{
		nullifiers: map[types.Nullifier]struct{}{n: {}},
		roots:      map[types.Root]struct{}{},
	}
	ctx := Ctx{Accounts: memAccounts{}, Shielded: shieldedView, Deposits: memDeposits{}}

	stx := &types.ShieldedTransaction{Spends: []types.ShieldedSpend{{Nullifier: n, ReferencedRoot: root}}}
	_, err := Execute(ctx, Transaction{Kind: types.KindShielded, Shielded: stx})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectNullifierAlreadySpent, rej.Kind)
}

func TestExecuteShielded_UnknownRoot(t *testing.T) {
	var n types.Nullifier
	n[0] = 0x02
	shieldedView := memShielded{nullifiers: map[types.Nullifier]struct{}{}, roots: map[types.Root]struct{}{}}
	ctx := Ctx{Accounts: memAccounts{}, Shielded: shieldedView, Deposits: memDeposits{}}

	stx := &types.ShieldedTransaction{Spends: []types.ShieldedSpend{{Nullifier: n, ReferencedRoot: types.Root{0x01}}}}
	_, err := Execute(ctx, Transaction{Kind: types.KindShielded, Shielded: stx})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, RejectUnknownShieldedRoot, rej.Kind)
}
