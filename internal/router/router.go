// Package router implements TxRouter: the single entry point that
// validates and executes one transaction of any kind against a read-only
// context, producing a Diff. The router never writes to the store
// directly — BatchManager owns applying diffs.
package router

import (
	"crypto/ed25519"
	"fmt"
	"math/bits"

	"github.com/zelana-labs/sequencer/internal/types"
)

// ShieldedReader is the read-only shielded view Execute consults. It is an
// interface (not the concrete shielded.Snapshot type) so BatchManager can
// layer a batch-local pending-nullifier overlay on top of the frozen
// pre-batch snapshot: two shielded transactions in the same batch that
// both consume nullifier N must see the first's insertion, so the second
// rejects NullifierAlreadySpent rather than both silently double-
// inserting it (see the double-spend end-to-end scenario).
type ShieldedReader interface {
	NullifierExists(n types.Nullifier) bool
	RootInHistory(root types.Root) bool
}

// Reject enumerates the ways a transaction can be locally rejected.
// Rejections never abort the batch; the transaction is simply dropped.
type Reject int

const (
	RejectInvalidSignature Reject = iota + 1
	RejectInvalidNonce
	RejectInsufficientBalance
	RejectOverflow
	RejectNullifierAlreadySpent
	RejectUnknownShieldedRoot
	RejectDuplicateDeposit
	RejectMalformedTransaction
)

func (r Reject) String() string {
	switch r {
	case RejectInvalidSignature:
		return "InvalidSignature"
	case RejectInvalidNonce:
		return "InvalidNonce"
	case RejectInsufficientBalance:
		return "InsufficientBalance"
	case RejectOverflow:
		return "Overflow"
	case RejectNullifierAlreadySpent:
		return "NullifierAlreadySpent"
	case RejectUnknownShieldedRoot:
		return "UnknownShieldedRoot"
	case RejectDuplicateDeposit:
		return "DuplicateDeposit"
	case RejectMalformedTransaction:
		return "MalformedTransaction"
	default:
		return "Unknown"
	}
}

// RejectError is returned when execution rejects a transaction locally.
type RejectError struct {
	Kind   Reject
	Detail string
}

func (e *RejectError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

func reject(kind Reject, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AccountReader is the read-only account view execution runs against. It
// must reflect any diffs already applied earlier in the same batch, so
// that sequential transactions from one sender see an up-to-date nonce
// and balance; BatchManager is responsible for supplying such a view.
type AccountReader interface {
	GetAccount(id types.AccountID) (types.AccountState, error)
}

// DepositSeen reports whether an L1Seq has already been credited, the
// authoritative dedup point for deposit idempotence.
type DepositSeen interface {
	Seen(l1Seq uint64) (bool, error)
}

// ShieldedProofVerifier validates a shielded transaction's attached proof.
// The proof system itself is out of scope for this module; only the
// interface it's invoked through lives here.
type ShieldedProofVerifier interface {
	Verify(tx *types.ShieldedTransaction) bool
}

// Ctx bundles the read-only views one Execute call runs against.
type Ctx struct {
	Accounts    AccountReader
	Shielded    ShieldedReader
	Deposits    DepositSeen
	ShieldedVer ShieldedProofVerifier
}

// Transaction is the tagged union Execute dispatches on.
type Transaction struct {
	Kind     types.TransactionKind
	Transfer *types.SignedTransaction
	Deposit  *types.DepositEvent
	Withdraw *types.WithdrawRequest
	Shielded *types.ShieldedTransaction
}

// Execute validates and executes one transaction against ctx, returning
// the resulting Diff or a RejectError. It never mutates ctx or any store.
func Execute(ctx Ctx, tx Transaction) (types.Diff, error) {
	switch tx.Kind {
	case types.KindTransfer:
		if tx.Transfer == nil {
			return types.Diff{}, reject(RejectMalformedTransaction, "missing transfer payload")
		}
		return executeTransfer(ctx, tx.Transfer)
	case types.KindDeposit:
		if tx.Deposit == nil {
			return types.Diff{}, reject(RejectMalformedTransaction, "missing deposit payload")
		}
		return executeDeposit(ctx, tx.Deposit)
	case types.KindWithdraw:
		if tx.Withdraw == nil {
			return types.Diff{}, reject(RejectMalformedTransaction, "missing withdraw payload")
		}
		return executeWithdraw(ctx, tx.Withdraw)
	case types.KindShielded:
		if tx.Shielded == nil {
			return types.Diff{}, reject(RejectMalformedTransaction, "missing shielded payload")
		}
		return executeShielded(ctx, tx.Shielded)
	default:
		return types.Diff{}, reject(RejectMalformedTransaction, "unknown transaction kind %d", tx.Kind)
	}
}

// derivedFrom computes the AccountId a signer's public key resolves to.
// Transparent (non-shielded) accounts have no privacy identity, so the
// privacy-key half of the derivation is the zero value.
func derivedFrom(signerPubKey []byte) types.AccountID {
	var zeroPrivacy [32]byte
	return types.DeriveAccountID(signerPubKey, zeroPrivacy[:])
}

func executeTransfer(ctx Ctx, tx *types.SignedTransaction) (types.Diff, error) {
	if len(tx.SignerPubKey) != ed25519.PublicKeySize {
		return types.Diff{}, reject(RejectInvalidSignature, "wrong public key size")
	}
	if !ed25519.Verify(ed25519.PublicKey(tx.SignerPubKey), tx.CanonicalBytes(), tx.Signature) {
		return types.Diff{}, reject(RejectInvalidSignature, "signature does not verify")
	}
	if derivedFrom(tx.SignerPubKey) != tx.From {
		return types.Diff{}, reject(RejectInvalidSignature, "signer key does not derive `from`")
	}

	sender, err := ctx.Accounts.GetAccount(tx.From)
	if err != nil {
		return types.Diff{}, err
	}
	if sender.Nonce != tx.Nonce {
		return types.Diff{}, reject(RejectInvalidNonce, "want %d got %d", sender.Nonce, tx.Nonce)
	}
	if sender.Balance < tx.Amount {
		return types.Diff{}, reject(RejectInsufficientBalance, "have %d need %d", sender.Balance, tx.Amount)
	}

	diff := types.NewDiff()

	if tx.From == tx.To {
		// Same-account transfer: net-zero balance change, nonce still
		// advances.
		diff.AccountUpdates[tx.From] = types.AccountState{Balance: sender.Balance, Nonce: sender.Nonce + 1}
		return diff, nil
	}

	recipient, err := ctx.Accounts.GetAccount(tx.To)
	if err != nil {
		return types.Diff{}, err
	}
	newRecipientBalance, carry := bits.Add64(recipient.Balance, tx.Amount, 0)
	if carry != 0 {
		return types.Diff{}, reject(RejectOverflow, "recipient balance overflow")
	}

	diff.AccountUpdates[tx.From] = types.AccountState{Balance: sender.Balance - tx.Amount, Nonce: sender.Nonce + 1}
	diff.AccountUpdates[tx.To] = types.AccountState{Balance: newRecipientBalance, Nonce: recipient.Nonce}
	return diff, nil
}

func executeDeposit(ctx Ctx, ev *types.DepositEvent) (types.Diff, error) {
	seen, err := ctx.Deposits.Seen(ev.L1Seq)
	if err != nil {
		return types.Diff{}, err
	}
	if seen {
		// Idempotent replay: empty diff, not a rejection.
		return types.NewDiff(), nil
	}

	recipient, err := ctx.Accounts.GetAccount(ev.To)
	if err != nil {
		return types.Diff{}, err
	}
	newBalance, carry := bits.Add64(recipient.Balance, ev.Amount, 0)
	if carry != 0 {
		return types.Diff{}, reject(RejectOverflow, "deposit balance overflow")
	}

	diff := types.NewDiff()
	diff.AccountUpdates[ev.To] = types.AccountState{Balance: newBalance, Nonce: recipient.Nonce}
	l1seq := ev.L1Seq
	diff.DepositL1Seq = &l1seq
	return diff, nil
}

func executeWithdraw(ctx Ctx, wr *types.WithdrawRequest) (types.Diff, error) {
	sender, err := ctx.Accounts.GetAccount(wr.From)
	if err != nil {
		return types.Diff{}, err
	}
	if sender.Nonce != wr.Nonce {
		return types.Diff{}, reject(RejectInvalidNonce, "want %d got %d", sender.Nonce, wr.Nonce)
	}
	if sender.Balance < wr.Amount {
		return types.Diff{}, reject(RejectInsufficientBalance, "have %d need %d", sender.Balance, wr.Amount)
	}

	diff := types.NewDiff()
	diff.AccountUpdates[wr.From] = types.AccountState{Balance: sender.Balance - wr.Amount, Nonce: sender.Nonce + 1}
	diff.Withdrawals = append(diff.Withdrawals, types.PendingWithdrawal{
		ToL1Address: wr.ToL1Address,
		Amount:      wr.Amount,
	})
	return diff, nil
}

func executeShielded(ctx Ctx, stx *types.ShieldedTransaction) (types.Diff, error) {
	if ctx.ShieldedVer != nil && !ctx.ShieldedVer.Verify(stx) {
		return types.Diff{}, reject(RejectMalformedTransaction, "shielded proof does not verify")
	}

	for _, spend := range stx.Spends {
		if ctx.Shielded.NullifierExists(spend.Nullifier) {
			return types.Diff{}, reject(RejectNullifierAlreadySpent, "%x", spend.Nullifier)
		}
		if !ctx.Shielded.RootInHistory(spend.ReferencedRoot) {
			return types.Diff{}, reject(RejectUnknownShieldedRoot, "%x", spend.ReferencedRoot)
		}
	}

	diff := types.NewDiff()
	diff.IsShielded = true
	for _, spend := range stx.Spends {
		diff.Nullifiers = append(diff.Nullifiers, spend.Nullifier)
	}
	diff.Commitments = append(diff.Commitments, stx.NewCommitments...)
	diff.EncryptedNotes = append(diff.EncryptedNotes, stx.NewNotes...)
	// Balance conservation for shielded value is enforced by the proof,
	// not checked here.
	return diff, nil
}
