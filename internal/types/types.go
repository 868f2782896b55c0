// Package types holds the data model shared across the sequencer: account
// identifiers and state, the four transaction kinds, shielded-pool
// primitives, and the batch/header shapes that cross component boundaries.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// AccountIDSize is the width of an AccountId in bytes.
const AccountIDSize = 32

// AccountID is the 32-byte account identifier, derived as
// SHA-256(signer_pk || privacy_pk). AccountIDs have a total order by byte
// comparison; that order is used for deterministic state-root computation.
type AccountID [AccountIDSize]byte

// DeriveAccountID computes an AccountId from a signer public key and a
// privacy (shielded) public key.
func DeriveAccountID(signerPubKey, privacyPubKey []byte) AccountID {
	h := sha256.New()
	h.Write(signerPubKey)
	h.Write(privacyPubKey)
	var id AccountID
	copy(id[:], h.Sum(nil))
	return id
}

// Compare returns -1, 0 or 1 following byte-wise total order.
func (a AccountID) Compare(b AccountID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AccountState is the persisted balance/nonce pair for an account. The zero
// value is the default state for an account that has never been written.
type AccountState struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// TransactionKind discriminates the four kinds of transaction the router
// dispatches.
type TransactionKind int

const (
	KindTransfer TransactionKind = iota + 1
	KindDeposit
	KindWithdraw
	KindShielded
)

// SignedTransaction is a transparent transfer request.
type SignedTransaction struct {
	From         AccountID `json:"from"`
	To           AccountID `json:"to"`
	Amount       uint64    `json:"amount"`
	Nonce        uint64    `json:"nonce"`
	ChainID      uint64    `json:"chain_id"`
	Signature    []byte    `json:"signature"`
	SignerPubKey []byte    `json:"signer_pubkey"`
}

// CanonicalBytes returns the canonical serialization signed by the client.
// It is the input to Ed25519 verification, not a general-purpose encoding.
func (tx *SignedTransaction) CanonicalBytes() []byte {
	buf := make([]byte, 0, AccountIDSize*2+8+8+8)
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	buf = binary.BigEndian.AppendUint64(buf, tx.Amount)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, tx.ChainID)
	return buf
}

// DepositEvent is an L1->L2 deposit observed by the BridgeIngestor.
// L1Seq is monotonic per bridge instance; duplicate deliveries for the
// same L1Seq must be idempotent at the router.
type DepositEvent struct {
	To     AccountID `json:"to"`
	Amount uint64    `json:"amount"`
	L1Seq  uint64    `json:"l1_seq"`
	Domain uint64    `json:"domain"`
}

// WithdrawRequest is an L2->L1 withdrawal request, subject to the same
// nonce discipline as SignedTransaction.
type WithdrawRequest struct {
	From        AccountID `json:"from"`
	ToL1Address [20]byte  `json:"to_l1_address"`
	Amount      uint64    `json:"amount"`
	Nonce       uint64    `json:"nonce"`
	Signature   []byte    `json:"signature"`
}

// PendingWithdrawal is the withdrawal-tree leaf queued by a Withdraw
// execution until the batch containing it seals.
type PendingWithdrawal struct {
	ToL1Address [20]byte `json:"to_l1_address"`
	Amount      uint64   `json:"amount"`
}

// CommitmentSize and NullifierSize are both the width of the protocol hash
// output, shared by the shielded Merkle tree and the nullifier set.
const (
	CommitmentSize = 32
	NullifierSize  = 32
)

// Commitment is a shielded note commitment, a Merkle tree leaf.
type Commitment [CommitmentSize]byte

// Nullifier uniquely tags a spent note.
type Nullifier [NullifierSize]byte

// Root is a Merkle tree root, transparent or shielded.
type Root [32]byte

// Note is a shielded value note. ViewingKey names the recipient's viewing
// public key; Rho is per-note randomness mixed into the nullifier.
type Note struct {
	Value      uint64 `json:"value"`
	ViewingKey []byte `json:"owner_viewing_key"`
	Rho        []byte `json:"rho"`
}

// EncryptedNote is a note enciphered to its recipient's viewing key and
// stored in ShieldedState's append-only log.
type EncryptedNote struct {
	Recipient  []byte `json:"recipient_hint"`
	Ciphertext []byte `json:"ciphertext"`
}

// ShieldedTransaction carries a shielded note transfer: a list of spent
// nullifiers each referencing a historical root, newly created commitments,
// and the encrypted notes addressed to their recipients. ProofBytes is the
// opaque per-transaction shielded proof, validated outside this module.
type ShieldedTransaction struct {
	Spends         []ShieldedSpend `json:"spends"`
	NewCommitments []Commitment    `json:"new_commitments"`
	NewNotes       []EncryptedNote `json:"new_notes"`
	ProofBytes     []byte          `json:"proof_bytes"`
}

// ShieldedSpend is one nullifier consumption referencing the root it was
// proved against.
type ShieldedSpend struct {
	Nullifier      Nullifier `json:"nullifier"`
	ReferencedRoot Root      `json:"referenced_root"`
}

// Diff is the pure output of executing one transaction: it is never
// written directly to the store, only accumulated by the batch manager.
type Diff struct {
	AccountUpdates map[AccountID]AccountState `json:"account_updates"`
	Nullifiers     []Nullifier                `json:"nullifiers"`
	Commitments    []Commitment                `json:"commitments"`
	EncryptedNotes []EncryptedNote             `json:"encrypted_notes"`
	Withdrawals    []PendingWithdrawal         `json:"withdrawals"`
	IsShielded     bool                        `json:"is_shielded"`
	DepositL1Seq   *uint64                     `json:"deposit_l1_seq,omitempty"`
}

// NewDiff returns an empty Diff ready for accumulation.
func NewDiff() Diff {
	return Diff{AccountUpdates: make(map[AccountID]AccountState)}
}

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus int

const (
	BatchAccumulating BatchStatus = iota
	BatchSealed
	BatchProving
	BatchProved
	BatchSettling
	BatchFinalized
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchAccumulating:
		return "accumulating"
	case BatchSealed:
		return "sealed"
	case BatchProving:
		return "proving"
	case BatchProved:
		return "proved"
	case BatchSettling:
		return "settling"
	case BatchFinalized:
		return "finalized"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TxOutcome pairs an executed transaction with the diff it produced, in the
// order the router emitted it.
type TxOutcome struct {
	TxHash [32]byte `json:"tx_hash"`
	Kind   TransactionKind `json:"kind"`
	Diff   Diff            `json:"diff"`
}

// Batch is the ordered, bounded unit of state transition sealed by
// BatchManager and carried through Prover and Settler.
type Batch struct {
	Index            uint64      `json:"index"`
	Outcomes         []TxOutcome `json:"outcomes"`
	ShieldedCount    int         `json:"shielded_count"`
	PreStateRoot     Root        `json:"pre_state_root"`
	PostStateRoot    Root        `json:"post_state_root"`
	PreShieldedRoot  Root        `json:"pre_shielded_root"`
	PostShieldedRoot Root        `json:"post_shielded_root"`
	WithdrawalRoot   Root        `json:"withdrawal_root"`
	Withdrawals      []PendingWithdrawal `json:"withdrawals"`
	BatchHash        [32]byte    `json:"batch_hash"`
	Status           BatchStatus `json:"status"`
	OpenedAt         int64       `json:"opened_at_unix_ms"`
	SealedAt         int64       `json:"sealed_at_unix_ms,omitempty"`

	// SequencerSignature is an ed25519 signature over BatchHash under
	// SequencerPubKey, set at seal time when the process was started
	// with an operator keypair configured. It lets a client verify a
	// sealed batch came from the authorized sequencer before that
	// batch's proof has settled on L1.
	SequencerPubKey    []byte `json:"sequencer_pubkey,omitempty"`
	SequencerSignature []byte `json:"sequencer_signature,omitempty"`
}

// TxCount returns the number of transaction outcomes in the batch.
func (b *Batch) TxCount() int { return len(b.Outcomes) }

// EncryptedTxBlob is the EncryptedTxBlob v1 wire layout: version(1) ||
// flags(1) || sender_hint(32) || nonce(12) || ciphertext(var) || tag(16).
// The first 34 bytes (version, flags, sender_hint) are AEAD associated
// data, so tampering any of those fields fails decryption.
type EncryptedTxBlob struct {
	Version    uint8    `json:"version"`
	Flags      uint8    `json:"flags"`
	SenderHint [32]byte `json:"sender_hint"`
	Nonce      [12]byte `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
	Tag        [16]byte `json:"tag"`
}

const encryptedBlobAADLen = 1 + 1 + 32

// ErrMalformedBlob is returned when a wire blob is too short to contain its
// fixed-size fields.
var ErrMalformedBlob = errors.New("types: malformed encrypted tx blob")

// AAD returns the associated-data prefix (version || flags || sender_hint).
func (b *EncryptedTxBlob) AAD() []byte {
	buf := make([]byte, 0, encryptedBlobAADLen)
	buf = append(buf, b.Version, b.Flags)
	buf = append(buf, b.SenderHint[:]...)
	return buf
}

// MarshalBinary renders the blob in its wire layout.
func (b *EncryptedTxBlob) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, encryptedBlobAADLen+len(b.Nonce)+len(b.Ciphertext)+len(b.Tag))
	out = append(out, b.AAD()...)
	out = append(out, b.Nonce[:]...)
	out = append(out, b.Ciphertext...)
	out = append(out, b.Tag[:]...)
	return out, nil
}

// UnmarshalEncryptedTxBlob parses the wire layout produced by MarshalBinary.
func UnmarshalEncryptedTxBlob(data []byte) (*EncryptedTxBlob, error) {
	const minLen = encryptedBlobAADLen + 12 + 16
	if len(data) < minLen {
		return nil, ErrMalformedBlob
	}
	b := &EncryptedTxBlob{
		Version: data[0],
		Flags:   data[1],
	}
	copy(b.SenderHint[:], data[2:34])
	copy(b.Nonce[:], data[34:46])
	b.Ciphertext = append([]byte(nil), data[46:len(data)-16]...)
	copy(b.Tag[:], data[len(data)-16:])
	return b, nil
}

// Session is the transport-level state for one handshaken peer connection.
type Session struct {
	SharedKey    [32]byte `json:"-"`
	BaseIV       [12]byte `json:"-"`
	TxCounter    uint64   `json:"tx_counter"`
	LastAccepted uint64   `json:"last_accepted_counter"`
	PeerIdentity string   `json:"peer_identity"`
}

// CommitteeMember is one share-holder in a threshold committee.
type CommitteeMember struct {
	Index     int    `json:"index"`
	PublicKey []byte `json:"public_key"`
}

// Committee is the fixed k-of-n committee backing the threshold mempool.
type Committee struct {
	Threshold int               `json:"threshold"`
	Members   []CommitteeMember `json:"members"`
	PublicKey []byte            `json:"public_key"`
}
