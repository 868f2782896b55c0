package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/zelana-labs/sequencer/internal/hashing"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Column family key prefixes. Each is a distinct byte-string namespace
// within the single underlying dbm.DB, the same keyed-prefix layout used
// throughout this codebase's ledger store.
var (
	prefixAccount       = []byte("acct:")
	prefixNullifier     = []byte("null:")
	prefixCommitment    = []byte("cmt:")
	prefixEncryptedNote = []byte("note:")
	prefixBlock         = []byte("blk:")
	prefixBatch         = []byte("batch:")
	prefixTxIndex       = []byte("tx:")
	prefixDeposit       = []byte("dep:")

	keyLatestBlock         = []byte("meta:latest_block")
	keyNoteLogLen          = []byte("meta:note_log_len")
	keyShieldedRootHistory = []byte("meta:shielded_root_history")
	keyBridgeCursor        = []byte("meta:bridge_cursor")
)

// prefixEnd returns the exclusive upper bound for an iterator ranging over
// all keys sharing prefix p (p padded with 0xff).
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Sentinel errors surfaced by StateStore operations.
var (
	ErrNullifierSpent  = errors.New("store: nullifier already spent")
	ErrBlockNotMonotonic = errors.New("store: block header batch_id is not strictly increasing")
	ErrDuplicateHeader = errors.New("store: block header for this batch_id already exists")
)

// BlockHeader is the 96-byte on-disk/on-wire block header: magic(4) ||
// hdr_version(2) || reserved(2) || batch_id(8) || prev_root(32) ||
// new_root(32) || tx_count(4) || open_at(8) || flags(4).
type BlockHeader struct {
	Magic      [4]byte
	Version    uint16
	Reserved   uint16
	BatchID    uint64
	PrevRoot   types.Root
	NewRoot    types.Root
	TxCount    uint32
	OpenAtUnix int64
	Flags      uint32
}

var headerMagic = [4]byte{'Z', 'L', 'N', 'A'}

// NewBlockHeader fills in the fixed magic and version fields.
func NewBlockHeader(batchID uint64, prevRoot, newRoot types.Root, txCount uint32, openAt int64, flags uint32) BlockHeader {
	return BlockHeader{
		Magic:      headerMagic,
		Version:    1,
		BatchID:    batchID,
		PrevRoot:   prevRoot,
		NewRoot:    newRoot,
		TxCount:    txCount,
		OpenAtUnix: openAt,
		Flags:      flags,
	}
}

// MarshalBinary renders the header in its fixed 96-byte big-endian layout.
func (h BlockHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 96)
	copy(buf[0:4], h.Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint64(buf[8:16], h.BatchID)
	copy(buf[16:48], h.PrevRoot[:])
	copy(buf[48:80], h.NewRoot[:])
	binary.BigEndian.PutUint32(buf[80:84], h.TxCount)
	binary.BigEndian.PutUint64(buf[84:92], uint64(h.OpenAtUnix))
	binary.BigEndian.PutUint32(buf[92:96], h.Flags)
	return buf, nil
}

// UnmarshalBlockHeader parses the fixed 96-byte layout produced by
// MarshalBinary.
func UnmarshalBlockHeader(data []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(data) != 96 {
		return h, fmt.Errorf("store: block header must be 96 bytes, got %d", len(data))
	}
	copy(h.Magic[:], data[0:4])
	h.Version = binary.BigEndian.Uint16(data[4:6])
	h.Reserved = binary.BigEndian.Uint16(data[6:8])
	h.BatchID = binary.BigEndian.Uint64(data[8:16])
	copy(h.PrevRoot[:], data[16:48])
	copy(h.NewRoot[:], data[48:80])
	h.TxCount = binary.BigEndian.Uint32(data[80:84])
	h.OpenAtUnix = int64(binary.BigEndian.Uint64(data[84:92]))
	h.Flags = binary.BigEndian.Uint32(data[92:96])
	return h, nil
}

// StateStore is the persistent key->value store for accounts, nullifiers,
// commitments, encrypted notes, block headers, batches, and the tx index.
// It is the sole owner of persisted bytes; every other component holds a
// shared reference to it. Writes against one logical batch commit
// atomically via dbm.Batch; a single mutex enforces the single-writer-
// per-batch-commit discipline documented for this store's predecessor.
type StateStore struct {
	mu sync.Mutex
	db dbm.DB
}

// New wraps db as a StateStore.
func New(db dbm.DB) *StateStore {
	return &StateStore{db: db}
}

func accountKey(id types.AccountID) []byte { return append(append([]byte{}, prefixAccount...), id[:]...) }
func nullifierKey(n types.Nullifier) []byte {
	return append(append([]byte{}, prefixNullifier...), n[:]...)
}
func commitmentKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(append([]byte{}, prefixCommitment...), b...)
}
func noteKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return append(append([]byte{}, prefixEncryptedNote...), b...)
}
func blockKey(batchID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, batchID)
	return append(append([]byte{}, prefixBlock...), b...)
}
func batchKey(batchIndex uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, batchIndex)
	return append(append([]byte{}, prefixBatch...), b...)
}
func txIndexKey(txHash [32]byte) []byte {
	return append(append([]byte{}, prefixTxIndex...), txHash[:]...)
}
func depositKey(l1Seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, l1Seq)
	return append(append([]byte{}, prefixDeposit...), b...)
}

// DepositCredited reports whether l1Seq has already been credited by a
// prior committed batch. This, not any L1-side signal, is the
// authoritative dedup point for deposit idempotence.
func (s *StateStore) DepositCredited(l1Seq uint64) (bool, error) {
	v, err := s.db.Get(depositKey(l1Seq))
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// GetAccount returns the persisted state for id, or the zero value
// {balance:0, nonce:0} when the account has never been written.
func (s *StateStore) GetAccount(id types.AccountID) (types.AccountState, error) {
	v, err := s.db.Get(accountKey(id))
	if err != nil {
		return types.AccountState{}, fmt.Errorf("store: get account: %w", err)
	}
	if v == nil {
		return types.AccountState{}, nil
	}
	var st types.AccountState
	if err := json.Unmarshal(v, &st); err != nil {
		return types.AccountState{}, fmt.Errorf("store: decode account: %w", err)
	}
	return st, nil
}

// PutAccount overwrites the persisted state for id outside a batch
// commit; used for genesis seeding and tests. Normal execution goes
// through CommitBatch.
func (s *StateStore) PutAccount(id types.AccountID, st types.AccountState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.SetSync(accountKey(id), b)
}

// NullifierExists reports whether n has already been spent.
func (s *StateStore) NullifierExists(n types.Nullifier) (bool, error) {
	v, err := s.db.Get(nullifierKey(n))
	if err != nil {
		return false, fmt.Errorf("store: nullifier lookup: %w", err)
	}
	return v != nil, nil
}

// EncryptedNoteCount returns the current length of the append-only
// encrypted note log.
func (s *StateStore) EncryptedNoteCount() (uint64, error) {
	v, err := s.db.Get(keyNoteLogLen)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v), nil
}

// ScanEncryptedNotes returns every stored encrypted note, for use by
// ShieldedState.Scan. A linear scan is acceptable per the source's own
// O(log-storage) disclaimer.
func (s *StateStore) ScanEncryptedNotes() ([]types.EncryptedNote, error) {
	n, err := s.EncryptedNoteCount()
	if err != nil {
		return nil, err
	}
	notes := make([]types.EncryptedNote, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := s.db.Get(noteKey(i))
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		var note types.EncryptedNote
		if err := json.Unmarshal(v, &note); err != nil {
			return nil, fmt.Errorf("store: decode encrypted note %d: %w", i, err)
		}
		notes = append(notes, note)
	}
	return notes, nil
}

// LatestBlockHeader returns the most recently stored block header, or the
// zero header (genesis) if none has been stored yet.
func (s *StateStore) LatestBlockHeader() (BlockHeader, bool, error) {
	v, err := s.db.Get(keyLatestBlock)
	if err != nil {
		return BlockHeader{}, false, err
	}
	if v == nil {
		return BlockHeader{}, false, nil
	}
	h, err := UnmarshalBlockHeader(v)
	if err != nil {
		return BlockHeader{}, false, err
	}
	return h, true, nil
}

// LatestStateRoot returns the root of the most recently stored header, or
// the zero root when the store is empty (genesis).
func (s *StateStore) LatestStateRoot() (types.Root, error) {
	h, ok, err := s.LatestBlockHeader()
	if err != nil {
		return types.Root{}, err
	}
	if !ok {
		return types.Root{}, nil
	}
	return h.NewRoot, nil
}

// GetBridgeCursor returns the last L1 block the BridgeIngestor has fully
// processed, and false if it has never run against this store.
func (s *StateStore) GetBridgeCursor() (uint64, bool, error) {
	v, err := s.db.Get(keyBridgeCursor)
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// SetBridgeCursor persists the last L1 block processed, so a restarted
// ingestor resumes from here instead of BridgeStartSlot.
func (s *StateStore) SetBridgeCursor(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, block)
	return s.db.Set(keyBridgeCursor, b)
}

// CommitResult groups everything one sealed batch must persist atomically.
type CommitResult struct {
	Header         BlockHeader
	AccountUpdates map[types.AccountID]types.AccountState
	Nullifiers     []types.Nullifier
	Commitments    []types.Commitment
	EncryptedNotes []types.EncryptedNote
	TxHashToStatus map[[32]byte]string
	BatchIndex     uint64
	BatchJSON      []byte

	// ShieldedRootHistory, when non-nil, replaces the persisted bounded
	// ring buffer of sealed shielded roots as part of this atomic commit.
	ShieldedRootHistory []types.Root

	// DepositL1Seqs records every L1Seq credited by this batch, so later
	// DepositCredited lookups dedup correctly.
	DepositL1Seqs []uint64
}

// CommitBatch durably applies one sealed batch's effects in a single
// dbm.Batch write. The commit is rejected if the header's batch_id is not
// strictly greater than the last stored header's (ErrBlockNotMonotonic),
// or if a header already exists at that batch_id (ErrDuplicateHeader).
// Reads only ever observe a fully committed batch: a crash mid-write
// leaves the prior header as latest and this call's writes never landed
// (dbm.Batch.WriteSync is all-or-nothing).
func (s *StateStore) CommitBatch(cr CommitResult) (firstCommitmentIndex uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok, err := s.LatestBlockHeader()
	if err != nil {
		return 0, err
	}
	if ok && cr.Header.BatchID <= prev.BatchID {
		return 0, ErrBlockNotMonotonic
	}
	if existing, _ := s.db.Get(blockKey(cr.Header.BatchID)); existing != nil {
		return 0, ErrDuplicateHeader
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for id, st := range cr.AccountUpdates {
		v, err := json.Marshal(st)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(accountKey(id), v); err != nil {
			return 0, err
		}
	}

	for _, n := range cr.Nullifiers {
		if err := batch.Set(nullifierKey(n), []byte{1}); err != nil {
			return 0, err
		}
	}

	noteStart, err := s.EncryptedNoteCount()
	if err != nil {
		return 0, err
	}
	firstCommitmentIndex = noteStart

	for i, c := range cr.Commitments {
		if err := batch.Set(commitmentKey(noteStart+uint64(i)), c[:]); err != nil {
			return 0, err
		}
	}
	for i, n := range cr.EncryptedNotes {
		v, err := json.Marshal(n)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(noteKey(noteStart+uint64(i)), v); err != nil {
			return 0, err
		}
	}
	if len(cr.EncryptedNotes) > 0 {
		newLen := make([]byte, 8)
		binary.BigEndian.PutUint64(newLen, noteStart+uint64(len(cr.EncryptedNotes)))
		if err := batch.Set(keyNoteLogLen, newLen); err != nil {
			return 0, err
		}
	}

	headerBytes, err := cr.Header.MarshalBinary()
	if err != nil {
		return 0, err
	}
	if err := batch.Set(blockKey(cr.Header.BatchID), headerBytes); err != nil {
		return 0, err
	}
	if err := batch.Set(keyLatestBlock, headerBytes); err != nil {
		return 0, err
	}
	if cr.BatchJSON != nil {
		if err := batch.Set(batchKey(cr.BatchIndex), cr.BatchJSON); err != nil {
			return 0, err
		}
	}
	for txHash, status := range cr.TxHashToStatus {
		if err := batch.Set(txIndexKey(txHash), []byte(status)); err != nil {
			return 0, err
		}
	}
	for _, seq := range cr.DepositL1Seqs {
		if err := batch.Set(depositKey(seq), []byte{1}); err != nil {
			return 0, err
		}
	}
	if cr.ShieldedRootHistory != nil {
		hb, err := json.Marshal(cr.ShieldedRootHistory)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(keyShieldedRootHistory, hb); err != nil {
			return 0, err
		}
	}

	if err := batch.WriteSync(); err != nil {
		return 0, fmt.Errorf("store: commit batch: %w", err)
	}
	return firstCommitmentIndex, nil
}

// GetBatch returns the persisted JSON for a sealed batch by index.
func (s *StateStore) GetBatch(batchIndex uint64) ([]byte, error) {
	return s.db.Get(batchKey(batchIndex))
}

// TxStatus returns the recorded status string for a tx hash, or "" if
// unknown.
func (s *StateStore) TxStatus(txHash [32]byte) (string, error) {
	v, err := s.db.Get(txIndexKey(txHash))
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// IterateAccounts calls fn for every persisted account. Used to build the
// full account snapshot BatchManager hashes into a state root at seal
// time, since the root covers every account in the system, not only ones
// touched in the sealing batch.
func (s *StateStore) IterateAccounts(fn func(id types.AccountID, st types.AccountState) error) error {
	it, err := s.db.Iterator(prefixAccount, prefixEnd(prefixAccount))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := it.Key()
		var id types.AccountID
		copy(id[:], key[len(prefixAccount):])
		var st types.AccountState
		if err := json.Unmarshal(it.Value(), &st); err != nil {
			return fmt.Errorf("store: decode account %x: %w", id, err)
		}
		if err := fn(id, st); err != nil {
			return err
		}
	}
	return it.Error()
}

// IterateCommitments calls fn for every persisted commitment in index
// order, used to rebuild the in-memory shielded Merkle tree on startup.
func (s *StateStore) IterateCommitments(fn func(index uint64, c types.Commitment) error) error {
	it, err := s.db.Iterator(prefixCommitment, prefixEnd(prefixCommitment))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := it.Key()
		index := binary.BigEndian.Uint64(key[len(prefixCommitment):])
		var c types.Commitment
		copy(c[:], it.Value())
		if err := fn(index, c); err != nil {
			return err
		}
	}
	return it.Error()
}

// IterateNullifiers calls fn for every persisted nullifier, used to
// rebuild the in-memory nullifier cache on startup.
func (s *StateStore) IterateNullifiers(fn func(n types.Nullifier) error) error {
	it, err := s.db.Iterator(prefixNullifier, prefixEnd(prefixNullifier))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := it.Key()
		var n types.Nullifier
		copy(n[:], key[len(prefixNullifier):])
		if err := fn(n); err != nil {
			return err
		}
	}
	return it.Error()
}

// SetShieldedRootHistory persists the bounded ring buffer of sealed
// shielded roots.
func (s *StateStore) SetShieldedRootHistory(history []types.Root) error {
	b, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return s.db.SetSync(keyShieldedRootHistory, b)
}

// GetShieldedRootHistory returns the persisted root history, or nil if
// none has been stored yet.
func (s *StateStore) GetShieldedRootHistory() ([]types.Root, error) {
	v, err := s.db.Get(keyShieldedRootHistory)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	var history []types.Root
	if err := json.Unmarshal(v, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// ComputeAccountRoot hashes a snapshot of accounts in sorted AccountId
// order, each entry domain-separated and little-endian encoded, matching
// the deterministic state-root algorithm this store's prior in-memory
// implementation used (same shape, MiMC substituted for the prior hash so
// the root is provable in-circuit; see internal/hashing).
func ComputeAccountRoot(accounts map[types.AccountID]types.AccountState) types.Root {
	ids := make([]types.AccountID, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	h := hashing.New()
	h.Write([]byte{hashing.DomainAccountLeaf})
	for _, id := range ids {
		st := accounts[id]
		var balLE, nonceLE [8]byte
		binary.LittleEndian.PutUint64(balLE[:], st.Balance)
		binary.LittleEndian.PutUint64(nonceLE[:], st.Nonce)
		h.Write(id[:])
		h.Write(balLE[:])
		h.Write(nonceLE[:])
	}
	return h.Sum32()
}
