// Package mempool implements ThresholdMempool: encrypted submission,
// a fixed-order queue, k-of-n committee decryption, and hand-off of
// decrypted transactions to TxRouter, per spec §4.8. Ordering is
// committed the moment a transaction is queued — shares are requested
// only after a prefix is frozen — so no committee member ever learns
// a transaction's content before its position relative to its
// neighbors is fixed.
package mempool

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/types"
)

var (
	// ErrReplayedCommitTag is returned when a submission's commit tag
	// matches one already present in the last Window queue positions.
	ErrReplayedCommitTag = errors.New("mempool: commit tag already seen within replay window")
	// ErrDeadlineElapsed marks a decrypted transaction whose deadline
	// has already passed by the time its block was decrypted.
	ErrDeadlineElapsed = errors.New("mempool: transaction deadline elapsed")
	// ErrBlockNotFrozen is returned when a share arrives for a block
	// that was never frozen (or was already finalized/dropped).
	ErrBlockNotFrozen = errors.New("mempool: no such frozen block")
)

// Submitter is the subset of *batchmgr.Manager the mempool needs to
// hand a decrypted transaction to TxRouter. Accepting the interface
// keeps this package testable without a real StateStore/ShieldedState.
type Submitter interface {
	Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error)
}

// Config bounds the mempool's queue, replay window, and committee
// liveness timeout.
type Config struct {
	Threshold     int
	CommitteeSize int
	Window        int           // replay-dedup window, in queue positions
	FreezeWait    time.Duration // how long to wait for k shares before dropping a frozen block
}

// pendingTx is one queued-but-undecrypted transaction.
type pendingTx struct {
	blob      *types.EncryptedTxBlob
	ephemeral *big.Int
	commitTag [32]byte
	queuePos  uint64
	queuedAt  time.Time
}

// frozenBlock is an ordered prefix of the queue awaiting committee
// decryption shares. Position within Items is immutable once frozen.
type frozenBlock struct {
	id        uint64
	items     []pendingTx
	shares    []map[int]DecryptionShare // shares[i] keyed by committee member index
	createdAt time.Time
}

// Mempool holds the ordered queue of threshold-encrypted transactions
// and drives the freeze -> collect-shares -> decrypt -> submit flow.
type Mempool struct {
	cfg       Config
	submitter Submitter
	logger    *log.Logger

	mu        sync.Mutex
	queue     []pendingTx
	nextPos   uint64
	seenTags  [][32]byte // ring buffer of the last cfg.Window commit tags, in queue order
	frozen    map[uint64]*frozenBlock
	nextBlock uint64
}

// New constructs a Mempool. submitter receives decrypted transactions
// in queue order once each clears its committee threshold.
func New(cfg Config, submitter Submitter, logger *log.Logger) (*Mempool, error) {
	if cfg.Threshold < 1 || cfg.Threshold > cfg.CommitteeSize {
		return nil, fmt.Errorf("mempool: threshold %d invalid for committee size %d", cfg.Threshold, cfg.CommitteeSize)
	}
	if cfg.Window <= 0 {
		cfg.Window = 1024
	}
	if cfg.FreezeWait <= 0 {
		cfg.FreezeWait = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Mempool] ", log.LstdFlags)
	}
	return &Mempool{cfg: cfg, submitter: submitter, logger: logger, frozen: make(map[uint64]*frozenBlock)}, nil
}

// commitTag returns the replay-dedup tag for a submission: the
// Keccak256 digest of its wire-encoded ciphertext. Computable without
// decryption, so ordering and dedup never depend on committee
// cooperation.
func commitTag(blob *types.EncryptedTxBlob) ([32]byte, error) {
	wire, err := blob.MarshalBinary()
	if err != nil {
		return [32]byte{}, err
	}
	var tag [32]byte
	copy(tag[:], crypto.Keccak256(wire))
	return tag, nil
}

// Submit appends an encrypted transaction to the queue, rejecting it
// if its commit tag replays one seen within the last cfg.Window
// positions. Returns the transaction's fixed queue position.
func (m *Mempool) Submit(blob *types.EncryptedTxBlob, ephemeral *big.Int) (uint64, error) {
	tag, err := commitTag(blob)
	if err != nil {
		return 0, fmt.Errorf("mempool: commit tag: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seen := range m.seenTags {
		if seen == tag {
			return 0, ErrReplayedCommitTag
		}
	}

	pos := m.nextPos
	m.nextPos++
	m.queue = append(m.queue, pendingTx{blob: blob, ephemeral: ephemeral, commitTag: tag, queuePos: pos, queuedAt: time.Now()})

	m.seenTags = append(m.seenTags, tag)
	if len(m.seenTags) > m.cfg.Window {
		m.seenTags = m.seenTags[len(m.seenTags)-m.cfg.Window:]
	}
	return pos, nil
}

// QueueDepth reports how many transactions are queued but not yet frozen.
func (m *Mempool) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// FreezeNext fixes the ordering of up to n queued transactions into a
// new frozen block and returns its id. Fixing order before requesting
// any share is what makes commit-before-reveal hold: a committee
// member learns nothing about a transaction's content until every
// transaction ahead of it in the block is already positioned.
func (m *Mempool) FreezeNext(n int) (uint64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.queue) {
		n = len(m.queue)
	}
	if n == 0 {
		return 0, 0, nil
	}

	items := make([]pendingTx, n)
	copy(items, m.queue[:n])
	m.queue = m.queue[n:]

	id := m.nextBlock
	m.nextBlock++
	m.frozen[id] = &frozenBlock{
		id:        id,
		items:     items,
		shares:    make([]map[int]DecryptionShare, n),
		createdAt: time.Now(),
	}
	for i := range m.frozen[id].shares {
		m.frozen[id].shares[i] = make(map[int]DecryptionShare)
	}
	return id, n, nil
}

// AddShare records one committee member's decryption share for
// position txIdx within frozen block blockID. Returns true once that
// transaction has reached the configured threshold.
func (m *Mempool) AddShare(blockID uint64, txIdx int, share DecryptionShare) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fb, ok := m.frozen[blockID]
	if !ok {
		return false, ErrBlockNotFrozen
	}
	if txIdx < 0 || txIdx >= len(fb.items) {
		return false, fmt.Errorf("mempool: tx index %d out of range for block %d", txIdx, blockID)
	}
	fb.shares[txIdx][share.Index] = share
	return len(fb.shares[txIdx]) >= m.cfg.Threshold, nil
}

// Finalize attempts to decrypt and submit every transaction in blockID
// that has reached its share threshold, in queue order. If any
// transaction still lacks threshold shares and FreezeWait has not yet
// elapsed since the block was frozen, Finalize returns
// (nil, false, nil) to signal "try again later". Once FreezeWait has
// elapsed with the block still short of threshold on any transaction,
// the whole block is dropped per spec §4.8's liveness bound: every
// item in it returns to the front of the queue, and an item whose
// deadline has passed is discarded when it is next decrypted.
func (m *Mempool) Finalize(blockID uint64) ([]uint64, bool, error) {
	m.mu.Lock()
	fb, ok := m.frozen[blockID]
	if !ok {
		m.mu.Unlock()
		return nil, false, ErrBlockNotFrozen
	}

	allReady := true
	for _, shares := range fb.shares {
		if len(shares) < m.cfg.Threshold {
			allReady = false
			break
		}
	}

	if !allReady {
		if time.Since(fb.createdAt) < m.cfg.FreezeWait {
			m.mu.Unlock()
			return nil, false, nil
		}
		// Liveness bound hit: a transaction's deadline is only known
		// once decrypted, so the whole block is requeued rather than
		// guessed at — any item whose deadline has since passed is
		// discarded naturally at its next decryptAndSubmit attempt.
		delete(m.frozen, blockID)
		m.queue = append(append([]pendingTx(nil), fb.items...), m.queue...)
		m.mu.Unlock()
		m.logger.Printf("dropped frozen block %d: committee did not reach threshold within %s", blockID, m.cfg.FreezeWait)
		return nil, true, nil
	}

	items := fb.items
	shares := fb.shares
	delete(m.frozen, blockID)
	m.mu.Unlock()

	var submitted []uint64
	for i, item := range items {
		shareList := make([]DecryptionShare, 0, len(shares[i]))
		for _, s := range shares[i] {
			shareList = append(shareList, s)
		}
		if _, err := m.decryptAndSubmit(item, shareList); err != nil {
			m.logger.Printf("mempool: dropping queue position %d: %v", item.queuePos, err)
			continue
		}
		submitted = append(submitted, item.queuePos)
	}
	return submitted, true, nil
}

// decryptAndSubmit combines shares into the symmetric key, opens the
// AEAD payload, parses "tx || deadline", and hands the transaction to
// Submitter in queue order.
func (m *Mempool) decryptAndSubmit(item pendingTx, shares []DecryptionShare) (types.Diff, error) {
	key, err := CombineShares(shares)
	if err != nil {
		return types.Diff{}, fmt.Errorf("combine shares: %w", err)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return types.Diff{}, fmt.Errorf("init AEAD: %w", err)
	}

	combined := append(append([]byte(nil), item.blob.Ciphertext...), item.blob.Tag[:]...)
	plaintext, err := aead.Open(nil, item.blob.Nonce[:], combined, item.blob.AAD())
	if err != nil {
		return types.Diff{}, fmt.Errorf("open payload: %w", err)
	}

	tx, deadline, err := decodePayload(plaintext)
	if err != nil {
		return types.Diff{}, err
	}
	if deadline < time.Now().UnixMilli() {
		return types.Diff{}, ErrDeadlineElapsed
	}

	var txHash [32]byte
	copy(txHash[:], crypto.Keccak256(tx.CanonicalBytes()))

	diff, err := m.submitter.Submit(txHash, router.Transaction{Kind: types.KindTransfer, Transfer: tx})
	if err != nil {
		return types.Diff{}, fmt.Errorf("submit: %w", err)
	}
	return diff, nil
}

// encodePayload builds the "tx || deadline" plaintext a client
// encrypts: a JSON-encoded SignedTransaction followed by an 8-byte
// big-endian unix-millisecond deadline.
func encodePayload(tx *types.SignedTransaction, deadline int64) ([]byte, error) {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	var deadlineBytes [8]byte
	binary.BigEndian.PutUint64(deadlineBytes[:], uint64(deadline))
	return append(txJSON, deadlineBytes[:]...), nil
}

func decodePayload(plaintext []byte) (*types.SignedTransaction, int64, error) {
	if len(plaintext) < 8 {
		return nil, 0, errors.New("mempool: decrypted payload too short")
	}
	split := len(plaintext) - 8
	var tx types.SignedTransaction
	if err := json.Unmarshal(plaintext[:split], &tx); err != nil {
		return nil, 0, fmt.Errorf("decode transaction: %w", err)
	}
	deadline := int64(binary.BigEndian.Uint64(plaintext[split:]))
	return &tx, deadline, nil
}

// Seal builds an EncryptedTxBlob + Encapsulation for tx, to be used by
// test harnesses and the dev-mode client path: it derives the
// symmetric key via Encapsulate, encrypts "tx || deadline" with
// chacha20poly1305, and splits the AEAD's combined output into
// Ciphertext and Tag per EncryptedTxBlob's wire layout.
func Seal(committeePublicKey *big.Int, senderHint [32]byte, tx *types.SignedTransaction, deadline int64) (*types.EncryptedTxBlob, *big.Int, error) {
	encap, key, err := Encapsulate(committeePublicKey)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}

	blob := &types.EncryptedTxBlob{Version: 1, SenderHint: senderHint}
	if _, err := rand.Read(blob.Nonce[:]); err != nil {
		return nil, nil, err
	}

	plaintext, err := encodePayload(tx, deadline)
	if err != nil {
		return nil, nil, err
	}

	combined := aead.Seal(nil, blob.Nonce[:], plaintext, blob.AAD())
	tagStart := len(combined) - chacha20poly1305.Overhead
	blob.Ciphertext = append([]byte(nil), combined[:tagStart]...)
	copy(blob.Tag[:], combined[tagStart:])

	return blob, encap.Ephemeral, nil
}
