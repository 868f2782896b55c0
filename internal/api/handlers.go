// Package api implements the HTTP surface listed in spec §6, wired
// directly to the core components: internal/batchmgr for submission,
// internal/store and internal/shielded for status/read queries,
// internal/mempool for encrypted submission, and optionally
// internal/txindex for faster status lookups. Grounded on
// pkg/server/batch_handlers.go's handler-struct-per-concern shape:
// one struct holding its dependencies, one Handle<Name> method per
// route, a shared writeJSONError helper, explicit method checks
// instead of a router library.
package api

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/zelana-labs/sequencer/internal/batchmgr"
	"github.com/zelana-labs/sequencer/internal/mempool"
	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/txindex"
	"github.com/zelana-labs/sequencer/internal/types"
)

// txHashOf derives a submission's identifier the same way
// internal/mempool and internal/transport do: Keccak256 over whatever
// canonical byte seed the transaction kind offers, not
// internal/hashing's MiMC — these identifiers are never verified by a
// circuit.
func txHashOf(seed []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(seed))
	return h
}

// Handlers holds everything the HTTP surface needs to read or mutate.
// Index and Mempool may be nil when Postgres or the threshold mempool
// aren't configured; handlers that need them degrade explicitly rather
// than panicking.
type Handlers struct {
	Manager  *batchmgr.Manager
	Store    *store.StateStore
	Shielded *shielded.State
	Mempool  *mempool.Mempool
	Index    *txindex.Index
	DevMode  bool
	logger   *log.Logger
}

// New constructs Handlers. logger defaults to a package-prefixed
// standard logger when nil.
func New(manager *batchmgr.Manager, st *store.StateStore, shield *shielded.State, mp *mempool.Mempool, idx *txindex.Index, devMode bool, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return &Handlers{Manager: manager, Store: st, Shielded: shield, Mempool: mp, Index: idx, DevMode: devMode, logger: logger}
}

// Routes registers every spec §6 route onto mux, each wrapped in
// withRequestID so every access-log line carries a correlation id a
// caller can quote back when reporting an issue — the same resource-id
// role uuid.UUID plays in pkg/server's path parsing, moved here to the
// request itself since every id in this domain (account, tx hash,
// batch index) already has its own native encoding.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/transfer", h.withRequestID(h.HandleTransfer))
	mux.HandleFunc("/withdraw", h.withRequestID(h.HandleWithdraw))
	mux.HandleFunc("/shielded/submit", h.withRequestID(h.HandleShieldedSubmit))
	mux.HandleFunc("/shielded/merkle_path", h.withRequestID(h.HandleShieldedMerklePath))
	mux.HandleFunc("/shielded/scan", h.withRequestID(h.HandleShieldedScan))
	mux.HandleFunc("/encrypted/submit", h.withRequestID(h.HandleEncryptedSubmit))
	mux.HandleFunc("/mempool/share", h.withRequestID(h.HandleMempoolShare))
	mux.HandleFunc("/status/roots", h.withRequestID(h.HandleStatusRoots))
	mux.HandleFunc("/status/batch", h.withRequestID(h.HandleStatusBatch))
	mux.HandleFunc("/batch", h.withRequestID(h.HandleBatch))
	mux.HandleFunc("/tx", h.withRequestID(h.HandleTx))
	mux.HandleFunc("/account", h.withRequestID(h.HandleAccount))
	if h.DevMode {
		mux.HandleFunc("/dev/deposit", h.withRequestID(h.HandleDevDeposit))
		mux.HandleFunc("/dev/seal", h.withRequestID(h.HandleDevSeal))
	}
}

// withRequestID assigns a fresh uuid to each incoming request, logs its
// method/path/id, and adds it to the response as X-Request-Id so a
// caller can correlate a failure with the server log.
func (h *Handlers) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New()
		w.Header().Set("X-Request-Id", reqID.String())
		h.logger.Printf("request_id=%s method=%s path=%s", reqID, r.Method, r.URL.Path)
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// submitResponse is the common shape returned by every submission
// endpoint: the hash the submitter should poll /status/batch with,
// and the diff's resulting account touches for convenience.
type submitResponse struct {
	TxHash string      `json:"tx_hash"`
	Diff   types.Diff  `json:"diff"`
}

func txHashResponse(hash [32]byte, diff types.Diff) submitResponse {
	return submitResponse{TxHash: hex.EncodeToString(hash[:]), Diff: diff}
}

// HandleTransfer handles POST /transfer: submit a signed transparent
// transfer.
func (h *Handlers) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var tx types.SignedTransaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSONError(w, "invalid transfer body", http.StatusBadRequest)
		return
	}
	txHash := txHashOf(tx.CanonicalBytes())
	diff, err := h.Manager.Submit(txHash, router.Transaction{Kind: types.KindTransfer, Transfer: &tx})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse(txHash, diff))
}

// HandleWithdraw handles POST /withdraw: submit an L2->L1 withdrawal
// request, subject to the same nonce discipline as a transfer.
func (h *Handlers) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var wr types.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
		writeJSONError(w, "invalid withdraw body", http.StatusBadRequest)
		return
	}
	buf := append(append([]byte{}, wr.From[:]...), wr.ToL1Address[:]...)
	txHash := txHashOf(buf)
	diff, err := h.Manager.Submit(txHash, router.Transaction{Kind: types.KindWithdraw, Withdraw: &wr})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse(txHash, diff))
}

// HandleShieldedSubmit handles POST /shielded/submit: submit a shielded
// spend/output set with its accompanying proof, verified by the router.
func (h *Handlers) HandleShieldedSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var st types.ShieldedTransaction
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeJSONError(w, "invalid shielded body", http.StatusBadRequest)
		return
	}
	txHash := txHashOf(st.ProofBytes)
	diff, err := h.Manager.Submit(txHash, router.Transaction{Kind: types.KindShielded, Shielded: &st})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse(txHash, diff))
}

// HandleShieldedMerklePath handles POST /shielded/merkle_path: return
// the inclusion proof for a commitment at the live tree's current
// root, for a client building the next spend's witness.
func (h *Handlers) HandleShieldedMerklePath(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Commitment string `json:"commitment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	raw, err := hex.DecodeString(req.Commitment)
	if err != nil || len(raw) != len(types.Commitment{}) {
		writeJSONError(w, "invalid commitment", http.StatusBadRequest)
		return
	}
	var c types.Commitment
	copy(c[:], raw)

	proof, err := h.Shielded.Snapshot().MerklePath(c)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// HandleShieldedScan handles POST /shielded/scan: returns every
// encrypted note persisted so far. Trial decryption against a client's
// viewing key happens client-side; this endpoint does not attempt to
// decrypt notes on the server's behalf.
func (h *Handlers) HandleShieldedScan(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	notes, err := h.Store.ScanEncryptedNotes()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notes": notes})
}

// HandleEncryptedSubmit handles POST /encrypted/submit: enqueue an
// EncryptedTxBlob into the threshold mempool. Unavailable when the
// committee isn't configured.
func (h *Handlers) HandleEncryptedSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if h.Mempool == nil {
		writeJSONError(w, "threshold mempool not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Blob      string `json:"blob"`
		Ephemeral string `json:"ephemeral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	blobBytes, err := hex.DecodeString(req.Blob)
	if err != nil {
		writeJSONError(w, "invalid blob encoding", http.StatusBadRequest)
		return
	}
	blob, err := types.UnmarshalEncryptedTxBlob(blobBytes)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("invalid blob: %v", err), http.StatusBadRequest)
		return
	}
	ephemeral, ok := new(big.Int).SetString(req.Ephemeral, 16)
	if !ok {
		writeJSONError(w, "invalid ephemeral key", http.StatusBadRequest)
		return
	}
	pos, err := h.Mempool.Submit(blob, ephemeral)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"queue_position": pos})
}

// HandleMempoolShare handles POST /mempool/share: a committee member's
// decryption share for one transaction position within a frozen block.
// The coordinator loop that freezes blocks and finalizes them once
// enough shares arrive runs separately (cmd/sequencer's mempool
// driver); this handler only records the share.
func (h *Handlers) HandleMempoolShare(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if h.Mempool == nil {
		writeJSONError(w, "threshold mempool not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		BlockID uint64                  `json:"block_id"`
		TxIndex int                     `json:"tx_index"`
		Share   mempool.DecryptionShare `json:"share"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	thresholdReached, err := h.Mempool.AddShare(req.BlockID, req.TxIndex, req.Share)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"threshold_reached": thresholdReached})
}

// HandleStatusRoots handles GET /status/roots: the live shielded root
// and its retained history.
func (h *Handlers) HandleStatusRoots(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_root": h.Shielded.CurrentRoot(),
		"root_history": h.Shielded.RootHistory(),
	})
}

// HandleStatusBatch handles GET /status/batch?tx_hash=<hex> or
// ?batch_index=<n>. Prefers the optional txindex for speed and falls
// back to StateStore, which remains authoritative.
func (h *Handlers) HandleStatusBatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	if txHashHex := r.URL.Query().Get("tx_hash"); txHashHex != "" {
		raw, err := hex.DecodeString(txHashHex)
		if err != nil || len(raw) != 32 {
			writeJSONError(w, "invalid tx_hash", http.StatusBadRequest)
			return
		}
		var txHash [32]byte
		copy(txHash[:], raw)

		if h.Index != nil {
			if batchIndex, ok, err := h.Index.BatchForTx(ctx, txHash); err == nil && ok {
				writeJSON(w, http.StatusOK, map[string]uint64{"batch_index": batchIndex})
				return
			}
		}
		status, err := h.Store.TxStatus(txHash)
		if err != nil {
			writeJSONError(w, "transaction not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
		return
	}

	batchIndexStr := r.URL.Query().Get("batch_index")
	if batchIndexStr == "" {
		writeJSONError(w, "tx_hash or batch_index required", http.StatusBadRequest)
		return
	}
	batchIndex, err := strconv.ParseUint(batchIndexStr, 10, 64)
	if err != nil {
		writeJSONError(w, "invalid batch_index", http.StatusBadRequest)
		return
	}
	if h.Index != nil {
		if bs, ok, err := h.Index.StatusForBatch(ctx, batchIndex); err == nil && ok {
			writeJSON(w, http.StatusOK, bs)
			return
		}
	}
	raw, err := h.Store.GetBatch(batchIndex)
	if err != nil {
		writeJSONError(w, "batch not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(raw)
}

// HandleBatch handles POST /batch: force-seal the currently open batch
// regardless of the configured seal policy, for dev/ops use.
func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	batch, err := h.Manager.Seal(true)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Printf("force-sealed batch %d (%d txs)", batch.Index, len(batch.Outcomes))
	writeJSON(w, http.StatusOK, batch)
}

// HandleTx handles POST /tx: a generic transaction envelope submission
// accepting a transfer, withdraw or shielded transaction directly, for
// tooling that already knows which kind it's submitting rather than
// going through the kind-specific routes. Deposits are not accepted
// here.
func (h *Handlers) HandleTx(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var tx router.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSONError(w, "invalid transaction envelope", http.StatusBadRequest)
		return
	}
	var seed []byte
	switch tx.Kind {
	case types.KindTransfer:
		if tx.Transfer == nil {
			writeJSONError(w, "transfer field required for kind=transfer", http.StatusBadRequest)
			return
		}
		seed = tx.Transfer.CanonicalBytes()
	case types.KindWithdraw:
		if tx.Withdraw == nil {
			writeJSONError(w, "withdraw field required for kind=withdraw", http.StatusBadRequest)
			return
		}
		seed = append(append([]byte{}, tx.Withdraw.From[:]...), tx.Withdraw.ToL1Address[:]...)
	case types.KindShielded:
		if tx.Shielded == nil {
			writeJSONError(w, "shielded field required for kind=shielded", http.StatusBadRequest)
			return
		}
		seed = tx.Shielded.ProofBytes
	default:
		writeJSONError(w, "unsupported transaction kind for /tx", http.StatusBadRequest)
		return
	}
	txHash := txHashOf(seed)
	diff, err := h.Manager.Submit(txHash, tx)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse(txHash, diff))
}

// HandleAccount handles POST /account: look up an account's current
// balance/nonce. POST rather than GET matches spec §6, so a lookup
// with a sensitive-looking identifier in the body isn't cached or
// logged in access logs the way a query string would be.
func (h *Handlers) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	raw, err := hex.DecodeString(req.AccountID)
	if err != nil || len(raw) != types.AccountIDSize {
		writeJSONError(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	var id types.AccountID
	copy(id[:], raw)

	state, err := h.Store.GetAccount(id)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleDevDeposit handles POST /dev/deposit: dev-mode shortcut that
// injects a deposit without a live L1 bridge, for local testing.
func (h *Handlers) HandleDevDeposit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var ev types.DepositEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSONError(w, "invalid deposit body", http.StatusBadRequest)
		return
	}
	txHash := txHashOf(binary.BigEndian.AppendUint64(nil, ev.L1Seq))

	diff, err := h.Manager.Submit(txHash, router.Transaction{Kind: types.KindDeposit, Deposit: &ev})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, txHashResponse(txHash, diff))
}

// HandleDevSeal handles POST /dev/seal: identical to /batch, exposed
// under the dev-mode prefix for parity with spec §6's route list.
func (h *Handlers) HandleDevSeal(w http.ResponseWriter, r *http.Request) {
	h.HandleBatch(w, r)
}
