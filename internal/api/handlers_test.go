package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/batchmgr"
	"github.com/zelana-labs/sequencer/internal/mempool"
	"github.com/zelana-labs/sequencer/internal/shielded"
	"github.com/zelana-labs/sequencer/internal/store"
	"github.com/zelana-labs/sequencer/internal/types"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.StateStore) {
	t.Helper()
	st := store.New(dbm.NewMemDB())
	sh, err := shielded.New(8, 4)
	require.NoError(t, err)
	cfg := batchmgr.Config{MaxTransactions: 10, MaxShielded: 1000, MaxBatchAge: time.Hour, MinTransactions: 1}
	m, err := batchmgr.New(cfg, st, sh, nil, nil)
	require.NoError(t, err)
	return New(m, st, sh, nil, nil, true, nil), st
}

func TestHandleTransfer_SubmitsAndReturnsTxHash(t *testing.T) {
	h, st := newTestHandlers(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var zero [32]byte
	from := types.DeriveAccountID(pub, zero[:])
	require.NoError(t, st.PutAccount(from, types.AccountState{Balance: 100}))
	var to types.AccountID
	to[0] = 0x02

	tx := &types.SignedTransaction{From: from, To: to, Amount: 5, Nonce: 0, SignerPubKey: pub}
	tx.Signature = ed25519.Sign(priv, tx.CanonicalBytes())
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleTransfer(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp submitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.TxHash)
}

func TestHandleTransfer_RejectsWrongMethod(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/transfer", nil)
	rec := httptest.NewRecorder()
	h.HandleTransfer(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleTransfer_RejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/transfer", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.HandleTransfer(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAccount_ReturnsAccountState(t *testing.T) {
	h, st := newTestHandlers(t)
	var id types.AccountID
	id[0] = 0xAB
	require.NoError(t, st.PutAccount(id, types.AccountState{Balance: 42, Nonce: 3}))

	body, err := json.Marshal(map[string]string{"account_id": hex.EncodeToString(id[:])})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/account", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleAccount(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var state types.AccountState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	require.Equal(t, uint64(42), state.Balance)
	require.Equal(t, uint64(3), state.Nonce)
}

func TestHandleAccount_RejectsInvalidAccountID(t *testing.T) {
	h, _ := newTestHandlers(t)
	body, err := json.Marshal(map[string]string{"account_id": "not-hex"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/account", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleAccount(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatusRoots_ReturnsCurrentRoot(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/status/roots", nil)
	rec := httptest.NewRecorder()
	h.HandleStatusRoots(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleBatch_ForceSealsEmptyBatch(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/batch", nil)
	rec := httptest.NewRecorder()
	h.HandleBatch(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var batch types.Batch
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&batch))
	require.Equal(t, uint64(0), batch.Index)
}

func TestHandleEncryptedSubmit_UnavailableWithoutMempool(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/encrypted/submit", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.HandleEncryptedSubmit(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMempoolShare_UnavailableWithoutMempool(t *testing.T) {
	h, _ := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/mempool/share", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.HandleMempoolShare(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMempoolShare_RejectsUnknownBlock(t *testing.T) {
	st := store.New(dbm.NewMemDB())
	sh, err := shielded.New(8, 4)
	require.NoError(t, err)
	cfg := batchmgr.Config{MaxTransactions: 10, MaxShielded: 1000, MaxBatchAge: time.Hour, MinTransactions: 1}
	mgr, err := batchmgr.New(cfg, st, sh, nil, nil)
	require.NoError(t, err)
	mp, err := mempool.New(mempool.Config{Threshold: 2, CommitteeSize: 3}, mgr, nil)
	require.NoError(t, err)

	h := New(mgr, st, sh, mp, nil, true, nil)
	body, err := json.Marshal(map[string]interface{}{
		"block_id": 7,
		"tx_index": 0,
		"share":    mempool.DecryptionShare{Index: 1, Value: big.NewInt(1)},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mempool/share", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleMempoolShare(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_RegistersDevRoutesOnlyWhenDevMode(t *testing.T) {
	h, _ := newTestHandlers(t)
	mux := http.NewServeMux()
	h.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/dev/seal", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	nonDev := New(h.Manager, h.Store, h.Shielded, nil, nil, false, nil)
	nonDevMux := http.NewServeMux()
	nonDev.Routes(nonDevMux)

	req = httptest.NewRequest(http.MethodPost, "/dev/seal", nil)
	rec = httptest.NewRecorder()
	nonDevMux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
