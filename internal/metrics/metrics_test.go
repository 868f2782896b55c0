package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectorsAndServesExposition(t *testing.T) {
	m := New()
	m.RecordBatchSealed(2)
	m.RecordBatchProved(1)
	m.RecordBatchSettled()
	m.RecordSettlementAttempt()
	m.RecordSettlementRetry()
	m.RecordSettlementFailure()
	m.SetMempoolPendingBlobs(3)
	m.RecordShieldedScan(5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "sequencer_pipeline_sealed_queue_depth 2"))
	require.True(t, strings.Contains(body, "sequencer_pipeline_batches_sealed_total 1"))
	require.True(t, strings.Contains(body, "sequencer_settler_attempts_total 1"))
	require.True(t, strings.Contains(body, "sequencer_settler_retries_total 1"))
	require.True(t, strings.Contains(body, "sequencer_settler_failures_total 1"))
	require.True(t, strings.Contains(body, "sequencer_mempool_pending_blobs 3"))
	require.True(t, strings.Contains(body, "sequencer_shielded_notes_scanned_total 5"))
}

func TestNilMetrics_MethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordBatchSealed(1)
		m.RecordBatchProved(1)
		m.RecordBatchSettled()
		m.RecordSettlementAttempt()
		m.RecordSettlementRetry()
		m.RecordSettlementFailure()
		m.SetMempoolPendingBlobs(1)
		m.RecordShieldedScan(1)
	})

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}
