// Package txindex implements an optional secondary index over the
// sequencer's committed history: tx_hash -> batch_index and
// batch_index -> settlement status, backing the GET /status/batch HTTP
// route without making callers scan the primary StateStore. It is additive, never authoritative — on any
// disagreement the KV StateStore wins — the same relationship the
// teacher's pkg/database has to pkg/ledger. Grounded on
// pkg/database/client.go's connection-pooling Client and
// pkg/database/repository_batch.go's repository shape.
package txindex

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS tx_index (
	tx_hash     BYTEA PRIMARY KEY,
	batch_index BIGINT NOT NULL,
	indexed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tx_index_batch_idx ON tx_index (batch_index);

CREATE TABLE IF NOT EXISTS batch_status (
	batch_index BIGINT PRIMARY KEY,
	status      TEXT NOT NULL,
	state_root  BYTEA,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Index is a Postgres-backed secondary index. Nil-safe in the sense
// that callers who never configured DatabaseURL simply don't construct
// one; every HTTP handler that consults it must tolerate it being
// absent and fall back to StateStore.
type Index struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens databaseURL, verifies connectivity, and ensures the index
// tables exist.
func New(databaseURL string, logger *log.Logger) (*Index, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("txindex: database URL is empty")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[TxIndex] ", log.LstdFlags)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("txindex: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("txindex: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("txindex: create schema: %w", err)
	}

	logger.Printf("connected, schema ensured")
	return &Index{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (idx *Index) Close() error { return idx.db.Close() }

// RecordTx upserts the batch a transaction landed in. Called once per
// transaction as a batch commits; safe to call again with the same
// arguments on a retried commit.
func (idx *Index) RecordTx(ctx context.Context, txHash [32]byte, batchIndex uint64) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO tx_index (tx_hash, batch_index) VALUES ($1, $2)
		ON CONFLICT (tx_hash) DO UPDATE SET batch_index = EXCLUDED.batch_index`,
		txHash[:], int64(batchIndex))
	if err != nil {
		return fmt.Errorf("txindex: record tx: %w", err)
	}
	return nil
}

// RecordBatchStatus upserts a batch's settlement status and, once
// known, its resulting state root.
func (idx *Index) RecordBatchStatus(ctx context.Context, batchIndex uint64, status string, stateRoot []byte) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO batch_status (batch_index, status, state_root, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (batch_index) DO UPDATE SET status = EXCLUDED.status, state_root = EXCLUDED.state_root, updated_at = now()`,
		int64(batchIndex), status, stateRoot)
	if err != nil {
		return fmt.Errorf("txindex: record batch status: %w", err)
	}
	return nil
}

// BatchForTx returns the batch index a transaction landed in, or false
// if the index has no record of it (callers should fall back to
// StateStore.TxStatus in that case).
func (idx *Index) BatchForTx(ctx context.Context, txHash [32]byte) (uint64, bool, error) {
	var batchIndex int64
	err := idx.db.QueryRowContext(ctx, `SELECT batch_index FROM tx_index WHERE tx_hash = $1`, txHash[:]).Scan(&batchIndex)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("txindex: lookup tx: %w", err)
	}
	return uint64(batchIndex), true, nil
}

// BatchStatus describes one row of the batch_status table.
type BatchStatus struct {
	Status    string
	StateRoot []byte
	UpdatedAt time.Time
}

// StatusForBatch returns batchIndex's settlement status.
func (idx *Index) StatusForBatch(ctx context.Context, batchIndex uint64) (BatchStatus, bool, error) {
	var bs BatchStatus
	err := idx.db.QueryRowContext(ctx,
		`SELECT status, state_root, updated_at FROM batch_status WHERE batch_index = $1`,
		int64(batchIndex)).Scan(&bs.Status, &bs.StateRoot, &bs.UpdatedAt)
	if err == sql.ErrNoRows {
		return BatchStatus{}, false, nil
	}
	if err != nil {
		return BatchStatus{}, false, fmt.Errorf("txindex: lookup batch status: %w", err)
	}
	return bs, true, nil
}
