// Package store implements the persistent StateStore: a column-family key
// space over a CometBFT dbm.DB, matching the single-writer-per-commit
// discipline the on-disk ledger in this codebase has always assumed.
package store

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal key-value contract StateStore depends on. It is kept
// narrow on purpose so any dbm.DB-backed implementation (or an in-memory
// one for tests) can satisfy it without pulling in the rest of dbm.DB's
// surface.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// kvAdapter wraps a CometBFT dbm.DB and exposes it as KV.
type kvAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps db as a KV. A nil db is accepted and behaves as an
// always-empty, discard-on-write store, useful for dry-run wiring.
func NewKVAdapter(db dbm.DB) KV {
	return &kvAdapter{db: db}
}

func (a *kvAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *kvAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// OpenBackend constructs the dbm.DB named by backend ("memdb" or
// "goleveldb") rooted at dataDir, the two choices internal/config allows.
func OpenBackend(backend, name, dataDir string) (dbm.DB, error) {
	switch backend {
	case "memdb":
		return dbm.NewMemDB(), nil
	case "goleveldb":
		return dbm.NewGoLevelDB(name, dataDir)
	default:
		return dbm.NewMemDB(), nil
	}
}
