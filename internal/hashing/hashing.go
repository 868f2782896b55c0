// Package hashing fixes the single protocol hash family H shared between
// runtime state-root computation and the prover's in-circuit constraints.
//
// Per design note in the source: shielded-state hashing and account-state
// hashing must use one hash family the prover circuit accepts, so the
// choice lives here as a protocol constant rather than being re-derived
// per component. H is MiMC over the BN254 scalar field
// (github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc), because gnark
// ships a matching in-circuit gadget (gnark/std/hash/mimc) — the same
// hash the Groth16 circuit in internal/prover constrains.
package hashing

import (
	gohash "hash"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Size is the output width of H in bytes (one BN254 scalar-field element).
const Size = 32

// New returns a fresh MiMC hasher. Domain separation mirrors the per-call
// Write pattern used throughout the codebase: every call site mixes in a
// fixed tag before variable data so that, e.g., an account-root hash can
// never collide with a commitment hash over the same input bytes.
func New() *mimcHasher {
	return &mimcHasher{h: mimc.NewMiMC()}
}

type mimcHasher struct {
	h gohash.Hash
}

// Write feeds bytes into the hash state. Inputs are reduced modulo the
// BN254 scalar field by the underlying MiMC implementation.
func (m *mimcHasher) Write(p []byte) (int, error) { return m.h.Write(p) }

// Sum32 finalizes the hash into a fixed 32-byte array without mutating
// the hasher's cumulative state for the caller's byte slice.
func (m *mimcHasher) Sum32() [32]byte {
	var out [32]byte
	copy(out[:], m.h.Sum(nil))
	return out
}

// Reset clears accumulated state so the hasher can be reused.
func (m *mimcHasher) Reset() { m.h.Reset() }

// Domain tags separate hash usages that would otherwise share an encoding
// (e.g. a 32-byte commitment and a 32-byte nullifier must never collide
// even given identical preimage bytes).
const (
	DomainAccountLeaf    byte = 0x01
	DomainCommitment     byte = 0x02
	DomainNullifier      byte = 0x03
	DomainMerkleNode     byte = 0x04
	DomainWithdrawalLeaf byte = 0x05
	DomainBatchHash      byte = 0x06
)

// Sum32 is a convenience one-shot hash of domain-tagged input chunks.
func Sum32(domain byte, chunks ...[]byte) [32]byte {
	h := New()
	h.Write([]byte{domain})
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum32()
}

// Pair hashes two 32-byte node values together under the Merkle-node
// domain tag, used by both the shielded commitment tree and the
// withdrawal tree so that internal nodes from either tree are
// indistinguishable only within their own tree context (domain tag plus
// tree-specific salt at the call site).
func Pair(domain byte, left, right [32]byte) [32]byte {
	return Sum32(domain, left[:], right[:])
}
