// Package prover implements Prover: producing a BatchProof for a sealed
// batch under one of three selectable modes (Mock, Groth16, Remote), per
// spec §4.5. Callers depend only on the Prover interface; cmd/sequencer
// selects a concrete implementation at startup from configuration.
package prover

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/zelana-labs/sequencer/internal/hashing"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Mode selects which proving backend a Prover uses.
type Mode int

const (
	ModeMock Mode = iota + 1
	ModeGroth16
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeMock:
		return "mock"
	case ModeGroth16:
		return "groth16"
	case ModeRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// ErrProvingFailed is returned when a batch could not be proved, whether
// locally (Groth16 setup/witness error) or remotely (coordinator failure
// or timeout).
var ErrProvingFailed = errors.New("prover: proving failed")

// PublicInputs are the batch fields the proof attests to; every mode
// carries exactly these, serialized identically, so a BatchProof from any
// mode is self-describing.
type PublicInputs struct {
	PreStateRoot     types.Root
	PostStateRoot    types.Root
	PreShieldedRoot  types.Root
	PostShieldedRoot types.Root
	WithdrawalRoot   types.Root
	BatchHash        [32]byte
}

// PublicInputsFromBatch extracts a batch's public inputs.
func PublicInputsFromBatch(b *types.Batch) PublicInputs {
	return PublicInputs{
		PreStateRoot:     b.PreStateRoot,
		PostStateRoot:    b.PostStateRoot,
		PreShieldedRoot:  b.PreShieldedRoot,
		PostShieldedRoot: b.PostShieldedRoot,
		WithdrawalRoot:   b.WithdrawalRoot,
		BatchHash:        b.BatchHash,
	}
}

// bytes serializes the public inputs in a fixed order, used as the Mock
// proof's hash preimage. The Groth16 witness lists the same fields in the
// same order but is built separately.
func (p PublicInputs) bytes() [][]byte {
	return [][]byte{
		p.PreStateRoot[:],
		p.PostStateRoot[:],
		p.PreShieldedRoot[:],
		p.PostShieldedRoot[:],
		p.WithdrawalRoot[:],
		p.BatchHash[:],
	}
}

// commitment hashes the public inputs under the batch-hash domain tag;
// MockProver uses it as its proof. The Groth16 circuit attests to
// fieldCommitment instead, which carries no domain tag.
func (p PublicInputs) commitment() [32]byte {
	return hashing.Sum32(hashing.DomainBatchHash, p.bytes()...)
}

// BatchProof is the opaque proof blob plus the public inputs it attests
// to, handed to Settler for L1 submission.
type BatchProof struct {
	Mode         Mode
	ProofBytes   []byte
	PublicInputs PublicInputs
}

// Prover proves a sealed batch's state transition.
type Prover interface {
	Prove(ctx context.Context, batch *types.Batch) (*BatchProof, error)
	Verify(proof *BatchProof) (bool, error)
	Mode() Mode
}

func encodeBatchIndex(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}
